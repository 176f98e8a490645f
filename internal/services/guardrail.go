package services

import (
	"regexp"
	"strings"
)

// Guardrail kinds recorded in message meta
const (
	GuardrailPromptInjection = "prompt_injection_blocked"
	GuardrailOutOfScope      = "out_of_scope_blocked"
)

const (
	promptInjectionReply = "I blocked this request for safety. Let's stay on this server's logs. " +
		"Try something like: 'what caused this error?', 'what is the immediate mitigation?', " +
		"or 'is there evidence of an attack in the last 15 minutes?'."
	outOfScopeReply = "I can help best when the question is about the logs. " +
		"For example: 'what is the root cause of this error?', 'are there signs of brute force?', " +
		"'what is the immediate mitigation for this timeout?'."
)

var injectionMarkers = []*regexp.Regexp{
	regexp.MustCompile(`ignore\s+(all\s+)?(previous|prior|above)\s+instructions`),
	regexp.MustCompile(`ignore\s+as\s+instru(coes|ções)\s+anteriores`),
	regexp.MustCompile(`system\s+prompt`),
	regexp.MustCompile(`developer\s+message`),
	regexp.MustCompile(`mensagem\s+do\s+desenvolvedor`),
	regexp.MustCompile(`reveal\s+.*(prompt|secret|token|credential)`),
	regexp.MustCompile(`mostre\s+.*(prompt|segredo|token|credencial)`),
	regexp.MustCompile(`act\s+as\s+`),
	regexp.MustCompile(`aja\s+como`),
	regexp.MustCompile(`jailbreak`),
	regexp.MustCompile(`bypass`),
}

var logTopicKeywords = []string{
	"log", "error", "erro", "fail", "falha", "warn", "exception", "panic", "timeout",
	"latency", "latencia", "slow", "cpu", "ram", "memory", "memoria", "oom", "disk", "disco",
	"inode", "docker", "container", "swarm", "nginx", "traefik", "502", "503", "504", "ssh",
	"auth", "login", "brute", "attack", "ataque", "restart", "crash", "healthcheck", "loki",
	"promtail", "event", "evento", "incident", "incidente", "mitigat", "mitigacao", "root cause",
	"cause", "why", "happen", "down", "outage", "spike", "certificate", "tls", "ssl",
}

// GuardrailVerdict is the outcome of screening a user message.
type GuardrailVerdict struct {
	Blocked bool
	Kind    string
	Reply   string
}

// CheckGuardrails screens a chat message before any backend call. Blocked
// messages get a canned reply instead of a model answer.
func CheckGuardrails(message string) GuardrailVerdict {
	text := strings.ToLower(strings.TrimSpace(message))
	if text == "" {
		return GuardrailVerdict{}
	}

	for _, marker := range injectionMarkers {
		if marker.MatchString(text) {
			return GuardrailVerdict{Blocked: true, Kind: GuardrailPromptInjection, Reply: promptInjectionReply}
		}
	}

	for _, keyword := range logTopicKeywords {
		if strings.Contains(text, keyword) {
			return GuardrailVerdict{}
		}
	}
	return GuardrailVerdict{Blocked: true, Kind: GuardrailOutOfScope, Reply: outOfScopeReply}
}
