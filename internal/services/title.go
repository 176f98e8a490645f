package services

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	fallbackLabelChars = 42
	defaultServerName  = "server"
	defaultIncident    = "Operational diagnosis"
)

type incidentRule struct {
	pattern *regexp.Regexp
	label   string
}

// incidentRules is evaluated in order and the first match wins. Security
// findings come first so a brute force with timeouts is not filed as a
// proxy problem.
var incidentRules = []incidentRule{
	{regexp.MustCompile(`(?i)brute\s*force|forca\s*bruta|auth(entication)?\s+failures?|falhas?\s+de\s+autenticacao|sshd|invalid\s+user|failed\s+password`), "SSH brute force"},
	{regexp.MustCompile(`(?i)timeout|gateway\s+timeout|504|502|bad\s+gateway|upstream`), "Timeout/proxy"},
	{regexp.MustCompile(`(?i)\boom\b|out\s+of\s+memory|killed\s+process|exit\s+(code\s+)?137`), "OOM/memory"},
	{regexp.MustCompile(`(?i)disk|disco\s+cheio|no\s+space\s+left|inode`), "Disk/inodes"},
	{regexp.MustCompile(`(?i)high\s+cpu|load\s+average|cpu`), "CPU/load"},
	{regexp.MustCompile(`(?i)latency|latencia|network|connection\s+(refused|reset)`), "Network/latency"},
	{regexp.MustCompile(`(?i)docker|container|swarm|healthcheck|restart|crash`), "Container/service"},
	{regexp.MustCompile(`(?i)certificate|certificado|\btls\b|\bssl\b`), "TLS/certificate"},
}

var severityRules = []struct {
	pattern *regexp.Regexp
	label   string
}{
	{regexp.MustCompile(`(?i)\b(critical|critica?)\b`), "Critical"},
	{regexp.MustCompile(`(?i)\b(high|alta)\b`), "High"},
	{regexp.MustCompile(`(?i)\b(medium|media)\b`), "Medium"},
	{regexp.MustCompile(`(?i)\b(low|baixa)\b`), "Low"},
}

var (
	numberedLine   = regexp.MustCompile(`^\d+\)`)
	sectionHeading = regexp.MustCompile(`(?i)^#*\s*(diagnosis|evidence|timeline|layer|classification|root\s+cause|cause|explanation|severity|mitigation|fix|correction|hardening|commands|risk|diagnostico|evidencias|linha do tempo|camada|causa|severidade|mitigacao|correcao|comandos|risco)`)
)

// TitleInput is what the title suggester looks at.
type TitleInput struct {
	Analysis   string
	ServerName string
	Range      string
	Filter     string
	Now        time.Time
}

// SuggestTitle derives a short diagnostic title such as
// "SSH brute force - web-1 - Sev High - 24h - 05/03".
func SuggestTitle(in TitleInput) string {
	serverName := strings.TrimSpace(in.ServerName)
	if serverName == "" {
		serverName = defaultServerName
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	parts := []string{ClassifyIncident(in.Analysis), serverName}
	if severity := DetectSeverity(in.Analysis); severity != "" {
		parts = append(parts, "Sev "+severity)
	}
	if strings.TrimSpace(in.Filter) != "" {
		parts = append(parts, "filtered")
	}
	parts = append(parts, NormalizeRange(in.Range), now.UTC().Format("02/01"))

	return truncateBytes(strings.Join(parts, " - "), TitleMaxChars)
}

// ClassifyIncident returns the first matching incident label, else a short
// excerpt of the first prose line, else a generic label.
func ClassifyIncident(analysis string) string {
	for _, rule := range incidentRules {
		if rule.pattern.MatchString(analysis) {
			return rule.label
		}
	}

	for _, line := range strings.Split(strings.ReplaceAll(analysis, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || numberedLine.MatchString(line) || sectionHeading.MatchString(line) {
			continue
		}
		line = collapseWhitespace(line)
		if utf8.RuneCountInString(line) > fallbackLabelChars {
			line = string([]rune(line)[:fallbackLabelChars]) + "..."
		}
		return line
	}
	return defaultIncident
}

// DetectSeverity returns the highest severity mentioned, or "".
func DetectSeverity(analysis string) string {
	for _, rule := range severityRules {
		if rule.pattern.MatchString(analysis) {
			return rule.label
		}
	}
	return ""
}

// truncateBytes cuts s to at most limit bytes without splitting a rune.
func truncateBytes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
