package services

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/omninoc/backend/internal/models"
)

const ellipsis = "..."

// PromptLimits bounds the log context sent to the AI backend.
// A zero MaxLineChars or MaxLabelChars disables that cap.
type PromptLimits struct {
	MaxRows       int
	MaxLineChars  int
	MaxLabelChars int
}

var (
	ChatPromptLimits     = PromptLimits{MaxRows: 120, MaxLineChars: 260, MaxLabelChars: 120}
	AnalysisPromptLimits = PromptLimits{MaxRows: 180, MaxLineChars: 300, MaxLabelChars: 120}
)

const (
	historyMaxMessages = 12
	historyMaxChars    = 280
)

// ServerInfo is the server identity shown in prompt headers.
type ServerInfo struct {
	Name   string `json:"name"`
	IPv4   string `json:"ipv4"`
	Status string `json:"status"`
}

func ServerInfoFrom(s *models.Server) ServerInfo {
	if s == nil {
		return ServerInfo{}
	}
	return ServerInfo{Name: s.Name, IPv4: s.IPv4, Status: s.Status}
}

// IndexedRow is a log row with the 1-based index the model cites as [LOG#N].
type IndexedRow struct {
	Index     int    `json:"idx"`
	Timestamp string `json:"ts"`
	Labels    string `json:"labels"`
	Line      string `json:"line"`
}

// HistoryMessage is one prior chat message fed back to the model.
type HistoryMessage struct {
	Role    string
	Content string
}

// ChatPrompts is the system/user pair for one chat turn.
type ChatPrompts struct {
	System string
	User   string
}

type ChatPromptInput struct {
	Server  ServerInfo
	Rows    []models.LogRow
	History []HistoryMessage
	Range   string
	Filter  string
	Message string
}

// NumberRows keeps at most MaxRows non-empty rows, most recent first, and
// numbers them from 1. Empty lines are skipped without consuming an index,
// so the log panel and the prompt always agree on numbering.
func NumberRows(rows []models.LogRow, limits PromptLimits) []IndexedRow {
	out := make([]IndexedRow, 0, min(len(rows), max(limits.MaxRows, 0)))
	for _, row := range rows {
		if len(out) >= limits.MaxRows {
			break
		}
		line := collapseWhitespace(row.Line)
		if line == "" {
			continue
		}
		out = append(out, IndexedRow{
			Index:     len(out) + 1,
			Timestamp: strings.TrimSpace(row.Timestamp),
			Labels:    truncateRunes(FormatLabels(row.Labels), limits.MaxLabelChars),
			Line:      truncateRunes(line, limits.MaxLineChars),
		})
	}
	return out
}

// FormatLabels renders a label set as "k=v, k=v" in key order.
func FormatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, ", ")
}

// FormatIndexedRow is the single prompt line for one row.
func FormatIndexedRow(row IndexedRow) string {
	ts := row.Timestamp
	if ts == "" {
		ts = "-"
	}
	prefix := fmt.Sprintf("LOG#%d | %s", row.Index, ts)
	if row.Labels != "" {
		prefix += " | " + row.Labels
	}
	return prefix + " | " + row.Line
}

// BuildAnalysisContext renders the header block and numbered rows used by
// the one-shot analysis.
func BuildAnalysisContext(server ServerInfo, rows []models.LogRow, rangeWindow, filter string, limits PromptLimits) string {
	var b strings.Builder
	b.WriteString("Server: " + valueOr(server.Name, "server") + "\n")
	b.WriteString("IP: " + valueOr(server.IPv4, "-") + "\n")
	b.WriteString("Status: " + valueOr(server.Status, "-") + "\n")
	b.WriteString("Window: " + NormalizeRange(rangeWindow) + "\n")
	b.WriteString("Filter: " + valueOr(strings.TrimSpace(filter), "(none)") + "\n")

	indexed := NumberRows(rows, limits)
	if len(indexed) < len(rows) {
		b.WriteString(fmt.Sprintf("Rows: %d of %d (most recent first)\n", len(indexed), len(rows)))
	} else {
		b.WriteString(fmt.Sprintf("Rows: %d (most recent first)\n", len(indexed)))
	}
	b.WriteString("\nLogs:\n")
	if len(indexed) == 0 {
		b.WriteString("(no log lines in this window)\n")
	}
	for _, row := range indexed {
		b.WriteString(FormatIndexedRow(IndexedRow{Index: row.Index, Timestamp: row.Timestamp, Line: row.Line}))
		b.WriteByte('\n')
	}
	return b.String()
}

// BuildChatPrompts assembles the system and user prompts for a chat turn.
func BuildChatPrompts(in ChatPromptInput) (ChatPrompts, []IndexedRow) {
	indexed := NumberRows(in.Rows, ChatPromptLimits)

	logLines := make([]string, 0, len(indexed))
	for _, row := range indexed {
		logLines = append(logLines, FormatIndexedRow(row))
	}

	history := in.History
	if len(history) > historyMaxMessages {
		history = history[len(history)-historyMaxMessages:]
	}
	historyLines := make([]string, 0, len(history))
	for _, msg := range history {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		historyLines = append(historyLines, strings.ToUpper(models.NormalizeRole(msg.Role))+": "+truncateRunes(content, historyMaxChars))
	}

	user := fmt.Sprintf(CHAT_USER_PROMPT,
		valueOr(in.Server.Name, "server"),
		valueOr(in.Server.IPv4, "-"),
		NormalizeRange(in.Range),
		valueOr(strings.TrimSpace(in.Filter), "(no filter)"),
		valueOr(strings.Join(historyLines, "\n"), "(no history)"),
		valueOr(strings.Join(logLines, "\n"), "(no relevant logs)"),
		strings.TrimSpace(in.Message),
	)
	return ChatPrompts{System: CHAT_SYSTEM_PROMPT, User: user}, indexed
}

// truncateRunes cuts s so the result, ellipsis included, is at most limit runes.
func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	if limit <= len(ellipsis) {
		return string([]rune(s)[:limit])
	}
	return string([]rune(s)[:limit-len(ellipsis)]) + ellipsis
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
