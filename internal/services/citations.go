package services

import (
	"regexp"
	"strconv"
)

var citationToken = regexp.MustCompile(`(?i)\[LOG#(\d+)\]`)

// Segment kinds
const (
	SegmentText     = "text"
	SegmentCitation = "citation"
)

// Segment is one piece of an assistant answer: plain text or a reference
// to a numbered log row.
type Segment struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Index int    `json:"index,omitempty"`
}

// ExtractCitations returns the distinct valid row indices cited in text,
// in order of first appearance.
func ExtractCitations(text string, rowCount int) []int {
	seen := map[int]bool{}
	indices := []int{}
	for _, match := range citationToken.FindAllStringSubmatch(text, -1) {
		idx, ok := citationIndex(match[1], rowCount)
		if !ok || seen[idx] {
			continue
		}
		seen[idx] = true
		indices = append(indices, idx)
	}
	return indices
}

// LinkCitations splits text into plain and citation segments. References
// to rows that do not exist stay plain text.
func LinkCitations(text string, rowCount int) []Segment {
	segments := []Segment{}
	appendText := func(s string) {
		if s == "" {
			return
		}
		if n := len(segments); n > 0 && segments[n-1].Type == SegmentText {
			segments[n-1].Text += s
			return
		}
		segments = append(segments, Segment{Type: SegmentText, Text: s})
	}

	last := 0
	for _, loc := range citationToken.FindAllStringSubmatchIndex(text, -1) {
		appendText(text[last:loc[0]])
		token := text[loc[0]:loc[1]]
		if idx, ok := citationIndex(text[loc[2]:loc[3]], rowCount); ok {
			segments = append(segments, Segment{Type: SegmentCitation, Text: token, Index: idx})
		} else {
			appendText(token)
		}
		last = loc[1]
	}
	appendText(text[last:])
	return segments
}

func citationIndex(digits string, rowCount int) (int, bool) {
	idx, err := strconv.Atoi(digits)
	if err != nil || idx < 1 || idx > rowCount {
		return 0, false
	}
	return idx, true
}
