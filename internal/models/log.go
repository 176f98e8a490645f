package models

import (
	"database/sql/driver"
	"time"
)

// LogTimestampLayout is the human readable UTC form used for every fetched row.
const LogTimestampLayout = "2006-01-02 15:04:05 UTC"

// LogRow is one line returned by the log store. Rows are produced per query
// and never cached between turns.
type LogRow struct {
	Timestamp string            `json:"ts"`
	Labels    map[string]string `json:"labels,omitempty"`
	Line      string            `json:"line"`
	Time      time.Time         `json:"-"`
}

// LogSnapshot is the bounded copy of rows stored with a saved diagnostic.
type LogSnapshot []LogRow

func (s LogSnapshot) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	return jsonValue(s)
}

func (s *LogSnapshot) Scan(src interface{}) error {
	return jsonScan(src, s)
}
