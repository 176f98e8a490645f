// Package stream implements the blank-line delimited event framing used by
// streaming chat turns:
//
//	event: <type>
//	data: <payload line>
//	data: <payload line>
//	<blank line>
//
// Every data line of a frame is joined with "\n" to rebuild one JSON value.
package stream

import "encoding/json"

type EventType string

const (
	EventMeta  EventType = "meta"
	EventDelta EventType = "delta"
	EventError EventType = "error"
	EventDone  EventType = "done"
)

// ContentType is the media type of a frame stream.
const ContentType = "text/event-stream"

// Frame is one decoded protocol unit.
type Frame struct {
	Event EventType
	Data  json.RawMessage
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v interface{}) error {
	return json.Unmarshal(f.Data, v)
}
