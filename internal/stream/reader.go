package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"
)

// FrameReader splits a byte stream into frames on blank lines. Payload
// size is not bounded by a scanner buffer.
type FrameReader struct {
	r *bufio.Reader
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// Next returns the next complete frame. It returns io.EOF when the stream
// ends cleanly and io.ErrUnexpectedEOF when it ends inside a frame.
func (fr *FrameReader) Next() (Frame, error) {
	var (
		event   string
		data    [][]byte
		started bool
	)
	for {
		line, err := fr.r.ReadString('\n')
		if err != nil && err != io.EOF {
			return Frame{}, err
		}
		if err == io.EOF && line == "" {
			if started {
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, io.EOF
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if started {
				if event == "" {
					event = "message"
				}
				return Frame{Event: EventType(event), Data: json.RawMessage(bytes.Join(data, []byte("\n")))}, nil
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			started = true
		case strings.HasPrefix(line, "data:"):
			value := strings.TrimPrefix(line, "data:")
			value = strings.TrimPrefix(value, " ")
			data = append(data, []byte(value))
			started = true
		}

		if err == io.EOF {
			if started {
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, io.EOF
		}
	}
}
