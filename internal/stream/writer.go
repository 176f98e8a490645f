package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// ErrClosed is returned by Emit after a previous write failed.
var ErrClosed = errors.New("stream: writer closed")

type flusher interface {
	Flush()
}

// FrameWriter serializes frames onto a response and flushes after every
// frame. Once a write fails the writer stays failed and the optional
// onFailure callback runs once, which lets the caller cancel the turn.
type FrameWriter struct {
	mu        sync.Mutex
	w         io.Writer
	flusher   flusher
	err       error
	frames    int
	onFailure func(error)
}

// NewFrameWriter wraps w. If w implements Flush() it is called after each frame.
func NewFrameWriter(w io.Writer, onFailure func(error)) *FrameWriter {
	fw := &FrameWriter{w: w, onFailure: onFailure}
	if f, ok := w.(flusher); ok {
		fw.flusher = f
	}
	return fw
}

// SetHeaders prepares a response for streaming. Must run before the first frame.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", ContentType+"; charset=utf-8")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Emit writes one frame. payload is marshaled to JSON; indented or
// multi-line payloads are split into several data lines.
func (fw *FrameWriter) Emit(event EventType, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("stream: marshal %s payload: %w", event, err)
	}
	return fw.EmitRaw(event, data)
}

// EmitRaw writes one frame with an already encoded payload.
func (fw *FrameWriter) EmitRaw(event EventType, data []byte) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.err != nil {
		return ErrClosed
	}

	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(string(event))
	buf.WriteByte('\n')
	for _, line := range bytes.Split(data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(bytes.TrimSuffix(line, []byte("\r")))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')

	if _, err := fw.w.Write(buf.Bytes()); err != nil {
		fw.fail(err)
		return err
	}
	if fw.flusher != nil {
		fw.flusher.Flush()
	}
	fw.frames++
	return nil
}

// Frames returns the number of frames written successfully.
func (fw *FrameWriter) Frames() int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.frames
}

// Err returns the first write error, if any.
func (fw *FrameWriter) Err() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.err
}

func (fw *FrameWriter) fail(err error) {
	fw.err = err
	if fw.onFailure != nil {
		fw.onFailure(err)
	}
}
