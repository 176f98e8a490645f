// Package client talks to the assistant API the way the console does: a
// turn is streamed when possible and retried over the plain JSON endpoint
// with the same idempotency key when the stream cannot be opened.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/omninoc/backend/internal/models"
	"github.com/omninoc/backend/internal/services"
	"github.com/omninoc/backend/internal/stream"
)

// Outcome is how a turn ended from the client's point of view.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeErrored   Outcome = "errored"
	OutcomeStopped   Outcome = "stopped"
)

const idempotencyHeader = "Idempotency-Key"

var errStreamTruncated = errors.New("stream ended before the done frame")

// APIError is a non-2xx JSON response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// handshakeError means the stream never started; the turn can be retried
// over the fallback endpoint.
type handshakeError struct {
	err error
}

func (e *handshakeError) Error() string { return "stream handshake failed: " + e.err.Error() }
func (e *handshakeError) Unwrap() error { return e.err }

// Message is one user question.
type Message struct {
	Text   string
	Range  string
	Filter string
}

// Handlers receive a turn as it progresses. Both are optional.
type Handlers struct {
	OnMeta  func(services.MetaPayload)
	OnDelta func(string)
}

// Result is a finished turn.
type Result struct {
	Outcome   Outcome
	TurnID    string
	Transport string
	Content   string
	Assistant *services.AssistantPayload
	Meta      *models.MessageMeta
	Replayed  bool
	Error     *services.ErrorPayload
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	timeout    time.Duration
}

// New returns a client for baseURL (for example "http://localhost:8080").
// timeout bounds non-streaming requests; streams run until done or ctx ends.
func New(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
		timeout:    timeout,
	}
}

func (c *Client) serverURL(serverID uint, path string) string {
	return fmt.Sprintf("%s/api/v1/servers/%d/ai%s", c.baseURL, serverID, path)
}

func (c *Client) newRequest(ctx context.Context, method, url string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

type sendBody struct {
	Message string `json:"message"`
	Range   string `json:"range,omitempty"`
	Filter  string `json:"q,omitempty"`
}

// Send runs one chat turn. A stream that fails to open is retried once over
// the fallback endpoint under the same turn id, so the server answers it at
// most once. Cancelling ctx stops the turn with OutcomeStopped.
func (c *Client) Send(ctx context.Context, serverID uint, msg Message, h Handlers) (*Result, error) {
	turnID := uuid.NewString()
	body := sendBody{Message: msg.Text, Range: msg.Range, Filter: msg.Filter}

	result, err := c.stream(ctx, serverID, turnID, body, h)
	var handshake *handshakeError
	if errors.As(err, &handshake) {
		if ctx.Err() != nil {
			return &Result{Outcome: OutcomeStopped, TurnID: turnID, Transport: services.TransportStream}, nil
		}
		return c.fallback(ctx, serverID, turnID, body, h)
	}
	return result, err
}

func (c *Client) stream(ctx context.Context, serverID uint, turnID string, body sendBody, h Handlers) (*Result, error) {
	req, err := c.newRequest(ctx, http.MethodPost, c.serverURL(serverID, "/messages/stream"), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", stream.ContentType)
	req.Header.Set(idempotencyHeader, turnID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &handshakeError{err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		// the fallback endpoint would refuse the turn the same way
		return nil, decodeAPIError(resp)
	default:
		return nil, &handshakeError{err: decodeAPIError(resp)}
	}
	if mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mediaType != stream.ContentType {
		return nil, &handshakeError{err: fmt.Errorf("unexpected content type %q", resp.Header.Get("Content-Type"))}
	}

	result := &Result{TurnID: turnID, Transport: services.TransportStream}
	var content strings.Builder
	reader := stream.NewFrameReader(resp.Body)
	for {
		frame, err := reader.Next()
		if err != nil {
			result.Content = content.String()
			if ctx.Err() != nil {
				result.Outcome = OutcomeStopped
				return result, nil
			}
			result.Outcome = OutcomeErrored
			if err == io.EOF {
				err = errStreamTruncated
			}
			return result, err
		}

		switch frame.Event {
		case stream.EventMeta:
			var meta services.MetaPayload
			if err := frame.Decode(&meta); err != nil {
				return nil, fmt.Errorf("decode meta frame: %w", err)
			}
			if meta.TurnID != "" {
				result.TurnID = meta.TurnID
			}
			if h.OnMeta != nil {
				h.OnMeta(meta)
			}
		case stream.EventDelta:
			var delta services.DeltaPayload
			if err := frame.Decode(&delta); err != nil {
				return nil, fmt.Errorf("decode delta frame: %w", err)
			}
			content.WriteString(delta.Delta)
			if h.OnDelta != nil {
				h.OnDelta(delta.Delta)
			}
		case stream.EventError:
			var payload services.ErrorPayload
			if err := frame.Decode(&payload); err != nil {
				return nil, fmt.Errorf("decode error frame: %w", err)
			}
			result.Error = &payload
		case stream.EventDone:
			var done services.DonePayload
			if err := frame.Decode(&done); err != nil {
				return nil, fmt.Errorf("decode done frame: %w", err)
			}
			result.Content = content.String()
			result.Assistant = done.Assistant
			result.Meta = done.Meta
			result.Replayed = done.Replayed
			if done.TurnID != "" {
				result.TurnID = done.TurnID
			}
			if done.Assistant != nil {
				result.Content = done.Assistant.Content
			}
			result.Outcome = outcomeOf(done.OK, done.Meta)
			return result, nil
		}
	}
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) fallback(ctx context.Context, serverID uint, turnID string, body sendBody, h Handlers) (*Result, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.newRequest(reqCtx, http.MethodPost, c.serverURL(serverID, "/messages"), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set(idempotencyHeader, turnID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return &Result{Outcome: OutcomeStopped, TurnID: turnID, Transport: services.TransportFallback}, nil
		}
		return nil, err
	}
	defer resp.Body.Close()

	var envelope apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, &APIError{Status: resp.StatusCode, Message: "invalid response body"}
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil, &APIError{Status: resp.StatusCode, Code: envelope.Code, Message: envelope.Error}
	}

	var turn services.TurnResult
	if err := json.Unmarshal(envelope.Data, &turn); err != nil {
		return nil, fmt.Errorf("decode turn result: %w", err)
	}

	result := &Result{
		TurnID:    valueOr(turn.TurnID, turnID),
		Transport: services.TransportFallback,
		Assistant: turn.Assistant,
		Meta:      &turn.Meta,
		Replayed:  turn.Replayed,
		Outcome:   outcomeOf(turn.OK, &turn.Meta),
	}
	if turn.Assistant != nil {
		result.Content = turn.Assistant.Content
		if h.OnDelta != nil && result.Content != "" {
			h.OnDelta(result.Content)
		}
	}
	if envelope.Error != "" {
		result.Error = &services.ErrorPayload{Error: envelope.Error, Code: envelope.Code}
	}
	return result, nil
}

func outcomeOf(ok bool, meta *models.MessageMeta) Outcome {
	switch {
	case !ok:
		return OutcomeErrored
	case meta != nil && meta.Stopped:
		return OutcomeStopped
	default:
		return OutcomeCompleted
	}
}

// History returns the chat messages of a server, oldest first.
func (c *Client) History(ctx context.Context, serverID uint, limit int) ([]services.MessageView, error) {
	url := c.serverURL(serverID, "/messages")
	if limit > 0 {
		url = fmt.Sprintf("%s?limit=%d", url, limit)
	}
	var messages []services.MessageView
	if err := c.doJSON(ctx, http.MethodGet, url, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// Resolve marks an assistant answer as resolved or reopens it.
// Resolve marks an answer resolved or reopens it. It reports false when the
// message is not an assistant answer of this server.
func (c *Client) Resolve(ctx context.Context, serverID, messageID uint, resolved bool) (bool, error) {
	url := c.serverURL(serverID, fmt.Sprintf("/messages/%d/resolve", messageID))
	var out struct {
		OK bool `json:"ok"`
	}
	if err := c.doRaw(ctx, http.MethodPost, url, map[string]bool{"resolved": resolved}, &out); err != nil {
		return false, err
	}
	return out.OK, nil
}

// doJSON decodes the data field of a {"success":..,"data":..} envelope into out.
func (c *Client) doJSON(ctx context.Context, method, url string, body, out interface{}) error {
	if out == nil {
		return c.doRaw(ctx, method, url, body, nil)
	}
	var envelope apiEnvelope
	if err := c.doRaw(ctx, method, url, body, &envelope); err != nil {
		return err
	}
	return json.Unmarshal(envelope.Data, out)
}

// doRaw decodes the whole response body into out.
func (c *Client) doRaw(ctx context.Context, method, url string, body, out interface{}) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.newRequest(reqCtx, method, url, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	var envelope apiEnvelope
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Error == "" {
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	return &APIError{Status: resp.StatusCode, Code: envelope.Code, Message: envelope.Error}
}

func valueOr(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
