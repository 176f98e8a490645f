package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/omninoc/backend/internal/config"
	"github.com/omninoc/backend/internal/logger"
	"github.com/omninoc/backend/internal/metrics"
	"github.com/sashabaranov/go-openai"
)

const (
	CallTypeChat     = "chat"
	CallTypeAnalysis = "analysis"
	CallTypeHealth   = "health"

	maxTrackedCalls = 100
)

// Runtime is a resolved AI backend: provider, model and credentials.
type Runtime struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	BaseURL     string  `json:"baseUrl"`
	APIKey      string  `json:"-"`
	Source      string  `json:"source"`
	Temperature float32 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens"`
}

// CompletionRequest is one system/user exchange with the backend.
type CompletionRequest struct {
	Runtime  Runtime
	System   string
	User     string
	CallType string
	TraceID  string
}

// LLMBackend is the AI backend used by chat turns and analyses.
type LLMBackend interface {
	// Complete waits for the whole answer.
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	// Stream calls onDelta for every text increment and returns the
	// concatenated content, partial on error. An error from onDelta stops
	// the stream and is returned as is.
	Stream(ctx context.Context, req CompletionRequest, onDelta func(string) error) (string, error)
}

// Backend error kinds
const (
	BackendUnavailable = "unavailable"
	BackendHTTPStatus  = "http_status"
	BackendEmpty       = "empty_response"
	BackendStream      = "stream"
)

// BackendError is a failure reported by, or while talking to, the AI
// backend. It is never mixed into model text.
type BackendError struct {
	Kind    string
	Status  int
	Message string
	Err     error
}

func (e *BackendError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("AI backend returned HTTP %d: %s", e.Status, e.Message)
	}
	return "AI backend error: " + e.Message
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// LLMAPICall tracking
type LLMAPICall struct {
	ID            string        `json:"id"`
	Timestamp     time.Time     `json:"timestamp"`
	Endpoint      string        `json:"endpoint"`
	Provider      string        `json:"provider"`
	Model         string        `json:"model"`
	CallType      string        `json:"callType"` // "chat", "analysis", "health"
	TraceID       string        `json:"traceId,omitempty"`
	Stream        bool          `json:"stream"`
	PromptChars   int           `json:"promptChars"`
	Status        int           `json:"status"`
	Duration      time.Duration `json:"duration"`
	ResponseChars int           `json:"responseChars"`
	Error         string        `json:"error,omitempty"`
}

// LLMService talks to OpenAI compatible chat completion APIs.
type LLMService struct {
	connectTimeout time.Duration
	timeout        time.Duration
	appURL         string
	appTitle       string
	apiCalls       []LLMAPICall
	callMutex      sync.RWMutex
}

func NewLLMService(cfg config.LLMConfig) *LLMService {
	return &LLMService{
		connectTimeout: cfg.ConnectTimeout,
		timeout:        cfg.Timeout,
		appURL:         cfg.AppURL,
		appTitle:       cfg.AppTitle,
		apiCalls:       make([]LLMAPICall, 0),
	}
}

// NewTraceID returns an id that ties a backend call to the stored message.
func NewTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GetAPICalls returns all tracked LLM API calls
func (ls *LLMService) GetAPICalls() []LLMAPICall {
	ls.callMutex.RLock()
	defer ls.callMutex.RUnlock()

	// Return a copy to avoid race conditions
	calls := make([]LLMAPICall, len(ls.apiCalls))
	copy(calls, ls.apiCalls)
	return calls
}

// ClearAPICalls clears the API call history
func (ls *LLMService) ClearAPICalls() {
	ls.callMutex.Lock()
	defer ls.callMutex.Unlock()
	ls.apiCalls = make([]LLMAPICall, 0)
}

// addAPICall adds a new API call to the tracking list
func (ls *LLMService) addAPICall(call LLMAPICall) {
	ls.callMutex.Lock()
	defer ls.callMutex.Unlock()

	// Keep only the last calls to bound memory
	if len(ls.apiCalls) >= maxTrackedCalls {
		ls.apiCalls = ls.apiCalls[1:]
	}
	ls.apiCalls = append(ls.apiCalls, call)
}

// trackAPICall records one finished call in memory and in metrics
func (ls *LLMService) trackAPICall(req CompletionRequest, stream bool, started time.Time, response string, err error) {
	elapsed := time.Since(started)
	call := LLMAPICall{
		ID:            fmt.Sprintf("llm_%d", started.UnixNano()),
		Timestamp:     started,
		Endpoint:      "/chat/completions",
		Provider:      req.Runtime.Provider,
		Model:         req.Runtime.Model,
		CallType:      req.CallType,
		TraceID:       req.TraceID,
		Stream:        stream,
		PromptChars:   len(req.System) + len(req.User),
		Status:        http.StatusOK,
		Duration:      elapsed,
		ResponseChars: len(response),
	}
	result := "ok"
	if err != nil {
		result = "error"
		call.Error = err.Error()
		call.Status = 0
		var backendErr *BackendError
		if errors.As(err, &backendErr) {
			call.Status = backendErr.Status
		}
		if errors.Is(err, context.Canceled) {
			result = "cancelled"
		}
	}
	ls.addAPICall(call)
	metrics.BackendCalls.WithLabelValues(req.Runtime.Provider, req.CallType, result).Inc()
	metrics.BackendLatency.WithLabelValues(req.Runtime.Provider, req.CallType).Observe(elapsed.Seconds())
}

// client builds a go-openai client for one runtime. Streaming clients carry
// no overall timeout; the caller's context bounds them.
func (ls *LLMService) client(rt Runtime, streaming bool) *openai.Client {
	cfg := openai.DefaultConfig(rt.APIKey)
	if rt.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(rt.BaseURL, "/")
	}

	var transport http.RoundTripper = &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: ls.connectTimeout}).DialContext,
		TLSHandshakeTimeout:   ls.connectTimeout,
		ResponseHeaderTimeout: ls.timeout,
	}
	if rt.Provider == "openrouter" {
		transport = &headerTransport{base: transport, headers: map[string]string{
			"HTTP-Referer": ls.appURL,
			"X-Title":      ls.appTitle,
		}}
	}

	httpClient := &http.Client{Transport: transport}
	if !streaming {
		httpClient.Timeout = ls.timeout
	}
	cfg.HTTPClient = httpClient
	return openai.NewClientWithConfig(cfg)
}

func (ls *LLMService) request(req CompletionRequest, stream bool) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model: req.Runtime.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.User},
		},
		Temperature: req.Runtime.Temperature,
		// max_tokens is what every OpenAI compatible provider accepts
		MaxTokens: req.Runtime.MaxTokens,
		Stream:    stream,
	}
}

// Complete performs a non-streaming chat completion bounded by the service timeout.
func (ls *LLMService) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, ls.timeout)
	defer cancel()

	logger.WithLLM(req.Runtime.Provider, req.Runtime.Model, req.CallType).
		WithField("prompt_chars", len(req.System)+len(req.User)).
		Debug("Making AI backend request")

	resp, err := ls.client(req.Runtime, false).CreateChatCompletion(ctx, ls.request(req, false))
	if err != nil {
		err = classifyBackendError(ctx, err)
		ls.trackAPICall(req, false, started, "", err)
		return "", err
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = strings.TrimSpace(resp.Choices[0].Message.Content)
	}
	if content == "" {
		err := &BackendError{Kind: BackendEmpty, Message: "the model returned an empty answer"}
		ls.trackAPICall(req, false, started, "", err)
		return "", err
	}

	ls.trackAPICall(req, false, started, content, nil)
	return content, nil
}

// Stream performs a streaming chat completion and forwards each delta.
func (ls *LLMService) Stream(ctx context.Context, req CompletionRequest, onDelta func(string) error) (string, error) {
	started := time.Now()
	var content strings.Builder

	stream, err := ls.client(req.Runtime, true).CreateChatCompletionStream(ctx, ls.request(req, true))
	if err != nil {
		err = classifyBackendError(ctx, err)
		ls.trackAPICall(req, true, started, "", err)
		return "", err
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			err = classifyBackendError(ctx, err)
			ls.trackAPICall(req, true, started, content.String(), err)
			return content.String(), err
		}
		for _, choice := range resp.Choices {
			delta := choice.Delta.Content
			if delta == "" {
				continue
			}
			content.WriteString(delta)
			if err := onDelta(delta); err != nil {
				ls.trackAPICall(req, true, started, content.String(), err)
				return content.String(), err
			}
		}
	}

	if strings.TrimSpace(content.String()) == "" {
		err := &BackendError{Kind: BackendEmpty, Message: "the model returned an empty answer"}
		ls.trackAPICall(req, true, started, "", err)
		return "", err
	}
	ls.trackAPICall(req, true, started, content.String(), nil)
	return content.String(), nil
}

// CheckHealth verifies that the runtime's credentials are accepted
func (ls *LLMService) CheckHealth(ctx context.Context, rt Runtime) error {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := ls.client(rt, false).ListModels(ctx)
	if err != nil {
		err = classifyBackendError(ctx, err)
	}
	ls.trackAPICall(CompletionRequest{Runtime: rt, CallType: CallTypeHealth}, false, started, "", err)
	return err
}

// classifyBackendError turns go-openai and transport errors into
// BackendError values. Caller cancellation is passed through untouched.
func classifyBackendError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
		return ctxErr
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		kind := BackendHTTPStatus
		if apiErr.HTTPStatusCode == 0 {
			// error object sent inside an open stream
			kind = BackendStream
		}
		return &BackendError{Kind: kind, Status: apiErr.HTTPStatusCode, Message: apiErr.Message, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := strings.TrimSpace(string(reqErr.Body))
		if msg == "" && reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &BackendError{Kind: BackendHTTPStatus, Status: reqErr.HTTPStatusCode, Message: truncateRunes(msg, maxErrorBodyChars), Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &BackendError{Kind: BackendUnavailable, Message: "request timed out", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &BackendError{Kind: BackendUnavailable, Message: err.Error(), Err: err}
	}
	return &BackendError{Kind: BackendStream, Message: err.Error(), Err: err}
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	return t.base.RoundTrip(req)
}
