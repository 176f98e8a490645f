package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/omninoc/backend/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLLMService() *LLMService {
	cfg := config.Default().LLM
	cfg.ConnectTimeout = time.Second
	cfg.Timeout = 5 * time.Second
	cfg.AppURL = "https://noc.example.com"
	return NewLLMService(cfg)
}

func testRuntimeFor(srv *httptest.Server, provider string) Runtime {
	return Runtime{Provider: provider, Model: "test-model", BaseURL: srv.URL + "/v1", APIKey: "sk-test", Temperature: 0.2, MaxTokens: 900}
}

func writeChunk(w http.ResponseWriter, content string) {
	chunk := map[string]interface{}{
		"id":      "chatcmpl-1",
		"object":  "chat.completion.chunk",
		"choices": []map[string]interface{}{{"index": 0, "delta": map[string]string{"content": content}}},
	}
	b, _ := json.Marshal(chunk)
	fmt.Fprintf(w, "data: %s\n\n", b)
	w.(http.Flusher).Flush()
}

func TestLLMServiceComplete(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		raw, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(raw, &body))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"  Disk full.  "},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	ls := testLLMService()
	content, err := ls.Complete(context.Background(), CompletionRequest{
		Runtime:  testRuntimeFor(srv, "openai"),
		System:   "system",
		User:     "user",
		CallType: CallTypeAnalysis,
		TraceID:  "trace-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "Disk full.", content)

	assert.Equal(t, "test-model", body["model"])
	assert.EqualValues(t, 900, body["max_tokens"])
	messages := body["messages"].([]interface{})
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]interface{})["role"])

	calls := ls.GetAPICalls()
	require.Len(t, calls, 1)
	assert.Equal(t, CallTypeAnalysis, calls[0].CallType)
	assert.Equal(t, "trace-1", calls[0].TraceID)
	assert.Equal(t, http.StatusOK, calls[0].Status)
	assert.False(t, calls[0].Stream)

	ls.ClearAPICalls()
	assert.Empty(t, ls.GetAPICalls())
}

func TestLLMServiceStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Diagnosis: ", "high CPU ", "load."} {
			writeChunk(w, part)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	var deltas []string
	content, err := testLLMService().Stream(context.Background(), CompletionRequest{Runtime: testRuntimeFor(srv, "openai"), CallType: CallTypeChat}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Diagnosis: ", "high CPU ", "load."}, deltas)
	assert.Equal(t, "Diagnosis: high CPU load.", content)
}

func TestLLMServiceStreamErrorInsideStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeChunk(w, "Partial ")
		fmt.Fprint(w, "data: {\"error\":{\"message\":\"model overloaded\",\"type\":\"server_error\"}}\n\n")
	}))
	defer srv.Close()

	content, err := testLLMService().Stream(context.Background(), CompletionRequest{Runtime: testRuntimeFor(srv, "openai")}, func(string) error { return nil })
	assert.Equal(t, "Partial ", content)

	var backendErr *BackendError
	require.True(t, errors.As(err, &backendErr))
	assert.Equal(t, BackendStream, backendErr.Kind)
	assert.Equal(t, "model overloaded", backendErr.Message)
}

func TestLLMServiceStopsWhenDeltaHandlerFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeChunk(w, "one ")
		writeChunk(w, "two ")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	gone := errors.New("client gone")
	content, err := testLLMService().Stream(context.Background(), CompletionRequest{Runtime: testRuntimeFor(srv, "openai")}, func(string) error { return gone })
	assert.ErrorIs(t, err, gone)
	assert.Equal(t, "one ", content)
}

func TestLLMServiceHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid api key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	ls := testLLMService()
	_, err := ls.Stream(context.Background(), CompletionRequest{Runtime: testRuntimeFor(srv, "openai")}, func(string) error { return nil })

	var backendErr *BackendError
	require.True(t, errors.As(err, &backendErr))
	assert.Equal(t, BackendHTTPStatus, backendErr.Kind)
	assert.Equal(t, http.StatusUnauthorized, backendErr.Status)
	assert.Equal(t, "AI backend returned HTTP 401: invalid api key", backendErr.Error())
	assert.Equal(t, CodeBackend, ErrorCode(err))

	calls := ls.GetAPICalls()
	require.Len(t, calls, 1)
	assert.Equal(t, http.StatusUnauthorized, calls[0].Status)
	assert.NotEmpty(t, calls[0].Error)
}

func TestLLMServiceEmptyAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[]}`))
	}))
	defer srv.Close()

	_, err := testLLMService().Complete(context.Background(), CompletionRequest{Runtime: testRuntimeFor(srv, "openai")})
	var backendErr *BackendError
	require.True(t, errors.As(err, &backendErr))
	assert.Equal(t, BackendEmpty, backendErr.Kind)
}

func TestLLMServiceUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	rt := testRuntimeFor(srv, "openai")
	srv.Close()

	_, err := testLLMService().Complete(context.Background(), CompletionRequest{Runtime: rt})
	var backendErr *BackendError
	require.True(t, errors.As(err, &backendErr))
	assert.Equal(t, BackendUnavailable, backendErr.Kind)
}

func TestLLMServiceCancelledStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeChunk(w, "thinking ")
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	content, err := testLLMService().Stream(ctx, CompletionRequest{Runtime: testRuntimeFor(srv, "openai")}, func(string) error {
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "thinking ", content)
}

func TestLLMServiceOpenRouterHeaders(t *testing.T) {
	var referer, title string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		referer = r.Header.Get("HTTP-Referer")
		title = r.Header.Get("X-Title")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","data":[]}`))
	}))
	defer srv.Close()

	require.NoError(t, testLLMService().CheckHealth(context.Background(), testRuntimeFor(srv, "openrouter")))
	assert.Equal(t, "https://noc.example.com", referer)
	assert.Equal(t, "OmniNOC", title)
}

func TestAPICallRingIsBounded(t *testing.T) {
	ls := testLLMService()
	for i := 0; i < maxTrackedCalls+25; i++ {
		ls.addAPICall(LLMAPICall{ID: fmt.Sprintf("call-%d", i)})
	}
	calls := ls.GetAPICalls()
	require.Len(t, calls, maxTrackedCalls)
	assert.Equal(t, "call-25", calls[0].ID)
}
