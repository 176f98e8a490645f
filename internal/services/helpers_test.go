package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/omninoc/backend/internal/config"
	"github.com/omninoc/backend/internal/models"
	"github.com/omninoc/backend/internal/stream"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var testScope = models.TenantScope{CompanyID: 1, ProjectID: 2, ServerID: 3}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, conn.AutoMigrate(
		&models.Server{},
		&models.ObservabilityConfig{},
		&models.CompanyLLMKey{},
		&models.ChatMessage{},
		&models.ChatTurn{},
		&models.DiagnosticRecord{},
	))
	return conn
}

func seedServer(t *testing.T, db *gorm.DB, scope models.TenantScope, name string) {
	t.Helper()
	require.NoError(t, db.Create(&models.Server{
		ID:         scope.ServerID,
		CompanyID:  scope.CompanyID,
		ProjectID:  scope.ProjectID,
		Name:       name,
		IPv4:       "10.0.0.5",
		Status:     "running",
		ExternalID: fmt.Sprintf("srv-%d", scope.ServerID),
	}).Error)
}

func testAssistantConfig() config.AssistantConfig {
	return config.Default().Assistant
}

// fakeLogs returns a fixed set of rows for every query.
type fakeLogs struct {
	mu      sync.Mutex
	rows    []models.LogRow
	err     string
	queries []LogQuery
}

func (f *fakeLogs) Fetch(ctx context.Context, q LogQuery) LogWindow {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	window := LogWindow{Range: NormalizeRange(q.Range), Filter: q.Filter, Error: f.err}
	if f.err == "" {
		window.Rows = f.rows
	}
	return window
}

func sampleRows() []models.LogRow {
	return []models.LogRow{
		{Timestamp: "2026-03-05 10:00:03 UTC", Labels: map[string]string{"unit": "app"}, Line: "cpu usage 98%"},
		{Timestamp: "2026-03-05 10:00:02 UTC", Labels: map[string]string{"unit": "app"}, Line: "load average 12.4"},
		{Timestamp: "2026-03-05 10:00:01 UTC", Labels: map[string]string{"unit": "app"}, Line: "worker restarted"},
	}
}

// fakeBackend replays scripted deltas. If failAfter >= 0 the stream fails
// after that many deltas with err.
type fakeBackend struct {
	mu        sync.Mutex
	deltas    []string
	err       error
	failAfter int
	block     bool
	requests  []CompletionRequest
}

func newFakeBackend(deltas ...string) *fakeBackend {
	return &fakeBackend{deltas: deltas, failAfter: -1}
}

func (f *fakeBackend) record(req CompletionRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
}

func (f *fakeBackend) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeBackend) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	f.record(req)
	if f.err != nil {
		return "", f.err
	}
	content := ""
	for _, d := range f.deltas {
		content += d
	}
	return content, nil
}

func (f *fakeBackend) Stream(ctx context.Context, req CompletionRequest, onDelta func(string) error) (string, error) {
	f.record(req)
	content := ""
	for i, d := range f.deltas {
		if f.failAfter >= 0 && i == f.failAfter {
			return content, f.err
		}
		content += d
		if err := onDelta(d); err != nil {
			return content, err
		}
	}
	if f.block {
		<-ctx.Done()
		return content, ctx.Err()
	}
	return content, nil
}

type staticRuntime struct {
	rt  Runtime
	err error
}

func (s staticRuntime) Resolve(ctx context.Context, companyID uint) (Runtime, error) {
	return s.rt, s.err
}

type staticObservability struct {
	status ObservabilityStatus
}

func (s staticObservability) Resolve(ctx context.Context, companyID, projectID uint) (ObservabilityStatus, error) {
	return s.status, nil
}

var readyObservability = staticObservability{status: ObservabilityStatus{
	Ready:  true,
	Target: LokiTarget{PushURL: "http://loki.test/loki/api/v1/push"},
	Source: ObservabilitySourceProject,
}}

var testRuntime = staticRuntime{rt: Runtime{Provider: "openai", Model: "gpt-4o-mini", Source: RuntimeSourceGlobal}}

// recordedFrame is a frame captured by recordingEmitter.
type recordedFrame struct {
	Event   stream.EventType
	Payload interface{}
}

type recordingEmitter struct {
	mu      sync.Mutex
	frames  []recordedFrame
	onDelta func(n int)
	deltas  int
}

func (r *recordingEmitter) Emit(event stream.EventType, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, recordedFrame{Event: event, Payload: payload})
	if event == stream.EventDelta {
		r.deltas++
		if r.onDelta != nil {
			r.onDelta(r.deltas)
		}
	}
	return nil
}

func (r *recordingEmitter) events() []stream.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]stream.EventType, 0, len(r.frames))
	for _, f := range r.frames {
		out = append(out, f.Event)
	}
	return out
}

func (r *recordingEmitter) last() recordedFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames[len(r.frames)-1]
}

func newTestAssistant(t *testing.T, logs LogFetcher, backend LLMBackend) (*AssistantService, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	seedServer(t, db, testScope, "web-1")
	svc := NewAssistantService(db, testAssistantConfig(), readyObservability, testRuntime, logs, backend)
	svc.now = func() time.Time { return time.Date(2026, 3, 5, 10, 0, 5, 0, time.UTC) }
	return svc, db
}
