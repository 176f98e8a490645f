package services

import (
	"context"
	"strings"
	"time"

	"github.com/omninoc/backend/internal/config"
	"github.com/omninoc/backend/internal/logger"
	"github.com/omninoc/backend/internal/models"
	"gorm.io/gorm"
)

// ObservabilitySource reports whether a project's logs can be queried.
type ObservabilitySource interface {
	Resolve(ctx context.Context, companyID, projectID uint) (ObservabilityStatus, error)
}

// RuntimeSource picks the AI backend for a company.
type RuntimeSource interface {
	Resolve(ctx context.Context, companyID uint) (Runtime, error)
}

// AssistantService is the log-correlated assistant of one server: the log
// panel, chat turns, one-shot analyses and saved diagnostics.
type AssistantService struct {
	servers       *ServerDirectory
	chats         *ChatStore
	turns         *TurnStore
	diagnostics   *DiagnosticStore
	observability ObservabilitySource
	runtimes      RuntimeSource
	logs          LogFetcher
	backend       LLMBackend
	cfg           config.AssistantConfig
	now           func() time.Time
}

func NewAssistantService(db *gorm.DB, cfg config.AssistantConfig, observability ObservabilitySource, runtimes RuntimeSource, logs LogFetcher, backend LLMBackend) *AssistantService {
	return &AssistantService{
		servers:       NewServerDirectory(db),
		chats:         NewChatStore(db),
		turns:         NewTurnStore(db, cfg.TurnStaleAfter),
		diagnostics:   NewDiagnosticStore(db),
		observability: observability,
		runtimes:      runtimes,
		logs:          logs,
		backend:       backend,
		cfg:           cfg,
		now:           time.Now,
	}
}

// ReconcileStaleTurns closes chat turns left pending by a previous process.
func (s *AssistantService) ReconcileStaleTurns(ctx context.Context) (int, error) {
	return s.turns.ReconcileStale(ctx, s.chats)
}

// readyServer loads the server and checks that its project's logs can be queried.
func (s *AssistantService) readyServer(ctx context.Context, scope models.TenantScope) (*models.Server, ObservabilityStatus, error) {
	server, err := s.servers.Lookup(ctx, scope)
	if err != nil {
		return nil, ObservabilityStatus{}, err
	}
	obs, err := s.observability.Resolve(ctx, scope.CompanyID, scope.ProjectID)
	if err != nil {
		return nil, obs, err
	}
	if !obs.Ready {
		return server, obs, &NotReadyError{Component: "observability", Reason: obs.Reason}
	}
	return server, obs, nil
}

func (s *AssistantService) fetchLogs(ctx context.Context, scope models.TenantScope, server *models.Server, obs ObservabilityStatus, rangeWindow, filter string, limit int) LogWindow {
	return s.logs.Fetch(ctx, LogQuery{
		Target:           obs.Target,
		CompanyID:        scope.CompanyID,
		ProjectID:        scope.ProjectID,
		ServerExternalID: server.ExternalID,
		Range:            rangeWindow,
		Filter:           filter,
		Limit:            limit,
	})
}

// LogPanel is the numbered log view shown next to the chat. Its numbering
// matches the [LOG#N] citations of chat answers.
type LogPanel struct {
	Rows         []IndexedRow `json:"rows"`
	Range        string       `json:"range"`
	Filter       string       `json:"q"`
	RangeOptions []string     `json:"rangeOptions"`
	Error        string       `json:"error,omitempty"`
}

// LogPanel fetches the current window for display.
func (s *AssistantService) LogPanel(ctx context.Context, scope models.TenantScope, rangeWindow, filter string) (*LogPanel, error) {
	server, obs, err := s.readyServer(ctx, scope)
	if err != nil {
		return nil, err
	}
	window := s.fetchLogs(ctx, scope, server, obs, rangeWindow, filter, s.cfg.PanelLimit)
	return &LogPanel{
		Rows:         NumberRows(window.Rows, PromptLimits{MaxRows: s.cfg.PanelLimit}),
		Range:        window.Range,
		Filter:       window.Filter,
		RangeOptions: RangeOptions,
		Error:        window.Error,
	}, nil
}

// MessageView is a chat message with its citations already linked.
type MessageView struct {
	models.ChatMessage
	Segments []Segment `json:"segments,omitempty"`
}

// ListMessages returns the chat history of a server, oldest first.
func (s *AssistantService) ListMessages(ctx context.Context, scope models.TenantScope, limit int) ([]MessageView, error) {
	if _, err := s.servers.Lookup(ctx, scope); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultChatListLimit
	}
	messages, err := s.chats.List(ctx, scope, limit)
	if err != nil {
		return nil, err
	}
	views := make([]MessageView, 0, len(messages))
	for _, msg := range messages {
		view := MessageView{ChatMessage: msg}
		if msg.Role == models.RoleAssistant {
			view.Segments = LinkCitations(msg.Content, msg.Meta.LogRows)
		}
		views = append(views, view)
	}
	return views, nil
}

// ResolveMessage flags an assistant answer as resolved or not. It reports
// false when the message does not exist in the scope.
func (s *AssistantService) ResolveMessage(ctx context.Context, scope models.TenantScope, messageID uint, actorUserID *uint, resolved bool) (bool, error) {
	return s.chats.MarkResolved(ctx, scope, messageID, actorUserID, resolved)
}

// AnalysisRequest asks for a one-shot analysis of a log window.
type AnalysisRequest struct {
	Scope  models.TenantScope
	Range  string
	Filter string
}

// AnalysisResult is a one-shot analysis plus a title prefill for saving it.
type AnalysisResult struct {
	Content        string `json:"content"`
	SuggestedTitle string `json:"suggestedTitle"`
	Range          string `json:"range"`
	Filter         string `json:"q"`
	LogRows        int    `json:"logRows"`
	Citations      []int  `json:"citations"`
	LogError       string `json:"logError,omitempty"`
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	TraceID        string `json:"traceId"`
}

// Analyze runs the structured incident analysis over a wider log window.
func (s *AssistantService) Analyze(ctx context.Context, req AnalysisRequest) (*AnalysisResult, error) {
	server, obs, err := s.readyServer(ctx, req.Scope)
	if err != nil {
		return nil, err
	}
	runtime, err := s.runtimes.Resolve(ctx, req.Scope.CompanyID)
	if err != nil {
		return nil, err
	}

	window := s.fetchLogs(ctx, req.Scope, server, obs, req.Range, req.Filter, s.cfg.AnalysisFetchLimit)
	info := ServerInfoFrom(server)
	traceID := NewTraceID()

	content, err := s.backend.Complete(ctx, CompletionRequest{
		Runtime:  runtime,
		System:   ANALYSIS_SYSTEM_PROMPT,
		User:     BuildAnalysisContext(info, window.Rows, window.Range, window.Filter, AnalysisPromptLimits),
		CallType: CallTypeAnalysis,
		TraceID:  traceID,
	})
	if err != nil {
		logger.WithScope(req.Scope.CompanyID, req.Scope.ProjectID, req.Scope.ServerID, "assistant").
			WithField("trace_id", traceID).
			Warnf("Log analysis failed: %v", err)
		return nil, err
	}

	title := SuggestTitle(TitleInput{
		Analysis:   content,
		ServerName: server.Name,
		Range:      window.Range,
		Filter:     window.Filter,
		Now:        s.now(),
	})
	logRows := min(len(window.Rows), AnalysisPromptLimits.MaxRows)
	return &AnalysisResult{
		Content:        content,
		SuggestedTitle: title,
		Range:          window.Range,
		Filter:         window.Filter,
		LogRows:        logRows,
		Citations:      ExtractCitations(content, logRows),
		LogError:       window.Error,
		Provider:       runtime.Provider,
		Model:          runtime.Model,
		TraceID:        traceID,
	}, nil
}

// SuggestTitleFor suggests a diagnostic title for text about a server.
func (s *AssistantService) SuggestTitleFor(ctx context.Context, scope models.TenantScope, text, rangeWindow, filter string) (string, error) {
	server, err := s.servers.Lookup(ctx, scope)
	if err != nil {
		return "", err
	}
	return SuggestTitle(TitleInput{
		Analysis:   text,
		ServerName: server.Name,
		Range:      rangeWindow,
		Filter:     filter,
		Now:        s.now(),
	}), nil
}

// SaveDiagnosticRequest saves an analysis together with a log snapshot.
type SaveDiagnosticRequest struct {
	Scope       models.TenantScope
	ActorUserID *uint
	Title       string
	Range       string
	Filter      string
	Content     string
	Meta        map[string]interface{}
}

// SaveDiagnostic stores an immutable diagnostic. The snapshot is taken now
// from the same window; a failing log store leaves it empty.
func (s *AssistantService) SaveDiagnostic(ctx context.Context, req SaveDiagnosticRequest) (*models.DiagnosticRecord, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	server, err := s.servers.Lookup(ctx, req.Scope)
	if err != nil {
		return nil, err
	}

	meta := models.JSONB{}
	for k, v := range req.Meta {
		meta[k] = v
	}

	snapshot := models.LogSnapshot{}
	obs, err := s.observability.Resolve(ctx, req.Scope.CompanyID, req.Scope.ProjectID)
	switch {
	case err != nil:
		meta["logError"] = err.Error()
	case !obs.Ready:
		meta["logError"] = obs.Reason
	default:
		window := s.fetchLogs(ctx, req.Scope, server, obs, req.Range, req.Filter, min(s.cfg.SnapshotLimit, SnapshotMaxRows))
		snapshot = models.LogSnapshot(window.Rows)
		if window.Error != "" {
			meta["logError"] = window.Error
		}
	}
	meta["logRows"] = len(snapshot)

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = SuggestTitle(TitleInput{
			Analysis:   content,
			ServerName: server.Name,
			Range:      req.Range,
			Filter:     req.Filter,
			Now:        s.now(),
		})
	}

	rec := &models.DiagnosticRecord{
		TenantScope:  req.Scope,
		ActorUserID:  req.ActorUserID,
		Title:        title,
		RangeWindow:  req.Range,
		QueryText:    truncateBytes(strings.TrimSpace(req.Filter), 255),
		AnalysisText: content,
		Meta:         meta,
		LogsSnapshot: snapshot,
	}
	if err := s.diagnostics.Create(ctx, rec); err != nil {
		return nil, err
	}
	logger.WithScope(req.Scope.CompanyID, req.Scope.ProjectID, req.Scope.ServerID, "assistant").
		WithField("diagnostic_id", rec.ID).
		Info("Diagnostic saved")
	return rec, nil
}

// ListDiagnostics returns the newest saved diagnostics of a server.
func (s *AssistantService) ListDiagnostics(ctx context.Context, scope models.TenantScope, limit int) ([]models.DiagnosticRecord, error) {
	if _, err := s.servers.Lookup(ctx, scope); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultDiagnosticListLen
	}
	return s.diagnostics.List(ctx, scope, limit)
}

// GetDiagnostic loads one saved diagnostic of a server.
func (s *AssistantService) GetDiagnostic(ctx context.Context, scope models.TenantScope, id uint) (*models.DiagnosticRecord, error) {
	if _, err := s.servers.Lookup(ctx, scope); err != nil {
		return nil, err
	}
	return s.diagnostics.Get(ctx, scope, id)
}
