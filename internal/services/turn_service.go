package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/omninoc/backend/internal/logger"
	"github.com/omninoc/backend/internal/metrics"
	"github.com/omninoc/backend/internal/models"
	"github.com/omninoc/backend/internal/stream"
	"golang.org/x/sync/errgroup"
)

const (
	TransportStream   = "stream"
	TransportFallback = "fallback"

	MaxMessageChars = 4000
	maxTurnIDChars  = 64

	stoppedPlaceholder = "(answer stopped before any text was generated)"
)

var errClientGone = errors.New("client disconnected")

// Turn outcomes
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeStopped   = "stopped"
	OutcomeRejected  = "rejected"
	OutcomeReplayed  = "replayed"
)

// FrameEmitter receives the frames of a streaming turn.
type FrameEmitter interface {
	Emit(event stream.EventType, payload interface{}) error
}

// TurnRequest is one operator question about a server's logs.
type TurnRequest struct {
	Scope       models.TenantScope
	ActorUserID *uint
	TurnID      string
	Message     string
	Range       string
	Filter      string
}

// TurnResult is the persisted outcome of a turn.
type TurnResult struct {
	OK        bool                `json:"ok"`
	TurnID    string              `json:"turnId"`
	Assistant *AssistantPayload   `json:"assistant"`
	Meta      models.MessageMeta  `json:"meta"`
	Replayed  bool                `json:"replayed,omitempty"`
	Segments  []Segment           `json:"segments,omitempty"`
	Message   *models.ChatMessage `json:"-"`
}

// MetaPayload is the first frame of an accepted turn.
type MetaPayload struct {
	TurnID    string    `json:"turnId"`
	StartedAt time.Time `json:"startedAt"`
	Range     string    `json:"range"`
	Filter    string    `json:"q"`
	LogRows   int       `json:"logRows"`
	LogError  string    `json:"logError,omitempty"`
	Guardrail string    `json:"guardrail,omitempty"`
}

type DeltaPayload struct {
	Delta string `json:"delta"`
}

type ErrorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type AssistantPayload struct {
	ID        uint      `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// DonePayload is the last frame of every turn.
type DonePayload struct {
	OK        bool                `json:"ok"`
	TurnID    string              `json:"turnId,omitempty"`
	Assistant *AssistantPayload   `json:"assistant,omitempty"`
	Meta      *models.MessageMeta `json:"meta,omitempty"`
	Replayed  bool                `json:"replayed,omitempty"`
}

// preparedTurn is everything a turn needs before the backend is called.
type preparedTurn struct {
	req       TurnRequest
	transport string
	startedAt time.Time
	traceID   string
	server    *models.Server
	runtime   Runtime
	guardrail GuardrailVerdict
	turn      *models.ChatTurn
	state     TurnState
	replay    *models.ChatMessage
	window    LogWindow
	rows      []IndexedRow
	prompts   ChatPrompts
}

func (p *preparedTurn) meta() models.MessageMeta {
	return models.MessageMeta{
		Provider:  p.runtime.Provider,
		Model:     p.runtime.Model,
		Source:    p.runtime.Source,
		TraceID:   p.traceID,
		TurnID:    p.turn.TurnID,
		Transport: p.transport,
		Range:     p.window.Range,
		Query:     p.window.Filter,
		LogRows:   len(p.rows),
		LogError:  p.window.Error,
		Guardrail: p.guardrail.Kind,
	}
}

func (p *preparedTurn) completion() CompletionRequest {
	return CompletionRequest{
		Runtime:  p.runtime,
		System:   p.prompts.System,
		User:     p.prompts.User,
		CallType: CallTypeChat,
		TraceID:  p.traceID,
	}
}

// prepare validates the request, begins the turn, persists the user message
// and gathers logs and history. Everything that can make a turn fail for
// configuration reasons happens here, before any backend call.
func (s *AssistantService) prepare(ctx context.Context, req TurnRequest, transport string) (*preparedTurn, error) {
	req.Message = strings.TrimSpace(req.Message)
	req.Filter = strings.TrimSpace(req.Filter)
	req.Range = NormalizeRange(req.Range)
	req.TurnID = strings.TrimSpace(req.TurnID)
	switch {
	case !req.Scope.Valid():
		return nil, ErrInvalidScope
	case req.Message == "":
		return nil, ErrEmptyMessage
	case utf8.RuneCountInString(req.Message) > MaxMessageChars:
		return nil, fmt.Errorf("%w: at most %d characters", ErrMessageTooLong, MaxMessageChars)
	case len(req.TurnID) > maxTurnIDChars:
		return nil, ErrInvalidTurnID
	}
	if req.TurnID == "" {
		req.TurnID = uuid.NewString()
	}

	p := &preparedTurn{
		req:       req,
		transport: transport,
		startedAt: s.now().UTC(),
		traceID:   NewTraceID(),
		guardrail: CheckGuardrails(req.Message),
	}

	server, obs, err := s.readyServer(ctx, req.Scope)
	if err != nil {
		return nil, err
	}
	p.server = server
	if !p.guardrail.Blocked {
		if p.runtime, err = s.runtimes.Resolve(ctx, req.Scope.CompanyID); err != nil {
			return nil, err
		}
	}

	p.turn, p.state, err = s.turns.Begin(ctx, req.Scope, req.TurnID, req.ActorUserID, transport)
	if err != nil {
		return nil, err
	}
	if p.state == TurnReplay {
		p.replay, err = s.chats.Get(ctx, req.Scope, *p.turn.AssistantMessageID)
		if err != nil {
			return nil, err
		}
		return p, nil
	}

	if err := s.gather(ctx, p, obs); err != nil {
		bg := context.WithoutCancel(ctx)
		if finishErr := s.turns.Finish(bg, p.turn, models.TurnFailed, nil); finishErr != nil {
			logger.WithError(finishErr, "turn_service").Error("Failed to close chat turn")
		}
		return nil, err
	}
	return p, nil
}

func (s *AssistantService) gather(ctx context.Context, p *preparedTurn, obs ObservabilityStatus) error {
	req := p.req
	p.window = LogWindow{Range: req.Range, Filter: req.Filter}

	if p.state == TurnNew {
		userMsg, err := s.chats.Append(ctx, req.Scope, req.ActorUserID, models.RoleUser, req.Message, models.MessageMeta{
			TurnID:    p.turn.TurnID,
			Transport: p.transport,
			Range:     req.Range,
			Query:     req.Filter,
		})
		if err != nil {
			return err
		}
		if err := s.turns.AttachUserMessage(ctx, p.turn, userMsg.ID); err != nil {
			return err
		}
	}

	// Blocked messages never reach the backend, so they need no context.
	if p.guardrail.Blocked {
		return nil
	}

	var history []HistoryMessage
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.window = s.fetchLogs(gctx, req.Scope, p.server, obs, req.Range, req.Filter, s.cfg.ChatFetchLimit)
		return nil
	})
	if s.cfg.HistoryLimit > 0 {
		g.Go(func() error {
			messages, err := s.chats.List(gctx, req.Scope, s.cfg.HistoryLimit+1)
			if err != nil {
				return err
			}
			for _, msg := range messages {
				if p.turn.UserMessageID != nil && msg.ID == *p.turn.UserMessageID {
					continue
				}
				history = append(history, HistoryMessage{Role: msg.Role, Content: msg.Content})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("load chat history: %w", err)
	}

	p.prompts, p.rows = BuildChatPrompts(ChatPromptInput{
		Server:  ServerInfoFrom(p.server),
		Rows:    p.window.Rows,
		History: history,
		Range:   p.window.Range,
		Filter:  p.window.Filter,
		Message: req.Message,
	})
	return nil
}

// Stream runs a turn and reports it as frames: meta, deltas, an optional
// error, and exactly one done. Cancelling ctx stops the backend call; the
// partial answer is still persisted. The returned error is informational,
// every failure has already been reported through frames.
func (s *AssistantService) Stream(ctx context.Context, req TurnRequest, emitter FrameEmitter) (*TurnResult, error) {
	p, err := s.prepare(ctx, req, TransportStream)
	if err != nil {
		s.rejectTurn(req, TransportStream, err)
		_ = emitter.Emit(stream.EventError, ErrorPayload{Error: err.Error(), Code: ErrorCode(err)})
		_ = emitter.Emit(stream.EventDone, DonePayload{OK: false, TurnID: req.TurnID})
		return nil, err
	}

	if p.state == TurnReplay {
		result := s.replayResult(p)
		_ = emitter.Emit(stream.EventMeta, MetaPayload{
			TurnID:    result.TurnID,
			StartedAt: p.turn.StartedAt,
			Range:     result.Meta.Range,
			Filter:    result.Meta.Query,
			LogRows:   result.Meta.LogRows,
			LogError:  result.Meta.LogError,
			Guardrail: result.Meta.Guardrail,
		})
		_ = emitter.Emit(stream.EventDelta, DeltaPayload{Delta: result.Assistant.Content})
		_ = emitter.Emit(stream.EventDone, DonePayload{OK: result.OK, TurnID: result.TurnID, Assistant: result.Assistant, Meta: &result.Meta, Replayed: true})
		return result, nil
	}

	log := logger.WithTurn(p.turn.TurnID, TransportStream)
	_ = emitter.Emit(stream.EventMeta, MetaPayload{
		TurnID:    p.turn.TurnID,
		StartedAt: p.startedAt,
		Range:     p.window.Range,
		Filter:    p.window.Filter,
		LogRows:   len(p.rows),
		LogError:  p.window.Error,
		Guardrail: p.guardrail.Kind,
	})

	var content string
	var backendErr error
	if p.guardrail.Blocked {
		content = p.guardrail.Reply
		_ = emitter.Emit(stream.EventDelta, DeltaPayload{Delta: content})
	} else {
		content, backendErr = s.backend.Stream(ctx, p.completion(), func(delta string) error {
			if err := emitter.Emit(stream.EventDelta, DeltaPayload{Delta: delta}); err != nil {
				return fmt.Errorf("%w: %v", errClientGone, err)
			}
			return nil
		})
	}

	outcome := turnOutcome(ctx, backendErr)
	result, err := s.finalize(ctx, p, content, outcome, backendErr)
	if err != nil {
		log.WithError(err).Error("Failed to persist assistant answer")
		_ = emitter.Emit(stream.EventError, ErrorPayload{Error: "failed to save the answer", Code: CodeInternal})
		_ = emitter.Emit(stream.EventDone, DonePayload{OK: false, TurnID: p.turn.TurnID})
		return nil, err
	}

	if outcome == OutcomeFailed {
		_ = emitter.Emit(stream.EventError, ErrorPayload{Error: backendErr.Error(), Code: ErrorCode(backendErr)})
	}
	_ = emitter.Emit(stream.EventDone, DonePayload{OK: result.OK, TurnID: result.TurnID, Assistant: result.Assistant, Meta: &result.Meta})

	if outcome == OutcomeFailed {
		return result, backendErr
	}
	return result, nil
}

// Complete runs a turn without streaming. It persists the same message and
// meta shape as Stream. A backend failure returns the degraded result
// together with the error.
func (s *AssistantService) Complete(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	p, err := s.prepare(ctx, req, TransportFallback)
	if err != nil {
		s.rejectTurn(req, TransportFallback, err)
		return nil, err
	}
	if p.state == TurnReplay {
		return s.replayResult(p), nil
	}

	var content string
	var backendErr error
	if p.guardrail.Blocked {
		content = p.guardrail.Reply
	} else {
		content, backendErr = s.backend.Complete(ctx, p.completion())
	}

	outcome := turnOutcome(ctx, backendErr)
	result, err := s.finalize(ctx, p, content, outcome, backendErr)
	if err != nil {
		return nil, err
	}
	if outcome == OutcomeFailed {
		return result, backendErr
	}
	return result, nil
}

// finalize persists the assistant answer under a context that survives the
// caller's cancellation, then closes the turn.
func (s *AssistantService) finalize(ctx context.Context, p *preparedTurn, content, outcome string, backendErr error) (*TurnResult, error) {
	bg := context.WithoutCancel(ctx)
	meta := p.meta()
	status := models.TurnCompleted

	switch outcome {
	case OutcomeFailed:
		status = models.TurnFailed
		meta.Degraded = true
		meta.Error = backendErr.Error()
		if strings.TrimSpace(content) == "" {
			content = "Failed to answer: " + backendErr.Error()
		}
	case OutcomeStopped:
		status = models.TurnStopped
		meta.Stopped = true
		if strings.TrimSpace(content) == "" {
			content = stoppedPlaceholder
		}
	}

	msg, err := s.chats.Append(bg, p.req.Scope, nil, models.RoleAssistant, content, meta)
	if err != nil {
		if finishErr := s.turns.Finish(bg, p.turn, models.TurnFailed, nil); finishErr != nil {
			logger.WithError(finishErr, "turn_service").Error("Failed to close chat turn")
		}
		metrics.Turns.WithLabelValues(p.transport, OutcomeFailed).Inc()
		return nil, err
	}
	if err := s.turns.Finish(bg, p.turn, status, &msg.ID); err != nil {
		return nil, err
	}

	metrics.Turns.WithLabelValues(p.transport, outcome).Inc()
	metrics.TurnDuration.WithLabelValues(p.transport).Observe(s.now().Sub(p.startedAt).Seconds())
	logger.WithTurn(p.turn.TurnID, p.transport).
		WithField("outcome", outcome).
		WithField("log_rows", meta.LogRows).
		WithField("content_chars", len(content)).
		Info("Chat turn finished")

	return &TurnResult{
		OK:        outcome != OutcomeFailed,
		TurnID:    p.turn.TurnID,
		Assistant: &AssistantPayload{ID: msg.ID, Content: msg.Content, CreatedAt: msg.CreatedAt},
		Meta:      msg.Meta,
		Segments:  LinkCitations(msg.Content, meta.LogRows),
		Message:   msg,
	}, nil
}

func (s *AssistantService) replayResult(p *preparedTurn) *TurnResult {
	msg := p.replay
	metrics.Turns.WithLabelValues(p.transport, OutcomeReplayed).Inc()
	return &TurnResult{
		OK:        !msg.Meta.Degraded,
		TurnID:    p.turn.TurnID,
		Assistant: &AssistantPayload{ID: msg.ID, Content: msg.Content, CreatedAt: msg.CreatedAt},
		Meta:      msg.Meta,
		Replayed:  true,
		Segments:  LinkCitations(msg.Content, msg.Meta.LogRows),
		Message:   msg,
	}
}

func (s *AssistantService) rejectTurn(req TurnRequest, transport string, err error) {
	metrics.Turns.WithLabelValues(transport, OutcomeRejected).Inc()
	logger.WithScope(req.Scope.CompanyID, req.Scope.ProjectID, req.Scope.ServerID, "turn_service").
		WithField("transport", transport).
		WithField("code", ErrorCode(err)).
		Warnf("Chat turn rejected: %v", err)
}

// turnOutcome maps the backend result to a turn outcome. Anything that
// happens after the caller went away counts as a stop, not a failure.
func turnOutcome(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return OutcomeCompleted
	case ctx.Err() != nil, errors.Is(err, context.Canceled), errors.Is(err, errClientGone):
		return OutcomeStopped
	default:
		return OutcomeFailed
	}
}
