package controllers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/omninoc/backend/internal/logger"
	"github.com/omninoc/backend/internal/middleware"
	"github.com/omninoc/backend/internal/services"
	"github.com/omninoc/backend/internal/stream"
)

// IdempotencyHeader carries the client's turn id. A retry of the same turn
// (for example the fallback after a failed stream handshake) reuses it.
const IdempotencyHeader = "Idempotency-Key"

type AssistantController struct {
	assistant *services.AssistantService
}

func NewAssistantController(assistant *services.AssistantService) *AssistantController {
	return &AssistantController{assistant: assistant}
}

type sendMessageRequest struct {
	Message string `json:"message"`
	Range   string `json:"range"`
	Filter  string `json:"q"`
	TurnID  string `json:"turnId"`
}

type resolveRequest struct {
	Resolved *bool `json:"resolved" binding:"required"`
}

type analysisRequest struct {
	Range  string `json:"range"`
	Filter string `json:"q"`
}

type titleRequest struct {
	Text   string `json:"text" binding:"required,notblank"`
	Range  string `json:"range"`
	Filter string `json:"q"`
}

type saveDiagnosticRequest struct {
	Title   string                 `json:"title" binding:"max=500"`
	Range   string                 `json:"range"`
	Filter  string                 `json:"q"`
	Content string                 `json:"content" binding:"required,notblank"`
	Meta    map[string]interface{} `json:"meta"`
}

func (ac *AssistantController) turnRequest(c *gin.Context, req sendMessageRequest) services.TurnRequest {
	turnID := strings.TrimSpace(c.GetHeader(IdempotencyHeader))
	if turnID == "" {
		turnID = strings.TrimSpace(req.TurnID)
	}
	return services.TurnRequest{
		Scope:       middleware.Scope(c),
		ActorUserID: middleware.ActorUserID(c),
		TurnID:      turnID,
		Message:     req.Message,
		Range:       req.Range,
		Filter:      req.Filter,
	}
}

// GetLogs returns the numbered log panel for a server
func (ac *AssistantController) GetLogs(c *gin.Context) {
	panel, err := ac.assistant.LogPanel(c.Request.Context(), middleware.Scope(c), c.Query("range"), c.Query("q"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    panel,
	})
}

// GetMessages returns the chat history of a server
func (ac *AssistantController) GetMessages(c *gin.Context) {
	messages, err := ac.assistant.ListMessages(c.Request.Context(), middleware.Scope(c), queryLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    messages,
	})
}

// StreamMessage runs a chat turn and streams the answer as frames. Once the
// response has started every outcome, including validation errors, is
// reported in-band with an error frame followed by done.
func (ac *AssistantController) StreamMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	stream.SetHeaders(c.Writer.Header())
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	writer := stream.NewFrameWriter(c.Writer, func(err error) {
		logger.Debug("Stream client went away", map[string]interface{}{"error": err.Error()})
		cancel()
	})

	turn := ac.turnRequest(c, req)
	if _, err := ac.assistant.Stream(ctx, turn, writer); err != nil {
		scope := turn.Scope
		logger.WithScope(scope.CompanyID, scope.ProjectID, scope.ServerID, "assistant_controller").
			WithField("code", services.ErrorCode(err)).
			Debugf("Streaming turn ended with error: %v", err)
	}
}

// SendMessage runs a chat turn and returns the whole answer at once. It is
// the fallback when a stream cannot be opened.
func (ac *AssistantController) SendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	result, err := ac.assistant.Complete(c.Request.Context(), ac.turnRequest(c, req))
	if err != nil && result == nil {
		respondError(c, err)
		return
	}
	if err != nil {
		code := services.ErrorCode(err)
		c.JSON(statusFor(code), gin.H{
			"success": false,
			"error":   err.Error(),
			"code":    code,
			"data":    result,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    result,
	})
}

// ResolveMessage marks an assistant answer as resolved or reopens it
func (ac *AssistantController) ResolveMessage(c *gin.Context) {
	messageID, ok := parseID(c, "messageId")
	if !ok {
		return
	}
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	found, err := ac.assistant.ResolveMessage(c.Request.Context(), middleware.Scope(c), messageID, middleware.ActorUserID(c), *req.Resolved)
	if err != nil {
		respondError(c, err)
		return
	}
	// unknown ids are reported with ok=false so retries stay harmless
	c.JSON(http.StatusOK, gin.H{
		"ok":       found,
		"resolved": *req.Resolved,
	})
}

// Analyze runs a one-shot incident analysis of the current log window
func (ac *AssistantController) Analyze(c *gin.Context) {
	var req analysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	result, err := ac.assistant.Analyze(c.Request.Context(), services.AnalysisRequest{
		Scope:  middleware.Scope(c),
		Range:  req.Range,
		Filter: req.Filter,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    result,
	})
}

// SuggestTitle proposes a diagnostic title for a piece of analysis text
func (ac *AssistantController) SuggestTitle(c *gin.Context) {
	var req titleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	title, err := ac.assistant.SuggestTitleFor(c.Request.Context(), middleware.Scope(c), req.Text, req.Range, req.Filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"title":   title,
	})
}

// SaveDiagnostic stores an analysis with a snapshot of the log window
func (ac *AssistantController) SaveDiagnostic(c *gin.Context) {
	var req saveDiagnosticRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	rec, err := ac.assistant.SaveDiagnostic(c.Request.Context(), services.SaveDiagnosticRequest{
		Scope:       middleware.Scope(c),
		ActorUserID: middleware.ActorUserID(c),
		Title:       req.Title,
		Range:       req.Range,
		Filter:      req.Filter,
		Content:     req.Content,
		Meta:        req.Meta,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data":    rec,
	})
}

// GetDiagnostics lists the saved diagnostics of a server, newest first
func (ac *AssistantController) GetDiagnostics(c *gin.Context) {
	records, err := ac.assistant.ListDiagnostics(c.Request.Context(), middleware.Scope(c), queryLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    records,
	})
}

// GetDiagnostic returns one saved diagnostic
func (ac *AssistantController) GetDiagnostic(c *gin.Context) {
	id, ok := parseID(c, "diagnosticId")
	if !ok {
		return
	}
	rec, err := ac.assistant.GetDiagnostic(c.Request.Context(), middleware.Scope(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    rec,
	})
}
