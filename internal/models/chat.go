package models

import (
	"database/sql/driver"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// NormalizeRole maps anything that is not an assistant role to user.
func NormalizeRole(role string) string {
	if role == RoleAssistant {
		return RoleAssistant
	}
	return RoleUser
}

// MessageMeta is stored next to every chat message. Streaming and fallback
// turns write the same fields; only Transport differs.
type MessageMeta struct {
	Provider   string     `json:"provider,omitempty"`
	Model      string     `json:"model,omitempty"`
	Source     string     `json:"source,omitempty"`
	TraceID    string     `json:"traceId,omitempty"`
	TurnID     string     `json:"turnId,omitempty"`
	Transport  string     `json:"transport,omitempty"`
	Range      string     `json:"range,omitempty"`
	Query      string     `json:"q,omitempty"`
	LogRows    int        `json:"logRows"`
	LogError   string     `json:"logError,omitempty"`
	Error      string     `json:"error,omitempty"`
	Degraded   bool       `json:"degraded,omitempty"`
	Stopped    bool       `json:"stopped,omitempty"`
	Guardrail  string     `json:"guardrail,omitempty"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy *uint      `json:"resolvedBy,omitempty"`
}

func (m MessageMeta) Value() (driver.Value, error) {
	return jsonValue(m)
}

func (m *MessageMeta) Scan(src interface{}) error {
	return jsonScan(src, m)
}

// ChatMessage is one persisted chat entry. Rows are append-only; only the
// resolution fields inside Meta change after insert.
type ChatMessage struct {
	TenantScope

	ID          uint        `json:"id" gorm:"primaryKey"`
	ActorUserID *uint       `json:"actorUserId"`
	Role        string      `json:"role" gorm:"size:16;not null"`
	Content     string      `json:"content" gorm:"type:text;not null"`
	Meta        MessageMeta `json:"meta" gorm:"type:jsonb"`
	CreatedAt   time.Time   `json:"createdAt" gorm:"index"`
}

func (ChatMessage) TableName() string {
	return "server_ai_chat_messages"
}

const (
	TurnPending     = "pending"
	TurnCompleted   = "completed"
	TurnFailed      = "failed"
	TurnStopped     = "stopped"
	TurnInterrupted = "interrupted"
)

// ChatTurn tracks one request/answer cycle keyed by the client's idempotency key.
type ChatTurn struct {
	TenantScope

	ID                 uint       `json:"id" gorm:"primaryKey"`
	TurnID             string     `json:"turnId" gorm:"size:64;not null;uniqueIndex"`
	ActorUserID        *uint      `json:"actorUserId"`
	UserMessageID      *uint      `json:"userMessageId"`
	AssistantMessageID *uint      `json:"assistantMessageId"`
	Status             string     `json:"status" gorm:"size:16;not null;index"`
	Transport          string     `json:"transport" gorm:"size:16"`
	StartedAt          time.Time  `json:"startedAt"`
	FinishedAt         *time.Time `json:"finishedAt"`
}

func (ChatTurn) TableName() string {
	return "server_ai_chat_turns"
}
