package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrDiagnosticImmutable is returned when something tries to change a saved diagnostic.
var ErrDiagnosticImmutable = errors.New("saved diagnostics are immutable")

// DiagnosticRecord is a user-saved analysis together with the log rows it was based on.
type DiagnosticRecord struct {
	TenantScope

	ID           uint        `json:"id" gorm:"primaryKey"`
	ActorUserID  *uint       `json:"actorUserId"`
	Title        string      `json:"title" gorm:"size:180;not null"`
	RangeWindow  string      `json:"range" gorm:"size:8;not null"`
	QueryText    string      `json:"q" gorm:"size:255"`
	AnalysisText string      `json:"content" gorm:"type:text;not null"`
	Meta         JSONB       `json:"meta" gorm:"type:jsonb"`
	LogsSnapshot LogSnapshot `json:"logsSnapshot" gorm:"type:jsonb"`
	CreatedAt    time.Time   `json:"createdAt" gorm:"index"`
}

func (DiagnosticRecord) TableName() string {
	return "server_ai_diagnostics"
}

func (d *DiagnosticRecord) BeforeUpdate(tx *gorm.DB) error {
	return ErrDiagnosticImmutable
}

func (d *DiagnosticRecord) BeforeDelete(tx *gorm.DB) error {
	return ErrDiagnosticImmutable
}
