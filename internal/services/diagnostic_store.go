package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/omninoc/backend/internal/models"
	"gorm.io/gorm"
)

const (
	// SnapshotMaxRows caps the log rows copied into a saved diagnostic.
	SnapshotMaxRows          = 120
	TitleMaxChars            = 180
	maxDiagnosticListLimit   = 200
	defaultDiagnosticTitle   = "AI diagnostic"
	defaultDiagnosticListLen = 20
)

// DiagnosticStore persists immutable saved diagnostics.
type DiagnosticStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewDiagnosticStore(db *gorm.DB) *DiagnosticStore {
	return &DiagnosticStore{db: db, now: time.Now}
}

// Create inserts a record after enforcing the title and snapshot caps.
func (s *DiagnosticStore) Create(ctx context.Context, rec *models.DiagnosticRecord) error {
	if !rec.TenantScope.Valid() {
		return ErrInvalidScope
	}
	rec.AnalysisText = strings.TrimSpace(rec.AnalysisText)
	if rec.AnalysisText == "" {
		return ErrEmptyContent
	}
	rec.Title = truncateBytes(strings.TrimSpace(rec.Title), TitleMaxChars)
	if rec.Title == "" {
		rec.Title = defaultDiagnosticTitle
	}
	rec.RangeWindow = NormalizeRange(rec.RangeWindow)
	if len(rec.LogsSnapshot) > SnapshotMaxRows {
		rec.LogsSnapshot = rec.LogsSnapshot[:SnapshotMaxRows]
	}
	if rec.LogsSnapshot == nil {
		rec.LogsSnapshot = models.LogSnapshot{}
	}
	rec.ID = 0
	rec.CreatedAt = s.now().UTC()

	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("save diagnostic: %w", err)
	}
	return nil
}

// List returns the newest records of a scope first. limit is clamped to [1, 200].
func (s *DiagnosticStore) List(ctx context.Context, scope models.TenantScope, limit int) ([]models.DiagnosticRecord, error) {
	if !scope.Valid() {
		return nil, ErrInvalidScope
	}
	var records []models.DiagnosticRecord
	err := s.db.WithContext(ctx).
		Scopes(scope.Apply).
		Order("created_at DESC").
		Order("id DESC").
		Limit(clampInt(limit, 1, maxDiagnosticListLimit)).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list diagnostics: %w", err)
	}
	return records, nil
}

// Get loads one record of the scope.
func (s *DiagnosticStore) Get(ctx context.Context, scope models.TenantScope, id uint) (*models.DiagnosticRecord, error) {
	var rec models.DiagnosticRecord
	err := s.db.WithContext(ctx).Scopes(scope.Apply).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDiagnosticNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
