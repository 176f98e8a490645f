package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/omninoc/backend/internal/models"
	"gorm.io/gorm"
)

const (
	maxChatListLimit     = 300
	defaultChatListLimit = 80
)

// ChatStore persists chat messages per tenant scope.
type ChatStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewChatStore(db *gorm.DB) *ChatStore {
	return &ChatStore{db: db, now: time.Now}
}

// Append inserts one message in a single transaction and returns it with
// its id and creation time set.
func (s *ChatStore) Append(ctx context.Context, scope models.TenantScope, actorUserID *uint, role, content string, meta models.MessageMeta) (*models.ChatMessage, error) {
	if !scope.Valid() {
		return nil, ErrInvalidScope
	}
	msg := &models.ChatMessage{
		TenantScope: scope,
		ActorUserID: actorUserID,
		Role:        models.NormalizeRole(role),
		Content:     content,
		Meta:        meta,
		CreatedAt:   s.now().UTC(),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(msg).Error
	})
	if err != nil {
		return nil, fmt.Errorf("append chat message: %w", err)
	}
	return msg, nil
}

// List returns the most recent messages of a scope in chronological order.
// limit is clamped to [1, 300].
func (s *ChatStore) List(ctx context.Context, scope models.TenantScope, limit int) ([]models.ChatMessage, error) {
	if !scope.Valid() {
		return nil, ErrInvalidScope
	}
	limit = clampInt(limit, 1, maxChatListLimit)

	var messages []models.ChatMessage
	err := s.db.WithContext(ctx).
		Scopes(scope.Apply).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// Get loads one message of the scope.
func (s *ChatStore) Get(ctx context.Context, scope models.TenantScope, id uint) (*models.ChatMessage, error) {
	var msg models.ChatMessage
	err := s.db.WithContext(ctx).Scopes(scope.Apply).Where("id = ?", id).First(&msg).Error
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// MarkResolved sets the resolution flag of an assistant message. It is
// idempotent and returns false, nil when id is not an assistant message of
// the scope.
func (s *ChatStore) MarkResolved(ctx context.Context, scope models.TenantScope, id uint, actorUserID *uint, resolved bool) (bool, error) {
	if !scope.Valid() || id == 0 {
		return false, nil
	}

	updated := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var msg models.ChatMessage
		err := tx.Scopes(scope.Apply).
			Where("id = ? AND role = ?", id, models.RoleAssistant).
			First(&msg).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		meta := msg.Meta
		meta.Resolved = resolved
		if resolved {
			now := s.now().UTC()
			meta.ResolvedAt = &now
			meta.ResolvedBy = actorUserID
		} else {
			meta.ResolvedAt = nil
			meta.ResolvedBy = nil
		}

		res := tx.Model(&models.ChatMessage{}).
			Scopes(scope.Apply).
			Where("id = ?", msg.ID).
			Update("meta", meta)
		if res.Error != nil {
			return res.Error
		}
		updated = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("mark chat message resolved: %w", err)
	}
	return updated, nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
