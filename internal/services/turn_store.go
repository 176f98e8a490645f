package services

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/omninoc/backend/internal/logger"
	"github.com/omninoc/backend/internal/models"
	"gorm.io/gorm"
)

// TurnState tells the caller what to do with a turn after Begin.
type TurnState int

const (
	// TurnNew has no persisted user message yet.
	TurnNew TurnState = iota
	// TurnResume belongs to an earlier attempt that never finished. Its user
	// message is already stored and must not be written again.
	TurnResume
	// TurnReplay already has a final answer that should be returned as is.
	TurnReplay
)

const interruptedReply = "The previous answer was interrupted before it finished. Ask again to get a new analysis."

// TurnStore implements idempotent chat turns keyed by the client's turn id.
type TurnStore struct {
	db         *gorm.DB
	staleAfter time.Duration
	now        func() time.Time
}

func NewTurnStore(db *gorm.DB, staleAfter time.Duration) *TurnStore {
	return &TurnStore{db: db, staleAfter: staleAfter, now: time.Now}
}

// Begin registers a turn or reports the state of an existing one. A fresh
// pending turn for the same scope, under any turn id, yields ErrTurnInProgress.
func (s *TurnStore) Begin(ctx context.Context, scope models.TenantScope, turnID string, actorUserID *uint, transport string) (*models.ChatTurn, TurnState, error) {
	now := s.now().UTC()
	freshSince := now.Add(-s.staleAfter)

	var (
		turn  models.ChatTurn
		state TurnState
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockScope(tx, scope); err != nil {
			return err
		}
		err := tx.Where("turn_id = ?", turnID).First(&turn).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			var busy int64
			if err := tx.Model(&models.ChatTurn{}).
				Scopes(scope.Apply).
				Where("status = ? AND started_at > ?", models.TurnPending, freshSince).
				Count(&busy).Error; err != nil {
				return err
			}
			if busy > 0 {
				return ErrTurnInProgress
			}
			turn = models.ChatTurn{
				TenantScope: scope,
				TurnID:      turnID,
				ActorUserID: actorUserID,
				Status:      models.TurnPending,
				Transport:   transport,
				StartedAt:   now,
			}
			state = TurnNew
			return tx.Create(&turn).Error
		case err != nil:
			return err
		}

		if turn.TenantScope != scope {
			// Turn ids are global; never leak another scope's turn.
			return ErrTurnInProgress
		}

		switch turn.Status {
		case models.TurnCompleted, models.TurnFailed, models.TurnStopped:
			if turn.AssistantMessageID != nil {
				state = TurnReplay
				return nil
			}
		case models.TurnPending:
			if turn.StartedAt.After(freshSince) {
				return ErrTurnInProgress
			}
		}

		state = TurnResume
		if turn.UserMessageID == nil {
			state = TurnNew
		}
		return tx.Model(&turn).Updates(map[string]interface{}{
			"status":      models.TurnPending,
			"transport":   transport,
			"started_at":  now,
			"finished_at": nil,
		}).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, 0, ErrTurnInProgress
	}
	if err != nil {
		return nil, 0, err
	}
	return &turn, state, nil
}

// lockScope serializes Begin per tenant scope until the transaction ends,
// so the pending-turn count and the insert cannot interleave. SQLite
// already serializes writers.
func lockScope(tx *gorm.DB, scope models.TenantScope) error {
	if tx.Dialector.Name() != "postgres" {
		return nil
	}
	return tx.Exec("SELECT pg_advisory_xact_lock(?)", scopeLockKey(scope)).Error
}

func scopeLockKey(scope models.TenantScope) int64 {
	h := fnv.New64a()
	h.Write([]byte("chat-turn:" + scope.Key()))
	return int64(h.Sum64())
}

// AttachUserMessage records the persisted user message of a turn.
func (s *TurnStore) AttachUserMessage(ctx context.Context, turn *models.ChatTurn, messageID uint) error {
	turn.UserMessageID = &messageID
	return s.db.WithContext(ctx).Model(turn).Update("user_message_id", messageID).Error
}

// Finish stores the final status of a turn.
func (s *TurnStore) Finish(ctx context.Context, turn *models.ChatTurn, status string, assistantMessageID *uint) error {
	now := s.now().UTC()
	turn.Status = status
	turn.AssistantMessageID = assistantMessageID
	turn.FinishedAt = &now
	return s.db.WithContext(ctx).Model(turn).Updates(map[string]interface{}{
		"status":               status,
		"assistant_message_id": assistantMessageID,
		"finished_at":          now,
	}).Error
}

// ReconcileStale closes turns that stayed pending longer than the stale
// window, typically because the process died mid-answer. Each gets an
// assistant note so the conversation does not end on an unanswered question.
func (s *TurnStore) ReconcileStale(ctx context.Context, chats *ChatStore) (int, error) {
	cutoff := s.now().UTC().Add(-s.staleAfter)

	var stale []models.ChatTurn
	if err := s.db.WithContext(ctx).
		Where("status = ? AND started_at <= ?", models.TurnPending, cutoff).
		Find(&stale).Error; err != nil {
		return 0, fmt.Errorf("find stale turns: %w", err)
	}

	closed := 0
	for i := range stale {
		turn := &stale[i]
		var assistantID *uint
		if turn.UserMessageID != nil {
			msg, err := chats.Append(ctx, turn.TenantScope, nil, models.RoleAssistant, interruptedReply, models.MessageMeta{
				TurnID:    turn.TurnID,
				Transport: turn.Transport,
				Error:     "interrupted",
				Degraded:  true,
			})
			if err != nil {
				return closed, err
			}
			assistantID = &msg.ID
		}
		if err := s.Finish(ctx, turn, models.TurnInterrupted, assistantID); err != nil {
			return closed, err
		}
		closed++
		logger.WithTurn(turn.TurnID, turn.Transport).Warn("Closed interrupted chat turn")
	}
	return closed, nil
}
