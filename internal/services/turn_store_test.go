package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/omninoc/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTurnStoreLifecycle(t *testing.T) {
	db := newTestDB(t)
	turns := NewTurnStore(db, 5*time.Minute)
	chats := NewChatStore(db)
	ctx := context.Background()

	turn, state, err := turns.Begin(ctx, testScope, "t-1", nil, TransportStream)
	require.NoError(t, err)
	assert.Equal(t, TurnNew, state)
	assert.Equal(t, models.TurnPending, turn.Status)

	_, _, err = turns.Begin(ctx, testScope, "t-1", nil, TransportFallback)
	assert.ErrorIs(t, err, ErrTurnInProgress, "same key while pending")

	_, _, err = turns.Begin(ctx, testScope, "t-2", nil, TransportStream)
	assert.ErrorIs(t, err, ErrTurnInProgress, "another key for the same server")

	other := models.TenantScope{CompanyID: 1, ProjectID: 2, ServerID: 4}
	_, state, err = turns.Begin(ctx, other, "t-3", nil, TransportStream)
	require.NoError(t, err, "other servers are independent")
	assert.Equal(t, TurnNew, state)

	user, err := chats.Append(ctx, testScope, nil, models.RoleUser, "q", models.MessageMeta{})
	require.NoError(t, err)
	require.NoError(t, turns.AttachUserMessage(ctx, turn, user.ID))
	answer, err := chats.Append(ctx, testScope, nil, models.RoleAssistant, "a", models.MessageMeta{})
	require.NoError(t, err)
	require.NoError(t, turns.Finish(ctx, turn, models.TurnCompleted, &answer.ID))

	replayed, state, err := turns.Begin(ctx, testScope, "t-1", nil, TransportFallback)
	require.NoError(t, err)
	assert.Equal(t, TurnReplay, state)
	require.NotNil(t, replayed.AssistantMessageID)
	assert.Equal(t, answer.ID, *replayed.AssistantMessageID)

	_, _, err = turns.Begin(ctx, other, "t-1", nil, TransportStream)
	assert.ErrorIs(t, err, ErrTurnInProgress, "turn ids never cross scopes")
}

func TestTurnStoreResumesStaleTurn(t *testing.T) {
	db := newTestDB(t)
	turns := NewTurnStore(db, time.Minute)
	chats := NewChatStore(db)
	ctx := context.Background()

	past := time.Now().Add(-10 * time.Minute)
	turns.now = func() time.Time { return past }
	turn, _, err := turns.Begin(ctx, testScope, "t-stale", nil, TransportStream)
	require.NoError(t, err)
	user, err := chats.Append(ctx, testScope, nil, models.RoleUser, "q", models.MessageMeta{})
	require.NoError(t, err)
	require.NoError(t, turns.AttachUserMessage(ctx, turn, user.ID))

	turns.now = time.Now
	resumed, state, err := turns.Begin(ctx, testScope, "t-stale", nil, TransportFallback)
	require.NoError(t, err)
	assert.Equal(t, TurnResume, state)
	assert.Equal(t, TransportFallback, resumed.Transport)
	require.NotNil(t, resumed.UserMessageID)
	assert.Equal(t, user.ID, *resumed.UserMessageID)
}

func TestReconcileStaleTurns(t *testing.T) {
	db := newTestDB(t)
	turns := NewTurnStore(db, time.Minute)
	chats := NewChatStore(db)
	ctx := context.Background()

	turns.now = func() time.Time { return time.Now().Add(-time.Hour) }
	stale, _, err := turns.Begin(ctx, testScope, "t-orphan", nil, TransportStream)
	require.NoError(t, err)
	user, err := chats.Append(ctx, testScope, nil, models.RoleUser, "q", models.MessageMeta{})
	require.NoError(t, err)
	require.NoError(t, turns.AttachUserMessage(ctx, stale, user.ID))

	turns.now = time.Now
	fresh, _, err := turns.Begin(ctx, models.TenantScope{CompanyID: 1, ProjectID: 2, ServerID: 5}, "t-live", nil, TransportStream)
	require.NoError(t, err)

	closed, err := turns.ReconcileStale(ctx, chats)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	var got models.ChatTurn
	require.NoError(t, db.First(&got, stale.ID).Error)
	assert.Equal(t, models.TurnInterrupted, got.Status)
	require.NotNil(t, got.AssistantMessageID)

	note, err := chats.Get(ctx, testScope, *got.AssistantMessageID)
	require.NoError(t, err)
	assert.Equal(t, "interrupted", note.Meta.Error)
	assert.True(t, note.Meta.Degraded)

	var live models.ChatTurn
	require.NoError(t, db.First(&live, fresh.ID).Error)
	assert.Equal(t, models.TurnPending, live.Status)
}

func TestTurnStoreConcurrentBeginAdmitsOneTurn(t *testing.T) {
	db := newTestDB(t)
	turns := NewTurnStore(db, 5*time.Minute)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		started  int
		rejected int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := turns.Begin(context.Background(), testScope, fmt.Sprintf("t-%d", i), nil, TransportStream)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				started++
			} else if assert.ErrorIs(t, err, ErrTurnInProgress) {
				rejected++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, started)
	assert.Equal(t, 7, rejected)

	var pending int64
	require.NoError(t, db.Model(&models.ChatTurn{}).Where("status = ?", models.TurnPending).Count(&pending).Error)
	assert.Equal(t, int64(1), pending)
}

func TestScopeLockKey(t *testing.T) {
	a := scopeLockKey(testScope)
	assert.Equal(t, a, scopeLockKey(testScope))
	assert.NotEqual(t, a, scopeLockKey(models.TenantScope{CompanyID: 1, ProjectID: 2, ServerID: 4}))
}
