package services

import (
	"context"
	"testing"
	"time"

	"github.com/omninoc/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatStoreAppendAndList(t *testing.T) {
	db := newTestDB(t)
	store := NewChatStore(db)
	ctx := context.Background()

	base := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)
	tick := 0
	store.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	other := models.TenantScope{CompanyID: 1, ProjectID: 2, ServerID: 99}
	_, err := store.Append(ctx, testScope, nil, models.RoleUser, "first", models.MessageMeta{})
	require.NoError(t, err)
	_, err = store.Append(ctx, other, nil, models.RoleUser, "other server", models.MessageMeta{})
	require.NoError(t, err)
	_, err = store.Append(ctx, testScope, nil, models.RoleAssistant, "second", models.MessageMeta{LogRows: 3})
	require.NoError(t, err)
	_, err = store.Append(ctx, testScope, nil, "system", "third", models.MessageMeta{})
	require.NoError(t, err)

	messages, err := store.List(ctx, testScope, 10)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, []string{"first", "second", "third"}, []string{messages[0].Content, messages[1].Content, messages[2].Content})
	assert.Equal(t, models.RoleUser, messages[2].Role)
	assert.Equal(t, 3, messages[1].Meta.LogRows)
	for _, m := range messages {
		assert.Equal(t, testScope, m.TenantScope)
	}

	latest, err := store.List(ctx, testScope, 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "second", latest[0].Content)
	assert.Equal(t, "third", latest[1].Content)

	clamped, err := store.List(ctx, testScope, 0)
	require.NoError(t, err)
	assert.Len(t, clamped, 1)
}

func TestChatStoreRejectsInvalidScope(t *testing.T) {
	store := NewChatStore(newTestDB(t))
	_, err := store.Append(context.Background(), models.TenantScope{CompanyID: 1}, nil, models.RoleUser, "x", models.MessageMeta{})
	assert.ErrorIs(t, err, ErrInvalidScope)
	_, err = store.List(context.Background(), models.TenantScope{}, 10)
	assert.ErrorIs(t, err, ErrInvalidScope)
}

func TestChatStoreMarkResolved(t *testing.T) {
	store := NewChatStore(newTestDB(t))
	ctx := context.Background()
	actor := uint(42)

	question, err := store.Append(ctx, testScope, &actor, models.RoleUser, "why?", models.MessageMeta{})
	require.NoError(t, err)
	answer, err := store.Append(ctx, testScope, nil, models.RoleAssistant, "because", models.MessageMeta{Provider: "openai"})
	require.NoError(t, err)

	ok, err := store.MarkResolved(ctx, testScope, answer.ID, &actor, true)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.Get(ctx, testScope, answer.ID)
	require.NoError(t, err)
	assert.True(t, got.Meta.Resolved)
	require.NotNil(t, got.Meta.ResolvedBy)
	assert.Equal(t, actor, *got.Meta.ResolvedBy)
	assert.NotNil(t, got.Meta.ResolvedAt)
	assert.Equal(t, "openai", got.Meta.Provider)

	// Setting the same value twice is fine.
	ok, err = store.MarkResolved(ctx, testScope, answer.ID, &actor, true)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.MarkResolved(ctx, testScope, answer.ID, &actor, false)
	require.NoError(t, err)
	assert.True(t, ok)
	got, err = store.Get(ctx, testScope, answer.ID)
	require.NoError(t, err)
	assert.False(t, got.Meta.Resolved)
	assert.Nil(t, got.Meta.ResolvedAt)
	assert.Nil(t, got.Meta.ResolvedBy)

	ok, err = store.MarkResolved(ctx, testScope, 9999, &actor, true)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.MarkResolved(ctx, testScope, question.ID, &actor, true)
	require.NoError(t, err)
	assert.False(t, ok, "user messages cannot be resolved")

	other := models.TenantScope{CompanyID: 7, ProjectID: 2, ServerID: 3}
	ok, err = store.MarkResolved(ctx, other, answer.ID, &actor, true)
	require.NoError(t, err)
	assert.False(t, ok, "other tenants cannot see the message")
}
