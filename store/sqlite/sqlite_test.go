package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/fixflow/core"
	"github.com/hupe1980/fixflow/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "fixflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestThreadLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetThread(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.CreateThread(ctx, "t1", "owner1"))
	th, err := s.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", th.ID)
	assert.Equal(t, "owner1", th.OwnerID)
	assert.False(t, th.CreatedAt.IsZero())
}

func TestAppendAndListMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateThread(ctx, "t1", "owner1"))

	for i := 0; i < 6; i++ {
		role := core.RoleUser
		if i%2 == 1 {
			role = core.RoleAssistant
		}
		require.NoError(t, s.AppendMessage(ctx, core.NewMessage("t1", "owner1", role, fmt.Sprintf("m%d", i))))
	}

	msgs, err := s.ListMessages(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, msgs, 6)
	for i, msg := range msgs {
		assert.Equal(t, fmt.Sprintf("m%d", i), msg.Content, "append order must survive the round trip")
	}
	assert.Equal(t, core.RoleUser, msgs[0].Role)
	assert.Equal(t, core.RoleAssistant, msgs[1].Role)
}

func TestAppendBumpsThreadActivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateThread(ctx, "t1", "owner1"))
	require.NoError(t, s.CreateThread(ctx, "t2", "owner1"))

	require.NoError(t, s.AppendMessage(ctx, core.NewMessage("t1", "owner1", core.RoleUser, "hi")))

	threads, err := s.ListThreads(ctx, "owner1")
	require.NoError(t, err)
	require.Len(t, threads, 2)
	assert.Equal(t, "t1", threads[0].ID)
}

func TestDeleteThreadRemovesMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateThread(ctx, "t1", "owner1"))
	require.NoError(t, s.AppendMessage(ctx, core.NewMessage("t1", "owner1", core.RoleUser, "hi")))

	require.NoError(t, s.DeleteThread(ctx, "t1"))
	_, err := s.GetThread(ctx, "t1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	msgs, err := s.ListMessages(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDeleteOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateThread(ctx, "t1", "owner1"))
	require.NoError(t, s.CreateThread(ctx, "t2", "owner2"))
	require.NoError(t, s.AppendMessage(ctx, core.NewMessage("t1", "owner1", core.RoleUser, "hi")))

	require.NoError(t, s.DeleteOwner(ctx, "owner1"))
	_, err := s.GetThread(ctx, "t1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetThread(ctx, "t2")
	assert.NoError(t, err)
}

func TestUsageUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	total, err := s.TotalTokens(ctx, "owner1")
	require.NoError(t, err)
	assert.Zero(t, total)

	require.NoError(t, s.AddTokens(ctx, "owner1", 100))
	require.NoError(t, s.AddTokens(ctx, "owner1", 42))
	total, err = s.TotalTokens(ctx, "owner1")
	require.NoError(t, err)
	assert.Equal(t, int64(142), total)
}

func TestUsageConcurrentIncrements(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.AddTokens(ctx, "owner1", 5))
		}()
	}
	wg.Wait()

	total, err := s.TotalTokens(ctx, "owner1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), total)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixflow.db")
	ctx := context.Background()

	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.CreateThread(ctx, "t1", "owner1"))
	require.NoError(t, s.AppendMessage(ctx, core.NewMessage("t1", "owner1", core.RoleUser, "durable")))
	require.NoError(t, s.Close())

	s, err = New(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	msgs, err := s.ListMessages(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "durable", msgs[0].Content)
}
