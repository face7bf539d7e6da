package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/fixflow/core"
	"github.com/hupe1980/fixflow/model"
	"github.com/hupe1980/fixflow/router"
	"github.com/hupe1980/fixflow/store"
	"github.com/hupe1980/fixflow/stream"
	"github.com/hupe1980/fixflow/tool"
	"github.com/hupe1980/fixflow/usage"
)

func newTestManager(t *testing.T, m model.Model, s store.ConversationStore, optFns ...func(o *Options)) *Manager {
	t.Helper()
	rt := router.New(m, tool.NewSet())
	return NewManager(s, rt, optFns...)
}

func drain(events <-chan stream.Event) (tokens string, done *stream.DoneEvent, errEv *stream.ErrorEvent) {
	for ev := range events {
		switch e := ev.(type) {
		case stream.TokenEvent:
			tokens += e.Content
		case stream.DoneEvent:
			done = &e
		case stream.ErrorEvent:
			errEv = &e
		}
	}
	return tokens, done, errEv
}

func TestHandleNewThread(t *testing.T) {
	m := model.NewMockModel("test")
	m.EnqueueTurn(
		model.Response{Partial: true, Text: "Sure, "},
		model.Response{Partial: true, Text: "let's fix it."},
		model.Response{FinishReason: "stop", Usage: &model.TokenUsage{TotalTokens: 20}},
	)
	s := store.NewInMemoryStore()
	mgr := newTestManager(t, m, s)

	events, err := mgr.Handle(context.Background(), Request{OwnerID: "owner1", Message: "my ps5 broke"})
	require.NoError(t, err)

	tokens, done, errEv := drain(events)
	require.Nil(t, errEv)
	require.NotNil(t, done)
	assert.NotEmpty(t, done.ThreadID)
	assert.Empty(t, done.Warning)
	assert.Equal(t, "Sure, let's fix it.", tokens)

	// The persisted assistant message equals the streamed tokens exactly.
	msgs, err := s.ListMessages(context.Background(), done.ThreadID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, core.RoleUser, msgs[0].Role)
	assert.Equal(t, "my ps5 broke", msgs[0].Content)
	assert.Equal(t, core.RoleAssistant, msgs[1].Role)
	assert.Equal(t, tokens, msgs[1].Content)
}

func TestHandleExistingThread(t *testing.T) {
	m := model.NewMockModel("test")
	s := store.NewInMemoryStore()
	mgr := newTestManager(t, m, s)

	first, err := mgr.HandleSync(context.Background(), Request{OwnerID: "owner1", Message: "hello"})
	require.NoError(t, err)
	second, err := mgr.HandleSync(context.Background(), Request{OwnerID: "owner1", ThreadID: first.ThreadID, Message: "again"})
	require.NoError(t, err)
	assert.Equal(t, first.ThreadID, second.ThreadID)

	msgs, err := s.ListMessages(context.Background(), first.ThreadID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	// The second request saw the first exchange in its history.
	reqs := m.Requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[1].Messages, 3)
}

func TestHandleValidation(t *testing.T) {
	mgr := newTestManager(t, model.NewMockModel("test"), store.NewInMemoryStore())

	_, err := mgr.Handle(context.Background(), Request{OwnerID: "", Message: "hi"})
	assert.Error(t, err)
	_, err = mgr.Handle(context.Background(), Request{OwnerID: "owner1", Message: "   "})
	assert.Error(t, err)
}

func TestHandleOwnershipDenied(t *testing.T) {
	m := model.NewMockModel("test")
	s := store.NewInMemoryStore()
	mgr := newTestManager(t, m, s)

	first, err := mgr.HandleSync(context.Background(), Request{OwnerID: "owner1", Message: "hello"})
	require.NoError(t, err)

	events, err := mgr.Handle(context.Background(), Request{OwnerID: "intruder", ThreadID: first.ThreadID, Message: "gimme"})
	require.NoError(t, err)
	_, done, errEv := drain(events)
	require.Nil(t, done)
	require.NotNil(t, errEv)
	assert.Equal(t, core.ErrCodeAuthorization, errEv.Code)

	// Nothing was written on behalf of the intruder.
	msgs, err := s.ListMessages(context.Background(), first.ThreadID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestHandleGenerationFailure(t *testing.T) {
	m := model.NewMockModel("test")
	m.FailWith(errors.New("api down"))
	s := store.NewInMemoryStore()
	mgr := newTestManager(t, m, s)

	events, err := mgr.Handle(context.Background(), Request{OwnerID: "owner1", Message: "hello"})
	require.NoError(t, err)
	_, done, errEv := drain(events)
	require.Nil(t, done)
	require.NotNil(t, errEv)
	assert.Equal(t, core.ErrCodeGeneration, errEv.Code)

	// The user turn is durable, the failed turn left no assistant message.
	threads, err := s.ListThreads(context.Background(), "owner1")
	require.NoError(t, err)
	require.Len(t, threads, 1)
	msgs, err := s.ListMessages(context.Background(), threads[0].ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, core.RoleUser, msgs[0].Role)
}

// assistantFailStore fails appends of assistant messages only.
type assistantFailStore struct {
	*store.InMemoryStore
}

func (s *assistantFailStore) AppendMessage(ctx context.Context, msg *core.Message) error {
	if msg.Role == core.RoleAssistant {
		return errors.New("disk full")
	}
	return s.InMemoryStore.AppendMessage(ctx, msg)
}

func TestHandleAssistantWriteFailureDegradesToWarning(t *testing.T) {
	m := model.NewMockModel("test")
	m.EnqueueTurn(model.Response{Text: "answer", FinishReason: "stop"})
	s := &assistantFailStore{InMemoryStore: store.NewInMemoryStore()}
	mgr := newTestManager(t, m, s)

	events, err := mgr.Handle(context.Background(), Request{OwnerID: "owner1", Message: "hello"})
	require.NoError(t, err)
	tokens, done, errEv := drain(events)
	require.Nil(t, errEv)
	require.NotNil(t, done)
	assert.Equal(t, "answer", tokens)
	assert.NotEmpty(t, done.Warning)
}

// slowModel answers after a fixed delay, respecting its own context.
type slowModel struct {
	delay time.Duration
}

func (m *slowModel) Generate(ctx context.Context, _ model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case <-time.After(m.delay):
			out <- model.Response{Text: "persisted after disconnect", FinishReason: "stop"}
		}
	}()
	return out, errCh
}

func (m *slowModel) Info() model.Info {
	return model.Info{Name: "slow", Provider: "mock", SupportsTools: true}
}

func TestHandleClientDisconnectDoesNotAbortTurn(t *testing.T) {
	m := &slowModel{delay: 150 * time.Millisecond}
	s := store.NewInMemoryStore()
	mgr := newTestManager(t, m, s)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := mgr.Handle(ctx, Request{OwnerID: "owner1", Message: "my ps5 broke"})
	require.NoError(t, err)

	// The client goes away mid-generation.
	time.AfterFunc(30*time.Millisecond, cancel)

	// The stream still terminates once the detached turn finishes.
	for range events {
	}

	// Both sides of the exchange were persisted despite the disconnect.
	threads, err := s.ListThreads(context.Background(), "owner1")
	require.NoError(t, err)
	require.Len(t, threads, 1)
	msgs, err := s.ListMessages(context.Background(), threads[0].ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, core.RoleUser, msgs[0].Role)
	assert.Equal(t, core.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "persisted after disconnect", msgs[1].Content)
}

func TestHandleConcurrentTurnsDoNotInterleave(t *testing.T) {
	m := model.NewMockModel("test")
	s := store.NewInMemoryStore()
	mgr := newTestManager(t, m, s)

	first, err := mgr.HandleSync(context.Background(), Request{OwnerID: "owner1", Message: "start"})
	require.NoError(t, err)

	const turns = 8
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := mgr.HandleSync(context.Background(), Request{OwnerID: "owner1", ThreadID: first.ThreadID, Message: "turn"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	msgs, err := s.ListMessages(context.Background(), first.ThreadID)
	require.NoError(t, err)
	require.Len(t, msgs, 2*(turns+1))
	// Strict user/assistant alternation: turns never interleave.
	for i, msg := range msgs {
		if i%2 == 0 {
			assert.Equal(t, core.RoleUser, msg.Role, "message %d", i)
		} else {
			assert.Equal(t, core.RoleAssistant, msg.Role, "message %d", i)
		}
	}
}

func TestHandleRecordsUsage(t *testing.T) {
	m := model.NewMockModel("test")
	m.EnqueueTurn(model.Response{Text: "answer", FinishReason: "stop", Usage: &model.TokenUsage{PromptTokens: 30, CompletionTokens: 12, TotalTokens: 42}})
	s := store.NewInMemoryStore()
	meter := usage.NewMeter(s)
	mgr := newTestManager(t, m, s, func(o *Options) { o.Meter = meter })

	_, err := mgr.HandleSync(context.Background(), Request{OwnerID: "owner1", Message: "hello"})
	require.NoError(t, err)
	meter.Flush()

	total, err := meter.Total(context.Background(), "owner1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), total)
}

func TestHistoryAndClear(t *testing.T) {
	m := model.NewMockModel("test")
	s := store.NewInMemoryStore()
	mgr := newTestManager(t, m, s)

	reply, err := mgr.HandleSync(context.Background(), Request{OwnerID: "owner1", Message: "hello"})
	require.NoError(t, err)

	msgs, err := mgr.History(context.Background(), "owner1", reply.ThreadID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	var authErr *core.AuthorizationError
	_, err = mgr.History(context.Background(), "intruder", reply.ThreadID)
	require.ErrorAs(t, err, &authErr)
	err = mgr.Clear(context.Background(), "intruder", reply.ThreadID)
	require.ErrorAs(t, err, &authErr)

	require.NoError(t, mgr.Clear(context.Background(), "owner1", reply.ThreadID))
	_, err = s.GetThread(context.Background(), reply.ThreadID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Clearing an unknown thread is a no-op.
	assert.NoError(t, mgr.Clear(context.Background(), "owner1", "gone"))
}

func TestStatsAndClearAll(t *testing.T) {
	m := model.NewMockModel("test")
	s := store.NewInMemoryStore()
	mgr := newTestManager(t, m, s)
	ctx := context.Background()

	first, err := mgr.HandleSync(ctx, Request{OwnerID: "owner1", Message: "one"})
	require.NoError(t, err)
	_, err = mgr.HandleSync(ctx, Request{OwnerID: "owner1", ThreadID: first.ThreadID, Message: "two"})
	require.NoError(t, err)
	_, err = mgr.HandleSync(ctx, Request{OwnerID: "owner1", Message: "other thread"})
	require.NoError(t, err)

	stats, err := mgr.Stats(ctx, "owner1")
	require.NoError(t, err)
	require.Len(t, stats, 2)
	// Most recently active first; the single-turn thread has 2 messages,
	// the two-turn thread 4.
	counts := map[string]int{stats[0].ID: stats[0].MessageCount, stats[1].ID: stats[1].MessageCount}
	assert.Equal(t, 4, counts[first.ThreadID])

	require.NoError(t, mgr.ClearAll(ctx, "owner1"))
	threads, err := mgr.Threads(ctx, "owner1")
	require.NoError(t, err)
	assert.Empty(t, threads)
}

func TestClearedThreadIsNotReused(t *testing.T) {
	m := model.NewMockModel("test")
	s := store.NewInMemoryStore()
	mgr := newTestManager(t, m, s)
	ctx := context.Background()

	first, err := mgr.HandleSync(ctx, Request{OwnerID: "owner1", Message: "my ps5 broke"})
	require.NoError(t, err)
	require.NoError(t, mgr.Clear(ctx, "owner1", first.ThreadID))

	// Starting over yields a fresh thread, not the old id.
	second, err := mgr.HandleSync(ctx, Request{OwnerID: "owner1", Message: "my ps5 broke"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ThreadID, second.ThreadID)

	msgs, err := s.ListMessages(ctx, second.ThreadID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}
