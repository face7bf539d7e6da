// Package session orchestrates a chat turn end to end: per-thread FIFO
// serialization, ownership checks, durable persistence of both sides of
// the exchange, history compaction, the router run and best-effort usage
// metering. The manager is the only component allowed to emit terminal
// stream events.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/fixflow/compact"
	"github.com/hupe1980/fixflow/core"
	"github.com/hupe1980/fixflow/logging"
	"github.com/hupe1980/fixflow/model"
	"github.com/hupe1980/fixflow/router"
	"github.com/hupe1980/fixflow/store"
	"github.com/hupe1980/fixflow/stream"
	"github.com/hupe1980/fixflow/usage"
)

// Defaults for the request-level timeout boundaries.
const (
	DefaultRequestTimeout = 2 * time.Minute
	DefaultWriteTimeout   = 10 * time.Second
	defaultEventBuffer    = 256
)

// Request is one incoming chat turn. ThreadID is empty for a new
// conversation; the assigned id is carried on the terminal done event.
type Request struct {
	OwnerID  string
	ThreadID string
	Message  string
}

// Reply is the collected result of a synchronous turn.
type Reply struct {
	ThreadID string
	Text     string
	Warning  string
}

// Options configures a Manager.
type Options struct {
	RequestTimeout time.Duration
	WriteTimeout   time.Duration
	EventBuffer    int
	Compactor      *compact.Compactor
	Meter          *usage.Meter
	Logger         logging.Logger
}

// Manager serializes and executes chat turns against one conversation
// store and one router.
type Manager struct {
	store     store.ConversationStore
	router    *router.Router
	compactor *compact.Compactor
	meter     *usage.Meter
	locks     *keyedMutex
	logger    logging.Logger
	opts      Options
}

// NewManager constructs a Manager. Compactor and Meter are optional;
// without a meter usage is simply not recorded.
func NewManager(s store.ConversationStore, r *router.Router, optFns ...func(o *Options)) *Manager {
	opts := Options{
		RequestTimeout: DefaultRequestTimeout,
		WriteTimeout:   DefaultWriteTimeout,
		EventBuffer:    defaultEventBuffer,
		Logger:         logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Compactor == nil {
		opts.Compactor = compact.New()
	}
	return &Manager{
		store:     s,
		router:    r,
		compactor: opts.Compactor,
		meter:     opts.Meter,
		locks:     newKeyedMutex(),
		logger:    logging.OrNoOp(opts.Logger),
		opts:      opts,
	}
}

// Handle starts one chat turn and returns its event stream. Validation
// failures are returned synchronously; everything after that is reported
// on the stream, which always ends with exactly one terminal event.
func (m *Manager) Handle(ctx context.Context, req Request) (<-chan stream.Event, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, errors.New("owner id is required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, errors.New("message must not be empty")
	}

	// The caller's ctx governs event delivery only: its cancellation
	// marks the consumer as disconnected, never aborts the turn.
	emit := stream.NewEmitter(m.opts.EventBuffer, func(o *stream.EmitterOptions) {
		o.Disconnect = ctx.Done()
	})
	go m.process(ctx, req, emit)
	return emit.Events(), nil
}

// HandleSync runs a turn to completion and collects the answer.
func (m *Manager) HandleSync(ctx context.Context, req Request) (*Reply, error) {
	events, err := m.Handle(ctx, req)
	if err != nil {
		return nil, err
	}
	reply := &Reply{}
	for ev := range events {
		switch e := ev.(type) {
		case stream.TokenEvent:
			reply.Text += e.Content
		case stream.DoneEvent:
			reply.ThreadID = e.ThreadID
			reply.Warning = e.Warning
		case stream.ErrorEvent:
			return nil, fmt.Errorf("%s: %s", e.Code, e.Message)
		}
	}
	return reply, nil
}

// process is the serialized body of one turn. It owns the terminal event.
// The turn runs detached from the caller's context: a transport
// disconnect must not abort generation or skip persisting the assistant
// message, so only the request timeout bounds it.
func (m *Manager) process(callerCtx context.Context, req Request, emit *stream.Emitter) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(callerCtx), m.opts.RequestTimeout)
	defer cancel()

	threadID := req.ThreadID
	if threadID == "" {
		threadID = core.NewThreadID()
	}

	if err := m.locks.Lock(ctx, threadID); err != nil {
		emit.Close(stream.ErrorEvent{Code: core.ErrCodeInternal, Message: "request timed out while queued"})
		return
	}
	defer m.locks.Unlock(threadID)

	if err := m.ensureThread(ctx, threadID, req.OwnerID); err != nil {
		var authErr *core.AuthorizationError
		if errors.As(err, &authErr) {
			m.logger.Warn("session.denied", "thread", threadID, "owner", req.OwnerID)
			emit.Close(stream.ErrorEvent{Code: core.ErrCodeAuthorization, Message: "thread does not belong to this owner"})
			return
		}
		m.logger.Error("session.thread_failed", "thread", threadID, "error", err)
		emit.Close(stream.ErrorEvent{Code: core.ErrCodePersistence, Message: "conversation could not be opened"})
		return
	}

	// The user turn is durable before any generation starts. Writes run on
	// a detached context so a client disconnect cannot corrupt the log.
	userMsg := core.NewMessage(threadID, req.OwnerID, core.RoleUser, req.Message)
	if err := m.write(userMsg); err != nil {
		m.logger.Error("session.append_user_failed", "thread", threadID, "error", err)
		emit.Close(stream.ErrorEvent{Code: core.ErrCodePersistence, Message: "message could not be saved"})
		return
	}

	history, err := m.store.ListMessages(ctx, threadID)
	if err != nil {
		m.logger.Error("session.list_failed", "thread", threadID, "error", err)
		emit.Close(stream.ErrorEvent{Code: core.ErrCodePersistence, Message: "conversation history could not be loaded"})
		return
	}
	snapshot := toModelMessages(m.compactor.Compact(ctx, history))

	outcome, err := m.router.Run(ctx, snapshot, emit)
	if err != nil {
		m.logger.Error("session.generation_failed", "thread", threadID, "error", err)
		genErr := &core.GenerationError{Err: err}
		emit.Close(stream.ErrorEvent{Code: core.ErrCodeGeneration, Message: userFacing(genErr)})
		return
	}

	if m.meter != nil && outcome.Usage.TotalTokens > 0 {
		m.meter.Record(req.OwnerID, int64(outcome.Usage.TotalTokens))
	}

	done := stream.DoneEvent{ThreadID: threadID}
	assistantMsg := core.NewMessage(threadID, req.OwnerID, core.RoleAssistant, outcome.Text)
	if err := m.write(assistantMsg); err != nil {
		// The answer already streamed; losing durability degrades the turn
		// but does not fail it.
		m.logger.Error("session.append_assistant_failed", "thread", threadID, "error", err)
		done.Warning = "answer delivered but could not be saved to history"
	}

	m.logger.Info("session.turn",
		"thread", threadID,
		"owner", req.OwnerID,
		"rounds", outcome.Rounds,
		"tokens", outcome.Usage.TotalTokens,
	)
	emit.Close(done)
}

// ensureThread loads the thread, verifying ownership, or creates it.
// Thread ids are unguessable, so an unknown id simply starts a fresh
// thread under that id.
func (m *Manager) ensureThread(ctx context.Context, threadID, ownerID string) error {
	th, err := m.store.GetThread(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		if err := m.store.CreateThread(ctx, threadID, ownerID); err != nil {
			return &core.PersistenceError{Op: "create_thread", Err: err}
		}
		return nil
	}
	if err != nil {
		return &core.PersistenceError{Op: "get_thread", Err: err}
	}
	if th.OwnerID != ownerID {
		return &core.AuthorizationError{ThreadID: threadID, OwnerID: ownerID}
	}
	return nil
}

// write appends one message under the write timeout, detached from the
// request context.
func (m *Manager) write(msg *core.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.WriteTimeout)
	defer cancel()
	return m.store.AppendMessage(ctx, msg)
}

// History returns the thread's messages after verifying ownership.
func (m *Manager) History(ctx context.Context, ownerID, threadID string) ([]*core.Message, error) {
	th, err := m.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if th.OwnerID != ownerID {
		return nil, &core.AuthorizationError{ThreadID: threadID, OwnerID: ownerID}
	}
	return m.store.ListMessages(ctx, threadID)
}

// Clear deletes the thread and its messages after verifying ownership.
func (m *Manager) Clear(ctx context.Context, ownerID, threadID string) error {
	th, err := m.store.GetThread(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if th.OwnerID != ownerID {
		return &core.AuthorizationError{ThreadID: threadID, OwnerID: ownerID}
	}

	if err := m.locks.Lock(ctx, threadID); err != nil {
		return err
	}
	defer m.locks.Unlock(threadID)
	return m.store.DeleteThread(ctx, threadID)
}

// ClearAll deletes every thread belonging to the owner.
func (m *Manager) ClearAll(ctx context.Context, ownerID string) error {
	return m.store.DeleteOwner(ctx, ownerID)
}

// Threads lists the owner's threads, most recently active first.
func (m *Manager) Threads(ctx context.Context, ownerID string) ([]*core.Thread, error) {
	return m.store.ListThreads(ctx, ownerID)
}

// ThreadStats summarizes one thread for session listings.
type ThreadStats struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// Stats returns per-thread summaries for the owner, most recently active
// first.
func (m *Manager) Stats(ctx context.Context, ownerID string) ([]ThreadStats, error) {
	threads, err := m.store.ListThreads(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]ThreadStats, 0, len(threads))
	for _, th := range threads {
		msgs, err := m.store.ListMessages(ctx, th.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, ThreadStats{
			ID:           th.ID,
			CreatedAt:    th.CreatedAt,
			UpdatedAt:    th.UpdatedAt,
			MessageCount: len(msgs),
		})
	}
	return out, nil
}

// toModelMessages converts the compacted snapshot into the adapter form.
func toModelMessages(msgs []*core.Message) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, msg := range msgs {
		role := model.RoleUser
		switch msg.Role {
		case core.RoleAssistant:
			role = model.RoleAssistant
		case core.RoleSummary:
			role = model.RoleSummary
		}
		out = append(out, model.Message{Role: role, Content: msg.Content})
	}
	return out
}

// userFacing reduces an internal error to a message safe for end users.
func userFacing(err error) string {
	var genErr *core.GenerationError
	if errors.As(err, &genErr) {
		return "the assistant could not produce an answer, please try again"
	}
	return "internal error"
}
