// Package fixflow is a conversational repair-assistant gateway. It fronts
// a tool-calling language model with durable multi-turn conversations:
// per-thread serialization, history compaction, a bounded tool-routing
// loop over the iFixit repair database with a web-search fallback, and a
// typed streaming event protocol.
//
// The zero-configuration form runs entirely in memory:
//
//	gw := fixflow.New(openai.NewModel())
//	events, err := gw.Chat(ctx, fixflow.ChatRequest{OwnerID: "u1", Message: "my ps5 is broken"})
package fixflow

import (
	"context"

	"github.com/hupe1980/fixflow/compact"
	"github.com/hupe1980/fixflow/core"
	"github.com/hupe1980/fixflow/logging"
	"github.com/hupe1980/fixflow/model"
	"github.com/hupe1980/fixflow/router"
	"github.com/hupe1980/fixflow/session"
	"github.com/hupe1980/fixflow/store"
	"github.com/hupe1980/fixflow/stream"
	"github.com/hupe1980/fixflow/tool"
	"github.com/hupe1980/fixflow/usage"
)

// ChatRequest aliases the session request so callers only import fixflow.
type ChatRequest = session.Request

// ChatReply aliases the synchronous reply form.
type ChatReply = session.Reply

// Options configures a Gateway. All fields are optional; defaults run
// in memory with the public tool endpoints.
type Options struct {
	// Store persists conversations. Defaults to the in-memory store.
	Store store.ConversationStore
	// UsageStore accumulates token counts. Defaults to the same in-memory
	// store instance when unset and Store is defaulted.
	UsageStore store.UsageStore
	// Tools overrides the tool set (tests point it at local servers).
	Tools *tool.Set
	// Summarizer overrides history condensation. Defaults to a
	// model-backed summarizer using the chat model itself.
	Summarizer compact.Summarizer
	// RouterOptions tune the orchestration loop.
	RouterOptions []func(o *router.Options)
	// SessionOptions tune timeouts and buffering.
	SessionOptions []func(o *session.Options)
	Logger         logging.Logger
}

// Gateway is the assembled repair assistant.
type Gateway struct {
	manager *session.Manager
	meter   *usage.Meter
	logger  logging.Logger
}

// New assembles a Gateway around the given model.
func New(m model.Model, optFns ...func(o *Options)) *Gateway {
	opts := Options{Logger: logging.NewDefaultSlogLogger()}
	for _, fn := range optFns {
		fn(&opts)
	}
	logger := logging.OrNoOp(opts.Logger)

	if opts.Store == nil {
		mem := store.NewInMemoryStore()
		opts.Store = mem
		if opts.UsageStore == nil {
			opts.UsageStore = mem
		}
	}
	if opts.UsageStore == nil {
		opts.UsageStore = store.NewInMemoryStore()
	}
	if opts.Tools == nil {
		opts.Tools = tool.NewSet(func(o *tool.Options) { o.Logger = logger })
	}
	if opts.Summarizer == nil {
		opts.Summarizer = compact.NewModelSummarizer(m)
	}

	routerOpts := append([]func(o *router.Options){func(o *router.Options) { o.Logger = logger }}, opts.RouterOptions...)
	rt := router.New(m, opts.Tools, routerOpts...)

	meter := usage.NewMeter(opts.UsageStore, func(o *usage.Options) { o.Logger = logger })
	compactor := compact.New(func(o *compact.Options) {
		o.Summarizer = opts.Summarizer
		o.Logger = logger
	})

	sessionOpts := append([]func(o *session.Options){func(o *session.Options) {
		o.Compactor = compactor
		o.Meter = meter
		o.Logger = logger
	}}, opts.SessionOptions...)
	manager := session.NewManager(opts.Store, rt, sessionOpts...)

	return &Gateway{manager: manager, meter: meter, logger: logger}
}

// Chat starts one streaming chat turn.
func (g *Gateway) Chat(ctx context.Context, req ChatRequest) (<-chan stream.Event, error) {
	return g.manager.Handle(ctx, req)
}

// ChatSync runs one turn to completion and returns the collected answer.
func (g *Gateway) ChatSync(ctx context.Context, req ChatRequest) (*ChatReply, error) {
	return g.manager.HandleSync(ctx, req)
}

// History returns a thread's persisted messages for its owner.
func (g *Gateway) History(ctx context.Context, ownerID, threadID string) ([]*core.Message, error) {
	return g.manager.History(ctx, ownerID, threadID)
}

// ClearHistory deletes a thread and its messages for its owner.
func (g *Gateway) ClearHistory(ctx context.Context, ownerID, threadID string) error {
	return g.manager.Clear(ctx, ownerID, threadID)
}

// ClearAllHistory deletes every thread belonging to the owner.
func (g *Gateway) ClearAllHistory(ctx context.Context, ownerID string) error {
	return g.manager.ClearAll(ctx, ownerID)
}

// Threads lists the owner's threads, most recently active first.
func (g *Gateway) Threads(ctx context.Context, ownerID string) ([]*core.Thread, error) {
	return g.manager.Threads(ctx, ownerID)
}

// Sessions returns per-thread summaries for the owner.
func (g *Gateway) Sessions(ctx context.Context, ownerID string) ([]session.ThreadStats, error) {
	return g.manager.Stats(ctx, ownerID)
}

// Usage returns the owner's accumulated token count.
func (g *Gateway) Usage(ctx context.Context, ownerID string) (int64, error) {
	return g.meter.Total(ctx, ownerID)
}

// Flush waits for background work such as usage recording to settle.
// Call it during shutdown.
func (g *Gateway) Flush() { g.meter.Flush() }
