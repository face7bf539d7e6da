// Package router drives the model/tool loop for a single request. It is a
// bounded state machine: each round sends the working transcript to the
// model, executes any requested tools, folds the normalized results back
// into the transcript and goes again. Rounds are capped; when the cap is
// reached the model is asked once more with tools withheld so the request
// always converges on a final answer.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/fixflow/logging"
	"github.com/hupe1980/fixflow/model"
	"github.com/hupe1980/fixflow/stream"
	"github.com/hupe1980/fixflow/tool"
)

// Default bounds of the state machine.
const (
	DefaultMaxRounds   = 6
	DefaultToolTimeout = 15 * time.Second
	DefaultMaxRetries  = 3
	defaultRetryBase   = 500 * time.Millisecond
)

// DefaultInstructions is the system prompt given to the model.
const DefaultInstructions = "You are a device repair assistant. Help users fix their devices " +
	"using the available tools. When the user mentions a device, identify it with find_device " +
	"first, then offer guides with list_guides and fetch instructions with get_guide. " +
	"Use web_search only when the repair database has nothing useful. " +
	"Be concise and practical, and warn about safety-critical steps."

// Options configures a Router.
type Options struct {
	Instructions string
	MaxRounds    int
	ToolTimeout  time.Duration
	MaxRetries   int
	RetryBase    time.Duration
	// Stream requests incremental tokens from the model. Adapters without
	// streaming support answer in one final chunk; the router then emits
	// the whole text as a single token event.
	Stream bool
	Logger logging.Logger
}

// Router owns the per-request orchestration loop.
type Router struct {
	model model.Model
	tools *tool.Set
	opts  Options
}

// Outcome is the result of one completed run. Text is exactly the
// concatenation of every token event emitted during the run.
type Outcome struct {
	Text   string
	Usage  model.TokenUsage
	Rounds int
}

// New constructs a Router around a model and a tool set.
func New(m model.Model, tools *tool.Set, optFns ...func(o *Options)) *Router {
	opts := Options{
		Instructions: DefaultInstructions,
		MaxRounds:    DefaultMaxRounds,
		ToolTimeout:  DefaultToolTimeout,
		MaxRetries:   DefaultMaxRetries,
		RetryBase:    defaultRetryBase,
		Stream:       true,
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return &Router{model: m, tools: tools, opts: opts}
}

// Run executes the state machine over the compacted transcript, emitting
// status and token events as it goes. It returns the accumulated answer
// text and summed token usage. Run never emits terminal events; that is
// the session manager's job.
func (r *Router) Run(ctx context.Context, history []model.Message, emit *stream.Emitter) (Outcome, error) {
	working := make([]model.Message, len(history))
	copy(working, history)

	var out Outcome
	st := &runState{}

	for round := 0; round < r.opts.MaxRounds; round++ {
		out.Rounds = round + 1
		withTools := round < r.opts.MaxRounds-1

		resp, err := r.generate(ctx, working, withTools, emit, &out)
		if err != nil {
			return out, err
		}

		if len(resp.ToolCalls) == 0 || !withTools {
			return out, nil
		}

		assistant := model.Message{Role: model.RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls}
		working = append(working, assistant)

		for _, call := range resp.ToolCalls {
			result := r.invoke(ctx, call, st, emit)
			working = append(working, model.Message{
				Role: model.RoleTool,
				ToolResult: &model.ToolResult{
					CallID:  call.ID,
					Name:    call.Name,
					Content: result.Text,
					IsError: result.Outcome == tool.OutcomeError,
				},
			})
		}
	}

	return out, nil
}

// generate performs one model round with rate-limit retries, forwarding
// token events and accumulating text and usage into out.
func (r *Router) generate(
	ctx context.Context,
	working []model.Message,
	withTools bool,
	emit *stream.Emitter,
	out *Outcome,
) (model.Response, error) {
	req := model.Request{
		Instructions: r.opts.Instructions,
		Messages:     working,
		Stream:       r.opts.Stream,
	}
	if withTools {
		req.Tools = tool.Definitions()
	}

	var lastErr error
	for attempt := 0; attempt <= r.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := r.opts.RetryBase << (attempt - 1)
			r.opts.Logger.Warn("router.rate_limited", "attempt", attempt, "backoff", backoff.String())
			select {
			case <-ctx.Done():
				return model.Response{}, ctx.Err()
			case <-time.After(backoff):
			}
		}

		streamedBefore := len(out.Text)
		resp, err := r.consume(ctx, req, emit, out)
		if err == nil {
			return resp, nil
		}
		// Retry only when nothing streamed yet: a regenerated answer
		// after visible tokens would duplicate prose on the wire.
		if !isRateLimited(err) || len(out.Text) > streamedBefore {
			return model.Response{}, err
		}
		lastErr = err
	}
	return model.Response{}, lastErr
}

// consume drains one Generate call. Partial chunks stream out as token
// events; the final chunk carries tool calls and usage.
func (r *Router) consume(
	ctx context.Context,
	req model.Request,
	emit *stream.Emitter,
	out *Outcome,
) (model.Response, error) {
	respCh, errCh := r.model.Generate(ctx, req)

	var final model.Response
	for resp := range respCh {
		if resp.Text != "" {
			emit.Send(stream.TokenEvent{Content: resp.Text})
			out.Text += resp.Text
		}
		if resp.Usage != nil {
			out.Usage.PromptTokens += resp.Usage.PromptTokens
			out.Usage.CompletionTokens += resp.Usage.CompletionTokens
			out.Usage.TotalTokens += resp.Usage.TotalTokens
		}
		if !resp.Partial {
			final = resp
		}
	}
	if err := <-errCh; err != nil {
		return model.Response{}, err
	}
	return final, nil
}

// runState tracks what the run has established so far. Guide tools
// unlock once either a device identification or a successful web result
// has given the model something concrete to cite.
type runState struct {
	deviceIdentified bool
	webFound         bool
}

func (st *runState) hasSource() bool { return st.deviceIdentified || st.webFound }

// invoke runs one requested tool with its own timeout and applies the
// routing policy: guide tools are gated until a source is established,
// and a failed or empty repair lookup is augmented by the web-search
// fallback so the model always gets something to work with.
func (r *Router) invoke(ctx context.Context, call model.ToolCall, st *runState, emit *stream.Emitter) tool.Result {
	kind, ok := tool.KindFromName(call.Name)
	if !ok {
		r.opts.Logger.Warn("router.unknown_tool", "tool", call.Name)
		return tool.Result{
			Outcome: tool.OutcomeError,
			Text:    fmt.Sprintf("unknown tool %q", call.Name),
		}
	}

	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return tool.Result{
				Kind:    kind,
				Outcome: tool.OutcomeError,
				Text:    fmt.Sprintf("invalid tool arguments: %v", err),
			}
		}
	}

	if (kind == tool.KindGuideList || kind == tool.KindGuideDetail) && !st.hasSource() {
		return tool.Result{
			Kind:    kind,
			Outcome: tool.OutcomeError,
			Text:    "No device has been identified yet. Call find_device first.",
		}
	}

	result := r.run(ctx, kind, args, st, emit)

	if result.Outcome != tool.OutcomeSuccess && kind != tool.KindWebSearch {
		if fb := r.fallback(ctx, kind, args, st, emit); fb.Outcome == tool.OutcomeSuccess {
			result.Text = result.Text + "\n\nFallback web search results:\n" + fb.Text
		}
	}

	return result
}

// run executes a single tool invocation bracketed by status events and
// records successful sources in the run state.
func (r *Router) run(ctx context.Context, kind tool.Kind, args map[string]any, st *runState, emit *stream.Emitter) tool.Result {
	emit.Send(stream.StatusEvent{Message: kind.StatusLabel()})

	toolCtx, cancel := context.WithTimeout(ctx, r.opts.ToolTimeout)
	result := r.tools.Invoke(toolCtx, kind, args)
	cancel()

	if result.Outcome == tool.OutcomeSuccess {
		switch kind {
		case tool.KindDeviceLookup:
			st.deviceIdentified = true
		case tool.KindWebSearch:
			st.webFound = true
		}
	}

	emit.Send(stream.StatusEvent{Message: kind.DoneLabel()})
	r.opts.Logger.Info("router.tool", "tool", kind.Name(), "outcome", result.Outcome.String())
	return result
}

// fallback runs the web search with a query derived from the failed call.
func (r *Router) fallback(ctx context.Context, failed tool.Kind, args map[string]any, st *runState, emit *stream.Emitter) tool.Result {
	query := fallbackQuery(args)
	if query == "" {
		return tool.Result{Kind: tool.KindWebSearch, Outcome: tool.OutcomeNotFound}
	}
	r.opts.Logger.Info("router.fallback", "failed_tool", failed.Name(), "query", query)
	return r.run(ctx, tool.KindWebSearch, map[string]any{"query": query + " repair"}, st, emit)
}

func fallbackQuery(args map[string]any) string {
	for _, key := range []string{"query", "device_title"} {
		if v, ok := args[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// isRateLimited detects provider throttling responses worth retrying.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit")
}
