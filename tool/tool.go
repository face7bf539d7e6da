// Package tool implements the lookup tools the model may request during a
// turn: device identification, repair-guide listing, repair-instruction
// fetch and the general-purpose web-search fallback. The set of tools is a
// closed enumeration dispatched by exhaustive switch, and every raw
// upstream payload is reduced to a bounded normalized text form (names,
// identifiers, text and media links only) before it is allowed anywhere
// near the model context.
package tool

import (
	"context"
	"fmt"

	"github.com/hupe1980/fixflow/logging"
	"github.com/hupe1980/fixflow/model"
)

// Kind enumerates the closed set of tools. Adding a variant requires
// extending every switch over Kind; the compiler-visible default branches
// return an error result rather than panicking.
type Kind int

const (
	// KindDeviceLookup identifies a device from free text ("my ps5 broke"
	// -> "PlayStation 5") via the iFixit search API.
	KindDeviceLookup Kind = iota
	// KindGuideList lists available repair guides for an identified device.
	KindGuideList
	// KindGuideDetail fetches step-by-step instructions for one guide.
	KindGuideDetail
	// KindWebSearch is the general-purpose fallback search.
	KindWebSearch
)

// Name returns the function-calling name of the tool.
func (k Kind) Name() string {
	switch k {
	case KindDeviceLookup:
		return "find_device"
	case KindGuideList:
		return "list_guides"
	case KindGuideDetail:
		return "get_guide"
	case KindWebSearch:
		return "web_search"
	default:
		return "unknown"
	}
}

// KindFromName resolves a model-supplied tool name to its variant.
func KindFromName(name string) (Kind, bool) {
	switch name {
	case "find_device":
		return KindDeviceLookup, true
	case "list_guides":
		return KindGuideList, true
	case "get_guide":
		return KindGuideDetail, true
	case "web_search":
		return KindWebSearch, true
	default:
		return 0, false
	}
}

// StatusLabel is the human-readable phase label emitted when the tool
// starts executing.
func (k Kind) StatusLabel() string {
	switch k {
	case KindDeviceLookup:
		return "Searching iFixit for device..."
	case KindGuideList:
		return "Loading repair guides..."
	case KindGuideDetail:
		return "Fetching repair instructions..."
	case KindWebSearch:
		return "Searching the web for information..."
	default:
		return "Running tool..."
	}
}

// DoneLabel is the phase label emitted when the tool finishes.
func (k Kind) DoneLabel() string { return k.Name() + " completed" }

// Outcome classifies one tool invocation. NotFound is deliberately
// distinct from Error: an empty result triggers fallback routing, not
// failure handling.
type Outcome int

const (
	// OutcomeSuccess means the tool produced usable normalized content.
	OutcomeSuccess Outcome = iota
	// OutcomeNotFound means the upstream answered but had nothing.
	OutcomeNotFound
	// OutcomeError means the call failed (transport, timeout, bad args).
	OutcomeError
)

// String returns the lowercase outcome label used in logs.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is the transient record of one attempted invocation. Text is the
// normalized form handed back to the model; it is never raw upstream JSON.
type Result struct {
	Kind    Kind
	Outcome Outcome
	Text    string
}

// ToolError represents errors that occur during tool execution. These are
// recoverable by design: the router folds them into its fallback path and
// they are never surfaced to the end user directly.
type ToolError struct {
	Tool    string `json:"tool"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{Tool: tool, Message: message, Code: code}
}

// Options configures a tool Set.
type Options struct {
	IFixit *IFixitClient
	Search *SearchClient
	Logger logging.Logger
}

// Set bundles the concrete clients behind a single Invoke entry point.
type Set struct {
	ifixit *IFixitClient
	search *SearchClient
	logger logging.Logger
}

// NewSet constructs a tool set with default clients for anything not
// overridden.
func NewSet(optFns ...func(o *Options)) *Set {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.IFixit == nil {
		opts.IFixit = NewIFixitClient()
	}
	if opts.Search == nil {
		opts.Search = NewSearchClient()
	}
	return &Set{ifixit: opts.IFixit, search: opts.Search, logger: logging.OrNoOp(opts.Logger)}
}

// Invoke executes one tool variant with model-supplied arguments. It never
// returns a Go error: failures are encoded as OutcomeError results so the
// router's state machine has a single shape to reason about.
func (s *Set) Invoke(ctx context.Context, kind Kind, args map[string]any) Result {
	var res Result
	switch kind {
	case KindDeviceLookup:
		query, ok := stringArg(args, "query")
		if !ok {
			return argError(kind, "query")
		}
		res = s.ifixit.FindDevice(ctx, query)
	case KindGuideList:
		title, ok := stringArg(args, "device_title")
		if !ok {
			return argError(kind, "device_title")
		}
		res = s.ifixit.ListGuides(ctx, title)
	case KindGuideDetail:
		id, ok := intArg(args, "guide_id")
		if !ok {
			return argError(kind, "guide_id")
		}
		res = s.ifixit.GetGuide(ctx, id)
	case KindWebSearch:
		query, ok := stringArg(args, "query")
		if !ok {
			return argError(kind, "query")
		}
		res = s.search.Search(ctx, query)
	default:
		res = Result{Kind: kind, Outcome: OutcomeError, Text: "unknown tool"}
	}

	s.logger.Debug("tool.invoked", "tool", kind.Name(), "outcome", res.Outcome.String(), "len", len(res.Text))
	return res
}

// Definitions exposes the closed tool set to the model as function
// declarations.
func Definitions() []model.ToolDefinition {
	return []model.ToolDefinition{
		{
			Name:        KindDeviceLookup.Name(),
			Description: "Identify a device from the user's description using the iFixit device database. Use this first when the user mentions a new device.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "Free-text device description, e.g. 'ps5' or 'iPhone 13'"},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        KindGuideList.Name(),
			Description: "List available repair guides for a device identified with find_device.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"device_title": map[string]any{"type": "string", "description": "Exact device title returned by find_device"},
				},
				"required": []string{"device_title"},
			},
		},
		{
			Name:        KindGuideDetail.Name(),
			Description: "Fetch step-by-step repair instructions for a specific guide id from list_guides.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"guide_id": map[string]any{"type": "integer", "description": "Numeric guide id"},
				},
				"required": []string{"guide_id"},
			},
		},
		{
			Name:        KindWebSearch.Name(),
			Description: "General-purpose web search. Use only when the iFixit tools found nothing useful.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "Search query"},
				},
				"required": []string{"query"},
			},
		},
	}
}

func argError(kind Kind, name string) Result {
	err := NewToolError(kind.Name(), fmt.Sprintf("missing or invalid argument %q", name), "VALIDATION_ERROR")
	return Result{Kind: kind, Outcome: OutcomeError, Text: err.Error()}
}

func stringArg(args map[string]any, name string) (string, bool) {
	v, ok := args[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func intArg(args map[string]any, name string) (int, bool) {
	switch v := args[name].(type) {
	case float64: // JSON numbers decode as float64
		return int(v), true
	case int:
		return v, true
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n, true
		}
	}
	return 0, false
}
