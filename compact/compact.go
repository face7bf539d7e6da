// Package compact bounds the transcript handed to the model. When a
// thread's history crosses the threshold, everything before the kept tail
// is condensed into a single synthetic summary entry. Compaction only
// shapes the in-memory snapshot for a single request; the persisted log is
// never rewritten.
package compact

import (
	"context"
	"fmt"
	"strings"

	"github.com/hupe1980/fixflow/core"
	"github.com/hupe1980/fixflow/logging"
	"github.com/hupe1980/fixflow/model"
)

// Compaction parameters. A history longer than DefaultThreshold is
// reduced to one summary entry plus the most recent DefaultTail
// messages, so the model input is at most DefaultTail+1 entries.
const (
	DefaultThreshold = 20
	DefaultTail      = 10
)

// maxFallbackClip bounds each turn's contribution to the deterministic
// fallback summary.
const maxFallbackClip = 120

// Summarizer condenses elided history into one text block.
type Summarizer interface {
	Summarize(ctx context.Context, msgs []*core.Message) (string, error)
}

// Options configures a Compactor.
type Options struct {
	Threshold  int
	Tail       int
	Summarizer Summarizer
	Logger     logging.Logger
}

// Compactor applies threshold-based history compaction.
type Compactor struct {
	threshold  int
	tail       int
	summarizer Summarizer
	logger     logging.Logger
}

// New constructs a Compactor. Without a Summarizer option the
// deterministic truncation summarizer is used.
func New(optFns ...func(o *Options)) *Compactor {
	opts := Options{
		Threshold: DefaultThreshold,
		Tail:      DefaultTail,
		Logger:    logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Summarizer == nil {
		opts.Summarizer = TruncationSummarizer{}
	}
	return &Compactor{
		threshold:  opts.Threshold,
		tail:       opts.Tail,
		summarizer: opts.Summarizer,
		logger:     logging.OrNoOp(opts.Logger),
	}
}

// Compact returns the snapshot to hand to the model. At or below the
// threshold the history passes through untouched. Beyond it, the head is
// summarized into one RoleSummary entry followed by the unmodified tail.
// A summarizer failure degrades to the truncation summary; compaction
// itself never fails the request.
func (c *Compactor) Compact(ctx context.Context, msgs []*core.Message) []*core.Message {
	if len(msgs) <= c.threshold {
		return msgs
	}

	head := msgs[:len(msgs)-c.tail]
	tail := msgs[len(msgs)-c.tail:]

	text, err := c.summarizer.Summarize(ctx, head)
	if err != nil || strings.TrimSpace(text) == "" {
		if err != nil {
			c.logger.Warn("compact.summarizer_failed", "error", err, "elided", len(head))
		}
		text, _ = TruncationSummarizer{}.Summarize(ctx, head)
	}

	summary := &core.Message{
		ID:        core.NewID(),
		ThreadID:  msgs[0].ThreadID,
		OwnerID:   msgs[0].OwnerID,
		Role:      core.RoleSummary,
		Content:   text,
		CreatedAt: head[len(head)-1].CreatedAt,
	}

	out := make([]*core.Message, 0, len(tail)+1)
	out = append(out, summary)
	out = append(out, tail...)

	c.logger.Debug("compact.applied", "history", len(msgs), "elided", len(head), "kept", len(tail))
	return out
}

// TruncationSummarizer is the deterministic fallback: each elided turn is
// clipped to a single line. No model call, no failure mode.
type TruncationSummarizer struct{}

// Summarize implements Summarizer.
func (TruncationSummarizer) Summarize(_ context.Context, msgs []*core.Message) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Summary of the earlier conversation (%d messages):\n", len(msgs))
	for _, msg := range msgs {
		line := strings.ReplaceAll(msg.Content, "\n", " ")
		if len(line) > maxFallbackClip {
			line = line[:maxFallbackClip] + "..."
		}
		fmt.Fprintf(&b, "- %s: %s\n", msg.Role, line)
	}
	return b.String(), nil
}

// ModelSummarizer condenses history with a model call.
type ModelSummarizer struct {
	model model.Model
}

// NewModelSummarizer wraps m as a Summarizer.
func NewModelSummarizer(m model.Model) *ModelSummarizer {
	return &ModelSummarizer{model: m}
}

const summarizeInstructions = "Condense the following conversation between a user and a repair " +
	"assistant into a short factual summary. Preserve the device being repaired, " +
	"problems reported, guides already suggested and any decisions made. " +
	"Answer with the summary only."

// Summarize implements Summarizer via a non-streaming generation.
func (s *ModelSummarizer) Summarize(ctx context.Context, msgs []*core.Message) (string, error) {
	var b strings.Builder
	for _, msg := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
	}

	respCh, errCh := s.model.Generate(ctx, model.Request{
		Instructions: summarizeInstructions,
		Messages:     []model.Message{{Role: model.RoleUser, Content: b.String()}},
	})

	var text strings.Builder
	for resp := range respCh {
		text.WriteString(resp.Text)
	}
	if err := <-errCh; err != nil {
		return "", fmt.Errorf("summarizing history: %w", err)
	}
	return text.String(), nil
}
