package compact

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/fixflow/core"
	"github.com/hupe1980/fixflow/model"
)

func makeHistory(n int) []*core.Message {
	msgs := make([]*core.Message, n)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := range msgs {
		role := core.RoleUser
		if i%2 == 1 {
			role = core.RoleAssistant
		}
		msgs[i] = &core.Message{
			ID:        core.NewID(),
			ThreadID:  "t1",
			OwnerID:   "owner1",
			Role:      role,
			Content:   fmt.Sprintf("message %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
	}
	return msgs
}

func TestCompactBelowThresholdPassesThrough(t *testing.T) {
	c := New()
	msgs := makeHistory(19)
	out := c.Compact(context.Background(), msgs)
	assert.Equal(t, msgs, out)
}

func TestCompactAtThresholdPassesThrough(t *testing.T) {
	c := New()
	msgs := makeHistory(20)
	out := c.Compact(context.Background(), msgs)

	// Exactly at the threshold nothing is elided yet.
	assert.Equal(t, msgs, out)
}

func TestCompactJustAboveThreshold(t *testing.T) {
	c := New()
	msgs := makeHistory(21)
	out := c.Compact(context.Background(), msgs)

	require.Len(t, out, 11)
	assert.Equal(t, core.RoleSummary, out[0].Role)
	assert.NotEmpty(t, out[0].Content)

	// The tail is the last ten messages, untouched.
	for i, msg := range msgs[11:] {
		assert.Equal(t, msg, out[i+1])
	}
}

func TestCompactLongHistoryStaysBounded(t *testing.T) {
	c := New()
	out := c.Compact(context.Background(), makeHistory(100))
	require.Len(t, out, 11)
	assert.Equal(t, core.RoleSummary, out[0].Role)
	assert.Equal(t, "message 99", out[10].Content)
}

type failingSummarizer struct{}

func (failingSummarizer) Summarize(context.Context, []*core.Message) (string, error) {
	return "", errors.New("summarizer down")
}

func TestCompactFallsBackOnSummarizerError(t *testing.T) {
	c := New(func(o *Options) { o.Summarizer = failingSummarizer{} })
	out := c.Compact(context.Background(), makeHistory(25))

	require.Len(t, out, 11)
	assert.Equal(t, core.RoleSummary, out[0].Role)
	// The deterministic fallback mentions the elided count.
	assert.Contains(t, out[0].Content, "15 messages")
}

func TestTruncationSummarizerClipsLongTurns(t *testing.T) {
	msgs := makeHistory(2)
	msgs[0].Content = string(make([]byte, 500))
	text, err := TruncationSummarizer{}.Summarize(context.Background(), msgs)
	require.NoError(t, err)
	assert.Contains(t, text, "...")
	assert.Contains(t, text, "message 1")
}

func TestModelSummarizer(t *testing.T) {
	m := model.NewMockModel("summarizer")
	m.EnqueueTurn(model.Response{Text: "User is fixing a PlayStation 5.", FinishReason: "stop"})

	s := NewModelSummarizer(m)
	text, err := s.Summarize(context.Background(), makeHistory(4))
	require.NoError(t, err)
	assert.Equal(t, "User is fixing a PlayStation 5.", text)

	reqs := m.Requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].Messages[0].Content, "message 3")
}

func TestModelSummarizerErrorPropagates(t *testing.T) {
	m := model.NewMockModel("summarizer")
	m.FailWith(errors.New("api down"))

	_, err := NewModelSummarizer(m).Summarize(context.Background(), makeHistory(4))
	assert.Error(t, err)
}
