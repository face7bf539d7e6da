package usage

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/fixflow/store"
)

func TestRecordAndTotal(t *testing.T) {
	s := store.NewInMemoryStore()
	m := NewMeter(s)

	m.Record("owner1", 42)
	m.Record("owner1", 8)
	m.Flush()

	total, err := m.Total(context.Background(), "owner1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), total)
}

func TestRecordIgnoresNonPositive(t *testing.T) {
	s := store.NewInMemoryStore()
	m := NewMeter(s)

	m.Record("owner1", 0)
	m.Record("owner1", -5)
	m.Flush()

	total, err := m.Total(context.Background(), "owner1")
	require.NoError(t, err)
	assert.Zero(t, total)
}

// failingUsageStore always rejects writes.
type failingUsageStore struct {
	calls atomic.Int32
}

func (s *failingUsageStore) AddTokens(context.Context, string, int64) error {
	s.calls.Add(1)
	return errors.New("db down")
}

func (s *failingUsageStore) TotalTokens(context.Context, string) (int64, error) {
	return 0, nil
}

func TestRecordFailureIsSwallowed(t *testing.T) {
	s := &failingUsageStore{}
	m := NewMeter(s)

	// Metering is best effort: the failure is logged, never surfaced.
	m.Record("owner1", 10)
	m.Flush()
	assert.Equal(t, int32(1), s.calls.Load())
}
