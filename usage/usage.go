// Package usage meters consumed generation tokens per owner. Metering is
// best effort and decoupled from the request path: a recording failure is
// logged and never delays or fails the answer that triggered it.
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/fixflow/logging"
	"github.com/hupe1980/fixflow/store"
)

// DefaultRecordTimeout bounds one detached recording attempt.
const DefaultRecordTimeout = 5 * time.Second

// Options configures a Meter.
type Options struct {
	RecordTimeout time.Duration
	Logger        logging.Logger
}

// Meter accumulates token counts into a UsageStore.
type Meter struct {
	store   store.UsageStore
	timeout time.Duration
	logger  logging.Logger
	wg      sync.WaitGroup
}

// NewMeter constructs a Meter over the given usage store.
func NewMeter(s store.UsageStore, optFns ...func(o *Options)) *Meter {
	opts := Options{
		RecordTimeout: DefaultRecordTimeout,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Meter{store: s, timeout: opts.RecordTimeout, logger: logging.OrNoOp(opts.Logger)}
}

// Record adds tokens to the owner's total in the background. It returns
// immediately; the write runs under its own timeout, detached from the
// request context so a finished or canceled request cannot abort it.
func (m *Meter) Record(ownerID string, tokens int64) {
	if tokens <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		if err := m.store.AddTokens(ctx, ownerID, tokens); err != nil {
			m.logger.Warn("usage.record_failed", "owner", ownerID, "tokens", tokens, "error", err)
		}
	}()
}

// Total returns the owner's accumulated token count.
func (m *Meter) Total(ctx context.Context, ownerID string) (int64, error) {
	return m.store.TotalTokens(ctx, ownerID)
}

// Flush blocks until all in-flight recordings have completed. Intended
// for shutdown and tests.
func (m *Meter) Flush() { m.wg.Wait() }
