// Package store defines the persistence boundary of the gateway: an
// append/query interface over the durable conversation log and an additive
// per-owner usage counter. Implementations must provide read-after-write
// consistency within the same store handle: a ListMessages immediately
// following an AppendMessage by the same caller sees that append.
package store

import (
	"context"
	"errors"

	"github.com/hupe1980/fixflow/core"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ConversationStore persists threads and their ordered message logs.
//
// The session manager serializes all writes for a given thread, so
// implementations do not need per-thread ordering guarantees beyond
// honoring the order of AppendMessage calls they receive.
type ConversationStore interface {
	// CreateThread records a new thread owned by ownerID.
	CreateThread(ctx context.Context, threadID, ownerID string) error

	// GetThread returns the thread or ErrNotFound.
	GetThread(ctx context.Context, threadID string) (*core.Thread, error)

	// AppendMessage appends one message to its thread's log.
	AppendMessage(ctx context.Context, msg *core.Message) error

	// ListMessages returns the thread's messages in append order.
	ListMessages(ctx context.Context, threadID string) ([]*core.Message, error)

	// ListThreads returns the owner's threads ordered by most recent activity.
	ListThreads(ctx context.Context, ownerID string) ([]*core.Thread, error)

	// DeleteThread removes the thread and all of its messages. After
	// deletion the thread id ceases to exist; a later request reusing it
	// starts a fresh thread.
	DeleteThread(ctx context.Context, threadID string) error

	// DeleteOwner removes every thread and message belonging to the owner.
	DeleteOwner(ctx context.Context, ownerID string) error
}

// UsageStore accumulates consumed generation tokens per owner. AddTokens
// must be an atomic increment at the store level, never a caller-side
// read-modify-write, because concurrent requests from the same owner
// update the counter in parallel.
type UsageStore interface {
	AddTokens(ctx context.Context, ownerID string, tokens int64) error
	TotalTokens(ctx context.Context, ownerID string) (int64, error)
}
