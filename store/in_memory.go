package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/fixflow/core"
)

// InMemoryStore is a volatile ConversationStore + UsageStore implementation
// backed by process-local maps. It is safe for concurrent access and best
// suited for tests or ephemeral demo servers. Returned entities are copies
// to prevent external mutation of internal state.
type InMemoryStore struct {
	mu       sync.RWMutex
	threads  map[string]*core.Thread
	messages map[string][]*core.Message // threadID -> append-ordered log
	usage    map[string]int64           // ownerID -> total tokens
}

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		threads:  make(map[string]*core.Thread),
		messages: make(map[string][]*core.Message),
		usage:    make(map[string]int64),
	}
}

// CreateThread records a new thread owned by ownerID.
func (s *InMemoryStore) CreateThread(_ context.Context, threadID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	s.threads[threadID] = &core.Thread{ID: threadID, OwnerID: ownerID, CreatedAt: now, UpdatedAt: now}
	return nil
}

// GetThread returns a copy of the thread or ErrNotFound.
func (s *InMemoryStore) GetThread(_ context.Context, threadID string) (*core.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	th, ok := s.threads[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *th
	return &cp, nil
}

// AppendMessage appends one message to its thread's log.
func (s *InMemoryStore) AppendMessage(_ context.Context, msg *core.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *msg
	s.messages[msg.ThreadID] = append(s.messages[msg.ThreadID], &cp)
	if th, ok := s.threads[msg.ThreadID]; ok {
		th.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// ListMessages returns the thread's messages in append order.
func (s *InMemoryStore) ListMessages(_ context.Context, threadID string) ([]*core.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.messages[threadID]
	out := make([]*core.Message, len(log))
	for i, m := range log {
		cp := *m
		out[i] = &cp
	}
	return out, nil
}

// ListThreads returns the owner's threads ordered by most recent activity.
func (s *InMemoryStore) ListThreads(_ context.Context, ownerID string) ([]*core.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Thread
	for _, th := range s.threads {
		if th.OwnerID == ownerID {
			cp := *th
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// DeleteThread removes the thread and all of its messages.
func (s *InMemoryStore) DeleteThread(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	delete(s.messages, threadID)
	return nil
}

// DeleteOwner removes every thread and message belonging to the owner.
func (s *InMemoryStore) DeleteOwner(_ context.Context, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, th := range s.threads {
		if th.OwnerID == ownerID {
			delete(s.threads, id)
			delete(s.messages, id)
		}
	}
	return nil
}

// AddTokens atomically adds tokens to the owner's counter.
func (s *InMemoryStore) AddTokens(_ context.Context, ownerID string, tokens int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[ownerID] += tokens
	return nil
}

// TotalTokens returns the owner's accumulated token count.
func (s *InMemoryStore) TotalTokens(_ context.Context, ownerID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usage[ownerID], nil
}
