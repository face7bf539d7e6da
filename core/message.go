package core

import (
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
)

// Role identifies the author of a message within a thread.
type Role string

const (
	// RoleUser marks a message written by the thread owner.
	RoleUser Role = "user"
	// RoleAssistant marks a generated answer.
	RoleAssistant Role = "assistant"
	// RoleSummary tags the synthetic head entry produced by compaction.
	// Summary messages are never persisted; they only appear in the
	// in-memory snapshot handed to the model so that a condensed prior
	// context is distinguishable from a literal prior utterance.
	RoleSummary Role = "summary"
)

// Message is one persisted turn of a conversation. Messages within a
// thread form a strictly ordered append-only sequence; there are no
// in-place edits. CreatedAt is non-decreasing within a thread.
type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	OwnerID   string    `json:"owner_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage constructs a message with a fresh id and UTC timestamp.
func NewMessage(threadID, ownerID string, role Role, content string) *Message {
	return &Message{
		ID:        NewID(),
		ThreadID:  threadID,
		OwnerID:   ownerID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// Thread identifies one isolated conversation. A thread belongs to
// exactly one owner and is created implicitly on the first message that
// arrives without a thread id. Ids are unguessable, so a request for an
// unknown id is treated as "new thread" rather than an error.
type Thread struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewID generates a unique identifier for messages and requests.
func NewID() string { return uuid.NewString() }

// NewThreadID generates a compact, URL-safe, globally unique thread id.
func NewThreadID() string { return shortuuid.New() }
