package core

import "fmt"

// Error codes carried on terminal error events so remote clients can
// branch on failure class without parsing prose.
const (
	ErrCodeAuthorization = "authorization"
	ErrCodeGeneration    = "generation"
	ErrCodePersistence   = "persistence"
	ErrCodeInternal      = "internal"
)

// AuthorizationError is returned when a thread exists but belongs to a
// different owner. It is surfaced before any mutation occurs.
type AuthorizationError struct {
	ThreadID string
	OwnerID  string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("thread %s is not owned by %s", e.ThreadID, e.OwnerID)
}

// GenerationError wraps a failed or timed-out model call. It is fatal to
// the current turn but not to the thread: no assistant message is
// persisted and the next request retries from the full history.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string { return fmt.Sprintf("generation failed: %v", e.Err) }

// Unwrap exposes the underlying model error.
func (e *GenerationError) Unwrap() error { return e.Err }

// PersistenceError wraps a failed conversation store operation. Op names
// the store operation ("append_user", "append_assistant", "list", ...);
// the session manager decides per-op whether the failure is fatal to the
// request or only degrades durability.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persistence %s: %v", e.Op, e.Err) }

// Unwrap exposes the underlying store error.
func (e *PersistenceError) Unwrap() error { return e.Err }
