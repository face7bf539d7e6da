// Package sqlite implements the store interfaces on SQLite via
// modernc.org/sqlite. The schema is created automatically and WAL mode is
// enabled for concurrent readers.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/fixflow/core"
	"github.com/hupe1980/fixflow/logging"
	"github.com/hupe1980/fixflow/store"
)

// Store implements store.ConversationStore and store.UsageStore on a
// single SQLite database file.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

// Options configures the SQLite store.
type Options struct {
	Logger logging.Logger
}

// New opens (or creates) the database at path, bootstrapping the schema.
// Parent directories are created if needed.
func New(path string, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL keeps readers unblocked while a request's turn is being appended.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db, logger: logging.OrNoOp(opts.Logger)}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s.logger.Info("sqlite store initialized", "path", path)
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_threads_owner
			ON threads(owner_id, updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (thread_id) REFERENCES threads(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_messages_thread_created
			ON messages(thread_id, created_at);

		CREATE TABLE IF NOT EXISTS owner_usage (
			owner_id TEXT PRIMARY KEY,
			total_tokens INTEGER NOT NULL DEFAULT 0
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// CreateThread records a new thread owned by ownerID.
func (s *Store) CreateThread(ctx context.Context, threadID, ownerID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, owner_id, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		threadID, ownerID, now, now,
	)
	if err != nil {
		return fmt.Errorf("inserting thread: %w", err)
	}
	return nil
}

// GetThread returns the thread or store.ErrNotFound.
func (s *Store) GetThread(ctx context.Context, threadID string) (*core.Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, created_at, updated_at FROM threads WHERE id = ?`, threadID)

	var th core.Thread
	var created, updated string
	if err := row.Scan(&th.ID, &th.OwnerID, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying thread: %w", err)
	}
	var err error
	if th.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if th.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &th, nil
}

// AppendMessage appends one message and bumps the thread's activity time.
func (s *Store) AppendMessage(ctx context.Context, msg *core.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, thread_id, owner_id, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ThreadID, msg.OwnerID, string(msg.Role), msg.Content,
		msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE threads SET updated_at = ? WHERE id = ?`, now, msg.ThreadID); err != nil {
		return fmt.Errorf("touching thread: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing append: %w", err)
	}

	s.logger.Debug("message appended", "thread_id", msg.ThreadID, "role", msg.Role)
	return nil
}

// ListMessages returns the thread's messages in append order.
func (s *Store) ListMessages(ctx context.Context, threadID string) ([]*core.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, owner_id, role, content, created_at
		 FROM messages WHERE thread_id = ?
		 ORDER BY created_at ASC, rowid ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*core.Message
	for rows.Next() {
		var m core.Message
		var role, created string
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.OwnerID, &role, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Role = core.Role(role)
		if m.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return out, nil
}

// ListThreads returns the owner's threads ordered by most recent activity.
func (s *Store) ListThreads(ctx context.Context, ownerID string) ([]*core.Thread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, created_at, updated_at FROM threads
		 WHERE owner_id = ? ORDER BY updated_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("querying threads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*core.Thread
	for rows.Next() {
		var th core.Thread
		var created, updated string
		if err := rows.Scan(&th.ID, &th.OwnerID, &created, &updated); err != nil {
			return nil, fmt.Errorf("scanning thread: %w", err)
		}
		if th.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if th.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, &th)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating threads: %w", err)
	}
	return out, nil
}

// DeleteThread removes the thread and all of its messages.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, threadID); err != nil {
		return fmt.Errorf("deleting thread: %w", err)
	}
	return tx.Commit()
}

// DeleteOwner removes every thread and message belonging to the owner.
func (s *Store) DeleteOwner(ctx context.Context, ownerID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE owner_id = ?`, ownerID); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE owner_id = ?`, ownerID); err != nil {
		return fmt.Errorf("deleting threads: %w", err)
	}
	return tx.Commit()
}

// AddTokens atomically increments the owner's token counter. The upsert
// performs the addition inside the database so concurrent requests from
// the same owner never lose updates.
func (s *Store) AddTokens(ctx context.Context, ownerID string, tokens int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO owner_usage (owner_id, total_tokens) VALUES (?, ?)
		 ON CONFLICT(owner_id) DO UPDATE SET total_tokens = total_tokens + excluded.total_tokens`,
		ownerID, tokens,
	)
	if err != nil {
		return fmt.Errorf("incrementing usage: %w", err)
	}
	return nil
}

// TotalTokens returns the owner's accumulated token count (zero when the
// owner has no usage row yet).
func (s *Store) TotalTokens(ctx context.Context, ownerID string) (int64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT total_tokens FROM owner_usage WHERE owner_id = ?`, ownerID)
	var total int64
	if err := row.Scan(&total); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("querying usage: %w", err)
	}
	return total, nil
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", v, err)
	}
	return t, nil
}
