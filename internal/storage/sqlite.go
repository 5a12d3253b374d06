package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/spendo/spendo/internal/chat"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is RFC3339 with fixed-width nanoseconds, always UTC. The
// fixed width keeps lexicographic ordering of the TEXT column identical
// to chronological ordering, which the keyset pagination relies on.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// Store wraps a SQLite database with the thread, item, identity, and job
// tables for the chat backend.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used
// by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "spendo.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Threads ---

func (s *Store) CreateThread() chat.Thread { return chat.NewThread() }

// SaveThread upserts the thread by id with full overwrite semantics.
func (s *Store) SaveThread(ctx context.Context, t chat.Thread) error {
	meta := t.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshaling thread metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO threads (id, title, metadata, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title, metadata = excluded.metadata, created_at = excluded.created_at`,
		t.ID, t.Title, string(metaJSON), formatTime(t.CreatedAt),
	)
	return err
}

func (s *Store) LoadThread(ctx context.Context, id string) (chat.Thread, error) {
	var t chat.Thread
	var metaJSON, createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, metadata, created_at FROM threads WHERE id = ?`, id,
	).Scan(&t.ID, &t.Title, &metaJSON, &createdAt)
	if err == sql.ErrNoRows {
		return chat.Thread{}, chat.ErrNotFound
	}
	if err != nil {
		return chat.Thread{}, err
	}
	if err := json.Unmarshal([]byte(metaJSON), &t.Metadata); err != nil {
		return chat.Thread{}, fmt.Errorf("parsing thread metadata: %w", err)
	}
	if t.Metadata == nil {
		t.Metadata = map[string]string{}
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return chat.Thread{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return t, nil
}

func (s *Store) ListThreads(ctx context.Context, opts chat.ListOptions) (chat.Page[chat.Thread], error) {
	cursor, ok, err := s.cursorPosition(ctx, `SELECT created_at FROM threads WHERE id = ?`, opts.After)
	if err != nil {
		return chat.Page[chat.Thread]{}, err
	}
	if !ok {
		return chat.Page[chat.Thread]{Items: []chat.Thread{}}, nil
	}

	query := `SELECT id, title, metadata, created_at FROM threads`
	args := []any{}
	query, args = appendKeyset(query, args, "", cursor, opts)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return chat.Page[chat.Thread]{}, err
	}
	defer rows.Close()

	var results []chat.Thread
	for rows.Next() {
		var t chat.Thread
		var metaJSON, createdAt string
		if err := rows.Scan(&t.ID, &t.Title, &metaJSON, &createdAt); err != nil {
			return chat.Page[chat.Thread]{}, err
		}
		if err := json.Unmarshal([]byte(metaJSON), &t.Metadata); err != nil {
			return chat.Page[chat.Thread]{}, fmt.Errorf("parsing thread metadata: %w", err)
		}
		if t.Metadata == nil {
			t.Metadata = map[string]string{}
		}
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return chat.Page[chat.Thread]{}, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, t)
	}
	if err := rows.Err(); err != nil {
		return chat.Page[chat.Thread]{}, err
	}
	return trimPage(results, func(t chat.Thread) string { return t.ID }, opts.Limit), nil
}

func (s *Store) DeleteThread(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return chat.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM thread_items WHERE thread_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM thread_users WHERE thread_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Thread items ---

// AddItem appends the item, failing with chat.ErrNotFound when the
// thread row does not exist.
func (s *Store) AddItem(ctx context.Context, threadID string, item chat.ThreadItem) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM threads WHERE id = ?`, threadID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return chat.ErrNotFound
	}

	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	contentJSON, err := json.Marshal(item.Content)
	if err != nil {
		return fmt.Errorf("marshaling item content: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO thread_items (id, thread_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		item.ID, threadID, string(item.Role), string(contentJSON), formatTime(item.CreatedAt),
	)
	return err
}

func (s *Store) ListItems(ctx context.Context, threadID string, opts chat.ListOptions) (chat.Page[chat.ThreadItem], error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM threads WHERE id = ?`, threadID).Scan(&exists); err != nil {
		return chat.Page[chat.ThreadItem]{}, err
	}
	if exists == 0 {
		return chat.Page[chat.ThreadItem]{}, chat.ErrNotFound
	}

	cursor, ok, err := s.cursorPosition(ctx,
		`SELECT created_at FROM thread_items WHERE id = ? AND thread_id = ?`, opts.After, threadID)
	if err != nil {
		return chat.Page[chat.ThreadItem]{}, err
	}
	if !ok {
		return chat.Page[chat.ThreadItem]{Items: []chat.ThreadItem{}}, nil
	}

	query := `SELECT id, thread_id, role, content, created_at FROM thread_items`
	args := []any{threadID}
	query, args = appendKeyset(query, args, "thread_id = ?", cursor, opts)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return chat.Page[chat.ThreadItem]{}, err
	}
	defer rows.Close()

	var results []chat.ThreadItem
	for rows.Next() {
		var item chat.ThreadItem
		var role, contentJSON, createdAt string
		if err := rows.Scan(&item.ID, &item.ThreadID, &role, &contentJSON, &createdAt); err != nil {
			return chat.Page[chat.ThreadItem]{}, err
		}
		item.Role = chat.Role(role)
		if err := json.Unmarshal([]byte(contentJSON), &item.Content); err != nil {
			return chat.Page[chat.ThreadItem]{}, fmt.Errorf("parsing item content: %w", err)
		}
		if item.CreatedAt, err = parseTime(createdAt); err != nil {
			return chat.Page[chat.ThreadItem]{}, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, item)
	}
	if err := rows.Err(); err != nil {
		return chat.Page[chat.ThreadItem]{}, err
	}
	return trimPage(results, func(i chat.ThreadItem) string { return i.ID }, opts.Limit), nil
}

func (s *Store) DeleteItem(ctx context.Context, threadID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM thread_items WHERE thread_id = ? AND id = ?`, threadID, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return chat.ErrNotFound
	}
	return nil
}

// --- Pagination helpers ---

type keysetCursor struct {
	createdAt string
	id        string
}

// cursorPosition resolves an opaque after cursor to its keyset position.
// A missing cursor row is reported via ok=false and is not an error; the
// caller returns an empty page, favoring idempotent pagination.
func (s *Store) cursorPosition(ctx context.Context, lookup string, after string, scopeArgs ...any) (keysetCursor, bool, error) {
	if after == "" {
		return keysetCursor{}, true, nil
	}
	var createdAt string
	args := append([]any{after}, scopeArgs...)
	err := s.db.QueryRowContext(ctx, lookup, args...).Scan(&createdAt)
	if err == sql.ErrNoRows {
		return keysetCursor{}, false, nil
	}
	if err != nil {
		return keysetCursor{}, false, err
	}
	return keysetCursor{createdAt: createdAt, id: after}, true, nil
}

// appendKeyset completes a listing query with the cursor predicate,
// ordering, and limit+1 probe for HasMore detection.
func appendKeyset(query string, args []any, scope string, cursor keysetCursor, opts chat.ListOptions) (string, []any) {
	var conds []string
	if scope != "" {
		conds = append(conds, scope)
	}
	if cursor.id != "" {
		if opts.Order == chat.OrderDesc {
			conds = append(conds, `(created_at < ? OR (created_at = ? AND id < ?))`)
		} else {
			conds = append(conds, `(created_at > ? OR (created_at = ? AND id > ?))`)
		}
		args = append(args, cursor.createdAt, cursor.createdAt, cursor.id)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if opts.Order == chat.OrderDesc {
		query += " ORDER BY created_at DESC, id DESC"
	} else {
		query += " ORDER BY created_at ASC, id ASC"
	}
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit+1)
	}
	return query, args
}

// trimPage converts a limit+1 probe result into a Page.
func trimPage[T any](results []T, idOf func(T) string, limit int) chat.Page[T] {
	if results == nil {
		results = []T{}
	}
	if limit <= 0 || len(results) <= limit {
		return chat.Page[T]{Items: results}
	}
	page := results[:limit]
	return chat.Page[T]{
		Items:     page,
		HasMore:   true,
		NextAfter: idOf(page[len(page)-1]),
	}
}

// --- Identity mapping ---

// ThreadUser returns the durable user id for a thread, or chat.ErrNotFound.
func (s *Store) ThreadUser(ctx context.Context, threadID string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM thread_users WHERE thread_id = ?`, threadID).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", chat.ErrNotFound
	}
	return userID, err
}

// SaveThreadUser records the thread's user id. The mapping is written at
// most once per thread; later writes are ignored.
func (s *Store) SaveThreadUser(ctx context.Context, threadID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_users (thread_id, user_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(thread_id) DO NOTHING`,
		threadID, userID, formatTime(time.Now()),
	)
	return err
}

// --- Active sessions ---

// sessionTTL bounds how long a session marker counts as active without a
// touch. Expired markers are pruned lazily on read, mirroring the
// in-memory registry; logout still removes them eagerly.
const sessionTTL = 30 * time.Minute

func (s *Store) TouchSession(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO active_sessions (user_id, last_seen) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET last_seen = excluded.last_seen`,
		userID, formatTime(time.Now()),
	)
	return err
}

func (s *Store) RemoveSession(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM active_sessions WHERE user_id = ?`, userID)
	return err
}

func (s *Store) ActiveSessionUsers(ctx context.Context) ([]string, error) {
	cutoff := formatTime(time.Now().Add(-sessionTTL))
	if _, err := s.db.ExecContext(ctx, `DELETE FROM active_sessions WHERE last_seen <= ?`, cutoff); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM active_sessions WHERE last_seen > ? ORDER BY user_id ASC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
