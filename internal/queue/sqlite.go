package queue

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jimmckelvey9861/workforce-mobile/internal/wire"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added failed-record index for RemoveFailed
// 2 - Added revision column for RemoveRevision
const currentSchemaVersion = 2

const selectColumns = `id, seq, kind, payload, priority, attempts, max_attempts,
	last_attempt, created_at, updated_at, monotonic_timestamp, signature, revision`

// SQLStore is the SQLite-backed durable Queue.
// A single connection serializes writers; read-modify-write operations run
// inside transactions so same-id operations never lose updates.
type SQLStore struct {
	db   *sql.DB
	seq  *Clock
	opts options
}

// Open creates or opens a SQLite queue database at path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - FULL synchronous mode (a success return means the row is on disk)
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s, err := NewSQLStore(context.Background(), db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an already-migrated database handle.
// The logical clock resumes from the largest stored seq.
func NewSQLStore(ctx context.Context, db *sql.DB, opts ...Option) (*SQLStore, error) {
	var maxSeq int64
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM queued_actions`).Scan(&maxSeq); err != nil {
		return nil, persistenceFailure("resume seq", "", err)
	}
	return &SQLStore{
		db:   db,
		seq:  NewClockAt(maxSeq),
		opts: buildOptions(opts),
	}, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Enqueue(ctx context.Context, item Item) (Record, error) {
	r, err := newRow(item, s.opts.ids.Generate(), s.seq.Next(), s.opts.now())
	if err != nil {
		return Record{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO queued_actions
		(id, seq, kind, payload, priority, attempts, max_attempts, last_attempt,
		 created_at, updated_at, monotonic_timestamp, signature, revision)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.args()...)
	if err != nil {
		return Record{}, persistenceFailure("enqueue", r.ID, err)
	}
	return r.record()
}

func (s *SQLStore) Update(ctx context.Context, id string, patch Patch) (Record, error) {
	return s.mutate(ctx, "update", id, func(r *row, now time.Time) error {
		return applyPatch(r, patch, now)
	})
}

func (s *SQLStore) IncrementAttempts(ctx context.Context, id string) (Record, error) {
	return s.mutate(ctx, "increment attempts", id, func(r *row, now time.Time) error {
		markAttempt(r, now)
		return nil
	})
}

// mutate runs a read-modify-write on one row inside a transaction.
func (s *SQLStore) mutate(ctx context.Context, op, id string, fn func(*row, time.Time) error) (Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, persistenceFailure(op, id, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback() // No-op if committed

	r, err := scanRow(tx.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM queued_actions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, notFound(op, id)
	}
	if err != nil {
		return Record{}, persistenceFailure(op, id, err)
	}

	if err := fn(&r, s.opts.now()); err != nil {
		return Record{}, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE queued_actions
		SET payload = ?, priority = ?, attempts = ?, max_attempts = ?, last_attempt = ?,
		    updated_at = ?, monotonic_timestamp = ?, signature = ?, revision = ?
		WHERE id = ?
	`,
		string(r.Payload), r.Priority, r.Attempts, r.MaxAttempts, nullISO(r.LastAttempt),
		r.UpdatedAt, nullInt64(r.MonotonicTimestamp), nullString(r.Signature), r.Revision,
		r.ID,
	)
	if err != nil {
		return Record{}, persistenceFailure(op, id, err)
	}

	if err := tx.Commit(); err != nil {
		return Record{}, persistenceFailure(op, id, fmt.Errorf("commit: %w", err))
	}
	return r.record()
}

func (s *SQLStore) Remove(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM queued_actions WHERE id = ?`, id)
	if err != nil {
		return persistenceFailure("remove", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return persistenceFailure("remove", id, err)
	}
	if n == 0 {
		return notFound("remove", id)
	}
	return nil
}

func (s *SQLStore) RemoveRevision(ctx context.Context, id string, revision int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM queued_actions WHERE id = ? AND revision = ?`, id, revision)
	if err != nil {
		return false, persistenceFailure("remove revision", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, persistenceFailure("remove revision", id, err)
	}
	if n > 0 {
		return true, nil
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queued_actions WHERE id = ?`, id).Scan(&exists); err != nil {
		return false, persistenceFailure("remove revision", id, err)
	}
	if exists == 0 {
		return false, notFound("remove revision", id)
	}
	return false, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (Record, error) {
	r, err := scanRow(s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM queued_actions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, notFound("get", id)
	}
	if err != nil {
		return Record{}, persistenceFailure("get", id, err)
	}
	return r.record()
}

// List returns records in queue order.
// The ORDER BY clause must stay equivalent to lessRow.
func (s *SQLStore) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM queued_actions
		ORDER BY priority DESC, created_at ASC, seq ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, persistenceFailure("list", "", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, persistenceFailure("list", "", err)
		}
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceFailure("list", "", err)
	}
	return records, nil
}

func (s *SQLStore) RemoveFailed(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM queued_actions WHERE attempts >= max_attempts`)
	if err != nil {
		return 0, persistenceFailure("remove failed", "", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, persistenceFailure("remove failed", "", err)
	}
	return int(n), nil
}

func (s *SQLStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, priority,
		       CASE WHEN attempts >= max_attempts THEN 1 ELSE 0 END AS failed,
		       COUNT(*)
		FROM queued_actions
		GROUP BY kind, priority, failed
	`)
	if err != nil {
		return Stats{}, persistenceFailure("stats", "", err)
	}
	defer rows.Close()

	stats := newStats()
	for rows.Next() {
		var (
			kind     string
			priority int
			failed   int
			count    int
		)
		if err := rows.Scan(&kind, &priority, &failed, &count); err != nil {
			return Stats{}, persistenceFailure("stats", "", err)
		}
		stats.Total += count
		stats.ByKind[wire.ActionKind(kind)] += count
		stats.ByPriority[priority] += count
		if failed == 1 {
			stats.Failed += count
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, persistenceFailure("stats", "", err)
	}
	return stats, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRow(sc scanner) (row, error) {
	var (
		r           row
		kind        string
		payload     string
		lastAttempt sql.NullString
		mono        sql.NullInt64
		signature   sql.NullString
	)
	if err := sc.Scan(
		&r.ID, &r.Seq, &kind, &payload, &r.Priority, &r.Attempts, &r.MaxAttempts,
		&lastAttempt, &r.CreatedAt, &r.UpdatedAt, &mono, &signature, &r.Revision,
	); err != nil {
		return row{}, err
	}
	r.Kind = wire.ActionKind(kind)
	r.Payload = []byte(payload)
	if lastAttempt.Valid {
		t, err := time.Parse(wire.ISOLayout, lastAttempt.String)
		if err != nil {
			return row{}, fmt.Errorf("parse last_attempt %q: %w", lastAttempt.String, err)
		}
		ms := t.UnixMilli()
		r.LastAttempt = &ms
	}
	if mono.Valid {
		v := mono.Int64
		r.MonotonicTimestamp = &v
	}
	r.Signature = signature.String
	return r, nil
}

// args returns INSERT arguments in column order.
func (r row) args() []any {
	return []any{
		r.ID, r.Seq, string(r.Kind), string(r.Payload), r.Priority, r.Attempts, r.MaxAttempts,
		nullISO(r.LastAttempt), r.CreatedAt, r.UpdatedAt, nullInt64(r.MonotonicTimestamp), nullString(r.Signature),
		r.Revision,
	}
}

// nullISO stores last_attempt as ISO-8601 text per the record contract.
func nullISO(ms *int64) any {
	if ms == nil {
		return nil
	}
	return wire.FormatISO(time.UnixMilli(*ms))
}

func nullInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if version < 2 {
		if err := migrateToV2(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 adds the index RemoveFailed and Stats scan by.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_queued_actions_attempts
		ON queued_actions(attempts, max_attempts)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// migrateToV2 adds the revision column to tables created before it existed.
func migrateToV2(db *sql.DB) error {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('queued_actions') WHERE name = 'revision'`).Scan(&n); err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := db.Exec(`ALTER TABLE queued_actions ADD COLUMN revision INTEGER NOT NULL DEFAULT 1`); err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *SQLStore) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
