// Package store owns the sqlite catalog: schema, connection discipline, and
// one repository type per table group. All writes go through a single-
// connection handle so concurrent stages serialize instead of tripping
// SQLITE_BUSY; reads run on a separate pool.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rateloom/core/pkg/config"
)

// ErrUnavailable marks failures to open or migrate the database file.
var ErrUnavailable = errors.New("store unavailable")

// ErrNotFound is returned by single-row lookups with no match.
var ErrNotFound = errors.New("not found")

// Options tune Open. Zero values fall back to the defaults used by
// config.DefaultSettings.
type Options struct {
	BusyTimeout time.Duration
	ReaderConns int
}

// DB wraps the two sqlite handles. Writer holds exactly one connection;
// Reader is a small read-only pool for audit queries and the compliance
// engine.
type DB struct {
	Writer *sql.DB
	Reader *sql.DB
	Path   string
}

// Open opens (creating if needed) the database at path, applies pragmas,
// runs migrations, and seeds default config rows. Failures wrap
// ErrUnavailable so callers can map them to the store_unavailable status.
func Open(ctx context.Context, path string, opts Options) (*DB, error) {
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.ReaderConns <= 0 {
		opts.ReaderConns = 4
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create data dir: %v", ErrUnavailable, err)
		}
	}

	writer, err := openHandle(ctx, path, opts, false)
	if err != nil {
		return nil, err
	}
	writer.SetMaxOpenConns(1)

	reader, err := openHandle(ctx, path, opts, true)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	reader.SetMaxOpenConns(opts.ReaderConns)

	db := &DB{Writer: writer, Reader: reader, Path: path}
	if err := db.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func openHandle(ctx context.Context, path string, opts Options, readOnly bool) (*sql.DB, error) {
	h, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnavailable, path, err)
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", opts.BusyTimeout.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	if readOnly {
		pragmas = append(pragmas, "PRAGMA query_only = ON")
	}
	for _, p := range pragmas {
		if _, err := h.ExecContext(ctx, p); err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, p, err)
		}
	}
	return h, nil
}

func (db *DB) migrate(ctx context.Context) error {
	if _, err := db.Writer.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("%w: migrate schema: %v", ErrUnavailable, err)
	}
	return nil
}

// EnsureDefaults inserts any missing seed config rows. Existing values are
// never overwritten, so operator edits survive restarts.
func (db *DB) EnsureDefaults(ctx context.Context) error {
	now := formatTime(time.Now())
	for _, d := range config.Defaults() {
		_, err := db.Writer.ExecContext(ctx,
			`INSERT INTO config (config_key, config_value, config_type, updated_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(config_key) DO NOTHING`,
			d.Key, d.Value, string(d.Type), now)
		if err != nil {
			return fmt.Errorf("seed config %s: %w", d.Key, err)
		}
	}
	return nil
}

func (db *DB) Close() error {
	var first error
	if db.Reader != nil {
		if err := db.Reader.Close(); err != nil {
			first = err
		}
	}
	if db.Writer != nil {
		if err := db.Writer.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// WithTx runs fn inside a write transaction, rolling back on error or panic.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx, letting repositories run
// inside or outside a caller-owned transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Times are stored as UTC RFC3339Nano strings for lexical ordering.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	f := nf.Float64
	return &f
}

func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	i := int(ni.Int64)
	return &i
}
