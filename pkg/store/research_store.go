package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rateloom/core/pkg/contracts"
)

// ResearchStore persists the research_queue of bank names the matcher could
// not resolve.
type ResearchStore struct {
	db *DB
}

func NewResearchStore(db *DB) *ResearchStore {
	return &ResearchStore{db: db}
}

// Flag records an unresolved bank name. An existing entry always has its
// last_seen and occurrence_count bumped, whatever the queue size. A new name
// is inserted only while the open-entry count is below maxSize; past the cap
// it is dropped (the matching audit still records the miss). Returns whether
// the queue now holds the name.
func (s *ResearchStore) Flag(ctx context.Context, tx *sql.Tx, name string, seen time.Time, maxSize int) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE research_queue SET last_seen = ?, occurrence_count = occurrence_count + 1
		 WHERE bank_name = ?`, formatTime(seen), name)
	if err != nil {
		return false, fmt.Errorf("bump research entry %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	var open int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM research_queue WHERE status = 'open'`).Scan(&open); err != nil {
		return false, fmt.Errorf("count open research: %w", err)
	}
	if maxSize > 0 && open >= maxSize {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO research_queue (bank_name, first_seen, last_seen, occurrence_count, status)
		 VALUES (?, ?, ?, 1, 'open')`, name, formatTime(seen), formatTime(seen))
	if err != nil {
		return false, fmt.Errorf("insert research entry %q: %w", name, err)
	}
	return true, nil
}

// List returns entries with the given status, most recently seen first.
// An empty status returns everything.
func (s *ResearchStore) List(ctx context.Context, status contracts.ResearchStatus) ([]contracts.ResearchEntry, error) {
	q := `SELECT id, bank_name, first_seen, last_seen, occurrence_count, status
	      FROM research_queue`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY last_seen DESC, id`

	rows, err := s.db.Reader.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query research: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.ResearchEntry
	for rows.Next() {
		var (
			e           contracts.ResearchEntry
			first, last string
			st          string
		)
		if err := rows.Scan(&e.ID, &e.BankName, &first, &last, &e.OccurrenceCount, &st); err != nil {
			return nil, fmt.Errorf("scan research row: %w", err)
		}
		e.Status = contracts.ResearchStatus(st)
		if e.FirstSeen, err = parseTime(first); err != nil {
			return nil, err
		}
		if e.LastSeen, err = parseTime(last); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate research: %w", err)
	}
	return out, nil
}

// Get returns one entry by bank name.
func (s *ResearchStore) Get(ctx context.Context, name string) (contracts.ResearchEntry, error) {
	var (
		e           contracts.ResearchEntry
		first, last string
		st          string
	)
	err := s.db.Reader.QueryRowContext(ctx,
		`SELECT id, bank_name, first_seen, last_seen, occurrence_count, status
		 FROM research_queue WHERE bank_name = ?`, name).
		Scan(&e.ID, &e.BankName, &first, &last, &e.OccurrenceCount, &st)
	if errors.Is(err, sql.ErrNoRows) {
		return e, fmt.Errorf("research entry %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return e, fmt.Errorf("get research entry %q: %w", name, err)
	}
	e.Status = contracts.ResearchStatus(st)
	if e.FirstSeen, err = parseTime(first); err != nil {
		return e, err
	}
	if e.LastSeen, err = parseTime(last); err != nil {
		return e, err
	}
	return e, nil
}

// SetStatus moves an entry between open, resolved, and dismissed.
func (s *ResearchStore) SetStatus(ctx context.Context, id int64, status contracts.ResearchStatus) error {
	res, err := s.db.Writer.ExecContext(ctx,
		`UPDATE research_queue SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set research status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("research entry %d: %w", id, ErrNotFound)
	}
	return nil
}

// CountOpen returns the number of open entries, the figure the size cap
// compares against.
func (s *ResearchStore) CountOpen(ctx context.Context) (int, error) {
	var n int
	err := s.db.Reader.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM research_queue WHERE status = 'open'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open research: %w", err)
	}
	return n, nil
}
