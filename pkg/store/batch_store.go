package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rateloom/core/pkg/contracts"
)

// BatchStore persists batch_master. The batch_id column is deliberately not
// unique: re-running an already committed file appends an already_committed
// row, so the table is a complete run history.
type BatchStore struct {
	db *DB
}

func NewBatchStore(db *DB) *BatchStore {
	return &BatchStore{db: db}
}

// Insert appends a run row and returns its surrogate id.
func (s *BatchStore) Insert(ctx context.Context, rec contracts.BatchRecord) (int64, error) {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	res, err := s.db.Writer.ExecContext(ctx,
		`INSERT INTO batch_master
			(batch_id, started_at, finished_at, file_path, file_sha256, source, method, status, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.BatchID, formatTime(rec.StartedAt), nullTime(rec.FinishedAt),
		rec.FilePath, rec.FileSHA256, rec.Source, rec.Method, string(rec.Status), rec.Error)
	if err != nil {
		return 0, fmt.Errorf("insert batch %s: %w", rec.BatchID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("batch row id: %w", err)
	}
	return id, nil
}

// Finish stamps a run row with its terminal status. The update may run on a
// transaction so a commit and its status change land together.
func (s *BatchStore) Finish(ctx context.Context, tx *sql.Tx, rowID int64, status contracts.BatchStatus, errMsg string) error {
	var e interface {
		ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	} = s.db.Writer
	if tx != nil {
		e = tx
	}
	res, err := e.ExecContext(ctx,
		`UPDATE batch_master SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(status), errMsg, formatTime(time.Now()), rowID)
	if err != nil {
		return fmt.Errorf("finish batch row %d: %w", rowID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("batch row %d: %w", rowID, ErrNotFound)
	}
	return nil
}

// HasCommitted reports whether any run of this batch id reached committed.
func (s *BatchStore) HasCommitted(ctx context.Context, batchID string) (bool, error) {
	var n int
	err := s.db.Reader.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM batch_master WHERE batch_id = ? AND status = 'committed'`,
		batchID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check committed %s: %w", batchID, err)
	}
	return n > 0, nil
}

// History returns every run row for a batch id, oldest first.
func (s *BatchStore) History(ctx context.Context, batchID string) ([]contracts.BatchRecord, error) {
	rows, err := s.db.Reader.QueryContext(ctx,
		`SELECT id, batch_id, started_at, finished_at, file_path, file_sha256,
		        source, method, status, error
		 FROM batch_master WHERE batch_id = ? ORDER BY id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query batch history: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanBatchRows(rows)
}

// Recent returns the latest n run rows across all batches, newest first.
func (s *BatchStore) Recent(ctx context.Context, n int) ([]contracts.BatchRecord, error) {
	rows, err := s.db.Reader.QueryContext(ctx,
		`SELECT id, batch_id, started_at, finished_at, file_path, file_sha256,
		        source, method, status, error
		 FROM batch_master ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query recent batches: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanBatchRows(rows)
}

func scanBatchRows(rows *sql.Rows) ([]contracts.BatchRecord, error) {
	var out []contracts.BatchRecord
	for rows.Next() {
		var (
			rec      contracts.BatchRecord
			started  string
			finished sql.NullString
			status   string
		)
		if err := rows.Scan(&rec.ID, &rec.BatchID, &started, &finished, &rec.FilePath,
			&rec.FileSHA256, &rec.Source, &rec.Method, &status, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan batch row: %w", err)
		}
		rec.Status = contracts.BatchStatus(status)
		t, err := parseTime(started)
		if err != nil {
			return nil, err
		}
		rec.StartedAt = t
		if finished.Valid {
			ft, err := parseTime(finished.String)
			if err != nil {
				return nil, err
			}
			rec.FinishedAt = &ft
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return out, nil
}
