package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rateloom/core/pkg/contracts"
)

// RawStore persists the append-only products_raw table. Rows are immutable
// after insert except for the matcher/dedup columns (regulator_id,
// confidence_score, business_key), which start empty and are filled in once.
type RawStore struct {
	db *DB
}

func NewRawStore(db *DB) *RawStore {
	return &RawStore{db: db}
}

const rawColumns = `id, source, method, platform, raw_platform, bank_name, account_type,
	aer_rate, gross_rate, term_months, notice_period_days, min_deposit, max_deposit,
	fscs_protected, special_features, scrape_date, regulator_id, confidence_score,
	business_key, batch_id`

// ReplaceSlice deletes every row whose (source, method) matches the incoming
// file and bulk-inserts the new records, all on the caller's transaction.
// It returns the number of deleted rows and the new row ids in input order.
func (s *RawStore) ReplaceSlice(ctx context.Context, tx *sql.Tx, source, method string, records []contracts.RawProduct) (int64, []int64, error) {
	res, err := tx.ExecContext(ctx,
		`DELETE FROM products_raw WHERE source = ? AND method = ?`, source, method)
	if err != nil {
		return 0, nil, fmt.Errorf("delete slice (%s,%s): %w", source, method, err)
	}
	deleted, _ := res.RowsAffected()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO products_raw (source, method, platform, raw_platform, bank_name,
			account_type, aer_rate, gross_rate, term_months, notice_period_days,
			min_deposit, max_deposit, fscs_protected, special_features, scrape_date,
			regulator_id, confidence_score, business_key, batch_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, nil, fmt.Errorf("prepare raw insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	ids := make([]int64, 0, len(records))
	for i, r := range records {
		res, err := stmt.ExecContext(ctx,
			r.Source, r.Method, r.Platform, r.RawPlatform, r.BankName,
			string(r.AccountType), r.AERRate, nullFloat(r.GrossRate), nullInt(r.TermMonths),
			nullInt(r.NoticePeriodDays), nullFloat(r.MinDeposit), nullFloat(r.MaxDeposit),
			r.FSCSProtected, nullString(r.SpecialFeatures), formatTime(r.ScrapeDate),
			nullString(r.RegulatorID), r.ConfidenceScore, r.BusinessKey, r.BatchID)
		if err != nil {
			return 0, nil, fmt.Errorf("insert raw record %d: %w", i, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, nil, fmt.Errorf("raw record %d id: %w", i, err)
		}
		ids = append(ids, id)
	}
	return deleted, ids, nil
}

// SetMatch writes the matcher's verdict onto a raw row.
func (s *RawStore) SetMatch(ctx context.Context, tx *sql.Tx, id int64, regulatorID *string, confidence float64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE products_raw SET regulator_id = ?, confidence_score = ? WHERE id = ?`,
		nullString(regulatorID), confidence, id)
	if err != nil {
		return fmt.Errorf("set match on raw %d: %w", id, err)
	}
	return nil
}

// SetBusinessKey writes the deduplicator's business key onto a raw row.
func (s *RawStore) SetBusinessKey(ctx context.Context, tx *sql.Tx, id int64, key string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE products_raw SET business_key = ? WHERE id = ?`, key, id)
	if err != nil {
		return fmt.Errorf("set business key on raw %d: %w", id, err)
	}
	return nil
}

// Count returns the raw-table cardinality.
func (s *RawStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.Reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM products_raw`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count raw: %w", err)
	}
	return n, nil
}

// CountSlice returns the cardinality of one (source, method) slice.
func (s *RawStore) CountSlice(ctx context.Context, source, method string) (int64, error) {
	var n int64
	err := s.db.Reader.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM products_raw WHERE source = ? AND method = ?`,
		source, method).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count slice (%s,%s): %w", source, method, err)
	}
	return n, nil
}

// ByBatch returns the raw rows inserted by one batch, in insertion order.
func (s *RawStore) ByBatch(ctx context.Context, batchID string) ([]contracts.RawProduct, error) {
	return s.query(ctx,
		`SELECT `+rawColumns+` FROM products_raw WHERE batch_id = ? ORDER BY id`, batchID)
}

// All returns the full raw table in insertion order. Deduplication and
// rebuilds operate over this view.
func (s *RawStore) All(ctx context.Context) ([]contracts.RawProduct, error) {
	return s.query(ctx, `SELECT `+rawColumns+` FROM products_raw ORDER BY id`)
}

// Unmatched returns raw rows that have no regulator id yet.
func (s *RawStore) Unmatched(ctx context.Context) ([]contracts.RawProduct, error) {
	return s.query(ctx,
		`SELECT `+rawColumns+` FROM products_raw WHERE regulator_id IS NULL ORDER BY id`)
}

func (s *RawStore) query(ctx context.Context, q string, args ...any) ([]contracts.RawProduct, error) {
	rows, err := s.db.Reader.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query raw: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.RawProduct
	for rows.Next() {
		r, err := scanRaw(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate raw: %w", err)
	}
	return out, nil
}

func scanRaw(rows *sql.Rows) (contracts.RawProduct, error) {
	var (
		r           contracts.RawProduct
		accountType string
		gross       sql.NullFloat64
		term        sql.NullInt64
		notice      sql.NullInt64
		minDep      sql.NullFloat64
		maxDep      sql.NullFloat64
		features    sql.NullString
		scraped     string
		regID       sql.NullString
		bizKey      sql.NullString
	)
	err := rows.Scan(&r.ID, &r.Source, &r.Method, &r.Platform, &r.RawPlatform,
		&r.BankName, &accountType, &r.AERRate, &gross, &term, &notice, &minDep,
		&maxDep, &r.FSCSProtected, &features, &scraped, &regID, &r.ConfidenceScore,
		&bizKey, &r.BatchID)
	if err != nil {
		return r, fmt.Errorf("scan raw row: %w", err)
	}
	r.AccountType = contracts.AccountType(accountType)
	r.GrossRate = floatPtr(gross)
	r.TermMonths = intPtr(term)
	r.NoticePeriodDays = intPtr(notice)
	r.MinDeposit = floatPtr(minDep)
	r.MaxDeposit = floatPtr(maxDep)
	r.SpecialFeatures = strPtr(features)
	r.RegulatorID = strPtr(regID)
	if bizKey.Valid {
		r.BusinessKey = bizKey.String
	}
	if r.ScrapeDate, err = parseTime(scraped); err != nil {
		return r, err
	}
	return r, nil
}
