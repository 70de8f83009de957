package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rateloom/core/pkg/contracts"
)

// CatalogStore persists the curated products table: one row per
// (business_key, platform), recomputed as a whole at every commit.
type CatalogStore struct {
	db *DB
}

func NewCatalogStore(db *DB) *CatalogStore {
	return &CatalogStore{db: db}
}

// CatalogFilter narrows List. Zero values mean "no constraint".
type CatalogFilter struct {
	AccountType contracts.AccountType
	Platform    string
	MinRate     float64
	FSCSOnly    bool
}

// ReplaceAll truncates products and inserts the winners, returning the row
// ids in input order. A winner with a positive ID keeps it, so catalog rows
// share the id of the raw row they came from and dedup audit references
// (winner ids, score map keys) stay valid against the catalog; zero ids are
// auto-assigned. Runs on the caller's transaction so the catalog swap commits
// atomically with the dedup audit and batch status.
func (s *CatalogStore) ReplaceAll(ctx context.Context, tx *sql.Tx, winners []contracts.CatalogProduct) ([]int64, error) {
	if _, err := tx.ExecContext(ctx, `DELETE FROM products`); err != nil {
		return nil, fmt.Errorf("truncate products: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO products (id, source, method, platform, raw_platform, bank_name,
			account_type, aer_rate, gross_rate, term_months, notice_period_days,
			min_deposit, max_deposit, fscs_protected, special_features, scrape_date,
			regulator_id, confidence_score, business_key, batch_id, quality_score)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("prepare catalog insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	ids := make([]int64, 0, len(winners))
	for i, p := range winners {
		res, err := stmt.ExecContext(ctx,
			sql.NullInt64{Int64: p.ID, Valid: p.ID > 0},
			p.Source, p.Method, p.Platform, p.RawPlatform, p.BankName,
			string(p.AccountType), p.AERRate, nullFloat(p.GrossRate), nullInt(p.TermMonths),
			nullInt(p.NoticePeriodDays), nullFloat(p.MinDeposit), nullFloat(p.MaxDeposit),
			p.FSCSProtected, nullString(p.SpecialFeatures), formatTime(p.ScrapeDate),
			nullString(p.RegulatorID), p.ConfidenceScore, p.BusinessKey, p.BatchID,
			p.QualityScore)
		if err != nil {
			return nil, fmt.Errorf("insert catalog row %d (%s/%s): %w", i, p.BusinessKey, p.Platform, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("catalog row %d id: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// List returns catalog rows matching the filter, best rate first.
func (s *CatalogStore) List(ctx context.Context, f CatalogFilter) ([]contracts.CatalogProduct, error) {
	q := `SELECT ` + rawColumns + `, quality_score FROM products WHERE 1=1`
	var args []any
	if f.AccountType != "" {
		q += ` AND account_type = ?`
		args = append(args, string(f.AccountType))
	}
	if f.Platform != "" {
		q += ` AND platform = ?`
		args = append(args, f.Platform)
	}
	if f.MinRate > 0 {
		q += ` AND aer_rate >= ?`
		args = append(args, f.MinRate)
	}
	if f.FSCSOnly {
		q += ` AND fscs_protected = 1`
	}
	q += ` ORDER BY aer_rate DESC, id`

	rows, err := s.db.Reader.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query catalog: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.CatalogProduct
	for rows.Next() {
		p, err := scanCatalog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate catalog: %w", err)
	}
	return out, nil
}

// All returns the whole catalog in id order, for audits and tests.
func (s *CatalogStore) All(ctx context.Context) ([]contracts.CatalogProduct, error) {
	rows, err := s.db.Reader.QueryContext(ctx,
		`SELECT `+rawColumns+`, quality_score FROM products ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query catalog: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.CatalogProduct
	for rows.Next() {
		p, err := scanCatalog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate catalog: %w", err)
	}
	return out, nil
}

// Count returns the catalog cardinality.
func (s *CatalogStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.Reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM products`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count catalog: %w", err)
	}
	return n, nil
}

func scanCatalog(rows *sql.Rows) (contracts.CatalogProduct, error) {
	var (
		p           contracts.CatalogProduct
		accountType string
		gross       sql.NullFloat64
		term        sql.NullInt64
		notice      sql.NullInt64
		minDep      sql.NullFloat64
		maxDep      sql.NullFloat64
		features    sql.NullString
		scraped     string
		regID       sql.NullString
	)
	err := rows.Scan(&p.ID, &p.Source, &p.Method, &p.Platform, &p.RawPlatform,
		&p.BankName, &accountType, &p.AERRate, &gross, &term, &notice, &minDep,
		&maxDep, &p.FSCSProtected, &features, &scraped, &regID, &p.ConfidenceScore,
		&p.BusinessKey, &p.BatchID, &p.QualityScore)
	if err != nil {
		return p, fmt.Errorf("scan catalog row: %w", err)
	}
	p.AccountType = contracts.AccountType(accountType)
	p.GrossRate = floatPtr(gross)
	p.TermMonths = intPtr(term)
	p.NoticePeriodDays = intPtr(notice)
	p.MinDeposit = floatPtr(minDep)
	p.MaxDeposit = floatPtr(maxDep)
	p.SpecialFeatures = strPtr(features)
	p.RegulatorID = strPtr(regID)
	if p.ScrapeDate, err = parseTime(scraped); err != nil {
		return p, err
	}
	return p, nil
}
