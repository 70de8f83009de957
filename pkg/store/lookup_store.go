package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rateloom/core/pkg/config"
	"github.com/rateloom/core/pkg/contracts"
)

// LookupStore persists the regulator_lookup cache table the matcher queries.
type LookupStore struct {
	db *DB
}

func NewLookupStore(db *DB) *LookupStore {
	return &LookupStore{db: db}
}

// ActiveEntries returns every active lookup row ordered by search name then
// match rank, the order the matcher's in-memory cache wants.
func (s *LookupStore) ActiveEntries(ctx context.Context) ([]contracts.LookupEntry, error) {
	rows, err := s.db.Reader.QueryContext(ctx,
		`SELECT search_name, regulator_id, canonical_name, match_type,
		        confidence_score, match_rank, active, updated_at
		 FROM regulator_lookup
		 WHERE active = 1
		 ORDER BY search_name, match_rank, id`)
	if err != nil {
		return nil, fmt.Errorf("query lookup: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.LookupEntry
	for rows.Next() {
		var (
			e         contracts.LookupEntry
			matchType string
			updated   string
		)
		if err := rows.Scan(&e.SearchName, &e.RegulatorID, &e.CanonicalName,
			&matchType, &e.Confidence, &e.MatchRank, &e.Active, &updated); err != nil {
			return nil, fmt.Errorf("scan lookup row: %w", err)
		}
		e.MatchType = contracts.MatchType(matchType)
		if e.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lookup: %w", err)
	}
	return out, nil
}

// Fingerprint is a cheap change marker over the whole lookup table, active
// rows included or not; any row edit moves it.
func (s *LookupStore) Fingerprint(ctx context.Context) (config.Fingerprint, error) {
	var (
		fp  config.Fingerprint
		max string
	)
	err := s.db.Reader.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(MAX(updated_at), '') FROM regulator_lookup`).
		Scan(&fp.Rows, &max)
	if err != nil {
		return fp, fmt.Errorf("lookup fingerprint: %w", err)
	}
	if fp.MaxUpdated, err = parseTime(max); err != nil {
		return fp, err
	}
	return fp, nil
}

// Upsert inserts or refreshes a lookup row keyed by
// (search_name, regulator_id, match_type).
func (s *LookupStore) Upsert(ctx context.Context, e contracts.LookupEntry) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	_, err := s.db.Writer.ExecContext(ctx,
		`INSERT INTO regulator_lookup
			(search_name, regulator_id, canonical_name, match_type, confidence_score,
			 match_rank, active, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(search_name, regulator_id, match_type) DO UPDATE SET
			canonical_name = excluded.canonical_name,
			confidence_score = excluded.confidence_score,
			match_rank = excluded.match_rank,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		e.SearchName, e.RegulatorID, e.CanonicalName, string(e.MatchType),
		e.Confidence, e.MatchRank, e.Active, formatTime(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert lookup %q/%s: %w", e.SearchName, e.MatchType, err)
	}
	return nil
}
