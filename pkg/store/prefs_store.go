package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rateloom/core/pkg/contracts"
)

// PrefsStore persists per-institution protection overrides.
type PrefsStore struct {
	db *DB
}

func NewPrefsStore(db *DB) *PrefsStore {
	return &PrefsStore{db: db}
}

// Get returns the preferences for one institution, or ErrNotFound.
func (s *PrefsStore) Get(ctx context.Context, regulatorID string) (contracts.InstitutionPrefs, error) {
	var (
		p     contracts.InstitutionPrefs
		limit sql.NullFloat64
		ptype string
	)
	err := s.db.Reader.QueryRowContext(ctx,
		`SELECT regulator_id, personal_limit, easy_access_required_above_default,
		        trust_level, risk_notes, protection_type
		 FROM institution_prefs WHERE regulator_id = ?`, regulatorID).
		Scan(&p.RegulatorID, &limit, &p.EasyAccessRequiredAboveDefault,
			&p.TrustLevel, &p.RiskNotes, &ptype)
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("prefs for %s: %w", regulatorID, ErrNotFound)
	}
	if err != nil {
		return p, fmt.Errorf("get prefs for %s: %w", regulatorID, err)
	}
	p.PersonalLimit = floatPtr(limit)
	p.ProtectionType = contracts.ProtectionType(ptype)
	return p, nil
}

// All returns every institution's preferences keyed by regulator id.
func (s *PrefsStore) All(ctx context.Context) (map[string]contracts.InstitutionPrefs, error) {
	rows, err := s.db.Reader.QueryContext(ctx,
		`SELECT regulator_id, personal_limit, easy_access_required_above_default,
		        trust_level, risk_notes, protection_type
		 FROM institution_prefs`)
	if err != nil {
		return nil, fmt.Errorf("query prefs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := map[string]contracts.InstitutionPrefs{}
	for rows.Next() {
		var (
			p     contracts.InstitutionPrefs
			limit sql.NullFloat64
			ptype string
		)
		if err := rows.Scan(&p.RegulatorID, &limit, &p.EasyAccessRequiredAboveDefault,
			&p.TrustLevel, &p.RiskNotes, &ptype); err != nil {
			return nil, fmt.Errorf("scan prefs row: %w", err)
		}
		p.PersonalLimit = floatPtr(limit)
		p.ProtectionType = contracts.ProtectionType(ptype)
		out[p.RegulatorID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prefs: %w", err)
	}
	return out, nil
}

// Upsert inserts or replaces an institution's preferences.
func (s *PrefsStore) Upsert(ctx context.Context, p contracts.InstitutionPrefs) error {
	if p.ProtectionType == "" {
		p.ProtectionType = contracts.ProtectionStandard
	}
	_, err := s.db.Writer.ExecContext(ctx,
		`INSERT INTO institution_prefs
			(regulator_id, personal_limit, easy_access_required_above_default,
			 trust_level, risk_notes, protection_type)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(regulator_id) DO UPDATE SET
			personal_limit = excluded.personal_limit,
			easy_access_required_above_default = excluded.easy_access_required_above_default,
			trust_level = excluded.trust_level,
			risk_notes = excluded.risk_notes,
			protection_type = excluded.protection_type`,
		p.RegulatorID, nullFloat(p.PersonalLimit), p.EasyAccessRequiredAboveDefault,
		p.TrustLevel, p.RiskNotes, string(p.ProtectionType))
	if err != nil {
		return fmt.Errorf("upsert prefs for %s: %w", p.RegulatorID, err)
	}
	return nil
}
