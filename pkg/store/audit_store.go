package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rateloom/core/pkg/contracts"
)

// AuditStore persists the three stage audit tables. Payloads are typed in
// memory and marshaled to JSON exactly here, so every stored column is
// guaranteed to parse back.
type AuditStore struct {
	db *DB
}

func NewAuditStore(db *DB) *AuditStore {
	return &AuditStore{db: db}
}

// InsertIngestion writes ingestion_audit rows on the caller's transaction.
func (s *AuditStore) InsertIngestion(ctx context.Context, tx *sql.Tx, rows []contracts.IngestionAudit) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO ingestion_audit
			(batch_id, record_ordinal, validation_status, validation_details_json,
			 filter_outcome, platform_source_metadata_json)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare ingestion audit: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range rows {
		details, err := json.Marshal(r.Details)
		if err != nil {
			return fmt.Errorf("marshal validation details: %w", err)
		}
		meta, err := json.Marshal(r.SourceMetadata)
		if err != nil {
			return fmt.Errorf("marshal source metadata: %w", err)
		}
		var outcome sql.NullString
		if r.FilterOutcome != "" {
			outcome = sql.NullString{String: r.FilterOutcome, Valid: true}
		}
		_, err = stmt.ExecContext(ctx, r.BatchID, r.RecordOrdinal,
			string(r.ValidationStatus), string(details), outcome, string(meta))
		if err != nil {
			return fmt.Errorf("insert ingestion audit %d: %w", r.RecordOrdinal, err)
		}
	}
	return nil
}

// SetFilterOutcomes fills the filter_outcome column of existing ingestion
// rows. The filter runs after ingestion has committed, so the outcomes land
// in their own transaction; rows for invalid records keep a NULL outcome.
func (s *AuditStore) SetFilterOutcomes(ctx context.Context, tx *sql.Tx, batchID string, outcomes map[int]string) error {
	stmt, err := tx.PrepareContext(ctx,
		`UPDATE ingestion_audit SET filter_outcome = ?
		 WHERE batch_id = ? AND record_ordinal = ?`)
	if err != nil {
		return fmt.Errorf("prepare filter outcomes: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for ordinal, outcome := range outcomes {
		res, err := stmt.ExecContext(ctx, outcome, batchID, ordinal)
		if err != nil {
			return fmt.Errorf("set filter outcome %d: %w", ordinal, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("set filter outcome %d: no ingestion row", ordinal)
		}
	}
	return nil
}

// InsertMatching writes matching_audit rows on the caller's transaction.
func (s *AuditStore) InsertMatching(ctx context.Context, tx *sql.Tx, rows []contracts.MatchingAudit) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO matching_audit
			(batch_id, record_ordinal, product_id, original_bank_name, normalized_bank_name,
			 normalization_steps_json, database_query_method, match_type,
			 final_regulator_id, final_confidence, decision_routing, manual_override_timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare matching audit: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range rows {
		steps := r.NormalizationSteps
		if steps == nil {
			steps = []contracts.NormalizationStep{}
		}
		stepsJSON, err := json.Marshal(steps)
		if err != nil {
			return fmt.Errorf("marshal normalization steps: %w", err)
		}
		var matchType sql.NullString
		if r.MatchType != nil {
			matchType = sql.NullString{String: string(*r.MatchType), Valid: true}
		}
		_, err = stmt.ExecContext(ctx, r.BatchID, r.RecordOrdinal, r.ProductID,
			r.OriginalBankName, r.NormalizedBankName, string(stepsJSON),
			string(r.QueryMethod), matchType, nullString(r.RegulatorID),
			r.Confidence, string(r.Routing), nullTime(r.ManualOverrideAt))
		if err != nil {
			return fmt.Errorf("insert matching audit %d: %w", r.RecordOrdinal, err)
		}
	}
	return nil
}

// InsertDedup writes dedup_audit rows on the caller's transaction (the
// catalog commit transaction).
func (s *AuditStore) InsertDedup(ctx context.Context, tx *sql.Tx, rows []contracts.DedupAudit) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO dedup_audit
			(batch_id, group_ordinal, group_id, business_key, platform,
			 platforms_in_group_json, quality_scores_json, winner_product_id,
			 rejected_products_metadata_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare dedup audit: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range rows {
		platforms, err := json.Marshal(r.PlatformsInGroup)
		if err != nil {
			return fmt.Errorf("marshal platforms: %w", err)
		}
		scores, err := json.Marshal(r.QualityScores)
		if err != nil {
			return fmt.Errorf("marshal scores: %w", err)
		}
		rejected, err := json.Marshal(r.Rejected)
		if err != nil {
			return fmt.Errorf("marshal rejected metadata: %w", err)
		}
		var winner sql.NullInt64
		if r.WinnerProductID != nil {
			winner = sql.NullInt64{Int64: *r.WinnerProductID, Valid: true}
		}
		_, err = stmt.ExecContext(ctx, r.BatchID, r.GroupOrdinal, r.GroupID,
			r.BusinessKey, r.Platform, string(platforms), string(scores), winner,
			string(rejected))
		if err != nil {
			return fmt.Errorf("insert dedup audit %d: %w", r.GroupOrdinal, err)
		}
	}
	return nil
}

// DeleteBatch removes a batch's audit rows from the named stage tables.
// Re-running a failed attempt clears its partial evidence first so the
// (batch_id, ordinal) uniqueness constraints hold for the new attempt.
func (s *AuditStore) DeleteBatch(ctx context.Context, tx *sql.Tx, batchID string, stages ...contracts.Stage) error {
	for _, st := range stages {
		var table string
		switch st {
		case contracts.StageIngestion, contracts.StageFilter:
			table = "ingestion_audit"
		case contracts.StageMatching:
			table = "matching_audit"
		case contracts.StageDedup, contracts.StageCommit:
			table = "dedup_audit"
		default:
			return fmt.Errorf("no audit table for stage %q", st)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE batch_id = ?`, batchID); err != nil {
			return fmt.Errorf("clear %s for %s: %w", table, batchID, err)
		}
	}
	return nil
}

// IngestionByBatch returns ingestion_audit rows in record order.
func (s *AuditStore) IngestionByBatch(ctx context.Context, batchID string) ([]contracts.IngestionAudit, error) {
	rows, err := s.db.Reader.QueryContext(ctx,
		`SELECT batch_id, record_ordinal, validation_status, validation_details_json,
		        filter_outcome, platform_source_metadata_json
		 FROM ingestion_audit WHERE batch_id = ? ORDER BY record_ordinal`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query ingestion audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.IngestionAudit
	for rows.Next() {
		var (
			r       contracts.IngestionAudit
			status  string
			details string
			outcome sql.NullString
			meta    string
		)
		if err := rows.Scan(&r.BatchID, &r.RecordOrdinal, &status, &details, &outcome, &meta); err != nil {
			return nil, fmt.Errorf("scan ingestion audit: %w", err)
		}
		r.ValidationStatus = contracts.ValidationStatus(status)
		if err := json.Unmarshal([]byte(details), &r.Details); err != nil {
			return nil, fmt.Errorf("parse validation details: %w", err)
		}
		if outcome.Valid {
			r.FilterOutcome = outcome.String
		}
		if err := json.Unmarshal([]byte(meta), &r.SourceMetadata); err != nil {
			return nil, fmt.Errorf("parse source metadata: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ingestion audit: %w", err)
	}
	return out, nil
}

// MatchingByBatch returns matching_audit rows in record order.
func (s *AuditStore) MatchingByBatch(ctx context.Context, batchID string) ([]contracts.MatchingAudit, error) {
	rows, err := s.db.Reader.QueryContext(ctx,
		`SELECT batch_id, record_ordinal, product_id, original_bank_name,
		        normalized_bank_name, normalization_steps_json, database_query_method,
		        match_type, final_regulator_id, final_confidence, decision_routing,
		        manual_override_timestamp
		 FROM matching_audit WHERE batch_id = ? ORDER BY record_ordinal`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query matching audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.MatchingAudit
	for rows.Next() {
		var (
			r          contracts.MatchingAudit
			steps      string
			method     string
			matchType  sql.NullString
			regID      sql.NullString
			routing    string
			overrideAt sql.NullString
		)
		if err := rows.Scan(&r.BatchID, &r.RecordOrdinal, &r.ProductID,
			&r.OriginalBankName, &r.NormalizedBankName, &steps, &method,
			&matchType, &regID, &r.Confidence, &routing, &overrideAt); err != nil {
			return nil, fmt.Errorf("scan matching audit: %w", err)
		}
		if err := json.Unmarshal([]byte(steps), &r.NormalizationSteps); err != nil {
			return nil, fmt.Errorf("parse normalization steps: %w", err)
		}
		r.QueryMethod = contracts.QueryMethod(method)
		if matchType.Valid {
			mt := contracts.MatchType(matchType.String)
			r.MatchType = &mt
		}
		r.RegulatorID = strPtr(regID)
		r.Routing = contracts.DecisionRouting(routing)
		if overrideAt.Valid {
			t, err := parseTime(overrideAt.String)
			if err != nil {
				return nil, err
			}
			r.ManualOverrideAt = &t
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate matching audit: %w", err)
	}
	return out, nil
}

// DedupByBatch returns dedup_audit rows in group order.
func (s *AuditStore) DedupByBatch(ctx context.Context, batchID string) ([]contracts.DedupAudit, error) {
	rows, err := s.db.Reader.QueryContext(ctx,
		`SELECT batch_id, group_ordinal, group_id, business_key, platform,
		        platforms_in_group_json, quality_scores_json, winner_product_id,
		        rejected_products_metadata_json
		 FROM dedup_audit WHERE batch_id = ? ORDER BY group_ordinal`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query dedup audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.DedupAudit
	for rows.Next() {
		var (
			r         contracts.DedupAudit
			platforms string
			scores    string
			winner    sql.NullInt64
			rejected  string
		)
		if err := rows.Scan(&r.BatchID, &r.GroupOrdinal, &r.GroupID, &r.BusinessKey,
			&r.Platform, &platforms, &scores, &winner, &rejected); err != nil {
			return nil, fmt.Errorf("scan dedup audit: %w", err)
		}
		if err := json.Unmarshal([]byte(platforms), &r.PlatformsInGroup); err != nil {
			return nil, fmt.Errorf("parse platforms: %w", err)
		}
		if err := json.Unmarshal([]byte(scores), &r.QualityScores); err != nil {
			return nil, fmt.Errorf("parse scores: %w", err)
		}
		if winner.Valid {
			w := winner.Int64
			r.WinnerProductID = &w
		}
		if err := json.Unmarshal([]byte(rejected), &r.Rejected); err != nil {
			return nil, fmt.Errorf("parse rejected metadata: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dedup audit: %w", err)
	}
	return out, nil
}

// WinnerCount returns how many dedup rows of one batch name a given product
// as winner. The catalog invariant expects exactly one for every products row.
func (s *AuditStore) WinnerCount(ctx context.Context, batchID string, productID int64) (int, error) {
	var n int
	err := s.db.Reader.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dedup_audit WHERE batch_id = ? AND winner_product_id = ?`,
		batchID, productID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count winners: %w", err)
	}
	return n, nil
}
