// Package audit assembles the forensic trail of a pipeline batch into typed
// reports, streams operational audit events as JSON lines, and exports
// evidence packs. The stage tables themselves are written by the pipeline;
// this package is the read side.
package audit

import (
	"context"
	"fmt"

	"github.com/rateloom/core/pkg/contracts"
	"github.com/rateloom/core/pkg/store"
)

// Report is the complete audit trail of one batch id: every run row plus the
// three stage tables in record/group order.
type Report struct {
	BatchID   string                     `json:"batch_id"`
	Runs      []contracts.BatchRecord    `json:"runs"`
	Ingestion []contracts.IngestionAudit `json:"ingestion"`
	Matching  []contracts.MatchingAudit  `json:"matching"`
	Dedup     []contracts.DedupAudit     `json:"dedup"`
}

// LatestRun returns the most recent run row. Runs are ordered oldest first,
// so re-ingesting a committed file surfaces the already_committed row here.
func (r *Report) LatestRun() contracts.BatchRecord {
	if len(r.Runs) == 0 {
		return contracts.BatchRecord{}
	}
	return r.Runs[len(r.Runs)-1]
}

// ValidationCounts tallies ingestion validation verdicts.
func (r *Report) ValidationCounts() (valid, invalid int) {
	for _, row := range r.Ingestion {
		if row.ValidationStatus == contracts.ValidationValid {
			valid++
		} else {
			invalid++
		}
	}
	return valid, invalid
}

// FilterCounts tallies filter outcomes by outcome code. Records that never
// reached the filter (invalid at ingestion) are not counted.
func (r *Report) FilterCounts() map[string]int {
	out := make(map[string]int)
	for _, row := range r.Ingestion {
		if row.FilterOutcome != "" {
			out[row.FilterOutcome]++
		}
	}
	return out
}

// RoutingCounts tallies matching decisions by routing.
func (r *Report) RoutingCounts() map[contracts.DecisionRouting]int {
	out := make(map[contracts.DecisionRouting]int)
	for _, row := range r.Matching {
		out[row.Routing]++
	}
	return out
}

// DedupCounts returns how many partitions named a winner and how many
// candidates were rejected across the batch.
func (r *Report) DedupCounts() (winners, rejected int) {
	for _, row := range r.Dedup {
		if row.WinnerProductID != nil {
			winners++
		}
		rejected += len(row.Rejected.Rejected)
	}
	return winners, rejected
}

// Warnings collects the distinct dedup warnings of the batch in first-seen
// order. The same business-key warning repeats across platform partitions;
// it is reported once.
func (r *Report) Warnings() []string {
	seen := make(map[string]bool)
	var out []string
	for _, row := range r.Dedup {
		for _, w := range row.Rejected.Warnings {
			if !seen[w] {
				seen[w] = true
				out = append(out, w)
			}
		}
	}
	return out
}

// Service answers audit queries against the store's read pool.
type Service struct {
	batches *store.BatchStore
	audits  *store.AuditStore
}

func NewService(db *store.DB) *Service {
	return &Service{
		batches: store.NewBatchStore(db),
		audits:  store.NewAuditStore(db),
	}
}

// BatchReport loads the full trail for one batch id. An id with no run rows
// wraps store.ErrNotFound.
func (s *Service) BatchReport(ctx context.Context, batchID string) (*Report, error) {
	runs, err := s.batches.History(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("batch %s: %w", batchID, store.ErrNotFound)
	}

	report := &Report{BatchID: batchID, Runs: runs}
	if report.Ingestion, err = s.audits.IngestionByBatch(ctx, batchID); err != nil {
		return nil, err
	}
	if report.Matching, err = s.audits.MatchingByBatch(ctx, batchID); err != nil {
		return nil, err
	}
	if report.Dedup, err = s.audits.DedupByBatch(ctx, batchID); err != nil {
		return nil, err
	}
	return report, nil
}

// Recent returns the latest n run rows across every batch, newest first.
func (s *Service) Recent(ctx context.Context, n int) ([]contracts.BatchRecord, error) {
	return s.batches.Recent(ctx, n)
}
