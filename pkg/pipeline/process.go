package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/rateloom/core/pkg/config"
	"github.com/rateloom/core/pkg/contracts"
	"github.com/rateloom/core/pkg/dedup"
	"github.com/rateloom/core/pkg/feed"
	"github.com/rateloom/core/pkg/filter"
	"github.com/rateloom/core/pkg/matcher"
)

// Options control a single ProcessFile run.
type Options struct {
	// StopAfter halts the batch once the named stage completes, leaving the
	// batch row with status stopped. Empty runs through commit.
	StopAfter contracts.Stage
}

// runConfig is the per-batch snapshot of everything the stages read from the
// config table. Loading it up front means a batch never observes a config
// edit mid-flight.
type runConfig struct {
	formats    *semver.Constraints
	filter     *filter.Filter
	match      matcher.Config
	dedup      dedup.Config
	timeout    time.Duration
	interval   time.Duration
	auditTrail bool
}

func (o *Orchestrator) loadRunConfig(ctx context.Context) (runConfig, error) {
	var rc runConfig
	if err := o.loader.Refresh(ctx); err != nil {
		return rc, err
	}
	expr, err := o.loader.StringOr(config.KeyFormatConstraint, ">=1.0.0 <3.0.0")
	if err != nil {
		return rc, err
	}
	rc.formats, err = semver.NewConstraint(expr)
	if err != nil {
		return rc, fmt.Errorf("%w: %s: %v", config.ErrInvalid, config.KeyFormatConstraint, err)
	}
	fcfg, err := filter.LoadConfig(o.loader)
	if err != nil {
		return rc, err
	}
	rc.filter, err = filter.New(fcfg)
	if err != nil {
		return rc, err
	}
	rc.match, err = matcher.LoadConfig(o.loader)
	if err != nil {
		return rc, err
	}
	rc.dedup, err = dedup.LoadConfig(o.loader)
	if err != nil {
		return rc, err
	}
	matchCfg := rc.match
	rc.dedup.Normalize = func(name string) string { return matcher.NormalizeName(name, matchCfg) }
	timeoutMS, err := o.loader.NumberOr(config.KeyOrchestratorTimeoutMS, 0)
	if err != nil {
		return rc, err
	}
	rc.timeout = time.Duration(timeoutMS) * time.Millisecond
	intervalMS, err := o.loader.NumberOr(config.KeyProgressIntervalMS, 200)
	if err != nil {
		return rc, err
	}
	rc.interval = time.Duration(intervalMS) * time.Millisecond
	rc.auditTrail, err = o.loader.BoolOr(config.KeyEnableAuditTrail, true)
	if err != nil {
		return rc, err
	}
	return rc, nil
}

// passedRecord pairs a filter survivor with its ordinal in the feed file, so
// matching audit rows can point back at the original record.
type passedRecord struct {
	ordinal int
	product contracts.RawProduct
}

// run carries the state of one batch through the stages.
type run struct {
	o           *Orchestrator
	cfg         runConfig
	emit        *progressEmitter
	rowID       int64
	batchID     string
	path        string
	feed        *feed.Feed
	stopAfter   contracts.Stage
	eventPrefix string
	started     time.Time
	summary     contracts.BatchSummary

	valid    []feed.Record
	passed   []passedRecord
	rawIDs   []int64
	outcomes []matcher.Outcome
	result   dedup.Result
}

// ProcessFile runs one feed file through the full pipeline. The returned
// summary mirrors the terminal batch_master row; the error is non-nil for
// every terminal status except committed, already_committed and stopped.
func (o *Orchestrator) ProcessFile(ctx context.Context, path string, opts Options) (contracts.BatchSummary, error) {
	if opts.StopAfter != "" && !opts.StopAfter.Valid() {
		err := fmt.Errorf("%w: unknown stage %q for stop-after", config.ErrInvalid, string(opts.StopAfter))
		return contracts.BatchSummary{Status: contracts.BatchConfigInvalid}, err
	}

	o.runMu.Lock()
	defer o.runMu.Unlock()

	rc, err := o.loadRunConfig(ctx)
	if err != nil {
		// Nothing was read from the feed yet, so no batch row exists to
		// finish; the failure belongs to the operator's config, not a batch.
		return contracts.BatchSummary{Status: statusFor("", err)}, err
	}

	f, err := o.reader.Read(path, rc.formats)
	if err != nil {
		if errors.Is(err, feed.ErrEnvelopeInvalid) {
			return o.recordEnvelopeFailure(ctx, path, err)
		}
		return contracts.BatchSummary{}, err
	}

	env := f.Envelope
	batchID := BatchID(f.SHA256, env.Source, env.Method)
	summary := contracts.BatchSummary{
		BatchID:      batchID,
		Source:       env.Source,
		Method:       env.Method,
		RecordsTotal: len(f.Records),
	}

	committed, err := o.batches.HasCommitted(ctx, batchID)
	if err != nil {
		summary.Status = statusFor("", err)
		return summary, err
	}
	if committed {
		rowID, ierr := o.batches.Insert(ctx, contracts.BatchRecord{
			BatchID:    batchID,
			FilePath:   path,
			FileSHA256: f.SHA256,
			Source:     env.Source,
			Method:     env.Method,
			Status:     contracts.BatchRunning,
		})
		if ierr == nil {
			ierr = o.batches.Finish(ctx, nil, rowID, contracts.BatchAlreadyCommitted, "")
		}
		if ierr != nil {
			o.log.Error("idempotent skip not recorded", "batch", batchID, "error", ierr)
		}
		o.event("batch_already_committed", batchID, map[string]any{"path": path})
		o.log.Info("batch already committed, skipping", "batch", batchID, "path", path)
		summary.Status = contracts.BatchAlreadyCommitted
		return summary, nil
	}

	rowID, err := o.batches.Insert(ctx, contracts.BatchRecord{
		BatchID:    batchID,
		FilePath:   path,
		FileSHA256: f.SHA256,
		Source:     env.Source,
		Method:     env.Method,
		Status:     contracts.BatchRunning,
	})
	if err != nil {
		summary.Status = statusFor("", err)
		return summary, err
	}

	runCtx, cancel := o.runContext(ctx, rc.timeout)
	defer cancel()
	o.register(batchID, cancel)
	defer o.unregister(batchID)

	o.event("batch_started", batchID, map[string]any{
		"source": env.Source,
		"method": env.Method,
		"path":   path,
	})
	o.log.Info("batch started",
		"batch", batchID, "source", env.Source, "method", env.Method, "records", len(f.Records))

	r := &run{
		o:           o,
		cfg:         rc,
		emit:        &progressEmitter{o: o, batchID: batchID, interval: rc.interval},
		rowID:       rowID,
		batchID:     batchID,
		path:        path,
		feed:        f,
		stopAfter:   opts.StopAfter,
		eventPrefix: "batch",
		started:     time.Now(),
		summary:     summary,
	}

	stages := []struct {
		stage contracts.Stage
		fn    func(context.Context) error
	}{
		{contracts.StageIngestion, r.ingest},
		{contracts.StageFilter, r.filterRecords},
		{contracts.StageRawAccumulation, r.accumulate},
		{contracts.StageMatching, r.matchNames},
		{contracts.StageDedup, r.dedupe},
		{contracts.StageCommit, r.commit},
	}
	for _, s := range stages {
		stageStart := time.Now()
		if err := s.fn(runCtx); err != nil {
			return o.fail(r, s.stage, err)
		}
		o.metrics.StageDuration(runCtx, string(s.stage), time.Since(stageStart))
		if opts.StopAfter == s.stage && s.stage != contracts.StageCommit {
			return o.stop(r, s.stage)
		}
	}

	r.summary.Status = contracts.BatchCommitted
	r.summary.Elapsed = time.Since(r.started).Round(time.Millisecond).String()
	o.event("batch_committed", batchID, map[string]any{
		"catalog_rows": r.summary.CatalogRows,
		"rejected":     r.summary.Rejected,
	})
	o.log.Info("batch committed",
		"batch", batchID, "catalog_rows", r.summary.CatalogRows, "elapsed", r.summary.Elapsed)
	return r.summary, nil
}

func (o *Orchestrator) runContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

// recordEnvelopeFailure writes the batch row for a file whose envelope never
// parsed. The id is derived from the file digest alone since source and
// method are unknown.
func (o *Orchestrator) recordEnvelopeFailure(ctx context.Context, path string, readErr error) (contracts.BatchSummary, error) {
	sha := hashFile(path)
	batchID := BatchID(sha, "", "")
	summary := contracts.BatchSummary{BatchID: batchID, Status: contracts.BatchEnvelopeInvalid}
	rowID, err := o.batches.Insert(ctx, contracts.BatchRecord{
		BatchID:    batchID,
		FilePath:   path,
		FileSHA256: sha,
		Status:     contracts.BatchRunning,
	})
	if err == nil {
		err = o.batches.Finish(ctx, nil, rowID, contracts.BatchEnvelopeInvalid, readErr.Error())
	}
	if err != nil {
		o.log.Error("envelope failure not recorded", "path", path, "error", err)
	}
	o.event("batch_failed", batchID, map[string]any{
		"stage":  string(contracts.StageIngestion),
		"status": string(contracts.BatchEnvelopeInvalid),
		"error":  readErr.Error(),
	})
	o.log.Warn("feed envelope rejected", "path", path, "error", readErr)
	return summary, readErr
}

// ingest records the validation verdict for every record in file order. The
// write also clears audit rows left by an earlier non-committed attempt of
// the same batch id, inside the same transaction, so a retried batch never
// double-counts.
func (r *run) ingest(ctx context.Context) error {
	r.emit.emit(contracts.StageIngestion, 0, "validating records")
	env := r.feed.Envelope
	total := len(r.feed.Records)
	rows := make([]contracts.IngestionAudit, 0, total)
	for i, rec := range r.feed.Records {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := rec.Product
		rows = append(rows, contracts.IngestionAudit{
			BatchID:          r.batchID,
			RecordOrdinal:    rec.Ordinal,
			ValidationStatus: rec.Status,
			Details: contracts.ValidationDetails{
				ReasonCodes: rec.Reasons,
				UnknownKeys: rec.UnknownKeys,
				Messages:    rec.Messages,
			},
			SourceMetadata: contracts.PlatformSourceMetadata{
				PlatformRaw:       p.Platform,
				PlatformCanonical: strings.ToLower(strings.TrimSpace(p.Platform)),
				Source:            env.Source,
				Method:            env.Method,
				EnvelopeExtra:     env.Extra,
			},
		})
		if rec.Status == contracts.ValidationValid {
			r.valid = append(r.valid, rec)
		}
		if pct := float64(i+1) / float64(total) * 100; pct < 100 {
			r.emit.emit(contracts.StageIngestion, pct, fmt.Sprintf("validated %d/%d records", i+1, total))
		}
	}
	err := r.o.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := r.o.audits.DeleteBatch(ctx, tx, r.batchID,
			contracts.StageIngestion, contracts.StageMatching, contracts.StageDedup); err != nil {
			return err
		}
		return r.o.audits.InsertIngestion(ctx, tx, rows)
	})
	if err != nil {
		return err
	}
	r.summary.RecordsValid = len(r.valid)
	r.summary.RecordsInvalid = total - len(r.valid)
	r.o.metrics.RecordIngestion(ctx, r.summary.RecordsValid, r.summary.RecordsInvalid)
	r.emit.emit(contracts.StageIngestion, 100,
		fmt.Sprintf("%d valid, %d invalid", r.summary.RecordsValid, r.summary.RecordsInvalid))
	return nil
}

// filterRecords applies the admission rules to every valid record and stamps
// the outcome onto its ingestion_audit row. Survivors become raw products
// tagged with this batch id.
func (r *run) filterRecords(ctx context.Context) error {
	r.emit.emit(contracts.StageFilter, 0, "applying admission rules")
	env := r.feed.Envelope
	total := len(r.valid)
	outcomes := make(map[int]string, total)
	for i, rec := range r.valid {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := r.cfg.filter.Apply(env, rec.Product)
		if err != nil {
			return err
		}
		outcomes[rec.Ordinal] = res.Outcome
		if res.Outcome == contracts.FilterPassed {
			p := res.Product
			p.BatchID = r.batchID
			r.passed = append(r.passed, passedRecord{ordinal: rec.Ordinal, product: p})
		}
		if pct := float64(i+1) / float64(total) * 100; pct < 100 {
			r.emit.emit(contracts.StageFilter, pct, fmt.Sprintf("filtered %d/%d records", i+1, total))
		}
	}
	if err := r.o.db.WithTx(ctx, func(tx *sql.Tx) error {
		return r.o.audits.SetFilterOutcomes(ctx, tx, r.batchID, outcomes)
	}); err != nil {
		return err
	}
	r.summary.RecordsFiltered = total - len(r.passed)
	r.emit.emit(contracts.StageFilter, 100,
		fmt.Sprintf("%d passed, %d filtered", len(r.passed), r.summary.RecordsFiltered))
	return nil
}

// accumulate swaps this batch's survivors into the raw table, replacing only
// the (source, method) slice the envelope names. Other slices are untouched.
func (r *run) accumulate(ctx context.Context) error {
	env := r.feed.Envelope
	r.emit.emit(contracts.StageRawAccumulation, 0,
		fmt.Sprintf("replacing %s/%s slice", env.Source, env.Method))
	products := make([]contracts.RawProduct, len(r.passed))
	for i, pr := range r.passed {
		products[i] = pr.product
	}
	err := r.o.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, ids, err := r.o.raw.ReplaceSlice(ctx, tx, env.Source, env.Method, products)
		if err != nil {
			return err
		}
		r.rawIDs = ids
		return nil
	})
	if err != nil {
		return err
	}
	r.emit.emit(contracts.StageRawAccumulation, 100,
		fmt.Sprintf("%d rows in %s/%s slice", len(r.rawIDs), env.Source, env.Method))
	return nil
}

// matchNames resolves a regulator id for each accumulated product of this
// batch and persists match state, research flags and the matching audit in
// one transaction.
func (r *run) matchNames(ctx context.Context) error {
	r.emit.emit(contracts.StageMatching, 0, "resolving regulator ids")
	if _, err := r.o.lookups.RefreshIfChanged(ctx); err != nil {
		return err
	}
	names := make([]string, len(r.passed))
	for i, pr := range r.passed {
		names[i] = pr.product.BankName
	}
	batch := matcher.New(r.cfg.match, r.o.lookups.Snapshot()).NewBatch()
	outcomes, err := batch.ResolveAll(ctx, names)
	if err != nil {
		return err
	}
	r.outcomes = outcomes
	r.emit.emit(contracts.StageMatching, 50, "recording match outcomes")

	now := time.Now().UTC()
	rows := make([]contracts.MatchingAudit, 0, len(outcomes))
	err = r.o.db.WithTx(ctx, func(tx *sql.Tx) error {
		for i, out := range outcomes {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := r.o.raw.SetMatch(ctx, tx, r.rawIDs[i], out.RegulatorID, out.Confidence); err != nil {
				return err
			}
			if out.ShouldFlag {
				if _, err := r.o.research.Flag(ctx, tx, out.OriginalName, now, r.cfg.match.ResearchQueueMax); err != nil {
					return err
				}
			}
			rows = append(rows, contracts.MatchingAudit{
				BatchID:            r.batchID,
				RecordOrdinal:      r.passed[i].ordinal,
				ProductID:          r.rawIDs[i],
				OriginalBankName:   out.OriginalName,
				NormalizedBankName: out.NormalizedName,
				NormalizationSteps: out.Steps,
				QueryMethod:        out.QueryMethod,
				MatchType:          out.MatchType,
				RegulatorID:        out.RegulatorID,
				Confidence:         out.Confidence,
				Routing:            out.Routing,
				ManualOverrideAt:   out.OverrideAt,
			})
		}
		if !r.cfg.auditTrail {
			return nil
		}
		return r.o.audits.InsertMatching(ctx, tx, rows)
	})
	if err != nil {
		return err
	}

	for _, out := range outcomes {
		r.o.metrics.RecordMatch(ctx, string(out.Routing))
		switch out.Routing {
		case contracts.RoutingAccepted:
			r.summary.Matched++
		case contracts.RoutingNeedsReview:
			r.summary.NeedsReview++
		default:
			r.summary.Unmatched++
		}
	}
	r.emit.emit(contracts.StageMatching, 100, fmt.Sprintf("%d accepted, %d need review, %d unmatched",
		r.summary.Matched, r.summary.NeedsReview, r.summary.Unmatched))
	return nil
}

// dedupe recomputes winners over the entire raw table, not just this batch's
// slice: a new batch can change which row wins an existing business key. The
// computed keys and audit rows are persisted by commit; a run stopping here
// persists them itself so the stopped state is inspectable.
func (r *run) dedupe(ctx context.Context) error {
	r.emit.emit(contracts.StageDedup, 0, "scoring duplicate groups")
	all, err := r.o.raw.All(ctx)
	if err != nil {
		return err
	}
	res, err := dedup.Run(all, r.cfg.dedup)
	if err != nil {
		return err
	}
	for i := range res.Audits {
		res.Audits[i].BatchID = r.batchID
	}
	r.result = res

	rejected := 0
	var warnings []string
	seen := make(map[string]bool)
	for _, a := range res.Audits {
		rejected += len(a.Rejected.Rejected)
		for _, w := range a.Rejected.Warnings {
			if !seen[w] {
				seen[w] = true
				warnings = append(warnings, w)
			}
		}
	}
	r.summary.CatalogRows = len(res.Winners)
	r.summary.Rejected = rejected
	r.summary.Warnings = warnings
	r.o.metrics.RecordDedup(ctx, len(res.Winners), rejected)

	if r.stopAfter == contracts.StageDedup {
		if err := r.o.db.WithTx(ctx, func(tx *sql.Tx) error {
			return r.persistDedup(ctx, tx)
		}); err != nil {
			return err
		}
	}
	r.emit.emit(contracts.StageDedup, 100,
		fmt.Sprintf("%d winners, %d rejected", len(res.Winners), rejected))
	return nil
}

// persistDedup stamps business keys onto raw rows in ascending id order and
// writes the dedup audit rows. Runs inside the caller's transaction.
func (r *run) persistDedup(ctx context.Context, tx *sql.Tx) error {
	ids := make([]int64, 0, len(r.result.Keys))
	for id := range r.result.Keys {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := r.o.raw.SetBusinessKey(ctx, tx, id, r.result.Keys[id]); err != nil {
			return err
		}
	}
	return r.o.audits.InsertDedup(ctx, tx, r.result.Audits)
}

// commit lands the new catalog: winners, business keys, dedup audit and the
// terminal batch status succeed or fail as one transaction. Readers see
// either the previous catalog or this one, never a mix.
func (r *run) commit(ctx context.Context) error {
	r.emit.emit(contracts.StageCommit, 0, "committing catalog")
	err := r.o.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := r.o.catalog.ReplaceAll(ctx, tx, r.result.Winners); err != nil {
			return err
		}
		if err := r.persistDedup(ctx, tx); err != nil {
			return err
		}
		return r.o.batches.Finish(ctx, tx, r.rowID, contracts.BatchCommitted, "")
	})
	if err != nil {
		return err
	}
	r.emit.emit(contracts.StageCommit, 100, "catalog committed")
	return nil
}
