// Package pipeline is the orchestrator: it runs a feed file through the
// ingestion stages in order, owns the stage transaction boundaries, and is
// the only writer of batch_master rows. One batch runs at a time; progress,
// cancellation and the audit trail are exposed per batch id.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rateloom/core/pkg/audit"
	"github.com/rateloom/core/pkg/config"
	"github.com/rateloom/core/pkg/contracts"
	"github.com/rateloom/core/pkg/feed"
	"github.com/rateloom/core/pkg/matcher"
	"github.com/rateloom/core/pkg/observability"
	"github.com/rateloom/core/pkg/retry"
	"github.com/rateloom/core/pkg/store"
)

// batchNamespace scopes deterministic batch ids to this pipeline, so the
// same file bytes always map to the same id and never collide with ids
// minted elsewhere.
var batchNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("rateloom/batch"))

// BatchID derives the deterministic batch id for a feed file: a name-based
// UUID over the file digest and the envelope identity. Re-reading identical
// bytes yields the identical id, which is what the idempotence check keys on.
func BatchID(fileSHA256, source, method string) string {
	return uuid.NewSHA1(batchNamespace, []byte(fileSHA256+"\n"+source+"\n"+method)).String()
}

// OpenStore opens the catalog with bounded retries on transient failures.
// Only store.ErrUnavailable earns another attempt; the backoff schedule is
// deterministic per database path.
func OpenStore(ctx context.Context, path string, opts store.Options, retries int) (*store.DB, error) {
	policy := retry.DefaultPolicy()
	if retries > 0 {
		policy.MaxAttempts = retries
	}
	var db *store.DB
	err := retry.Do(ctx, policy, "store-open:"+path,
		func(err error) bool { return errors.Is(err, store.ErrUnavailable) },
		func(ctx context.Context) error {
			d, err := store.Open(ctx, path, opts)
			if err != nil {
				return err
			}
			db = d
			return nil
		})
	if err != nil {
		return nil, err
	}
	return db, nil
}

// Orchestrator drives batches from ingestion through commit. Safe for
// concurrent use:
// runs are serialized internally, while Cancel, GetProgress and GetAudit may
// be called from other goroutines at any time.
type Orchestrator struct {
	db     *store.DB
	loader *config.Loader
	reader *feed.Reader
	log    *slog.Logger

	batches  *store.BatchStore
	raw      *store.RawStore
	catalog  *store.CatalogStore
	audits   *store.AuditStore
	research *store.ResearchStore

	lookups  *matcher.Handle
	reporter *audit.Service
	events   audit.Logger
	metrics  *observability.Metrics
	sink     func(contracts.ProgressEvent)

	// runMu serializes batches; mu guards the cross-goroutine maps.
	runMu  sync.Mutex
	mu     sync.Mutex
	active map[string]context.CancelFunc
	latest map[string]contracts.ProgressEvent
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithProgressSink registers a callback for progress events. Events for a
// stage's start and completion are always delivered; intermediate per-record
// events are throttled by orchestrator.progress_interval_ms.
func WithProgressSink(fn func(contracts.ProgressEvent)) Option {
	return func(o *Orchestrator) { o.sink = fn }
}

// WithEventLog attaches an operational audit logger for batch lifecycle events.
func WithEventLog(l audit.Logger) Option {
	return func(o *Orchestrator) { o.events = l }
}

// WithMetrics attaches pipeline instruments. Nil is fine; recording methods
// tolerate it.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger replaces the default process logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// New builds an orchestrator over an open store. The loader must be backed
// by the same database; it is refreshed at the start of every batch.
func New(db *store.DB, loader *config.Loader, reader *feed.Reader, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		db:       db,
		loader:   loader,
		reader:   reader,
		log:      slog.Default(),
		batches:  store.NewBatchStore(db),
		raw:      store.NewRawStore(db),
		catalog:  store.NewCatalogStore(db),
		audits:   store.NewAuditStore(db),
		research: store.NewResearchStore(db),
		lookups:  matcher.NewHandle(store.NewLookupStore(db)),
		reporter: audit.NewService(db),
		active:   make(map[string]context.CancelFunc),
		latest:   make(map[string]contracts.ProgressEvent),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Cancel aborts the named batch if it is running. It reports whether a
// running batch was found; the batch itself finishes with status cancelled.
func (o *Orchestrator) Cancel(batchID string) bool {
	o.mu.Lock()
	cancel, ok := o.active[batchID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// GetProgress returns the latest progress event recorded for a batch id.
func (o *Orchestrator) GetProgress(batchID string) (contracts.ProgressEvent, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ev, ok := o.latest[batchID]
	return ev, ok
}

// GetAudit loads the complete audit trail for a batch id.
func (o *Orchestrator) GetAudit(ctx context.Context, batchID string) (*audit.Report, error) {
	return o.reporter.BatchReport(ctx, batchID)
}

func (o *Orchestrator) register(batchID string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.active[batchID] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) unregister(batchID string) {
	o.mu.Lock()
	delete(o.active, batchID)
	o.mu.Unlock()
}

func (o *Orchestrator) storeProgress(ev contracts.ProgressEvent) {
	o.mu.Lock()
	o.latest[ev.BatchID] = ev
	o.mu.Unlock()
}

// event records a batch lifecycle event on the operational audit log.
func (o *Orchestrator) event(action, batchID string, md map[string]any) {
	if o.events == nil {
		return
	}
	if err := o.events.Record(audit.EventPipeline, action, batchID, md); err != nil {
		o.log.Warn("audit event not recorded", "action", action, "error", err)
	}
}

// progressEmitter publishes progress for one batch. The latest event is
// always retained for GetProgress; the sink sees every 0% and 100% event,
// while intermediate per-record events are rate-limited.
type progressEmitter struct {
	o        *Orchestrator
	batchID  string
	interval time.Duration

	mu       sync.Mutex
	lastSink time.Time
}

func (p *progressEmitter) emit(stage contracts.Stage, percent float64, message string) {
	ev := contracts.ProgressEvent{BatchID: p.batchID, Stage: stage, Percent: percent, Message: message}
	p.o.storeProgress(ev)
	if p.o.sink == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if percent > 0 && percent < 100 && p.interval > 0 && time.Since(p.lastSink) < p.interval {
		return
	}
	p.lastSink = time.Now()
	p.o.sink(ev)
}

// statusFor maps a stage failure to the batch_master status recorded for it.
func statusFor(stage contracts.Stage, err error) contracts.BatchStatus {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return contracts.BatchCancelled
	case errors.Is(err, feed.ErrEnvelopeInvalid):
		return contracts.BatchEnvelopeInvalid
	case errors.Is(err, config.ErrInvalid):
		return contracts.BatchConfigInvalid
	case errors.Is(err, store.ErrUnavailable):
		return contracts.BatchStoreUnavailable
	case stage == contracts.StageRawAccumulation:
		// A write failure inside the replace transaction means the slice
		// swap did not land.
		return contracts.BatchAccumulationConflict
	default:
		return contracts.BatchStoreUnavailable
	}
}

// hashFile digests a file without loading it whole; used for the batch row
// of a feed whose envelope never parsed.
func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}

// fail finishes a batch row for a stage error, emits the lifecycle event and
// returns the summary the caller hands back. The Finish write deliberately
// ignores the run context: a cancelled batch still gets its terminal row.
func (o *Orchestrator) fail(r *run, stage contracts.Stage, err error) (contracts.BatchSummary, error) {
	status := statusFor(stage, err)
	r.summary.Status = status
	r.summary.Elapsed = time.Since(r.started).Round(time.Millisecond).String()
	if ferr := o.batches.Finish(context.Background(), nil, r.rowID, status, err.Error()); ferr != nil {
		o.log.Error("batch status not recorded", "batch", r.batchID, "status", status, "error", ferr)
	}
	o.event(r.eventPrefix+"_failed", r.batchID, map[string]any{
		"stage":  string(stage),
		"status": string(status),
		"error":  err.Error(),
	})
	o.log.Error("batch failed", "batch", r.batchID, "stage", string(stage), "status", string(status), "error", err)
	return r.summary, fmt.Errorf("%s: %w", stage, err)
}

// stop finishes a batch that halted cleanly at the operator's requested stage.
func (o *Orchestrator) stop(r *run, stage contracts.Stage) (contracts.BatchSummary, error) {
	r.summary.Status = contracts.BatchStopped
	r.summary.StoppedAfter = stage
	r.summary.Elapsed = time.Since(r.started).Round(time.Millisecond).String()
	if err := o.batches.Finish(context.Background(), nil, r.rowID, contracts.BatchStopped, ""); err != nil {
		o.log.Error("batch status not recorded", "batch", r.batchID, "error", err)
	}
	o.event(r.eventPrefix+"_stopped", r.batchID, map[string]any{"stopped_after": string(stage)})
	o.log.Info("batch stopped", "batch", r.batchID, "stopped_after", string(stage))
	return r.summary, nil
}
