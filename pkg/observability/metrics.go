package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Pipeline semantic convention attributes.
var (
	AttrBatchID = attribute.Key("rateloom.batch.id")
	AttrStage   = attribute.Key("rateloom.stage")
	AttrSource  = attribute.Key("rateloom.feed.source")
	AttrMethod  = attribute.Key("rateloom.feed.method")
	AttrVerdict = attribute.Key("rateloom.record.verdict")
	AttrRouting = attribute.Key("rateloom.match.routing")
	AttrOutcome = attribute.Key("rateloom.dedup.outcome")
)

// BatchAttrs builds the attribute set identifying one feed batch.
func BatchAttrs(batchID, source, method string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrBatchID.String(batchID),
		AttrSource.String(source),
		AttrMethod.String(method),
	}
}

// Metrics carries the pipeline stage instruments. All methods tolerate a nil
// receiver so the pipeline runs identically with telemetry off.
type Metrics struct {
	records   metric.Int64Counter
	matches   metric.Int64Counter
	dedup     metric.Int64Counter
	stageTime metric.Float64Histogram
}

// NewMetrics creates the pipeline instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.records, err = meter.Int64Counter("rateloom.records.total",
		metric.WithDescription("Feed records processed, by validation verdict"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	m.matches, err = meter.Int64Counter("rateloom.matches.total",
		metric.WithDescription("Regulator-ID resolutions, by routing"),
		metric.WithUnit("{match}"),
	)
	if err != nil {
		return nil, err
	}

	m.dedup, err = meter.Int64Counter("rateloom.dedup.total",
		metric.WithDescription("Dedup candidates, by outcome"),
		metric.WithUnit("{product}"),
	)
	if err != nil {
		return nil, err
	}

	m.stageTime, err = meter.Float64Histogram("rateloom.stage.duration",
		metric.WithDescription("Pipeline stage duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RecordIngestion counts ingestion-stage validation verdicts.
func (m *Metrics) RecordIngestion(ctx context.Context, valid, invalid int) {
	if m == nil || m.records == nil {
		return
	}
	m.records.Add(ctx, int64(valid), metric.WithAttributes(AttrVerdict.String("valid")))
	m.records.Add(ctx, int64(invalid), metric.WithAttributes(AttrVerdict.String("invalid")))
}

// RecordMatch counts one matching-stage resolution by its routing.
func (m *Metrics) RecordMatch(ctx context.Context, routing string) {
	if m == nil || m.matches == nil {
		return
	}
	m.matches.Add(ctx, 1, metric.WithAttributes(AttrRouting.String(routing)))
}

// RecordDedup counts dedup-stage outcomes.
func (m *Metrics) RecordDedup(ctx context.Context, winners, rejected int) {
	if m == nil || m.dedup == nil {
		return
	}
	m.dedup.Add(ctx, int64(winners), metric.WithAttributes(AttrOutcome.String("winner")))
	m.dedup.Add(ctx, int64(rejected), metric.WithAttributes(AttrOutcome.String("rejected")))
}

// StageDuration records how long one pipeline stage took.
func (m *Metrics) StageDuration(ctx context.Context, stage string, d time.Duration) {
	if m == nil || m.stageTime == nil {
		return
	}
	m.stageTime.Record(ctx, d.Seconds(), metric.WithAttributes(AttrStage.String(stage)))
}
