package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rateloom/core/pkg/config"
)

func TestNewLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, config.LoggingSettings{Level: "warn", Format: "text"})

	log.Info("hidden")
	require.Empty(t, buf.String())

	log.Warn("shown", "batch", "b-1")
	require.Contains(t, buf.String(), "shown")
	require.Contains(t, buf.String(), "batch=b-1")
}

func TestNewLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, config.LoggingSettings{Level: "debug", Format: "json"})

	log.Debug("parsed", "records", 42)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "parsed", entry["msg"])
	require.Equal(t, float64(42), entry["records"])
	require.Equal(t, "DEBUG", entry["level"])
}

func TestSetupDisabled(t *testing.T) {
	p, err := Setup(context.Background(), config.TelemetrySettings{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	// Disabled providers still hand out usable (no-op) instruments.
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
	require.Nil(t, p.Metrics())

	ctx := context.Background()
	p.RecordOperation(ctx, attribute.String("op", "ingest"))
	p.RecordError(ctx, errors.New("boom"))
	p.RecordDuration(ctx, 50*time.Millisecond)

	require.NoError(t, p.Shutdown(ctx))
}

func TestTrackOperationDisabled(t *testing.T) {
	p, err := Setup(context.Background(), config.TelemetrySettings{Enabled: false})
	require.NoError(t, err)

	ctx, finish := p.TrackOperation(context.Background(), "rateloom.ingest",
		AttrSource.String("moneyfacts"))
	require.NotNil(t, ctx)
	finish(nil)

	_, finish = p.TrackOperation(context.Background(), "rateloom.rebuild")
	finish(errors.New("boom"))
}

func TestSetupEnabledBuildsProviders(t *testing.T) {
	// gRPC exporters connect lazily, so setup succeeds without a collector.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p, err := Setup(ctx, config.TelemetrySettings{
		Enabled:     true,
		Endpoint:    "localhost:4317",
		Insecure:    true,
		ServiceName: "rateloom-test",
		Timeout:     time.Second,
	})
	require.NoError(t, err)
	require.NotNil(t, p.Metrics())

	p.Metrics().RecordIngestion(ctx, 10, 2)
	p.Metrics().RecordMatch(ctx, "accepted")
	p.Metrics().RecordDedup(ctx, 3, 1)
	p.Metrics().StageDuration(ctx, "matching", 120*time.Millisecond)

	// Flush may fail without a collector listening; only panics are bugs.
	if err := p.Shutdown(ctx); err != nil {
		t.Logf("shutdown reported: %v", err)
	}
}

func TestMetricsNilReceiver(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	m.RecordIngestion(ctx, 1, 1)
	m.RecordMatch(ctx, "accepted")
	m.RecordDedup(ctx, 1, 0)
	m.StageDuration(ctx, "dedup", time.Millisecond)
}

func TestBatchAttrs(t *testing.T) {
	attrs := BatchAttrs("b-42", "moneyfacts", "easy_access")
	require.Len(t, attrs, 3)
	require.Equal(t, "rateloom.batch.id", string(attrs[0].Key))
	require.Equal(t, "b-42", attrs[0].Value.AsString())
	require.Equal(t, "moneyfacts", attrs[1].Value.AsString())
	require.Equal(t, "easy_access", attrs[2].Value.AsString())
}
