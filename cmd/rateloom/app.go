package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/rateloom/core/pkg/audit"
	"github.com/rateloom/core/pkg/config"
	"github.com/rateloom/core/pkg/contracts"
	"github.com/rateloom/core/pkg/feed"
	"github.com/rateloom/core/pkg/observability"
	"github.com/rateloom/core/pkg/pipeline"
	"github.com/rateloom/core/pkg/store"
)

// app bundles everything a command needs once the catalog is open: bootstrap
// settings, the process logger, the two sqlite handles, the config loader and
// the optional telemetry provider.
type app struct {
	settings  *config.Settings
	log       *slog.Logger
	db        *store.DB
	loader    *config.Loader
	telemetry *observability.Provider
}

// openApp loads settings, opens the catalog (creating and migrating it on
// first use), seeds default config rows and primes the config loader.
func openApp(ctx context.Context, settingsPath string, stderr io.Writer) (*app, error) {
	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		return nil, err
	}
	log := observability.NewLogger(stderr, settings.Logging)

	db, err := pipeline.OpenStore(ctx, settings.DatabasePath(), store.Options{
		BusyTimeout: settings.Store.BusyTimeout,
		ReaderConns: settings.Store.ReaderConns,
	}, settings.Store.OpenRetries)
	if err != nil {
		return nil, err
	}
	if err := db.EnsureDefaults(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	loader := config.NewLoader(store.NewConfigStore(db))
	if err := loader.Refresh(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	telemetry, err := observability.Setup(ctx, settings.Telemetry)
	if err != nil {
		// Telemetry is best-effort: a dead collector must not block a run.
		log.Warn("telemetry setup failed", "error", err)
		telemetry = nil
	}

	return &app{
		settings:  settings,
		log:       log,
		db:        db,
		loader:    loader,
		telemetry: telemetry,
	}, nil
}

func (a *app) Close() {
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.telemetry.Shutdown(ctx)
		cancel()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

// orchestrator builds a pipeline orchestrator wired to this app. Progress
// lines and audit events go to stderr; the result document owns stdout.
func (a *app) orchestrator(stderr io.Writer, progress bool) (*pipeline.Orchestrator, error) {
	reader, err := feed.NewReader(a.settings.Ingest.MaxFileBytes, a.settings.Ingest.MaxRecords)
	if err != nil {
		return nil, err
	}
	opts := []pipeline.Option{
		pipeline.WithLogger(a.log),
		pipeline.WithEventLog(audit.NewLoggerWithWriter(stderr)),
	}
	if a.telemetry != nil {
		opts = append(opts, pipeline.WithMetrics(a.telemetry.Metrics()))
	}
	if progress {
		printer := newProgressPrinter(stderr)
		opts = append(opts, pipeline.WithProgressSink(printer.emit))
	}
	return pipeline.New(a.db, a.loader, reader, opts...), nil
}

// signalContext cancels on SIGINT/SIGTERM so a mid-batch ^C rolls back the
// current stage transaction and records the batch as cancelled.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// progressPrinter writes PROGRESS:<percent>:<message> lines for subprocess
// callers. Intermediate events are rate-limited; start and completion always
// print so consumers see every stage boundary.
type progressPrinter struct {
	mu  sync.Mutex
	w   io.Writer
	lim *rate.Limiter
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{
		w:   w,
		lim: rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
	}
}

func (p *progressPrinter) emit(ev contracts.ProgressEvent) {
	if ev.Percent > 0 && ev.Percent < 100 && !p.lim.Allow() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintf(p.w, "PROGRESS:%d:%s\n", int(math.Round(ev.Percent)), ev.Message)
}

func defaultSettingsPath() string {
	if v := os.Getenv("RATELOOM_SETTINGS"); v != "" {
		return v
	}
	return "rateloom.yaml"
}

func writeJSON(w io.Writer, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(data))
}
