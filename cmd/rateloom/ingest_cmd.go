package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/rateloom/core/pkg/contracts"
	"github.com/rateloom/core/pkg/pipeline"
)

// runIngestCmd implements `rateloom ingest <file>`.
//
// Exit codes:
//
//	0 = batch committed cleanly
//	1 = committed with warnings, or the catalog came out empty
//	2 = batch failed
func runIngestCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("ingest", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		stopAfter    string
		jsonOutput   bool
		settingsPath string
		noProgress   bool
	)
	cmd.StringVar(&stopAfter, "stop-after", "", "Halt after the named stage: ingestion|filter|raw_accumulation|matching|dedup|commit")
	cmd.BoolVar(&jsonOutput, "json", false, "Emit the batch summary as JSON")
	cmd.StringVar(&settingsPath, "settings", defaultSettingsPath(), "Settings file (YAML)")
	cmd.BoolVar(&noProgress, "no-progress", false, "Suppress PROGRESS lines on stderr")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: rateloom ingest <file> [--stop-after <stage>] [--json]")
		return 2
	}
	feedPath := cmd.Arg(0)

	var stop contracts.Stage
	if stopAfter != "" {
		stop = contracts.Stage(stopAfter)
		if !stop.Valid() {
			_, _ = fmt.Fprintf(stderr, "Error: unknown stage %q\n", stopAfter)
			return 2
		}
	}

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	a, err := openApp(ctx, settingsPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.Close()

	orc, err := a.orchestrator(stderr, !noProgress)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	summary, err := orc.ProcessFile(ctx, feedPath, pipeline.Options{StopAfter: stop})
	return emitSummary(stdout, stderr, summary, err, jsonOutput)
}

// runRebuildCmd implements `rateloom rebuild`: re-match and re-dedup the full
// raw table without re-reading any feed file.
func runRebuildCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("rebuild", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		jsonOutput   bool
		settingsPath string
		noProgress   bool
	)
	cmd.BoolVar(&jsonOutput, "json", false, "Emit the batch summary as JSON")
	cmd.StringVar(&settingsPath, "settings", defaultSettingsPath(), "Settings file (YAML)")
	cmd.BoolVar(&noProgress, "no-progress", false, "Suppress PROGRESS lines on stderr")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	a, err := openApp(ctx, settingsPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.Close()

	orc, err := a.orchestrator(stderr, !noProgress)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	summary, err := orc.RebuildFromRaw(ctx)
	return emitSummary(stdout, stderr, summary, err, jsonOutput)
}

func emitSummary(stdout, stderr io.Writer, summary contracts.BatchSummary, err error, jsonOutput bool) int {
	if jsonOutput {
		writeJSON(stdout, summary)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if !jsonOutput {
		printSummary(stdout, summary)
	}
	if len(summary.Warnings) > 0 {
		return 1
	}
	if summary.Status == contracts.BatchCommitted && summary.CatalogRows == 0 {
		return 1
	}
	return 0
}

func printSummary(w io.Writer, s contracts.BatchSummary) {
	statusColor := ColorGreen
	switch s.Status {
	case contracts.BatchCommitted, contracts.BatchAlreadyCommitted, contracts.BatchStopped:
	default:
		statusColor = ColorRed
	}

	_, _ = fmt.Fprintf(w, "\n%sBatch %s%s\n", ColorBold, s.BatchID, ColorReset)
	_, _ = fmt.Fprintf(w, "  status:    %s%s%s\n", statusColor, s.Status, ColorReset)
	if s.Source != "" {
		_, _ = fmt.Fprintf(w, "  feed:      %s/%s\n", s.Source, s.Method)
	}
	if s.StoppedAfter != "" {
		_, _ = fmt.Fprintf(w, "  stopped:   after %s\n", s.StoppedAfter)
	}
	_, _ = fmt.Fprintf(w, "  records:   %d total, %d valid, %d invalid, %d filtered\n",
		s.RecordsTotal, s.RecordsValid, s.RecordsInvalid, s.RecordsFiltered)
	_, _ = fmt.Fprintf(w, "  matching:  %d matched, %d needs review, %d unmatched\n",
		s.Matched, s.NeedsReview, s.Unmatched)
	_, _ = fmt.Fprintf(w, "  catalog:   %d products, %d rejected duplicates\n",
		s.CatalogRows, s.Rejected)
	if s.Elapsed != "" {
		_, _ = fmt.Fprintf(w, "  elapsed:   %s\n", s.Elapsed)
	}
	for _, warn := range s.Warnings {
		_, _ = fmt.Fprintf(w, "  %s! %s%s\n", ColorYellow, warn, ColorReset)
	}
}
