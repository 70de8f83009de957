package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/rateloom/core/pkg/audit"
	"github.com/rateloom/core/pkg/contracts"
	"github.com/rateloom/core/pkg/store"
)

// runAuditCmd implements `rateloom audit <batch-id>`: print the forensic
// trail for one batch, optionally exporting it as an evidence pack.
//
// Exit codes:
//
//	0 = trail found
//	1 = unknown batch id (empty report)
//	2 = runtime error
func runAuditCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("audit", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		jsonOutput   bool
		exportPath   string
		settingsPath string
	)
	cmd.BoolVar(&jsonOutput, "json", false, "Emit the full trail as JSON")
	cmd.StringVar(&exportPath, "export", "", "Write a zip evidence pack to this path")
	cmd.StringVar(&settingsPath, "settings", defaultSettingsPath(), "Settings file (YAML)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: rateloom audit <batch-id> [--json] [--export <path>]")
		return 2
	}
	batchID := cmd.Arg(0)

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	a, err := openApp(ctx, settingsPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.Close()

	svc := audit.NewService(a.db)
	report, err := svc.BatchReport(ctx, batchID)
	if errors.Is(err, store.ErrNotFound) {
		// Unknown ids yield an empty report, not a failure.
		report = &audit.Report{BatchID: batchID}
		err = nil
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if exportPath != "" && len(report.Runs) > 0 {
		pack, checksum, err := audit.NewExporter(svc).GeneratePack(ctx, batchID)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: export pack: %v\n", err)
			return 2
		}
		if err := os.WriteFile(exportPath, pack, 0o600); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: write pack: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stderr, "evidence pack written: %s (sha256 %s)\n", exportPath, checksum)
	}

	if jsonOutput {
		writeJSON(stdout, report)
	} else {
		printAuditReport(stdout, report)
	}

	if len(report.Runs) == 0 {
		return 1
	}
	return 0
}

func printAuditReport(w io.Writer, r *audit.Report) {
	_, _ = fmt.Fprintf(w, "\n%sAudit Trail %s%s\n", ColorBold, r.BatchID, ColorReset)

	if len(r.Runs) == 0 {
		_, _ = fmt.Fprintln(w, "  (no runs recorded for this batch id)")
		return
	}

	for _, run := range r.Runs {
		finished := "-"
		if run.FinishedAt != nil {
			finished = run.FinishedAt.Format("2006-01-02 15:04:05")
		}
		_, _ = fmt.Fprintf(w, "  run %-4d %-22s started %s finished %s",
			run.ID, run.Status, run.StartedAt.Format("2006-01-02 15:04:05"), finished)
		if run.Error != "" {
			_, _ = fmt.Fprintf(w, "  %s%s%s", ColorRed, run.Error, ColorReset)
		}
		_, _ = fmt.Fprintln(w)
	}

	valid, invalid := r.ValidationCounts()
	_, _ = fmt.Fprintf(w, "  ingestion: %d valid, %d invalid\n", valid, invalid)

	if counts := r.FilterCounts(); len(counts) > 0 {
		outcomes := make([]string, 0, len(counts))
		for outcome := range counts {
			outcomes = append(outcomes, outcome)
		}
		sort.Strings(outcomes)
		_, _ = fmt.Fprint(w, "  filter:   ")
		for _, outcome := range outcomes {
			_, _ = fmt.Fprintf(w, " %s=%d", outcome, counts[outcome])
		}
		_, _ = fmt.Fprintln(w)
	}

	if counts := r.RoutingCounts(); len(counts) > 0 {
		routings := make([]string, 0, len(counts))
		for routing := range counts {
			routings = append(routings, string(routing))
		}
		sort.Strings(routings)
		_, _ = fmt.Fprint(w, "  matching: ")
		for _, routing := range routings {
			_, _ = fmt.Fprintf(w, " %s=%d", routing, counts[contracts.DecisionRouting(routing)])
		}
		_, _ = fmt.Fprintln(w)
	}

	winners, rejected := r.DedupCounts()
	_, _ = fmt.Fprintf(w, "  dedup:     %d winners, %d rejected\n", winners, rejected)

	for _, warn := range r.Warnings() {
		_, _ = fmt.Fprintf(w, "  %s! %s%s\n", ColorYellow, warn, ColorReset)
	}
}
