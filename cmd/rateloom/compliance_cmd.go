package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/rateloom/core/pkg/compliance"
	"github.com/rateloom/core/pkg/contracts"
	"github.com/rateloom/core/pkg/store"
)

// runComplianceCmd implements `rateloom compliance`: evaluate per-institution
// FSCS exposure over the active deposits.
//
// Exit codes:
//
//	0 = every institution compliant, no warnings
//	1 = violations found, or the report carries warnings
//	2 = runtime error
func runComplianceCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("compliance", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		accountType  string
		jsonOutput   bool
		settingsPath string
	)
	cmd.StringVar(&accountType, "type", "", "Only evaluate deposits of this account type: easy_access|notice|fixed_term")
	cmd.BoolVar(&jsonOutput, "json", false, "Emit the report as JSON")
	cmd.StringVar(&settingsPath, "settings", defaultSettingsPath(), "Settings file (YAML)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if accountType != "" && !contracts.AccountType(accountType).Valid() {
		_, _ = fmt.Fprintf(stderr, "Error: unknown account type %q\n", accountType)
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

	report, _, err := buildReport(ctx, a, accountType)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		writeJSON(stdout, report)
	} else {
		printReport(stdout, report)
	}

	if len(report.Breaches()) > 0 || len(report.Warnings) > 0 {
		return 1
	}
	return 0
}

// runPlanCmd implements `rateloom plan`: propose transfers that bring
// breached institutions back under their effective limits.
//
// Exit codes:
//
//	0 = a plan was produced and every excess placed
//	1 = nothing to plan, or some excess could not be placed
//	2 = runtime error
func runPlanCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("plan", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		maxRateLoss  float64
		jsonOutput   bool
		settingsPath string
	)
	cmd.Float64Var(&maxRateLoss, "max-rate-loss", -1, "Acceptable AER loss in percentage points (default: config)")
	cmd.BoolVar(&jsonOutput, "json", false, "Emit the plan as JSON")
	cmd.StringVar(&settingsPath, "settings", defaultSettingsPath(), "Settings file (YAML)")

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

	report, inputs, err := buildReport(ctx, a, "")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if maxRateLoss >= 0 {
		inputs.cfg.MaxRateLoss = maxRateLoss
	}

	products, err := store.NewCatalogStore(a.db).All(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	plan := compliance.BuildPlan(report, products, inputs.prefs, inputs.deposits, inputs.cfg, time.Now().UTC())

	if jsonOutput {
		writeJSON(stdout, plan)
	} else {
		printPlan(stdout, plan)
	}

	if len(plan.Warnings) > 0 || plan.UnplacedTotalMinor > 0 || len(plan.Entries) == 0 {
		return 1
	}
	return 0
}

// reportInputs keeps the pieces the planner reuses from the compliance run.
type reportInputs struct {
	deposits []contracts.Deposit
	prefs    map[string]contracts.InstitutionPrefs
	cfg      compliance.Config
}

func buildReport(ctx context.Context, a *app, accountType string) (*contracts.ComplianceReport, reportInputs, error) {
	var in reportInputs

	cfg, err := compliance.LoadConfig(a.loader)
	if err != nil {
		return nil, in, err
	}

	deposits, err := store.NewDepositStore(a.db).Active(ctx)
	if err != nil {
		return nil, in, err
	}
	if accountType != "" {
		kept := deposits[:0]
		for _, d := range deposits {
			if d.SubType == accountType {
				kept = append(kept, d)
			}
		}
		deposits = kept
	}

	prefs, err := store.NewPrefsStore(a.db).All(ctx)
	if err != nil {
		return nil, in, err
	}

	in = reportInputs{deposits: deposits, prefs: prefs, cfg: cfg}
	return compliance.BuildReport(deposits, prefs, cfg, time.Now().UTC()), in, nil
}

func printReport(w io.Writer, r *contracts.ComplianceReport) {
	_, _ = fmt.Fprintf(w, "\n%sFSCS Exposure Report%s  (default limit £%s, tolerance £%s)\n",
		ColorBold, ColorReset,
		compliance.FormatMinor(r.DefaultLimitMinor), compliance.FormatMinor(r.ToleranceMinor))

	if len(r.Institutions) == 0 {
		_, _ = fmt.Fprintln(w, "  (no active deposits)")
	}
	for _, inst := range r.Institutions {
		mark, color := "OK", ColorGreen
		switch inst.Status {
		case contracts.StatusNearLimit:
			mark, color = "NEAR", ColorYellow
		case contracts.StatusTolerance:
			mark, color = "TOL", ColorYellow
		case contracts.StatusViolation:
			mark, color = "OVER", ColorRed
		}
		_, _ = fmt.Fprintf(w, "  %s%-4s%s %-8s £%12s / £%s",
			color, mark, ColorReset, inst.RegulatorID,
			compliance.FormatMinor(inst.AggregateMinor), compliance.FormatMinor(inst.EffectiveMinor))
		if inst.Status == contracts.StatusViolation {
			_, _ = fmt.Fprintf(w, "  over by £%s (%s)", compliance.FormatMinor(inst.ExcessMinor), inst.Severity)
		}
		_, _ = fmt.Fprintln(w)
		for _, note := range inst.Notes {
			_, _ = fmt.Fprintf(w, "       %s%s%s\n", ColorGray, note, ColorReset)
		}
	}
	for _, warn := range r.Warnings {
		_, _ = fmt.Fprintf(w, "  %s! %s%s\n", ColorYellow, warn, ColorReset)
	}
}

func printPlan(w io.Writer, p *contracts.DiversificationPlan) {
	_, _ = fmt.Fprintf(w, "\n%sDiversification Plan%s  (max rate loss %.2f pp)\n",
		ColorBold, ColorReset, p.MaxRateLoss)

	for _, entry := range p.Entries {
		_, _ = fmt.Fprintf(w, "  %s: move £%s\n", entry.SourceRegulatorID,
			compliance.FormatMinor(entry.ExcessMinor))
		for _, alloc := range entry.Allocations {
			_, _ = fmt.Fprintf(w, "    -> £%s to %s (%s via %s) at %.2f%%",
				compliance.FormatMinor(alloc.AmountMinor), alloc.TargetBank,
				alloc.TargetRegulatorID, alloc.Platform, alloc.Rate)
			if alloc.RateLoss > 0 {
				_, _ = fmt.Fprintf(w, ", losing %.2f pp", alloc.RateLoss)
			}
			_, _ = fmt.Fprintln(w)
		}
		for _, note := range entry.Notes {
			_, _ = fmt.Fprintf(w, "    %s%s%s\n", ColorGray, note, ColorReset)
		}
	}
	if p.UnplacedTotalMinor > 0 {
		_, _ = fmt.Fprintf(w, "  %s! £%s could not be placed%s\n",
			ColorRed, compliance.FormatMinor(p.UnplacedTotalMinor), ColorReset)
	}
	for _, warn := range p.Warnings {
		_, _ = fmt.Fprintf(w, "  %s! %s%s\n", ColorYellow, warn, ColorReset)
	}
}
