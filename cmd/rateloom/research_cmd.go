package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/rateloom/core/pkg/contracts"
	"github.com/rateloom/core/pkg/matcher"
	"github.com/rateloom/core/pkg/store"
)

// runResearchCmd implements `rateloom research <list|resolve|dismiss>`.
// Resolving an entry writes the attribution into the lookup table, so the
// next batch (or a rebuild) matches the name without human review.
func runResearchCmd(args []string, stdout, stderr io.Writer) int {
	switch args[0] {
	case "list":
		return runResearchList(args[1:], stdout, stderr)
	case "resolve":
		return runResearchResolve(args[1:], stdout, stderr)
	case "dismiss":
		return runResearchDismiss(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown research subcommand: %s\n", args[0])
		_, _ = fmt.Fprintln(stderr, "Usage: rateloom research <list|resolve|dismiss>")
		return 2
	}
}

func runResearchList(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("research list", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		status       string
		jsonOutput   bool
		settingsPath string
	)
	cmd.StringVar(&status, "status", "open", "Filter by status: open|resolved|dismissed")
	cmd.BoolVar(&jsonOutput, "json", false, "Emit entries as JSON")
	cmd.StringVar(&settingsPath, "settings", defaultSettingsPath(), "Settings file (YAML)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	switch contracts.ResearchStatus(status) {
	case contracts.ResearchOpen, contracts.ResearchResolved, contracts.ResearchDismissed:
	default:
		_, _ = fmt.Fprintf(stderr, "Error: unknown status %q\n", status)
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

	entries, err := store.NewResearchStore(a.db).List(ctx, contracts.ResearchStatus(status))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		writeJSON(stdout, entries)
	} else {
		_, _ = fmt.Fprintf(stdout, "\n%sResearch Queue%s (%s)\n", ColorBold, ColorReset, status)
		if len(entries) == 0 {
			_, _ = fmt.Fprintln(stdout, "  (empty)")
		}
		for _, e := range entries {
			_, _ = fmt.Fprintf(stdout, "  %-40q seen %3dx, last %s\n",
				e.BankName, e.OccurrenceCount, e.LastSeen.Format("2006-01-02"))
		}
	}

	if len(entries) == 0 {
		return 1
	}
	return 0
}

func runResearchResolve(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("research resolve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		frn          string
		canonical    string
		matchType    string
		settingsPath string
		jsonOutput   bool
	)
	cmd.StringVar(&frn, "frn", "", "Regulator id the name resolves to (REQUIRED)")
	cmd.StringVar(&canonical, "canonical", "", "Canonical institution name (default: the queued name)")
	cmd.StringVar(&matchType, "match-type", string(contracts.MatchDirect),
		"Lookup row kind: direct_match|name_variation|shared_brand|alias")
	cmd.StringVar(&settingsPath, "settings", defaultSettingsPath(), "Settings file (YAML)")
	cmd.BoolVar(&jsonOutput, "json", false, "Emit the result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 || frn == "" {
		_, _ = fmt.Fprintln(stderr, "Usage: rateloom research resolve <bank-name> --frn <regulator-id> [--canonical <name>] [--match-type <type>]")
		return 2
	}
	name := cmd.Arg(0)

	switch contracts.MatchType(matchType) {
	case contracts.MatchDirect, contracts.MatchNameVariation, contracts.MatchSharedBrand, contracts.MatchAlias:
	default:
		_, _ = fmt.Fprintf(stderr, "Error: unknown match type %q\n", matchType)
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

	research := store.NewResearchStore(a.db)
	entry, err := research.Get(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		_, _ = fmt.Fprintf(stderr, "Error: %q is not in the research queue\n", name)
		return 1
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	mcfg, err := matcher.LoadConfig(a.loader)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if canonical == "" {
		canonical = entry.BankName
	}

	lookup := contracts.LookupEntry{
		SearchName:    matcher.NormalizeName(entry.BankName, mcfg),
		RegulatorID:   frn,
		CanonicalName: canonical,
		MatchType:     contracts.MatchType(matchType),
		Confidence:    1.0,
		Active:        true,
		UpdatedAt:     time.Now().UTC(),
	}
	if err := store.NewLookupStore(a.db).Upsert(ctx, lookup); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if err := research.SetStatus(ctx, entry.ID, contracts.ResearchResolved); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		writeJSON(stdout, map[string]any{
			"bank_name":   entry.BankName,
			"search_name": lookup.SearchName,
			"frn":         frn,
			"match_type":  matchType,
			"status":      string(contracts.ResearchResolved),
		})
	} else {
		_, _ = fmt.Fprintf(stdout, "resolved %q -> %s (%s)\n", entry.BankName, frn, matchType)
		_, _ = fmt.Fprintf(stdout, "run `rateloom rebuild` to apply the attribution to existing records\n")
	}
	return 0
}

func runResearchDismiss(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("research dismiss", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		settingsPath string
		jsonOutput   bool
	)
	cmd.StringVar(&settingsPath, "settings", defaultSettingsPath(), "Settings file (YAML)")
	cmd.BoolVar(&jsonOutput, "json", false, "Emit the result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: rateloom research dismiss <bank-name>")
		return 2
	}
	name := cmd.Arg(0)

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	a, err := openApp(ctx, settingsPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.Close()

	research := store.NewResearchStore(a.db)
	entry, err := research.Get(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		_, _ = fmt.Fprintf(stderr, "Error: %q is not in the research queue\n", name)
		return 1
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if err := research.SetStatus(ctx, entry.ID, contracts.ResearchDismissed); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		writeJSON(stdout, map[string]any{
			"bank_name": entry.BankName,
			"status":    string(contracts.ResearchDismissed),
		})
	} else {
		_, _ = fmt.Fprintf(stdout, "dismissed %q\n", entry.BankName)
	}
	return 0
}
