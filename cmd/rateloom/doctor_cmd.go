package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/rateloom/core/pkg/compliance"
	"github.com/rateloom/core/pkg/config"
	"github.com/rateloom/core/pkg/dedup"
	"github.com/rateloom/core/pkg/filter"
	"github.com/rateloom/core/pkg/matcher"
	"github.com/rateloom/core/pkg/pipeline"
	"github.com/rateloom/core/pkg/store"
)

// runDoctorCmd implements `rateloom doctor` — catalog health check.
//
// Exit codes:
//
//	0 = all checks pass (warnings allowed)
//	1 = one or more checks failed
//	2 = flag error
func runDoctorCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("doctor", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		jsonOutput   bool
		settingsPath string
	)
	cmd.BoolVar(&jsonOutput, "json", false, "Emit check results as JSON")
	cmd.StringVar(&settingsPath, "settings", defaultSettingsPath(), "Settings file (YAML)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	type checkResult struct {
		Name   string `json:"name"`
		Status string `json:"status"` // "ok", "warn", "fail"
		Detail string `json:"detail,omitempty"`
	}

	var results []checkResult
	allOK := true
	fail := func(name, detail string) {
		results = append(results, checkResult{Name: name, Status: "fail", Detail: detail})
		allOK = false
	}
	warn := func(name, detail string) {
		results = append(results, checkResult{Name: name, Status: "warn", Detail: detail})
	}
	ok := func(name, detail string) {
		results = append(results, checkResult{Name: name, Status: "ok", Detail: detail})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Check 1: Go runtime
	ok("go_runtime", fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH))

	// Check 2: settings file
	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		fail("settings", err.Error())
		settings = config.DefaultSettings()
	} else if _, statErr := os.Stat(settingsPath); statErr != nil {
		warn("settings", fmt.Sprintf("%s not found, using defaults", settingsPath))
	} else {
		ok("settings", settingsPath)
	}

	// Check 3: data directory
	if _, err := os.Stat(settings.DataDir); err != nil {
		warn("data_dir", fmt.Sprintf("%s does not exist (created on first ingest)", settings.DataDir))
	} else {
		ok("data_dir", settings.DataDir)
	}

	// Check 4: database open + migrations
	db, err := pipeline.OpenStore(ctx, settings.DatabasePath(), store.Options{
		BusyTimeout: settings.Store.BusyTimeout,
		ReaderConns: settings.Store.ReaderConns,
	}, settings.Store.OpenRetries)
	if err != nil {
		fail("database", err.Error())
	} else {
		ok("database", settings.DatabasePath())
		defer db.Close()

		if err := db.EnsureDefaults(ctx); err != nil {
			fail("config_defaults", err.Error())
		}

		// Check 5: every stage can load its config snapshot
		loader := config.NewLoader(store.NewConfigStore(db))
		configOK := false
		if err := loader.Refresh(ctx); err != nil {
			fail("config", err.Error())
		} else {
			configOK = true
			stages := []struct {
				name string
				load func() error
			}{
				{"config_filter", func() error { _, err := filter.LoadConfig(loader); return err }},
				{"config_matching", func() error { _, err := matcher.LoadConfig(loader); return err }},
				{"config_dedup", func() error { _, err := dedup.LoadConfig(loader); return err }},
				{"config_compliance", func() error { _, err := compliance.LoadConfig(loader); return err }},
			}
			for _, st := range stages {
				if err := st.load(); err != nil {
					fail(st.name, err.Error())
				} else {
					ok(st.name, "parses")
				}
			}
		}

		// Check 6: lookup table coverage
		entries, err := store.NewLookupStore(db).ActiveEntries(ctx)
		switch {
		case err != nil:
			fail("lookup_table", err.Error())
		case len(entries) == 0:
			warn("lookup_table", "no active entries; every record will route to research")
		default:
			ok("lookup_table", fmt.Sprintf("%d active entries", len(entries)))
		}

		// Check 7: research queue backlog
		open, err := store.NewResearchStore(db).CountOpen(ctx)
		if err != nil {
			fail("research_queue", err.Error())
		} else {
			queueCap := 0
			if configOK {
				queueCap, _ = loader.Int(config.KeyResearchQueueMaxSize)
			}
			if queueCap > 0 && open*5 >= queueCap*4 {
				warn("research_queue", fmt.Sprintf("%d open of %d cap", open, queueCap))
			} else {
				ok("research_queue", fmt.Sprintf("%d open", open))
			}
		}

		// Check 8: catalog size
		count, err := store.NewCatalogStore(db).Count(ctx)
		if err != nil {
			fail("catalog", err.Error())
		} else if count == 0 {
			warn("catalog", "empty (no committed batches yet)")
		} else {
			ok("catalog", fmt.Sprintf("%d products", count))
		}
	}

	// Check 9: telemetry
	if settings.Telemetry.Enabled {
		ok("telemetry", fmt.Sprintf("exporting to %s", settings.Telemetry.Endpoint))
	} else {
		ok("telemetry", "disabled")
	}

	if jsonOutput {
		writeJSON(stdout, results)
	} else {
		_, _ = fmt.Fprintf(stdout, "\n%srateloom doctor%s\n", ColorBold, ColorReset)
		_, _ = fmt.Fprintln(stdout, "----------------")
		for _, r := range results {
			icon := ColorGreen + "ok  " + ColorReset
			if r.Status == "warn" {
				icon = ColorYellow + "warn" + ColorReset
			} else if r.Status == "fail" {
				icon = ColorRed + "FAIL" + ColorReset
			}
			_, _ = fmt.Fprintf(stdout, "  %s  %-20s %s%s%s\n", icon, r.Name, ColorGray, r.Detail, ColorReset)
		}
	}

	if allOK {
		if !jsonOutput {
			_, _ = fmt.Fprintf(stdout, "\n%sAll checks passed.%s\n", ColorGreen+ColorBold, ColorReset)
		}
		return 0
	}
	return 1
}
