package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/rateloom/core/pkg/config"
	"github.com/rateloom/core/pkg/store"
)

// runConfigCmd implements `rateloom config <get|set|list>` over the config
// table. Writes stamp updated_at, so running pipelines pick the change up on
// their next batch via the loader fingerprint.
func runConfigCmd(args []string, stdout, stderr io.Writer) int {
	switch args[0] {
	case "get":
		return runConfigGet(args[1:], stdout, stderr)
	case "set":
		return runConfigSet(args[1:], stdout, stderr)
	case "list":
		return runConfigList(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown config subcommand: %s\n", args[0])
		_, _ = fmt.Fprintln(stderr, "Usage: rateloom config <get|set|list>")
		return 2
	}
}

func runConfigGet(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("config get", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		jsonOutput   bool
		settingsPath string
	)
	cmd.BoolVar(&jsonOutput, "json", false, "Emit key, value and type as JSON")
	cmd.StringVar(&settingsPath, "settings", defaultSettingsPath(), "Settings file (YAML)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: rateloom config get <key>")
		return 2
	}
	key := cmd.Arg(0)

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	a, err := openApp(ctx, settingsPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.Close()

	value, err := store.NewConfigStore(a.db).Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		_, _ = fmt.Fprintf(stderr, "Error: no config row for %q\n", key)
		return 1
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		writeJSON(stdout, map[string]string{
			"key":   key,
			"value": value.Raw,
			"type":  string(value.Type),
		})
	} else {
		_, _ = fmt.Fprintln(stdout, value.Raw)
	}
	return 0
}

func runConfigSet(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("config set", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		typeFlag     string
		settingsPath string
	)
	cmd.StringVar(&typeFlag, "type", "", "Value type for new keys: string|number|boolean|json (existing keys keep theirs)")
	cmd.StringVar(&settingsPath, "settings", defaultSettingsPath(), "Settings file (YAML)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 2 {
		_, _ = fmt.Fprintln(stderr, "Usage: rateloom config set <key> <value> [--type <type>]")
		return 2
	}
	key, raw := cmd.Arg(0), cmd.Arg(1)

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	a, err := openApp(ctx, settingsPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.Close()

	cs := store.NewConfigStore(a.db)

	typ := config.ValueType(typeFlag)
	if typeFlag == "" {
		// Existing rows keep their declared type; new keys default to string.
		existing, err := cs.Get(ctx, key)
		switch {
		case err == nil:
			typ = existing.Type
		case errors.Is(err, store.ErrNotFound):
			typ = config.TypeString
		default:
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}

	if err := checkValue(raw, typ); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if err := cs.Set(ctx, key, raw, typ); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	_, _ = fmt.Fprintf(stdout, "%s = %s (%s)\n", key, raw, typ)
	return 0
}

func runConfigList(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("config list", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		jsonOutput   bool
		settingsPath string
	)
	cmd.BoolVar(&jsonOutput, "json", false, "Emit the full table as JSON")
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

	snapshot, _, err := store.NewConfigStore(a.db).ConfigSnapshot(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if jsonOutput {
		out := make(map[string]map[string]string, len(snapshot))
		for _, k := range keys {
			out[k] = map[string]string{
				"value": snapshot[k].Raw,
				"type":  string(snapshot[k].Type),
			}
		}
		writeJSON(stdout, out)
	} else {
		for _, k := range keys {
			_, _ = fmt.Fprintf(stdout, "%-42s %-8s %s\n", k, snapshot[k].Type, snapshot[k].Raw)
		}
	}
	return 0
}

// checkValue rejects writes the loader would refuse to parse, so a typo'd
// `config set` cannot brick the next batch.
func checkValue(raw string, typ config.ValueType) error {
	switch typ {
	case config.TypeString:
		return nil
	case config.TypeNumber:
		if _, err := strconv.ParseFloat(raw, 64); err != nil {
			return fmt.Errorf("%q is not a number", raw)
		}
		return nil
	case config.TypeBoolean:
		if raw != "true" && raw != "false" {
			return fmt.Errorf("%q is not a boolean (use true or false)", raw)
		}
		return nil
	case config.TypeJSON:
		if !json.Valid([]byte(raw)) {
			return fmt.Errorf("value is not valid JSON")
		}
		return nil
	default:
		return fmt.Errorf("unknown config type %q", typ)
	}
}
