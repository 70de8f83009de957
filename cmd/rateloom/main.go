package main

import (
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
)

const version = "0.2.0"

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	// Local overrides (RATELOOM_*) may live in a .env next to the catalog.
	_ = godotenv.Load()

	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "ingest":
		return runIngestCmd(args[2:], stdout, stderr)
	case "rebuild":
		return runRebuildCmd(args[2:], stdout, stderr)
	case "compliance":
		return runComplianceCmd(args[2:], stdout, stderr)
	case "plan":
		return runPlanCmd(args[2:], stdout, stderr)
	case "audit":
		return runAuditCmd(args[2:], stdout, stderr)
	case "research":
		if len(args) < 3 {
			_, _ = fmt.Fprintln(stderr, "Usage: rateloom research <list|resolve|dismiss>")
			return 2
		}
		return runResearchCmd(args[2:], stdout, stderr)
	case "config":
		if len(args) < 3 {
			_, _ = fmt.Fprintln(stderr, "Usage: rateloom config <get|set|list>")
			return 2
		}
		return runConfigCmd(args[2:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "rateloom %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%srateloom %s%s\n", ColorBold+ColorBlue, version, ColorReset)
	fmt.Fprintf(w, "%sSavings feed pipeline and depositor-protection tracker.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  rateloom <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "PIPELINE")
	printCommand(w, "ingest", "Run a feed file through the pipeline (--stop-after, --json)")
	printCommand(w, "rebuild", "Re-match and re-dedup the full raw table (--json)")
	printCommand(w, "audit", "Show the forensic trail for a batch (--json, --export)")
	printCommand(w, "research", "Manage unresolved bank names (list/resolve/dismiss)")

	printSection(w, "PROTECTION")
	printCommand(w, "compliance", "Evaluate FSCS exposure per institution (--type, --json)")
	printCommand(w, "plan", "Propose transfers for breached institutions (--max-rate-loss)")

	printSection(w, "OPERATIONS")
	printCommand(w, "config", "Read or write runtime configuration (get/set/list)")
	printCommand(w, "doctor", "Check catalog health and configuration")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}
