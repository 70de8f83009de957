package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rateloom/core/pkg/contracts"
)

// testEnv points the CLI at a throwaway catalog.
func testEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("RATELOOM_DATA_DIR", dir)
	t.Setenv("RATELOOM_SETTINGS", filepath.Join(dir, "rateloom.yaml"))
	return dir
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"rateloom"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeFeedFile(t *testing.T, dir string, products []map[string]any) string {
	t.Helper()
	doc := map[string]any{
		"metadata": map[string]any{
			"source": "moneyfacts",
			"method": "easy_access",
		},
		"products": products,
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(dir, "feed.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func feedProduct(bank string, rate float64) map[string]any {
	return map[string]any{
		"bankName":      bank,
		"platform":      "direct",
		"accountType":   "easy_access",
		"aerRate":       rate,
		"fscsProtected": true,
		"scrapedAt":     "2026-03-10T08:00:00Z",
	}
}

func TestRunDispatch(t *testing.T) {
	code, _, stderr := runCLI(t, "frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Unknown command")

	code, stdout, _ := runCLI(t, "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "USAGE")

	code, stdout, _ = runCLI(t, "version")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "rateloom")

	code, _, _ = runCLI(t)
	assert.Equal(t, 2, code)
}

func TestIngestThenAudit(t *testing.T) {
	dir := testEnv(t)
	feedPath := writeFeedFile(t, dir, []map[string]any{
		feedProduct("Chase Bank UK", 4.5),
		feedProduct("Rival Bank", 4.1),
	})

	code, stdout, stderr := runCLI(t, "ingest", feedPath, "--json", "--no-progress")
	require.Equal(t, 0, code, "stderr: %s", stderr)

	var sum contracts.BatchSummary
	require.NoError(t, json.Unmarshal([]byte(stdout), &sum))
	assert.Equal(t, contracts.BatchCommitted, sum.Status)
	assert.Equal(t, 2, sum.RecordsValid)
	assert.Equal(t, 2, sum.CatalogRows)

	// The trail for the committed batch resolves.
	code, stdout, _ = runCLI(t, "audit", sum.BatchID, "--json")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, sum.BatchID)
	assert.Contains(t, stdout, `"ingestion"`)

	// Unknown ids produce an empty report, not an error.
	code, stdout, _ = runCLI(t, "audit", "00000000-0000-0000-0000-000000000000", "--json")
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, `"runs": null`)

	// Re-ingesting the same file short-circuits.
	code, stdout, _ = runCLI(t, "ingest", feedPath, "--json", "--no-progress")
	require.Equal(t, 0, code)
	require.NoError(t, json.Unmarshal([]byte(stdout), &sum))
	assert.Equal(t, contracts.BatchAlreadyCommitted, sum.Status)
}

func TestIngestEmitsProgress(t *testing.T) {
	dir := testEnv(t)
	feedPath := writeFeedFile(t, dir, []map[string]any{feedProduct("Chase Bank UK", 4.5)})

	code, _, stderr := runCLI(t, "ingest", feedPath, "--json")
	require.Equal(t, 0, code)
	assert.Contains(t, stderr, "PROGRESS:")
	assert.Contains(t, stderr, "PROGRESS:100:")
}

func TestIngestStopAfter(t *testing.T) {
	dir := testEnv(t)
	feedPath := writeFeedFile(t, dir, []map[string]any{feedProduct("Chase Bank UK", 4.5)})

	code, stdout, _ := runCLI(t, "ingest", feedPath, "--stop-after", "matching", "--json", "--no-progress")
	require.Equal(t, 0, code)

	var sum contracts.BatchSummary
	require.NoError(t, json.Unmarshal([]byte(stdout), &sum))
	assert.Equal(t, contracts.BatchStopped, sum.Status)
	assert.Equal(t, contracts.StageMatching, sum.StoppedAfter)
	assert.Equal(t, 0, sum.CatalogRows)

	code, _, stderr := runCLI(t, "ingest", feedPath, "--stop-after", "teardown")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "unknown stage")
}

func TestIngestMissingFile(t *testing.T) {
	testEnv(t)
	code, _, stderr := runCLI(t, "ingest", "no-such-feed.json", "--no-progress")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Error")
}

func TestResearchLifecycle(t *testing.T) {
	dir := testEnv(t)
	feedPath := writeFeedFile(t, dir, []map[string]any{
		feedProduct("Mystery Bank", 4.5),
		feedProduct("Enigma Savings", 4.2),
	})

	code, _, stderr := runCLI(t, "ingest", feedPath, "--json", "--no-progress")
	require.Equal(t, 0, code, "stderr: %s", stderr)

	// Both unmatched names were flagged for research.
	code, stdout, _ := runCLI(t, "research", "list", "--json")
	require.Equal(t, 0, code)
	var entries []contracts.ResearchEntry
	require.NoError(t, json.Unmarshal([]byte(stdout), &entries))
	require.Len(t, entries, 2)

	code, stdout, _ = runCLI(t, "research", "resolve", "Mystery Bank", "--frn", "987654")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "987654")

	code, _, _ = runCLI(t, "research", "dismiss", "Enigma Savings")
	require.Equal(t, 0, code)

	// The open queue is drained; listing it is now an empty result.
	code, stdout, _ = runCLI(t, "research", "list", "--json")
	assert.Equal(t, 1, code)

	code, stdout, _ = runCLI(t, "research", "list", "--status", "resolved", "--json")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "Mystery Bank")

	// A rebuild picks up the new attribution.
	code, stdout, _ = runCLI(t, "rebuild", "--json", "--no-progress")
	require.Equal(t, 0, code)
	var sum contracts.BatchSummary
	require.NoError(t, json.Unmarshal([]byte(stdout), &sum))
	assert.Equal(t, contracts.BatchCommitted, sum.Status)
	assert.Equal(t, 1, sum.Matched)

	code, _, stderr = runCLI(t, "research", "resolve", "Nobody", "--frn", "1")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "not in the research queue")
}

func TestConfigGetSet(t *testing.T) {
	testEnv(t)

	code, stdout, _ := runCLI(t, "config", "get", "ingestion.rate_threshold.easy_access")
	require.Equal(t, 0, code)
	assert.Equal(t, "1.5", strings.TrimSpace(stdout))

	code, _, _ = runCLI(t, "config", "set", "ingestion.rate_threshold.easy_access", "2.5")
	require.Equal(t, 0, code)

	code, stdout, _ = runCLI(t, "config", "get", "ingestion.rate_threshold.easy_access")
	require.Equal(t, 0, code)
	assert.Equal(t, "2.5", strings.TrimSpace(stdout))

	// Seeded rows keep their declared type, so junk is refused.
	code, _, stderr := runCLI(t, "config", "set", "ingestion.rate_threshold.easy_access", "fast")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "not a number")

	code, _, _ = runCLI(t, "config", "get", "no.such.key")
	assert.Equal(t, 1, code)

	code, stdout, _ = runCLI(t, "config", "list")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "matching.fuzzy_threshold")
}

func TestComplianceAndPlanEmpty(t *testing.T) {
	testEnv(t)

	// No deposits: the report is empty with a warning, never an error.
	code, stdout, _ := runCLI(t, "compliance", "--json")
	assert.Equal(t, 1, code)
	var report contracts.ComplianceReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.Empty(t, report.Institutions)
	assert.NotEmpty(t, report.Warnings)

	code, stdout, _ = runCLI(t, "plan", "--json")
	assert.Equal(t, 1, code)
	var plan contracts.DiversificationPlan
	require.NoError(t, json.Unmarshal([]byte(stdout), &plan))
	assert.Empty(t, plan.Entries)

	code, _, stderr := runCLI(t, "compliance", "--type", "bonds")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "unknown account type")
}

func TestDoctorFreshCatalog(t *testing.T) {
	testEnv(t)

	code, stdout, _ := runCLI(t, "doctor", "--json")
	require.Equal(t, 0, code)

	var results []struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &results))

	byName := map[string]string{}
	for _, r := range results {
		byName[r.Name] = r.Status
	}
	assert.Equal(t, "ok", byName["go_runtime"])
	assert.Equal(t, "ok", byName["database"])
	assert.Equal(t, "ok", byName["config_matching"])
	assert.Equal(t, "warn", byName["lookup_table"])
	assert.Equal(t, "warn", byName["catalog"])
}
