package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyBatchID is returned when the batch id is empty.
	ErrEmptyBatchID = errors.New("audit: batch id must not be empty")
	// ErrServiceNotConfigured is returned when export is invoked without a
	// backing query service (fail-closed).
	ErrServiceNotConfigured = errors.New("audit: service not configured (fail-closed)")
)

// Exporter bundles a batch's audit trail into a self-describing evidence pack.
type Exporter struct {
	svc *Service
}

func NewExporter(svc *Service) *Exporter {
	return &Exporter{svc: svc}
}

// GeneratePack creates a zip holding the typed audit report, a manifest with
// row counts and the report checksum, and a README. The returned checksum is
// the sha256 of the zip bytes.
func (e *Exporter) GeneratePack(ctx context.Context, batchID string) ([]byte, string, error) {
	if batchID == "" {
		return nil, "", ErrEmptyBatchID
	}
	if e.svc == nil {
		return nil, "", ErrServiceNotConfigured
	}

	report, err := e.svc.BatchReport(ctx, batchID)
	if err != nil {
		return nil, "", err
	}

	reportJSON, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, "", err
	}
	reportSum := sha256.Sum256(reportJSON)

	winners, rejected := report.DedupCounts()
	manifest := map[string]any{
		"batch_id":       batchID,
		"generated_at":   time.Now().UTC(),
		"latest_status":  report.LatestRun().Status,
		"runs":           len(report.Runs),
		"ingestion_rows": len(report.Ingestion),
		"matching_rows":  len(report.Matching),
		"dedup_rows":     len(report.Dedup),
		"dedup_winners":  winners,
		"dedup_rejected": rejected,
		"report_sha256":  hex.EncodeToString(reportSum[:]),
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: failed to marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	f, err := w.Create("report.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(reportJSON)

	f, err = w.Create("manifest.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(manifestJSON)

	f, err = w.Create("README.txt")
	if err != nil {
		return nil, "", err
	}
	_, _ = fmt.Fprintf(f, "Evidence pack for batch %s\nGenerated at %s\n", batchID, time.Now().UTC())

	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	hash := sha256.Sum256(zipBytes)
	checksum := hex.EncodeToString(hash[:])

	return zipBytes, checksum, nil
}
