package contracts

import "time"

// Stage identifies a pipeline stage. The values double as the accepted
// stop-after-stage control inputs.
type Stage string

const (
	StageIngestion       Stage = "ingestion"
	StageFilter          Stage = "filter"
	StageRawAccumulation Stage = "raw_accumulation"
	StageMatching        Stage = "matching"
	StageDedup           Stage = "dedup"
	StageCommit          Stage = "commit"
)

// stageOrder maps each stage to its position in the pipeline.
var stageOrder = map[Stage]int{
	StageIngestion:       1,
	StageFilter:          2,
	StageRawAccumulation: 3,
	StageMatching:        4,
	StageDedup:           5,
	StageCommit:          6,
}

// Valid reports whether s names a pipeline stage.
func (s Stage) Valid() bool { _, ok := stageOrder[s]; return ok }

// After reports whether s comes after other in pipeline order.
func (s Stage) After(other Stage) bool { return stageOrder[s] > stageOrder[other] }

// BatchStatus is the terminal (or in-flight) state recorded in batch_master.
// Whole-batch failures record the failure kind as the status.
type BatchStatus string

const (
	BatchRunning              BatchStatus = "running"
	BatchCommitted            BatchStatus = "committed"
	BatchStopped              BatchStatus = "stopped" // stop-after-stage before commit
	BatchAlreadyCommitted     BatchStatus = "already_committed"
	BatchCancelled            BatchStatus = "cancelled"
	BatchEnvelopeInvalid      BatchStatus = "envelope_invalid"
	BatchConfigInvalid        BatchStatus = "config_invalid"
	BatchStoreUnavailable     BatchStatus = "store_unavailable"
	BatchAccumulationConflict BatchStatus = "accumulation_conflict"
)

// Terminal reports whether the status is an end state.
func (s BatchStatus) Terminal() bool { return s != BatchRunning }

// BatchRecord is a row of batch_master. The same BatchID may appear more than
// once: re-running an already committed file appends an already_committed row.
type BatchRecord struct {
	ID         int64       `json:"id"`
	BatchID    string      `json:"batch_id"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	FilePath   string      `json:"file_path"`
	FileSHA256 string      `json:"file_sha256,omitempty"`
	Source     string      `json:"source"`
	Method     string      `json:"method"`
	Status     BatchStatus `json:"status"`
	Error      string      `json:"error,omitempty"`
}

// ProgressEvent is published by the orchestrator as a batch advances.
type ProgressEvent struct {
	BatchID string  `json:"batch_id"`
	Stage   Stage   `json:"stage"`
	Percent float64 `json:"percent"`
	Message string  `json:"message"`
}

// BatchSummary is the result document a pipeline run emits.
type BatchSummary struct {
	BatchID         string      `json:"batch_id"`
	Status          BatchStatus `json:"status"`
	Source          string      `json:"source"`
	Method          string      `json:"method"`
	StoppedAfter    Stage       `json:"stopped_after,omitempty"`
	RecordsTotal    int         `json:"records_total"`
	RecordsValid    int         `json:"records_valid"`
	RecordsInvalid  int         `json:"records_invalid"`
	RecordsFiltered int         `json:"records_filtered"`
	Matched         int         `json:"matched"`
	NeedsReview     int         `json:"needs_review"`
	Unmatched       int         `json:"unmatched"`
	CatalogRows     int         `json:"catalog_rows"`
	Rejected        int         `json:"rejected"`
	Warnings        []string    `json:"warnings,omitempty"`
	Elapsed         string      `json:"elapsed,omitempty"`
}
