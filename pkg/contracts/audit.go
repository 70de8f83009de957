package contracts

import "time"

// ValidationStatus classifies a feed record at ingestion.
type ValidationStatus string

const (
	ValidationValid   ValidationStatus = "valid"
	ValidationInvalid ValidationStatus = "invalid"
)

// Validation reason codes. A record may fail more than one check; every
// failed check is recorded.
const (
	ReasonMissingBankName     = "missing_bank_name"
	ReasonMissingPlatform     = "missing_platform"
	ReasonMissingAccountType  = "missing_account_type"
	ReasonInvalidRate         = "invalid_rate"
	ReasonNegativeMinDeposit  = "negative_min_deposit"
	ReasonDepositRangeInvalid = "deposit_range_invalid"
	ReasonSchemaViolation     = "schema_violation"
	ReasonBadScrapeDate       = "bad_scrape_date"
)

// Filter outcomes recorded on ingestion_audit rows.
const (
	FilterPassed              = "passed"
	FilterRateBelowThreshold  = "rate_below_threshold"
	FilterDepositBoundsInsane = "deposit_bounds_insane"
	FilterAdmissionRejected   = "admission_rule_rejected"
	FilterUnknownAccountType  = "unknown_account_type"
)

// ValidationDetails is the typed form of ingestion_audit.validation_details_json.
type ValidationDetails struct {
	ReasonCodes []string `json:"reason_codes,omitempty"`
	UnknownKeys []string `json:"unknown_keys,omitempty"`
	Messages    []string `json:"messages,omitempty"`
}

// PlatformSourceMetadata is the typed form of
// ingestion_audit.platform_source_metadata_json.
type PlatformSourceMetadata struct {
	PlatformRaw       string         `json:"platform_raw"`
	PlatformCanonical string         `json:"platform_canonical"`
	Source            string         `json:"source"`
	Method            string         `json:"method"`
	EnvelopeExtra     map[string]any `json:"envelope_extra,omitempty"`
}

// IngestionAudit is one row of the ingestion_audit table: the validation and
// filter verdict for a single feed record, addressed by its ordinal in the
// file.
type IngestionAudit struct {
	BatchID          string                 `json:"batch_id"`
	RecordOrdinal    int                    `json:"record_ordinal"`
	ValidationStatus ValidationStatus       `json:"validation_status"`
	Details          ValidationDetails      `json:"validation_details"`
	FilterOutcome    string                 `json:"filter_outcome"`
	SourceMetadata   PlatformSourceMetadata `json:"platform_source_metadata"`
}

// NormalizationStep records one transformation of the matcher's name
// normalization pipeline.
type NormalizationStep struct {
	Step   string `json:"step"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// MatchingAudit is one row of the matching_audit table: the full provenance
// of a single regulator-ID resolution attempt.
type MatchingAudit struct {
	BatchID            string              `json:"batch_id"`
	RecordOrdinal      int                 `json:"record_ordinal"`
	ProductID          int64               `json:"product_id"`
	OriginalBankName   string              `json:"original_bank_name"`
	NormalizedBankName string              `json:"normalized_bank_name"`
	NormalizationSteps []NormalizationStep `json:"normalization_steps"`
	QueryMethod        QueryMethod         `json:"database_query_method"`
	MatchType          *MatchType          `json:"match_type,omitempty"`
	RegulatorID        *string             `json:"final_regulator_id,omitempty"`
	Confidence         float64             `json:"final_confidence"`
	Routing            DecisionRouting     `json:"decision_routing"`
	ManualOverrideAt   *time.Time          `json:"manual_override_timestamp,omitempty"`
}

// RejectedProduct describes a dedup loser inside
// dedup_audit.rejected_products_metadata_json.
type RejectedProduct struct {
	ProductID int64   `json:"product_id"`
	Reason    string  `json:"reason"`
	Score     float64 `json:"score"`
}

// RejectedMetadata is the typed envelope stored in
// dedup_audit.rejected_products_metadata_json. FRN-consistency warnings for
// the business key live here too.
type RejectedMetadata struct {
	Rejected []RejectedProduct `json:"rejected"`
	Warnings []string          `json:"warnings,omitempty"`
}

// DedupAudit is one row of the dedup_audit table. One row is written per
// (business key, platform) partition; PlatformsInGroup always lists every
// platform of the business key so cross-platform context is preserved.
type DedupAudit struct {
	BatchID          string             `json:"batch_id"`
	GroupOrdinal     int                `json:"group_ordinal"`
	GroupID          string             `json:"group_id"`
	BusinessKey      string             `json:"business_key"`
	Platform         string             `json:"platform"`
	PlatformsInGroup []string           `json:"platforms_in_group"`
	QualityScores    map[string]float64 `json:"quality_scores"` // product id (decimal string) → score
	WinnerProductID  *int64             `json:"winner_product_id,omitempty"`
	Rejected         RejectedMetadata   `json:"rejected_products_metadata"`
}
