package config

// ValueType is the declared type of a config table row. Values are stored as
// text and parsed according to this type when read through the Loader.
type ValueType string

const (
	TypeString  ValueType = "string"
	TypeNumber  ValueType = "number"
	TypeBoolean ValueType = "boolean"
	TypeJSON    ValueType = "json"
)

// Config keys. Dotted names group by pipeline stage; the seed defaults below
// are written once by the store and editable at runtime via `rateloom config set`.
const (
	KeyRateThresholdEasyAccess = "ingestion.rate_threshold.easy_access"
	KeyRateThresholdNotice     = "ingestion.rate_threshold.notice"
	KeyRateThresholdFixedTerm  = "ingestion.rate_threshold.fixed_term"
	KeyFormatConstraint        = "ingestion.format_constraint"
	KeyFilterExpression        = "ingestion.filter_expression"
	KeyMaxDepositCeiling       = "ingestion.max_deposit_ceiling"

	KeyNormalizationEnabled  = "matching.normalization_enabled"
	KeyNormalizationPrefixes = "matching.normalization_prefixes"
	KeyNormalizationSuffixes = "matching.normalization_suffixes"
	KeyAbbreviations         = "matching.abbreviations"
	KeyEnableManualOverride  = "matching.enable_manual_override"
	KeyEnableDirect          = "matching.enable_direct"
	KeyEnableNameVariation   = "matching.enable_name_variation"
	KeyEnableSharedBrand     = "matching.enable_shared_brand"
	KeyEnableAlias           = "matching.enable_alias"
	KeyEnableFuzzy           = "matching.enable_fuzzy"
	KeyFuzzyThreshold        = "matching.fuzzy_threshold"
	KeyMaxEditDistance       = "matching.max_edit_distance"
	KeyConfidenceHigh        = "matching.confidence_threshold_high"
	KeyEnableResearchQueue   = "matching.enable_research_queue"
	KeyAutoFlagUnmatched     = "matching.auto_flag_unmatched"
	KeyResearchQueueMaxSize  = "matching.research_queue_max_size"
	KeyEnableAuditTrail      = "matching.enable_audit_trail"
	KeyMatchingWorkers       = "matching.workers"

	KeyDedupWeightRegulator    = "dedup.weight_regulator_id"
	KeyDedupWeightCompleteness = "dedup.weight_completeness"
	KeyDedupWeightRecency      = "dedup.weight_recency"
	KeyDedupWeightSourceTrust  = "dedup.weight_source_trust"
	KeyDedupWeightFeatures     = "dedup.weight_features"
	KeyDedupQualityFloor       = "dedup.min_quality_floor"
	KeyDedupSourceTrustTiers   = "dedup.source_trust_tiers"

	KeyComplianceDefaultLimit = "compliance.default_limit"
	KeyJointMultiplier        = "compliance.joint_multiplier"
	KeyToleranceThreshold     = "compliance.tolerance_threshold"
	KeyRateLossTolerance      = "compliance.default_rate_loss_tolerance"

	KeyOrchestratorTimeoutMS = "orchestrator.timeout_ms"
	KeyProgressIntervalMS    = "orchestrator.progress_interval_ms"
)

// Default is one seed row for the config table.
type Default struct {
	Key   string
	Type  ValueType
	Value string
}

// Defaults returns the seed configuration in deterministic order. The store
// inserts any row that is missing and never overwrites an existing one.
func Defaults() []Default {
	return []Default{
		{KeyRateThresholdEasyAccess, TypeNumber, "1.5"},
		{KeyRateThresholdNotice, TypeNumber, "1.8"},
		{KeyRateThresholdFixedTerm, TypeNumber, "2.0"},
		{KeyFormatConstraint, TypeString, ">=1.0.0 <3.0.0"},
		{KeyFilterExpression, TypeString, ""},
		{KeyMaxDepositCeiling, TypeNumber, "100000000"},

		{KeyNormalizationEnabled, TypeBoolean, "true"},
		{KeyNormalizationPrefixes, TypeJSON, `["THE "]`},
		{KeyNormalizationSuffixes, TypeJSON, `[" LIMITED"," LTD"," PLC"," UK"]`},
		{KeyAbbreviations, TypeJSON, `{"BS":"BUILDING SOCIETY","CO-OP":"CO-OPERATIVE","NATL":"NATIONAL"}`},
		{KeyEnableManualOverride, TypeBoolean, "true"},
		{KeyEnableDirect, TypeBoolean, "true"},
		{KeyEnableNameVariation, TypeBoolean, "true"},
		{KeyEnableSharedBrand, TypeBoolean, "true"},
		{KeyEnableAlias, TypeBoolean, "true"},
		{KeyEnableFuzzy, TypeBoolean, "true"},
		{KeyFuzzyThreshold, TypeNumber, "0.85"},
		{KeyMaxEditDistance, TypeNumber, "2"},
		{KeyConfidenceHigh, TypeNumber, "0.7"},
		{KeyEnableResearchQueue, TypeBoolean, "true"},
		{KeyAutoFlagUnmatched, TypeBoolean, "true"},
		{KeyResearchQueueMaxSize, TypeNumber, "500"},
		{KeyEnableAuditTrail, TypeBoolean, "true"},
		{KeyMatchingWorkers, TypeNumber, "4"},

		{KeyDedupWeightRegulator, TypeNumber, "0.30"},
		{KeyDedupWeightCompleteness, TypeNumber, "0.25"},
		{KeyDedupWeightRecency, TypeNumber, "0.20"},
		{KeyDedupWeightSourceTrust, TypeNumber, "0.15"},
		{KeyDedupWeightFeatures, TypeNumber, "0.10"},
		{KeyDedupQualityFloor, TypeNumber, "0.0"},
		{KeyDedupSourceTrustTiers, TypeJSON, `{"moneyfacts":1.0,"platform_api":0.9,"scrape":0.7}`},

		{KeyComplianceDefaultLimit, TypeNumber, "85000"},
		{KeyJointMultiplier, TypeNumber, "2"},
		{KeyToleranceThreshold, TypeNumber, "500"},
		{KeyRateLossTolerance, TypeNumber, "0.5"},

		{KeyOrchestratorTimeoutMS, TypeNumber, "0"},
		{KeyProgressIntervalMS, TypeNumber, "200"},
	}
}
