package contracts

import "time"

// MatchType is the provenance category of a regulator_lookup row. It encodes
// the business priority order of the matcher's strategy chain.
type MatchType string

const (
	MatchManualOverride MatchType = "manual_override"
	MatchDirect         MatchType = "direct_match"
	MatchNameVariation  MatchType = "name_variation"
	MatchSharedBrand    MatchType = "shared_brand"
	MatchAlias          MatchType = "alias"
)

// QueryMethod is the database query algorithm the matcher used for the
// winning (or final failing) attempt. Distinct from MatchType: a manual
// override is found by an exact_match query but keeps its own match type.
type QueryMethod string

const (
	QueryExactMatch  QueryMethod = "exact_match"
	QueryFuzzy       QueryMethod = "fuzzy"
	QueryAlias       QueryMethod = "alias"
	QuerySharedBrand QueryMethod = "shared_brand"
	QueryUnknown     QueryMethod = "unknown"
)

// DecisionRouting is where a match result is routed after confidence gating.
type DecisionRouting string

const (
	RoutingAccepted    DecisionRouting = "accepted"
	RoutingNeedsReview DecisionRouting = "needs_review"
	RoutingUnmatched   DecisionRouting = "unmatched"
)

// LookupEntry is a row of the regulator_lookup cache table. For a given
// SearchName, the row with MatchRank = 1 is the one an exact hit selects.
type LookupEntry struct {
	SearchName    string    `json:"search_name"` // upper-case normalized
	RegulatorID   string    `json:"regulator_id"`
	CanonicalName string    `json:"canonical_name"`
	MatchType     MatchType `json:"match_type"`
	Confidence    float64   `json:"confidence_score"`
	MatchRank     int       `json:"match_rank"`
	Active        bool      `json:"active"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ResearchStatus is the lifecycle state of a research queue entry.
type ResearchStatus string

const (
	ResearchOpen      ResearchStatus = "open"
	ResearchResolved  ResearchStatus = "resolved"
	ResearchDismissed ResearchStatus = "dismissed"
)

// ResearchEntry is an unresolved bank name awaiting human attribution.
type ResearchEntry struct {
	ID              int64          `json:"id"`
	BankName        string         `json:"bank_name"`
	FirstSeen       time.Time      `json:"first_seen"`
	LastSeen        time.Time      `json:"last_seen"`
	OccurrenceCount int            `json:"occurrence_count"`
	Status          ResearchStatus `json:"status"`
}
