package contracts

import "time"

// ProtectionType describes which depositor-protection regime applies to an
// institution.
type ProtectionType string

const (
	ProtectionStandard         ProtectionType = "standard"
	ProtectionPersonalOverride ProtectionType = "personal_override"
	ProtectionGovernment       ProtectionType = "government_protected"
)

// ExposureStatus classifies an institution's aggregate exposure against its
// effective limit.
type ExposureStatus string

const (
	StatusCompliant ExposureStatus = "compliant"
	StatusNearLimit ExposureStatus = "near_limit"
	StatusTolerance ExposureStatus = "tolerance"
	StatusViolation ExposureStatus = "violation"
)

// Severity grades a violation by how far the aggregate sits beyond the
// effective limit.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
)

// Deposit is a user-owned position, read by the compliance engine only.
// AERRate may be unknown for legacy positions; the planner then waives the
// rate-loss constraint for that institution and says so in the plan notes.
type Deposit struct {
	ID          int64    `json:"id"`
	RegulatorID string   `json:"regulator_id"`
	Bank        string   `json:"bank"`
	Balance     float64  `json:"balance"`
	AERRate     *float64 `json:"aer_rate,omitempty"`
	SubType     string   `json:"sub_type"`
	IsJoint     bool     `json:"is_joint_account"`
	IsActive    bool     `json:"is_active"`
}

// InstitutionPrefs carries per-institution overrides of the statutory scheme.
type InstitutionPrefs struct {
	RegulatorID                    string         `json:"regulator_id"`
	PersonalLimit                  *float64       `json:"personal_limit,omitempty"`
	EasyAccessRequiredAboveDefault bool           `json:"easy_access_required_above_default"`
	TrustLevel                     int            `json:"trust_level"`
	RiskNotes                      string         `json:"risk_notes,omitempty"`
	ProtectionType                 ProtectionType `json:"protection_type"`
}

// InstitutionExposure is the per-institution result of a compliance run.
// Monetary amounts are integer pence: float balances are converted once at
// the storage boundary and all limit arithmetic is exact.
type InstitutionExposure struct {
	RegulatorID    string         `json:"regulator_id"`
	Banks          []string       `json:"banks"`
	AggregateMinor int64          `json:"aggregate_minor"`
	EffectiveMinor int64          `json:"effective_limit_minor"`
	ToleranceMinor int64          `json:"tolerance_minor"`
	HasJoint       bool           `json:"has_joint"`
	ProtectionType ProtectionType `json:"protection_type"`
	Status         ExposureStatus `json:"status"`
	ExcessMinor    int64          `json:"excess_minor"`
	Severity       Severity       `json:"severity,omitempty"`
	Notes          []string       `json:"notes,omitempty"`
}

// ComplianceReport is the full output of an exposure run. It never aborts on
// missing data; gaps surface in Warnings.
type ComplianceReport struct {
	GeneratedAt       time.Time             `json:"generated_at"`
	DefaultLimitMinor int64                 `json:"default_limit_minor"`
	JointMultiplier   int64                 `json:"joint_multiplier"`
	ToleranceMinor    int64                 `json:"tolerance_minor"`
	Institutions      []InstitutionExposure `json:"institutions"`
	Warnings          []string              `json:"warnings,omitempty"`
}

// Breaches returns the institutions in violation, ordered by excess
// descending (the planner's traversal order).
func (r *ComplianceReport) Breaches() []InstitutionExposure {
	var out []InstitutionExposure
	for _, inst := range r.Institutions {
		if inst.Status == StatusViolation {
			out = append(out, inst)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].ExcessMinor > out[j-1].ExcessMinor; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Allocation is one planned transfer inside a diversification plan.
type Allocation struct {
	TargetRegulatorID string  `json:"target_id"`
	TargetBank        string  `json:"target_bank"`
	Platform          string  `json:"platform"`
	AmountMinor       int64   `json:"amount_minor"`
	Rate              float64 `json:"rate"`
	RateLoss          float64 `json:"rate_loss"`
}

// PlanEntry is the plan for a single breached institution.
type PlanEntry struct {
	SourceRegulatorID string       `json:"source_id"`
	ExcessMinor       int64        `json:"excess_minor"`
	Allocations       []Allocation `json:"allocations"`
	Notes             []string     `json:"notes,omitempty"`
}

// DiversificationPlan is the ordered outcome of the planner: one entry per
// breach, worst excess first.
type DiversificationPlan struct {
	GeneratedAt        time.Time   `json:"generated_at"`
	MaxRateLoss        float64     `json:"max_acceptable_rate_loss"`
	Entries            []PlanEntry `json:"entries"`
	Warnings           []string    `json:"warnings,omitempty"`
	UnplacedTotalMinor int64       `json:"unplaced_total_minor"`
}
