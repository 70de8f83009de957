// Package compliance evaluates depositor-protection exposure. It reads the
// user's positions and per-institution preferences, aggregates balances by
// regulator id, classifies each institution against its effective protection
// limit and, for breaches, plans diversification moves into catalog products.
// The engine is strictly read-only and never aborts on gaps in the data:
// anything it cannot evaluate becomes a warning on the report.
package compliance

import (
	"fmt"
	"sort"
	"time"

	"github.com/rateloom/core/pkg/config"
	"github.com/rateloom/core/pkg/contracts"
)

// Config is the engine's snapshot of the compliance.* keys, already
// converted to integer pence.
type Config struct {
	DefaultLimitMinor int64
	JointMultiplier   int64
	ToleranceMinor    int64
	MaxRateLoss       float64
}

// LoadConfig reads the compliance keys from the loader.
func LoadConfig(cfg *config.Loader) (Config, error) {
	var c Config
	limit, err := cfg.Number(config.KeyComplianceDefaultLimit)
	if err != nil {
		return c, err
	}
	c.DefaultLimitMinor = ToMinor(limit)

	mult, err := cfg.Int(config.KeyJointMultiplier)
	if err != nil {
		return c, err
	}
	if mult < 1 {
		return c, fmt.Errorf("%w: key %q: multiplier %d below 1",
			config.ErrInvalid, config.KeyJointMultiplier, mult)
	}
	c.JointMultiplier = int64(mult)

	tolerance, err := cfg.Number(config.KeyToleranceThreshold)
	if err != nil {
		return c, err
	}
	c.ToleranceMinor = ToMinor(tolerance)

	if c.MaxRateLoss, err = cfg.NumberOr(config.KeyRateLossTolerance, 0.5); err != nil {
		return c, err
	}
	return c, nil
}

// holding is one institution's aggregate while the report is being built.
type holding struct {
	banks     map[string]bool
	aggregate int64
	hasJoint  bool
	hasSingle bool
}

// BuildReport aggregates active deposits by institution and classifies each
// against its effective limit. It is a pure function of its inputs; the
// caller supplies the clock.
func BuildReport(deposits []contracts.Deposit, prefs map[string]contracts.InstitutionPrefs, cfg Config, now time.Time) *contracts.ComplianceReport {
	report := &contracts.ComplianceReport{
		GeneratedAt:       now,
		DefaultLimitMinor: cfg.DefaultLimitMinor,
		JointMultiplier:   cfg.JointMultiplier,
		ToleranceMinor:    cfg.ToleranceMinor,
	}

	holdings := make(map[string]*holding)
	for _, d := range deposits {
		if !d.IsActive {
			continue
		}
		if d.RegulatorID == "" {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("deposit %d (%s) has no regulator id and was excluded", d.ID, d.Bank))
			continue
		}
		h := holdings[d.RegulatorID]
		if h == nil {
			h = &holding{banks: make(map[string]bool)}
			holdings[d.RegulatorID] = h
		}
		h.banks[d.Bank] = true
		h.aggregate += ToMinor(d.Balance)
		if d.IsJoint {
			h.hasJoint = true
		} else {
			h.hasSingle = true
		}
	}
	if len(holdings) == 0 {
		report.Warnings = append(report.Warnings, "no active deposits to evaluate")
		return report
	}

	ids := make([]string, 0, len(holdings))
	for id := range holdings {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		h := holdings[id]
		exp := classify(id, h, prefs[id], cfg)
		report.Institutions = append(report.Institutions, exp)
	}
	return report
}

// classify computes one institution's effective limit and status.
func classify(id string, h *holding, pref contracts.InstitutionPrefs, cfg Config) contracts.InstitutionExposure {
	exp := contracts.InstitutionExposure{
		RegulatorID:    id,
		AggregateMinor: h.aggregate,
		ToleranceMinor: cfg.ToleranceMinor,
		HasJoint:       h.hasJoint,
		ProtectionType: contracts.ProtectionStandard,
	}
	for bank := range h.banks {
		exp.Banks = append(exp.Banks, bank)
	}
	sort.Strings(exp.Banks)

	effective := cfg.DefaultLimitMinor
	if pref.PersonalLimit != nil {
		effective = ToMinor(*pref.PersonalLimit)
		exp.ProtectionType = contracts.ProtectionPersonalOverride
	}
	if pref.ProtectionType == contracts.ProtectionGovernment {
		exp.ProtectionType = contracts.ProtectionGovernment
	}

	// Joint holdings raise the ceiling. A mixed single/joint portfolio is
	// evaluated against the highest applicable limit; the choice is recorded
	// on the exposure so the report explains itself.
	if h.hasJoint {
		effective *= cfg.JointMultiplier
		if h.hasSingle {
			exp.Notes = append(exp.Notes,
				fmt.Sprintf("mixed single and joint balances; evaluated against the joint limit (x%d)", cfg.JointMultiplier))
		}
	}
	exp.EffectiveMinor = effective

	ceiling := effective + cfg.ToleranceMinor
	switch {
	// aggregate <= 80% of effective, kept exact in integer math.
	case h.aggregate*5 <= effective*4:
		exp.Status = contracts.StatusCompliant
	case h.aggregate <= effective:
		exp.Status = contracts.StatusNearLimit
	case h.aggregate <= ceiling:
		exp.Status = contracts.StatusTolerance
	default:
		exp.Status = contracts.StatusViolation
		exp.ExcessMinor = h.aggregate - ceiling
		exp.Severity = severity(exp.ExcessMinor, effective)
	}
	return exp
}

// severity grades a violation by its excess relative to the effective limit:
// half again over the limit is critical, a tenth over is high, less is medium.
func severity(excess, effective int64) contracts.Severity {
	if effective <= 0 {
		return contracts.SeverityCritical
	}
	switch {
	case excess*2 >= effective:
		return contracts.SeverityCritical
	case excess*10 >= effective:
		return contracts.SeverityHigh
	default:
		return contracts.SeverityMedium
	}
}
