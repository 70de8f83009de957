package compliance

import (
	"fmt"
	"sort"
	"time"

	"github.com/rateloom/core/pkg/contracts"
)

// BuildPlan proposes transfers that bring breached institutions back under
// their effective limits. Breaches are visited worst-first; each excess is
// placed greedily into the best-rate protected catalog products whose target
// institutions still have headroom. Headroom is decremented as allocations
// are made, so a later breach sees the capacity an earlier one consumed.
func BuildPlan(report *contracts.ComplianceReport, products []contracts.CatalogProduct,
	prefs map[string]contracts.InstitutionPrefs, deposits []contracts.Deposit,
	cfg Config, now time.Time) *contracts.DiversificationPlan {

	plan := &contracts.DiversificationPlan{
		GeneratedAt: now,
		MaxRateLoss: cfg.MaxRateLoss,
	}

	breaches := report.Breaches()
	if len(breaches) == 0 {
		plan.Warnings = append(plan.Warnings, "no institutions in violation; nothing to plan")
		return plan
	}

	candidates := eligibleCandidates(products)
	if len(candidates) == 0 {
		plan.Warnings = append(plan.Warnings, "product catalog has no protected candidates")
	}

	headroom := headroomByInstitution(report, candidates, prefs, cfg)
	sourceRates := bestRateByInstitution(deposits)

	for _, breach := range breaches {
		entry := contracts.PlanEntry{
			SourceRegulatorID: breach.RegulatorID,
			ExcessMinor:       breach.ExcessMinor,
		}

		sourceRate, rateKnown := sourceRates[breach.RegulatorID]
		if !rateKnown {
			entry.Notes = append(entry.Notes,
				"source holdings carry no known rate; rate-loss constraint waived")
		}

		remaining := breach.ExcessMinor
		for _, c := range candidates {
			if remaining <= 0 {
				break
			}
			target := *c.RegulatorID
			if target == breach.RegulatorID {
				continue
			}
			if rateKnown && c.AERRate < sourceRate-cfg.MaxRateLoss {
				continue
			}
			if prefs[target].EasyAccessRequiredAboveDefault && c.AccountType != contracts.AccountEasyAccess {
				continue
			}
			room := headroom[target]
			if room <= 0 {
				continue
			}
			amount := remaining
			if room < amount {
				amount = room
			}
			headroom[target] = room - amount
			remaining -= amount

			loss := 0.0
			if rateKnown && sourceRate > c.AERRate {
				loss = sourceRate - c.AERRate
			}
			entry.Allocations = append(entry.Allocations, contracts.Allocation{
				TargetRegulatorID: target,
				TargetBank:        c.BankName,
				Platform:          c.Platform,
				AmountMinor:       amount,
				Rate:              c.AERRate,
				RateLoss:          loss,
			})
		}

		if remaining > 0 {
			entry.Notes = append(entry.Notes,
				fmt.Sprintf("%s remains unplaced: no eligible capacity", FormatMinor(remaining)))
			plan.UnplacedTotalMinor += remaining
		}
		plan.Entries = append(plan.Entries, entry)
	}
	return plan
}

// eligibleCandidates keeps protected products attributed to an institution,
// ordered best rate first. Fuzzy ties settle on regulator id then catalog id
// so plans are reproducible.
func eligibleCandidates(products []contracts.CatalogProduct) []contracts.CatalogProduct {
	var out []contracts.CatalogProduct
	for _, p := range products {
		if p.RegulatorID == nil || !p.FSCSProtected {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AERRate != out[j].AERRate {
			return out[i].AERRate > out[j].AERRate
		}
		if *out[i].RegulatorID != *out[j].RegulatorID {
			return *out[i].RegulatorID < *out[j].RegulatorID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// headroomByInstitution computes spare protected capacity per target. An
// institution already in the report keeps its evaluated effective limit;
// one seen only in the catalog gets its single-account limit from prefs or
// the default. Negative headroom (a breached target) clamps to zero.
func headroomByInstitution(report *contracts.ComplianceReport, candidates []contracts.CatalogProduct,
	prefs map[string]contracts.InstitutionPrefs, cfg Config) map[string]int64 {

	headroom := make(map[string]int64)
	for _, inst := range report.Institutions {
		room := inst.EffectiveMinor - inst.AggregateMinor
		if room < 0 {
			room = 0
		}
		headroom[inst.RegulatorID] = room
	}
	for _, c := range candidates {
		id := *c.RegulatorID
		if _, seen := headroom[id]; seen {
			continue
		}
		limit := cfg.DefaultLimitMinor
		if pref, ok := prefs[id]; ok && pref.PersonalLimit != nil {
			limit = ToMinor(*pref.PersonalLimit)
		}
		headroom[id] = limit
	}
	return headroom
}

// bestRateByInstitution finds the highest known rate among each institution's
// active deposits: the rate a transfer away from it would give up.
func bestRateByInstitution(deposits []contracts.Deposit) map[string]float64 {
	best := make(map[string]float64)
	for _, d := range deposits {
		if !d.IsActive || d.RegulatorID == "" || d.AERRate == nil {
			continue
		}
		if cur, ok := best[d.RegulatorID]; !ok || *d.AERRate > cur {
			best[d.RegulatorID] = *d.AERRate
		}
	}
	return best
}
