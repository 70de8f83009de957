package dedup

import (
	"encoding/json"
	"time"

	"github.com/rateloom/core/pkg/contracts"
)

// recencyWindow is how far back a scrape date may lie before its recency
// sub-score bottoms out at zero. Freshness is measured against the newest
// scrape inside the same business-key group, never the wall clock, so
// scoring stays a pure function of the group.
const recencyWindow = 30 * 24 * time.Hour

// trustFallback applies to sources missing from dedup.source_trust_tiers.
const trustFallback = 0.5

// Weights are the five quality-score factors. They normally sum to 1; the
// scorer renormalizes so operator-tuned weights still yield scores in [0,1].
type Weights struct {
	Regulator    float64
	Completeness float64
	Recency      float64
	SourceTrust  float64
	Features     float64
}

func (w Weights) sum() float64 {
	return w.Regulator + w.Completeness + w.Recency + w.SourceTrust + w.Features
}

// score rates one candidate against its group's newest scrape date.
func score(p contracts.RawProduct, newest time.Time, cfg Config) float64 {
	total := cfg.Weights.sum()
	if total <= 0 {
		return 0
	}
	s := cfg.Weights.Regulator*regulatorScore(p) +
		cfg.Weights.Completeness*completenessScore(p) +
		cfg.Weights.Recency*recencyScore(p.ScrapeDate, newest) +
		cfg.Weights.SourceTrust*trustScore(p.Source, cfg.TrustTiers) +
		cfg.Weights.Features*featuresScore(p.SpecialFeatures)
	return s / total
}

// regulatorScore rewards a resolved regulator id, scaled by how confident
// the matcher was in the resolution.
func regulatorScore(p contracts.RawProduct) float64 {
	if p.RegulatorID == nil {
		return 0
	}
	if p.ConfidenceScore > 1 {
		return 1
	}
	if p.ConfidenceScore <= 0 {
		return 0
	}
	return p.ConfidenceScore
}

// completenessScore is the filled fraction of the four optional structural
// fields: term, notice period and the deposit bounds.
func completenessScore(p contracts.RawProduct) float64 {
	present := 0
	if p.TermMonths != nil {
		present++
	}
	if p.NoticePeriodDays != nil {
		present++
	}
	if p.MinDeposit != nil {
		present++
	}
	if p.MaxDeposit != nil {
		present++
	}
	return float64(present) / 4
}

// recencyScore decays linearly from 1 (newest in group) to 0 at the window
// boundary.
func recencyScore(scraped, newest time.Time) float64 {
	age := newest.Sub(scraped)
	if age <= 0 {
		return 1
	}
	if age >= recencyWindow {
		return 0
	}
	return 1 - float64(age)/float64(recencyWindow)
}

func trustScore(source string, tiers map[string]float64) float64 {
	if tier, ok := tiers[source]; ok {
		return tier
	}
	return trustFallback
}

// featuresScore: absent features score zero, present-but-unparseable content
// scores half, valid JSON scores full.
func featuresScore(features *string) float64 {
	if features == nil || *features == "" {
		return 0
	}
	if json.Valid([]byte(*features)) {
		return 1
	}
	return 0.5
}
