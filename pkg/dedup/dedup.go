// Package dedup collapses duplicate products inside each platform while
// preserving cross-platform listings. Records are grouped by a
// platform-independent business key, scored on weighted quality factors,
// and exactly one winner per (business key, platform) partition survives
// into the curated catalog. Losers are never discarded silently: every
// partition writes an audit row naming scores, winner and rejects.
package dedup

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rateloom/core/pkg/config"
	"github.com/rateloom/core/pkg/contracts"
)

// Rejection reasons recorded in dedup_audit.rejected_products_metadata_json.
const (
	ReasonLowerScore = "lower_quality_score"
	ReasonBelowFloor = "below_quality_floor"
)

// Config is the deduplicator's snapshot of the dedup.* keys plus the name
// normalizer used to derive identities for unmatched records.
type Config struct {
	Weights      Weights
	QualityFloor float64
	TrustTiers   map[string]float64

	// Normalize folds a raw bank name onto its canonical form when no
	// regulator id is available. Nil means use the name as scraped.
	Normalize func(string) string
}

// LoadConfig reads the dedup keys from the loader.
func LoadConfig(cfg *config.Loader) (Config, error) {
	var (
		c   Config
		err error
	)
	if c.Weights.Regulator, err = cfg.Number(config.KeyDedupWeightRegulator); err != nil {
		return c, err
	}
	if c.Weights.Completeness, err = cfg.Number(config.KeyDedupWeightCompleteness); err != nil {
		return c, err
	}
	if c.Weights.Recency, err = cfg.Number(config.KeyDedupWeightRecency); err != nil {
		return c, err
	}
	if c.Weights.SourceTrust, err = cfg.Number(config.KeyDedupWeightSourceTrust); err != nil {
		return c, err
	}
	if c.Weights.Features, err = cfg.Number(config.KeyDedupWeightFeatures); err != nil {
		return c, err
	}
	if c.QualityFloor, err = cfg.NumberOr(config.KeyDedupQualityFloor, 0); err != nil {
		return c, err
	}
	if c.TrustTiers, err = cfg.FloatMap(config.KeyDedupSourceTrustTiers); err != nil {
		return c, err
	}
	return c, nil
}

// Result is the complete stage outcome: the key for every input product,
// the winning catalog rows, and one audit row per partition. Winners and
// audits share the same deterministic (business key, platform) order.
type Result struct {
	Keys    map[int64]string
	Winners []contracts.CatalogProduct
	Audits  []contracts.DedupAudit
}

// Run deduplicates a full set of raw products. It is a pure function of its
// inputs: no clock, no randomness, no store access, so re-running the same
// rows under the same config reproduces winners and audit rows exactly.
func Run(products []contracts.RawProduct, cfg Config) (Result, error) {
	res := Result{Keys: make(map[int64]string, len(products))}

	groups := make(map[string][]contracts.RawProduct)
	for _, p := range products {
		key, err := BusinessKey(p, cfg.Normalize)
		if err != nil {
			return Result{}, fmt.Errorf("product %d: %w", p.ID, err)
		}
		p.BusinessKey = key
		res.Keys[p.ID] = key
		groups[key] = append(groups[key], p)
	}

	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	ordinal := 0
	for _, key := range keys {
		group := groups[key]
		newest := newestScrape(group)
		platforms := groupPlatforms(group)
		frnWarning := regulatorDivergence(group)

		for _, platform := range platforms {
			partition := filterPlatform(group, platform)
			audit := contracts.DedupAudit{
				GroupOrdinal:     ordinal,
				GroupID:          GroupID(key, platform),
				BusinessKey:      key,
				Platform:         platform,
				PlatformsInGroup: platforms,
				QualityScores:    make(map[string]float64, len(partition)),
			}
			if frnWarning != "" {
				audit.Rejected.Warnings = append(audit.Rejected.Warnings, frnWarning)
			}

			winner, scores := pickWinner(partition, newest, cfg)
			for i, p := range partition {
				audit.QualityScores[fmt.Sprintf("%d", p.ID)] = scores[i]
			}

			if winner < 0 {
				audit.Rejected.Warnings = append(audit.Rejected.Warnings,
					fmt.Sprintf("no candidate reached quality floor %g", cfg.QualityFloor))
				for i, p := range partition {
					audit.Rejected.Rejected = append(audit.Rejected.Rejected, contracts.RejectedProduct{
						ProductID: p.ID, Reason: ReasonBelowFloor, Score: scores[i],
					})
				}
			} else {
				win := partition[winner]
				id := win.ID
				audit.WinnerProductID = &id
				res.Winners = append(res.Winners, contracts.CatalogProduct{
					RawProduct:   win,
					QualityScore: scores[winner],
				})
				for i, p := range partition {
					if i == winner {
						continue
					}
					audit.Rejected.Rejected = append(audit.Rejected.Rejected, contracts.RejectedProduct{
						ProductID: p.ID, Reason: ReasonLowerScore, Score: scores[i],
					})
				}
			}

			res.Audits = append(res.Audits, audit)
			ordinal++
		}
	}
	return res, nil
}

// pickWinner scores a partition and returns the winning index, or -1 when
// every candidate sits strictly below the quality floor. Ties break to the
// lowest product id, i.e. the earliest accumulated row.
func pickWinner(partition []contracts.RawProduct, newest time.Time, cfg Config) (int, []float64) {
	scores := make([]float64, len(partition))
	winner := -1
	for i, p := range partition {
		scores[i] = score(p, newest, cfg)
		if scores[i] < cfg.QualityFloor {
			continue
		}
		if winner < 0 ||
			scores[i] > scores[winner] ||
			(scores[i] == scores[winner] && p.ID < partition[winner].ID) {
			winner = i
		}
	}
	return winner, scores
}

func newestScrape(group []contracts.RawProduct) time.Time {
	var newest time.Time
	for _, p := range group {
		if p.ScrapeDate.After(newest) {
			newest = p.ScrapeDate
		}
	}
	return newest
}

func groupPlatforms(group []contracts.RawProduct) []string {
	seen := make(map[string]bool, len(group))
	var out []string
	for _, p := range group {
		if !seen[p.Platform] {
			seen[p.Platform] = true
			out = append(out, p.Platform)
		}
	}
	sort.Strings(out)
	return out
}

// filterPlatform returns a partition in ascending id order, which makes Run
// independent of the caller's row order: scores, winners and reject lists
// come out identical however the raw rows were read.
func filterPlatform(group []contracts.RawProduct, platform string) []contracts.RawProduct {
	var out []contracts.RawProduct
	for _, p := range group {
		if p.Platform == platform {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// regulatorDivergence reports conflicting regulator ids inside one business
// key. A divergence means upstream attribution disagrees about who actually
// holds the deposit; it is surfaced as a warning, never an abort.
func regulatorDivergence(group []contracts.RawProduct) string {
	seen := make(map[string]bool)
	var ids []string
	for _, p := range group {
		if p.RegulatorID == nil || seen[*p.RegulatorID] {
			continue
		}
		seen[*p.RegulatorID] = true
		ids = append(ids, *p.RegulatorID)
	}
	if len(ids) < 2 {
		return ""
	}
	sort.Strings(ids)
	return "regulator ids diverge within business key: " + strings.Join(ids, ", ")
}
