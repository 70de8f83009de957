// Package matcher resolves scraped bank names to regulator identifiers
// through an ordered chain of lookup strategies. Each strategy can be
// toggled independently; the first enabled strategy that produces a hit
// wins and every resolution records the full normalization and decision
// trail for the matching audit.
package matcher

import (
	"context"
	"sync"
	"time"

	"github.com/rateloom/core/pkg/config"
	"github.com/rateloom/core/pkg/contracts"
)

// Config is the matcher's snapshot of the matching.* config keys. It is
// loaded once per batch so every record in a batch resolves under the same
// rules.
type Config struct {
	NormalizationEnabled bool
	Prefixes             []string
	Suffixes             []string
	Abbreviations        map[string]string

	EnableManualOverride bool
	EnableDirect         bool
	EnableNameVariation  bool
	EnableSharedBrand    bool
	EnableAlias          bool
	EnableFuzzy          bool

	FuzzyThreshold  float64
	MaxEditDistance int
	ConfidenceHigh  float64

	EnableResearchQueue bool
	AutoFlagUnmatched   bool
	ResearchQueueMax    int

	Workers int
}

// LoadConfig reads the matching keys from the loader. Missing or mistyped
// keys surface as config.ErrInvalid so the batch fails before matching starts.
func LoadConfig(cfg *config.Loader) (Config, error) {
	var (
		c   Config
		err error
	)
	if c.NormalizationEnabled, err = cfg.BoolOr(config.KeyNormalizationEnabled, true); err != nil {
		return c, err
	}
	if c.NormalizationEnabled {
		if c.Prefixes, err = cfg.StringList(config.KeyNormalizationPrefixes); err != nil {
			return c, err
		}
		if c.Suffixes, err = cfg.StringList(config.KeyNormalizationSuffixes); err != nil {
			return c, err
		}
		if c.Abbreviations, err = cfg.StringMap(config.KeyAbbreviations); err != nil {
			return c, err
		}
	}
	if c.EnableManualOverride, err = cfg.BoolOr(config.KeyEnableManualOverride, true); err != nil {
		return c, err
	}
	if c.EnableDirect, err = cfg.BoolOr(config.KeyEnableDirect, true); err != nil {
		return c, err
	}
	if c.EnableNameVariation, err = cfg.BoolOr(config.KeyEnableNameVariation, true); err != nil {
		return c, err
	}
	if c.EnableSharedBrand, err = cfg.BoolOr(config.KeyEnableSharedBrand, true); err != nil {
		return c, err
	}
	if c.EnableAlias, err = cfg.BoolOr(config.KeyEnableAlias, true); err != nil {
		return c, err
	}
	if c.EnableFuzzy, err = cfg.BoolOr(config.KeyEnableFuzzy, true); err != nil {
		return c, err
	}
	if c.FuzzyThreshold, err = cfg.NumberOr(config.KeyFuzzyThreshold, 0.85); err != nil {
		return c, err
	}
	if c.MaxEditDistance, err = cfg.Int(config.KeyMaxEditDistance); err != nil {
		return c, err
	}
	if c.ConfidenceHigh, err = cfg.NumberOr(config.KeyConfidenceHigh, 0.7); err != nil {
		return c, err
	}
	if c.EnableResearchQueue, err = cfg.BoolOr(config.KeyEnableResearchQueue, true); err != nil {
		return c, err
	}
	if c.AutoFlagUnmatched, err = cfg.BoolOr(config.KeyAutoFlagUnmatched, true); err != nil {
		return c, err
	}
	if c.ResearchQueueMax, err = cfg.Int(config.KeyResearchQueueMaxSize); err != nil {
		return c, err
	}
	if c.Workers, err = cfg.Int(config.KeyMatchingWorkers); err != nil {
		return c, err
	}
	if c.Workers < 1 {
		c.Workers = 1
	}
	return c, nil
}

// Outcome is the complete result of resolving one bank name: the audited
// normalization trail plus the winning (or failing) decision.
type Outcome struct {
	OriginalName   string
	NormalizedName string
	Steps          []contracts.NormalizationStep

	QueryMethod contracts.QueryMethod
	MatchType   *contracts.MatchType
	RegulatorID *string
	Canonical   string
	Confidence  float64
	Routing     contracts.DecisionRouting
	OverrideAt  *time.Time

	// ShouldFlag asks the caller to record the name in the research queue.
	ShouldFlag bool
}

// Matched reports whether any strategy produced a regulator id.
func (o Outcome) Matched() bool { return o.RegulatorID != nil }

// Matcher resolves names against one immutable cache snapshot under one
// config snapshot, so results are pure functions of the input name.
type Matcher struct {
	cfg   Config
	cache *Cache
}

func New(cfg Config, cache *Cache) *Matcher {
	return &Matcher{cfg: cfg, cache: cache}
}

// hit is an internal strategy result before confidence routing.
type hit struct {
	method     contracts.QueryMethod
	entry      contracts.LookupEntry
	confidence float64
}

// exactStrategy describes one equality-based rung of the chain: which rows
// it may claim, whether it is enabled, and how the win is audited.
type exactStrategy struct {
	matchType contracts.MatchType
	enabled   bool
	method    contracts.QueryMethod
	// fixedConfidence overrides the row's confidence score when >= 0.
	fixedConfidence float64
}

func (m *Matcher) exactStrategies() []exactStrategy {
	return []exactStrategy{
		{contracts.MatchManualOverride, m.cfg.EnableManualOverride, contracts.QueryExactMatch, 1.0},
		{contracts.MatchDirect, m.cfg.EnableDirect, contracts.QueryExactMatch, 1.0},
		{contracts.MatchNameVariation, m.cfg.EnableNameVariation, contracts.QueryExactMatch, -1},
		{contracts.MatchSharedBrand, m.cfg.EnableSharedBrand, contracts.QuerySharedBrand, -1},
		{contracts.MatchAlias, m.cfg.EnableAlias, contracts.QueryAlias, -1},
	}
}

// Resolve runs the strategy chain for one bank name. Strategies are tried in
// business priority order and the first hit wins; rows within one strategy
// are already rank-ordered by the cache. Fuzzy runs last and only over rows
// whose own strategy is enabled, so disabling a strategy removes its rows
// from every path to a win.
func (m *Matcher) Resolve(name string) Outcome {
	normalized, steps := normalize(name, m.cfg)
	out := Outcome{
		OriginalName:   name,
		NormalizedName: normalized,
		Steps:          steps,
	}

	h := m.exactHit(normalized)
	if h == nil && m.cfg.EnableFuzzy {
		h = m.fuzzyHit(normalized)
	}
	if h == nil {
		out.QueryMethod = contracts.QueryUnknown
		out.Routing = contracts.RoutingUnmatched
		out.ShouldFlag = m.cfg.EnableResearchQueue && m.cfg.AutoFlagUnmatched
		return out
	}

	mt := h.entry.MatchType
	id := h.entry.RegulatorID
	out.QueryMethod = h.method
	out.MatchType = &mt
	out.RegulatorID = &id
	out.Canonical = h.entry.CanonicalName
	out.Confidence = h.confidence
	if mt == contracts.MatchManualOverride {
		at := h.entry.UpdatedAt
		out.OverrideAt = &at
	}
	if h.confidence >= m.cfg.ConfidenceHigh {
		out.Routing = contracts.RoutingAccepted
	} else {
		out.Routing = contracts.RoutingNeedsReview
	}
	return out
}

func (m *Matcher) exactHit(normalized string) *hit {
	if m.cache == nil {
		return nil
	}
	rows := m.cache.Entries(normalized)
	if len(rows) == 0 {
		return nil
	}
	for _, s := range m.exactStrategies() {
		if !s.enabled {
			continue
		}
		for _, row := range rows {
			if row.MatchType != s.matchType {
				continue
			}
			confidence := row.Confidence
			if s.fixedConfidence >= 0 {
				confidence = s.fixedConfidence
			}
			return &hit{method: s.method, entry: row, confidence: confidence}
		}
	}
	return nil
}

// fuzzyHit scans every cached search name within the edit-distance budget.
// Ties break on higher similarity, then lower match_rank; the scan order is
// the cache's sorted name list, so equal candidates resolve identically on
// every run.
func (m *Matcher) fuzzyHit(normalized string) *hit {
	if m.cache == nil {
		return nil
	}
	var (
		best     *hit
		bestRank int
	)
	nlen := len([]rune(normalized))
	for _, candidate := range m.cache.Names() {
		clen := len([]rune(candidate))
		diff := nlen - clen
		if diff < 0 {
			diff = -diff
		}
		if diff > m.cfg.MaxEditDistance {
			continue
		}
		dist := editDistance(normalized, candidate)
		if dist > m.cfg.MaxEditDistance {
			continue
		}
		longest := nlen
		if clen > longest {
			longest = clen
		}
		sim := 1.0
		if longest > 0 {
			sim = 1 - float64(dist)/float64(longest)
		}
		if sim < m.cfg.FuzzyThreshold {
			continue
		}
		row, ok := m.firstEnabledRow(candidate)
		if !ok {
			continue
		}
		if best == nil || sim > best.confidence || (sim == best.confidence && row.MatchRank < bestRank) {
			best = &hit{method: contracts.QueryFuzzy, entry: row, confidence: sim}
			bestRank = row.MatchRank
		}
	}
	return best
}

// firstEnabledRow picks the highest-priority row for a search name whose
// match type belongs to an enabled strategy.
func (m *Matcher) firstEnabledRow(name string) (contracts.LookupEntry, bool) {
	for _, s := range m.exactStrategies() {
		if !s.enabled {
			continue
		}
		for _, row := range m.cache.Entries(name) {
			if row.MatchType == s.matchType {
				return row, true
			}
		}
	}
	return contracts.LookupEntry{}, false
}

// Batch memoizes resolutions by original name for the duration of one
// ingestion batch: two records carrying the same scraped name always audit
// the identical method, type, id and confidence, and repeated names skip
// the fuzzy scan.
type Batch struct {
	m *Matcher

	mu   sync.Mutex
	memo map[string]Outcome
}

func (m *Matcher) NewBatch() *Batch {
	return &Batch{m: m, memo: make(map[string]Outcome)}
}

// Resolve is Matcher.Resolve with per-batch memoization. Safe for concurrent use.
func (b *Batch) Resolve(name string) Outcome {
	b.mu.Lock()
	out, ok := b.memo[name]
	b.mu.Unlock()
	if ok {
		return out
	}
	out = b.m.Resolve(name)
	b.mu.Lock()
	b.memo[name] = out
	b.mu.Unlock()
	return out
}

// ResolveAll fans names out over a bounded worker pool and returns outcomes
// in input order. The semaphore caps concurrency at cfg.Workers; results are
// written to distinct slots so no funnel goroutine is needed. Cancellation
// is checked before each name is claimed.
func (b *Batch) ResolveAll(ctx context.Context, names []string) ([]Outcome, error) {
	out := make([]Outcome, len(names))
	sem := make(chan struct{}, b.m.cfg.Workers)
	var wg sync.WaitGroup

	for i, name := range names {
		if err := ctx.Err(); err != nil {
			wg.Wait()
			return nil, err
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(slot int, n string) {
			defer wg.Done()
			defer func() { <-sem }()
			out[slot] = b.Resolve(n)
		}(i, name)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
