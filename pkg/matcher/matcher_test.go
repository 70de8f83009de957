package matcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rateloom/core/pkg/config"
	"github.com/rateloom/core/pkg/contracts"
)

func fullConfig() Config {
	return Config{
		NormalizationEnabled: true,
		Prefixes:             []string{"THE "},
		Suffixes:             []string{" LIMITED", " LTD", " PLC", " UK"},
		Abbreviations:        map[string]string{"BS": "BUILDING SOCIETY"},
		EnableManualOverride: true,
		EnableDirect:         true,
		EnableNameVariation:  true,
		EnableSharedBrand:    true,
		EnableAlias:          true,
		EnableFuzzy:          true,
		FuzzyThreshold:       0.85,
		MaxEditDistance:      2,
		ConfidenceHigh:       0.7,
		EnableResearchQueue:  true,
		AutoFlagUnmatched:    true,
		ResearchQueueMax:     500,
		Workers:              4,
	}
}

func entry(search, regulator string, mt contracts.MatchType, confidence float64, rank int) contracts.LookupEntry {
	return contracts.LookupEntry{
		SearchName:    search,
		RegulatorID:   regulator,
		CanonicalName: search,
		MatchType:     mt,
		Confidence:    confidence,
		MatchRank:     rank,
		Active:        true,
		UpdatedAt:     time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func cacheOf(entries ...contracts.LookupEntry) *Cache {
	return buildCache(entries, config.Fingerprint{})
}

func TestNormalizePipeline(t *testing.T) {
	got, steps := normalize("  the Leeds  BS Ltd ", fullConfig())
	require.Equal(t, "LEEDS BUILDING SOCIETY", got)

	var names []string
	for _, s := range steps {
		names = append(names, s.Step)
	}
	require.Equal(t, []string{
		stepUppercase, stepTrim, stepCollapse, stepPrefix, stepSuffix, stepExpand,
	}, names)

	// Steps chain: each After is the next Before.
	for i := 1; i < len(steps); i++ {
		require.Equal(t, steps[i-1].After, steps[i].Before)
	}
}

func TestNormalizeNFC(t *testing.T) {
	// Decomposed e + combining acute folds to the precomposed form first.
	got, steps := normalize("Café Bank", fullConfig())
	require.Equal(t, "CAFÉ BANK", got)
	require.Equal(t, stepNFC, steps[0].Step)
}

func TestNormalizeWholeWordsOnly(t *testing.T) {
	// "BS" must not rewrite the inside of another word.
	got, _ := normalize("ABSOLUTE SAVINGS", fullConfig())
	require.Equal(t, "ABSOLUTE SAVINGS", got)

	// Prefixes strip at the start only, suffixes at the end only.
	got, _ = normalize("BANK OF THE WEST", fullConfig())
	require.Equal(t, "BANK OF THE WEST", got)
	got, _ = normalize("PLC TRUST BANK", fullConfig())
	require.Equal(t, "PLC TRUST BANK", got)
}

func TestNormalizeDisabled(t *testing.T) {
	cfg := fullConfig()
	cfg.NormalizationEnabled = false
	got, steps := normalize("  the Leeds  BS Ltd ", cfg)
	require.Equal(t, "  the Leeds  BS Ltd ", got)
	require.Empty(t, steps)
}

func TestResolveManualOverrideBeatsDirect(t *testing.T) {
	overrideAt := time.Date(2026, 7, 15, 9, 30, 0, 0, time.UTC)
	override := entry("BARCLAYS BANK", "122702", contracts.MatchManualOverride, 1.0, 1)
	override.UpdatedAt = overrideAt
	direct := entry("BARCLAYS BANK", "759676", contracts.MatchDirect, 1.0, 2)

	m := New(fullConfig(), cacheOf(override, direct))
	out := m.Resolve("Barclays Bank")

	require.True(t, out.Matched())
	require.Equal(t, "122702", *out.RegulatorID)
	require.Equal(t, contracts.MatchManualOverride, *out.MatchType)
	require.Equal(t, contracts.QueryExactMatch, out.QueryMethod)
	require.Equal(t, 1.0, out.Confidence)
	require.Equal(t, contracts.RoutingAccepted, out.Routing)
	require.NotNil(t, out.OverrideAt)
	require.True(t, out.OverrideAt.Equal(overrideAt))
	require.False(t, out.ShouldFlag)
}

func TestResolveDisabledStrategyNeverWins(t *testing.T) {
	override := entry("BARCLAYS BANK", "122702", contracts.MatchManualOverride, 1.0, 1)
	direct := entry("BARCLAYS BANK", "759676", contracts.MatchDirect, 1.0, 2)

	cfg := fullConfig()
	cfg.EnableManualOverride = false
	m := New(cfg, cacheOf(override, direct))
	out := m.Resolve("Barclays Bank")

	require.Equal(t, "759676", *out.RegulatorID)
	require.Equal(t, contracts.MatchDirect, *out.MatchType)
	require.Nil(t, out.OverrideAt)
}

func TestResolveFuzzy(t *testing.T) {
	m := New(fullConfig(), cacheOf(
		entry("SANTANDER", "106054", contracts.MatchDirect, 1.0, 1),
	))
	out := m.Resolve("Santandr")

	require.True(t, out.Matched())
	require.Equal(t, "106054", *out.RegulatorID)
	require.Equal(t, contracts.QueryFuzzy, out.QueryMethod)
	require.Equal(t, contracts.MatchDirect, *out.MatchType)
	require.InDelta(t, 1.0-1.0/9.0, out.Confidence, 1e-9)
	require.GreaterOrEqual(t, out.Confidence, 0.85)
	require.Equal(t, contracts.RoutingAccepted, out.Routing)
}

func TestResolveFuzzyDisabledFlagsResearch(t *testing.T) {
	cfg := fullConfig()
	cfg.EnableFuzzy = false
	m := New(cfg, cacheOf(
		entry("SANTANDER", "106054", contracts.MatchDirect, 1.0, 1),
	))
	out := m.Resolve("Santandr")

	require.False(t, out.Matched())
	require.Nil(t, out.MatchType)
	require.Equal(t, contracts.QueryUnknown, out.QueryMethod)
	require.Equal(t, contracts.RoutingUnmatched, out.Routing)
	require.Zero(t, out.Confidence)
	require.True(t, out.ShouldFlag)
}

func TestResolveFuzzyRespectsDistanceBudget(t *testing.T) {
	// Similarity clears the threshold (22/25 missing chars) but the edit
	// distance of 3 exceeds the budget of 2, so both gates must hold.
	m := New(fullConfig(), cacheOf(
		entry("NATIONAL WESTMINSTER BANK", "121878", contracts.MatchDirect, 1.0, 1),
	))
	out := m.Resolve("National Westminster B")
	require.False(t, out.Matched())
	require.Equal(t, contracts.QueryUnknown, out.QueryMethod)
}

func TestResolveFuzzyTieBreaksOnRank(t *testing.T) {
	a := entry("BANK OF A", "A-1", contracts.MatchDirect, 1.0, 2)
	b := entry("BANK OF B", "B-1", contracts.MatchDirect, 1.0, 1)
	m := New(fullConfig(), cacheOf(a, b))

	out := m.Resolve("BANK OF X")
	require.True(t, out.Matched())
	require.Equal(t, "B-1", *out.RegulatorID)
}

func TestResolveConfidenceRouting(t *testing.T) {
	m := New(fullConfig(), cacheOf(
		entry("CHASE SAVER", "124704", contracts.MatchNameVariation, 0.65, 1),
	))
	out := m.Resolve("Chase Saver")
	require.True(t, out.Matched())
	require.Equal(t, 0.65, out.Confidence)
	require.Equal(t, contracts.RoutingNeedsReview, out.Routing)

	// Exactly at the threshold routes to accepted.
	m = New(fullConfig(), cacheOf(
		entry("CHASE SAVER", "124704", contracts.MatchNameVariation, 0.7, 1),
	))
	out = m.Resolve("Chase Saver")
	require.Equal(t, contracts.RoutingAccepted, out.Routing)
}

func TestResolveQueryMethodPerStrategy(t *testing.T) {
	m := New(fullConfig(), cacheOf(
		entry("KENT RELIANCE", "B-OKN", contracts.MatchAlias, 0.9, 1),
		entry("CAHOOT", "106054", contracts.MatchSharedBrand, 0.9, 1),
	))

	out := m.Resolve("Kent Reliance")
	require.Equal(t, contracts.QueryAlias, out.QueryMethod)
	require.Equal(t, contracts.MatchAlias, *out.MatchType)

	out = m.Resolve("Cahoot")
	require.Equal(t, contracts.QuerySharedBrand, out.QueryMethod)
	require.Equal(t, contracts.MatchSharedBrand, *out.MatchType)
}

func TestResolveRankOrderWithinStrategy(t *testing.T) {
	// Two direct rows for one name: rank 1 must win regardless of cache
	// insert order.
	second := entry("COVENTRY", "150892", contracts.MatchDirect, 1.0, 2)
	first := entry("COVENTRY", "150891", contracts.MatchDirect, 1.0, 1)
	m := New(fullConfig(), cacheOf(first, second))

	out := m.Resolve("Coventry")
	require.Equal(t, "150891", *out.RegulatorID)
}

func TestBatchResolveAllKeepsOrder(t *testing.T) {
	m := New(fullConfig(), cacheOf(
		entry("SANTANDER", "106054", contracts.MatchDirect, 1.0, 1),
		entry("BARCLAYS", "122702", contracts.MatchDirect, 1.0, 1),
	))
	batch := m.NewBatch()

	names := []string{"Barclays", "Santander", "Nowhere Bank", "Barclays", "santander plc"}
	out, err := batch.ResolveAll(context.Background(), names)
	require.NoError(t, err)
	require.Len(t, out, len(names))

	require.Equal(t, "122702", *out[0].RegulatorID)
	require.Equal(t, "106054", *out[1].RegulatorID)
	require.False(t, out[2].Matched())
	require.True(t, out[2].ShouldFlag)

	// Same original name resolves identically within the batch.
	require.Equal(t, out[0], out[3])
	// Suffix stripping folds "santander plc" onto the same row.
	require.Equal(t, "106054", *out[4].RegulatorID)
}

func TestBatchResolveAllCancelled(t *testing.T) {
	m := New(fullConfig(), cacheOf(
		entry("SANTANDER", "106054", contracts.MatchDirect, 1.0, 1),
	))
	batch := m.NewBatch()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := batch.ResolveAll(ctx, []string{"Santander", "Barclays"})
	require.ErrorIs(t, err, context.Canceled)
}

type fakeLookup struct {
	entries []contracts.LookupEntry
	fp      config.Fingerprint
}

func (f *fakeLookup) ActiveEntries(ctx context.Context) ([]contracts.LookupEntry, error) {
	return f.entries, nil
}

func (f *fakeLookup) Fingerprint(ctx context.Context) (config.Fingerprint, error) {
	return f.fp, nil
}

func TestHandleRefreshIfChanged(t *testing.T) {
	src := &fakeLookup{
		entries: []contracts.LookupEntry{entry("SANTANDER", "106054", contracts.MatchDirect, 1.0, 1)},
		fp:      config.Fingerprint{Rows: 1, MaxUpdated: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)},
	}
	h := NewHandle(src)
	require.Nil(t, h.Snapshot())

	changed, err := h.RefreshIfChanged(context.Background())
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 1, h.Snapshot().Size())

	// Unchanged fingerprint keeps the snapshot.
	before := h.Snapshot()
	changed, err = h.RefreshIfChanged(context.Background())
	require.NoError(t, err)
	require.False(t, changed)
	require.Same(t, before, h.Snapshot())

	// A new row moves the fingerprint and rebuilds.
	src.entries = append(src.entries, entry("BARCLAYS", "122702", contracts.MatchDirect, 1.0, 1))
	src.fp.Rows = 2
	changed, err = h.RefreshIfChanged(context.Background())
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 2, h.Snapshot().Size())
}

func TestEditDistance(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"a", "", 1},
		{"", "abc", 3},
		{"kitten", "sitting", 3},
		{"SANTANDER", "SANTANDR", 1},
		{"flaw", "lawn", 2},
		{"café", "cafe", 1},
		{"same", "same", 0},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, editDistance(tc.a, tc.b), "%s vs %s", tc.a, tc.b)
		require.Equal(t, tc.want, editDistance(tc.b, tc.a), "%s vs %s reversed", tc.b, tc.a)
	}
}

type mapSource map[string]config.Value

func (m mapSource) ConfigSnapshot(ctx context.Context) (map[string]config.Value, config.Fingerprint, error) {
	out := make(map[string]config.Value, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out, config.Fingerprint{Rows: int64(len(m))}, nil
}

func defaultsSource(drop ...string) mapSource {
	src := mapSource{}
	for _, d := range config.Defaults() {
		src[d.Key] = config.Value{Raw: d.Value, Type: d.Type}
	}
	for _, key := range drop {
		delete(src, key)
	}
	return src
}

func TestLoadConfig(t *testing.T) {
	loader := config.NewLoader(defaultsSource())
	require.NoError(t, loader.Refresh(context.Background()))

	cfg, err := LoadConfig(loader)
	require.NoError(t, err)
	require.True(t, cfg.NormalizationEnabled)
	require.Equal(t, []string{"THE "}, cfg.Prefixes)
	require.Contains(t, cfg.Abbreviations, "BS")
	require.Equal(t, 0.85, cfg.FuzzyThreshold)
	require.Equal(t, 2, cfg.MaxEditDistance)
	require.Equal(t, 0.7, cfg.ConfidenceHigh)
	require.Equal(t, 4, cfg.Workers)
}

func TestLoadConfigMissingRequiredKey(t *testing.T) {
	loader := config.NewLoader(defaultsSource(config.KeyMaxEditDistance))
	require.NoError(t, loader.Refresh(context.Background()))

	_, err := LoadConfig(loader)
	require.ErrorIs(t, err, config.ErrInvalid)
}
