package dedup

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rateloom/core/pkg/contracts"
)

func testWeights() Weights {
	return Weights{
		Regulator:    0.30,
		Completeness: 0.25,
		Recency:      0.20,
		SourceTrust:  0.15,
		Features:     0.10,
	}
}

func testDedupConfig() Config {
	return Config{
		Weights:      testWeights(),
		QualityFloor: 0,
		TrustTiers:   map[string]float64{"moneyfacts": 1.0, "platform_api": 0.9, "scrape": 0.7},
		Normalize:    strings.ToUpper,
	}
}

func raw(id int64, platform, regulator string, scraped time.Time) contracts.RawProduct {
	p := contracts.RawProduct{
		ID:          id,
		Source:      "moneyfacts",
		Method:      "api",
		Platform:    platform,
		BankName:    "Santander",
		AccountType: contracts.AccountEasyAccess,
		AERRate:     4.2,
		ScrapeDate:  scraped,
	}
	if regulator != "" {
		p.RegulatorID = &regulator
		p.ConfidenceScore = 1.0
	}
	return p
}

var scrapeDay = time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)

func TestBusinessKeyExcludesPlatform(t *testing.T) {
	a := raw(1, "direct", "106054", scrapeDay)
	b := raw(2, "ajbell", "106054", scrapeDay)

	ka, err := BusinessKey(a, nil)
	require.NoError(t, err)
	kb, err := BusinessKey(b, nil)
	require.NoError(t, err)
	require.Equal(t, ka, kb)
}

func TestBusinessKeyIdentityFallback(t *testing.T) {
	a := raw(1, "direct", "", scrapeDay)
	a.BankName = "  santander "
	b := raw(2, "direct", "", scrapeDay)
	b.BankName = "SANTANDER"

	norm := func(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }
	ka, err := BusinessKey(a, norm)
	require.NoError(t, err)
	kb, err := BusinessKey(b, norm)
	require.NoError(t, err)
	require.Equal(t, ka, kb)

	// Without a normalizer the raw spelling splits the key.
	ka, err = BusinessKey(a, nil)
	require.NoError(t, err)
	kb, err = BusinessKey(b, nil)
	require.NoError(t, err)
	require.NotEqual(t, ka, kb)
}

func TestBusinessKeyNilVersusZeroTerm(t *testing.T) {
	a := raw(1, "direct", "106054", scrapeDay)
	b := raw(2, "direct", "106054", scrapeDay)
	zero := 0
	b.TermMonths = &zero

	ka, err := BusinessKey(a, nil)
	require.NoError(t, err)
	kb, err := BusinessKey(b, nil)
	require.NoError(t, err)
	require.NotEqual(t, ka, kb)
}

func TestBusinessKeyRateBucket(t *testing.T) {
	a := raw(1, "direct", "106054", scrapeDay)
	a.AERRate = 4.204
	b := raw(2, "direct", "106054", scrapeDay)
	b.AERRate = 4.199

	// Both round to 420 basis points.
	ka, err := BusinessKey(a, nil)
	require.NoError(t, err)
	kb, err := BusinessKey(b, nil)
	require.NoError(t, err)
	require.Equal(t, ka, kb)

	c := raw(3, "direct", "106054", scrapeDay)
	c.AERRate = 4.18
	kc, err := BusinessKey(c, nil)
	require.NoError(t, err)
	require.NotEqual(t, ka, kc)
}

func TestGroupIDDeterministic(t *testing.T) {
	require.Equal(t, GroupID("abc", "direct"), GroupID("abc", "direct"))
	require.NotEqual(t, GroupID("abc", "direct"), GroupID("abc", "ajbell"))
	require.NotEqual(t, GroupID("abc", "direct"), GroupID("abd", "direct"))
}

func TestRunPreservesCrossPlatformRows(t *testing.T) {
	products := []contracts.RawProduct{
		raw(1, "direct", "106054", scrapeDay),
		raw(2, "ajbell", "106054", scrapeDay),
	}

	res, err := Run(products, testDedupConfig())
	require.NoError(t, err)

	require.Len(t, res.Winners, 2)
	require.Equal(t, res.Winners[0].BusinessKey, res.Winners[1].BusinessKey)
	require.Equal(t, "ajbell", res.Winners[0].Platform)
	require.Equal(t, "direct", res.Winners[1].Platform)
	require.Equal(t, "106054", *res.Winners[0].RegulatorID)
	require.Equal(t, "106054", *res.Winners[1].RegulatorID)

	require.Len(t, res.Audits, 2)
	for _, a := range res.Audits {
		require.Equal(t, []string{"ajbell", "direct"}, a.PlatformsInGroup)
		require.NotNil(t, a.WinnerProductID)
		require.Empty(t, a.Rejected.Rejected)
	}
	require.Equal(t, 0, res.Audits[0].GroupOrdinal)
	require.Equal(t, 1, res.Audits[1].GroupOrdinal)
	require.NotEqual(t, res.Audits[0].GroupID, res.Audits[1].GroupID)
}

func TestRunWinnerByQuality(t *testing.T) {
	sparse := raw(1, "direct", "", scrapeDay.Add(-20*24*time.Hour))
	sparse.Source = "scrape"
	// Force the sparse row into the rich row's group.
	id := "106054"
	sparse.RegulatorID = &id
	sparse.ConfidenceScore = 0.75

	// Richer only in fields outside the business key, so both rows stay in
	// one group: deposit bounds, features, freshness and source trust.
	rich := raw(2, "direct", "106054", scrapeDay)
	minDep, maxDep := 1000.0, 85000.0
	features := `["loyalty rate"]`
	rich.MinDeposit = &minDep
	rich.MaxDeposit = &maxDep
	rich.SpecialFeatures = &features

	res, err := Run([]contracts.RawProduct{sparse, rich}, testDedupConfig())
	require.NoError(t, err)
	require.Len(t, res.Winners, 1)
	require.Equal(t, int64(2), res.Winners[0].ID)

	require.Len(t, res.Audits, 1)
	audit := res.Audits[0]
	require.Equal(t, int64(2), *audit.WinnerProductID)
	require.Len(t, audit.QualityScores, 2)
	require.Greater(t, audit.QualityScores["2"], audit.QualityScores["1"])
	require.Len(t, audit.Rejected.Rejected, 1)
	require.Equal(t, int64(1), audit.Rejected.Rejected[0].ProductID)
	require.Equal(t, ReasonLowerScore, audit.Rejected.Rejected[0].Reason)
	require.Equal(t, audit.QualityScores["1"], audit.Rejected.Rejected[0].Score)

	// Winner carries its score and key into the catalog row.
	require.Equal(t, audit.QualityScores["2"], res.Winners[0].QualityScore)
	require.Equal(t, audit.BusinessKey, res.Winners[0].BusinessKey)
}

func TestRunTieBreaksOnLowestID(t *testing.T) {
	a := raw(7, "direct", "106054", scrapeDay)
	b := raw(3, "direct", "106054", scrapeDay)

	res, err := Run([]contracts.RawProduct{a, b}, testDedupConfig())
	require.NoError(t, err)
	require.Len(t, res.Winners, 1)
	require.Equal(t, int64(3), res.Winners[0].ID)
}

func TestRunQualityFloor(t *testing.T) {
	p := raw(1, "direct", "", scrapeDay)
	p.Source = "unknown-source"

	cfg := testDedupConfig()
	cfg.QualityFloor = 0.9
	res, err := Run([]contracts.RawProduct{p}, cfg)
	require.NoError(t, err)

	require.Empty(t, res.Winners)
	require.Len(t, res.Audits, 1)
	audit := res.Audits[0]
	require.Nil(t, audit.WinnerProductID)
	require.Len(t, audit.Rejected.Rejected, 1)
	require.Equal(t, ReasonBelowFloor, audit.Rejected.Rejected[0].Reason)
	require.NotEmpty(t, audit.Rejected.Warnings)
	require.Contains(t, audit.Rejected.Warnings[0], "quality floor")
}

func TestRunReturnsKeyPerProduct(t *testing.T) {
	products := []contracts.RawProduct{
		raw(1, "direct", "106054", scrapeDay),
		raw(2, "ajbell", "106054", scrapeDay),
		raw(3, "direct", "122702", scrapeDay),
	}
	res, err := Run(products, testDedupConfig())
	require.NoError(t, err)
	require.Len(t, res.Keys, 3)
	require.Equal(t, res.Keys[1], res.Keys[2])
	require.NotEqual(t, res.Keys[1], res.Keys[3])
}

func TestRegulatorDivergenceWarning(t *testing.T) {
	a := raw(1, "direct", "106054", scrapeDay)
	b := raw(2, "ajbell", "122702", scrapeDay)
	c := raw(3, "hl", "106054", scrapeDay)

	msg := regulatorDivergence([]contracts.RawProduct{a, b, c})
	require.Contains(t, msg, "106054")
	require.Contains(t, msg, "122702")

	require.Empty(t, regulatorDivergence([]contracts.RawProduct{a, c}))
	require.Empty(t, regulatorDivergence([]contracts.RawProduct{raw(4, "direct", "", scrapeDay)}))
}

func TestScoreSubFactors(t *testing.T) {
	cfg := testDedupConfig()

	// A fully-populated fresh row from the most trusted source scores 1.
	p := raw(1, "direct", "106054", scrapeDay)
	term := 12
	notice := 90
	minDep, maxDep := 1.0, 2.0
	features := `{"bonus": true}`
	p.TermMonths = &term
	p.NoticePeriodDays = &notice
	p.MinDeposit = &minDep
	p.MaxDeposit = &maxDep
	p.SpecialFeatures = &features
	require.InDelta(t, 1.0, score(p, scrapeDay, cfg), 1e-9)

	// An empty row from an unknown source keeps only fallback trust and
	// self-relative recency.
	q := raw(2, "direct", "", scrapeDay)
	q.Source = "mystery"
	want := (0.20*1 + 0.15*trustFallback) / 1.0
	require.InDelta(t, want, score(q, scrapeDay, cfg), 1e-9)

	// Recency decays to zero at the window edge.
	q.ScrapeDate = scrapeDay.Add(-recencyWindow)
	want = 0.15 * trustFallback
	require.InDelta(t, want, score(q, scrapeDay, cfg), 1e-9)

	// Unparseable feature text earns half the feature weight.
	r := raw(3, "direct", "", scrapeDay)
	r.Source = "mystery"
	junk := "new customers only"
	r.SpecialFeatures = &junk
	want = 0.20*1 + 0.15*trustFallback + 0.10*0.5
	require.InDelta(t, want, score(r, scrapeDay, cfg), 1e-9)
}

func TestScoreRenormalizesWeights(t *testing.T) {
	cfg := testDedupConfig()
	cfg.Weights = Weights{Regulator: 3, Completeness: 1}

	p := raw(1, "direct", "106054", scrapeDay)
	got := score(p, scrapeDay, cfg)
	require.GreaterOrEqual(t, got, 0.0)
	require.LessOrEqual(t, got, 1.0)
	// Regulator present, completeness empty: 3/4 of the mass.
	require.InDelta(t, 0.75, got, 1e-9)
}
