package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rateloom/core/pkg/config"
	"github.com/rateloom/core/pkg/contracts"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "rateloom.db"), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testRaw(bank, platform string, rate float64) contracts.RawProduct {
	return contracts.RawProduct{
		Source:      "moneyfacts",
		Method:      "easy_access",
		Platform:    platform,
		RawPlatform: platform,
		BankName:    bank,
		AccountType: contracts.AccountEasyAccess,
		AERRate:     rate,
		ScrapeDate:  time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC),
		BatchID:     "batch-1",
	}
}

func TestOpenSeedsDefaults(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.EnsureDefaults(ctx))

	values, fp, err := NewConfigStore(db).ConfigSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(len(config.Defaults())), fp.Rows)
	require.Contains(t, values, config.KeyFuzzyThreshold)
	require.Equal(t, config.TypeNumber, values[config.KeyFuzzyThreshold].Type)

	// Seeding twice never overwrites.
	require.NoError(t, NewConfigStore(db).Set(ctx, config.KeyFuzzyThreshold, "0.95", config.TypeNumber))
	require.NoError(t, db.EnsureDefaults(ctx))
	v, err := NewConfigStore(db).Get(ctx, config.KeyFuzzyThreshold)
	require.NoError(t, err)
	require.Equal(t, "0.95", v.Raw)
}

func TestRawReplaceSliceIsMethodScoped(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	raw := NewRawStore(db)

	insert := func(source, method string, n int) {
		records := make([]contracts.RawProduct, n)
		for i := range records {
			r := testRaw("Bank", "hl", 4.0)
			r.Source, r.Method = source, method
			records[i] = r
		}
		require.NoError(t, db.WithTx(ctx, func(tx *sql.Tx) error {
			_, _, err := raw.ReplaceSlice(ctx, tx, source, method, records)
			return err
		}))
	}

	insert("hl_scraper", "easy_access", 330)
	insert("moneyfacts", "all", 300)

	total, err := raw.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(630), total)

	// Re-running the hl slice with 300 records replaces only that slice.
	insert("hl_scraper", "easy_access", 300)

	total, err = raw.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(600), total)

	slice, err := raw.CountSlice(ctx, "moneyfacts", "all")
	require.NoError(t, err)
	require.Equal(t, int64(300), slice)
}

func TestRawMatchAndBusinessKeyUpdates(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	raw := NewRawStore(db)

	var id int64
	require.NoError(t, db.WithTx(ctx, func(tx *sql.Tx) error {
		_, ids, err := raw.ReplaceSlice(ctx, tx, "moneyfacts", "all",
			[]contracts.RawProduct{testRaw("Santander", "hl", 4.2)})
		if err != nil {
			return err
		}
		id = ids[0]
		return nil
	}))

	frn := "106054"
	require.NoError(t, db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := raw.SetMatch(ctx, tx, id, &frn, 1.0); err != nil {
			return err
		}
		return raw.SetBusinessKey(ctx, tx, id, "bk-1")
	}))

	rows, err := raw.All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].RegulatorID)
	require.Equal(t, "106054", *rows[0].RegulatorID)
	require.Equal(t, 1.0, rows[0].ConfidenceScore)
	require.Equal(t, "bk-1", rows[0].BusinessKey)
	require.True(t, rows[0].ScrapeDate.Equal(time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)))
}

func TestCatalogReplaceAllAndUniqueness(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	catalog := NewCatalogStore(db)

	mk := func(key, platform string, rate float64) contracts.CatalogProduct {
		p := contracts.CatalogProduct{RawProduct: testRaw("Bank", platform, rate)}
		p.BusinessKey = key
		p.QualityScore = 0.8
		return p
	}

	require.NoError(t, db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := catalog.ReplaceAll(ctx, tx, []contracts.CatalogProduct{
			mk("bk-1", "hl", 4.2),
			mk("bk-1", "raisin", 4.2),
			mk("bk-2", "hl", 3.1),
		})
		return err
	}))

	n, err := catalog.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	// Same (business_key, platform) twice must violate the unique constraint.
	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := catalog.ReplaceAll(ctx, tx, []contracts.CatalogProduct{
			mk("bk-1", "hl", 4.2),
			mk("bk-1", "hl", 4.5),
		})
		return err
	})
	require.Error(t, err)

	// The failed transaction rolled back; the previous catalog survives.
	n, err = catalog.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	best, err := catalog.List(ctx, CatalogFilter{AccountType: contracts.AccountEasyAccess, MinRate: 4.0})
	require.NoError(t, err)
	require.Len(t, best, 2)
	require.GreaterOrEqual(t, best[0].AERRate, best[1].AERRate)
}

func TestLookupUpsertFingerprint(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	lookup := NewLookupStore(db)

	fp0, err := lookup.Fingerprint(ctx)
	require.NoError(t, err)
	require.Zero(t, fp0.Rows)

	require.NoError(t, lookup.Upsert(ctx, contracts.LookupEntry{
		SearchName:    "SANTANDER",
		RegulatorID:   "106054",
		CanonicalName: "Santander UK plc",
		MatchType:     contracts.MatchDirect,
		Confidence:    1.0,
		MatchRank:     1,
		Active:        true,
		UpdatedAt:     time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, lookup.Upsert(ctx, contracts.LookupEntry{
		SearchName:    "SANTANDER",
		RegulatorID:   "106054",
		CanonicalName: "Santander UK plc",
		MatchType:     contracts.MatchAlias,
		Confidence:    0.9,
		MatchRank:     5,
		Active:        true,
		UpdatedAt:     time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC),
	}))

	entries, err := lookup.ActiveEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, contracts.MatchDirect, entries[0].MatchType) // rank 1 first

	fp1, err := lookup.Fingerprint(ctx)
	require.NoError(t, err)
	require.False(t, fp0.Equal(fp1))

	// Deactivated rows disappear from the matcher's view but still count in
	// the fingerprint.
	e := entries[1]
	e.Active = false
	e.UpdatedAt = time.Date(2026, 1, 4, 0, 0, 0, 0, time.UTC)
	require.NoError(t, lookup.Upsert(ctx, e))

	entries, err = lookup.ActiveEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	fp2, err := lookup.Fingerprint(ctx)
	require.NoError(t, err)
	require.False(t, fp1.Equal(fp2))
}

func TestResearchFlagRespectsCap(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	research := NewResearchStore(db)
	seen := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	flag := func(name string, max int) bool {
		var kept bool
		require.NoError(t, db.WithTx(ctx, func(tx *sql.Tx) error {
			var err error
			kept, err = research.Flag(ctx, tx, name, seen, max)
			return err
		}))
		return kept
	}

	require.True(t, flag("Mystery Bank A", 2))
	require.True(t, flag("Mystery Bank B", 2))

	// Queue full: a new name is dropped...
	require.False(t, flag("Mystery Bank C", 2))

	// ...but an existing one still gets its counter bumped.
	require.True(t, flag("Mystery Bank A", 2))

	entry, err := research.Get(ctx, "Mystery Bank A")
	require.NoError(t, err)
	require.Equal(t, 2, entry.OccurrenceCount)
	require.Equal(t, contracts.ResearchOpen, entry.Status)

	open, err := research.CountOpen(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, open)

	// Resolving frees capacity.
	require.NoError(t, research.SetStatus(ctx, entry.ID, contracts.ResearchResolved))
	require.True(t, flag("Mystery Bank C", 2))
}

func TestPrefsRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	prefs := NewPrefsStore(db)

	limit := 1_000_000.0
	require.NoError(t, prefs.Upsert(ctx, contracts.InstitutionPrefs{
		RegulatorID:                    "124659",
		PersonalLimit:                  &limit,
		EasyAccessRequiredAboveDefault: true,
		TrustLevel:                     5,
		ProtectionType:                 contracts.ProtectionGovernment,
	}))

	p, err := prefs.Get(ctx, "124659")
	require.NoError(t, err)
	require.NotNil(t, p.PersonalLimit)
	require.Equal(t, 1_000_000.0, *p.PersonalLimit)
	require.True(t, p.EasyAccessRequiredAboveDefault)
	require.Equal(t, contracts.ProtectionGovernment, p.ProtectionType)

	_, err = prefs.Get(ctx, "000000")
	require.ErrorIs(t, err, ErrNotFound)

	all, err := prefs.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestDepositsActiveFilter(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	deposits := NewDepositStore(db)

	rate := 4.1
	id1, err := deposits.Insert(ctx, contracts.Deposit{
		RegulatorID: "106054", Bank: "Santander", Balance: 90000,
		AERRate: &rate, IsActive: true,
	})
	require.NoError(t, err)
	_, err = deposits.Insert(ctx, contracts.Deposit{
		RegulatorID: "204574", Bank: "Monzo", Balance: 12000, IsActive: true, IsJoint: true,
	})
	require.NoError(t, err)

	require.NoError(t, deposits.SetActive(ctx, id1, false))

	active, err := deposits.Active(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "204574", active[0].RegulatorID)
	require.True(t, active[0].IsJoint)
	require.Nil(t, active[0].AERRate)

	all, err := deposits.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestBatchLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	batches := NewBatchStore(db)

	rowID, err := batches.Insert(ctx, contracts.BatchRecord{
		BatchID:    "batch-7",
		StartedAt:  time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC),
		FilePath:   "/feeds/hl.json",
		FileSHA256: "abc123",
		Source:     "hl_scraper",
		Method:     "easy_access",
		Status:     contracts.BatchRunning,
	})
	require.NoError(t, err)

	committed, err := batches.HasCommitted(ctx, "batch-7")
	require.NoError(t, err)
	require.False(t, committed)

	require.NoError(t, batches.Finish(ctx, nil, rowID, contracts.BatchCommitted, ""))

	committed, err = batches.HasCommitted(ctx, "batch-7")
	require.NoError(t, err)
	require.True(t, committed)

	// A re-run appends a second row for the same batch id. An unset start
	// time is stamped by the store.
	_, err = batches.Insert(ctx, contracts.BatchRecord{
		BatchID:  "batch-7",
		FilePath: "/feeds/hl.json",
		Status:   contracts.BatchAlreadyCommitted,
	})
	require.NoError(t, err)

	history, err := batches.History(ctx, "batch-7")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, contracts.BatchCommitted, history[0].Status)
	require.Equal(t, contracts.BatchAlreadyCommitted, history[1].Status)
	require.NotNil(t, history[0].FinishedAt)
	require.False(t, history[1].StartedAt.IsZero())
	require.WithinDuration(t, time.Now(), history[1].StartedAt, time.Minute)

	recent, err := batches.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, contracts.BatchAlreadyCommitted, recent[0].Status)
}

func TestAuditRoundTripAndScopedDelete(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	audits := NewAuditStore(db)

	mt := contracts.MatchDirect
	frn := "106054"
	winner := int64(11)

	require.NoError(t, db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := audits.InsertIngestion(ctx, tx, []contracts.IngestionAudit{{
			BatchID:          "b1",
			RecordOrdinal:    0,
			ValidationStatus: contracts.ValidationInvalid,
			Details:          contracts.ValidationDetails{ReasonCodes: []string{contracts.ReasonInvalidRate}},
			SourceMetadata:   contracts.PlatformSourceMetadata{PlatformRaw: "HL", PlatformCanonical: "hl", Source: "hl_scraper", Method: "easy_access"},
		}}); err != nil {
			return err
		}
		if err := audits.InsertMatching(ctx, tx, []contracts.MatchingAudit{{
			BatchID:            "b1",
			RecordOrdinal:      0,
			ProductID:          11,
			OriginalBankName:   "Santander",
			NormalizedBankName: "SANTANDER",
			QueryMethod:        contracts.QueryExactMatch,
			MatchType:          &mt,
			RegulatorID:        &frn,
			Confidence:         1.0,
			Routing:            contracts.RoutingAccepted,
		}}); err != nil {
			return err
		}
		return audits.InsertDedup(ctx, tx, []contracts.DedupAudit{{
			BatchID:          "b1",
			GroupOrdinal:     0,
			GroupID:          "g-1",
			BusinessKey:      "bk-1",
			Platform:         "hl",
			PlatformsInGroup: []string{"hl", "raisin"},
			QualityScores:    map[string]float64{"11": 0.9, "12": 0.4},
			WinnerProductID:  &winner,
			Rejected: contracts.RejectedMetadata{
				Rejected: []contracts.RejectedProduct{{ProductID: 12, Reason: "lower_quality_score", Score: 0.4}},
			},
		}})
	}))

	ing, err := audits.IngestionByBatch(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, ing, 1)
	require.Equal(t, []string{contracts.ReasonInvalidRate}, ing[0].Details.ReasonCodes)
	require.Equal(t, "hl", ing[0].SourceMetadata.PlatformCanonical)

	match, err := audits.MatchingByBatch(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, match, 1)
	require.NotNil(t, match[0].MatchType)
	require.Equal(t, contracts.MatchDirect, *match[0].MatchType)
	require.NotNil(t, match[0].NormalizationSteps) // empty array, not null

	dedup, err := audits.DedupByBatch(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, dedup, 1)
	require.Equal(t, []string{"hl", "raisin"}, dedup[0].PlatformsInGroup)
	require.Len(t, dedup[0].Rejected.Rejected, 1)

	n, err := audits.WinnerCount(ctx, "b1", 11)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Duplicate ordinal within the same batch must be rejected.
	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		return audits.InsertIngestion(ctx, tx, []contracts.IngestionAudit{{
			BatchID: "b1", RecordOrdinal: 0, ValidationStatus: contracts.ValidationValid,
		}})
	})
	require.Error(t, err)

	// A scoped delete clears only the named stages.
	require.NoError(t, db.WithTx(ctx, func(tx *sql.Tx) error {
		return audits.DeleteBatch(ctx, tx, "b1", contracts.StageMatching, contracts.StageDedup)
	}))

	match, err = audits.MatchingByBatch(ctx, "b1")
	require.NoError(t, err)
	require.Empty(t, match)

	ing, err = audits.IngestionByBatch(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, ing, 1)
}
