package compliance

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rateloom/core/pkg/contracts"
)

func candidate(id int64, regulator, bank, platform string, accountType contracts.AccountType, rate float64) contracts.CatalogProduct {
	return contracts.CatalogProduct{
		RawProduct: contracts.RawProduct{
			ID:            id,
			Platform:      platform,
			BankName:      bank,
			AccountType:   accountType,
			AERRate:       rate,
			FSCSProtected: true,
			RegulatorID:   &regulator,
		},
		QualityScore: 0.9,
	}
}

func ratedDeposit(id int64, regulator, bank string, balance, rate float64) contracts.Deposit {
	d := deposit(id, regulator, bank, balance, false)
	d.AERRate = &rate
	return d
}

func TestPlanGreedyBestRateFirst(t *testing.T) {
	cfg := testComplianceConfig()
	deposits := []contracts.Deposit{
		ratedDeposit(1, "SRC", "Overfull Bank", 95_000, 4.6), // excess £9,500
		ratedDeposit(2, "TGT-B", "Bank B", 80_000, 4.0),      // £5,000 headroom
	}
	report := BuildReport(deposits, nil, cfg, reportTime)
	require.Len(t, report.Breaches(), 1)

	products := []contracts.CatalogProduct{
		candidate(1, "TGT-C", "Bank C", "direct", contracts.AccountEasyAccess, 4.2),
		candidate(2, "TGT-B", "Bank B", "direct", contracts.AccountEasyAccess, 4.5),
		candidate(3, "TGT-D", "Bank D", "direct", contracts.AccountEasyAccess, 3.9), // below rate floor
	}

	plan := BuildPlan(report, products, nil, deposits, cfg, reportTime)
	require.Len(t, plan.Entries, 1)
	entry := plan.Entries[0]
	require.Equal(t, "SRC", entry.SourceRegulatorID)
	require.Equal(t, int64(9_500_00), entry.ExcessMinor)
	require.Len(t, entry.Allocations, 2)

	// Best rate first, capped by the target's remaining headroom.
	require.Equal(t, "TGT-B", entry.Allocations[0].TargetRegulatorID)
	require.Equal(t, int64(5_000_00), entry.Allocations[0].AmountMinor)
	require.InDelta(t, 0.1, entry.Allocations[0].RateLoss, 1e-9)

	// Remainder flows to the next-best candidate with full headroom.
	require.Equal(t, "TGT-C", entry.Allocations[1].TargetRegulatorID)
	require.Equal(t, int64(4_500_00), entry.Allocations[1].AmountMinor)
	require.InDelta(t, 0.4, entry.Allocations[1].RateLoss, 1e-9)

	require.Zero(t, plan.UnplacedTotalMinor)
	require.Empty(t, entry.Notes)
}

func TestPlanRateFloorExcludesCandidates(t *testing.T) {
	cfg := testComplianceConfig()
	deposits := []contracts.Deposit{
		ratedDeposit(1, "SRC", "Overfull Bank", 95_000, 4.6),
	}
	report := BuildReport(deposits, nil, cfg, reportTime)

	// 4.6 - 0.5 = 4.1; a 3.9% product is too big a rate sacrifice.
	products := []contracts.CatalogProduct{
		candidate(1, "TGT-D", "Bank D", "direct", contracts.AccountEasyAccess, 3.9),
	}
	plan := BuildPlan(report, products, nil, deposits, cfg, reportTime)
	entry := plan.Entries[0]
	require.Empty(t, entry.Allocations)
	require.Equal(t, int64(9_500_00), plan.UnplacedTotalMinor)
	require.NotEmpty(t, entry.Notes)
	require.Contains(t, entry.Notes[0], "unplaced")
}

func TestPlanUnknownSourceRateWaivesFloor(t *testing.T) {
	cfg := testComplianceConfig()
	deposits := []contracts.Deposit{
		deposit(1, "SRC", "Legacy Bank", 95_000, false), // no known rate
	}
	report := BuildReport(deposits, nil, cfg, reportTime)

	products := []contracts.CatalogProduct{
		candidate(1, "TGT-D", "Bank D", "direct", contracts.AccountEasyAccess, 0.5),
	}
	plan := BuildPlan(report, products, nil, deposits, cfg, reportTime)
	entry := plan.Entries[0]
	require.Len(t, entry.Allocations, 1)
	require.Zero(t, entry.Allocations[0].RateLoss)
	require.Contains(t, entry.Notes[0], "waived")
}

func TestPlanEasyAccessRequirement(t *testing.T) {
	cfg := testComplianceConfig()
	deposits := []contracts.Deposit{
		ratedDeposit(1, "SRC", "Overfull Bank", 95_000, 4.0),
	}
	report := BuildReport(deposits, nil, cfg, reportTime)
	prefs := map[string]contracts.InstitutionPrefs{
		"TGT-E": {RegulatorID: "TGT-E", EasyAccessRequiredAboveDefault: true},
	}

	fixed := candidate(1, "TGT-E", "Bank E", "direct", contracts.AccountFixedTerm, 4.4)
	plan := BuildPlan(report, []contracts.CatalogProduct{fixed}, prefs, deposits, cfg, reportTime)
	require.Empty(t, plan.Entries[0].Allocations)

	easy := candidate(2, "TGT-E", "Bank E", "direct", contracts.AccountEasyAccess, 4.4)
	plan = BuildPlan(report, []contracts.CatalogProduct{fixed, easy}, prefs, deposits, cfg, reportTime)
	require.Len(t, plan.Entries[0].Allocations, 1)
	require.Equal(t, "TGT-E", plan.Entries[0].Allocations[0].TargetRegulatorID)
}

func TestPlanHeadroomSharedAcrossBreaches(t *testing.T) {
	cfg := testComplianceConfig()
	deposits := []contracts.Deposit{
		ratedDeposit(1, "SRC-1", "First Overfull", 180_000, 4.0), // excess £94,500
		ratedDeposit(2, "SRC-2", "Second Overfull", 95_000, 4.0), // excess £9,500
	}
	report := BuildReport(deposits, nil, cfg, reportTime)
	require.Len(t, report.Breaches(), 2)

	// One shared target with £85,000 of capacity.
	products := []contracts.CatalogProduct{
		candidate(1, "TGT", "Target Bank", "direct", contracts.AccountEasyAccess, 4.2),
	}
	plan := BuildPlan(report, products, nil, deposits, cfg, reportTime)
	require.Len(t, plan.Entries, 2)

	// Worst breach first consumes the whole target.
	first := plan.Entries[0]
	require.Equal(t, "SRC-1", first.SourceRegulatorID)
	require.Len(t, first.Allocations, 1)
	require.Equal(t, int64(85_000_00), first.Allocations[0].AmountMinor)
	require.NotEmpty(t, first.Notes)

	// The second breach finds no capacity left.
	second := plan.Entries[1]
	require.Equal(t, "SRC-2", second.SourceRegulatorID)
	require.Empty(t, second.Allocations)

	require.Equal(t, int64(9_500_00+9_500_00), plan.UnplacedTotalMinor)
}

func TestPlanSkipsUnprotectedAndUnattributed(t *testing.T) {
	cfg := testComplianceConfig()
	deposits := []contracts.Deposit{
		ratedDeposit(1, "SRC", "Overfull Bank", 95_000, 4.0),
	}
	report := BuildReport(deposits, nil, cfg, reportTime)

	unprotected := candidate(1, "TGT", "Bank U", "direct", contracts.AccountEasyAccess, 4.4)
	unprotected.FSCSProtected = false
	unattributed := candidate(2, "TGT", "Bank N", "direct", contracts.AccountEasyAccess, 4.4)
	unattributed.RegulatorID = nil

	plan := BuildPlan(report, []contracts.CatalogProduct{unprotected, unattributed}, nil, deposits, cfg, reportTime)
	require.Empty(t, plan.Entries[0].Allocations)
	require.Contains(t, plan.Warnings[0], "no protected candidates")
}

func TestPlanNoBreaches(t *testing.T) {
	cfg := testComplianceConfig()
	deposits := []contracts.Deposit{
		ratedDeposit(1, "OK", "Safe Bank", 10_000, 4.0),
	}
	report := BuildReport(deposits, nil, cfg, reportTime)
	plan := BuildPlan(report, nil, nil, deposits, cfg, reportTime)
	require.Empty(t, plan.Entries)
	require.NotEmpty(t, plan.Warnings)
}

func TestPlanNeverAllocatesBackToSource(t *testing.T) {
	cfg := testComplianceConfig()
	deposits := []contracts.Deposit{
		ratedDeposit(1, "SRC", "Overfull Bank", 95_000, 4.0),
	}
	report := BuildReport(deposits, nil, cfg, reportTime)

	products := []contracts.CatalogProduct{
		candidate(1, "SRC", "Overfull Bank", "direct", contracts.AccountEasyAccess, 9.9),
	}
	plan := BuildPlan(report, products, nil, deposits, cfg, reportTime)
	require.Empty(t, plan.Entries[0].Allocations)
}
