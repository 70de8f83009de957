// Package filter is the admission stage: it canonicalizes platform and
// account type, applies the per-type rate thresholds, sanity-checks deposit
// bounds, and optionally evaluates a configurable CEL admission rule. Every
// record leaves with exactly one outcome.
package filter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/rateloom/core/pkg/config"
	"github.com/rateloom/core/pkg/contracts"
)

// accountAliases maps wire spellings of account types to the canonical form.
// Comparison is case-insensitive on the trimmed value.
var accountAliases = map[string]contracts.AccountType{
	"easy_access":     contracts.AccountEasyAccess,
	"easy access":     contracts.AccountEasyAccess,
	"easyaccess":      contracts.AccountEasyAccess,
	"instant access":  contracts.AccountEasyAccess,
	"instant_access":  contracts.AccountEasyAccess,
	"notice":          contracts.AccountNotice,
	"notice account":  contracts.AccountNotice,
	"notice_account":  contracts.AccountNotice,
	"fixed_term":      contracts.AccountFixedTerm,
	"fixed term":      contracts.AccountFixedTerm,
	"fixed":           contracts.AccountFixedTerm,
	"fixed rate":      contracts.AccountFixedTerm,
	"fixed rate bond": contracts.AccountFixedTerm,
	"fixed_rate_bond": contracts.AccountFixedTerm,
}

// CanonicalAccountType maps a wire account type to its canonical value.
func CanonicalAccountType(s string) (contracts.AccountType, bool) {
	t, ok := accountAliases[strings.ToLower(strings.TrimSpace(s))]
	return t, ok
}

// Config is the filter's slice of the runtime configuration.
type Config struct {
	Thresholds     map[contracts.AccountType]float64
	DepositCeiling float64
	Expression     string // CEL admission rule, "" disables
}

// LoadConfig reads the filter keys from the cached config snapshot.
func LoadConfig(cfg *config.Loader) (Config, error) {
	var (
		c   Config
		err error
	)
	c.Thresholds = make(map[contracts.AccountType]float64, 3)
	if c.Thresholds[contracts.AccountEasyAccess], err = cfg.Number(config.KeyRateThresholdEasyAccess); err != nil {
		return Config{}, err
	}
	if c.Thresholds[contracts.AccountNotice], err = cfg.Number(config.KeyRateThresholdNotice); err != nil {
		return Config{}, err
	}
	if c.Thresholds[contracts.AccountFixedTerm], err = cfg.Number(config.KeyRateThresholdFixedTerm); err != nil {
		return Config{}, err
	}
	if c.DepositCeiling, err = cfg.NumberOr(config.KeyMaxDepositCeiling, 100_000_000); err != nil {
		return Config{}, err
	}
	if c.Expression, err = cfg.StringOr(config.KeyFilterExpression, ""); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Filter applies the admission stage to validated feed records. Build one per
// batch so the admission rule is compiled exactly once per run.
type Filter struct {
	cfg  Config
	prog cel.Program
}

// New compiles the admission rule if one is configured. A rule that does not
// compile is invalid configuration, not a record problem.
func New(cfg Config) (*Filter, error) {
	f := &Filter{cfg: cfg}
	if strings.TrimSpace(cfg.Expression) == "" {
		return f, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("admission env: %w", err)
	}
	ast, issues := env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: admission rule: %v", config.ErrInvalid, issues.Err())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("admission program: %w", err)
	}
	f.prog = prog
	return f, nil
}

// Result is the stage outcome for one record. Product is populated only when
// the record passed.
type Result struct {
	Outcome string
	Product contracts.RawProduct
}

// Apply normalizes and filters one validated record. env names the file the
// record came from; the record's ScrapeTime must already be canonical UTC.
func (f *Filter) Apply(env contracts.FeedEnvelope, p contracts.FeedProduct) (Result, error) {
	if p.AERRate == nil {
		return Result{}, errors.New("filter: record has no rate")
	}

	accountType, ok := CanonicalAccountType(p.AccountType)
	if !ok {
		return Result{Outcome: contracts.FilterUnknownAccountType}, nil
	}
	platform := strings.ToLower(strings.TrimSpace(p.Platform))

	threshold, ok := f.cfg.Thresholds[accountType]
	if !ok {
		return Result{}, fmt.Errorf("%w: no rate threshold for %s", config.ErrInvalid, accountType)
	}
	// A rate exactly at the threshold is admitted.
	if *p.AERRate < threshold {
		return Result{Outcome: contracts.FilterRateBelowThreshold}, nil
	}

	if f.insaneDeposits(p) {
		return Result{Outcome: contracts.FilterDepositBoundsInsane}, nil
	}

	if f.prog != nil {
		admitted, err := f.admit(p, platform, accountType)
		if err != nil {
			return Result{}, err
		}
		if !admitted {
			return Result{Outcome: contracts.FilterAdmissionRejected}, nil
		}
	}

	return Result{
		Outcome: contracts.FilterPassed,
		Product: contracts.RawProduct{
			Source:           env.Source,
			Method:           env.Method,
			Platform:         platform,
			RawPlatform:      p.Platform,
			BankName:         p.BankName,
			AccountType:      accountType,
			AERRate:          *p.AERRate,
			GrossRate:        p.GrossRate,
			TermMonths:       p.TermMonths,
			NoticePeriodDays: p.NoticePeriodDays,
			MinDeposit:       p.MinDeposit,
			MaxDeposit:       p.MaxDeposit,
			FSCSProtected:    p.FSCSProtected,
			SpecialFeatures:  p.SpecialFeatures,
			ScrapeDate:       p.ScrapeTime,
		},
	}, nil
}

// insaneDeposits flags bounds no UK savings product plausibly has.
func (f *Filter) insaneDeposits(p contracts.FeedProduct) bool {
	ceiling := f.cfg.DepositCeiling
	if ceiling <= 0 {
		return false
	}
	if p.MinDeposit != nil && *p.MinDeposit > ceiling {
		return true
	}
	if p.MaxDeposit != nil && *p.MaxDeposit > ceiling {
		return true
	}
	return false
}

// admit evaluates the admission rule. The record is exposed as input.* with
// the canonical platform and account type; absent optional fields read as
// zero. A rule that fails at runtime is broken configuration.
func (f *Filter) admit(p contracts.FeedProduct, platform string, accountType contracts.AccountType) (bool, error) {
	input := map[string]any{
		"bank_name":          p.BankName,
		"platform":           platform,
		"account_type":       string(accountType),
		"aer_rate":           *p.AERRate,
		"fscs_protected":     p.FSCSProtected,
		"term_months":        0,
		"notice_period_days": 0,
		"min_deposit":        0.0,
		"max_deposit":        0.0,
	}
	if p.TermMonths != nil {
		input["term_months"] = *p.TermMonths
	}
	if p.NoticePeriodDays != nil {
		input["notice_period_days"] = *p.NoticePeriodDays
	}
	if p.MinDeposit != nil {
		input["min_deposit"] = *p.MinDeposit
	}
	if p.MaxDeposit != nil {
		input["max_deposit"] = *p.MaxDeposit
	}

	out, _, err := f.prog.Eval(map[string]any{"input": input})
	if err != nil {
		return false, fmt.Errorf("%w: admission rule: %v", config.ErrInvalid, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: admission rule must return bool, got %T", config.ErrInvalid, out.Value())
	}
	return b, nil
}
