package contracts

import "time"

// AccountType is the canonical account classification after normalization.
type AccountType string

const (
	AccountEasyAccess AccountType = "easy_access"
	AccountNotice     AccountType = "notice"
	AccountFixedTerm  AccountType = "fixed_term"
)

// Valid reports whether t is one of the three canonical account types.
func (t AccountType) Valid() bool {
	switch t {
	case AccountEasyAccess, AccountNotice, AccountFixedTerm:
		return true
	}
	return false
}

// RawProduct is a row of the append-only products_raw table. Scraped fields
// are immutable once inserted; RegulatorID and ConfidenceScore are filled by
// the matcher, BusinessKey by the deduplicator.
type RawProduct struct {
	ID               int64       `json:"id"`
	Source           string      `json:"source"`
	Method           string      `json:"method"`
	Platform         string      `json:"platform"`     // canonical, lower-case
	RawPlatform      string      `json:"raw_platform"` // as scraped
	BankName         string      `json:"bank_name"`
	AccountType      AccountType `json:"account_type"`
	AERRate          float64     `json:"aer_rate"`
	GrossRate        *float64    `json:"gross_rate,omitempty"`
	TermMonths       *int        `json:"term_months,omitempty"`
	NoticePeriodDays *int        `json:"notice_period_days,omitempty"`
	MinDeposit       *float64    `json:"min_deposit,omitempty"`
	MaxDeposit       *float64    `json:"max_deposit,omitempty"`
	FSCSProtected    bool        `json:"fscs_protected"`
	SpecialFeatures  *string     `json:"special_features,omitempty"`
	ScrapeDate       time.Time   `json:"scrape_date"`
	RegulatorID      *string     `json:"regulator_id,omitempty"`
	ConfidenceScore  float64     `json:"confidence_score"`
	BusinessKey      string      `json:"business_key,omitempty"`
	BatchID          string      `json:"batch_id"`
}

// CatalogProduct is a row of the curated products table: the per-platform
// winner of deduplication. At most one row exists per (BusinessKey, Platform).
type CatalogProduct struct {
	RawProduct
	QualityScore float64 `json:"quality_score"`
}
