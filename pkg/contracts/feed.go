// Package contracts defines the shared domain types that flow between the
// pipeline stages: feed records on the way in, raw and curated products in the
// store, lookup entries for the matcher, and the typed audit rows every stage
// emits. JSON columns are modeled as typed records here and converted at the
// storage boundary.
package contracts

import "time"

// FeedEnvelope is the header of a scraped feed file. The (Source, Method) pair
// is the replacement key for raw accumulation: re-running a scraper replaces
// only its own slice.
type FeedEnvelope struct {
	Source        string         `json:"source"`
	Method        string         `json:"method"`
	FormatVersion string         `json:"format_version,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"` // unknown metadata keys, preserved verbatim
}

// FeedProduct is a single scraped record as it appears on the wire.
// Pointer fields distinguish "absent" from zero values.
type FeedProduct struct {
	BankName         string   `json:"bankName"`
	Platform         string   `json:"platform"`
	AccountType      string   `json:"accountType"`
	AERRate          *float64 `json:"aerRate"`
	GrossRate        *float64 `json:"grossRate"`
	TermMonths       *int     `json:"termMonths"`
	NoticePeriodDays *int     `json:"noticePeriodDays"`
	MinDeposit       *float64 `json:"minDeposit"`
	MaxDeposit       *float64 `json:"maxDeposit"`
	FSCSProtected    bool     `json:"fscsProtected"`
	SpecialFeatures  *string  `json:"specialFeatures"`
	ScrapedAt        string   `json:"scrapedAt"`

	// ScrapeTime is the canonicalized UTC form of ScrapedAt, filled by the
	// feed reader. The wire value is free-form; this one is authoritative.
	ScrapeTime time.Time `json:"-"`

	// UnknownKeys lists product keys the reader did not recognize. They are
	// ignored for processing but recorded in the ingestion audit.
	UnknownKeys []string `json:"-"`
}
