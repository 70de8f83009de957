// Package feed reads scraped feed files: it parses the envelope, gates the
// declared format version, and gives every product record a validation
// verdict. Record problems are collected, never fatal; only an unusable
// envelope aborts the file.
package feed

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/rateloom/core/pkg/contracts"
)

// ErrEnvelopeInvalid marks a whole-file failure: missing source or method,
// no products array, or a format version outside the accepted range.
var ErrEnvelopeInvalid = errors.New("feed envelope invalid")

// Reader parses feed files. A Reader is safe for concurrent use; the
// compiled record schema is shared.
type Reader struct {
	schema       *jsonschema.Schema
	maxFileBytes int64
	maxRecords   int
}

// NewReader compiles the record schema once. Non-positive limits fall back
// to generous defaults.
func NewReader(maxFileBytes int64, maxRecords int) (*Reader, error) {
	schema, err := compileProductSchema()
	if err != nil {
		return nil, err
	}
	if maxFileBytes <= 0 {
		maxFileBytes = 256 << 20
	}
	if maxRecords <= 0 {
		maxRecords = 250_000
	}
	return &Reader{schema: schema, maxFileBytes: maxFileBytes, maxRecords: maxRecords}, nil
}

// Record is the verdict for one wire product. Ordinal is the record's
// position in the file and addresses its audit row; Product is only
// trustworthy when Status is valid.
type Record struct {
	Ordinal     int
	Product     contracts.FeedProduct
	Status      contracts.ValidationStatus
	Reasons     []string
	Messages    []string
	UnknownKeys []string
}

// Feed is a parsed file: the envelope plus per-record verdicts in file order.
// SHA256 is the hex digest of the raw bytes and feeds the batch identity.
type Feed struct {
	Envelope contracts.FeedEnvelope
	SHA256   string
	Records  []Record
}

// ValidCount returns how many records passed validation.
func (f *Feed) ValidCount() int {
	n := 0
	for _, r := range f.Records {
		if r.Status == contracts.ValidationValid {
			n++
		}
	}
	return n
}

// Read loads and parses the feed file at path. formats, when non-nil, is the
// accepted range for the envelope's declared format version; an envelope
// that declares no version passes the gate.
func (r *Reader) Read(path string, formats *semver.Constraints) (*Feed, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat feed file: %w", err)
	}
	if info.Size() > r.maxFileBytes {
		return nil, fmt.Errorf("%w: file is %d bytes, limit %d", ErrEnvelopeInvalid, info.Size(), r.maxFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read feed file: %w", err)
	}
	return r.ReadBytes(data, formats)
}

// ReadBytes parses an in-memory feed document.
func (r *Reader) ReadBytes(data []byte, formats *semver.Constraints) (*Feed, error) {
	digest := sha256.Sum256(data)

	var top struct {
		Metadata map[string]any    `json:"metadata"`
		Products []json.RawMessage `json:"products"`
	}
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelopeInvalid, err)
	}
	if top.Metadata == nil {
		return nil, fmt.Errorf("%w: missing metadata object", ErrEnvelopeInvalid)
	}

	env := contracts.FeedEnvelope{
		Source: strings.TrimSpace(stringField(top.Metadata, "source")),
		Method: strings.TrimSpace(stringField(top.Metadata, "method")),
	}
	env.FormatVersion = stringField(top.Metadata, "formatVersion")
	if env.FormatVersion == "" {
		env.FormatVersion = stringField(top.Metadata, "format_version")
	}
	if env.Source == "" {
		return nil, fmt.Errorf("%w: metadata.source missing or blank", ErrEnvelopeInvalid)
	}
	if env.Method == "" {
		return nil, fmt.Errorf("%w: metadata.method missing or blank", ErrEnvelopeInvalid)
	}
	if top.Products == nil {
		return nil, fmt.Errorf("%w: missing products array", ErrEnvelopeInvalid)
	}
	if len(top.Products) > r.maxRecords {
		return nil, fmt.Errorf("%w: %d records, limit %d", ErrEnvelopeInvalid, len(top.Products), r.maxRecords)
	}
	for k, v := range top.Metadata {
		switch k {
		case "source", "method", "formatVersion", "format_version":
		default:
			if env.Extra == nil {
				env.Extra = make(map[string]any)
			}
			env.Extra[k] = v
		}
	}
	if err := checkFormat(env.FormatVersion, formats); err != nil {
		return nil, err
	}

	feed := &Feed{
		Envelope: env,
		SHA256:   hex.EncodeToString(digest[:]),
		Records:  make([]Record, 0, len(top.Products)),
	}
	for i, raw := range top.Products {
		feed.Records = append(feed.Records, r.validate(i, raw))
	}
	return feed, nil
}

func checkFormat(version string, formats *semver.Constraints) error {
	if formats == nil || version == "" {
		return nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: format version %q: %v", ErrEnvelopeInvalid, version, err)
	}
	if !formats.Check(v) {
		return fmt.Errorf("%w: format version %s outside accepted range %s", ErrEnvelopeInvalid, version, formats)
	}
	return nil
}

var knownProductKeys = map[string]bool{
	"bankName": true, "platform": true, "accountType": true,
	"aerRate": true, "grossRate": true, "termMonths": true,
	"noticePeriodDays": true, "minDeposit": true, "maxDeposit": true,
	"fscsProtected": true, "specialFeatures": true, "scrapedAt": true,
}

// validate applies the schema and the field rules to one record. Every
// failed check is recorded; a record can carry several reason codes.
func (r *Reader) validate(ordinal int, raw json.RawMessage) Record {
	rec := Record{Ordinal: ordinal, Status: contracts.ValidationValid}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		rec.fail(contracts.ReasonSchemaViolation, "record is not a JSON object")
		return rec
	}
	if err := r.schema.Validate(m); err != nil {
		rec.fail(contracts.ReasonSchemaViolation, err.Error())
	}

	for k := range m {
		if !knownProductKeys[k] {
			rec.UnknownKeys = append(rec.UnknownKeys, k)
		}
	}
	sort.Strings(rec.UnknownKeys)

	p := &rec.Product
	p.BankName = strings.TrimSpace(stringField(m, "bankName"))
	if p.BankName == "" {
		rec.fail(contracts.ReasonMissingBankName, "")
	}
	p.Platform = strings.TrimSpace(stringField(m, "platform"))
	if p.Platform == "" {
		rec.fail(contracts.ReasonMissingPlatform, "")
	}
	p.AccountType = strings.TrimSpace(stringField(m, "accountType"))
	if p.AccountType == "" {
		rec.fail(contracts.ReasonMissingAccountType, "")
	}

	p.AERRate = numberField(m, "aerRate")
	if p.AERRate == nil || *p.AERRate <= 0 {
		rec.fail(contracts.ReasonInvalidRate, "")
	}
	p.GrossRate = numberField(m, "grossRate")
	p.TermMonths = intField(m, "termMonths")
	p.NoticePeriodDays = intField(m, "noticePeriodDays")

	p.MinDeposit = numberField(m, "minDeposit")
	if p.MinDeposit != nil && *p.MinDeposit < 0 {
		rec.fail(contracts.ReasonNegativeMinDeposit, "")
	}
	p.MaxDeposit = numberField(m, "maxDeposit")
	if p.MinDeposit != nil && p.MaxDeposit != nil && *p.MaxDeposit <= *p.MinDeposit {
		rec.fail(contracts.ReasonDepositRangeInvalid,
			fmt.Sprintf("maxDeposit %v <= minDeposit %v", *p.MaxDeposit, *p.MinDeposit))
	}

	if b, ok := m["fscsProtected"].(bool); ok {
		p.FSCSProtected = b
	}
	if s := stringField(m, "specialFeatures"); s != "" {
		p.SpecialFeatures = &s
	}

	p.ScrapedAt = stringField(m, "scrapedAt")
	if ts, err := parseScrapeTime(p.ScrapedAt); err != nil {
		rec.fail(contracts.ReasonBadScrapeDate, err.Error())
	} else {
		p.ScrapeTime = ts
	}

	p.UnknownKeys = rec.UnknownKeys
	return rec
}

func (rec *Record) fail(reason, msg string) {
	rec.Status = contracts.ValidationInvalid
	rec.Reasons = append(rec.Reasons, reason)
	if msg != "" {
		rec.Messages = append(rec.Messages, msg)
	}
}

// scrapeLayouts are the accepted wire timestamp forms, most specific first.
// Zoneless layouts are read as UTC; every result is canonicalized to UTC.
var scrapeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseScrapeTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("scrapedAt missing")
	}
	for _, layout := range scrapeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("scrapedAt %q is not a recognized timestamp", s)
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func numberField(m map[string]any, key string) *float64 {
	if v, ok := m[key].(float64); ok {
		f := v
		return &f
	}
	return nil
}

func intField(m map[string]any, key string) *int {
	v, ok := m[key].(float64)
	if !ok || v != math.Trunc(v) {
		return nil
	}
	n := int(v)
	return &n
}
