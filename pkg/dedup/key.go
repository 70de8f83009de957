package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/gowebpki/jcs"

	"github.com/rateloom/core/pkg/contracts"
)

// keyParts is the identity record hashed into a business key. Platform is
// deliberately absent: the same product listed on two platforms must collide.
// Nil term and notice stay as JSON nulls so "no term" and "zero-month term"
// produce different keys.
type keyParts struct {
	Identity         string `json:"identity"`
	AccountType      string `json:"account_type"`
	TermMonths       *int   `json:"term_months"`
	NoticePeriodDays *int   `json:"notice_period_days"`
	RateBucket       int    `json:"rate_bucket"`
}

// BusinessKey derives the platform-independent identity hash for one raw
// product. Identity prefers the regulator id; unmatched records fall back to
// the normalized bank name so spelling noise cannot split a group. The parts
// are serialized through RFC 8785 canonical JSON before hashing, so the key
// is stable across encoder and field-order changes.
func BusinessKey(p contracts.RawProduct, normalize func(string) string) (string, error) {
	identity := ""
	if p.RegulatorID != nil {
		identity = *p.RegulatorID
	} else if normalize != nil {
		identity = normalize(p.BankName)
	} else {
		identity = p.BankName
	}

	parts := keyParts{
		Identity:         identity,
		AccountType:      string(p.AccountType),
		TermMonths:       p.TermMonths,
		NoticePeriodDays: p.NoticePeriodDays,
		RateBucket:       RateBucket(p.AERRate),
	}
	raw, err := json.Marshal(parts)
	if err != nil {
		return "", fmt.Errorf("marshal business key: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize business key: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// RateBucket folds an AER onto an integer basis-point bucket so float noise
// below 0.005 percentage points cannot split a business key.
func RateBucket(aer float64) int {
	return int(math.Round(aer * 100))
}

// GroupID names one (business key, platform) partition. It is derived, not
// random, so re-running a batch reproduces identical audit group ids.
func GroupID(businessKey, platform string) string {
	sum := sha256.Sum256([]byte(businessKey + "|" + platform))
	return hex.EncodeToString(sum[:])
}
