//go:build property
// +build property

package dedup

import (
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/rateloom/core/pkg/contracts"
)

// TestBusinessKeyPlatformIndependence verifies the key never sees the
// platform: any two platform spellings hash identically.
func TestBusinessKeyPlatformIndependence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("business key ignores platform", prop.ForAll(
		func(platformA, platformB, bank string, rate float64) bool {
			a := contracts.RawProduct{
				Platform:    platformA,
				BankName:    bank,
				AccountType: contracts.AccountEasyAccess,
				AERRate:     rate,
			}
			b := a
			b.Platform = platformB

			ka, errA := BusinessKey(a, nil)
			kb, errB := BusinessKey(b, nil)
			if errA != nil || errB != nil {
				return errA != nil && errB != nil
			}
			return ka == kb
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.Float64Range(0, 10),
	))

	properties.TestingRun(t)
}

// TestRunOrderInsensitivity verifies winner selection does not depend on the
// order rows were read from the store.
func TestRunOrderInsensitivity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	day := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	banks := []string{"SANTANDER", "BARCLAYS", "MONZO"}
	platforms := []string{"direct", "ajbell", "hl"}

	properties.Property("run is order-insensitive", prop.ForAll(
		func(picks []int, rotate int) bool {
			var products []contracts.RawProduct
			for i, pick := range picks {
				if pick < 0 {
					pick = -pick
				}
				products = append(products, contracts.RawProduct{
					ID:          int64(i + 1),
					Source:      "moneyfacts",
					Platform:    platforms[pick%len(platforms)],
					BankName:    banks[pick%len(banks)],
					AccountType: contracts.AccountEasyAccess,
					AERRate:     float64(pick%5) + 0.5,
					ScrapeDate:  day.Add(time.Duration(pick%40) * 24 * time.Hour),
				})
			}
			if len(products) == 0 {
				return true
			}

			cfg := testDedupConfig()
			first, err1 := Run(products, cfg)

			if rotate < 0 {
				rotate = -rotate
			}
			k := rotate % len(products)
			rotated := append(append([]contracts.RawProduct{}, products[k:]...), products[:k]...)
			second, err2 := Run(rotated, cfg)

			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return reflect.DeepEqual(first.Winners, second.Winners) &&
				reflect.DeepEqual(first.Audits, second.Audits)
		},
		gen.SliceOf(gen.IntRange(0, 1000)),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
