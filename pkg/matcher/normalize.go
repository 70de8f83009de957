package matcher

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/rateloom/core/pkg/contracts"
)

// Normalization step names as they appear in normalization_steps_json.
const (
	stepNFC       = "nfc"
	stepUppercase = "uppercase"
	stepTrim      = "trim"
	stepCollapse  = "collapse_spaces"
	stepPrefix    = "strip_prefix"
	stepSuffix    = "strip_suffix"
	stepExpand    = "expand_abbreviation"
)

// NormalizeName applies the configured pipeline and returns only the final
// form. The deduplicator uses it to derive identities for records that never
// matched a regulator id.
func NormalizeName(name string, cfg Config) string {
	n, _ := normalize(name, cfg)
	return n
}

// normalize runs the name through the ordered transformation pipeline and
// records every step that changed it. Prefixes are stripped only at the
// start, suffixes only at the end, and abbreviations expand whole words only,
// so "BS" never rewrites the middle of "ABSOLUTE".
func normalize(name string, cfg Config) (string, []contracts.NormalizationStep) {
	if !cfg.NormalizationEnabled {
		return name, nil
	}

	var steps []contracts.NormalizationStep
	apply := func(step string, fn func(string) string) {
		before := name
		name = fn(name)
		if name != before {
			steps = append(steps, contracts.NormalizationStep{Step: step, Before: before, After: name})
		}
	}

	apply(stepNFC, norm.NFC.String)
	apply(stepUppercase, strings.ToUpper)
	apply(stepTrim, strings.TrimSpace)
	apply(stepCollapse, collapseSpaces)

	for _, prefix := range cfg.Prefixes {
		if prefix == "" {
			continue
		}
		apply(stepPrefix, func(s string) string {
			if strings.HasPrefix(s, prefix) {
				return strings.TrimSpace(strings.TrimPrefix(s, prefix))
			}
			return s
		})
	}

	for _, suffix := range cfg.Suffixes {
		if suffix == "" {
			continue
		}
		apply(stepSuffix, func(s string) string {
			if strings.HasSuffix(s, suffix) {
				return strings.TrimSpace(strings.TrimSuffix(s, suffix))
			}
			return s
		})
	}

	if len(cfg.Abbreviations) > 0 {
		apply(stepExpand, func(s string) string {
			return expandWords(s, cfg.Abbreviations)
		})
	}

	return name, steps
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// expandWords replaces whole tokens only: the input is already space-collapsed
// so splitting on fields preserves everything but the replaced words.
func expandWords(s string, abbrev map[string]string) string {
	fields := strings.Fields(s)
	changed := false
	for i, f := range fields {
		if full, ok := abbrev[f]; ok {
			fields[i] = full
			changed = true
		}
	}
	if !changed {
		return s
	}
	return strings.Join(fields, " ")
}
