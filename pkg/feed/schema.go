package feed

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// productSchema is the structural contract for a single wire record. It pins
// types only; presence and value rules carry their own reason codes and are
// checked field by field so one record can report every failure at once.
const productSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://rateloom.schemas.local/feed/product.schema.json",
  "type": "object",
  "properties": {
    "bankName":         {"type": "string"},
    "platform":         {"type": "string"},
    "accountType":      {"type": "string"},
    "aerRate":          {"type": ["number", "null"]},
    "grossRate":        {"type": ["number", "null"]},
    "termMonths":       {"type": ["integer", "null"]},
    "noticePeriodDays": {"type": ["integer", "null"]},
    "minDeposit":       {"type": ["number", "null"]},
    "maxDeposit":       {"type": ["number", "null"]},
    "fscsProtected":    {"type": ["boolean", "null"]},
    "specialFeatures":  {"type": ["string", "null"]},
    "scrapedAt":        {"type": ["string", "null"]}
  }
}`

const productSchemaURL = "https://rateloom.schemas.local/feed/product.schema.json"

func compileProductSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(productSchemaURL, strings.NewReader(productSchema)); err != nil {
		return nil, fmt.Errorf("feed schema load failed: %w", err)
	}
	compiled, err := c.Compile(productSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("feed schema compile failed: %w", err)
	}
	return compiled, nil
}
