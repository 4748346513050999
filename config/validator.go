package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/sage-x-project/sage-paywall/types"
)

// Validator checks request bodies and listings against embedded JSON schemas.
type Validator struct {
	generate  *gojsonschema.Schema
	negotiate *gojsonschema.Schema
	listing   *gojsonschema.Schema
}

// NewValidator compiles the embedded schemas.
func NewValidator() (*Validator, error) {
	v := &Validator{}
	for _, s := range []struct {
		name string
		src  string
		dst  **gojsonschema.Schema
	}{
		{"generate", generateSchema, &v.generate},
		{"negotiate", negotiateSchema, &v.negotiate},
		{"listing", listingSchema, &v.listing},
	} {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s.src))
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s schema: %w", s.name, err)
		}
		*s.dst = schema
	}
	return v, nil
}

// MustValidator panics if the embedded schemas do not compile.
func MustValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// ValidateGenerate checks a raw POST /generate body.
func (v *Validator) ValidateGenerate(body []byte) error {
	return check("generate request", v.generate, gojsonschema.NewBytesLoader(body))
}

// ValidateNegotiate checks a raw POST /negotiate body.
func (v *Validator) ValidateNegotiate(body []byte) error {
	return check("negotiate request", v.negotiate, gojsonschema.NewBytesLoader(body))
}

// ValidateListing checks one listing as read from the listings file.
func (v *Validator) ValidateListing(listing interface{}) error {
	data, err := json.Marshal(listing)
	if err != nil {
		return fmt.Errorf("failed to marshal listing: %w", err)
	}
	return check("listing", v.listing, gojsonschema.NewBytesLoader(data))
}

func check(what string, schema *gojsonschema.Schema, doc gojsonschema.JSONLoader) error {
	result, err := schema.Validate(doc)
	if err != nil {
		return types.ValidationError("%s is not valid JSON: %v", what, err)
	}
	if !result.Valid() {
		var errs []string
		for _, e := range result.Errors() {
			errs = append(errs, fmt.Sprintf("- %s", e))
		}
		return types.ValidationError("%s validation failed:\n%s", what, strings.Join(errs, "\n"))
	}
	return nil
}

const decimalPattern = `^[0-9]+(\\.[0-9]+)?$`

var generateSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "Generate Request",
  "type": "object",
  "properties": {
    "payload": {"type": "object"},
    "invoiceId": {
      "type": "string",
      "maxLength": 31,
      "pattern": "^[^./\\\\\\s\\x00-\\x1f][^/\\\\\\s\\x00-\\x1f]*$"
    },
    "negotiatedPrice": {
      "oneOf": [
        {"type": "number", "exclusiveMinimum": 0},
        {"type": "string", "pattern": "` + decimalPattern + `"},
        {"type": "null"}
      ]
    },
    "buyerAddress": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"}
  }
}`

var negotiateSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "Negotiate Request",
  "type": "object",
  "required": ["buyerBudget"],
  "properties": {
    "listing": {
      "oneOf": [
        {"type": "string", "minLength": 1},
        {"type": "object", "required": ["id"], "properties": {"id": {"type": "string", "minLength": 1}}}
      ]
    },
    "listingId": {"type": "string"},
    "buyerBudget": {
      "oneOf": [
        {"type": "number", "exclusiveMinimum": 0},
        {"type": "string", "pattern": "` + decimalPattern + `"}
      ]
    },
    "requirements": {"type": "string"}
  }
}`

var listingSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "Seller Listing",
  "type": "object",
  "required": ["id", "style", "listing_price", "floor_price", "token"],
  "properties": {
    "id": {"type": "string", "pattern": "^[a-z0-9][a-z0-9_-]*$"},
    "name": {"type": "string"},
    "style": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "listing_price": {"type": "string", "pattern": "` + decimalPattern + `"},
    "floor_price": {"type": "string", "pattern": "` + decimalPattern + `"},
    "token": {"type": "string", "minLength": 1},
    "endpoint": {"type": "string"},
    "capabilities": {"type": "array", "items": {"type": "string"}},
    "nft": {"type": "boolean"}
  }
}`
