package validation

import (
	"bytes"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/secretkv/pkg/schema"
)

const (
	storeSchemaURL = "https://secretkv.dev/schemas/store.json"
	dumpSchemaURL  = "https://secretkv.dev/schemas/dump.json"
)

// storeSchemaJSON describes the persisted file document:
// key ciphertext -> list of [value ciphertext, version] pairs.
const storeSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://secretkv.dev/schemas/store.json",
  "type": "object",
  "additionalProperties": {
    "type": "array",
    "items": {
      "type": "array",
      "prefixItems": [
        { "type": "string" },
        { "type": "integer", "minimum": 1 }
      ],
      "items": false,
      "minItems": 2
    }
  }
}`

// dumpSchemaJSON describes a dump document written by vault.Dump.
const dumpSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://secretkv.dev/schemas/dump.json",
  "type": "object",
  "required": ["format", "version", "id", "created_at", "encrypted", "entries"],
  "properties": {
    "format": { "const": "skv-dump" },
    "version": { "const": 1 },
    "id": { "type": "string", "format": "uuid" },
    "created_at": { "type": "string", "format": "date-time" },
    "encrypted": { "type": "boolean" },
    "entries": {
      "type": "array",
      "items": { "$ref": "#/$defs/entry" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "entry": {
      "type": "object",
      "required": ["key", "values"],
      "properties": {
        "key": { "type": "string", "minLength": 1 },
        "values": {
          "type": "array",
          "minItems": 1,
          "items": { "type": "string" }
        }
      },
      "additionalProperties": false
    }
  }
}`

// DocumentValidator validates persisted store documents and dump documents
// against JSON Schema Draft 2020-12. It is safe for concurrent use.
type DocumentValidator struct {
	storeSchema *jsonschema.Schema
	dumpSchema  *jsonschema.Schema
}

// NewDocumentValidator compiles both schemas.
func NewDocumentValidator() (*DocumentValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	storeSchema, err := compile(c, storeSchemaURL, storeSchemaJSON)
	if err != nil {
		return nil, err
	}
	dumpSchema, err := compile(c, dumpSchemaURL, dumpSchemaJSON)
	if err != nil {
		return nil, err
	}
	return &DocumentValidator{storeSchema: storeSchema, dumpSchema: dumpSchema}, nil
}

func compile(c *jsonschema.Compiler, url, src string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
	}
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", url, err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", url, err)
	}
	return s, nil
}

// ValidateStoreDocument checks a raw file-backing document.
func (v *DocumentValidator) ValidateStoreDocument(data []byte) error {
	return validate(v.storeSchema, "store document", data)
}

// ValidateDump checks a raw dump document.
func (v *DocumentValidator) ValidateDump(data []byte) error {
	return validate(v.dumpSchema, "dump document", data)
}

func validate(s *jsonschema.Schema, what string, data []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s is not valid JSON", what).WithCause(err)
	}
	if err := s.Validate(doc); err != nil {
		return toSkvError(err)
	}
	return nil
}

// toSkvError converts a jsonschema.ValidationError into an SkvError carrying
// every leaf violation with its instance location.
func toSkvError(err error) *schema.SkvError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
