package httpapi

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const createBatchSchema = `{
  "type": "object",
  "required": ["submissions", "wsUrl"],
  "properties": {
    "wsUrl": {"type": "string", "minLength": 1},
    "submissions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["kind", "xmlRequest"],
        "properties": {
          "kind": {"enum": ["position-report", "shipment-completion", "manifest-completion"]},
          "xmlRequest": {"type": "string", "minLength": 1},
          "rowNo": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

const querySchema = `{
  "type": "object",
  "required": ["xmlRequest", "wsUrl"],
  "properties": {
    "xmlRequest": {"type": "string", "minLength": 1},
    "wsUrl": {"type": "string", "minLength": 1}
  }
}`

const importSchema = `{
  "type": "object",
  "required": ["inputPath", "kind"],
  "properties": {
    "inputPath": {"type": "string", "minLength": 1},
    "kind": {"type": "string", "minLength": 1},
    "environment": {"type": "string"},
    "encoding": {"enum": ["", "utf-8", "utf8", "windows-1251", "windows-1252", "iso-8859-1", "latin1"]},
    "delimiter": {"enum": ["", ";", ",", "\t"]}
  }
}`

var (
	createBatchValidator = mustSchema(createBatchSchema)
	queryValidator       = mustSchema(querySchema)
	importValidator      = mustSchema(importSchema)
)

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("invalid request schema: %v", err))
	}
	return s
}

// validateBody checks a raw JSON body against schema.
func validateBody(schema *gojsonschema.Schema, body []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if !result.Valid() {
		errs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			errs[i] = desc.String()
		}
		return fmt.Errorf("request validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
