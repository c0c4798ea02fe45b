package tv

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	recordSchemaURL = "https://tvsync.local/schema/record.json"
	eventSchemaURL  = "https://tvsync.local/schema/event.json"
)

const recordSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["manufacturer", "model"],
  "properties": {
    "_id": {"type": "string"},
    "version": {"type": "integer", "minimum": 0},
    "localOnly": {"type": "boolean"},
    "manufacturer": {"type": "string", "minLength": 1},
    "model": {"type": "string", "minLength": 1},
    "fabricationDate": {"type": "string"},
    "price": {"type": "number", "minimum": 0},
    "isSmart": {"type": "boolean"},
    "photo": {"type": "string"},
    "lat": {"type": ["number", "null"], "minimum": -90, "maximum": 90},
    "lng": {"type": ["number", "null"], "minimum": -180, "maximum": 180}
  }
}`

const eventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["action", "payload"],
  "properties": {
    "action": {"enum": ["create", "update", "delete"]},
    "payload": {
      "type": "object",
      "required": ["tv"],
      "properties": {
        "tv": {
          "type": "object",
          "required": ["_id"],
          "properties": {
            "_id": {"type": "string", "minLength": 1},
            "version": {"type": "integer", "minimum": 0}
          }
        }
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schemas    map[string]*jsonschema.Schema
	schemaErr  error
)

func loadSchemas() {
	compiler := jsonschema.NewCompiler()
	sources := map[string]string{
		recordSchemaURL: recordSchema,
		eventSchemaURL:  eventSchema,
	}
	for url, src := range sources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			schemaErr = fmt.Errorf("parse schema %s: %w", url, err)
			return
		}
		if err := compiler.AddResource(url, doc); err != nil {
			schemaErr = fmt.Errorf("add schema %s: %w", url, err)
			return
		}
	}
	schemas = make(map[string]*jsonschema.Schema, len(sources))
	for url := range sources {
		compiled, err := compiler.Compile(url)
		if err != nil {
			schemaErr = fmt.Errorf("compile schema %s: %w", url, err)
			return
		}
		schemas[url] = compiled
	}
}

func validate(url string, data []byte) error {
	schemaOnce.Do(loadSchemas)
	if schemaErr != nil {
		return schemaErr
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := schemas[url].Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// ValidateRecordJSON checks a raw record document.
func ValidateRecordJSON(data []byte) error {
	return validate(recordSchemaURL, data)
}

// ValidateRecord checks r before it is queued or sent.
func ValidateRecord(r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return ValidateRecordJSON(data)
}
