package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// documentSchema describes the JSON form of the configuration. JSON
// config files are checked against it before decoding so a typo in a
// section or key fails loudly instead of silently falling back to a
// default.
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "query": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "search_radius_meters": {"type": "number", "exclusiveMinimum": 0},
        "detail_concurrency": {"type": "integer", "minimum": 1},
        "fetch_timeout_sec": {"type": "integer", "minimum": 1}
      }
    },
    "debounce": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "delay_ms": {"type": "integer", "minimum": 0},
        "threshold_px": {"type": "number", "minimum": 0},
        "zoom_epsilon": {"type": "number", "minimum": 0}
      }
    },
    "retry": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "max_attempts": {"type": "integer", "minimum": 1},
        "initial_delay_ms": {"type": "integer", "minimum": 1},
        "max_delay_ms": {"type": "integer", "minimum": 1},
        "backoff_multiplier": {"type": "number", "minimum": 1},
        "jitter_fraction": {"type": "number", "minimum": 0, "exclusiveMaximum": 1}
      }
    },
    "cache": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "ttl_sec": {"type": "integer", "minimum": 1},
        "center_tolerance_meters": {"type": "number", "minimum": 0},
        "reservation_ttl_sec": {"type": "integer", "minimum": 1}
      }
    },
    "audio": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "playback_interruptible": {"type": "boolean"}
      }
    },
    "logging": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "level": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
        "format": {"type": "string", "enum": ["text", "json"]}
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("echopin-config.schema.json", strings.NewReader(documentSchema)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("echopin-config.schema.json")
	})
	return schema, schemaErr
}

// ValidateDocument checks a JSON config document against the schema.
func ValidateDocument(data []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	var instance any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&instance); err != nil {
		return fmt.Errorf("parse config document: %w", err)
	}

	if err := s.Validate(instance); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	return nil
}
