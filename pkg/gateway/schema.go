package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Request parameter schemas, keyed by RPC method. Methods absent from this
// map take no parameters.
var methodSchemas = map[string]string{
	"session.create": `{
		"type": "object",
		"properties": {
			"prompt": {"type": "string", "minLength": 1},
			"model": {"type": "string"},
			"working_dir": {"type": "string"}
		},
		"required": ["prompt"],
		"additionalProperties": false
	}`,
	"session.resume": `{
		"type": "object",
		"properties": {
			"session_id": {"type": "string", "minLength": 1},
			"prompt": {"type": "string"},
			"model": {"type": "string"},
			"working_dir": {"type": "string"}
		},
		"required": ["session_id"],
		"additionalProperties": false
	}`,
	"session.fork": `{
		"type": "object",
		"properties": {
			"session_id": {"type": "string", "minLength": 1}
		},
		"required": ["session_id"],
		"additionalProperties": false
	}`,
	"session.clear": `{
		"type": "object",
		"properties": {
			"session_id": {"type": "string", "minLength": 1},
			"prompt": {"type": "string"}
		},
		"required": ["session_id"],
		"additionalProperties": false
	}`,
	"session.kill": `{
		"type": "object",
		"properties": {
			"session_id": {"type": "string", "minLength": 1}
		},
		"required": ["session_id"],
		"additionalProperties": false
	}`,
	"session.prompt": `{
		"type": "object",
		"properties": {
			"session_id": {"type": "string", "minLength": 1},
			"prompt": {"type": "string", "minLength": 1}
		},
		"required": ["session_id", "prompt"],
		"additionalProperties": false
	}`,
	"session.usage": `{
		"type": "object",
		"properties": {
			"session_id": {"type": "string", "minLength": 1}
		},
		"required": ["session_id"],
		"additionalProperties": false
	}`,
	"session.export": `{
		"type": "object",
		"properties": {
			"session_id": {"type": "string", "minLength": 1},
			"context": {"type": "string", "minLength": 1}
		},
		"required": ["session_id", "context"],
		"additionalProperties": false
	}`,
	"session.subscribe": `{
		"type": "object",
		"properties": {
			"session_id": {"type": "string", "minLength": 1}
		},
		"required": ["session_id"],
		"additionalProperties": false
	}`,
	"session.unsubscribe": `{
		"type": "object",
		"properties": {
			"session_id": {"type": "string", "minLength": 1}
		},
		"required": ["session_id"],
		"additionalProperties": false
	}`,
	"session.output": `{
		"type": "object",
		"properties": {
			"session_id": {"type": "string", "minLength": 1},
			"lines": {"type": "integer", "minimum": 1, "maximum": 1000}
		},
		"required": ["session_id"],
		"additionalProperties": false
	}`,
}

// RequestValidator validates RPC parameters against per-method JSON schemas
type RequestValidator struct {
	schemas map[string]gojsonschema.JSONLoader
}

// NewRequestValidator compiles the built-in method schemas
func NewRequestValidator() *RequestValidator {
	schemas := make(map[string]gojsonschema.JSONLoader, len(methodSchemas))
	for method, schema := range methodSchemas {
		schemas[method] = gojsonschema.NewStringLoader(schema)
	}
	return &RequestValidator{schemas: schemas}
}

// Validate checks params against the schema registered for method. Methods
// without a schema pass unchecked.
func (v *RequestValidator) Validate(method string, params map[string]interface{}) error {
	schemaLoader, ok := v.schemas[method]
	if !ok {
		return nil
	}

	if params == nil {
		params = map[string]interface{}{}
	}
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	documentLoader := gojsonschema.NewBytesLoader(data)
	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, resultErr := range result.Errors() {
			msgs = append(msgs, resultErr.String())
		}
		return &RPCError{
			Code:    InvalidParams,
			Message: fmt.Sprintf("invalid params: %s", strings.Join(msgs, "; ")),
		}
	}

	return nil
}
