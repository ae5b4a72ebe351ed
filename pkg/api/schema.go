package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/signet/pkg/contracts"
)

var messageSchemas = map[contracts.MessageKind]string{
	contracts.KindRPC: `{
		"type": "object",
		"required": ["id", "type"],
		"properties": {
			"id": {"type": "string", "minLength": 1, "maxLength": 128},
			"type": {"type": "string", "minLength": 1, "maxLength": 64},
			"params": {"type": ["object", "null"]}
		}
	}`,
	contracts.KindPromptAnswer: `{
		"type": "object",
		"required": ["token", "accept"],
		"additionalProperties": false,
		"properties": {
			"token": {"type": "string", "minLength": 1},
			"accept": {"type": "boolean"},
			"conditions": {
				"type": ["object", "null"],
				"additionalProperties": false,
				"properties": {
					"kinds": {
						"type": "object",
						"propertyNames": {"pattern": "^[0-9]+$"},
						"additionalProperties": {"type": "boolean"}
					},
					"expr": {"type": "string", "maxLength": 1024}
				}
			}
		}
	}`,
	contracts.KindKeySetup: `{
		"type": "object",
		"required": ["token", "key"],
		"additionalProperties": false,
		"properties": {
			"token": {"type": "string", "minLength": 1},
			"key": {"type": "string", "minLength": 1, "maxLength": 128}
		}
	}`,
}

// Validator checks inbound messages against their JSON Schemas.
type Validator struct {
	schemas map[contracts.MessageKind]*jsonschema.Schema
}

// NewValidator compiles every message schema.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[contracts.MessageKind]*jsonschema.Schema)}
	for kind, src := range messageSchemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		schemaURL := fmt.Sprintf("https://signet.schemas.local/%s.schema.json", kind)
		if err := c.AddResource(schemaURL, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("schema %s load failed: %w", kind, err)
		}
		compiled, err := c.Compile(schemaURL)
		if err != nil {
			return nil, fmt.Errorf("schema %s compile failed: %w", kind, err)
		}
		v.schemas[kind] = compiled
	}
	return v, nil
}

// Decode validates raw against the schema for kind and decodes it.
func (v *Validator) Decode(kind contracts.MessageKind, raw []byte) (contracts.Message, error) {
	if schema, ok := v.schemas[kind]; ok {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var doc any
		if err := dec.Decode(&doc); err != nil {
			return contracts.Message{}, fmt.Errorf("malformed JSON: %w", err)
		}
		if err := schema.Validate(doc); err != nil {
			return contracts.Message{}, fmt.Errorf("schema validation failed: %w", err)
		}
	}
	return contracts.DecodeMessage(kind, raw)
}
