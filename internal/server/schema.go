package server

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/hfujisawa/foamrun/internal/common"
)

// buildSubmitJSONSchema returns a JSON-Schema (draft 2020-12 subset) as a
// generic map. Submissions are validated against it before anything touches
// the service, so typos and unknown fields fail loudly.
func buildSubmitJSONSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"command": map[string]any{"type": "string", "minLength": 1, "maxLength": 255},
			"args": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"case_dir":         map[string]any{"type": "string", "minLength": 1},
			"require_approval": map[string]any{"type": "boolean"},
		},
		"required": []string{"command", "case_dir"},
	}
}

func compileSubmitSchema() (*jsonschema.Schema, error) {
	b, err := json.Marshal(buildSubmitJSONSchema())
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("submit.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("submit.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// validateSubmit checks raw request bytes against the submit schema.
func (s *Server) validateSubmit(body []byte) error {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Errorf("%w: body is not valid JSON: %v", common.ErrValidation, err)
	}
	if err := s.submitSchema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", common.ErrValidation, err)
	}
	return nil
}
