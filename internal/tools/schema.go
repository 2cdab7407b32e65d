package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// compiledSchema pairs the provider-facing schema document with its compiled
// validator.
type compiledSchema struct {
	raw      json.RawMessage
	compiled *jsonschema.Schema
}

// compileParams derives a JSON schema from a parameter struct prototype and
// compiles it for argument validation. A nil prototype yields the permissive
// empty-object schema.
func compileParams(params any) (*compiledSchema, error) {
	var raw json.RawMessage
	if params == nil {
		raw = json.RawMessage(`{"type":"object"}`)
	} else {
		reflector := invopop.Reflector{
			DoNotReference:            true,
			AllowAdditionalProperties: false,
		}
		schema := reflector.Reflect(params)
		schema.Version = "" // provider-facing documents omit the $schema marker
		b, err := json.Marshal(schema)
		if err != nil {
			return nil, fmt.Errorf("marshal schema: %w", err)
		}
		raw = b
	}

	return compileRaw(raw)
}

// compileRaw compiles an existing JSON schema document.
func compileRaw(raw json.RawMessage) (*compiledSchema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("params.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile("params.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &compiledSchema{raw: raw, compiled: compiled}, nil
}

// validate checks an arguments document against the compiled schema.
func (cs *compiledSchema) validate(argsJSON string) error {
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(argsJSON))
	if err != nil {
		return fmt.Errorf("arguments are not valid JSON: %v", err)
	}
	if err := cs.compiled.Validate(value); err != nil {
		return fmt.Errorf("schema validation failed: %v", err)
	}
	return nil
}
