package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator holds a compiled schema so result documents can be checked
// repeatedly without recompiling.
type Validator struct {
	schema *jsonschema.Schema
}

// Compile parses a JSON schema string. An empty schema yields a nil Validator,
// which accepts every document.
func Compile(schemaJSON string) (*Validator, error) {
	if strings.TrimSpace(schemaJSON) == "" {
		return nil, nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	sch, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile JSON schema: %w", err)
	}
	return &Validator{schema: sch}, nil
}

// Validate checks a raw JSON document.
func (v *Validator) Validate(doc []byte) error {
	var data interface{}
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return fmt.Errorf("failed to unmarshal JSON data: %w", err)
	}
	if v == nil {
		return nil
	}
	if err := v.schema.Validate(data); err != nil {
		if validationErr, ok := err.(*jsonschema.ValidationError); ok {
			return fmt.Errorf("JSON data failed validation against schema: %v", validationErr)
		}
		return fmt.Errorf("JSON data failed validation (unexpected error type): %w", err)
	}
	return nil
}

// ValidateJSONWithSchema validates a JSON document against a JSON schema string.
func ValidateJSONWithSchema(schemaJSON string, doc []byte) error {
	v, err := Compile(schemaJSON)
	if err != nil {
		return err
	}
	return v.Validate(doc)
}
