// Package schema validates JSON payloads against JSON schemas.
package schema

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"
)

// Validator is a utility to validate JSON objects against a set of schemas,
// addressed by their $id.
type Validator struct {
	schemaValidators map[string]*gojsonschema.Schema
}

// NewValidator creates a new Validator from top-level schemas and shared refs.
// Top level schemas cannot reference each other; references can only point
// into the refs list.
func NewValidator(schemas []string, refs []string) (*Validator, error) {
	type schema struct {
		ID string `json:"$id"`
	}
	validator := Validator{schemaValidators: make(map[string]*gojsonschema.Schema)}
	for _, str := range schemas {
		s := schema{}
		err := json.Unmarshal([]byte(str), &s)
		if err != nil {
			return nil, fmt.Errorf("parse error '%v' in schema: '%s'", err, str)
		}
		if s.ID == "" {
			return nil, fmt.Errorf("schema does not contain $id: '%s'", str)
		}
		sl := gojsonschema.NewSchemaLoader()
		for _, ref := range refs {
			if err := sl.AddSchemas(gojsonschema.NewStringLoader(ref)); err != nil {
				return nil, fmt.Errorf("cannot add ref: %w", err)
			}
		}
		compiled, err := sl.Compile(gojsonschema.NewStringLoader(str))
		if err != nil {
			return nil, fmt.Errorf("cannot compile schema %s: %w", s.ID, err)
		}
		validator.schemaValidators[s.ID] = compiled
	}
	return &validator, nil
}

// MustNewValidator creates a Validator like NewValidator, but panics on error.
func MustNewValidator(schemas []string, refs []string) *Validator {
	v, err := NewValidator(schemas, refs)
	if err != nil {
		panic(err)
	}
	return v
}

// HasSchema returns true if schemaID is known
func (v *Validator) HasSchema(schemaID string) bool {
	_, ok := v.schemaValidators[schemaID]
	return ok
}

// ValidateStruct validates the given object against schemaID. If no error is
// returned, the object is valid.
func (v *Validator) ValidateStruct(object interface{}, schemaID string) error {
	return v.validate(gojsonschema.NewGoLoader(object), schemaID)
}

// ValidateString validates the given json string against schemaID. If no error
// is returned, the json is valid.
func (v *Validator) ValidateString(jsonString, schemaID string) error {
	return v.validate(gojsonschema.NewStringLoader(jsonString), schemaID)
}

func (v *Validator) validate(loader gojsonschema.JSONLoader, schemaID string) error {
	compiled, ok := v.schemaValidators[schemaID]
	if !ok {
		return fmt.Errorf("unknown schema '%s'", schemaID)
	}
	result, err := compiled.Validate(loader)
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}
	var details []string
	for _, err := range result.Errors() {
		details = append(details, err.String())
	}
	return fmt.Errorf("document is not valid against schema '%s': %s",
		schemaID, strings.Join(details, "; "))
}
