package store

import (
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
	"github.com/kartikbazzad/bunbase/buncat/internal/types"
)

// Validator checks entity attributes against a compiled JSON schema derived
// from the collection's EntitySchema.
type Validator struct {
	schema *gojsonschema.Schema
}

// NewValidator compiles an entity schema. A schema without attributes
// accepts everything and compiles to a nil-backed validator.
func NewValidator(s *types.EntitySchema) (*Validator, error) {
	if len(s.Attributes) == 0 && !s.Strict {
		return &Validator{}, nil
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(JSONSchema(s)))
	if err != nil {
		return nil, errors.Wrapf(errors.ErrSchemaAltering, "compile schema %s: %v", s.Name, err)
	}
	return &Validator{schema: compiled}, nil
}

// JSONSchema renders an entity schema as a JSON schema document.
func JSONSchema(s *types.EntitySchema) map[string]interface{} {
	props := map[string]interface{}{}
	required := []interface{}{}
	names := make([]string, 0, len(s.Attributes))
	for name := range s.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		a := s.Attributes[name]
		prop := map[string]interface{}{}
		if a.Type != types.AttrAny {
			if a.Nullable {
				prop["type"] = []interface{}{string(a.Type), "null"}
			} else {
				prop["type"] = string(a.Type)
			}
		}
		props[name] = prop
		if a.Required {
			required = append(required, name)
		}
	}

	doc := map[string]interface{}{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": !s.Strict,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

// Validate returns ErrSchemaViolation listing every problem found.
func (v *Validator) Validate(e *types.Entity) error {
	if v == nil || v.schema == nil {
		return nil
	}
	attrs := e.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	res, err := v.schema.Validate(gojsonschema.NewGoLoader(attrs))
	if err != nil {
		return errors.Wrapf(errors.ErrSchemaViolation, "%s/%d: %v", e.Type, e.PrimaryKey, err)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, re := range res.Errors() {
		msgs = append(msgs, re.String())
	}
	return errors.Wrapf(errors.ErrSchemaViolation, "%s/%d: %s", e.Type, e.PrimaryKey, strings.Join(msgs, "; "))
}
