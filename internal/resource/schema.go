package resource

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"crudforge/internal/apperr"
	"crudforge/internal/metadata"
)

// SchemaField describes one property of a request or response shape.
type SchemaField struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable,omitempty"`
}

// Schema is a named, flat object shape over model columns.
type Schema struct {
	Name     string        `json:"name"`
	Fields   []SchemaField `json:"fields"`
	Required []string      `json:"required,omitempty"`

	once       sync.Once
	compiled   *gojsonschema.Schema
	compileErr error
}

// Field returns the field with the given name, or nil.
func (s *Schema) Field(name string) *SchemaField {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i]
		}
	}
	return nil
}

// FieldNames returns the field names in declaration order.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// JSONSchema renders s as a draft-07 object schema. Keys outside Fields are
// rejected.
func (s *Schema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		props[f.Name] = propertySchema(f)
	}
	doc := map[string]any{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"title":                s.Name,
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(s.Required) > 0 {
		doc["required"] = s.Required
	}
	return doc
}

// Validate checks payload against the schema. Every violation is reported as
// an error detail naming the field.
func (s *Schema) Validate(payload map[string]any) error {
	if err := s.compile(); err != nil {
		return err
	}
	result, err := s.compiled.Validate(gojsonschema.NewGoLoader(payload))
	if err != nil {
		return apperr.Validation("invalid payload: %v", err)
	}
	if result.Valid() {
		return nil
	}

	details := make([]apperr.ErrorDetail, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		field := e.Field()
		if prop, ok := e.Details()["property"].(string); ok && field == "(root)" {
			field = prop
		}
		details = append(details, apperr.ErrorDetail{
			Field:   field,
			Rule:    e.Type(),
			Message: e.Description(),
		})
	}
	sort.Slice(details, func(i, j int) bool { return details[i].Field < details[j].Field })
	return apperr.ValidationDetails(details)
}

func (s *Schema) compile() error {
	s.once.Do(func() {
		s.compiled, s.compileErr = gojsonschema.NewSchema(gojsonschema.NewGoLoader(s.JSONSchema()))
		if s.compileErr != nil {
			s.compileErr = fmt.Errorf("compile schema %s: %w", s.Name, s.compileErr)
		}
	})
	return s.compileErr
}

// check verifies that every field of s is a column of model.
func (s *Schema) check(model *metadata.Model) error {
	for _, f := range s.Fields {
		if !model.HasColumn(f.Name) {
			return fmt.Errorf("schema %s: %q is not a column of %s", s.Name, f.Name, model.Name)
		}
	}
	for _, name := range s.Required {
		if s.Field(name) == nil {
			return fmt.Errorf("schema %s: required field %q is not declared", s.Name, name)
		}
	}
	return nil
}

func propertySchema(f SchemaField) map[string]any {
	prop := map[string]any{}
	switch f.Type {
	case metadata.TypeInt, metadata.TypeBigInt:
		prop["type"] = "integer"
	case metadata.TypeFloat, metadata.TypeDecimal:
		prop["type"] = "number"
	case metadata.TypeBoolean:
		prop["type"] = "boolean"
	case metadata.TypeArray:
		prop["type"] = "array"
	case metadata.TypeJSON:
		return prop
	case metadata.TypeUUID:
		prop["type"] = "string"
		prop["format"] = "uuid"
	default:
		prop["type"] = "string"
	}
	if f.Nullable {
		prop["type"] = []any{prop["type"], "null"}
	}
	return prop
}

func fieldOf(c metadata.Column) SchemaField {
	return SchemaField{Name: c.Name, Type: c.Type, Nullable: c.Nullable}
}

// createSchema accepts every writable column. Non-nullable columns without a
// database or resource default are required.
func createSchema(name string, model *metadata.Model, defaults map[string]any) *Schema {
	s := &Schema{Name: name + "_create"}
	for _, c := range model.WritableColumns() {
		s.Fields = append(s.Fields, fieldOf(c))
		if _, ok := defaults[c.Name]; ok || c.Nullable || c.Default != nil || c.Generated {
			continue
		}
		s.Required = append(s.Required, c.Name)
	}
	return s
}

func updateSchema(name string, model *metadata.Model) *Schema {
	s := &Schema{Name: name + "_update"}
	for _, c := range model.UpdatableColumns() {
		s.Fields = append(s.Fields, fieldOf(c))
	}
	return s
}

func viewSchema(name string, model *metadata.Model, keys []string) *Schema {
	s := &Schema{Name: name}
	for _, k := range keys {
		if c := model.Column(k); c != nil {
			s.Fields = append(s.Fields, fieldOf(*c))
		}
	}
	return s
}

// ResolvedSchemas holds the shapes derived during registry resolution.
type ResolvedSchemas struct {
	Create *Schema
	Update *Schema
	View   *Schema

	singular string
	plural   string
	links    []string
}

// LinkNames returns the relationship names exposed under "links".
func (rs *ResolvedSchemas) LinkNames() []string { return slices.Clone(rs.links) }

// Single describes the single-record envelope
// {"<singular>": {...view, "links": {...}}, "meta": null}.
func (rs *ResolvedSchemas) Single() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			rs.singular: rs.record(),
			"meta":      map[string]any{"type": []any{"object", "null"}},
		},
	}
}

// List describes the list envelope {"<plural>": [...], "meta": {...}}.
func (rs *ResolvedSchemas) List() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			rs.plural: map[string]any{"type": "array", "items": rs.record()},
			"meta": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"page":    map[string]any{"type": "integer"},
					"limit":   map[string]any{"type": "integer"},
					"pages":   map[string]any{"type": "integer"},
					"records": map[string]any{"type": "integer"},
				},
			},
		},
	}
}

func (rs *ResolvedSchemas) record() map[string]any {
	doc := rs.View.JSONSchema()
	delete(doc, "$schema")
	delete(doc, "additionalProperties")
	props := doc["properties"].(map[string]any)
	links := make(map[string]any, len(rs.links))
	for _, l := range rs.links {
		links[l] = map[string]any{"type": "string"}
	}
	props["links"] = map[string]any{"type": "object", "properties": links}
	return doc
}
