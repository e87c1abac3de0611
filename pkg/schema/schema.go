// Package schema provides a small combinator builder for tool and workflow
// parameter schemas. One Schema value serves both purposes the server has:
// emitting the JSON Schema document advertised over tools/list and driving
// argument validation and defaulting at invocation time.
package schema

import (
	"encoding/json"
	"sort"
)

// Schema is an immutable schema node. Modifier methods return copies, so
// shared subschemas can be reused across definitions.
type Schema struct {
	typ         string
	description string

	// object
	properties  map[string]*Schema
	passthrough bool

	// array
	items *Schema

	// string
	enum []string

	optional   bool
	hasDefault bool
	defaultVal any
}

// Object builds an object schema from named property schemas. Properties are
// required unless marked Optional; unknown keys are rejected unless the
// object is marked Passthrough.
func Object(properties map[string]*Schema) *Schema {
	return &Schema{typ: "object", properties: properties}
}

// String builds a string schema.
func String() *Schema { return &Schema{typ: "string"} }

// Number builds a number schema.
func Number() *Schema { return &Schema{typ: "number"} }

// Integer builds an integer schema.
func Integer() *Schema { return &Schema{typ: "integer"} }

// Boolean builds a boolean schema.
func Boolean() *Schema { return &Schema{typ: "boolean"} }

// Array builds an array schema with the given item schema.
func Array(items *Schema) *Schema { return &Schema{typ: "array", items: items} }

// Enum builds a string schema restricted to the given values.
func Enum(values ...string) *Schema { return &Schema{typ: "string", enum: values} }

// Any builds a schema that accepts any value.
func Any() *Schema { return &Schema{} }

// Describe returns a copy carrying a description.
func (s *Schema) Describe(description string) *Schema {
	c := *s
	c.description = description
	return &c
}

// Optional returns a copy that is not required in its parent object.
func (s *Schema) Optional() *Schema {
	c := *s
	c.optional = true
	return &c
}

// Default returns a copy with a default value, implying Optional.
func (s *Schema) Default(value any) *Schema {
	c := *s
	c.optional = true
	c.hasDefault = true
	c.defaultVal = value
	return &c
}

// Passthrough returns a copy of an object schema that tolerates unknown
// properties.
func (s *Schema) Passthrough() *Schema {
	c := *s
	c.passthrough = true
	return &c
}

// JSON emits the node as a JSON Schema (draft-07) document fragment.
func (s *Schema) JSON() map[string]any {
	doc := map[string]any{}
	if s.typ != "" {
		doc["type"] = s.typ
	}
	if s.description != "" {
		doc["description"] = s.description
	}
	if s.hasDefault {
		doc["default"] = s.defaultVal
	}
	if len(s.enum) > 0 {
		enum := make([]any, len(s.enum))
		for i, v := range s.enum {
			enum[i] = v
		}
		doc["enum"] = enum
	}

	switch s.typ {
	case "object":
		properties := map[string]any{}
		var required []string
		for name, prop := range s.properties {
			properties[name] = prop.JSON()
			if !prop.optional {
				required = append(required, name)
			}
		}
		doc["properties"] = properties
		if len(required) > 0 {
			sort.Strings(required)
			doc["required"] = required
		}
		doc["additionalProperties"] = s.passthrough
	case "array":
		if s.items != nil {
			doc["items"] = s.items.JSON()
		}
	}
	return doc
}

// Document emits the node as a complete draft-07 schema document.
func (s *Schema) Document() map[string]any {
	doc := s.JSON()
	doc["$schema"] = "http://json-schema.org/draft-07/schema#"
	return doc
}

// MarshalJSON lets a Schema be embedded directly in tools/list output.
func (s *Schema) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.JSON())
}

// ApplyDefaults returns a shallow copy of args with defaults filled in for
// absent optional properties. Only meaningful on object schemas; other nodes
// return args unchanged.
func (s *Schema) ApplyDefaults(args map[string]any) map[string]any {
	if s.typ != "object" {
		return args
	}
	out := make(map[string]any, len(args)+len(s.properties))
	for k, v := range args {
		out[k] = v
	}
	for name, prop := range s.properties {
		if _, present := out[name]; !present && prop.hasDefault {
			out[name] = prop.defaultVal
		}
	}
	return out
}
