package stream

import (
	"net/http"
	"sort"
)

// PropertyType is a JSON schema scalar type.
type PropertyType string

const (
	TypeString  PropertyType = "string"
	TypeInteger PropertyType = "integer"
	TypeNumber  PropertyType = "number"
	TypeBoolean PropertyType = "boolean"
)

// Property is one field of a stream schema.
type Property struct {
	Name string
	Type PropertyType
	// Required properties are emitted without the "null" type alternative.
	Required bool
}

// Schema is the ordered field list of a stream.
type Schema []Property

// Names returns the property names in declaration order.
func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, p := range s {
		names[i] = p.Name
	}
	return names
}

// JSONSchema renders the schema as a JSON schema object.
func (s Schema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s))
	for _, p := range s {
		var typ any = []string{string(p.Type), "null"}
		if p.Required {
			typ = string(p.Type)
		}
		props[p.Name] = map[string]any{"type": typ}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
	}
}

// Record is one raw record extracted from a response body. Numeric values
// are decimal.Decimal, never float64.
type Record map[string]any

// Descriptor is the immutable definition of one resource type.
type Descriptor struct {
	// Name identifies the stream in the registry and in output messages.
	Name string

	// Path is the URL path template. Placeholders use {name} syntax and are
	// resolved from the stream's Context. A "?" starts query parameters
	// that are templated the same way.
	Path string

	// Method defaults to GET.
	Method string

	PrimaryKeys []string
	Schema      Schema

	// Parent names the parent stream, empty for root streams.
	Parent string

	// RecordsPath is the JSONPath locating records in a response body.
	RecordsPath string

	// ReplicationKey enables sort/order_by query parameters when set.
	ReplicationKey string

	// ChildContext derives the context handed to child streams.
	ChildContext ContextMapping

	// Requires lists context keys consumed outside the path template,
	// for example fields of a POST body.
	Requires []string
}

// HTTPMethod returns the configured method or GET.
func (d *Descriptor) HTTPMethod() string {
	if d.Method == "" {
		return http.MethodGet
	}
	return d.Method
}

// RequiredKeys returns every context key the stream needs to build its
// requests, sorted.
func (d *Descriptor) RequiredKeys() []string {
	seen := make(map[string]struct{})
	for _, k := range Placeholders(d.Path) {
		seen[k] = struct{}{}
	}
	for _, k := range d.Requires {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsRoot reports whether the stream has no parent.
func (d *Descriptor) IsRoot() bool {
	return d.Parent == ""
}
