package stream

import (
	"fmt"
	"sort"
	"strings"
)

// Context is an immutable set of named scalar values derived from a parent
// record. The zero value is an empty context.
type Context struct {
	values map[string]any
}

// NewContext copies values into a new Context.
func NewContext(values map[string]any) Context {
	c := Context{values: make(map[string]any, len(values))}
	for k, v := range values {
		c.values[k] = v
	}
	return c
}

// Get returns the value stored under key.
func (c Context) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Lookup returns the value under key, or a MissingContextKeyError naming
// the stream that asked for it.
func (c Context) Lookup(streamName, key string) (any, error) {
	v, ok := c.values[key]
	if !ok {
		return nil, &MissingContextKeyError{Stream: streamName, Key: key, Source: FromContext, Available: c.Keys()}
	}
	return v, nil
}

// Text returns the value under key formatted as a string.
func (c Context) Text(streamName, key string) (string, error) {
	v, err := c.Lookup(streamName, key)
	if err != nil {
		return "", err
	}
	return FormatValue(v), nil
}

// With returns a copy of the context with key set to value.
func (c Context) With(key string, value any) Context {
	next := NewContext(c.values)
	next.values[key] = value
	return next
}

// Keys returns the context keys, sorted.
func (c Context) Keys() []string {
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of keys.
func (c Context) Len() int {
	return len(c.values)
}

// Map returns a copy of the underlying values.
func (c Context) Map() map[string]any {
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

func (c Context) String() string {
	parts := make([]string, 0, len(c.values))
	for _, k := range c.Keys() {
		parts = append(parts, fmt.Sprintf("%s=%s", k, FormatValue(c.values[k])))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// FormatValue renders a scalar for use in URLs and log fields.
func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// Source selects where a context value is read from.
type Source int

const (
	// FromRecord reads a field of the parent record.
	FromRecord Source = iota
	// FromContext carries a key of the parent's own inherited context.
	FromContext
)

func (s Source) String() string {
	if s == FromContext {
		return "context"
	}
	return "record"
}

// FieldRule declares one key of a derived child context.
type FieldRule struct {
	// Key is the name in the child context.
	Key string
	// From selects the record or the inherited context.
	From Source
	// Field is the record field or inherited key to read; defaults to Key.
	Field string
}

func (r FieldRule) field() string {
	if r.Field == "" {
		return r.Key
	}
	return r.Field
}

// RecordField is shorthand for a FieldRule reading a record field.
func RecordField(key, field string) FieldRule {
	return FieldRule{Key: key, From: FromRecord, Field: field}
}

// Inherit is shorthand for a FieldRule carrying an inherited key.
func Inherit(key string) FieldRule {
	return FieldRule{Key: key, From: FromContext}
}

// ContextMapping is the per-stream table deriving child context from a
// parent record. The derived context holds exactly the declared keys.
type ContextMapping []FieldRule

// Keys returns the keys a derived context will hold, sorted.
func (m ContextMapping) Keys() []string {
	keys := make([]string, len(m))
	for i, r := range m {
		keys[i] = r.Key
	}
	sort.Strings(keys)
	return keys
}

// InheritedKeys returns the keys the mapping reads from the parent's context.
func (m ContextMapping) InheritedKeys() []string {
	var keys []string
	for _, r := range m {
		if r.From == FromContext {
			keys = append(keys, r.field())
		}
	}
	sort.Strings(keys)
	return keys
}

// Derive builds a child context from record and the parent's inherited
// context. It has no side effects on either input.
func (m ContextMapping) Derive(streamName string, record Record, inherited Context) (Context, error) {
	values := make(map[string]any, len(m))
	for _, r := range m {
		var (
			v  any
			ok bool
		)
		switch r.From {
		case FromContext:
			v, ok = inherited.Get(r.field())
		default:
			v, ok = record[r.field()]
		}
		if !ok {
			return Context{}, &MissingContextKeyError{
				Stream:    streamName,
				Key:       r.field(),
				Source:    r.From,
				Available: availableKeys(r.From, record, inherited),
			}
		}
		values[r.Key] = v
	}
	return Context{values: values}, nil
}

func availableKeys(src Source, record Record, inherited Context) []string {
	if src == FromContext {
		return inherited.Keys()
	}
	keys := make([]string, 0, len(record))
	for k := range record {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
