package request

import (
	"encoding/json"
	"fmt"

	"github.com/Sternrassler/newstore-tap/pkg/stream"
)

// BodyTemplate renders a JSON request body from a context.
type BodyTemplate interface {
	Render(streamName string, ctx stream.Context) ([]byte, error)
	RequiredKeys() []string
}

// BodyField maps one object field to a context key.
type BodyField struct {
	Name       string
	ContextKey string
}

// KeyedList renders {"<Key>": [{<field>: <ctx value>, ...}]}, the shape of
// availability lookups.
type KeyedList struct {
	Key    string
	Fields []BodyField
}

// RequiredKeys implements BodyTemplate.
func (k KeyedList) RequiredKeys() []string {
	keys := make([]string, len(k.Fields))
	for i, f := range k.Fields {
		keys[i] = f.ContextKey
	}
	return sortedUnique(keys)
}

// Render implements BodyTemplate.
func (k KeyedList) Render(streamName string, ctx stream.Context) ([]byte, error) {
	item := make(map[string]any, len(k.Fields))
	for _, f := range k.Fields {
		v, err := ctx.Lookup(streamName, f.ContextKey)
		if err != nil {
			return nil, err
		}
		item[f.Name] = v
	}

	body, err := json.Marshal(map[string]any{k.Key: []any{item}})
	if err != nil {
		return nil, fmt.Errorf("stream %q: encode request body: %w", streamName, err)
	}
	return body, nil
}
