package sink

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Sternrassler/newstore-tap/pkg/stream"
)

// Writer emits Singer messages as JSON lines.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter returns a Writer over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

type schemaMessage struct {
	Type               string         `json:"type"`
	Stream             string         `json:"stream"`
	Schema             map[string]any `json:"schema"`
	KeyProperties      []string       `json:"key_properties"`
	BookmarkProperties []string       `json:"bookmark_properties,omitempty"`
}

type recordMessage struct {
	Type          string          `json:"type"`
	Stream        string          `json:"stream"`
	Record        json.RawMessage `json:"record"`
	TimeExtracted string          `json:"time_extracted"`
}

type stateMessage struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// WriteSchema implements Sink.
func (w *Writer) WriteSchema(desc *stream.Descriptor) error {
	msg := schemaMessage{
		Type:          "SCHEMA",
		Stream:        desc.Name,
		Schema:        desc.Schema.JSONSchema(),
		KeyProperties: keyProperties(desc),
	}
	if desc.ReplicationKey != "" {
		msg.BookmarkProperties = []string{desc.ReplicationKey}
	}
	return w.write(msg)
}

// WriteRecord implements Sink. Schema fields come first in declared order,
// remaining fields follow sorted by name.
func (w *Writer) WriteRecord(desc *stream.Descriptor, rec stream.Record, extractedAt time.Time) error {
	raw, err := EncodeRecord(rec, desc.Schema.Names())
	if err != nil {
		return fmt.Errorf("stream %q: %w", desc.Name, err)
	}
	return w.write(recordMessage{
		Type:          "RECORD",
		Stream:        desc.Name,
		Record:        raw,
		TimeExtracted: extractedAt.UTC().Format(time.RFC3339Nano),
	})
}

// WriteState implements Sink.
func (w *Writer) WriteState(state any) error {
	return w.write(stateMessage{Type: "STATE", Value: state})
}

func (w *Writer) write(msg any) error {
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(line); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// EncodeRecord renders rec as a JSON object with the order fields first.
// Decimals are written as bare JSON numbers.
func EncodeRecord(rec stream.Record, order []string) (json.RawMessage, error) {
	keys := make([]string, 0, len(rec))
	seen := make(map[string]bool, len(order))
	for _, k := range order {
		if _, ok := rec[k]; ok {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	var rest []string
	for k := range rec {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	keys = append(keys, rest...)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(normalize(rec[k]))
		if err != nil {
			return nil, fmt.Errorf("encode field %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// normalize replaces decimals with json.Number throughout v.
func normalize(v any) any {
	switch t := v.(type) {
	case decimal.Decimal:
		return json.Number(t.String())
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = normalize(child)
		}
		return out
	case stream.Record:
		return normalize(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = normalize(child)
		}
		return out
	default:
		return v
	}
}

func keyProperties(desc *stream.Descriptor) []string {
	if desc.PrimaryKeys == nil {
		return []string{}
	}
	return desc.PrimaryKeys
}
