// Package sink delivers extracted records.
//
// The engine only depends on the Sink interface. Writer renders Singer
// style JSON lines (SCHEMA, RECORD, STATE) and Collector keeps everything
// in memory for tests and library callers.
package sink

import (
	"sync"
	"time"

	"github.com/Sternrassler/newstore-tap/pkg/stream"
)

// Sink receives the output of a run. Implementations must be safe for
// concurrent use.
type Sink interface {
	// WriteSchema announces a stream before its first record.
	WriteSchema(desc *stream.Descriptor) error
	WriteRecord(desc *stream.Descriptor, rec stream.Record, extractedAt time.Time) error
	WriteState(state any) error
}

// Emitted is one record captured by a Collector.
type Emitted struct {
	Stream      string
	Record      stream.Record
	ExtractedAt time.Time
}

// Collector is an in-memory Sink.
type Collector struct {
	mu      sync.Mutex
	schemas []string
	records []Emitted
	states  []any
}

// NewCollector returns an empty Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// WriteSchema implements Sink.
func (c *Collector) WriteSchema(desc *stream.Descriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.schemas = append(c.schemas, desc.Name)
	return nil
}

// WriteRecord implements Sink.
func (c *Collector) WriteRecord(desc *stream.Descriptor, rec stream.Record, extractedAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, Emitted{Stream: desc.Name, Record: rec, ExtractedAt: extractedAt})
	return nil
}

// WriteState implements Sink.
func (c *Collector) WriteState(state any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, state)
	return nil
}

// Schemas returns the announced stream names in order.
func (c *Collector) Schemas() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.schemas...)
}

// Records returns every captured record in emission order.
func (c *Collector) Records() []Emitted {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Emitted(nil), c.records...)
}

// RecordsOf returns the captured records of one stream.
func (c *Collector) RecordsOf(name string) []stream.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []stream.Record
	for _, e := range c.records {
		if e.Stream == name {
			out = append(out, e.Record)
		}
	}
	return out
}

// States returns the captured state values.
func (c *Collector) States() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.states...)
}
