package extract

import (
	"fmt"

	"github.com/ohler55/ojg/jp"

	"github.com/Sternrassler/newstore-tap/pkg/stream"
)

// DefaultRecordsPath matches every element of a top-level array.
const DefaultRecordsPath = "$[*]"

// Transform reshapes one raw match into zero or more output records.
type Transform func(raw stream.Record) ([]stream.Record, error)

// Extractor yields the records found at a JSONPath expression.
type Extractor struct {
	path      string
	expr      jp.Expr
	transform Transform
}

// New compiles path. A nil transform passes matches through unchanged.
func New(path string, transform Transform) (*Extractor, error) {
	if path == "" {
		path = DefaultRecordsPath
	}
	expr, err := jp.ParseString(path)
	if err != nil {
		return nil, fmt.Errorf("parse records path %q: %w", path, err)
	}
	return &Extractor{path: path, expr: expr, transform: transform}, nil
}

// Path returns the records path expression.
func (e *Extractor) Path() string {
	return e.path
}

// Extract starts a fresh iteration over the records of one decoded body.
// Each call is independent; iterating twice yields identical records in
// identical order.
func (e *Extractor) Extract(envelope any) *RecordIterator {
	return &RecordIterator{
		path:      e.path,
		matches:   e.expr.Get(envelope),
		transform: e.transform,
	}
}

// RecordIterator walks the matches of one page in document order.
type RecordIterator struct {
	path      string
	matches   []any
	next      int
	pending   []stream.Record
	transform Transform
	err       error
}

// Next returns the next record. It returns ok=false once the page is
// exhausted or after the first error.
func (it *RecordIterator) Next() (stream.Record, bool, error) {
	for {
		if it.err != nil {
			return nil, false, it.err
		}
		if len(it.pending) > 0 {
			rec := it.pending[0]
			it.pending = it.pending[1:]
			return rec, true, nil
		}
		if it.next >= len(it.matches) {
			return nil, false, nil
		}

		match := it.matches[it.next]
		it.next++

		obj, ok := match.(map[string]any)
		if !ok {
			it.err = fmt.Errorf("record %d at %s is %T, want object", it.next-1, it.path, match)
			continue
		}
		raw := stream.Record(obj)
		if it.transform == nil {
			return raw, true, nil
		}

		out, err := it.transform(raw)
		if err != nil {
			it.err = fmt.Errorf("transform record %d at %s: %w", it.next-1, it.path, err)
			continue
		}
		it.pending = out
	}
}

// Len returns the number of raw matches on the page.
func (it *RecordIterator) Len() int {
	return len(it.matches)
}

// Collect drains the iterator.
func (it *RecordIterator) Collect() ([]stream.Record, error) {
	var out []stream.Record
	for {
		rec, ok, err := it.Next()
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, rec)
	}
}
