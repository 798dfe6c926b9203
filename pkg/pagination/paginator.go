package pagination

import (
	"errors"
	"fmt"

	"github.com/ohler55/ojg/jp"

	"github.com/Sternrassler/newstore-tap/pkg/extract"
	"github.com/Sternrassler/newstore-tap/pkg/stream"
)

// DefaultNextPagePath locates the cursor of cursor-forwarding endpoints.
const DefaultNextPagePath = "$.next_page"

// DefaultMetaPath locates offset pagination metadata.
const DefaultMetaPath = "$.pagination"

// ErrMissingMetadata is returned when a response lacks the fields a
// paginator needs.
var ErrMissingMetadata = errors.New("pagination metadata missing")

// Paginator computes the next page token from the latest decoded response.
type Paginator interface {
	Next(envelope any) (PageToken, error)
	// Reset forgets all tokens seen so far.
	Reset()
}

// Factory returns a fresh Paginator for one stream invocation.
type Factory func() Paginator

// StallError reports a paginator that stopped making forward progress.
type StallError struct {
	Token  PageToken
	Reason string
}

func (e *StallError) Error() string {
	return fmt.Sprintf("pagination stalled at token %q: %s", e.Token.String(), e.Reason)
}

func compile(path, fallback string) (jp.Expr, error) {
	if path == "" {
		path = fallback
	}
	expr, err := jp.ParseString(path)
	if err != nil {
		return nil, fmt.Errorf("parse pagination path %q: %w", path, err)
	}
	return expr, nil
}

// first returns the first match of expr, or nil.
func first(expr jp.Expr, envelope any) any {
	matches := expr.Get(envelope)
	if len(matches) == 0 {
		return nil
	}
	return matches[0]
}

// CursorPaginator forwards a next-page value read from the body.
type CursorPaginator struct {
	expr jp.Expr
	seen map[string]struct{}
}

// NewCursor builds a CursorPaginator reading path, or DefaultNextPagePath.
func NewCursor(path string) (*CursorPaginator, error) {
	expr, err := compile(path, DefaultNextPagePath)
	if err != nil {
		return nil, err
	}
	return &CursorPaginator{expr: expr, seen: make(map[string]struct{})}, nil
}

// CursorFactory validates path once and returns a Factory of cursor
// paginators.
func CursorFactory(path string) (Factory, error) {
	if _, err := NewCursor(path); err != nil {
		return nil, err
	}
	return func() Paginator {
		p, _ := NewCursor(path)
		return p
	}, nil
}

// Next implements Paginator. A missing, null or empty value is terminal.
func (p *CursorPaginator) Next(envelope any) (PageToken, error) {
	v := first(p.expr, envelope)
	if v == nil {
		return Absent, nil
	}
	raw := stream.FormatValue(v)
	if raw == "" {
		return Absent, nil
	}

	token := Cursor(raw)
	if _, dup := p.seen[raw]; dup {
		return Absent, &StallError{Token: token, Reason: "cursor already returned"}
	}
	p.seen[raw] = struct{}{}
	return token, nil
}

// Reset implements Paginator.
func (p *CursorPaginator) Reset() {
	p.seen = make(map[string]struct{})
}

// OffsetConfig configures an OffsetPaginator.
type OffsetConfig struct {
	// MetaPath locates the object holding offset, total and count.
	MetaPath string
}

// OffsetPaginator computes offset+count from pagination metadata.
type OffsetPaginator struct {
	expr    jp.Expr
	last    int64
	started bool
}

// NewOffset builds an OffsetPaginator. The metadata path defaults to
// DefaultMetaPath.
func NewOffset(cfg OffsetConfig) (*OffsetPaginator, error) {
	expr, err := compile(cfg.MetaPath, DefaultMetaPath)
	if err != nil {
		return nil, err
	}
	return &OffsetPaginator{expr: expr}, nil
}

// OffsetFactory validates cfg once and returns a Factory of offset
// paginators.
func OffsetFactory(cfg OffsetConfig) (Factory, error) {
	if _, err := NewOffset(cfg); err != nil {
		return nil, err
	}
	return func() Paginator {
		p, _ := NewOffset(cfg)
		return p
	}, nil
}

// Next implements Paginator.
func (p *OffsetPaginator) Next(envelope any) (PageToken, error) {
	meta, ok := first(p.expr, envelope).(map[string]any)
	if !ok {
		return Absent, ErrMissingMetadata
	}
	offset, err := metaInt(meta, "offset")
	if err != nil {
		return Absent, err
	}
	total, err := metaInt(meta, "total")
	if err != nil {
		return Absent, err
	}
	count, err := metaInt(meta, "count")
	if err != nil {
		return Absent, err
	}

	return p.advance(offset, total, count)
}

func (p *OffsetPaginator) advance(offset, total, count int64) (PageToken, error) {
	next := offset + count
	if next >= total {
		return Absent, nil
	}
	if count <= 0 {
		return Absent, &StallError{
			Token:  Offset(offset),
			Reason: fmt.Sprintf("count %d with total %d beyond offset %d", count, total, offset),
		}
	}
	if p.started && next <= p.last {
		return Absent, &StallError{
			Token:  Offset(next),
			Reason: fmt.Sprintf("offset %d does not advance past %d", next, p.last),
		}
	}

	p.last = next
	p.started = true
	return Offset(next), nil
}

// Reset implements Paginator.
func (p *OffsetPaginator) Reset() {
	p.last = 0
	p.started = false
}

func metaInt(meta map[string]any, field string) (int64, error) {
	v, ok := meta[field]
	if !ok || v == nil {
		return 0, fmt.Errorf("%w: %s", ErrMissingMetadata, field)
	}
	n, err := extract.Int64(v)
	if err != nil {
		return 0, fmt.Errorf("pagination %s: %w", field, err)
	}
	return n, nil
}
