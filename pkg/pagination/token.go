package pagination

import "strconv"

type tokenKind int

const (
	kindAbsent tokenKind = iota
	kindOffset
	kindCursor
)

// PageToken identifies the next page. The zero value is Absent, the
// terminal signal.
type PageToken struct {
	kind   tokenKind
	offset int64
	cursor string
}

// Absent is the terminal token.
var Absent = PageToken{}

// Offset returns an integer offset token.
func Offset(n int64) PageToken {
	return PageToken{kind: kindOffset, offset: n}
}

// Cursor returns an opaque cursor token.
func Cursor(s string) PageToken {
	return PageToken{kind: kindCursor, cursor: s}
}

// IsAbsent reports whether the token is terminal.
func (t PageToken) IsAbsent() bool {
	return t.kind == kindAbsent
}

// IsOffset reports whether the token is an integer offset.
func (t PageToken) IsOffset() bool {
	return t.kind == kindOffset
}

// OffsetValue returns the integer offset. It is 0 for other kinds.
func (t PageToken) OffsetValue() int64 {
	return t.offset
}

// String renders the token the way it is sent as a query value. Absent
// renders as the empty string.
func (t PageToken) String() string {
	switch t.kind {
	case kindOffset:
		return strconv.FormatInt(t.offset, 10)
	case kindCursor:
		return t.cursor
	default:
		return ""
	}
}
