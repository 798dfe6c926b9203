package request

import (
	"net/url"
	"strconv"

	"github.com/Sternrassler/newstore-tap/pkg/pagination"
)

// DefaultPageParam carries cursor tokens.
const DefaultPageParam = "page"

// QueryPolicy adds paging parameters to a request.
type QueryPolicy interface {
	Apply(q url.Values, token pagination.PageToken)
}

// PageQuery forwards the token as a page parameter and, with a replication
// key, requests ascending order on it.
type PageQuery struct {
	// Param defaults to DefaultPageParam.
	Param          string
	ReplicationKey string
}

// Apply implements QueryPolicy.
func (p PageQuery) Apply(q url.Values, token pagination.PageToken) {
	if !token.IsAbsent() {
		param := p.Param
		if param == "" {
			param = DefaultPageParam
		}
		q.Set(param, token.String())
	}
	if p.ReplicationKey != "" {
		q.Set("sort", "asc")
		q.Set("order_by", p.ReplicationKey)
	}
}

// OffsetQuery sends a fixed page size and the current offset.
type OffsetQuery struct {
	PageSize int
}

// Apply implements QueryPolicy. The first page uses offset 0.
func (p OffsetQuery) Apply(q url.Values, token pagination.PageToken) {
	q.Set("count", strconv.Itoa(p.PageSize))
	offset := "0"
	if token.IsOffset() {
		offset = token.String()
	}
	q.Set("offset", offset)
}
