// Package pagination decides whether another page of a stream must be
// fetched and which token identifies it.
//
// A Paginator is stateful and belongs to one request sequence. Every stream
// invocation obtains a fresh one from its Factory:
//
//	p, err := pagination.NewOffset(pagination.OffsetConfig{})
//	if err != nil {
//	    return err
//	}
//	token, err := p.Next(envelope)
//	if token.IsAbsent() {
//	    // last page
//	}
//
// Two strategies exist. CursorPaginator forwards a value read verbatim from
// the body (default "$.next_page"). OffsetPaginator reads offset, total and
// count from pagination metadata and computes offset+count.
//
// Both refuse to go backwards or stand still: a repeated token or a page
// that makes no progress ends the sequence with a *StallError.
package pagination
