// Package engine walks the stream tree: a Node paginates one stream to
// exhaustion and the Orchestrator recurses depth-first into child streams
// for every parent record.
package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/newstore-tap/pkg/client"
	"github.com/Sternrassler/newstore-tap/pkg/extract"
	"github.com/Sternrassler/newstore-tap/pkg/pagination"
	"github.com/Sternrassler/newstore-tap/pkg/request"
	"github.com/Sternrassler/newstore-tap/pkg/stream"
)

// Doer performs one API call. *client.Client implements it.
type Doer interface {
	Do(ctx context.Context, req *client.Request) (*client.Response, error)
}

// State is the phase of one stream invocation.
type State int

const (
	Fetching State = iota
	Extracting
	Paginating
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Fetching:
		return "fetching"
	case Extracting:
		return "extracting"
	case Paginating:
		return "paginating"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StreamError is the failure of one stream invocation.
type StreamError struct {
	Stream  string
	Context stream.Context
	Token   pagination.PageToken
	// State is the phase the invocation was in when it failed.
	State State
	Err   error
}

func (e *StreamError) Error() string {
	page := "first page"
	if !e.Token.IsAbsent() {
		page = fmt.Sprintf("page %q", e.Token.String())
	}
	return fmt.Sprintf("stream %q failed while %s %s (context %s): %v",
		e.Stream, e.State, page, e.Context, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// Stats counts the work of one invocation.
type Stats struct {
	Pages   int
	Records int
}

// NodeConfig binds a descriptor to its strategies.
type NodeConfig struct {
	Descriptor *stream.Descriptor
	Builder    *request.Builder
	Extractor  *extract.Extractor
	Paginators pagination.Factory
}

// Node paginates one stream.
type Node struct {
	desc       *stream.Descriptor
	builder    *request.Builder
	extractor  *extract.Extractor
	paginators pagination.Factory
	doer       Doer
	logger     zerolog.Logger
}

// NewNode validates cfg and returns a Node calling doer.
func NewNode(cfg NodeConfig, doer Doer) (*Node, error) {
	switch {
	case cfg.Descriptor == nil:
		return nil, fmt.Errorf("node: descriptor is required")
	case cfg.Builder == nil:
		return nil, fmt.Errorf("node %q: request builder is required", cfg.Descriptor.Name)
	case cfg.Extractor == nil:
		return nil, fmt.Errorf("node %q: extractor is required", cfg.Descriptor.Name)
	case cfg.Paginators == nil:
		return nil, fmt.Errorf("node %q: paginator factory is required", cfg.Descriptor.Name)
	case doer == nil:
		return nil, fmt.Errorf("node %q: doer is required", cfg.Descriptor.Name)
	}

	logger := log.With().
		Str("component", "engine").
		Str("stream", cfg.Descriptor.Name).
		Str("endpoint", cfg.Builder.Endpoint()).
		Logger()

	return &Node{
		desc:       cfg.Descriptor,
		builder:    cfg.Builder,
		extractor:  cfg.Extractor,
		paginators: cfg.Paginators,
		doer:       doer,
		logger:     logger,
	}, nil
}

// Descriptor returns the stream definition.
func (n *Node) Descriptor() *stream.Descriptor {
	return n.desc
}

// Paginate fetches every page of the stream for sctx and hands each record
// to visit before the next record is read. Errors of this stream are
// returned as *StreamError; errors returned by visit are passed through
// unchanged.
func (n *Node) Paginate(ctx context.Context, sctx stream.Context, visit func(stream.Record) error) (Stats, error) {
	var (
		stats Stats
		token = pagination.Absent
		p     = n.paginators()
	)

	fail := func(state State, err error) (Stats, error) {
		pagesTotal.WithLabelValues(n.desc.Name, "failed").Inc()
		return stats, &StreamError{Stream: n.desc.Name, Context: sctx, Token: token, State: state, Err: err}
	}

	for {
		if err := ctx.Err(); err != nil {
			return fail(Fetching, err)
		}

		req, err := n.builder.Build(sctx, token)
		if err != nil {
			return fail(Fetching, err)
		}
		resp, err := n.doer.Do(ctx, req)
		if err != nil {
			return fail(Fetching, err)
		}

		envelope, err := extract.Decode(resp.Body)
		if err != nil {
			return fail(Extracting, err)
		}

		it := n.extractor.Extract(envelope)
		pageRecords := 0
		for {
			rec, ok, err := it.Next()
			if err != nil {
				return fail(Extracting, err)
			}
			if !ok {
				break
			}
			pageRecords++
			stats.Records++
			recordsTotal.WithLabelValues(n.desc.Name).Inc()
			if err := visit(rec); err != nil {
				return stats, err
			}
		}
		stats.Pages++
		pagesTotal.WithLabelValues(n.desc.Name, "ok").Inc()

		next, err := p.Next(envelope)
		if err != nil {
			return fail(Paginating, err)
		}

		n.logger.Debug().
			Str("page_token", token.String()).
			Str("next_token", next.String()).
			Int("matches", it.Len()).
			Int("records", pageRecords).
			Msg("Page processed")

		if next.IsAbsent() {
			return stats, nil
		}
		token = next
	}
}
