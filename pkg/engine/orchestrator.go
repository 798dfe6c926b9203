package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/newstore-tap/pkg/client"
	"github.com/Sternrassler/newstore-tap/pkg/sink"
	"github.com/Sternrassler/newstore-tap/pkg/stream"
)

// Options tunes an Orchestrator.
type Options struct {
	// Selected names the streams whose records are emitted. Ancestors of
	// selected streams are still walked to derive context. Empty selects
	// every stream.
	Selected []string

	// RunID labels logs and the final state; a random UUID by default.
	RunID string

	// Now stamps extracted records; time.Now by default.
	Now func() time.Time
}

// BranchFailure is a stream invocation abandoned after a permanent error.
// Work already emitted for other branches stands.
type BranchFailure struct {
	Stream  string         `json:"stream"`
	Context stream.Context `json:"-"`
	Error   string         `json:"error"`
	Err     error          `json:"-"`
}

// StreamSummary aggregates all invocations of one stream.
type StreamSummary struct {
	Invocations int `json:"invocations"`
	Pages       int `json:"pages"`
	Records     int `json:"records"`
	Failures    int `json:"failures"`
}

// RunResult summarizes a run.
type RunResult struct {
	RunID    string                    `json:"run_id"`
	Started  time.Time                 `json:"started"`
	Finished time.Time                 `json:"finished"`
	Streams  map[string]*StreamSummary `json:"streams"`
	Failures []BranchFailure           `json:"failures,omitempty"`
}

// Failed reports whether any branch was abandoned.
func (r *RunResult) Failed() bool {
	return len(r.Failures) > 0
}

// Err joins the branch failures, or returns nil.
func (r *RunResult) Err() error {
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f.Err
	}
	return errors.Join(errs...)
}

// Orchestrator drives a registry of nodes depth-first.
type Orchestrator struct {
	registry *stream.Registry
	nodes    map[string]*Node
	out      sink.Sink
	emit     map[string]bool
	walk     map[string]bool
	runID    string
	now      func() time.Time
	logger   zerolog.Logger
}

// New validates the registry, checks that every stream has a node and
// resolves the stream selection.
func New(reg *stream.Registry, nodes map[string]*Node, out sink.Sink, opts Options) (*Orchestrator, error) {
	if err := reg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stream registry: %w", err)
	}
	if out == nil {
		return nil, fmt.Errorf("sink is required")
	}
	for _, name := range reg.Names() {
		if nodes[name] == nil {
			return nil, fmt.Errorf("stream %q has no node", name)
		}
	}

	selected := opts.Selected
	if len(selected) == 0 {
		selected = reg.Names()
	}
	emit := make(map[string]bool, len(selected))
	walk := make(map[string]bool, len(selected))
	for _, name := range selected {
		ancestors, err := reg.Ancestors(name)
		if err != nil {
			return nil, err
		}
		emit[name] = true
		walk[name] = true
		for _, a := range ancestors {
			walk[a] = true
		}
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Orchestrator{
		registry: reg,
		nodes:    nodes,
		out:      out,
		emit:     emit,
		walk:     walk,
		runID:    runID,
		now:      now,
		logger:   log.With().Str("component", "orchestrator").Str("run_id", runID).Logger(),
	}, nil
}

// RunID returns the id of this orchestrator's run.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// Run extracts every selected stream. A permanent failure abandons only the
// affected branch and is listed in the result; any other failure aborts the
// run and is returned together with the partial result.
func (o *Orchestrator) Run(ctx context.Context) (*RunResult, error) {
	result := &RunResult{
		RunID:   o.runID,
		Started: o.now(),
		Streams: make(map[string]*StreamSummary),
	}
	for name := range o.walk {
		result.Streams[name] = &StreamSummary{}
	}
	defer func() {
		if result.Finished.IsZero() {
			result.Finished = o.now()
		}
		runDuration.Observe(result.Finished.Sub(result.Started).Seconds())
	}()

	for _, name := range o.registry.Names() {
		if !o.emit[name] {
			continue
		}
		desc, _ := o.registry.Get(name)
		if err := o.out.WriteSchema(desc); err != nil {
			return result, fmt.Errorf("write schema for %q: %w", name, err)
		}
	}

	o.logger.Info().Strs("streams", o.selectedNames()).Msg("Run started")

	for _, root := range o.registry.Roots() {
		if !o.walk[root] {
			continue
		}
		if err := o.runStream(ctx, root, stream.Context{}, result); err != nil {
			o.logger.Error().Err(err).Msg("Run aborted")
			return result, err
		}
	}

	result.Finished = o.now()
	if err := o.out.WriteState(result); err != nil {
		return result, fmt.Errorf("write state: %w", err)
	}

	o.logger.Info().
		Int("failures", len(result.Failures)).
		Dur("duration", result.Finished.Sub(result.Started)).
		Msg("Run finished")

	return result, nil
}

func (o *Orchestrator) runStream(ctx context.Context, name string, sctx stream.Context, result *RunResult) error {
	node := o.nodes[name]
	desc := node.Descriptor()
	summary := result.Streams[name]
	summary.Invocations++

	var children []string
	for _, child := range o.registry.Children(name) {
		if o.walk[child] {
			children = append(children, child)
		}
	}
	emit := o.emit[name]

	logger := o.logger.With().Str("stream", name).Str("context", sctx.String()).Logger()
	if desc.IsRoot() {
		logger.Info().Msg("Stream started")
	} else {
		logger.Debug().Msg("Stream started")
	}

	start := o.now()
	stats, err := node.Paginate(ctx, sctx, func(rec stream.Record) error {
		if emit {
			if err := o.out.WriteRecord(desc, rec, o.now()); err != nil {
				return fmt.Errorf("write %q record: %w", name, err)
			}
		}
		if len(children) == 0 {
			return nil
		}

		childCtx, err := desc.ChildContext.Derive(name, rec, sctx)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := o.runStream(ctx, child, childCtx, result); err != nil {
				return err
			}
		}
		return nil
	})
	summary.Pages += stats.Pages
	summary.Records += stats.Records

	if err != nil {
		var se *StreamError
		if errors.As(err, &se) && se.Stream == name && client.IsPermanent(err) {
			summary.Failures++
			branchFailuresTotal.WithLabelValues(name).Inc()
			result.Failures = append(result.Failures, BranchFailure{
				Stream:  name,
				Context: sctx,
				Error:   err.Error(),
				Err:     err,
			})
			logger.Warn().Err(err).Str("state", Failed.String()).Msg("Branch abandoned after permanent failure")
			return nil
		}
		return err
	}

	event := logger.Debug()
	if desc.IsRoot() {
		event = logger.Info()
	}
	event.
		Str("state", Done.String()).
		Int("pages", stats.Pages).
		Int("records", stats.Records).
		Dur("duration", o.now().Sub(start)).
		Msg("Stream finished")

	return nil
}

func (o *Orchestrator) selectedNames() []string {
	var names []string
	for _, name := range o.registry.Names() {
		if o.emit[name] {
			names = append(names, name)
		}
	}
	return names
}
