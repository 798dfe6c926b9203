package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/newstore-tap/pkg/client"
	"github.com/Sternrassler/newstore-tap/pkg/extract"
	"github.com/Sternrassler/newstore-tap/pkg/pagination"
	"github.com/Sternrassler/newstore-tap/pkg/request"
	"github.com/Sternrassler/newstore-tap/pkg/sink"
	"github.com/Sternrassler/newstore-tap/pkg/stream"
)

// fakeDoer answers requests from canned bodies keyed by path and query.
type fakeDoer struct {
	mu     sync.Mutex
	bodies map[string]string
	errs   map[string]error
	calls  []string
}

func newFakeDoer() *fakeDoer {
	return &fakeDoer{bodies: map[string]string{}, errs: map[string]error{}}
}

func key(req *client.Request) string {
	if q := req.Query.Encode(); q != "" {
		return req.Path + "?" + q
	}
	return req.Path
}

func (f *fakeDoer) Do(_ context.Context, req *client.Request) (*client.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(req)
	f.calls = append(f.calls, k)
	if err, ok := f.errs[k]; ok {
		return nil, err
	}
	body, ok := f.bodies[k]
	if !ok {
		return nil, &client.HTTPError{StatusCode: http.StatusNotFound, Class: client.ErrorClassClient, Endpoint: k, Message: "no fixture"}
	}
	return &client.Response{StatusCode: http.StatusOK, Body: []byte(body)}, nil
}

func (f *fakeDoer) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

var (
	parentsDesc = &stream.Descriptor{
		Name:        "parents",
		Path:        "/parents",
		PrimaryKeys: []string{"id"},
		Schema:      stream.Schema{{Name: "id", Type: stream.TypeString, Required: true}},
		RecordsPath: "$.parents[*]",
		ChildContext: stream.ContextMapping{
			stream.RecordField("parent_id", "id"),
		},
	}
	kidsDesc = &stream.Descriptor{
		Name:        "kids",
		Path:        "/parents/{parent_id}/kids",
		Parent:      "parents",
		PrimaryKeys: []string{"name"},
		Schema:      stream.Schema{{Name: "name", Type: stream.TypeString, Required: true}},
		RecordsPath: "$.items[*]",
	}
)

func buildNode(t *testing.T, desc *stream.Descriptor, doer Doer) *Node {
	t.Helper()
	b, err := request.New(desc, request.PageQuery{}, nil)
	require.NoError(t, err)
	ex, err := extract.New(desc.RecordsPath, nil)
	require.NoError(t, err)
	pf, err := pagination.CursorFactory("")
	require.NoError(t, err)
	n, err := NewNode(NodeConfig{Descriptor: desc, Builder: b, Extractor: ex, Paginators: pf}, doer)
	require.NoError(t, err)
	return n
}

func setup(t *testing.T, doer Doer, opts Options) (*Orchestrator, *sink.Collector) {
	t.Helper()
	reg := stream.NewRegistry()
	require.NoError(t, reg.Register(parentsDesc))
	require.NoError(t, reg.Register(kidsDesc))

	nodes := map[string]*Node{
		"parents": buildNode(t, parentsDesc, doer),
		"kids":    buildNode(t, kidsDesc, doer),
	}
	out := sink.NewCollector()
	o, err := New(reg, nodes, out, opts)
	require.NoError(t, err)
	return o, out
}

func twoPageTree() *fakeDoer {
	d := newFakeDoer()
	d.bodies["/parents"] = `{"parents":[{"id":"p1"},{"id":"p2"}],"next_page":2}`
	d.bodies["/parents?page=2"] = `{"parents":[{"id":"p3"}],"next_page":null}`
	for _, p := range []string{"p1", "p2", "p3"} {
		d.bodies["/parents/"+p+"/kids"] = fmt.Sprintf(`{"items":[{"name":"%s-a"},{"name":"%s-b"}]}`, p, p)
	}
	return d
}

func names(out *sink.Collector) []string {
	var got []string
	for _, e := range out.Records() {
		if v, ok := e.Record["id"]; ok {
			got = append(got, e.Stream+":"+v.(string))
		} else {
			got = append(got, e.Stream+":"+e.Record["name"].(string))
		}
	}
	return got
}

func TestRun_DepthFirstOrder(t *testing.T) {
	doer := twoPageTree()
	o, out := setup(t, doer, Options{RunID: "run-1"})

	result, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"/parents",
		"/parents/p1/kids",
		"/parents/p2/kids",
		"/parents?page=2",
		"/parents/p3/kids",
	}, doer.Calls())

	assert.Equal(t, []string{
		"parents:p1", "kids:p1-a", "kids:p1-b",
		"parents:p2", "kids:p2-a", "kids:p2-b",
		"parents:p3", "kids:p3-a", "kids:p3-b",
	}, names(out))

	assert.Equal(t, []string{"parents", "kids"}, out.Schemas())
	require.Len(t, out.States(), 1)
	assert.Same(t, result, out.States()[0])

	assert.Equal(t, "run-1", result.RunID)
	assert.False(t, result.Failed())
	assert.Equal(t, StreamSummary{Invocations: 1, Pages: 2, Records: 3}, *result.Streams["parents"])
	assert.Equal(t, StreamSummary{Invocations: 3, Pages: 3, Records: 6}, *result.Streams["kids"])
}

func TestRun_StateCarriesFinishTime(t *testing.T) {
	reg := stream.NewRegistry()
	require.NoError(t, reg.Register(parentsDesc))
	require.NoError(t, reg.Register(kidsDesc))
	doer := twoPageTree()
	nodes := map[string]*Node{
		"parents": buildNode(t, parentsDesc, doer),
		"kids":    buildNode(t, kidsDesc, doer),
	}

	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	var buf bytes.Buffer
	o, err := New(reg, nodes, sink.NewWriter(&buf), Options{RunID: "run-state", Now: tick})
	require.NoError(t, err)
	result, err := o.Run(context.Background())
	require.NoError(t, err)

	var state struct {
		Value struct {
			RunID    string    `json:"run_id"`
			Started  time.Time `json:"started"`
			Finished time.Time `json:"finished"`
		} `json:"value"`
	}
	var lines int
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var head struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &head))
		if head.Type == "STATE" {
			lines++
			require.NoError(t, json.Unmarshal(sc.Bytes(), &state))
		}
	}
	require.NoError(t, sc.Err())
	require.Equal(t, 1, lines)

	assert.Equal(t, "run-state", state.Value.RunID)
	assert.False(t, state.Value.Finished.IsZero())
	assert.True(t, state.Value.Finished.After(state.Value.Started))
	assert.True(t, result.Finished.Equal(state.Value.Finished))
}

func TestRun_PermanentFailureAbandonsBranch(t *testing.T) {
	doer := twoPageTree()
	doer.errs["/parents/p2/kids"] = &client.HTTPError{StatusCode: http.StatusNotFound, Class: client.ErrorClassClient, Message: "gone"}
	o, out := setup(t, doer, Options{})

	result, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"parents:p1", "kids:p1-a", "kids:p1-b",
		"parents:p2",
		"parents:p3", "kids:p3-a", "kids:p3-b",
	}, names(out))

	require.True(t, result.Failed())
	require.Len(t, result.Failures, 1)
	f := result.Failures[0]
	assert.Equal(t, "kids", f.Stream)
	v, _ := f.Context.Get("parent_id")
	assert.Equal(t, "p2", v)
	assert.True(t, client.IsPermanent(result.Err()))
	assert.Equal(t, 1, result.Streams["kids"].Failures)
}

func TestRun_TransientFailureAbortsRun(t *testing.T) {
	doer := twoPageTree()
	cause := &client.HTTPError{StatusCode: http.StatusServiceUnavailable, Class: client.ErrorClassServer}
	doer.errs["/parents/p2/kids"] = fmt.Errorf("%w after 3 attempts: %w", client.ErrRetryExhausted, cause)
	o, out := setup(t, doer, Options{})

	result, err := o.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, client.ErrRetryExhausted)

	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "kids", se.Stream)
	assert.Equal(t, Fetching, se.State)

	// Output already emitted stands; nothing after the failure is fetched.
	assert.Equal(t, []string{"parents:p1", "kids:p1-a", "kids:p1-b", "parents:p2"}, names(out))
	assert.NotContains(t, doer.Calls(), "/parents?page=2")
	assert.Empty(t, out.States())
	assert.NotNil(t, result)
}

func TestRun_RootPermanentFailure(t *testing.T) {
	doer := newFakeDoer()
	o, _ := setup(t, doer, Options{})

	result, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "parents", result.Failures[0].Stream)
}

func TestRun_SelectedChildWalksParents(t *testing.T) {
	doer := twoPageTree()
	o, out := setup(t, doer, Options{Selected: []string{"kids"}})

	_, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"kids"}, out.Schemas())
	assert.Empty(t, out.RecordsOf("parents"))
	assert.Len(t, out.RecordsOf("kids"), 6)
}

func TestRun_SelectedParentSkipsChildren(t *testing.T) {
	doer := twoPageTree()
	o, out := setup(t, doer, Options{Selected: []string{"parents"}})

	_, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, out.RecordsOf("parents"), 3)
	assert.Equal(t, []string{"/parents", "/parents?page=2"}, doer.Calls())
}

func TestRun_PaginationStall(t *testing.T) {
	doer := newFakeDoer()
	doer.bodies["/parents"] = `{"parents":[],"next_page":2}`
	doer.bodies["/parents?page=2"] = `{"parents":[],"next_page":2}`
	o, _ := setup(t, doer, Options{Selected: []string{"parents"}})

	_, err := o.Run(context.Background())
	var stall *pagination.StallError
	require.ErrorAs(t, err, &stall)

	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, Paginating, se.State)
	assert.Equal(t, "2", se.Token.String())
}

func TestRun_MissingParentFieldIsFatal(t *testing.T) {
	doer := newFakeDoer()
	doer.bodies["/parents"] = `{"parents":[{"name":"no id"}]}`
	o, _ := setup(t, doer, Options{})

	_, err := o.Run(context.Background())
	var missing *stream.MissingContextKeyError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "id", missing.Key)
	assert.Equal(t, stream.FromRecord, missing.Source)
}

func TestRun_MalformedBody(t *testing.T) {
	doer := newFakeDoer()
	doer.bodies["/parents"] = `{"parents":[`
	o, _ := setup(t, doer, Options{})

	_, err := o.Run(context.Background())
	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, Extracting, se.State)
}

func TestRun_ContextCancelled(t *testing.T) {
	doer := twoPageTree()
	o, _ := setup(t, doer, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, doer.Calls())
}

func TestNew_Validation(t *testing.T) {
	reg := stream.NewRegistry()
	require.NoError(t, reg.Register(parentsDesc))
	require.NoError(t, reg.Register(kidsDesc))
	doer := newFakeDoer()
	full := map[string]*Node{
		"parents": buildNode(t, parentsDesc, doer),
		"kids":    buildNode(t, kidsDesc, doer),
	}

	_, err := New(reg, map[string]*Node{"parents": full["parents"]}, sink.NewCollector(), Options{})
	assert.ErrorContains(t, err, `stream "kids" has no node`)

	_, err = New(reg, full, sink.NewCollector(), Options{Selected: []string{"nope"}})
	assert.ErrorIs(t, err, stream.ErrUnknownStream)

	_, err = New(reg, full, nil, Options{})
	assert.Error(t, err)

	o, err := New(reg, full, sink.NewCollector(), Options{})
	require.NoError(t, err)
	assert.NotEmpty(t, o.RunID())
}

func TestNewNode_Validation(t *testing.T) {
	_, err := NewNode(NodeConfig{}, newFakeDoer())
	assert.Error(t, err)
	_, err = NewNode(NodeConfig{Descriptor: parentsDesc}, newFakeDoer())
	assert.ErrorContains(t, err, "request builder is required")
}

func TestNode_VisitErrorPassesThrough(t *testing.T) {
	doer := twoPageTree()
	n := buildNode(t, parentsDesc, doer)
	stop := errors.New("stop")

	stats, err := n.Paginate(context.Background(), stream.Context{}, func(stream.Record) error { return stop })
	assert.Same(t, stop, err)
	assert.Equal(t, 1, stats.Records)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "fetching", Fetching.String())
	assert.Equal(t, "extracting", Extracting.String())
	assert.Equal(t, "paginating", Paginating.String())
	assert.Equal(t, "done", Done.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "state(9)", State(9).String())
}
