package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/relaycollab/internal/audit"
	"github.com/agentworkforce/relaycollab/internal/conflict"
	"github.com/agentworkforce/relaycollab/internal/docstore"
	"github.com/agentworkforce/relaycollab/internal/hub"
	"github.com/agentworkforce/relaycollab/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type broadcastCall struct {
	documentID string
	changes    []wire.Change
	source     wire.SourceClass
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	calls []broadcastCall
}

func (b *fakeBroadcaster) Broadcast(documentID string, changes []wire.Change, source wire.SourceClass) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, broadcastCall{documentID: documentID, changes: changes, source: source})
	return 1
}

func (b *fakeBroadcaster) Calls() []broadcastCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broadcastCall(nil), b.calls...)
}

type panicRecorder struct{}

func (panicRecorder) RecordOperation(context.Context, audit.Entry) error {
	panic("recorder exploded")
}

type failingRecorder struct{}

func (failingRecorder) RecordOperation(context.Context, audit.Entry) error {
	return errors.New("audit sink down")
}

// steppingClock advances a minute per call so that operations without an
// explicit timestamp never fall inside each other's window.
func steppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Minute)
		return now
	}
}

type fixture struct {
	orch     *Orchestrator
	store    *docstore.MemoryStore
	engine   *conflict.Engine
	bcast    *fakeBroadcaster
	recorder *audit.MemoryRecorder
}

func newFixture(t *testing.T, strategy conflict.Strategy) *fixture {
	t.Helper()
	f := &fixture{
		store:    docstore.NewMemoryStore(),
		engine:   conflict.NewEngine(conflict.Options{TimingWindow: 5 * time.Second}),
		bcast:    &fakeBroadcaster{},
		recorder: audit.NewMemoryRecorder(100),
	}
	orch, err := New(Options{
		Store:        f.store,
		Engine:       f.engine,
		Broadcaster:  f.bcast,
		Recorder:     f.recorder,
		AutoStrategy: strategy,
		Now:          steppingClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	f.orch = orch
	return f
}

func (f *fixture) do(t *testing.T, req Request) (Result, error) {
	t.Helper()
	if req.ActorID == "" {
		req.ActorID = "tester"
	}
	return f.orch.Handle(context.Background(), req)
}

func (f *fixture) mustDo(t *testing.T, req Request) Result {
	t.Helper()
	res, err := f.do(t, req)
	require.NoError(t, err)
	return res
}

func (f *fixture) graph(t *testing.T, documentID string) *Graph {
	t.Helper()
	doc, err := f.store.GetDocument(context.Background(), documentID)
	require.NoError(t, err)
	g, err := decodeGraph(doc.Content)
	require.NoError(t, err)
	return g
}

func (f *fixture) node(t *testing.T, documentID, nodeID string) map[string]any {
	t.Helper()
	g := f.graph(t, documentID)
	i := g.nodeIndex(nodeID)
	require.GreaterOrEqual(t, i, 0, "node %s missing", nodeID)
	return g.Nodes[i]
}

func seedGraph(t *testing.T, f *fixture, nodeIDs ...string) {
	t.Helper()
	f.mustDo(t, Request{Action: ActionCreateDocument, DocumentID: "doc-1"})
	for _, id := range nodeIDs {
		f.mustDo(t, Request{Action: ActionAddNode, DocumentID: "doc-1", Payload: map[string]any{"id": id, "label": "init"}})
	}
}

func TestSimultaneousEditLastWriteWins(t *testing.T) {
	f := newFixture(t, conflict.StrategyLastWriteWins)
	seedGraph(t, f, "n1")
	t0 := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := f.do(t, Request{
		Action: ActionUpdateNode, DocumentID: "doc-1", ActorID: "U1", ActorClass: conflict.ActorUser,
		Payload: map[string]any{"id": "n1", "label": "A"}, Timestamp: t0,
	})
	require.NoError(t, err)
	res, err := f.do(t, Request{
		Action: ActionUpdateNode, DocumentID: "doc-1", ActorID: "A1", ActorClass: conflict.ActorAgent,
		Payload: map[string]any{"id": "n1", "label": "B"}, Timestamp: t0.Add(time.Second),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ConflictCaseID)

	c, ok := f.engine.Case(res.ConflictCaseID)
	require.True(t, ok)
	assert.Equal(t, conflict.SimultaneousEdit, c.Kind)
	require.NotNil(t, c.Resolution)
	assert.Equal(t, res.OperationID, c.Resolution.WinningOperationID)
	assert.Equal(t, "B", f.node(t, "doc-1", "n1")["label"])
	assert.Equal(t, 1, f.engine.Stats().Cases)
}

func TestOutOfOrderLoserIsRejected(t *testing.T) {
	f := newFixture(t, conflict.StrategyLastWriteWins)
	seedGraph(t, f, "n1")
	t0 := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)

	f.mustDo(t, Request{
		Action: ActionUpdateNode, DocumentID: "doc-1", ActorID: "A1", ActorClass: conflict.ActorAgent,
		Payload: map[string]any{"id": "n1", "label": "B"}, Timestamp: t0.Add(time.Second),
	})
	_, err := f.do(t, Request{
		Action: ActionUpdateNode, DocumentID: "doc-1", ActorID: "U1",
		Payload: map[string]any{"id": "n1", "label": "A"}, Timestamp: t0,
	})
	require.ErrorIs(t, err, ErrConflictRejected)
	var conflictErr *ConflictError
	require.True(t, errors.As(err, &conflictErr))
	assert.Equal(t, conflict.SimultaneousEdit, conflictErr.Case.Kind)
	assert.Equal(t, wire.CodeConflictRejected, ErrorCode(err))
	assert.Equal(t, "B", f.node(t, "doc-1", "n1")["label"])

	entries := f.recorder.Entries()
	last := entries[len(entries)-1]
	assert.False(t, last.Success)
	assert.Equal(t, "U1", last.ActorID)
	assert.Contains(t, last.Error, wire.CodeConflictRejected)
}

func TestMergeStrategyAppliesUnion(t *testing.T) {
	f := newFixture(t, conflict.StrategyMerge)
	seedGraph(t, f, "n1")
	t0 := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)

	f.mustDo(t, Request{Action: ActionUpdateNode, DocumentID: "doc-1", Payload: map[string]any{"id": "n1", "label": "X"}, Timestamp: t0})
	res := f.mustDo(t, Request{Action: ActionUpdateNode, DocumentID: "doc-1", Payload: map[string]any{"id": "n1", "color": "red"}, Timestamp: t0.Add(time.Second)})
	assert.True(t, res.Merged)

	node := f.node(t, "doc-1", "n1")
	assert.Equal(t, "X", node["label"])
	assert.Equal(t, "red", node["color"])

	c, ok := f.engine.Case(res.ConflictCaseID)
	require.True(t, ok)
	require.NotNil(t, c.Resolution)
	assert.Equal(t, map[string]any{"id": "n1", "label": "X", "color": "red"}, c.Resolution.MergedPayload)
}

func TestManualStrategyLeavesCaseOpen(t *testing.T) {
	f := newFixture(t, conflict.StrategyManual)
	seedGraph(t, f, "n1")
	t0 := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)

	f.mustDo(t, Request{Action: ActionUpdateNode, DocumentID: "doc-1", Payload: map[string]any{"id": "n1", "label": "A"}, Timestamp: t0.Add(time.Second)})
	res := f.mustDo(t, Request{Action: ActionUpdateNode, DocumentID: "doc-1", Payload: map[string]any{"id": "n1", "label": "B"}, Timestamp: t0})
	require.NotEmpty(t, res.ConflictCaseID)
	assert.Len(t, f.engine.Cases(true), 1)
	assert.Equal(t, "B", f.node(t, "doc-1", "n1")["label"])
}

func TestDeleteNodeCascadesEdges(t *testing.T) {
	f := newFixture(t, conflict.StrategyLastWriteWins)
	seedGraph(t, f, "a", "b", "c")
	f.mustDo(t, Request{Action: ActionAddEdge, DocumentID: "doc-1", Payload: map[string]any{"id": "e1", "source": "a", "target": "b"}})
	f.mustDo(t, Request{Action: ActionCreateEdge, DocumentID: "doc-1", Payload: map[string]any{"id": "e2", "source": "c", "target": "a"}})
	f.mustDo(t, Request{Action: ActionAddEdge, DocumentID: "doc-1", Payload: map[string]any{"id": "e3", "source": "b", "target": "c"}})

	res := f.mustDo(t, Request{Action: ActionDeleteNode, DocumentID: "doc-1", ActorClass: conflict.ActorAgent, Payload: map[string]any{"id": "a"}})
	assert.Equal(t, map[string]any{"deleted": "a", "removedEdges": []string{"e1", "e2"}}, res.Data)

	g := f.graph(t, "doc-1")
	assert.Len(t, g.Nodes, 2)
	require.Len(t, g.Edges, 1)
	assert.Equal(t, "e3", g.Edges[0]["id"])

	calls := f.bcast.Calls()
	last := calls[len(calls)-1]
	assert.Equal(t, "doc-1", last.documentID)
	assert.Equal(t, wire.SourceAgent, last.source)
	require.Len(t, last.changes, 3)
	assert.Equal(t, "operation", last.changes[0].Kind)
	assert.Equal(t, ActionDeleteNode, last.changes[0].Action)
	assert.Equal(t, "cascade", last.changes[1].Kind)
	assert.Equal(t, "e1", last.changes[1].TargetID)
	assert.Equal(t, "e2", last.changes[2].TargetID)
}

func TestEdgeEndpointsMustExist(t *testing.T) {
	f := newFixture(t, conflict.StrategyLastWriteWins)
	seedGraph(t, f, "a")

	_, err := f.do(t, Request{Action: ActionAddEdge, DocumentID: "doc-1", Payload: map[string]any{"id": "e1", "source": "a", "target": "ghost"}})
	assert.ErrorIs(t, err, ErrTargetNotFound)
	_, err = f.do(t, Request{Action: ActionAddEdge, DocumentID: "doc-1", Payload: map[string]any{"id": "e1", "source": "a"}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Empty(t, f.graph(t, "doc-1").Edges)
}

func TestTargetNotFound(t *testing.T) {
	f := newFixture(t, conflict.StrategyLastWriteWins)
	seedGraph(t, f, "n1")

	_, err := f.do(t, Request{Action: ActionUpdateNode, DocumentID: "doc-1", Payload: map[string]any{"id": "n9", "label": "x"}})
	assert.ErrorIs(t, err, ErrTargetNotFound)
	assert.Equal(t, wire.CodeTargetNotFound, ErrorCode(err))

	_, err = f.do(t, Request{Action: ActionAddNode, DocumentID: "missing", Payload: map[string]any{"id": "n1"}})
	assert.ErrorIs(t, err, ErrTargetNotFound)

	_, err = f.do(t, Request{Action: ActionGetDocument, DocumentID: "missing"})
	assert.ErrorIs(t, err, ErrTargetNotFound)
}

func TestNodeOperationsUnsupportedOnText(t *testing.T) {
	f := newFixture(t, conflict.StrategyLastWriteWins)
	f.mustDo(t, Request{Action: ActionCreateDocument, DocumentID: "notes", Payload: map[string]any{"format": "text", "content": "hello"}})

	_, err := f.do(t, Request{Action: ActionAddNode, DocumentID: "notes", Payload: map[string]any{"id": "n1"}})
	assert.ErrorIs(t, err, ErrUnsupportedForFormat)
	assert.Equal(t, wire.CodeUnsupportedForFormat, ErrorCode(err))

	res := f.mustDo(t, Request{Action: ActionUpdateDocument, DocumentID: "notes", Payload: map[string]any{"content": "hello world"}})
	assert.Equal(t, int64(2), res.Version)
	doc, err := f.store.GetDocument(context.Background(), "notes")
	require.NoError(t, err)
	assert.JSONEq(t, `"hello world"`, string(doc.Content))
	assert.NotEmpty(t, doc.Hash)

	_, err = f.do(t, Request{Action: ActionUpdateDocument, DocumentID: "notes", Payload: map[string]any{"content": 42}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestUnknownActionIsNotRegistered(t *testing.T) {
	f := newFixture(t, conflict.StrategyLastWriteWins)
	_, err := f.do(t, Request{Action: "explode_node", DocumentID: "doc-1"})
	assert.ErrorIs(t, err, ErrUnknownAction)
	assert.Equal(t, wire.CodeUnknownAction, ErrorCode(err))
	assert.Equal(t, 0, f.engine.Stats().HistoryOperations)
	assert.Empty(t, f.bcast.Calls())
}

func TestDocumentLifecycle(t *testing.T) {
	f := newFixture(t, conflict.StrategyLastWriteWins)
	res := f.mustDo(t, Request{Action: ActionCreateDocument, Payload: map[string]any{"name": "Plan"}})
	require.NotEmpty(t, res.DocumentID)
	assert.Equal(t, int64(1), res.Version)

	_, err := f.do(t, Request{Action: ActionCreateDocument, DocumentID: res.DocumentID})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	got := f.mustDo(t, Request{Action: ActionGetDocument, DocumentID: res.DocumentID})
	doc, ok := got.Data.(docstore.Document)
	require.True(t, ok)
	assert.Equal(t, "Plan", doc.Name)
	assert.Equal(t, docstore.FormatGraph, doc.Format)

	_, err = f.do(t, Request{Action: ActionUpdateDocument, DocumentID: res.DocumentID})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	f.mustDo(t, Request{Action: ActionDeleteDocument, DocumentID: res.DocumentID})
	_, err = f.do(t, Request{Action: ActionGetDocument, DocumentID: res.DocumentID})
	assert.ErrorIs(t, err, ErrTargetNotFound)
}

func TestCreateNodeGeneratesID(t *testing.T) {
	f := newFixture(t, conflict.StrategyLastWriteWins)
	seedGraph(t, f)
	res := f.mustDo(t, Request{Action: ActionCreateNode, DocumentID: "doc-1", Payload: map[string]any{"label": "fresh"}})
	node, ok := res.Data.(map[string]any)
	require.True(t, ok)
	id, _ := node["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "fresh", f.node(t, "doc-1", id)["label"])

	_, err := f.do(t, Request{Action: ActionUpdateNode, DocumentID: "doc-1", Payload: map[string]any{"label": "x"}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestAuditFailuresNeverReachCaller(t *testing.T) {
	for name, recorder := range map[string]audit.Recorder{
		"panic": panicRecorder{},
		"error": failingRecorder{},
	} {
		t.Run(name, func(t *testing.T) {
			orch, err := New(Options{Store: docstore.NewMemoryStore(), Recorder: recorder})
			require.NoError(t, err)
			res, err := orch.Handle(context.Background(), Request{Action: ActionCreateDocument, DocumentID: "d"})
			require.NoError(t, err)
			assert.Equal(t, "d", res.DocumentID)
		})
	}
}

func TestFailedOperationsAreNotBroadcast(t *testing.T) {
	f := newFixture(t, conflict.StrategyLastWriteWins)
	seedGraph(t, f)
	before := len(f.bcast.Calls())
	_, err := f.do(t, Request{Action: ActionDeleteNode, DocumentID: "doc-1", Payload: map[string]any{"id": "ghost"}})
	require.Error(t, err)
	assert.Len(t, f.bcast.Calls(), before)
}

func TestHandleRequestAdapter(t *testing.T) {
	f := newFixture(t, conflict.StrategyLastWriteWins)
	seedGraph(t, f, "n1")

	out := f.orch.HandleRequest(context.Background(), hub.Identity{Role: hub.RoleAgent, ID: "agent-7"}, wire.OperationRequest{
		Action: ActionUpdateNode, DocumentID: "doc-1", CorrelationID: "c-1",
		Payload: map[string]any{"id": "n1", "label": "Z"},
	})
	assert.True(t, out.Success)
	assert.Nil(t, out.Error)
	assert.Equal(t, "c-1", out.CorrelationID)
	assert.Equal(t, "doc-1", out.DocumentID)

	calls := f.bcast.Calls()
	assert.Equal(t, wire.SourceAgent, calls[len(calls)-1].source)
	entries := f.recorder.Entries()
	assert.Equal(t, "agent-7", entries[len(entries)-1].ActorID)

	out = f.orch.HandleRequest(context.Background(), hub.Identity{Role: hub.RoleAgent, ID: "agent-7"}, wire.OperationRequest{
		Action: "nope", DocumentID: "doc-1", CorrelationID: "c-2",
	})
	assert.False(t, out.Success)
	require.NotNil(t, out.Error)
	assert.Equal(t, wire.CodeUnknownAction, out.Error.Code)
}

func TestNewRejectsUnknownStrategy(t *testing.T) {
	_, err := New(Options{Store: docstore.NewMemoryStore(), AutoStrategy: "coin-flip"})
	assert.ErrorIs(t, err, conflict.ErrUnknownStrategy)
	_, err = New(Options{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestConcurrentOperationsOnOneDocumentSerialize(t *testing.T) {
	orch, err := New(Options{Store: docstore.NewMemoryStore()})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = orch.Handle(ctx, Request{Action: ActionCreateDocument, DocumentID: "d"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := orch.Handle(ctx, Request{Action: ActionCreateNode, DocumentID: "d", Payload: map[string]any{"n": i}})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	res, err := orch.Handle(ctx, Request{Action: ActionGetDocument, DocumentID: "d"})
	require.NoError(t, err)
	doc := res.Data.(docstore.Document)
	g, err := decodeGraph(doc.Content)
	require.NoError(t, err)
	assert.Len(t, g.Nodes, 20)
	assert.Equal(t, int64(21), doc.Version)
	assert.Empty(t, orch.docLocks.locks)
}

func TestAuditEntryDoesNotShareCallerPayload(t *testing.T) {
	f := newFixture(t, conflict.StrategyLastWriteWins)
	seedGraph(t, f, "n1")

	payload := map[string]any{"id": "n1", "label": "before"}
	f.mustDo(t, Request{Action: ActionUpdateNode, DocumentID: "doc-1", Payload: payload})
	payload["label"] = "after"

	entries := f.recorder.Entries()
	input, ok := entries[len(entries)-1].Input.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "before", input["label"])
}
