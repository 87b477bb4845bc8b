package audit

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/relaycollab/internal/delivery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyRecorder struct {
	failures atomic.Int32
	inner    *MemoryRecorder
}

func (r *flakyRecorder) RecordOperation(ctx context.Context, entry Entry) error {
	if r.failures.Add(-1) >= 0 {
		return errors.New("audit backend unavailable")
	}
	return r.inner.RecordOperation(ctx, entry)
}

func newQueue(t *testing.T) *delivery.Queue {
	t.Helper()
	q := delivery.New(delivery.Options{BaseRetryDelay: 5 * time.Millisecond, PollInterval: 2 * time.Millisecond})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = q.Stop(ctx)
	})
	return q
}

func TestQueuedRecorderRetriesThroughDeliveryQueue(t *testing.T) {
	q := newQueue(t)
	backend := &flakyRecorder{inner: NewMemoryRecorder(10)}
	backend.failures.Store(2)
	recorder := NewQueuedRecorder(q, backend)

	require.NoError(t, recorder.RecordOperation(context.Background(), Entry{ActorID: "a1", Action: "add_node", Success: true}))
	require.Eventually(t, func() bool { return len(backend.inner.Entries()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "add_node", backend.inner.Entries()[0].Action)
	assert.Equal(t, uint64(2), q.Stats().RetriedTotal)
}

func TestQueuedRecorderDeadLettersPersistentFailures(t *testing.T) {
	q := newQueue(t)
	backend := &flakyRecorder{inner: NewMemoryRecorder(10)}
	backend.failures.Store(100)
	recorder := NewQueuedRecorder(q, backend)

	require.NoError(t, recorder.RecordOperation(context.Background(), Entry{ActorID: "a1", Action: "delete_node"}))
	require.Eventually(t, func() bool { return len(q.DeadLetters()) == 1 }, time.Second, 5*time.Millisecond)
	dead := q.DeadLetters()[0]
	assert.Equal(t, "audit", dead.Type)
	assert.Equal(t, "audit backend unavailable", dead.LastError)
}

func TestQueuedRecorderReportsStoppedQueue(t *testing.T) {
	q := delivery.New(delivery.Options{})
	recorder := NewQueuedRecorder(q, NewMemoryRecorder(1))
	require.NoError(t, q.Stop(context.Background()))
	err := recorder.RecordOperation(context.Background(), Entry{Action: "x"})
	assert.ErrorIs(t, err, delivery.ErrStopped)
}

func TestMemoryRecorderKeepsNewest(t *testing.T) {
	r := NewMemoryRecorder(2)
	for _, action := range []string{"a", "b", "c"} {
		require.NoError(t, r.RecordOperation(context.Background(), Entry{Action: action}))
	}
	entries := r.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].Action)
	assert.Equal(t, "c", entries[1].Action)
}

func TestSQLiteRecorderRoundTrip(t *testing.T) {
	r, err := NewSQLiteRecorder(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, r.RecordOperation(ctx, Entry{
		ActorID: "a1", DocumentID: "doc-1", Action: "update_node",
		Input:   map[string]any{"id": "n1", "label": "B"},
		Success: true, DurationMs: 3, RecordedAt: base,
	}))
	require.NoError(t, r.RecordOperation(ctx, Entry{
		ActorID: "a1", DocumentID: "doc-1", Action: "delete_node",
		Success: false, Error: "conflict_rejected", RecordedAt: base.Add(time.Second),
	}))

	entries, err := r.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "delete_node", entries[0].Action)
	assert.False(t, entries[0].Success)
	assert.Equal(t, "conflict_rejected", entries[0].Error)
	assert.Equal(t, map[string]any{"id": "n1", "label": "B"}, entries[1].Input)
	assert.Equal(t, base, entries[1].RecordedAt)
}

func TestBuildRecorderFromDSN(t *testing.T) {
	r, err := BuildRecorderFromDSN("", nil)
	require.NoError(t, err)
	assert.IsType(t, &LogRecorder{}, r)
	assert.NoError(t, r.RecordOperation(context.Background(), Entry{Action: "x", Error: "boom"}))

	r, err = BuildRecorderFromDSN("memory://", nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryRecorder{}, r)

	r, err = BuildRecorderFromDSN("sqlite://"+filepath.Join(t.TempDir(), "audit.db"), nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLRecorder{}, r)

	r, err = BuildRecorderFromDSN("postgres://localhost/relaycollab?sslmode=disable", nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLRecorder{}, r)

	_, err = BuildRecorderFromDSN("kafka://broker", nil)
	assert.Error(t, err)
}
