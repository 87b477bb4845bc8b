package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/relaycollab/internal/sqldb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runStoreContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, err := store.GetDocument(ctx, "diagram/1")
	assert.ErrorIs(t, err, ErrNotFound)

	created, err := store.CreateDocument(ctx, Document{ID: "diagram/1", Name: "Checkout flow"})
	require.NoError(t, err)
	assert.Equal(t, FormatGraph, created.Format)
	assert.Equal(t, int64(1), created.Version)
	assert.JSONEq(t, `{"nodes":[],"edges":[]}`, string(created.Content))

	_, err = store.CreateDocument(ctx, Document{ID: "diagram/1"})
	assert.ErrorIs(t, err, ErrExists)
	_, err = store.CreateDocument(ctx, Document{ID: "  "})
	assert.ErrorIs(t, err, ErrInvalidInput)

	content := json.RawMessage(`{"nodes":[{"id":"n1","label":"B"}],"edges":[]}`)
	written, err := store.WriteDocumentContent(ctx, "diagram/1", content, "fp-2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), written.Version)
	assert.Equal(t, "fp-2", written.Hash)

	loaded, err := store.GetDocument(ctx, "diagram/1")
	require.NoError(t, err)
	assert.JSONEq(t, string(content), string(loaded.Content))
	assert.Equal(t, "Checkout flow", loaded.Name)
	assert.Equal(t, int64(2), loaded.Version)

	_, err = store.WriteDocumentContent(ctx, "missing", content, "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.CreateDocument(ctx, Document{ID: "notes", Format: FormatText, Content: json.RawMessage(`"hello"`)})
	require.NoError(t, err)
	docs, err := store.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "diagram/1", docs[0].ID)
	assert.Equal(t, FormatText, docs[1].Format)

	require.NoError(t, store.DeleteDocument(ctx, "notes"))
	assert.ErrorIs(t, store.DeleteDocument(ctx, "notes"), ErrNotFound)
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestFileStoreContract(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	runStoreContract(t, store)
}

func TestSQLiteStoreContract(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "docs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	runStoreContract(t, store)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, err := store.CreateDocument(ctx, Document{ID: "d", Format: FormatText, Content: json.RawMessage(`"abc"`)})
	require.NoError(t, err)
	doc, err := store.GetDocument(ctx, "d")
	require.NoError(t, err)
	doc.Content[1] = 'z'
	again, err := store.GetDocument(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, `"abc"`, string(again.Content))
}

func TestFileStoreWatchReportsOnlyExternalEdits(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err = store.CreateDocument(ctx, Document{ID: "doc-1"})
	require.NoError(t, err)

	changes := make(chan ExternalChange, 8)
	watching := make(chan error, 1)
	go func() { watching <- store.Watch(ctx, func(c ExternalChange) { changes <- c }) }()
	time.Sleep(50 * time.Millisecond)

	_, err = store.WriteDocumentContent(ctx, "doc-1", json.RawMessage(`{"nodes":[],"edges":[]}`), "own")
	require.NoError(t, err)
	select {
	case c := <-changes:
		t.Fatalf("own write reported as external: %+v", c)
	case <-time.After(100 * time.Millisecond):
	}

	external := Document{ID: "doc-1", Name: "doc-1", Format: FormatGraph, Version: 9,
		Content: json.RawMessage(`{"nodes":[{"id":"n1"}],"edges":[]}`)}
	data, err := json.Marshal(external)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "doc-1.json"), data, 0o644))

	select {
	case c := <-changes:
		assert.Equal(t, "doc-1", c.DocumentID)
		assert.False(t, c.Removed)
		assert.Equal(t, int64(9), c.Document.Version)
	case <-time.After(2 * time.Second):
		t.Fatalf("external edit was not reported")
	}

	require.NoError(t, os.Remove(filepath.Join(dir, "doc-1.json")))
	require.Eventually(t, func() bool {
		select {
		case c := <-changes:
			return c.Removed && c.DocumentID == "doc-1"
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-watching:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("watch did not stop")
	}
}

func TestBuildStoreFromDSN(t *testing.T) {
	store, err := BuildStoreFromDSN("")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	store, err = BuildStoreFromDSN("memory://")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	dir := t.TempDir()
	store, err = BuildStoreFromDSN("file://" + dir)
	require.NoError(t, err)
	require.IsType(t, &FileStore{}, store)
	assert.Equal(t, dir, store.(*FileStore).Dir)
	require.NoError(t, store.Close())

	store, err = BuildStoreFromDSN("sqlite://" + filepath.Join(t.TempDir(), "docs.db"))
	require.NoError(t, err)
	require.IsType(t, &SQLStore{}, store)
	assert.True(t, strings.HasSuffix(store.(*SQLStore).dsn, "?_busy_timeout=5000"))

	store, err = BuildStoreFromDSN("postgres://localhost/relaycollab?sslmode=disable")
	require.NoError(t, err)
	assert.Equal(t, sqldb.Postgres, store.(*SQLStore).dialect)

	_, err = BuildStoreFromDSN("mysql://localhost/relaycollab")
	assert.ErrorIs(t, err, ErrNotImplemented)
	_, err = BuildStoreFromDSN("redis://localhost")
	assert.Error(t, err)
}

func TestRegisterStoreFactoryOverridesScheme(t *testing.T) {
	var calls atomic.Int32
	RegisterStoreFactory("Custom", func(dsn string) (Store, error) {
		calls.Add(1)
		if !strings.HasPrefix(dsn, "custom://") {
			return nil, errors.New("unexpected dsn")
		}
		return NewMemoryStore(), nil
	})
	store, err := BuildStoreFromDSN("custom://anything")
	require.NoError(t, err)
	assert.NotNil(t, store)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPostgresStoreContract(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("RELAYCOLLAB_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("RELAYCOLLAB_TEST_POSTGRES_DSN not set")
	}
	store, err := NewPostgresStore(dsn)
	require.NoError(t, err)
	store.tableName = fmt.Sprintf("relaycollab_documents_it_%d", time.Now().UnixNano())
	t.Cleanup(func() {
		if store.db != nil {
			_, _ = store.db.Exec("DROP TABLE IF EXISTS " + sqldb.QuoteIdentifier(store.tableName))
		}
		_ = store.Close()
	})
	runStoreContract(t, store)
}

func TestRedactDSN(t *testing.T) {
	assert.Equal(t, "postgres://app:xxxxx@db:5432/collab", RedactDSN("postgres://app:secret@db:5432/collab"))
	assert.Equal(t, "sqlite:///tmp/docs.db", RedactDSN("sqlite:///tmp/docs.db"))
	assert.Equal(t, "", RedactDSN(""))
}
