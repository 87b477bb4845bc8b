package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound       = errors.New("document not found")
	ErrExists         = errors.New("document already exists")
	ErrInvalidInput   = errors.New("invalid input")
	ErrLocked         = errors.New("document directory is locked by another process")
	ErrNotImplemented = errors.New("not implemented")
)

type Format string

const (
	FormatGraph Format = "graph"
	FormatText  Format = "text"
)

func (f Format) Valid() bool {
	return f == FormatGraph || f == FormatText
}

// Document is the persisted form of a collaborative document. Content is
// opaque to the store: a node/edge collection for graph documents, a JSON
// string for text documents.
type Document struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Format    Format          `json:"format"`
	Content   json.RawMessage `json:"content"`
	Version   int64           `json:"version"`
	Hash      string          `json:"hash,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Store is the persistence collaborator consumed by the orchestrator.
type Store interface {
	GetDocument(ctx context.Context, id string) (Document, error)
	ListDocuments(ctx context.Context) ([]Document, error)
	CreateDocument(ctx context.Context, doc Document) (Document, error)
	// WriteDocumentContent replaces the content and fingerprint of an
	// existing document and bumps its version.
	WriteDocumentContent(ctx context.Context, id string, content json.RawMessage, hash string) (Document, error)
	DeleteDocument(ctx context.Context, id string) error
	Close() error
}

func prepareNew(doc Document, now time.Time) (Document, error) {
	doc.ID = strings.TrimSpace(doc.ID)
	if doc.ID == "" {
		return Document{}, ErrInvalidInput
	}
	if doc.Format == "" {
		doc.Format = FormatGraph
	}
	if !doc.Format.Valid() {
		return Document{}, ErrInvalidInput
	}
	if len(doc.Content) == 0 {
		if doc.Format == FormatGraph {
			doc.Content = json.RawMessage(`{"nodes":[],"edges":[]}`)
		} else {
			doc.Content = json.RawMessage(`""`)
		}
	}
	if doc.Name == "" {
		doc.Name = doc.ID
	}
	doc.Version = 1
	doc.CreatedAt = now.UTC()
	doc.UpdatedAt = doc.CreatedAt
	doc.Content = cloneRaw(doc.Content)
	return doc, nil
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneDocument(doc Document) Document {
	doc.Content = cloneRaw(doc.Content)
	return doc
}

type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]Document
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: map[string]Document{}, now: time.Now}
}

func (s *MemoryStore) GetDocument(_ context.Context, id string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return cloneDocument(doc), nil
}

func (s *MemoryStore) ListDocuments(_ context.Context) ([]Document, error) {
	s.mu.RLock()
	docs := make([]Document, 0, len(s.docs))
	for _, doc := range s.docs {
		docs = append(docs, cloneDocument(doc))
	}
	s.mu.RUnlock()
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func (s *MemoryStore) CreateDocument(_ context.Context, doc Document) (Document, error) {
	doc, err := prepareNew(doc, s.now())
	if err != nil {
		return Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.docs[doc.ID]; exists {
		return Document{}, ErrExists
	}
	s.docs[doc.ID] = doc
	return cloneDocument(doc), nil
}

func (s *MemoryStore) WriteDocumentContent(_ context.Context, id string, content json.RawMessage, hash string) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	doc.Content = cloneRaw(content)
	doc.Hash = hash
	doc.Version++
	doc.UpdatedAt = s.now().UTC()
	s.docs[id] = doc
	return cloneDocument(doc), nil
}

func (s *MemoryStore) DeleteDocument(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return ErrNotFound
	}
	delete(s.docs, id)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
