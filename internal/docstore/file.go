package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

const documentFileSuffix = ".json"

// ExternalChange is a modification made to the document directory by
// something other than this store.
type ExternalChange struct {
	DocumentID string
	Removed    bool
	Document   Document
}

// FileStore keeps one JSON file per document in a directory. The directory is
// locked for the lifetime of the store so two processes never interleave
// read-modify-write cycles on it.
type FileStore struct {
	Dir    string
	Logger *log.Logger

	mu   sync.Mutex
	lock *os.File
	// last bytes known for each document file, from our own writes or an
	// already reported external edit
	known map[string][]byte
	now   func() time.Time
}

func NewFileStore(dir string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	lock, err := lockDir(dir)
	if err != nil {
		return nil, err
	}
	return &FileStore{
		Dir:    dir,
		Logger: log.Default(),
		lock:   lock,
		known:  map[string][]byte{},
		now:    time.Now,
	}, nil
}

func (s *FileStore) pathFor(id string) string {
	return filepath.Join(s.Dir, url.PathEscape(id)+documentFileSuffix)
}

func idFromPath(path string) (string, bool) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, documentFileSuffix) {
		return "", false
	}
	id, err := url.PathUnescape(strings.TrimSuffix(base, documentFileSuffix))
	if err != nil || id == "" {
		return "", false
	}
	return id, true
}

func (s *FileStore) read(id string) (Document, []byte, error) {
	data, err := os.ReadFile(s.pathFor(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Document{}, nil, ErrNotFound
		}
		return Document{}, nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, nil, fmt.Errorf("decode %s: %w", id, err)
	}
	if doc.ID == "" {
		doc.ID = id
	}
	return doc, data, nil
}

func (s *FileStore) write(doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	path := s.pathFor(doc.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	s.known[doc.ID] = data
	return nil
}

func (s *FileStore) GetDocument(_ context.Context, id string) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, _, err := s.read(id)
	return doc, err
}

func (s *FileStore) ListDocuments(_ context.Context) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, err
	}
	docs := make([]Document, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, ok := idFromPath(entry.Name())
		if !ok {
			continue
		}
		doc, _, err := s.read(id)
		if err != nil {
			s.Logger.Warn("skipping unreadable document file", "file", entry.Name(), "error", err)
			continue
		}
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func (s *FileStore) CreateDocument(_ context.Context, doc Document) (Document, error) {
	doc, err := prepareNew(doc, s.now())
	if err != nil {
		return Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.pathFor(doc.ID)); err == nil {
		return Document{}, ErrExists
	}
	if err := s.write(doc); err != nil {
		return Document{}, err
	}
	return cloneDocument(doc), nil
}

func (s *FileStore) WriteDocumentContent(_ context.Context, id string, content json.RawMessage, hash string) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, _, err := s.read(id)
	if err != nil {
		return Document{}, err
	}
	doc.Content = cloneRaw(content)
	doc.Hash = hash
	doc.Version++
	doc.UpdatedAt = s.now().UTC()
	if err := s.write(doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (s *FileStore) DeleteDocument(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.pathFor(id)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	delete(s.known, id)
	return nil
}

// Watch reports edits made to the directory by other writers until ctx is
// done. Changes produced by this store are filtered out.
func (s *FileStore) Watch(ctx context.Context, fn func(ExternalChange)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(s.Dir); err != nil {
		return err
	}
	s.seedKnown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.Logger.Warn("document watcher error", "dir", s.Dir, "error", err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if change, report := s.classifyEvent(ev); report {
				fn(change)
			}
		}
	}
}

func (s *FileStore) seedKnown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		id, ok := idFromPath(entry.Name())
		if !ok {
			continue
		}
		if _, seen := s.known[id]; seen {
			continue
		}
		if data, err := os.ReadFile(s.pathFor(id)); err == nil {
			s.known[id] = data
		}
	}
}

func (s *FileStore) classifyEvent(ev fsnotify.Event) (ExternalChange, bool) {
	id, ok := idFromPath(ev.Name)
	if !ok {
		return ExternalChange{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		if _, err := os.Stat(s.pathFor(id)); err == nil {
			return ExternalChange{}, false
		}
		if _, tracked := s.known[id]; !tracked {
			// our own delete already forgot it
			return ExternalChange{}, false
		}
		delete(s.known, id)
		return ExternalChange{DocumentID: id, Removed: true}, true
	}
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return ExternalChange{}, false
	}
	doc, data, err := s.read(id)
	if err != nil {
		// partial writes show up as decode errors; the next event retries
		s.Logger.Debug("ignoring unreadable document change", "documentId", id, "error", err)
		return ExternalChange{}, false
	}
	if bytes.Equal(s.known[id], data) {
		return ExternalChange{}, false
	}
	s.known[id] = data
	return ExternalChange{DocumentID: id, Document: doc}, true
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock == nil {
		return nil
	}
	err := unlockDir(s.lock)
	s.lock = nil
	return err
}
