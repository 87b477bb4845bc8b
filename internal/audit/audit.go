package audit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaycollab/internal/delivery"
	"github.com/charmbracelet/log"
)

var ErrInvalidInput = errors.New("invalid input")

// Entry is one executed (or refused) operation.
type Entry struct {
	ActorID    string    `json:"actorId"`
	DocumentID string    `json:"documentId,omitempty"`
	Action     string    `json:"action"`
	Input      any       `json:"input,omitempty"`
	Output     any       `json:"output,omitempty"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"durationMs"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Recorder is the audit collaborator. Callers treat it as fire-and-forget;
// returned errors are diagnostics only.
type Recorder interface {
	RecordOperation(ctx context.Context, entry Entry) error
}

type LogRecorder struct {
	logger *log.Logger
}

func NewLogRecorder(logger *log.Logger) *LogRecorder {
	if logger == nil {
		logger = log.Default()
	}
	return &LogRecorder{logger: logger.With("component", "audit")}
}

func (r *LogRecorder) RecordOperation(_ context.Context, entry Entry) error {
	kv := []any{"actorId", entry.ActorID, "documentId", entry.DocumentID, "action", entry.Action,
		"success", entry.Success, "durationMs", entry.DurationMs}
	if entry.Error != "" {
		kv = append(kv, "error", entry.Error)
	}
	r.logger.Info("operation recorded", kv...)
	return nil
}

// MemoryRecorder keeps the most recent entries, oldest first.
type MemoryRecorder struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
}

func NewMemoryRecorder(capacity int) *MemoryRecorder {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryRecorder{capacity: capacity}
}

func (r *MemoryRecorder) RecordOperation(_ context.Context, entry Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	if over := len(r.entries) - r.capacity; over > 0 {
		r.entries = append([]Entry(nil), r.entries[over:]...)
	}
	return nil
}

func (r *MemoryRecorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

const queuedItemType = "audit"

// QueuedRecorder hands entries to a delivery queue so a slow or failing
// backend is retried off the caller's path and dead-lettered when it keeps
// failing.
type QueuedRecorder struct {
	queue    *delivery.Queue
	next     Recorder
	priority int
}

func NewQueuedRecorder(queue *delivery.Queue, next Recorder) *QueuedRecorder {
	r := &QueuedRecorder{queue: queue, next: next, priority: 1}
	queue.RegisterHandler(queuedItemType, r.deliver)
	return r
}

func (r *QueuedRecorder) RecordOperation(_ context.Context, entry Entry) error {
	if _, err := r.queue.Enqueue(queuedItemType, entry, delivery.EnqueueOptions{Priority: r.priority}); err != nil {
		return fmt.Errorf("enqueue audit entry: %w", err)
	}
	return nil
}

func (r *QueuedRecorder) deliver(ctx context.Context, item delivery.Item) error {
	entry, ok := item.Payload.(Entry)
	if !ok {
		return fmt.Errorf("%w: audit payload %T", ErrInvalidInput, item.Payload)
	}
	return r.next.RecordOperation(ctx, entry)
}

// BuildRecorderFromDSN selects the backend that ultimately stores entries:
// "log" (or empty), "memory", postgres:// or sqlite://.
func BuildRecorderFromDSN(dsn string, logger *log.Logger) (Recorder, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || dsn == "log" {
		return NewLogRecorder(logger), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "log":
		return NewLogRecorder(logger), nil
	case "memory", "mem", "inmem":
		return NewMemoryRecorder(0), nil
	case "postgres", "postgresql":
		return NewPostgresRecorder(dsn)
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(parsed.Path)
		if path == "" {
			path = strings.TrimSpace(parsed.Host)
		}
		if path == "" {
			return nil, ErrInvalidInput
		}
		if parsed.RawQuery != "" {
			path += "?" + parsed.RawQuery
		}
		return NewSQLiteRecorder(path)
	default:
		return nil, fmt.Errorf("unsupported audit backend scheme: %s", parsed.Scheme)
	}
}
