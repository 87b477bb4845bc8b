package delivery

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

var (
	ErrStopped      = errors.New("delivery queue stopped")
	ErrNotFound     = errors.New("item not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrNoHandler    = errors.New("no handler registered")
	ErrTimeout      = errors.New("processing timeout")
)

const (
	defaultMaxConcurrency     = 4
	defaultProcessingTimeout  = 30 * time.Second
	defaultBaseRetryDelay     = time.Second
	defaultMaxRetryDelay      = 5 * time.Minute
	defaultMaxRetries         = 3
	defaultDeadLetterCapacity = 1000
	defaultPollInterval       = 10 * time.Millisecond
)

// Item is a unit of work awaiting delivery. Handlers receive a copy.
type Item struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"`
	Payload    any           `json:"payload"`
	Priority   int           `json:"priority"`
	EnqueuedAt time.Time     `json:"enqueuedAt"`
	RetryCount int           `json:"retryCount"`
	MaxRetries int           `json:"maxRetries"`
	Delay      time.Duration `json:"delay,omitempty"`
	LastError  string        `json:"lastError,omitempty"`

	seq     uint64
	readyAt time.Time
}

type Handler func(ctx context.Context, item Item) error

type EnqueueOptions struct {
	Priority   int
	MaxRetries int
	Delay      time.Duration
}

type Options struct {
	MaxConcurrency     int
	ProcessingTimeout  time.Duration
	BaseRetryDelay     time.Duration
	MaxRetryDelay      time.Duration
	DefaultMaxRetries  int
	DeadLetterCapacity int
	PollInterval       time.Duration
	Logger             *log.Logger
	Now                func() time.Time
}

type Stats struct {
	Pending            int      `json:"pending"`
	Delayed            int      `json:"delayed"`
	InFlight           int      `json:"inFlight"`
	DeadLettered       int      `json:"deadLettered"`
	DeadLetterCapacity int      `json:"deadLetterCapacity"`
	MaxConcurrency     int      `json:"maxConcurrency"`
	ProcessedTotal     uint64   `json:"processedTotal"`
	FailedTotal        uint64   `json:"failedTotal"`
	RetriedTotal       uint64   `json:"retriedTotal"`
	DeadLetteredTotal  uint64   `json:"deadLetteredTotal"`
	EvictedTotal       uint64   `json:"evictedTotal"`
	Handlers           []string `json:"handlers"`
	Stopped            bool     `json:"stopped"`
}

type EventKind string

const (
	EventItemCompleted     EventKind = "item-completed"
	EventItemRetried       EventKind = "item-retried"
	EventItemDeadLettered  EventKind = "item-dead-lettered"
	EventDeadLetterEvicted EventKind = "dead-letter-evicted"
)

type Event struct {
	Kind EventKind
	Item Item
	Err  error
}

// Queue is an in-memory priority queue with per-item retry, exponential
// backoff and a bounded dead-letter set. A background loop dispatches ready
// items to registered handlers, never exceeding MaxConcurrency in flight.
type Queue struct {
	mu           sync.Mutex
	handlers     map[string]Handler
	pending      pendingHeap
	delayed      []*Item
	inFlight     map[string]*Item
	deadLetters  []Item
	seq          uint64
	listeners    map[int]func(Event)
	nextListener int
	stopping     bool

	processedTotal    uint64
	failedTotal       uint64
	retriedTotal      uint64
	deadLetteredTotal uint64
	evictedTotal      uint64

	maxConcurrency     int
	processingTimeout  time.Duration
	baseRetryDelay     time.Duration
	maxRetryDelay      time.Duration
	defaultMaxRetries  int
	deadLetterCapacity int
	pollInterval       time.Duration
	logger             *log.Logger
	now                func() time.Time

	signal   chan struct{}
	stopCh   chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(opts Options) *Queue {
	maxConcurrency := opts.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}
	processingTimeout := opts.ProcessingTimeout
	if processingTimeout <= 0 {
		processingTimeout = defaultProcessingTimeout
	}
	baseRetryDelay := opts.BaseRetryDelay
	if baseRetryDelay <= 0 {
		baseRetryDelay = defaultBaseRetryDelay
	}
	maxRetryDelay := opts.MaxRetryDelay
	if maxRetryDelay <= 0 {
		maxRetryDelay = defaultMaxRetryDelay
	}
	maxRetries := opts.DefaultMaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	deadLetterCapacity := opts.DeadLetterCapacity
	if deadLetterCapacity <= 0 {
		deadLetterCapacity = defaultDeadLetterCapacity
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	q := &Queue{
		handlers:           map[string]Handler{},
		inFlight:           map[string]*Item{},
		listeners:          map[int]func(Event){},
		maxConcurrency:     maxConcurrency,
		processingTimeout:  processingTimeout,
		baseRetryDelay:     baseRetryDelay,
		maxRetryDelay:      maxRetryDelay,
		defaultMaxRetries:  maxRetries,
		deadLetterCapacity: deadLetterCapacity,
		pollInterval:       pollInterval,
		logger:             logger.With("component", "delivery"),
		now:                now,
		signal:             make(chan struct{}, 1),
		stopCh:             make(chan struct{}),
		loopDone:           make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) RegisterHandler(itemType string, handler Handler) {
	itemType = strings.TrimSpace(itemType)
	if itemType == "" || handler == nil {
		return
	}
	q.mu.Lock()
	q.handlers[itemType] = handler
	q.mu.Unlock()
	q.wake()
}

func (q *Queue) Enqueue(itemType string, payload any, opts EnqueueOptions) (string, error) {
	itemType = strings.TrimSpace(itemType)
	if itemType == "" {
		return "", ErrInvalidInput
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.defaultMaxRetries
	}
	now := q.now()
	item := &Item{
		ID:         uuid.NewString(),
		Type:       itemType,
		Payload:    payload,
		Priority:   opts.Priority,
		EnqueuedAt: now,
		MaxRetries: maxRetries,
	}

	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		return "", ErrStopped
	}
	if opts.Delay > 0 {
		item.Delay = opts.Delay
		item.readyAt = now.Add(opts.Delay)
		q.delayed = append(q.delayed, item)
	} else {
		q.pushPendingLocked(item)
	}
	q.mu.Unlock()
	q.wake()
	return item.ID, nil
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	handlers := make([]string, 0, len(q.handlers))
	for itemType := range q.handlers {
		handlers = append(handlers, itemType)
	}
	sort.Strings(handlers)
	return Stats{
		Pending:            q.pending.Len(),
		Delayed:            len(q.delayed),
		InFlight:           len(q.inFlight),
		DeadLettered:       len(q.deadLetters),
		DeadLetterCapacity: q.deadLetterCapacity,
		MaxConcurrency:     q.maxConcurrency,
		ProcessedTotal:     q.processedTotal,
		FailedTotal:        q.failedTotal,
		RetriedTotal:       q.retriedTotal,
		DeadLetteredTotal:  q.deadLetteredTotal,
		EvictedTotal:       q.evictedTotal,
		Handlers:           handlers,
		Stopped:            q.stopping,
	}
}

// DeadLetters returns the dead-letter set, oldest first.
func (q *Queue) DeadLetters() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Item(nil), q.deadLetters...)
}

// RetryDeadLetter moves a dead-lettered item back to pending with its retry
// count reset.
func (q *Queue) RetryDeadLetter(id string) error {
	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		return ErrStopped
	}
	idx := -1
	for i := range q.deadLetters {
		if q.deadLetters[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return ErrNotFound
	}
	item := q.deadLetters[idx]
	q.deadLetters = append(q.deadLetters[:idx], q.deadLetters[idx+1:]...)
	item.RetryCount = 0
	item.LastError = ""
	item.Delay = 0
	item.readyAt = time.Time{}
	q.pushPendingLocked(&item)
	q.mu.Unlock()
	q.logger.Info("dead-letter item re-admitted", "itemId", id, "type", item.Type)
	q.wake()
	return nil
}

func (q *Queue) ClearDeadLetters() int {
	q.mu.Lock()
	cleared := len(q.deadLetters)
	q.deadLetters = nil
	q.mu.Unlock()
	if cleared > 0 {
		q.logger.Info("dead-letter set cleared", "count", cleared)
	}
	return cleared
}

// OnEvent registers a lifecycle listener. Listeners run synchronously on the
// goroutine that completed the item and must not block.
func (q *Queue) OnEvent(fn func(Event)) func() {
	if fn == nil {
		return func() {}
	}
	q.mu.Lock()
	id := q.nextListener
	q.nextListener++
	q.listeners[id] = fn
	q.mu.Unlock()
	return func() {
		q.mu.Lock()
		delete(q.listeners, id)
		q.mu.Unlock()
	}
}

// Stop stops the dispatch loop and waits for in-flight items to finish.
// Pending and delayed items are abandoned; their count is logged.
func (q *Queue) Stop(ctx context.Context) error {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopping = true
		pending, delayed := q.pending.Len(), len(q.delayed)
		q.mu.Unlock()
		close(q.stopCh)
		if pending+delayed > 0 {
			q.logger.Warn("queue stopped with undelivered items", "pending", pending, "delayed", delayed)
		}
	})
	done := make(chan struct{})
	go func() {
		<-q.loopDone
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) run() {
	defer close(q.loopDone)
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		q.dispatchReady()
		select {
		case <-q.stopCh:
			return
		case <-q.signal:
		case <-ticker.C:
		}
	}
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Queue) dispatchReady() {
	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		return
	}
	q.promoteDueLocked(q.now())
	batch := make([]*Item, 0)
	for len(q.inFlight) < q.maxConcurrency && q.pending.Len() > 0 {
		item := heap.Pop(&q.pending).(*Item)
		q.inFlight[item.ID] = item
		batch = append(batch, item)
	}
	q.wg.Add(len(batch))
	q.mu.Unlock()
	for _, item := range batch {
		go q.process(item)
	}
}

func (q *Queue) process(item *Item) {
	defer q.wg.Done()
	q.mu.Lock()
	handler := q.handlers[item.Type]
	snapshot := *item
	q.mu.Unlock()

	err := q.invoke(handler, snapshot)
	q.complete(item, err)
}

func (q *Queue) invoke(handler Handler, item Item) error {
	if handler == nil {
		return fmt.Errorf("%w: %s", ErrNoHandler, item.Type)
	}
	ctx, cancel := context.WithTimeout(context.Background(), q.processingTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- handler(ctx, item)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w after %s", ErrTimeout, q.processingTimeout)
	}
}

func (q *Queue) complete(item *Item, procErr error) {
	events := make([]Event, 0, 2)
	q.mu.Lock()
	delete(q.inFlight, item.ID)
	if procErr == nil {
		q.processedTotal++
		events = append(events, Event{Kind: EventItemCompleted, Item: *item})
	} else {
		q.failedTotal++
		item.RetryCount++
		item.LastError = procErr.Error()
		if item.RetryCount >= item.MaxRetries {
			q.deadLetteredTotal++
			if evicted, ok := q.deadLetterLocked(*item); ok {
				events = append(events, Event{Kind: EventDeadLetterEvicted, Item: evicted})
			}
			events = append(events, Event{Kind: EventItemDeadLettered, Item: *item, Err: procErr})
		} else {
			backoff := q.retryDelay(item.RetryCount)
			item.Delay = backoff
			item.readyAt = q.now().Add(backoff)
			q.delayed = append(q.delayed, item)
			q.retriedTotal++
			events = append(events, Event{Kind: EventItemRetried, Item: *item, Err: procErr})
		}
	}
	listeners := make([]func(Event), 0, len(q.listeners))
	for _, fn := range q.listeners {
		listeners = append(listeners, fn)
	}
	q.mu.Unlock()
	q.wake()

	for _, ev := range events {
		switch ev.Kind {
		case EventItemRetried:
			q.logger.Warn("delivery failed, retry scheduled", "itemId", ev.Item.ID, "type", ev.Item.Type,
				"retryCount", ev.Item.RetryCount, "maxRetries", ev.Item.MaxRetries, "backoff", ev.Item.Delay, "error", ev.Err)
		case EventItemDeadLettered:
			q.logger.Error("delivery retries exhausted, item dead-lettered", "itemId", ev.Item.ID, "type", ev.Item.Type,
				"retryCount", ev.Item.RetryCount, "error", ev.Err)
		case EventDeadLetterEvicted:
			q.logger.Warn("dead-letter set full, evicted oldest entry", "itemId", ev.Item.ID, "type", ev.Item.Type)
		}
		for _, fn := range listeners {
			fn(ev)
		}
	}
}

// retryDelay returns base * 2^(retryCount-1), capped at maxRetryDelay.
func (q *Queue) retryDelay(retryCount int) time.Duration {
	delay := q.baseRetryDelay
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= q.maxRetryDelay {
			return q.maxRetryDelay
		}
	}
	if delay > q.maxRetryDelay {
		return q.maxRetryDelay
	}
	return delay
}

func (q *Queue) deadLetterLocked(item Item) (Item, bool) {
	var evicted Item
	didEvict := false
	if len(q.deadLetters) >= q.deadLetterCapacity {
		evicted = q.deadLetters[0]
		copy(q.deadLetters, q.deadLetters[1:])
		q.deadLetters = q.deadLetters[:len(q.deadLetters)-1]
		q.evictedTotal++
		didEvict = true
	}
	item.Delay = 0
	item.readyAt = time.Time{}
	q.deadLetters = append(q.deadLetters, item)
	return evicted, didEvict
}

func (q *Queue) promoteDueLocked(now time.Time) {
	if len(q.delayed) == 0 {
		return
	}
	kept := q.delayed[:0]
	for _, item := range q.delayed {
		if item.readyAt.After(now) {
			kept = append(kept, item)
			continue
		}
		item.Delay = 0
		item.readyAt = time.Time{}
		q.pushPendingLocked(item)
	}
	for i := len(kept); i < len(q.delayed); i++ {
		q.delayed[i] = nil
	}
	q.delayed = kept
}

func (q *Queue) pushPendingLocked(item *Item) {
	q.seq++
	item.seq = q.seq
	heap.Push(&q.pending, item)
}

// pendingHeap orders by descending priority, then insertion order.
type pendingHeap []*Item

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pendingHeap) Push(x any) { *h = append(*h, x.(*Item)) }

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
