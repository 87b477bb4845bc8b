package conflict

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

const (
	DefaultTimingWindow = 5 * time.Second
	defaultHistoryLimit = 100
)

var (
	positionFields  = []string{"position", "x", "y"}
	timestampFields = []string{"timestamp", "updatedAt", "createdAt"}
)

type Options struct {
	TimingWindow             time.Duration
	DisablePositionConflicts bool
	DetectDataConflicts      bool
	HistoryLimit             int
	Logger                   *log.Logger
	Now                      func() time.Time
}

// Engine keeps a rolling per-target history of recent operations and turns
// temporally overlapping ones into conflict cases. Detection is synchronous;
// resolution is a separate call.
type Engine struct {
	mu      sync.Mutex
	history map[string]map[string][]Operation
	cases   map[string]*Case

	detectedTotal  uint64
	resolvedTotal  uint64
	detectedByKind map[Kind]int

	listenerMu        sync.Mutex
	nextListener      int
	detectedListeners map[int]func(Case)
	resolvedListeners map[int]func(Case)

	window         time.Duration
	detectPosition bool
	detectData     bool
	historyLimit   int
	logger         *log.Logger
	now            func() time.Time
}

func NewEngine(opts Options) *Engine {
	window := opts.TimingWindow
	if window <= 0 {
		window = DefaultTimingWindow
	}
	historyLimit := opts.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		history:           map[string]map[string][]Operation{},
		cases:             map[string]*Case{},
		detectedByKind:    map[Kind]int{},
		detectedListeners: map[int]func(Case){},
		resolvedListeners: map[int]func(Case){},
		window:            window,
		detectPosition:    !opts.DisablePositionConflicts,
		detectData:        opts.DetectDataConflicts,
		historyLimit:      historyLimit,
		logger:            logger.With("component", "conflict"),
		now:               now,
	}
}

// Register records op and returns a new case when it overlaps a recent
// operation on the same target, or a dependent cross-target one. A nil case
// means no collision.
func (e *Engine) Register(op Operation) (*Case, error) {
	if strings.TrimSpace(op.ID) == "" || strings.TrimSpace(op.TargetID) == "" || op.TargetType == "" || op.Kind == "" {
		return nil, ErrInvalidOperation
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = e.now()
	}

	e.mu.Lock()
	targets, ok := e.history[op.DocumentID]
	if !ok {
		targets = map[string][]Operation{}
		e.history[op.DocumentID] = targets
	}
	key := op.TargetKey()

	colliding := make([]Operation, 0)
	for _, prior := range targets[key] {
		if prior.ID == op.ID {
			continue
		}
		if e.withinWindow(prior.Timestamp, op.Timestamp) {
			colliding = append(colliding, prior)
		}
	}
	targets[key] = e.appendHistory(targets[key], op)

	var kind Kind
	if len(colliding) > 0 {
		kind = e.classify(append([]Operation{op}, colliding...))
	} else {
		colliding = e.dependencyCollisions(targets, op)
		if len(colliding) == 0 {
			e.mu.Unlock()
			return nil, nil
		}
		kind = DependencyConflict
	}

	ops := append([]Operation{op}, colliding...)
	sortNewestFirst(ops)
	c := &Case{
		ID:         uuid.NewString(),
		Kind:       kind,
		DocumentID: op.DocumentID,
		Operations: ops,
		DetectedAt: e.now(),
	}
	e.cases[c.ID] = c
	e.detectedTotal++
	e.detectedByKind[kind]++
	snapshot := cloneCase(c)
	e.mu.Unlock()

	e.logger.Info("conflict detected", "caseId", snapshot.ID, "kind", snapshot.Kind, "documentId", snapshot.DocumentID,
		"target", key, "operations", len(snapshot.Operations))
	e.emit(e.snapshotListeners(e.detectedListeners), snapshot)
	return &snapshot, nil
}

// Resolve applies strategy to the case. Resolving an already resolved case
// returns the recorded resolution unchanged.
func (e *Engine) Resolve(caseID string, strategy Strategy, manual *ManualChoice) (Resolution, error) {
	fn, ok := strategies[strategy]
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %s", ErrUnknownStrategy, strategy)
	}

	e.mu.Lock()
	c, ok := e.cases[caseID]
	if !ok {
		e.mu.Unlock()
		return Resolution{}, ErrCaseNotFound
	}
	if c.Resolved && c.Resolution != nil {
		existing := cloneResolution(*c.Resolution)
		e.mu.Unlock()
		e.logger.Debug("conflict case already resolved", "caseId", caseID, "requestedStrategy", strategy)
		return existing, nil
	}
	out, err := fn(c.Operations, manual)
	if err != nil {
		e.mu.Unlock()
		return Resolution{}, err
	}
	rejected := make([]string, 0, len(c.Operations)-1)
	for _, op := range c.Operations {
		if op.ID != out.winner.ID {
			rejected = append(rejected, op.ID)
		}
	}
	res := Resolution{
		Strategy:             strategy,
		WinningOperationID:   out.winner.ID,
		RejectedOperationIDs: rejected,
		MergedPayload:        out.merged,
		Reason:               out.reason,
		ResolvedAt:           e.now(),
	}
	c.Resolved = true
	c.Resolution = &res
	e.resolvedTotal++
	snapshot := cloneCase(c)
	e.mu.Unlock()

	if out.tieBroken {
		e.logger.Warn("timestamp tie broken by operation id", "caseId", caseID, "strategy", strategy, "winner", res.WinningOperationID)
	}
	e.logger.Info("conflict resolved", "caseId", caseID, "strategy", strategy, "winner", res.WinningOperationID,
		"rejected", len(res.RejectedOperationIDs), "reason", res.Reason)
	e.emit(e.snapshotListeners(e.resolvedListeners), snapshot)
	return cloneResolution(res), nil
}

func (e *Engine) Case(caseID string) (Case, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.cases[caseID]
	if !ok {
		return Case{}, false
	}
	return cloneCase(c), true
}

// Cases lists cases oldest first.
func (e *Engine) Cases(unresolvedOnly bool) []Case {
	e.mu.Lock()
	result := make([]Case, 0, len(e.cases))
	for _, c := range e.cases {
		if unresolvedOnly && c.Resolved {
			continue
		}
		result = append(result, cloneCase(c))
	}
	e.mu.Unlock()
	sort.Slice(result, func(i, j int) bool {
		if result[i].DetectedAt.Equal(result[j].DetectedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].DetectedAt.Before(result[j].DetectedAt)
	})
	return result
}

// CleanupResolved purges resolved cases whose resolution is older than
// olderThan and drops history entries that can no longer collide.
func (e *Engine) CleanupResolved(olderThan time.Duration) int {
	now := e.now()
	cutoff := now.Add(-olderThan)
	historyCutoff := now.Add(-2 * e.window)

	e.mu.Lock()
	removed := 0
	for id, c := range e.cases {
		if c.Resolved && c.Resolution != nil && c.Resolution.ResolvedAt.Before(cutoff) {
			delete(e.cases, id)
			removed++
		}
	}
	for docID, targets := range e.history {
		for key, ops := range targets {
			kept := ops[:0]
			for _, op := range ops {
				if !op.Timestamp.Before(historyCutoff) {
					kept = append(kept, op)
				}
			}
			if len(kept) == 0 {
				delete(targets, key)
				continue
			}
			targets[key] = kept
		}
		if len(targets) == 0 {
			delete(e.history, docID)
		}
	}
	e.mu.Unlock()

	if removed > 0 {
		e.logger.Debug("purged resolved conflict cases", "count", removed)
	}
	return removed
}

// RunCleanup calls CleanupResolved every interval until ctx is done.
func (e *Engine) RunCleanup(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.CleanupResolved(retention)
		}
	}
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	stats := Stats{
		Cases:          len(e.cases),
		DetectedTotal:  e.detectedTotal,
		ResolvedTotal:  e.resolvedTotal,
		DetectedByKind: map[Kind]int{},
	}
	for kind, n := range e.detectedByKind {
		stats.DetectedByKind[kind] = n
	}
	for _, targets := range e.history {
		stats.TrackedTargets += len(targets)
		for _, ops := range targets {
			stats.HistoryOperations += len(ops)
		}
	}
	for _, c := range e.cases {
		if !c.Resolved {
			stats.Unresolved++
		}
	}
	return stats
}

// OnDetected registers a listener for new cases. It returns a function that
// removes the listener.
func (e *Engine) OnDetected(fn func(Case)) func() {
	return e.addListener(e.detectedListeners, fn)
}

func (e *Engine) OnResolved(fn func(Case)) func() {
	return e.addListener(e.resolvedListeners, fn)
}

func (e *Engine) addListener(set map[int]func(Case), fn func(Case)) func() {
	if fn == nil {
		return func() {}
	}
	e.listenerMu.Lock()
	id := e.nextListener
	e.nextListener++
	set[id] = fn
	e.listenerMu.Unlock()
	return func() {
		e.listenerMu.Lock()
		delete(set, id)
		e.listenerMu.Unlock()
	}
}

func (e *Engine) snapshotListeners(set map[int]func(Case)) []func(Case) {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	fns := make([]func(Case), 0, len(set))
	for _, fn := range set {
		fns = append(fns, fn)
	}
	return fns
}

func (e *Engine) emit(fns []func(Case), c Case) {
	for _, fn := range fns {
		fn(c)
	}
}

func (e *Engine) withinWindow(a, b time.Time) bool {
	delta := a.Sub(b)
	if delta < 0 {
		delta = -delta
	}
	return delta <= e.window
}

func (e *Engine) appendHistory(ops []Operation, op Operation) []Operation {
	cutoff := op.Timestamp.Add(-2 * e.window)
	kept := ops[:0]
	for _, prior := range ops {
		if !prior.Timestamp.Before(cutoff) {
			kept = append(kept, prior)
		}
	}
	kept = append(kept, op)
	if len(kept) > e.historyLimit {
		kept = append([]Operation(nil), kept[len(kept)-e.historyLimit:]...)
	}
	return kept
}

// dependencyCollisions finds the one cross-target case: a node delete racing
// an edge create that references the node, in either order.
func (e *Engine) dependencyCollisions(targets map[string][]Operation, op Operation) []Operation {
	var found []Operation
	switch {
	case op.Kind == KindDelete && op.TargetType == TargetNode:
		for key, ops := range targets {
			if !strings.HasPrefix(key, string(TargetEdge)+":") {
				continue
			}
			for _, prior := range ops {
				if prior.Kind != KindCreate || !e.withinWindow(prior.Timestamp, op.Timestamp) {
					continue
				}
				source, target := edgeEndpoints(prior.Payload)
				if source == op.TargetID || target == op.TargetID {
					found = append(found, prior)
				}
			}
		}
	case op.Kind == KindCreate && op.TargetType == TargetEdge:
		source, target := edgeEndpoints(op.Payload)
		seen := map[string]bool{}
		for _, nodeID := range []string{source, target} {
			if nodeID == "" || seen[nodeID] {
				continue
			}
			seen[nodeID] = true
			for _, prior := range targets[string(TargetNode)+":"+nodeID] {
				if prior.Kind == KindDelete && e.withinWindow(prior.Timestamp, op.Timestamp) {
					found = append(found, prior)
				}
			}
		}
	}
	return found
}

func (e *Engine) classify(ops []Operation) Kind {
	for _, op := range ops {
		if op.Kind == KindDelete {
			return ConcurrentDelete
		}
	}
	if e.detectPosition && positionsDiffer(ops) {
		return PositionConflict
	}
	if e.detectData && dataDiffers(ops) {
		return DataConflict
	}
	return SimultaneousEdit
}

func positionsDiffer(ops []Operation) bool {
	var first map[string]any
	for _, op := range ops {
		pos := positionOf(op.Payload)
		if pos == nil {
			continue
		}
		if first == nil {
			first = pos
			continue
		}
		if !reflect.DeepEqual(first, pos) {
			return true
		}
	}
	return false
}

func positionOf(payload map[string]any) map[string]any {
	pos := map[string]any{}
	for _, field := range positionFields {
		if v, ok := payload[field]; ok {
			pos[field] = v
		}
	}
	if len(pos) == 0 {
		return nil
	}
	return pos
}

func dataDiffers(ops []Operation) bool {
	base := stripFields(ops[0].Payload)
	for _, op := range ops[1:] {
		if !reflect.DeepEqual(base, stripFields(op.Payload)) {
			return true
		}
	}
	return false
}

func stripFields(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	for _, field := range positionFields {
		delete(out, field)
	}
	for _, field := range timestampFields {
		delete(out, field)
	}
	return out
}

func edgeEndpoints(payload map[string]any) (string, string) {
	source, _ := payload["source"].(string)
	target, _ := payload["target"].(string)
	return source, target
}

func sortNewestFirst(ops []Operation) {
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].Timestamp.Equal(ops[j].Timestamp) {
			return ops[i].ID > ops[j].ID
		}
		return ops[i].Timestamp.After(ops[j].Timestamp)
	})
}

func cloneCase(c *Case) Case {
	out := *c
	out.Operations = append([]Operation(nil), c.Operations...)
	if c.Resolution != nil {
		res := cloneResolution(*c.Resolution)
		out.Resolution = &res
	}
	return out
}

func cloneResolution(r Resolution) Resolution {
	r.RejectedOperationIDs = append([]string(nil), r.RejectedOperationIDs...)
	return r
}
