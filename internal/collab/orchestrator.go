package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaycollab/internal/audit"
	"github.com/agentworkforce/relaycollab/internal/conflict"
	"github.com/agentworkforce/relaycollab/internal/docstore"
	"github.com/agentworkforce/relaycollab/internal/hub"
	"github.com/agentworkforce/relaycollab/internal/wire"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// Broadcaster fans document changes out to subscribers.
type Broadcaster interface {
	Broadcast(documentID string, changes []wire.Change, source wire.SourceClass) int
}

type Options struct {
	Store       docstore.Store
	Engine      *conflict.Engine
	Broadcaster Broadcaster
	Recorder    audit.Recorder
	// AutoStrategy resolves detected cases inline. StrategyManual leaves them
	// open and lets the operation proceed.
	AutoStrategy conflict.Strategy
	Priorities   map[conflict.OperationKind]int
	Logger       *log.Logger
	Now          func() time.Time
}

type Request struct {
	Action        string
	DocumentID    string
	Payload       map[string]any
	ActorID       string
	ActorClass    conflict.ActorClass
	CorrelationID string
	// Timestamp defaults to the time Handle is called.
	Timestamp time.Time
}

type Result struct {
	DocumentID  string `json:"documentId"`
	OperationID string `json:"operationId,omitempty"`
	Version     int64  `json:"version,omitempty"`
	Data        any    `json:"data,omitempty"`
	// set when the operation collided but won
	ConflictCaseID string `json:"conflictCaseId,omitempty"`
	Merged         bool   `json:"merged,omitempty"`
}

// Orchestrator turns operation requests into document mutations: conflict
// registration and resolution first, then a serialized read-modify-write
// against the store, then audit and broadcast.
type Orchestrator struct {
	store        docstore.Store
	engine       *conflict.Engine
	broadcaster  Broadcaster
	recorder     audit.Recorder
	autoStrategy conflict.Strategy
	priorities   map[conflict.OperationKind]int
	logger       *log.Logger
	now          func() time.Time
	docLocks     keyedMutex
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: document store is required", ErrInvalidRequest)
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Engine == nil {
		opts.Engine = conflict.NewEngine(conflict.Options{Logger: opts.Logger})
	}
	if opts.AutoStrategy == "" {
		opts.AutoStrategy = conflict.StrategyLastWriteWins
	}
	if _, err := conflict.ParseStrategy(string(opts.AutoStrategy)); err != nil {
		return nil, err
	}
	priorities := map[conflict.OperationKind]int{}
	for kind, p := range DefaultPriorities {
		priorities[kind] = p
	}
	for kind, p := range opts.Priorities {
		if p > 0 {
			priorities[kind] = p
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		store:        opts.Store,
		engine:       opts.Engine,
		broadcaster:  opts.Broadcaster,
		recorder:     opts.Recorder,
		autoStrategy: opts.AutoStrategy,
		priorities:   priorities,
		logger:       opts.Logger.With("component", "orchestrator"),
		now:          opts.Now,
		docLocks:     keyedMutex{locks: map[string]*refMutex{}},
	}, nil
}

func (o *Orchestrator) Engine() *conflict.Engine {
	return o.engine
}

// SetBroadcaster installs the broadcaster after construction, for wiring
// where the hub and the orchestrator reference each other.
func (o *Orchestrator) SetBroadcaster(b Broadcaster) {
	o.broadcaster = b
}

func (o *Orchestrator) Handle(ctx context.Context, req Request) (Result, error) {
	start := o.now()
	result, changes, err := o.handle(ctx, req)
	duration := o.now().Sub(start)

	entry := audit.Entry{
		ActorID:    req.ActorID,
		DocumentID: result.DocumentID,
		Action:     req.Action,
		Success:    err == nil,
		DurationMs: duration.Milliseconds(),
		RecordedAt: o.now().UTC(),
	}
	if entry.DocumentID == "" {
		entry.DocumentID = req.DocumentID
	}
	if req.Payload != nil {
		// recorders may run after the caller has reused its payload map
		entry.Input = copyFields(req.Payload)
	}
	if err != nil {
		entry.Error = ErrorCode(err) + ": " + err.Error()
		o.logger.Warn("operation failed", "action", req.Action, "documentId", entry.DocumentID,
			"actorId", req.ActorID, "code", ErrorCode(err), "error", err)
	} else {
		entry.Output = result.Data
		o.logger.Debug("operation applied", "action", req.Action, "documentId", result.DocumentID,
			"actorId", req.ActorID, "operationId", result.OperationID, "duration", duration)
	}
	o.record(ctx, entry)

	if err == nil && len(changes) > 0 && o.broadcaster != nil {
		o.broadcaster.Broadcast(result.DocumentID, changes, sourceClass(req.ActorClass))
	}
	return result, err
}

func (o *Orchestrator) handle(ctx context.Context, req Request) (Result, []wire.Change, error) {
	spec, err := parseAction(req.Action)
	if err != nil {
		return Result{}, nil, err
	}
	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	documentID := strings.TrimSpace(req.DocumentID)
	if spec.readOnly {
		return o.getDocument(ctx, documentID)
	}
	if documentID == "" {
		if spec.name != ActionCreateDocument {
			return Result{}, nil, fmt.Errorf("%w: documentId is required", ErrInvalidRequest)
		}
		documentID, _ = payload["id"].(string)
		if documentID == "" {
			documentID = uuid.NewString()
		}
	}

	op, payload, err := o.buildOperation(req, spec, documentID, payload)
	if err != nil {
		return Result{DocumentID: documentID}, nil, err
	}
	result := Result{DocumentID: documentID, OperationID: op.ID}

	c, err := o.engine.Register(op)
	if err != nil {
		return result, nil, err
	}
	if c != nil {
		result.ConflictCaseID = c.ID
		merged, err := o.resolveInline(*c, op)
		if err != nil {
			return result, nil, err
		}
		if merged != nil {
			payload = merged
			result.Merged = true
		}
	}

	unlock := o.docLocks.Lock(documentID)
	defer unlock()

	data, version, changes, err := o.apply(ctx, spec, op, payload)
	if err != nil {
		return result, nil, err
	}
	result.Data = data
	result.Version = version
	return result, changes, nil
}

// resolveInline resolves a freshly detected case with the automatic
// strategy. It returns a merged payload to apply in place of the request's
// own, or a ConflictError when the request lost.
func (o *Orchestrator) resolveInline(c conflict.Case, op conflict.Operation) (map[string]any, error) {
	if o.autoStrategy == conflict.StrategyManual {
		o.logger.Info("conflict left for manual resolution", "caseId", c.ID, "kind", c.Kind, "operationId", op.ID)
		return nil, nil
	}
	res, err := o.engine.Resolve(c.ID, o.autoStrategy, nil)
	if err != nil {
		return nil, err
	}
	if res.MergedPayload != nil {
		return res.MergedPayload, nil
	}
	if res.Rejects(op.ID) {
		return nil, &ConflictError{OperationID: op.ID, Case: c, Resolution: res}
	}
	return nil, nil
}

func (o *Orchestrator) buildOperation(req Request, spec actionSpec, documentID string, payload map[string]any) (conflict.Operation, map[string]any, error) {
	payload = copyFields(payload)
	targetID := documentID
	switch spec.target {
	case conflict.TargetNode, conflict.TargetEdge:
		id, _ := payload["id"].(string)
		id = strings.TrimSpace(id)
		if id == "" {
			if spec.kind != conflict.KindCreate {
				return conflict.Operation{}, nil, fmt.Errorf("%w: payload id is required for %s", ErrInvalidRequest, spec.name)
			}
			id = uuid.NewString()
		}
		payload["id"] = id
		targetID = id
	}
	actorClass := req.ActorClass
	if actorClass == "" {
		actorClass = conflict.ActorUser
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = o.now()
	}
	opID := uuid.NewString()
	if v7, err := uuid.NewV7(); err == nil {
		opID = v7.String()
	}
	return conflict.Operation{
		ID:         opID,
		Kind:       spec.kind,
		TargetType: spec.target,
		TargetID:   targetID,
		DocumentID: documentID,
		Payload:    payload,
		ActorID:    req.ActorID,
		ActorClass: actorClass,
		Timestamp:  ts,
		Priority:   o.priorities[spec.kind],
	}, payload, nil
}

func (o *Orchestrator) getDocument(ctx context.Context, documentID string) (Result, []wire.Change, error) {
	if documentID == "" {
		return Result{}, nil, fmt.Errorf("%w: documentId is required", ErrInvalidRequest)
	}
	doc, err := o.store.GetDocument(ctx, documentID)
	if err != nil {
		return Result{DocumentID: documentID}, nil, storeError(err, "document "+documentID)
	}
	return Result{DocumentID: documentID, Version: doc.Version, Data: doc}, nil, nil
}

func (o *Orchestrator) apply(ctx context.Context, spec actionSpec, op conflict.Operation, payload map[string]any) (any, int64, []wire.Change, error) {
	change := wire.Change{
		Kind:       "operation",
		Action:     spec.name,
		TargetType: string(op.TargetType),
		TargetID:   op.TargetID,
	}
	switch spec.target {
	case conflict.TargetDocument:
		return o.applyDocument(ctx, spec, op, payload, change)
	default:
		return o.applyGraph(ctx, spec, op, payload, change)
	}
}

func (o *Orchestrator) applyDocument(ctx context.Context, spec actionSpec, op conflict.Operation, payload map[string]any, change wire.Change) (any, int64, []wire.Change, error) {
	switch spec.kind {
	case conflict.KindCreate:
		doc := docstore.Document{ID: op.DocumentID, Format: docstore.FormatGraph}
		if name, ok := payload["name"].(string); ok {
			doc.Name = name
		}
		if format, ok := payload["format"].(string); ok && format != "" {
			doc.Format = docstore.Format(format)
			if !doc.Format.Valid() {
				return nil, 0, nil, fmt.Errorf("%w: unknown format %q", ErrInvalidRequest, format)
			}
		}
		content, ok := payload["content"]
		if !ok {
			content = emptyContent(doc.Format)
		}
		raw, err := encodeContent(doc.Format, content)
		if err != nil {
			return nil, 0, nil, err
		}
		doc.Content = raw
		if doc.Hash, err = Fingerprint(raw); err != nil {
			return nil, 0, nil, fmt.Errorf("%w: fingerprint: %v", ErrPersistenceFailure, err)
		}
		created, err := o.store.CreateDocument(ctx, doc)
		if err != nil {
			return nil, 0, nil, storeError(err, "document "+op.DocumentID)
		}
		change.Data = map[string]any{"name": created.Name, "format": created.Format}
		return created, created.Version, []wire.Change{change}, nil
	case conflict.KindDelete:
		if err := o.store.DeleteDocument(ctx, op.DocumentID); err != nil {
			return nil, 0, nil, storeError(err, "document "+op.DocumentID)
		}
		return map[string]any{"deleted": op.DocumentID}, 0, []wire.Change{change}, nil
	default:
		content, ok := payload["content"]
		if !ok {
			return nil, 0, nil, fmt.Errorf("%w: update_document requires content", ErrInvalidRequest)
		}
		doc, err := o.store.GetDocument(ctx, op.DocumentID)
		if err != nil {
			return nil, 0, nil, storeError(err, "document "+op.DocumentID)
		}
		raw, err := encodeContent(doc.Format, content)
		if err != nil {
			return nil, 0, nil, err
		}
		written, err := o.write(ctx, op.DocumentID, raw)
		if err != nil {
			return nil, 0, nil, err
		}
		change.Data = map[string]any{"content": content}
		return written, written.Version, []wire.Change{change}, nil
	}
}

func (o *Orchestrator) applyGraph(ctx context.Context, spec actionSpec, op conflict.Operation, payload map[string]any, change wire.Change) (any, int64, []wire.Change, error) {
	doc, err := o.store.GetDocument(ctx, op.DocumentID)
	if err != nil {
		return nil, 0, nil, storeError(err, "document "+op.DocumentID)
	}
	if doc.Format != docstore.FormatGraph {
		return nil, 0, nil, fmt.Errorf("%w: %s on %s document %s", ErrUnsupportedForFormat, spec.name, doc.Format, doc.ID)
	}
	g, err := decodeGraph(doc.Content)
	if err != nil {
		return nil, 0, nil, err
	}

	var data any
	changes := []wire.Change{change}
	switch {
	case spec.target == conflict.TargetNode && spec.kind == conflict.KindCreate:
		data, err = g.addNode(payload)
	case spec.target == conflict.TargetNode && spec.kind == conflict.KindUpdate:
		data, err = g.updateNode(op.TargetID, payload)
	case spec.target == conflict.TargetNode && spec.kind == conflict.KindDelete:
		var removed []string
		removed, err = g.deleteNode(op.TargetID)
		data = map[string]any{"deleted": op.TargetID, "removedEdges": removed}
		for _, edgeID := range removed {
			changes = append(changes, wire.Change{
				Kind:       "cascade",
				Action:     ActionDeleteEdge,
				TargetType: string(conflict.TargetEdge),
				TargetID:   edgeID,
			})
		}
	case spec.target == conflict.TargetEdge && spec.kind == conflict.KindCreate:
		data, err = g.addEdge(payload)
	case spec.target == conflict.TargetEdge && spec.kind == conflict.KindUpdate:
		data, err = g.updateEdge(op.TargetID, payload)
	case spec.target == conflict.TargetEdge && spec.kind == conflict.KindDelete:
		err = g.deleteEdge(op.TargetID)
		data = map[string]any{"deleted": op.TargetID}
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownAction, spec.name)
	}
	if err != nil {
		return nil, 0, nil, err
	}
	if item, ok := data.(map[string]any); ok && spec.kind != conflict.KindDelete {
		changes[0].Data = item
	}

	raw, err := g.encode()
	if err != nil {
		return nil, 0, nil, fmt.Errorf("%w: encode graph: %v", ErrPersistenceFailure, err)
	}
	written, err := o.write(ctx, doc.ID, raw)
	if err != nil {
		return nil, 0, nil, err
	}
	return data, written.Version, changes, nil
}

func (o *Orchestrator) write(ctx context.Context, documentID string, raw json.RawMessage) (docstore.Document, error) {
	hash, err := Fingerprint(raw)
	if err != nil {
		return docstore.Document{}, fmt.Errorf("%w: fingerprint: %v", ErrPersistenceFailure, err)
	}
	written, err := o.store.WriteDocumentContent(ctx, documentID, raw, hash)
	if err != nil {
		return docstore.Document{}, storeError(err, "document "+documentID)
	}
	return written, nil
}

func emptyContent(format docstore.Format) any {
	if format == docstore.FormatText {
		return ""
	}
	return map[string]any{"nodes": []any{}, "edges": []any{}}
}

func encodeContent(format docstore.Format, content any) (json.RawMessage, error) {
	if format == docstore.FormatText {
		text, ok := content.(string)
		if !ok {
			return nil, fmt.Errorf("%w: text document content must be a string", ErrInvalidRequest)
		}
		return json.Marshal(text)
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	normalized, err := decodeGraph(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: graph content must be an object with nodes and edges", ErrInvalidRequest)
	}
	return normalized.encode()
}

func storeError(err error, target string) error {
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrTargetNotFound, target)
	case errors.Is(err, docstore.ErrExists):
		return fmt.Errorf("%w: %s already exists", ErrInvalidRequest, target)
	case errors.Is(err, docstore.ErrInvalidInput):
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
}

// record hands the entry to the audit recorder. Nothing it does, including
// panicking, reaches the caller.
func (o *Orchestrator) record(ctx context.Context, entry audit.Entry) {
	if o.recorder == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("audit recorder panicked", "action", entry.Action, "panic", r)
		}
	}()
	if err := o.recorder.RecordOperation(ctx, entry); err != nil {
		o.logger.Warn("audit record failed", "action", entry.Action, "error", err)
	}
}

// HandleRequest adapts Handle to the hub's request interface.
func (o *Orchestrator) HandleRequest(ctx context.Context, identity hub.Identity, req wire.OperationRequest) wire.OperationResult {
	actorID := req.ActorID
	if actorID == "" {
		actorID = identity.ID
	}
	res, err := o.Handle(ctx, Request{
		Action:        req.Action,
		DocumentID:    req.DocumentID,
		Payload:       req.Payload,
		ActorID:       actorID,
		ActorClass:    actorClassFor(identity.Role),
		CorrelationID: req.CorrelationID,
	})
	return ToWireResult(res, err, req.CorrelationID)
}

func ToWireResult(res Result, err error, correlationID string) wire.OperationResult {
	out := wire.OperationResult{DocumentID: res.DocumentID, CorrelationID: correlationID}
	if err != nil {
		out.Error = &wire.ErrorBody{Code: ErrorCode(err), Message: err.Error()}
		return out
	}
	out.Success = true
	out.Result = res
	return out
}

func actorClassFor(role hub.Role) conflict.ActorClass {
	if role == hub.RoleAgent {
		return conflict.ActorAgent
	}
	return conflict.ActorUser
}

func sourceClass(class conflict.ActorClass) wire.SourceClass {
	if class == conflict.ActorAgent {
		return wire.SourceAgent
	}
	return wire.SourceUser
}

type refMutex struct {
	sync.Mutex
	refs int
}

// keyedMutex serializes work per key and drops idle keys.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
