package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/relaycollab/internal/wire"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

const (
	DefaultHeartbeatTimeout  = 30 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	defaultSendBuffer        = 64
	defaultWriteTimeout      = 10 * time.Second
	defaultRequestTimeout    = 30 * time.Second
	defaultReadLimit         = 1 << 20
)

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrClosed             = errors.New("hub closed")
)

type Role string

const (
	RoleAgent Role = "agent"
	RoleUser  Role = "user"
)

type Identity struct {
	Role Role   `json:"role"`
	ID   string `json:"id"`
}

func (i Identity) SourceClass() wire.SourceClass {
	if i.Role == RoleAgent {
		return wire.SourceAgent
	}
	return wire.SourceUser
}

// IdentifyFunc classifies an upgrade request. Returning an error refuses the
// connection with 401, or with the error's StatusCode() when it has one.
type IdentifyFunc func(r *http.Request) (Identity, error)

// RequestHandler executes operation requests submitted by agent connections.
type RequestHandler interface {
	HandleRequest(ctx context.Context, identity Identity, req wire.OperationRequest) wire.OperationResult
}

type Options struct {
	HeartbeatTimeout  time.Duration
	HeartbeatInterval time.Duration
	SendBuffer        int
	WriteTimeout      time.Duration
	RequestTimeout    time.Duration
	ReadLimit         int64
	Identify          IdentifyFunc
	Handler           RequestHandler
	AcceptOptions     *websocket.AcceptOptions
	Logger            *log.Logger
	Now               func() time.Time
}

type ConnectionInfo struct {
	ID            string    `json:"id"`
	Role          Role      `json:"role"`
	Identity      string    `json:"identity"`
	Subscriptions []string  `json:"subscriptions"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

type Stats struct {
	Connections    int    `json:"connections"`
	Documents      int    `json:"documents"`
	BroadcastTotal uint64 `json:"broadcastTotal"`
	DeliveredTotal uint64 `json:"deliveredTotal"`
	DroppedTotal   uint64 `json:"droppedTotal"`
}

// Hub owns the live connections and the documentId → connection reverse
// index. Both are only mutated under mu.
type Hub struct {
	mu          sync.RWMutex
	conns       map[string]*conn
	subscribers map[string]map[string]struct{}

	// serializes fan-out so every connection observes broadcasts in
	// submission order
	broadcastMu sync.Mutex

	broadcastTotal uint64
	deliveredTotal uint64
	droppedTotal   uint64

	heartbeatTimeout  time.Duration
	heartbeatInterval time.Duration
	sendBuffer        int
	writeTimeout      time.Duration
	requestTimeout    time.Duration
	readLimit         int64
	identify          IdentifyFunc
	handler           RequestHandler
	acceptOptions     *websocket.AcceptOptions
	logger            *log.Logger
	now               func() time.Time

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type conn struct {
	id          string
	identity    Identity
	ws          *websocket.Conn
	send        chan []byte
	ctx         context.Context
	cancel      context.CancelFunc
	connectedAt time.Time

	// guarded by Hub.mu
	subscriptions map[string]struct{}
	lastHeartbeat time.Time
}

func New(opts Options) *Hub {
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.Identify == nil {
		opts.Identify = anonymousUser
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	h := &Hub{
		conns:             map[string]*conn{},
		subscribers:       map[string]map[string]struct{}{},
		heartbeatTimeout:  opts.HeartbeatTimeout,
		heartbeatInterval: opts.HeartbeatInterval,
		sendBuffer:        opts.SendBuffer,
		writeTimeout:      opts.WriteTimeout,
		requestTimeout:    opts.RequestTimeout,
		readLimit:         opts.ReadLimit,
		identify:          opts.Identify,
		handler:           opts.Handler,
		acceptOptions:     opts.AcceptOptions,
		logger:            opts.Logger.With("component", "hub"),
		now:               opts.Now,
		closed:            make(chan struct{}),
	}
	h.wg.Add(1)
	go h.heartbeatLoop()
	return h
}

func anonymousUser(*http.Request) (Identity, error) {
	return Identity{Role: RoleUser, ID: "anonymous"}, nil
}

// SetHandler installs the request handler. It must be called before the hub
// serves connections.
func (h *Hub) SetHandler(handler RequestHandler) {
	h.handler = handler
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.closed:
		http.Error(w, ErrClosed.Error(), http.StatusServiceUnavailable)
		return
	default:
	}
	identity, err := h.identify(r)
	if err != nil {
		status := http.StatusUnauthorized
		var coded interface{ StatusCode() int }
		if errors.As(err, &coded) {
			status = coded.StatusCode()
		}
		http.Error(w, err.Error(), status)
		return
	}
	ws, err := websocket.Accept(w, r, h.acceptOptions)
	if err != nil {
		h.logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(h.readLimit)

	ctx, cancel := context.WithCancel(context.Background())
	now := h.now()
	c := &conn{
		id:            uuid.NewString(),
		identity:      identity,
		ws:            ws,
		send:          make(chan []byte, h.sendBuffer),
		ctx:           ctx,
		cancel:        cancel,
		connectedAt:   now,
		subscriptions: map[string]struct{}{},
		lastHeartbeat: now,
	}
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	h.logger.Info("connection opened", "connectionId", c.id, "role", identity.Role, "identity", identity.ID)

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) readLoop(c *conn) {
	defer h.drop(c, websocket.StatusNormalClosure, "connection closed")
	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && c.ctx.Err() == nil {
				h.logger.Debug("connection read failed", "connectionId", c.id, "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			h.deliver(c, mustEncode(wire.ErrorMessage("", wire.CodeInvalidRequest, "binary frames are not supported")))
			continue
		}
		msg, err := wire.Parse(data)
		if err != nil {
			h.deliver(c, mustEncode(wire.ErrorMessage(wire.PeekCorrelationID(data), wire.CodeInvalidRequest, err.Error())))
			continue
		}
		h.handleMessage(c, msg)
	}
}

func (h *Hub) handleMessage(c *conn, msg wire.Message) {
	switch msg.Type {
	case wire.KindPing:
		h.touch(c)
		reply, _ := wire.New(wire.KindPong, msg.CorrelationID, wire.Pong{Timestamp: h.now().UTC()})
		h.deliver(c, mustEncode(reply))
	case wire.KindPong:
		h.touch(c)
	case wire.KindSubscribe, wire.KindUnsubscribe:
		var body wire.SubscriptionData
		if err := msg.Decode(&body); err != nil {
			h.deliver(c, mustEncode(wire.ErrorMessage(msg.CorrelationID, wire.CodeInvalidRequest, err.Error())))
			return
		}
		ack := wire.KindSubscribed
		var err error
		if msg.Type == wire.KindSubscribe {
			err = h.Subscribe(c.id, body.DocumentID)
		} else {
			ack = wire.KindUnsubscribed
			err = h.Unsubscribe(c.id, body.DocumentID)
		}
		if err != nil {
			h.deliver(c, mustEncode(wire.ErrorMessage(msg.CorrelationID, wire.CodeInternal, err.Error())))
			return
		}
		reply, _ := wire.New(ack, msg.CorrelationID, body)
		h.deliver(c, mustEncode(reply))
	case wire.KindOperationRequest:
		var req wire.OperationRequest
		if err := msg.Decode(&req); err != nil {
			h.deliver(c, mustEncode(wire.ErrorMessage(msg.CorrelationID, wire.CodeInvalidRequest, err.Error())))
			return
		}
		if req.CorrelationID == "" {
			req.CorrelationID = msg.CorrelationID
		}
		h.handleRequest(c, req)
	default:
		h.deliver(c, mustEncode(wire.ErrorMessage(msg.CorrelationID, wire.CodeInvalidRequest,
			"unsupported message type: "+string(msg.Type))))
	}
}

// handleRequest runs the request off the read loop so one slow mutation does
// not stall the connection's other traffic.
func (h *Hub) handleRequest(c *conn, req wire.OperationRequest) {
	if c.identity.Role != RoleAgent {
		h.logger.Warn("operation request rejected", "connectionId", c.id, "role", c.identity.Role, "action", req.Action)
		h.sendResult(c, wire.OperationResult{
			Success:       false,
			DocumentID:    req.DocumentID,
			Error:         &wire.ErrorBody{Code: wire.CodeUnauthorized, Message: "only agent connections may submit operations"},
			CorrelationID: req.CorrelationID,
		})
		return
	}
	if h.handler == nil {
		h.sendResult(c, wire.OperationResult{
			DocumentID:    req.DocumentID,
			Error:         &wire.ErrorBody{Code: wire.CodeInternal, Message: "no operation handler configured"},
			CorrelationID: req.CorrelationID,
		})
		return
	}
	if req.ActorID == "" {
		req.ActorID = c.identity.ID
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, h.requestTimeout)
		defer cancel()
		result := h.handler.HandleRequest(ctx, c.identity, req)
		result.CorrelationID = req.CorrelationID
		h.sendResult(c, result)
	}()
}

func (h *Hub) sendResult(c *conn, result wire.OperationResult) {
	msg, err := wire.New(wire.KindOperationResult, result.CorrelationID, result)
	if err != nil {
		h.logger.Error("encode operation result", "connectionId", c.id, "error", err)
		msg = wire.ErrorMessage(result.CorrelationID, wire.CodeInternal, "result could not be encoded")
	}
	h.deliver(c, mustEncode(msg))
}

func (h *Hub) writeLoop(c *conn) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, h.writeTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				h.logger.Debug("connection write failed", "connectionId", c.id, "error", err)
				h.drop(c, websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// deliver queues a frame without blocking. A connection whose buffer is full
// is disconnected.
func (h *Hub) deliver(c *conn, frame []byte) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		h.logger.Warn("send buffer full, disconnecting slow consumer", "connectionId", c.id)
		go h.drop(c, websocket.StatusPolicyViolation, "slow consumer")
		return false
	}
}

func (h *Hub) touch(c *conn) {
	h.mu.Lock()
	c.lastHeartbeat = h.now()
	h.mu.Unlock()
}

// Subscribe adds documentID to the connection's subscriptions. Subscribing
// twice is a no-op.
func (h *Hub) Subscribe(connectionID, documentID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connectionID]
	if !ok {
		return ErrConnectionNotFound
	}
	c.subscriptions[documentID] = struct{}{}
	set, ok := h.subscribers[documentID]
	if !ok {
		set = map[string]struct{}{}
		h.subscribers[documentID] = set
	}
	set[connectionID] = struct{}{}
	return nil
}

func (h *Hub) Unsubscribe(connectionID, documentID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connectionID]
	if !ok {
		return ErrConnectionNotFound
	}
	delete(c.subscriptions, documentID)
	h.removeSubscriberLocked(documentID, connectionID)
	return nil
}

func (h *Hub) removeSubscriberLocked(documentID, connectionID string) {
	set, ok := h.subscribers[documentID]
	if !ok {
		return
	}
	delete(set, connectionID)
	if len(set) == 0 {
		delete(h.subscribers, documentID)
	}
}

// Broadcast sends a document-updated message to every connection currently
// subscribed to documentID and returns how many connections it was queued
// for.
func (h *Hub) Broadcast(documentID string, changes []wire.Change, source wire.SourceClass) int {
	if changes == nil {
		changes = []wire.Change{}
	}
	msg, err := wire.New(wire.KindDocumentUpdated, "", wire.DocumentUpdate{
		DocumentID:  documentID,
		Changes:     changes,
		SourceClass: source,
		Timestamp:   h.now().UTC(),
	})
	if err != nil {
		h.logger.Error("encode document update", "documentId", documentID, "error", err)
		return 0
	}
	frame := mustEncode(msg)

	h.broadcastMu.Lock()
	defer h.broadcastMu.Unlock()

	h.mu.RLock()
	targets := make([]*conn, 0, len(h.subscribers[documentID]))
	for id := range h.subscribers[documentID] {
		if c, ok := h.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if h.deliver(c, frame) {
			delivered++
		}
	}
	h.mu.Lock()
	h.broadcastTotal++
	h.deliveredTotal += uint64(delivered)
	h.droppedTotal += uint64(len(targets) - delivered)
	h.mu.Unlock()
	h.logger.Debug("broadcast document update", "documentId", documentID, "source", source,
		"changes", len(changes), "subscribers", len(targets), "delivered", delivered)
	return delivered
}

// Disconnect forcibly closes a connection.
func (h *Hub) Disconnect(connectionID, reason string) bool {
	h.mu.RLock()
	c, ok := h.conns[connectionID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	h.drop(c, websocket.StatusPolicyViolation, reason)
	return true
}

// drop removes c from the connection table and the reverse index in one
// critical section, then closes the transport. Only the first call for a
// connection has any effect.
func (h *Hub) drop(c *conn, status websocket.StatusCode, reason string) {
	h.mu.Lock()
	if current, ok := h.conns[c.id]; !ok || current != c {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.id)
	for documentID := range c.subscriptions {
		h.removeSubscriberLocked(documentID, c.id)
	}
	subscriptions := len(c.subscriptions)
	c.subscriptions = map[string]struct{}{}
	h.mu.Unlock()

	go func() {
		_ = c.ws.Close(status, reason)
	}()
	c.cancel()
	h.logger.Info("connection closed", "connectionId", c.id, "role", c.identity.Role, "reason", reason,
		"subscriptions", subscriptions)
}

func (h *Hub) heartbeatLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.closed:
			return
		case <-ticker.C:
			h.expireStale()
		}
	}
}

func (h *Hub) expireStale() {
	cutoff := h.now().Add(-h.heartbeatTimeout)
	h.mu.RLock()
	stale := make([]*conn, 0)
	for _, c := range h.conns {
		if c.lastHeartbeat.Before(cutoff) {
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range stale {
		h.logger.Warn("heartbeat timeout", "connectionId", c.id, "timeout", h.heartbeatTimeout)
		h.drop(c, websocket.StatusPolicyViolation, "heartbeat timeout")
	}
}

func (h *Hub) Connections() []ConnectionInfo {
	h.mu.RLock()
	infos := make([]ConnectionInfo, 0, len(h.conns))
	for _, c := range h.conns {
		subs := make([]string, 0, len(c.subscriptions))
		for documentID := range c.subscriptions {
			subs = append(subs, documentID)
		}
		sort.Strings(subs)
		infos = append(infos, ConnectionInfo{
			ID:            c.id,
			Role:          c.identity.Role,
			Identity:      c.identity.ID,
			Subscriptions: subs,
			ConnectedAt:   c.connectedAt,
			LastHeartbeat: c.lastHeartbeat,
		})
	}
	h.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ConnectedAt.Equal(infos[j].ConnectedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

// Subscribers reports how many live connections are subscribed to
// documentID.
func (h *Hub) Subscribers(documentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[documentID])
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Connections:    len(h.conns),
		Documents:      len(h.subscribers),
		BroadcastTotal: h.broadcastTotal,
		DeliveredTotal: h.deliveredTotal,
		DroppedTotal:   h.droppedTotal,
	}
}

// Close stops the heartbeat loop, disconnects every connection and waits for
// in-flight requests to finish.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.closed)
		h.mu.RLock()
		all := make([]*conn, 0, len(h.conns))
		for _, c := range h.conns {
			all = append(all, c)
		}
		h.mu.RUnlock()
		for _, c := range all {
			h.drop(c, websocket.StatusGoingAway, "server shutting down")
		}
		h.wg.Wait()
	})
}

func mustEncode(msg wire.Message) []byte {
	raw, err := json.Marshal(msg)
	if err != nil {
		// Message only holds strings and pre-encoded json.
		panic(err)
	}
	return raw
}
