package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaycollab/internal/delivery"
	"github.com/agentworkforce/relaycollab/internal/wire"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

const sendItemType = "ws-send"

var (
	ErrConnectionLost = errors.New("connection lost")
	ErrRequestTimeout = errors.New("request timed out")
)

// RemoteError is an error frame returned by the server for a correlated
// request.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Code + ": " + e.Message
}

type ClientOptions struct {
	URL   string
	Token string
	// HeartbeatInterval below zero disables the automatic ping.
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
	HTTPClient        *http.Client
	Queue             delivery.Options
	Logger            *log.Logger
}

// Client is the connecting side of the hub protocol. Outbound frames go
// through a delivery queue so transient write failures are retried.
type Client struct {
	ws             *websocket.Conn
	queue          *delivery.Queue
	requestTimeout time.Duration
	logger         *log.Logger

	mu       sync.Mutex
	pending  map[string]chan wire.Message
	handlers map[wire.Kind]map[int]func(wire.Message)
	nextID   int
	err      error

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func Dial(ctx context.Context, opts ClientOptions) (*Client, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("dial: url is required")
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	dialOpts := &websocket.DialOptions{HTTPClient: opts.HTTPClient}
	if opts.Token != "" {
		dialOpts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + opts.Token}}
	}
	ws, resp, err := websocket.Dial(ctx, opts.URL, dialOpts)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", opts.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}
	ws.SetReadLimit(defaultReadLimit)

	queueOpts := opts.Queue
	if queueOpts.MaxConcurrency <= 0 {
		// one writer keeps frames in submission order
		queueOpts.MaxConcurrency = 1
	}
	if queueOpts.Logger == nil {
		queueOpts.Logger = opts.Logger
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		ws:             ws,
		queue:          delivery.New(queueOpts),
		requestTimeout: opts.RequestTimeout,
		logger:         opts.Logger.With("component", "hub-client"),
		pending:        map[string]chan wire.Message{},
		handlers:       map[wire.Kind]map[int]func(wire.Message){},
		ctx:            runCtx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	c.queue.RegisterHandler(sendItemType, c.writeFrame)

	c.wg.Add(1)
	go c.readLoop()
	if opts.HeartbeatInterval > 0 {
		c.wg.Add(1)
		go c.heartbeatLoop(opts.HeartbeatInterval)
	}
	return c, nil
}

func (c *Client) writeFrame(ctx context.Context, item delivery.Item) error {
	frame, ok := item.Payload.([]byte)
	if !ok {
		return fmt.Errorf("unexpected ws-send payload %T", item.Payload)
	}
	select {
	case <-c.done:
		return ErrConnectionLost
	default:
	}
	return c.ws.Write(ctx, websocket.MessageText, frame)
}

func (c *Client) send(msg wire.Message, priority int) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = c.queue.Enqueue(sendItemType, raw, delivery.EnqueueOptions{Priority: priority})
	return err
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			c.shutdown(err)
			return
		}
		msg, err := wire.Parse(data)
		if err != nil {
			c.logger.Warn("discarding invalid frame", "error", err)
			continue
		}
		if msg.CorrelationID != "" && c.resolve(msg) {
			continue
		}
		c.dispatch(msg)
	}
}

// resolve hands msg to the pending request with the same correlation id.
func (c *Client) resolve(msg wire.Message) bool {
	c.mu.Lock()
	ch, ok := c.pending[msg.CorrelationID]
	if ok {
		delete(c.pending, msg.CorrelationID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- msg
	return true
}

func (c *Client) dispatch(msg wire.Message) {
	c.mu.Lock()
	fns := make([]func(wire.Message), 0, len(c.handlers[msg.Type]))
	for _, fn := range c.handlers[msg.Type] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	if len(fns) == 0 {
		c.logger.Debug("unhandled message", "type", msg.Type)
	}
	for _, fn := range fns {
		fn(msg)
	}
}

// OnMessage registers fn for uncorrelated messages of the given kind. It
// returns a function that removes the registration.
func (c *Client) OnMessage(kind wire.Kind, fn func(wire.Message)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	set, ok := c.handlers[kind]
	if !ok {
		set = map[int]func(wire.Message){}
		c.handlers[kind] = set
	}
	set[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.handlers[kind], id)
		c.mu.Unlock()
	}
}

// call sends a correlated frame and waits for the matching reply.
func (c *Client) call(ctx context.Context, kind wire.Kind, body any, priority int) (wire.Message, error) {
	correlationID := uuid.NewString()
	if req, ok := body.(wire.OperationRequest); ok {
		req.CorrelationID = correlationID
		body = req
	}
	msg, err := wire.New(kind, correlationID, body)
	if err != nil {
		return wire.Message{}, err
	}

	ch := make(chan wire.Message, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return wire.Message{}, ErrConnectionLost
	}
	c.pending[correlationID] = ch
	c.mu.Unlock()

	if err := c.send(msg, priority); err != nil {
		c.forget(correlationID)
		return wire.Message{}, err
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()
	select {
	case reply, ok := <-ch:
		if !ok {
			return wire.Message{}, ErrConnectionLost
		}
		if reply.Type == wire.KindError {
			var body wire.ErrorBody
			_ = reply.Decode(&body)
			return reply, &RemoteError{Code: body.Code, Message: body.Message}
		}
		return reply, nil
	case <-timer.C:
		c.forget(correlationID)
		return wire.Message{}, ErrRequestTimeout
	case <-ctx.Done():
		c.forget(correlationID)
		return wire.Message{}, ctx.Err()
	}
}

func (c *Client) forget(correlationID string) {
	c.mu.Lock()
	delete(c.pending, correlationID)
	c.mu.Unlock()
}

func (c *Client) Subscribe(ctx context.Context, documentID string) error {
	_, err := c.call(ctx, wire.KindSubscribe, wire.SubscriptionData{DocumentID: documentID}, 7)
	return err
}

func (c *Client) Unsubscribe(ctx context.Context, documentID string) error {
	_, err := c.call(ctx, wire.KindUnsubscribe, wire.SubscriptionData{DocumentID: documentID}, 7)
	return err
}

// Request submits an operation and waits for its correlated result. A
// rejected operation is returned as a result with Success false, not as an
// error.
func (c *Client) Request(ctx context.Context, req wire.OperationRequest) (wire.OperationResult, error) {
	reply, err := c.call(ctx, wire.KindOperationRequest, req, 5)
	if err != nil {
		return wire.OperationResult{}, err
	}
	var result wire.OperationResult
	if err := reply.Decode(&result); err != nil {
		return wire.OperationResult{}, err
	}
	return result, nil
}

func (c *Client) Ping() error {
	msg, _ := wire.New(wire.KindPing, "", nil)
	return c.send(msg, 1)
}

func (c *Client) heartbeatLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.Ping(); err != nil {
				c.logger.Debug("heartbeat ping failed", "error", err)
			}
		}
	}
}

// shutdown fails every pending request with ErrConnectionLost.
func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		pending := c.pending
		c.pending = map[string]chan wire.Message{}
		c.mu.Unlock()
		close(c.done)
		for _, ch := range pending {
			close(ch)
		}
		if len(pending) > 0 {
			c.logger.Warn("connection lost with pending requests", "pending", len(pending), "error", cause)
		}
	})
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close waits for frames already being written, closes the connection and
// waits for the background loops. Frames still queued are dropped.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stopErr := c.queue.Stop(ctx)
	_ = c.ws.Close(websocket.StatusNormalClosure, "")
	c.cancel()
	c.shutdown(ErrConnectionLost)
	c.wg.Wait()
	return stopErr
}
