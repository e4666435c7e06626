// Package upstream holds the client-side state machine for one upstream
// MCP connection: the Idle/Initializing/Ready/Degraded lifecycle, the
// outgoing-request resolver map, and the single reader loop that splits
// inbound frames into responses and server-initiated events.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of an upstream client connection:
// Idle -> Initializing -> Ready -> (Degraded | Closing) -> Closed.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateReady
	StateDegraded
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrTransport is returned to every pending request when the client moves
// to Closing or Degraded.
var ErrTransport = errors.New("upstream: transport error")

// ErrClientClosed is returned by Request when called after Close.
var ErrClientClosed = errors.New("upstream: client closed")

// TransportEvent is one inbound frame plus the SSE event id it arrived
// under. EventID is empty for frames delivered outside an SSE stream (a
// plain JSON POST response body) or when the upstream omits id: lines.
type TransportEvent struct {
	EventID string
	Data    []byte
}

// Transport is the wire-level capability an UpstreamClient drives: send one
// JSON-RPC message outbound, and receive a stream of raw JSON-RPC frames
// (responses, notifications, and server-initiated requests) inbound. A
// concrete Transport is single-writer / multi-reader safe.
type Transport interface {
	// Send writes one JSON-RPC message (request or notification) to the
	// upstream. Safe to call concurrently with Events()/Close but not with
	// itself (callers serialize writes).
	Send(ctx context.Context, raw []byte) error
	// Events returns the channel of inbound frames. Closed when the
	// transport's read loop ends (disconnect or Close).
	Events() <-chan TransportEvent
	// Close tears down the transport's connection(s).
	Close() error
}

// Frame is a decoded inbound JSON-RPC frame, tagged by shape.
type Frame struct {
	// EventID is the upstream SSE event id this frame arrived under, empty
	// if the frame came from a plain JSON response body or an id-less event.
	EventID string
	// ID is non-nil for a response to a request this client issued.
	ID json.RawMessage
	// Method is non-empty for a notification or server-initiated request.
	Method string
	// Params carries a request/notification's params verbatim.
	Params json.RawMessage
	// Result/Err carry a response's outcome; at most one is set.
	Result json.RawMessage
	Err    *RPCError
	// IsRequest is true if Method is set AND ID is also set (server->client
	// request expecting a response), as opposed to a one-way notification.
	IsRequest bool
}

// RPCError mirrors a JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("upstream rpc error %d: %s", e.Code, e.Message)
}

// EventSink receives notifications and server-initiated requests that are
// not responses to a client-issued request. The SessionBroker implements
// this to fan such frames into the downstream SSE stream.
type EventSink interface {
	// HandleUpstreamFrame is called once per surviving notification or
	// server-request frame from this upstream, in the order received.
	HandleUpstreamFrame(upstreamID string, frame Frame)
}

type pendingRequest struct {
	resultCh chan requestOutcome
}

type requestOutcome struct {
	result json.RawMessage
	err    error
}

// Client is the state machine for one upstream connection. Its
// outgoing-request resolver map is guarded by a mutex held only for O(1)
// operations; everything else is message-passing.
type Client struct {
	UpstreamID string

	mu    sync.Mutex
	state State

	transport Transport
	sink      EventSink

	nextID  atomic.Int64
	pending map[int64]*pendingRequest

	serverCaps map[string]bool // parsed from the initialize result

	// Ping watchdog state: the upstream is expected to show signs of life
	// (any frame or SSE keepalive) at least every pingInterval; after
	// pingMissLimit consecutive silent intervals the client is Degraded.
	pingInterval  time.Duration
	pingMissLimit int
	lastActivity  atomic.Int64 // unix nanos of the last inbound event

	readerDone chan struct{}
	closeOnce  sync.Once
}

const (
	defaultPingInterval  = 30 * time.Second
	defaultPingMissLimit = 3
)

// NewClient wraps a Transport in the upstream state machine. The client
// starts in StateIdle; callers must call Initialize before Request.
func NewClient(upstreamID string, transport Transport, sink EventSink) *Client {
	return &Client{
		UpstreamID:    upstreamID,
		state:         StateIdle,
		transport:     transport,
		sink:          sink,
		pending:       make(map[int64]*pendingRequest),
		pingInterval:  defaultPingInterval,
		pingMissLimit: defaultPingMissLimit,
	}
}

// SetPingExpectation overrides the idle-ping watchdog parameters. Must be
// called before Initialize; an interval of 0 disables the watchdog.
func (c *Client) SetPingExpectation(interval time.Duration, missLimit int) {
	c.pingInterval = interval
	if missLimit > 0 {
		c.pingMissLimit = missLimit
	}
}

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Initialize sends the MCP "initialize" request and, on success, starts the
// single SSE/event reader loop and transitions to Ready.
func (c *Client) Initialize(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return nil, fmt.Errorf("upstream: Initialize called in state %s", c.state)
	}
	c.state = StateInitializing
	c.readerDone = make(chan struct{})
	c.mu.Unlock()

	c.lastActivity.Store(time.Now().UnixNano())
	go c.readLoop()
	if c.pingInterval > 0 {
		go c.pingWatchdog()
	}

	result, err := c.Request(ctx, "initialize", params)
	if err != nil {
		c.mu.Lock()
		c.state = StateDegraded
		c.mu.Unlock()
		return nil, err
	}

	caps := parseServerCapabilities(result)

	c.mu.Lock()
	c.state = StateReady
	c.serverCaps = caps
	c.mu.Unlock()
	return result, nil
}

// ServerCapabilities returns the capability set this upstream advertised in
// its initialize result, keyed by the gateway's capability names ("tools",
// "resources", "prompts", "logging", "resources-subscribe", and the three
// "*-list-changed" siblings). Nil before a successful Initialize.
func (c *Client) ServerCapabilities() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.serverCaps == nil {
		return nil
	}
	out := make(map[string]bool, len(c.serverCaps))
	for k, v := range c.serverCaps {
		out[k] = v
	}
	return out
}

// parseServerCapabilities flattens an MCP initialize result's capabilities
// object into the gateway's flat capability-name set.
func parseServerCapabilities(result json.RawMessage) map[string]bool {
	var env struct {
		Capabilities struct {
			Tools *struct {
				ListChanged bool `json:"listChanged"`
			} `json:"tools"`
			Resources *struct {
				Subscribe   bool `json:"subscribe"`
				ListChanged bool `json:"listChanged"`
			} `json:"resources"`
			Prompts *struct {
				ListChanged bool `json:"listChanged"`
			} `json:"prompts"`
			Logging *struct{} `json:"logging"`
		} `json:"capabilities"`
	}
	caps := make(map[string]bool)
	if err := json.Unmarshal(result, &env); err != nil {
		return caps
	}
	if env.Capabilities.Tools != nil {
		caps["tools"] = true
		if env.Capabilities.Tools.ListChanged {
			caps["tools-list-changed"] = true
		}
	}
	if env.Capabilities.Resources != nil {
		caps["resources"] = true
		if env.Capabilities.Resources.Subscribe {
			caps["resources-subscribe"] = true
		}
		if env.Capabilities.Resources.ListChanged {
			caps["resources-list-changed"] = true
		}
	}
	if env.Capabilities.Prompts != nil {
		caps["prompts"] = true
		if env.Capabilities.Prompts.ListChanged {
			caps["prompts-list-changed"] = true
		}
	}
	if env.Capabilities.Logging != nil {
		caps["logging"] = true
	}
	return caps
}

// Request issues an outgoing request and blocks until a matching response
// arrives, ctx is cancelled, or the client is torn down.
func (c *Client) Request(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateClosing {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	id := c.nextID.Add(1)
	pr := &pendingRequest{resultCh: make(chan requestOutcome, 1)}
	c.pending[id] = pr
	c.mu.Unlock()

	raw, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("upstream: marshal request: %w", err)
	}

	if err := c.transport.Send(ctx, raw); err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	select {
	case outcome := <-pr.resultCh:
		return outcome.result, outcome.err
	case <-ctx.Done():
		c.dropPending(id)
		c.notifyCancelled(id)
		return nil, ctx.Err()
	}
}

// notifyCancelled tells the upstream a request it will never get an answer
// for has been abandoned. Best-effort: the caller's ctx is already done, so
// the send gets its own short deadline.
func (c *Client) notifyCancelled(id int64) {
	params, err := json.Marshal(map[string]any{"requestId": id, "reason": "cancelled"})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = c.Notify(ctx, "notifications/cancelled", params)
}

// Notify sends a one-way notification (no response expected), e.g.
// notifications/cancelled.
func (c *Client) Notify(ctx context.Context, method string, params json.RawMessage) error {
	raw, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return fmt.Errorf("upstream: marshal notification: %w", err)
	}
	if err := c.transport.Send(ctx, raw); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// Respond writes a response to a server-initiated request back to the
// upstream, carrying the upstream's own original request id (already
// recovered from the proxied form by the caller).
func (c *Client) Respond(ctx context.Context, id json.RawMessage, result json.RawMessage, rpcErr *RPCError) error {
	msg := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
	}
	if rpcErr != nil {
		msg["error"] = rpcErr
	} else {
		msg["result"] = result
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("upstream: marshal response: %w", err)
	}
	if err := c.transport.Send(ctx, raw); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

func (c *Client) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop is the client's single reader task: every inbound frame either
// resolves a pending outgoing request or is handed to the EventSink.
func (c *Client) readLoop() {
	defer close(c.readerDone)
	events := c.transport.Events()
	for ev := range events {
		c.lastActivity.Store(time.Now().UnixNano())
		frame, id, ok := decodeFrame(ev.Data)
		if !ok {
			// Keepalives and other non-JSON-RPC traffic still count as
			// activity for the ping watchdog.
			continue
		}
		frame.EventID = ev.EventID
		// Only frames with no method are responses to our own outgoing
		// requests; a server-initiated request/notification carries its
		// own (upstream-allocated) id in the same field but must never be
		// matched against our pending map.
		if id != 0 && frame.Method == "" {
			c.mu.Lock()
			pr, found := c.pending[id]
			if found {
				delete(c.pending, id)
			}
			c.mu.Unlock()
			if found {
				pr.resultCh <- requestOutcome{result: frame.Result, err: frameErr(frame)}
				continue
			}
		}
		if c.sink != nil {
			c.sink.HandleUpstreamFrame(c.UpstreamID, frame)
		}
	}
	c.markDegraded()
}

func frameErr(f Frame) error {
	if f.Err != nil {
		return f.Err
	}
	return nil
}

// pingWatchdog ticks at the ping interval, counting consecutive intervals
// with no inbound traffic; at pingMissLimit misses the client is marked
// Degraded, independent of the disconnect path in readLoop.
func (c *Client) pingWatchdog() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-c.readerDone:
			return
		case <-ticker.C:
		}

		switch c.State() {
		case StateClosing, StateClosed, StateDegraded:
			return
		}

		last := time.Unix(0, c.lastActivity.Load())
		if time.Since(last) < c.pingInterval {
			misses = 0
			continue
		}
		misses++
		if misses >= c.pingMissLimit {
			c.markDegraded()
			return
		}
	}
}

// markDegraded transitions Ready/Initializing clients to Degraded when the
// transport's event stream ends (disconnect), and fails all pending
// requests with ErrTransport.
func (c *Client) markDegraded() {
	c.mu.Lock()
	if c.state != StateClosing && c.state != StateClosed {
		c.state = StateDegraded
	}
	pending := c.pending
	c.pending = make(map[int64]*pendingRequest)
	c.mu.Unlock()

	for _, pr := range pending {
		pr.resultCh <- requestOutcome{err: ErrTransport}
	}
}

// Close transitions the client through Closing to Closed: pending requests
// are cancelled with ErrTransport, and the transport is torn down.
// Cancellation must complete within 2s; callers enforce the
// deadline via ctx.
func (c *Client) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosing
		pending := c.pending
		c.pending = make(map[int64]*pendingRequest)
		c.mu.Unlock()

		for _, pr := range pending {
			pr.resultCh <- requestOutcome{err: ErrTransport}
		}

		err = c.transport.Close()

		select {
		case <-c.readerDone:
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
		}

		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
	})
	return err
}

func decodeFrame(raw []byte) (Frame, int64, bool) {
	var env struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return Frame{}, 0, false
	}

	frame := Frame{
		ID:     env.ID,
		Method: env.Method,
		Params: env.Params,
		Result: env.Result,
		Err:    env.Error,
	}

	var numericID int64
	if len(env.ID) > 0 {
		_ = json.Unmarshal(env.ID, &numericID)
	}
	if env.Method != "" && len(env.ID) > 0 {
		frame.IsRequest = true
	}

	return frame, numericID, true
}
