package proxy

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bastion-sec/bastion/internal/engine"
	"github.com/bastion-sec/bastion/internal/jsonrpc"
)

// Connection lifecycle states.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

const (
	drainTimeout  = 2 * time.Second
	writeDeadline = 10 * time.Second
)

// pendingCall tracks one client request until its response (forwarded
// or synthesized) can be delivered. Responses reach the client in the
// order the requests were issued, whatever order the backend answers
// in.
type pendingCall struct {
	idKey string
	frame []byte
	done  bool
	// forwarded marks calls occupying a backpressure slot.
	forwarded bool
}

// conn proxies one client WebSocket to one backend WebSocket,
// evaluating every client request through the engine.
type conn struct {
	client   *websocket.Conn
	backend  *websocket.Conn
	engine   *engine.Engine
	identity string
	metrics  *Metrics
	logger   *zap.Logger

	// writeMu serializes writes to the client socket.
	writeMu sync.Mutex

	// deliverMu serializes whole flush passes. Popping the queue head
	// and writing it must be one atomic step with respect to other
	// deliveries or a later completion could overtake a popped but
	// not-yet-written response.
	deliverMu sync.Mutex

	// mu guards state, pending, pendingByID, and backendReqs.
	mu          sync.Mutex
	state       State
	pending     []*pendingCall
	pendingByID map[string]*pendingCall
	// backendReqs holds ids of backend-initiated requests awaiting a
	// client response, so those responses can be attributed.
	backendReqs map[string]struct{}

	// slots bounds the number of in-flight forwarded requests.
	slots chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(eng *engine.Engine, maxInFlight int, metrics *Metrics, logger *zap.Logger) *conn {
	if maxInFlight < 1 {
		maxInFlight = 64
	}
	return &conn{
		engine:      eng,
		metrics:     metrics,
		logger:      logger,
		state:       StateConnecting,
		pendingByID: make(map[string]*pendingCall),
		backendReqs: make(map[string]struct{}),
		slots:       make(chan struct{}, maxInFlight),
		closed:      make(chan struct{}),
	}
}

// setState advances the lifecycle. States only move forward.
func (c *conn) setState(s State) {
	c.mu.Lock()
	if s > c.state {
		c.state = s
	}
	c.mu.Unlock()
}

// activate binds the sockets and identity once the handshake has
// fully succeeded (auth passed, backend dialed, client upgraded).
func (c *conn) activate(client, backend *websocket.Conn, identity string) {
	c.client = client
	c.backend = backend
	c.identity = identity
	c.setState(StateActive)
}

// run pumps both directions until either side fails or a protocol
// violation forces a close. Blocks until the connection is closed.
func (c *conn) run(ctx context.Context) {
	backendDone := make(chan struct{})
	go func() {
		defer close(backendDone)
		c.backendLoop()
	}()
	c.clientLoop(ctx)
	<-backendDone
	c.shutdown()
}

func (c *conn) clientLoop(ctx context.Context) {
	for {
		_, data, err := c.client.ReadMessage()
		if err != nil {
			c.beginClose("client gone", nil)
			return
		}
		msg, err := jsonrpc.Parse(data)
		if err != nil || msg.Type() == jsonrpc.TypeInvalid {
			c.protocolError(msg, "malformed frame")
			return
		}
		switch msg.Type() {
		case jsonrpc.TypeRequest:
			if !c.handleClientRequest(ctx, msg, data) {
				return
			}
		case jsonrpc.TypeNotification:
			if err := c.writeBackend(data); err != nil {
				c.backendLost()
				return
			}
		case jsonrpc.TypeResponse:
			// Only valid as the answer to a backend-initiated request.
			if !c.takeBackendReq(msg.IDKey()) {
				c.protocolError(msg, "response to unknown request")
				return
			}
			if err := c.writeBackend(data); err != nil {
				c.backendLost()
				return
			}
		}
	}
}

// handleClientRequest evaluates and either forwards or answers the
// request. Returns false when the connection must stop reading.
func (c *conn) handleClientRequest(ctx context.Context, msg *jsonrpc.Message, raw []byte) bool {
	d := c.engine.Check(ctx, engine.CheckInput{
		Identity:  c.identity,
		Tool:      msg.ToolName(),
		Resources: msg.ResourceURIs(),
		Prompt:    msg.PromptText(),
		Payload:   raw,
	})
	if !d.Allow {
		c.metrics.Denied()
		frame, err := jsonrpc.Encode(jsonrpc.DenyResponse(msg.ID, d))
		if err != nil {
			c.logger.Error("encode deny frame", zap.Error(err))
			return true
		}
		c.enqueueCompleted(msg.IDKey(), frame)
		return true
	}
	c.metrics.Allowed()

	select {
	case c.slots <- struct{}{}:
	case <-c.closed:
		return false
	case <-ctx.Done():
		return false
	}

	c.mu.Lock()
	call := &pendingCall{idKey: msg.IDKey(), forwarded: true}
	c.pending = append(c.pending, call)
	c.pendingByID[call.idKey] = call
	c.mu.Unlock()

	if err := c.writeBackend(raw); err != nil {
		c.backendLost()
		return false
	}
	return true
}

func (c *conn) backendLoop() {
	for {
		_, data, err := c.backend.ReadMessage()
		if err != nil {
			c.backendLost()
			return
		}
		msg, err := jsonrpc.Parse(data)
		if err != nil || msg.Type() == jsonrpc.TypeInvalid {
			c.protocolError(msg, "malformed backend frame")
			return
		}
		switch msg.Type() {
		case jsonrpc.TypeResponse:
			c.completePending(msg.IDKey(), data)
		case jsonrpc.TypeRequest:
			c.mu.Lock()
			c.backendReqs[msg.IDKey()] = struct{}{}
			c.mu.Unlock()
			if err := c.writeClient(data); err != nil {
				c.beginClose("client write failed", err)
				return
			}
		case jsonrpc.TypeNotification:
			if err := c.writeClient(data); err != nil {
				c.beginClose("client write failed", err)
				return
			}
		}
	}
}

// enqueueCompleted inserts an already-answered call (a synthesized
// denial) into the delivery queue so ordering holds even for frames
// that never reached the backend.
func (c *conn) enqueueCompleted(idKey string, frame []byte) {
	c.mu.Lock()
	call := &pendingCall{idKey: idKey, frame: frame, done: true}
	c.pending = append(c.pending, call)
	c.mu.Unlock()
	c.flush()
}

// completePending attaches a backend response to its pending call. A
// response with no matching call is unattributable.
func (c *conn) completePending(idKey string, frame []byte) {
	c.mu.Lock()
	call, ok := c.pendingByID[idKey]
	if !ok {
		c.mu.Unlock()
		c.protocolError(nil, "unattributable backend response")
		return
	}
	delete(c.pendingByID, idKey)
	call.frame = frame
	call.done = true
	c.mu.Unlock()
	c.flush()
}

// flush delivers completed calls from the head of the queue, stopping
// at the first still-outstanding one. Runs from both pump loops;
// deliverMu keeps pop and write together so concurrent flushes cannot
// reorder deliveries.
func (c *conn) flush() {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	for {
		c.mu.Lock()
		if len(c.pending) == 0 || !c.pending[0].done {
			c.mu.Unlock()
			return
		}
		call := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()

		if err := c.writeClient(call.frame); err != nil {
			c.beginClose("client write failed", err)
		}
		if call.forwarded {
			<-c.slots
		}
	}
}

func (c *conn) takeBackendReq(idKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.backendReqs[idKey]; !ok {
		return false
	}
	delete(c.backendReqs, idKey)
	return true
}

func (c *conn) writeClient(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.client.SetWriteDeadline(time.Now().Add(writeDeadline))
	return c.client.WriteMessage(websocket.TextMessage, frame)
}

func (c *conn) writeBackend(frame []byte) error {
	_ = c.backend.SetWriteDeadline(time.Now().Add(writeDeadline))
	return c.backend.WriteMessage(websocket.TextMessage, frame)
}

// backendLost answers every outstanding forwarded call with an
// upstream error, then closes.
func (c *conn) backendLost() {
	c.mu.Lock()
	if c.state >= StateClosing {
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	outstanding := c.pending
	c.pending = nil
	c.pendingByID = make(map[string]*pendingCall)
	c.mu.Unlock()

	c.metrics.Errored()
	for _, call := range outstanding {
		frame := call.frame
		if !call.done {
			var id json.RawMessage
			if call.idKey != "" {
				id = json.RawMessage(call.idKey)
			}
			msg := jsonrpc.NewErrorResponse(id, jsonrpc.CodeUpstreamUnavailable, "upstream_unavailable", nil)
			frame, _ = jsonrpc.Encode(msg)
		}
		if frame != nil {
			if err := c.writeClient(frame); err != nil {
				break
			}
		}
	}
	c.closeSockets()
}

func (c *conn) protocolError(msg *jsonrpc.Message, detail string) {
	c.metrics.Errored()
	var id json.RawMessage
	if msg != nil {
		id = msg.ID
	}
	resp := jsonrpc.NewErrorResponse(id, jsonrpc.CodeInvalidRequest, detail, nil)
	if frame, err := jsonrpc.Encode(resp); err == nil {
		_ = c.writeClient(frame)
	}
	c.beginClose(detail, nil)
}

// beginClose moves to CLOSING and waits briefly for outstanding calls
// to drain before tearing the sockets down.
func (c *conn) beginClose(reason string, err error) {
	c.mu.Lock()
	if c.state >= StateClosing {
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	c.mu.Unlock()

	c.logger.Debug("closing connection", zap.String("reason", reason), zap.Error(err))

	deadline := time.After(drainTimeout)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		c.mu.Lock()
		empty := len(c.pending) == 0
		c.mu.Unlock()
		if empty {
			break
		}
		select {
		case <-deadline:
			c.closeSockets()
			return
		case <-tick.C:
		}
	}
	c.closeSockets()
}

func (c *conn) closeSockets() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		close(c.closed)
		if c.client != nil {
			_ = c.client.Close()
		}
		if c.backend != nil {
			_ = c.backend.Close()
		}
	})
}

func (c *conn) shutdown() {
	c.beginClose("shutdown", nil)
	c.closeSockets()
}

// currentState reports the lifecycle state, for tests and health.
func (c *conn) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
