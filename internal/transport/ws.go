package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsEventBuffer  = 256
	wsFrameBuffer  = 256
	wsStateBuffer  = 16
	wsChunkBuffer  = 8
	wsWriteTimeout = 10 * time.Second

	defaultCallTimeout      = 30 * time.Second
	reconnectBackoffInitial = 500 * time.Millisecond
	reconnectBackoffMax     = 15 * time.Second
)

// wireMessage is the JSON envelope on the device link. Requests carry a
// client-generated id; responses echo it back, possibly across several
// chunks ending with final or an error. Everything else is an event.
type wireMessage struct {
	Type     string          `json:"type"`
	ID       string          `json:"id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Final    bool            `json:"final,omitempty"`
	Error    *wireError      `json:"error,omitempty"`
	DeviceID string          `json:"deviceId,omitempty"`
}

type wireError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

const (
	wireTypeResponse    = "response"
	wireTypeDeviceState = "device.state"
)

// WSClient implements Client over a single gorilla/websocket connection to
// the relay, reconnecting with capped backoff when the link drops.
type WSClient struct {
	url         string
	token       string
	logger      *slog.Logger
	callTimeout time.Duration

	mu           sync.Mutex
	conn         *websocket.Conn
	pending      map[string]chan CallChunk
	activeDevice string
	connected    bool

	writeMu sync.Mutex

	events chan Envelope
	frames chan BinaryFrame
	states chan ConnState
}

type WSConfig struct {
	URL string
	// Token, when set, is sent as a bearer Authorization header on dial.
	Token       string
	CallTimeout time.Duration
	Logger      *slog.Logger
}

func NewWSClient(cfg WSConfig) *WSClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &WSClient{
		url:         cfg.URL,
		token:       cfg.Token,
		logger:      logger,
		callTimeout: timeout,
		pending:     make(map[string]chan CallChunk),
		events:      make(chan Envelope, wsEventBuffer),
		frames:      make(chan BinaryFrame, wsFrameBuffer),
		states:      make(chan ConnState, wsStateBuffer),
	}
}

func (c *WSClient) Events() <-chan Envelope          { return c.events }
func (c *WSClient) BinaryFrames() <-chan BinaryFrame { return c.frames }
func (c *WSClient) ConnStates() <-chan ConnState     { return c.states }

func (c *WSClient) ActiveDeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeDevice
}

// Run dials and pumps the link until ctx is cancelled, reconnecting with
// capped backoff after failures.
func (c *WSClient) Run(ctx context.Context) error {
	var header http.Header
	if c.token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + c.token}}
	}

	backoff := reconnectBackoffInitial
	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
		if err != nil {
			c.logger.Warn("device link dial failed", "url", c.url, "error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff = min(backoff*2, reconnectBackoffMax)
			continue
		}
		backoff = reconnectBackoffInitial

		c.setConn(conn)
		err = c.readPump(ctx, conn)
		c.dropConn(conn, err)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *WSClient) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	device := c.activeDevice
	c.mu.Unlock()

	c.logger.Info("device link connected", "url", c.url)
	c.pushState(ConnState{Connected: true, DeviceID: device})
}

func (c *WSClient) dropConn(conn *websocket.Conn, err error) {
	_ = conn.Close()

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	device := c.activeDevice
	pending := c.pending
	c.pending = make(map[string]chan CallChunk)
	c.mu.Unlock()

	c.logger.Warn("device link dropped", "error", err)
	for _, ch := range pending {
		ch <- CallChunk{Err: ErrClosed, Final: true}
		close(ch)
	}
	c.pushState(ConnState{Connected: false, DeviceID: device})
}

func (c *WSClient) readPump(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		kind, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		switch kind {
		case websocket.BinaryMessage:
			frame, err := DecodeBinaryFrame(raw)
			if err != nil {
				c.logger.Warn("dropping malformed binary frame", "error", err)
				continue
			}
			select {
			case c.frames <- frame:
			default:
				c.logger.Warn("binary frame buffer full, dropping frame", "session", frame.SessionID)
			}
		case websocket.TextMessage:
			var msg wireMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				c.logger.Warn("dropping malformed envelope", "error", err)
				continue
			}
			c.dispatch(msg)
		}
	}
}

func (c *WSClient) dispatch(msg wireMessage) {
	switch msg.Type {
	case wireTypeResponse:
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		done := msg.Final || msg.Error != nil
		if ok && done {
			delete(c.pending, msg.ID)
		}
		c.mu.Unlock()
		if !ok {
			return
		}
		chunk := CallChunk{Payload: msg.Payload, Final: msg.Final}
		if msg.Error != nil {
			chunk.Err = &ServerError{Code: msg.Error.Code, Message: msg.Error.Message}
			chunk.Final = true
		}
		ch <- chunk
		if done {
			close(ch)
		}
	case wireTypeDeviceState:
		connected := false
		if msg.Payload != nil {
			var body struct {
				Connected bool `json:"connected"`
			}
			_ = json.Unmarshal(msg.Payload, &body)
			connected = body.Connected
		}
		c.mu.Lock()
		c.activeDevice = msg.DeviceID
		c.mu.Unlock()
		c.pushState(ConnState{Connected: connected, DeviceID: msg.DeviceID})
	default:
		select {
		case c.events <- Envelope{Type: msg.Type, Payload: msg.Payload}:
		default:
			c.logger.Warn("event buffer full, dropping event", "type", msg.Type)
		}
	}
}

func (c *WSClient) pushState(state ConnState) {
	select {
	case c.states <- state:
	default:
		// Connectivity transitions must not be lost; make room by
		// discarding the oldest, the consumer only cares about the
		// latest transition anyway.
		select {
		case <-c.states:
		default:
		}
		select {
		case c.states <- state:
		default:
		}
	}
}

// Call issues a request. The returned channel yields response chunks until
// one carries Final or Err; the channel is closed afterwards.
func (c *WSClient) Call(ctx context.Context, method string, params any) (<-chan CallChunk, error) {
	id := uuid.NewString()
	ch := make(chan CallChunk, wsChunkBuffer)

	c.mu.Lock()
	if !c.connected || c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNoActiveDevice
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.writeJSON(wireMessage{Type: method, ID: id, Payload: marshalParams(params)}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	out := make(chan CallChunk, wsChunkBuffer)
	go c.relayChunks(ctx, id, ch, out)
	return out, nil
}

// relayChunks forwards chunks to the caller, enforcing the call timeout and
// detaching the pending entry if the caller gives up.
func (c *WSClient) relayChunks(ctx context.Context, id string, in chan CallChunk, out chan CallChunk) {
	defer close(out)
	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()
	for {
		select {
		case chunk, ok := <-in:
			if !ok {
				return
			}
			out <- chunk
			if chunk.Final || chunk.Err != nil {
				return
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(c.callTimeout)
		case <-timer.C:
			c.abandon(id)
			out <- CallChunk{Err: ErrCallTimeout, Final: true}
			return
		case <-ctx.Done():
			c.abandon(id)
			out <- CallChunk{Err: ctx.Err(), Final: true}
			return
		}
	}
}

func (c *WSClient) abandon(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Notify sends a fire-and-forget control message (terminal bind/unbind and
// friends). Failures are surfaced but callers treat them as best-effort.
func (c *WSClient) Notify(ctx context.Context, method string, params any) error {
	c.mu.Lock()
	connected := c.connected && c.conn != nil
	c.mu.Unlock()
	if !connected {
		return ErrNoActiveDevice
	}
	return c.writeJSON(wireMessage{Type: method, Payload: marshalParams(params)})
}

func (c *WSClient) writeJSON(msg wireMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNoActiveDevice
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(msg)
}

func marshalParams(params any) json.RawMessage {
	if params == nil {
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil
	}
	return raw
}
