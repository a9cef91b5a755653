// Package terminal keeps a local, loss-bounded projection of each remote
// terminal session's byte stream: a ring buffer for scrollback, a
// broadcaster for live tails, and a ref-counted binding protocol that
// survives UI churn and transport reconnects.
package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pairlink/hostsync/internal/domain"
	"github.com/pairlink/hostsync/internal/runloop"
	"github.com/pairlink/hostsync/internal/transport"
)

const (
	methodBind   = "terminal.binary.bind"
	methodUnbind = "terminal.binary.unbind"
	methodStart  = "terminal.start"
	methodWrite  = "terminal.write"
	methodResize = "terminal.resize"
	methodKill   = "terminal.kill"
	methodList   = "terminal.list"

	// DefaultUnbindGrace is how long a finalized session stays bound so a
	// rapid remount can cancel the unbind.
	DefaultUnbindGrace = time.Second
)

// ErrSessionRequired marks a contract violation: an operation addressed no
// session at all.
var ErrSessionRequired = errors.New("terminal session id required")

type bindParams struct {
	SessionID       string `json:"sessionId"`
	IncludeBuffered bool   `json:"includeBuffered,omitempty"`
}

type stream struct {
	ring *Ring
	bc   *ByteBroadcaster
}

// Manager multiplexes the single per-device byte subscription across
// sessions: it routes incoming frames to the right ring buffer and
// broadcaster, owns the binding registry, and rebinds after reconnects.
// Internal state is loop-confined.
type Manager struct {
	loop   *runloop.Loop
	client transport.Client
	logger *slog.Logger

	bindings *BindingRegistry
	streams  map[string]*stream
	sessions map[string]domain.TerminalSession

	lastBound    string
	activeDevice string
	connected    bool

	ringBytes   int
	unbindGrace time.Duration
}

type ManagerConfig struct {
	Loop        *runloop.Loop
	Client      transport.Client
	Logger      *slog.Logger
	RingBytes   int
	UnbindGrace time.Duration
}

func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := cfg.UnbindGrace
	if grace <= 0 {
		grace = DefaultUnbindGrace
	}
	return &Manager{
		loop:        cfg.Loop,
		client:      cfg.Client,
		logger:      logger,
		bindings:    NewBindingRegistry(cfg.Loop),
		streams:     make(map[string]*stream),
		sessions:    make(map[string]domain.TerminalSession),
		ringBytes:   cfg.RingBytes,
		unbindGrace: grace,
	}
}

// ensureStream is loop-confined.
func (m *Manager) ensureStream(sessionID string) *stream {
	st, ok := m.streams[sessionID]
	if !ok {
		st = &stream{ring: NewRing(m.ringBytes), bc: NewByteBroadcaster()}
		m.streams[sessionID] = st
	}
	return st
}

// Attach registers a UI consumer for the session's byte stream. The first
// attach of an unbound session sends a bind requesting the remote's buffered
// snapshot; repeated attaches are idempotent.
func (m *Manager) Attach(ctx context.Context, sessionID string) {
	var needBind bool
	m.loop.Call(func() {
		needBind = m.bindings.Attach(sessionID)
		m.ensureStream(sessionID)
		m.lastBound = sessionID
	})
	if needBind {
		m.sendBind(ctx, sessionID)
	}
}

// Detach releases one UI consumer. It never unbinds: view dismissal is not
// session termination.
func (m *Manager) Detach(sessionID string) {
	m.loop.Post(func() { m.bindings.Detach(sessionID) })
}

// Finalize handles true session termination: bookkeeping is cleared and the
// remote unbind goes out after a grace window unless the session re-attaches
// first.
func (m *Manager) Finalize(sessionID string) {
	m.loop.Post(func() {
		m.bindings.Finalize(sessionID, m.unbindGrace, func() {
			if st, ok := m.streams[sessionID]; ok {
				st.bc.Close()
				delete(m.streams, sessionID)
			}
			if m.lastBound == sessionID {
				m.lastBound = ""
			}
			go m.sendUnbind(sessionID)
		})
	})
}

// Subscribe returns a hydrated read of the session stream: the current ring
// snapshot as the first element, then the live tail, with no gap or overlap
// between the two. Reading never clears the ring.
func (m *Manager) Subscribe(sessionID string, buffer int) (<-chan []byte, func()) {
	var (
		out    chan []byte
		cancel func()
	)
	m.loop.Call(func() {
		st := m.ensureStream(sessionID)
		snapshot := st.ring.Snapshot()
		live, liveCancel := st.bc.Subscribe(buffer)

		out = make(chan []byte, 1)
		out <- snapshot
		cancel = liveCancel

		go func() {
			defer close(out)
			for chunk := range live {
				out <- chunk
			}
		}()
	})
	return out, cancel
}

// HandleFrame routes one incoming binary frame. Frames without a session tag
// fall back to the last explicitly bound session.
func (m *Manager) HandleFrame(frame transport.BinaryFrame) {
	m.loop.Post(func() {
		sessionID := frame.SessionID
		if sessionID == "" {
			sessionID = m.lastBound
		}
		if sessionID == "" {
			m.logger.Warn("dropping terminal frame with no routable session")
			return
		}
		st := m.ensureStream(sessionID)
		st.ring.Append(frame.Data)
		st.bc.Broadcast(frame.Data)
	})
}

// HandleConnState reacts to device connectivity transitions. A reconnect of
// the same device rebinds every bound session (requesting buffered
// snapshots); a different device is a full state reset. Bytes produced
// strictly during the outage are not recoverable; only what the remote
// retained comes back through the post-reconnect snapshot.
func (m *Manager) HandleConnState(state transport.ConnState) {
	m.loop.Post(func() {
		if !state.Connected {
			m.connected = false
			return
		}
		switched := m.activeDevice != "" && state.DeviceID != "" && state.DeviceID != m.activeDevice
		if state.DeviceID != "" {
			m.activeDevice = state.DeviceID
		}
		m.connected = true
		if switched {
			m.logger.Info("active device changed, resetting terminal state",
				"device", state.DeviceID)
			m.reset()
			return
		}
		bound := m.bindings.Bound()
		if len(bound) == 0 {
			return
		}
		// The rebind requests the remote's retained buffer again; clear each
		// ring so the re-delivered snapshot does not duplicate bytes already
		// held.
		for _, id := range bound {
			if st, ok := m.streams[id]; ok {
				st.ring.Reset()
			}
		}
		m.logger.Info("rebinding terminal sessions after reconnect", "count", len(bound))
		go func() {
			for _, id := range bound {
				m.sendBind(context.Background(), id)
			}
		}()
	})
}

func (m *Manager) sendBind(ctx context.Context, sessionID string) {
	err := m.client.Notify(ctx, methodBind, bindParams{SessionID: sessionID, IncludeBuffered: true})
	if err != nil {
		// The binding registry still marks the session bound; the next
		// reconnect resends the bind.
		m.logger.Warn("terminal bind failed", "session", sessionID, "error", err)
	}
}

func (m *Manager) sendUnbind(sessionID string) {
	err := m.client.Notify(context.Background(), methodUnbind, bindParams{SessionID: sessionID})
	if err != nil {
		m.logger.Warn("terminal unbind failed", "session", sessionID, "error", err)
	}
}

// StartOptions configures a new remote terminal session.
type StartOptions struct {
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	Shell            string `json:"shell,omitempty"`
	JobID            string `json:"jobId,omitempty"`
}

// StartSession asks the remote device for a new shell and registers it.
func (m *Manager) StartSession(ctx context.Context, opts StartOptions) (domain.TerminalSession, error) {
	raw, err := transport.CallUnary(ctx, m.client, methodStart, opts)
	if err != nil {
		return domain.TerminalSession{}, fmt.Errorf("start terminal: %w", err)
	}
	var session domain.TerminalSession
	if err := json.Unmarshal(raw, &session); err != nil || session.ID == "" {
		return domain.TerminalSession{}, &transport.DecodeError{What: "terminal session payload"}
	}
	m.loop.Call(func() {
		m.sessions[session.ID] = session
		m.ensureStream(session.ID)
	})
	return session, nil
}

func (m *Manager) Write(ctx context.Context, sessionID string, data []byte) error {
	if sessionID == "" {
		return ErrSessionRequired
	}
	params := struct {
		SessionID string `json:"sessionId"`
		Data      []byte `json:"data"`
	}{sessionID, data}
	if _, err := transport.CallUnary(ctx, m.client, methodWrite, params); err != nil {
		return fmt.Errorf("terminal write: %w", err)
	}
	return nil
}

func (m *Manager) Resize(ctx context.Context, sessionID string, cols, rows int) error {
	if sessionID == "" {
		return ErrSessionRequired
	}
	params := struct {
		SessionID string `json:"sessionId"`
		Cols      int    `json:"cols"`
		Rows      int    `json:"rows"`
	}{sessionID, cols, rows}
	if _, err := transport.CallUnary(ctx, m.client, methodResize, params); err != nil {
		return fmt.Errorf("terminal resize: %w", err)
	}
	return nil
}

// Kill terminates the remote session and finalizes local state.
func (m *Manager) Kill(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrSessionRequired
	}
	params := struct {
		SessionID string `json:"sessionId"`
	}{sessionID}
	if _, err := transport.CallUnary(ctx, m.client, methodKill, params); err != nil {
		return fmt.Errorf("terminal kill: %w", err)
	}
	m.loop.Post(func() { delete(m.sessions, sessionID) })
	m.Finalize(sessionID)
	return nil
}

// Bootstrap re-hydrates the known session list from the remote device.
func (m *Manager) Bootstrap(ctx context.Context) error {
	raw, err := transport.CallUnary(ctx, m.client, methodList, nil)
	if err != nil {
		return fmt.Errorf("list terminals: %w", err)
	}
	var body struct {
		Sessions []domain.TerminalSession `json:"sessions"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return &transport.DecodeError{What: "terminal session list"}
	}
	m.loop.Call(func() {
		for _, session := range body.Sessions {
			m.sessions[session.ID] = session
			if session.IsActive {
				m.ensureStream(session.ID)
			}
		}
	})
	return nil
}

func (m *Manager) Sessions() []domain.TerminalSession {
	var out []domain.TerminalSession
	m.loop.Call(func() {
		out = make([]domain.TerminalSession, 0, len(m.sessions))
		for _, session := range m.sessions {
			out = append(out, session)
		}
	})
	return out
}

func (m *Manager) Session(sessionID string) (domain.TerminalSession, bool) {
	var (
		session domain.TerminalSession
		ok      bool
	)
	m.loop.Call(func() { session, ok = m.sessions[sessionID] })
	return session, ok
}

// Reset drops all terminal state (device switch).
func (m *Manager) Reset() {
	m.loop.Post(m.reset)
}

// reset is loop-confined.
func (m *Manager) reset() {
	for _, st := range m.streams {
		st.bc.Close()
	}
	m.streams = make(map[string]*stream)
	m.sessions = make(map[string]domain.TerminalSession)
	m.bindings.Reset()
	m.lastBound = ""
}
