package api

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	realtimeTypes "github.com/pairlink/hostsync/pkg/realtime"
)

const outboundBufferSize = 64

// pushConn serializes all outbound writes through one queue so the reader and
// the state subscription never write the socket concurrently. Queueing is
// non-blocking: every state payload is a complete snapshot, so a dropped
// intermediate loses nothing.
type pushConn struct {
	conn  *websocket.Conn
	send  chan realtimeTypes.ServerEnvelope
	close sync.Once
}

func newPushConn(conn *websocket.Conn) *pushConn {
	return &pushConn{
		conn: conn,
		send: make(chan realtimeTypes.ServerEnvelope, outboundBufferSize),
	}
}

func (p *pushConn) Queue(msg realtimeTypes.ServerEnvelope) bool {
	select {
	case p.send <- msg:
		return true
	default:
		return false
	}
}

func (p *pushConn) WriteLoop() {
	for msg := range p.send {
		if err := p.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func (p *pushConn) Close() {
	p.close.Do(func() {
		_ = p.conn.Close()
		close(p.send)
	})
}

// realtimeWebSocket pushes the derived job projection: a snapshot on
// subscribe, then one event per published recompute.
func (h *Handler) realtimeWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	push := newPushConn(conn)
	defer push.Close()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		push.WriteLoop()
	}()

	var (
		stateCancel func()
		stateDone   chan struct{}
	)
	defer func() {
		if stateCancel != nil {
			stateCancel()
			<-stateDone
		}
		push.Close()
		<-writeDone
	}()

	for {
		var msg realtimeTypes.ClientEnvelope
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case realtimeTypes.ClientMessageTypeSubscribe:
			if stateCancel != nil || !topicRequested(msg.Topics, realtimeTypes.TopicJobsState) {
				continue
			}
			states, cancel := h.core.DerivedState().Subscribe(0)
			stateCancel = cancel
			stateDone = make(chan struct{})
			go func() {
				defer close(stateDone)
				first := true
				for state := range states {
					msgType := realtimeTypes.ServerMessageTypeEvent
					if first {
						msgType = realtimeTypes.ServerMessageTypeSnapshot
						first = false
					}
					push.Queue(realtimeTypes.ServerEnvelope{
						Type:    msgType,
						Topic:   realtimeTypes.TopicJobsState,
						Payload: stateToView(state),
					})
				}
			}()
		case realtimeTypes.ClientMessageTypeUnsubscribe:
			if stateCancel != nil {
				stateCancel()
				<-stateDone
				stateCancel = nil
				stateDone = nil
			}
		case realtimeTypes.ClientMessageTypePing:
			push.Queue(realtimeTypes.ServerEnvelope{Type: realtimeTypes.ServerMessageTypePong})
		default:
			push.Queue(realtimeTypes.ServerEnvelope{
				Type:    realtimeTypes.ServerMessageTypeError,
				Message: "unsupported message type",
			})
		}
	}
}

func topicRequested(topics []string, want string) bool {
	if len(topics) == 0 {
		return true
	}
	for _, t := range topics {
		if t == want {
			return true
		}
	}
	return false
}
