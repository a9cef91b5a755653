package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	apiTypes "github.com/pairlink/hostsync/pkg/api"
)

type terminalInboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// terminalWebSocket attaches a viewer to a terminal session. Output flows as
// binary frames, buffered history first; input arrives as binary writes or
// typed JSON messages. Closing the socket releases the attachment, which
// unbinds the upstream session after the grace period if no viewer remains.
func (h *Handler) terminalWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	terminals := h.core.Terminals()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	terminals.Attach(r.Context(), sessionID)
	defer terminals.Detach(sessionID)

	output, cancel := terminals.Subscribe(sessionID, 0)
	defer cancel()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for chunk := range output {
			if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				return
			}
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		switch msgType {
		case websocket.BinaryMessage:
			if err := terminals.Write(r.Context(), sessionID, data); err != nil {
				h.logger.Warn("terminal write failed", "session", sessionID, "error", err)
			}
		case websocket.TextMessage:
			h.handleTerminalMessage(r, sessionID, data)
		}
	}

	cancel()
	<-writeDone
	// Drain so the subscription relay can finish after an early write error.
	for range output {
	}
}

func (h *Handler) handleTerminalMessage(r *http.Request, sessionID string, data []byte) {
	var msg terminalInboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	terminals := h.core.Terminals()

	switch msg.Type {
	case "input.text":
		var payload struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return
		}
		if err := terminals.Write(r.Context(), sessionID, []byte(payload.Text)); err != nil {
			h.logger.Warn("terminal write failed", "session", sessionID, "error", err)
		}
	case "input.resize":
		var payload apiTypes.ResizeRequest
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return
		}
		if payload.Cols <= 0 || payload.Rows <= 0 {
			return
		}
		if err := terminals.Resize(r.Context(), sessionID, payload.Cols, payload.Rows); err != nil {
			h.logger.Warn("terminal resize failed", "session", sessionID, "error", err)
		}
	}
}
