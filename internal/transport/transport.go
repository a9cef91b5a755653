// Package transport defines the device-link boundary the sync core consumes:
// a request/response call primitive whose responses arrive as a stream
// terminated by a final flag or error, a typed event feed, a binary frame
// feed for terminal bytes, and per-device connectivity state.
package transport

import (
	"context"
	"encoding/json"
)

// Envelope is one event from the remote feed.
type Envelope struct {
	Type    string
	Payload json.RawMessage
}

// BinaryFrame is one terminal byte frame. SessionID is empty when the frame
// omitted one; the terminal manager falls back to the last bound session.
type BinaryFrame struct {
	SessionID string
	Data      []byte
}

// ConnState reports connectivity of the active remote device. A transition
// to Connected after an outage is the trigger for reconciliation and
// terminal rebinding.
type ConnState struct {
	Connected bool
	DeviceID  string
}

// CallChunk is one element of a call's response stream. A chunk with Final
// set or a non-nil Err ends the stream.
type CallChunk struct {
	Payload json.RawMessage
	Final   bool
	Err     error
}

// Client is the transport consumed by the sync core. Implementations must be
// safe for concurrent use; all channels are owned by the client and closed
// only on shutdown.
type Client interface {
	// Call issues a request and returns its response stream.
	Call(ctx context.Context, method string, params any) (<-chan CallChunk, error)

	// Notify sends a fire-and-forget control message.
	Notify(ctx context.Context, method string, params any) error

	Events() <-chan Envelope
	BinaryFrames() <-chan BinaryFrame
	ConnStates() <-chan ConnState

	// ActiveDeviceID returns the currently paired device, or "" when none.
	ActiveDeviceID() string
}

// CallUnary drains a call's response stream and returns the last payload.
// Most job operations are unary; streamed bodies arrive as events instead.
func CallUnary(ctx context.Context, c Client, method string, params any) (json.RawMessage, error) {
	stream, err := c.Call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	var last json.RawMessage
	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				return last, nil
			}
			if chunk.Err != nil {
				return nil, chunk.Err
			}
			if chunk.Payload != nil {
				last = chunk.Payload
			}
			if chunk.Final {
				return last, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
