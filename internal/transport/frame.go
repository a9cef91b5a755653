package transport

import (
	"encoding/binary"
	"errors"
)

var ErrFrameTooShort = errors.New("binary frame too short")

// Binary frames are framed as a big-endian u16 session-id length, the
// session id bytes, then the terminal payload. A zero-length id means the
// producer did not tag the frame.

func EncodeBinaryFrame(sessionID string, data []byte) []byte {
	out := make([]byte, 2+len(sessionID)+len(data))
	binary.BigEndian.PutUint16(out[0:2], uint16(len(sessionID)))
	copy(out[2:], sessionID)
	copy(out[2+len(sessionID):], data)
	return out
}

func DecodeBinaryFrame(raw []byte) (BinaryFrame, error) {
	if len(raw) < 2 {
		return BinaryFrame{}, ErrFrameTooShort
	}
	idLen := int(binary.BigEndian.Uint16(raw[0:2]))
	if len(raw) < 2+idLen {
		return BinaryFrame{}, ErrFrameTooShort
	}
	return BinaryFrame{
		SessionID: string(raw[2 : 2+idLen]),
		Data:      raw[2+idLen:],
	}, nil
}
