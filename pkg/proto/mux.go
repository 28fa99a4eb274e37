package proto

import (
	"encoding/binary"
	"fmt"
)

// Framing for the id-multiplexed TCP tunnel.  Each frame is a 6-character
// session id, a NUL, a little-endian u32 frame type, and (for data frames)
// the payload.

// MuxIDLen is the length of a session id
const MuxIDLen = 6

// muxHeaderSize is id + NUL + type
const muxHeaderSize = MuxIDLen + 1 + 4

// Mux frame types
const (
	MuxFrameData       uint32 = 0
	MuxFrameDisconnect uint32 = 1
)

var ErrBadMuxID = fmt.Errorf("mux id must be %d characters", MuxIDLen)

// BuildMuxFrame assembles a tunnel frame.  Non-data frames carry no payload.
func BuildMuxFrame(id string, frameType uint32, payload []byte) ([]byte, error) {
	if len(id) != MuxIDLen {
		return nil, ErrBadMuxID
	}
	payloadLen := 0
	if frameType == MuxFrameData {
		payloadLen = len(payload)
	}
	frame := make([]byte, muxHeaderSize+payloadLen)
	copy(frame, id)
	binary.LittleEndian.PutUint32(frame[MuxIDLen+1:], frameType)
	if payloadLen > 0 {
		copy(frame[muxHeaderSize:], payload)
	}
	return frame, nil
}

// ParseMuxFrame splits a tunnel frame into id, type and payload.  The payload
// aliases the input.
func ParseMuxFrame(data []byte) (string, uint32, []byte, error) {
	if len(data) < muxHeaderSize {
		return "", 0, nil, ErrTruncated
	}
	id := string(data[:MuxIDLen])
	frameType := binary.LittleEndian.Uint32(data[MuxIDLen+1:])
	return id, frameType, data[muxHeaderSize:], nil
}
