package proto

import (
	"bytes"
	"encoding/binary"
)

// Framing for LAN discovery traffic bridged over the tunnel:
//   0-3  magic "UDPB"
//   4    type (0=request, 1=response)
//   5-6  request id, little endian
//   7-8  payload length, little endian
//   9-   payload

// DiscoveryMagic identifies bridged LAN discovery frames
var DiscoveryMagic = []byte("UDPB")

const discoveryHeaderSize = 9

// Discovery frame types
const (
	DiscoveryRequest  uint8 = 0
	DiscoveryResponse uint8 = 1
)

// IsDiscoveryFrame reports whether data starts with the discovery magic
func IsDiscoveryFrame(data []byte) bool {
	return len(data) >= len(DiscoveryMagic) && bytes.Equal(data[:len(DiscoveryMagic)], DiscoveryMagic)
}

// BuildDiscoveryFrame assembles a bridged discovery frame
func BuildDiscoveryFrame(frameType uint8, reqID uint16, payload []byte) []byte {
	frame := make([]byte, discoveryHeaderSize+len(payload))
	copy(frame, DiscoveryMagic)
	frame[4] = frameType
	binary.LittleEndian.PutUint16(frame[5:], reqID)
	binary.LittleEndian.PutUint16(frame[7:], uint16(len(payload)))
	copy(frame[discoveryHeaderSize:], payload)
	return frame
}

// ParseDiscoveryFrame splits a bridged discovery frame.  The payload aliases
// the input.
func ParseDiscoveryFrame(data []byte) (uint8, uint16, []byte, error) {
	if len(data) < discoveryHeaderSize || !IsDiscoveryFrame(data) {
		return 0, 0, nil, ErrTruncated
	}
	frameType := data[4]
	reqID := binary.LittleEndian.Uint16(data[5:])
	payloadLen := binary.LittleEndian.Uint16(data[7:])
	if len(data) < discoveryHeaderSize+int(payloadLen) {
		return 0, 0, nil, ErrTruncated
	}
	return frameType, reqID, data[discoveryHeaderSize : discoveryHeaderSize+int(payloadLen)], nil
}
