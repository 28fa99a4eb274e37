package proto

import (
	"encoding/binary"
	"fmt"
)

// Wire format for the VPN overlay control and data plane.  A message is a
// 3-byte header (type, payload length) followed by the payload.  Multi-byte
// integers in control payloads are network byte order; the route update's
// user id is little endian because that is how the substrate emits it.

// MsgType enumerates the types of overlay protocol messages
type MsgType uint8

const (
	MsgTypeIPPacket        MsgType = 1
	MsgTypeRouteUpdate     MsgType = 3
	MsgTypeProbeRequest    MsgType = 10
	MsgTypeProbeResponse   MsgType = 11
	MsgTypeAddressAnnounce MsgType = 12
	MsgTypeForcedRelease   MsgType = 13
	MsgTypeHeartbeat       MsgType = 14
	MsgTypeHeartbeatAck    MsgType = 15 // reserved, never emitted
	MsgTypeSessionHello    MsgType = 20
)

// HeaderSize is the encoded size of the message header
const HeaderSize = 3

// Fixed payload sizes
const (
	ProbeRequestSize    = 4 + NodeIDSize
	ProbeResponseSize   = 4 + NodeIDSize + 8
	AddressAnnounceSize = 4 + NodeIDSize
	ForcedReleaseSize   = 4 + NodeIDSize
	HeartbeatSize       = 4 + NodeIDSize + 8
	PacketWrapperSize   = NodeIDSize + 4
	RoutePairSize       = 12
)

var ErrTruncated = fmt.Errorf("truncated message")
var ErrUnknownMessageType = fmt.Errorf("unknown message type")

// EncodeMessage prepends a header to a payload
func EncodeMessage(t MsgType, payload []byte) []byte {
	msg := make([]byte, HeaderSize+len(payload))
	msg[0] = byte(t)
	binary.BigEndian.PutUint16(msg[1:3], uint16(len(payload)))
	copy(msg[HeaderSize:], payload)
	return msg
}

// DecodeMessage splits a message into its type and payload.  The payload
// aliases the input.  Trailing bytes beyond the declared length are ignored;
// a declared length that exceeds the data (header length mismatch) is
// rejected with ErrTruncated.
func DecodeMessage(data []byte) (MsgType, []byte, error) {
	if len(data) < HeaderSize {
		return 0, nil, ErrTruncated
	}
	t := MsgType(data[0])
	length := binary.BigEndian.Uint16(data[1:3])
	if len(data) < HeaderSize+int(length) {
		return 0, nil, ErrTruncated
	}
	return t, data[HeaderSize : HeaderSize+int(length)], nil
}

// ProbeRequest asks whether anyone claims an address
type ProbeRequest struct {
	IP     uint32
	NodeID NodeID
}

func (p *ProbeRequest) Marshal() []byte {
	b := make([]byte, ProbeRequestSize)
	binary.BigEndian.PutUint32(b, p.IP)
	copy(b[4:], p.NodeID[:])
	return b
}

func ParseProbeRequest(b []byte) (*ProbeRequest, error) {
	if len(b) < ProbeRequestSize {
		return nil, ErrTruncated
	}
	p := &ProbeRequest{IP: binary.BigEndian.Uint32(b)}
	copy(p.NodeID[:], b[4:])
	return p, nil
}

// ProbeResponse answers a probe with the responder's claim and its liveness
type ProbeResponse struct {
	IP              uint32
	NodeID          NodeID
	LastHeartbeatMs int64
}

func (p *ProbeResponse) Marshal() []byte {
	b := make([]byte, ProbeResponseSize)
	binary.BigEndian.PutUint32(b, p.IP)
	copy(b[4:], p.NodeID[:])
	binary.BigEndian.PutUint64(b[4+NodeIDSize:], uint64(p.LastHeartbeatMs))
	return b
}

func ParseProbeResponse(b []byte) (*ProbeResponse, error) {
	if len(b) < ProbeResponseSize {
		return nil, ErrTruncated
	}
	p := &ProbeResponse{IP: binary.BigEndian.Uint32(b)}
	copy(p.NodeID[:], b[4:])
	p.LastHeartbeatMs = int64(binary.BigEndian.Uint64(b[4+NodeIDSize:]))
	return p, nil
}

// AddressAnnounce declares a successful claim
type AddressAnnounce struct {
	IP     uint32
	NodeID NodeID
}

func (p *AddressAnnounce) Marshal() []byte {
	b := make([]byte, AddressAnnounceSize)
	binary.BigEndian.PutUint32(b, p.IP)
	copy(b[4:], p.NodeID[:])
	return b
}

func ParseAddressAnnounce(b []byte) (*AddressAnnounce, error) {
	if len(b) < AddressAnnounceSize {
		return nil, ErrTruncated
	}
	p := &AddressAnnounce{IP: binary.BigEndian.Uint32(b)}
	copy(p.NodeID[:], b[4:])
	return p, nil
}

// ForcedRelease orders a lower-priority claimant off an address
type ForcedRelease struct {
	IP           uint32
	WinnerNodeID NodeID
}

func (p *ForcedRelease) Marshal() []byte {
	b := make([]byte, ForcedReleaseSize)
	binary.BigEndian.PutUint32(b, p.IP)
	copy(b[4:], p.WinnerNodeID[:])
	return b
}

func ParseForcedRelease(b []byte) (*ForcedRelease, error) {
	if len(b) < ForcedReleaseSize {
		return nil, ErrTruncated
	}
	p := &ForcedRelease{IP: binary.BigEndian.Uint32(b)}
	copy(p.WinnerNodeID[:], b[4:])
	return p, nil
}

// Heartbeat is the periodic liveness broadcast
type Heartbeat struct {
	IP          uint32
	NodeID      NodeID
	TimestampMs int64
}

func (p *Heartbeat) Marshal() []byte {
	b := make([]byte, HeartbeatSize)
	binary.BigEndian.PutUint32(b, p.IP)
	copy(b[4:], p.NodeID[:])
	binary.BigEndian.PutUint64(b[4+NodeIDSize:], uint64(p.TimestampMs))
	return b
}

func ParseHeartbeat(b []byte) (*Heartbeat, error) {
	if len(b) < HeartbeatSize {
		return nil, ErrTruncated
	}
	p := &Heartbeat{IP: binary.BigEndian.Uint32(b)}
	copy(p.NodeID[:], b[4:])
	p.TimestampMs = int64(binary.BigEndian.Uint64(b[4+NodeIDSize:]))
	return p, nil
}

// RoutePair is one entry of a route update.  The user id is little endian on
// the wire; the address is network byte order.
type RoutePair struct {
	UserID uint64
	IP     uint32
}

// MarshalRoutePairs encodes a route table dump
func MarshalRoutePairs(pairs []RoutePair) []byte {
	b := make([]byte, 0, len(pairs)*RoutePairSize)
	for _, p := range pairs {
		entry := make([]byte, RoutePairSize)
		binary.LittleEndian.PutUint64(entry, p.UserID)
		binary.BigEndian.PutUint32(entry[8:], p.IP)
		b = append(b, entry...)
	}
	return b
}

// ParseRoutePairs decodes a route table dump, ignoring a trailing partial entry
func ParseRoutePairs(b []byte) []RoutePair {
	pairs := make([]RoutePair, 0, len(b)/RoutePairSize)
	for len(b) >= RoutePairSize {
		pairs = append(pairs, RoutePair{
			UserID: binary.LittleEndian.Uint64(b),
			IP:     binary.BigEndian.Uint32(b[8:]),
		})
		b = b[RoutePairSize:]
	}
	return pairs
}

// PacketWrapper prefixes every tunneled IP datagram with the sender's
// identity and claimed source address, so receivers can detect spoofed or
// conflicting claims at the packet level.
type PacketWrapper struct {
	SenderNodeID NodeID
	SourceIP     uint32
}

// WrapIPPacket builds an IP_PACKET payload (wrapper plus raw datagram)
func WrapIPPacket(sender NodeID, sourceIP uint32, datagram []byte) []byte {
	b := make([]byte, PacketWrapperSize+len(datagram))
	copy(b, sender[:])
	binary.BigEndian.PutUint32(b[NodeIDSize:], sourceIP)
	copy(b[PacketWrapperSize:], datagram)
	return b
}

// UnwrapIPPacket splits an IP_PACKET payload into its wrapper and datagram.
// The datagram aliases the input.
func UnwrapIPPacket(b []byte) (*PacketWrapper, []byte, error) {
	if len(b) < PacketWrapperSize {
		return nil, nil, ErrTruncated
	}
	w := &PacketWrapper{}
	copy(w.SenderNodeID[:], b)
	w.SourceIP = binary.BigEndian.Uint32(b[NodeIDSize:])
	return w, b[PacketWrapperSize:], nil
}
