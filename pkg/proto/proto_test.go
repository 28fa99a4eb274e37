package proto

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5}
	msg := EncodeMessage(MsgTypeHeartbeat, payload)
	mt, body, err := DecodeMessage(msg)
	if err != nil {
		t.Fatal(err)
	}
	if mt != MsgTypeHeartbeat {
		t.Fatalf("wrong type %d", mt)
	}
	if !bytes.Equal(body, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestDecodeTruncated(t *testing.T) {
	_, _, err := DecodeMessage([]byte{1, 0})
	if err == nil {
		t.Fatal("expected error on short header")
	}
	// header claims 10 bytes of payload but carries 2
	msg := EncodeMessage(MsgTypeIPPacket, make([]byte, 10))
	_, _, err = DecodeMessage(msg[:HeaderSize+2])
	if err == nil {
		t.Fatal("expected error on length mismatch")
	}
}

func TestProbeRequestRoundTrip(t *testing.T) {
	in := &ProbeRequest{IP: 0x0A00ABCD, NodeID: GenerateNodeID(42)}
	out, err := ParseProbeRequest(in.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if *out != *in {
		t.Fatalf("got %+v want %+v", out, in)
	}
}

func TestProbeResponseRoundTrip(t *testing.T) {
	in := &ProbeResponse{IP: 0x0A000001, NodeID: GenerateNodeID(7), LastHeartbeatMs: 1234567890123}
	out, err := ParseProbeResponse(in.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if *out != *in {
		t.Fatalf("got %+v want %+v", out, in)
	}
}

func TestAnnounceReleaseHeartbeatRoundTrip(t *testing.T) {
	a := &AddressAnnounce{IP: 0x0A010203, NodeID: GenerateNodeID(1)}
	aOut, err := ParseAddressAnnounce(a.Marshal())
	if err != nil || *aOut != *a {
		t.Fatalf("announce round trip failed: %v", err)
	}
	r := &ForcedRelease{IP: 0x0A010203, WinnerNodeID: GenerateNodeID(2)}
	rOut, err := ParseForcedRelease(r.Marshal())
	if err != nil || *rOut != *r {
		t.Fatalf("release round trip failed: %v", err)
	}
	h := &Heartbeat{IP: 0x0A010204, NodeID: GenerateNodeID(3), TimestampMs: -1}
	hOut, err := ParseHeartbeat(h.Marshal())
	if err != nil || *hOut != *h {
		t.Fatalf("heartbeat round trip failed: %v", err)
	}
}

func TestRoutePairsRoundTrip(t *testing.T) {
	in := []RoutePair{
		{UserID: 76561198000000001, IP: 0x0A000001},
		{UserID: 76561198000000002, IP: 0x0A000002},
	}
	out := ParseRoutePairs(MarshalRoutePairs(in))
	if len(out) != len(in) {
		t.Fatalf("got %d pairs", len(out))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("pair %d: got %+v want %+v", i, out[i], in[i])
		}
	}
	// trailing partial entry is ignored
	b := MarshalRoutePairs(in)
	out = ParseRoutePairs(b[:len(b)-3])
	if len(out) != 1 {
		t.Fatalf("expected 1 pair with trailing garbage, got %d", len(out))
	}
}

func TestIPPacketWrapperRoundTrip(t *testing.T) {
	sender := GenerateNodeID(99)
	datagram := []byte{0x45, 0, 0, 20, 0, 0, 0, 0, 64, 1, 0, 0, 10, 0, 0, 1, 10, 0, 0, 2}
	b := WrapIPPacket(sender, 0x0A000001, datagram)
	w, dg, err := UnwrapIPPacket(b)
	if err != nil {
		t.Fatal(err)
	}
	if w.SenderNodeID != sender || w.SourceIP != 0x0A000001 {
		t.Fatalf("wrapper mismatch: %+v", w)
	}
	if !bytes.Equal(dg, datagram) {
		t.Fatalf("datagram mismatch")
	}
}

func TestMuxFrameRoundTrip(t *testing.T) {
	payload := []byte("hello tunnel")
	frame, err := BuildMuxFrame("a1B2c3", MuxFrameData, payload)
	if err != nil {
		t.Fatal(err)
	}
	id, frameType, body, err := ParseMuxFrame(frame)
	if err != nil {
		t.Fatal(err)
	}
	if id != "a1B2c3" || frameType != MuxFrameData || !bytes.Equal(body, payload) {
		t.Fatalf("got id=%q type=%d body=%q", id, frameType, body)
	}
	// disconnect frames never carry a payload
	frame, err = BuildMuxFrame("a1B2c3", MuxFrameDisconnect, payload)
	if err != nil {
		t.Fatal(err)
	}
	_, frameType, body, err = ParseMuxFrame(frame)
	if err != nil {
		t.Fatal(err)
	}
	if frameType != MuxFrameDisconnect || len(body) != 0 {
		t.Fatalf("disconnect frame carried payload")
	}
	_, err = BuildMuxFrame("short", MuxFrameData, nil)
	if err == nil {
		t.Fatal("expected error for bad id length")
	}
}

func TestDiscoveryFrameRoundTrip(t *testing.T) {
	payload := []byte{9, 8, 7}
	frame := BuildDiscoveryFrame(DiscoveryRequest, 0x1234, payload)
	if !IsDiscoveryFrame(frame) {
		t.Fatal("magic not recognized")
	}
	frameType, reqID, body, err := ParseDiscoveryFrame(frame)
	if err != nil {
		t.Fatal(err)
	}
	if frameType != DiscoveryRequest || reqID != 0x1234 || !bytes.Equal(body, payload) {
		t.Fatalf("got type=%d id=%x body=%v", frameType, reqID, body)
	}
	_, _, _, err = ParseDiscoveryFrame(frame[:8])
	if err == nil {
		t.Fatal("expected error on short frame")
	}
}
