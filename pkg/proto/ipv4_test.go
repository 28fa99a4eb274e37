package proto

import (
	"net"
	"testing"
)

func TestIPConversions(t *testing.T) {
	ip := ParseIPv4("10.0.171.205")
	if ip != 0x0A00ABCD {
		t.Fatalf("parse: %08x", ip)
	}
	if FormatIPv4(ip) != "10.0.171.205" {
		t.Fatalf("format: %s", FormatIPv4(ip))
	}
	if IPToUint32(Uint32ToIP(ip)) != ip {
		t.Fatal("uint32 round trip")
	}
	if ParseIPv4("not-an-ip") != 0 {
		t.Fatal("bad input should parse to 0")
	}
	if MaskToUint32(net.CIDRMask(8, 32)) != 0xFF000000 {
		t.Fatal("mask conversion")
	}
}

func TestDatagramAddrs(t *testing.T) {
	datagram := make([]byte, 20)
	datagram[0] = 0x45
	copy(datagram[12:16], []byte{10, 0, 0, 1})
	copy(datagram[16:20], []byte{10, 0, 0, 2})
	src, dest := DatagramAddrs(datagram)
	if src != 0x0A000001 || dest != 0x0A000002 {
		t.Fatalf("src=%08x dest=%08x", src, dest)
	}
	// not IPv4
	datagram[0] = 0x60
	src, dest = DatagramAddrs(datagram)
	if src != 0 || dest != 0 {
		t.Fatal("non-IPv4 datagram should yield zeros")
	}
	// too short
	src, dest = DatagramAddrs(datagram[:19])
	if src != 0 || dest != 0 {
		t.Fatal("short datagram should yield zeros")
	}
}

func TestIsBroadcast(t *testing.T) {
	base := ParseIPv4("10.0.0.0")
	mask := ParseIPv4("255.0.0.0")
	cases := []struct {
		ip   string
		want bool
	}{
		{"255.255.255.255", true},
		{"10.255.255.255", true}, // subnet directed broadcast
		{"224.0.0.251", true},    // multicast
		{"239.255.255.250", true},
		{"10.0.171.205", false},
		{"10.0.0.1", false},
		{"8.8.8.8", false},
	}
	for _, c := range cases {
		if got := IsBroadcast(ParseIPv4(c.ip), base, mask); got != c.want {
			t.Errorf("IsBroadcast(%s) = %v, want %v", c.ip, got, c.want)
		}
	}
}

func TestSubnetContains(t *testing.T) {
	base := ParseIPv4("10.0.0.0")
	mask := ParseIPv4("255.0.0.0")
	if !SubnetContains(base, mask, ParseIPv4("10.200.1.2")) {
		t.Fatal("address inside subnet rejected")
	}
	if SubnetContains(base, mask, ParseIPv4("192.168.1.1")) {
		t.Fatal("address outside subnet accepted")
	}
}
