package tun

import "fmt"

// Device is a Layer-3 virtual network interface.  Read returns one IPv4
// packet per call and blocks until a packet arrives or the device is closed;
// Close is the way to unblock a pending Read.  Address, route and MTU
// configuration go through the platform's native facilities.
type Device interface {
	Open(name string, mtu int) error
	Close() error
	Read(buf []byte) (int, error)
	Write(packet []byte) (int, error)
	Name() string
	SetIPv4(ip uint32, mask uint32) error
	AddRoute(network uint32, mask uint32) error
	SetMTU(mtu int) error
	SetUp(up bool) error
}

var ErrNotOpen = fmt.Errorf("tun device not open")
var ErrAlreadyOpen = fmt.Errorf("tun device already open")

// maskPrefixLen converts a contiguous netmask to its prefix length
func maskPrefixLen(mask uint32) int {
	prefix := 0
	for mask&0x80000000 != 0 {
		prefix++
		mask <<= 1
	}
	return prefix
}
