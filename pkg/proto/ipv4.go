package proto

import (
	"fmt"
	"net"

	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// IPv4 addresses are carried internally as host-order uint32s; conversion to
// network byte order happens only at the wire.

// IPToUint32 converts a net.IP to a host-order uint32, or 0 if it is not IPv4
func IPToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
}

// Uint32ToIP converts a host-order uint32 to a net.IP
func Uint32ToIP(ip uint32) net.IP {
	return net.IPv4(byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip))
}

// FormatIPv4 renders a host-order uint32 in dotted quad form
func FormatIPv4(ip uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip))
}

// ParseIPv4 parses a dotted quad into a host-order uint32, or 0 on failure
func ParseIPv4(s string) uint32 {
	return IPToUint32(net.ParseIP(s))
}

// MaskToUint32 converts an IPv4 netmask to a host-order uint32
func MaskToUint32(mask net.IPMask) uint32 {
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	if len(mask) != net.IPv4len {
		return 0
	}
	return uint32(mask[0])<<24 | uint32(mask[1])<<16 | uint32(mask[2])<<8 | uint32(mask[3])
}

// DatagramAddrs extracts the source and destination addresses of an IPv4
// datagram.  Returns zeros for anything that is not a well-formed IPv4 header.
func DatagramAddrs(datagram []byte) (src uint32, dest uint32) {
	if len(datagram) < header.IPv4MinimumSize {
		return 0, 0
	}
	if header.IPVersion(datagram) != header.IPv4Version {
		return 0, 0
	}
	pkt := header.IPv4(datagram)
	if int(pkt.HeaderLength()) < header.IPv4MinimumSize {
		return 0, 0
	}
	srcAddr := pkt.SourceAddress()
	destAddr := pkt.DestinationAddress()
	return IPToUint32(net.IP(srcAddr.AsSlice())), IPToUint32(net.IP(destAddr.AsSlice()))
}

// SubnetContains reports whether ip falls inside the subnet (base, mask)
func SubnetContains(base, mask, ip uint32) bool {
	return ip&mask == base&mask
}

// IsBroadcast reports whether ip is the limited broadcast, the subnet's
// directed broadcast, or a multicast group address.
func IsBroadcast(ip, base, mask uint32) bool {
	if ip == 0xFFFFFFFF {
		return true
	}
	if ip == (base&mask)|^mask {
		return true
	}
	firstOctet := byte(ip >> 24)
	return firstOctet >= 224 && firstOctet <= 239
}
