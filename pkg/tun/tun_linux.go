//go:build linux

package tun

import (
	"fmt"
	"net"

	"github.com/moeleak/connecttool/pkg/proto"
	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
)

type linuxDevice struct {
	iface *water.Interface
	nl    netlink.Link
	name  string
}

// New returns an unopened Device for this platform
func New() Device {
	return &linuxDevice{}
}

func (d *linuxDevice) Open(name string, mtu int) error {
	if d.iface != nil {
		return ErrAlreadyOpen
	}
	iface, err := water.New(water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: name,
		},
	})
	if err != nil {
		return fmt.Errorf("error creating tun device: %w", err)
	}
	d.iface = iface
	d.name = iface.Name()
	d.nl, err = netlink.LinkByName(d.name)
	if err != nil {
		_ = iface.Close()
		d.iface = nil
		return fmt.Errorf("error accessing link for tun device: %w", err)
	}
	if mtu > 0 {
		err = d.SetMTU(mtu)
		if err != nil {
			_ = iface.Close()
			d.iface = nil
			return err
		}
	}
	return nil
}

func (d *linuxDevice) Close() error {
	if d.iface == nil {
		return nil
	}
	err := d.iface.Close()
	d.iface = nil
	return err
}

func (d *linuxDevice) Read(buf []byte) (int, error) {
	if d.iface == nil {
		return 0, ErrNotOpen
	}
	return d.iface.Read(buf)
}

func (d *linuxDevice) Write(packet []byte) (int, error) {
	if d.iface == nil {
		return 0, ErrNotOpen
	}
	return d.iface.Write(packet)
}

func (d *linuxDevice) Name() string {
	return d.name
}

func (d *linuxDevice) SetIPv4(ip uint32, mask uint32) error {
	if d.iface == nil {
		return ErrNotOpen
	}
	err := netlink.AddrAdd(d.nl, &netlink.Addr{
		IPNet: &net.IPNet{
			IP:   proto.Uint32ToIP(ip),
			Mask: net.CIDRMask(maskPrefixLen(mask), 32),
		},
	})
	if err != nil {
		return fmt.Errorf("error setting tun device address: %w", err)
	}
	return nil
}

func (d *linuxDevice) AddRoute(network uint32, mask uint32) error {
	if d.iface == nil {
		return ErrNotOpen
	}
	err := netlink.RouteReplace(&netlink.Route{
		LinkIndex: d.nl.Attrs().Index,
		Scope:     netlink.SCOPE_UNIVERSE,
		Dst: &net.IPNet{
			IP:   proto.Uint32ToIP(network & mask),
			Mask: net.CIDRMask(maskPrefixLen(mask), 32),
		},
	})
	if err != nil {
		return fmt.Errorf("error adding route to tun device: %w", err)
	}
	return nil
}

func (d *linuxDevice) SetMTU(mtu int) error {
	if d.iface == nil {
		return ErrNotOpen
	}
	err := netlink.LinkSetMTU(d.nl, mtu)
	if err != nil {
		return fmt.Errorf("error setting tun device mtu: %w", err)
	}
	return nil
}

func (d *linuxDevice) SetUp(up bool) error {
	if d.iface == nil {
		return ErrNotOpen
	}
	var err error
	if up {
		err = netlink.LinkSetUp(d.nl)
	} else {
		err = netlink.LinkSetDown(d.nl)
	}
	if err != nil {
		return fmt.Errorf("error changing tun device state: %w", err)
	}
	return nil
}
