//go:build darwin

package tun

import (
	"fmt"
	"os/exec"

	"github.com/moeleak/connecttool/pkg/proto"
	"github.com/songgao/water"
)

// The darwin backend drives a utun control-socket device.  The 4-byte
// address-family prefix on utun reads and writes is handled inside the water
// library; address, route and MTU configuration go through ifconfig/route,
// the canonical tools on this platform.

type darwinDevice struct {
	iface *water.Interface
	name  string
	mtu   int
}

// New returns an unopened Device for this platform
func New() Device {
	return &darwinDevice{}
}

func (d *darwinDevice) Open(name string, mtu int) error {
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
		return fmt.Errorf("error creating utun device: %w", err)
	}
	d.iface = iface
	d.name = iface.Name()
	d.mtu = mtu
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

func (d *darwinDevice) Close() error {
	if d.iface == nil {
		return nil
	}
	err := d.iface.Close()
	d.iface = nil
	return err
}

func (d *darwinDevice) Read(buf []byte) (int, error) {
	if d.iface == nil {
		return 0, ErrNotOpen
	}
	return d.iface.Read(buf)
}

func (d *darwinDevice) Write(packet []byte) (int, error) {
	if d.iface == nil {
		return 0, ErrNotOpen
	}
	return d.iface.Write(packet)
}

func (d *darwinDevice) Name() string {
	return d.name
}

func (d *darwinDevice) SetIPv4(ip uint32, mask uint32) error {
	if d.iface == nil {
		return ErrNotOpen
	}
	ipStr := proto.FormatIPv4(ip)
	// utun is point-to-point; use the local address as its own peer
	out, err := exec.Command("ifconfig", d.name, "inet", ipStr, ipStr,
		"netmask", proto.FormatIPv4(mask)).CombinedOutput()
	if err != nil {
		return fmt.Errorf("ifconfig failed: %w: %s", err, out)
	}
	return nil
}

func (d *darwinDevice) AddRoute(network uint32, mask uint32) error {
	if d.iface == nil {
		return ErrNotOpen
	}
	cidr := fmt.Sprintf("%s/%d", proto.FormatIPv4(network&mask), maskPrefixLen(mask))
	out, err := exec.Command("route", "-n", "add", "-net", cidr,
		"-interface", d.name).CombinedOutput()
	if err != nil {
		return fmt.Errorf("route add failed: %w: %s", err, out)
	}
	return nil
}

func (d *darwinDevice) SetMTU(mtu int) error {
	if d.iface == nil {
		return ErrNotOpen
	}
	out, err := exec.Command("ifconfig", d.name, "mtu", fmt.Sprintf("%d", mtu)).CombinedOutput()
	if err != nil {
		return fmt.Errorf("ifconfig mtu failed: %w: %s", err, out)
	}
	d.mtu = mtu
	return nil
}

func (d *darwinDevice) SetUp(up bool) error {
	if d.iface == nil {
		return ErrNotOpen
	}
	state := "up"
	if !up {
		state = "down"
	}
	out, err := exec.Command("ifconfig", d.name, state).CombinedOutput()
	if err != nil {
		return fmt.Errorf("ifconfig %s failed: %w: %s", state, err, out)
	}
	return nil
}
