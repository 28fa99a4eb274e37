//go:build windows

package tun

import (
	"errors"
	"fmt"
	"os/exec"

	"github.com/moeleak/connecttool/pkg/proto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/windows"
	"golang.zx2c4.com/wintun"
)

// The windows backend uses the wintun user-space L3 adapter.  Address and
// MTU configuration go through netsh and routes through the route tool; the
// firewall allow-rule is best-effort and only produces a warning on failure.

const sessionCapacity = 0x400000

type windowsDevice struct {
	adapter *wintun.Adapter
	session wintun.Session
	name    string
	open    bool
}

// New returns an unopened Device for this platform
func New() Device {
	return &windowsDevice{}
}

func (d *windowsDevice) Open(name string, mtu int) error {
	if d.open {
		return ErrAlreadyOpen
	}
	if name == "" {
		name = "ConnectTool"
	}
	adapter, err := wintun.CreateAdapter(name, "ConnectTool", nil)
	if err != nil {
		return fmt.Errorf("error creating wintun adapter: %w", err)
	}
	session, err := adapter.StartSession(sessionCapacity)
	if err != nil {
		adapter.Close()
		return fmt.Errorf("error starting wintun session: %w", err)
	}
	d.adapter = adapter
	d.session = session
	d.name = name
	d.open = true
	if mtu > 0 {
		err = d.SetMTU(mtu)
		if err != nil {
			log.Warnf("could not set mtu on %s: %s", name, err)
		}
	}
	d.addFirewallRule()
	return nil
}

// addFirewallRule installs an allow rule for the adapter.  Best-effort.
func (d *windowsDevice) addFirewallRule() {
	out, err := exec.Command("netsh", "advfirewall", "firewall", "add", "rule",
		fmt.Sprintf("name=%s", d.name), "dir=in", "action=allow",
		fmt.Sprintf("localip=%s", "any"), "enable=yes").CombinedOutput()
	if err != nil {
		log.Warnf("could not add firewall rule for %s: %s: %s", d.name, err, out)
	}
}

func (d *windowsDevice) Close() error {
	if !d.open {
		return nil
	}
	d.open = false
	d.session.End()
	d.adapter.Close()
	return nil
}

func (d *windowsDevice) Read(buf []byte) (int, error) {
	for d.open {
		packet, err := d.session.ReceivePacket()
		if err == nil {
			n := copy(buf, packet)
			d.session.ReleaseReceivePacket(packet)
			return n, nil
		}
		if errors.Is(err, windows.ERROR_NO_MORE_ITEMS) {
			// block on the session's read-wait event until a packet arrives
			_, werr := windows.WaitForSingleObject(d.session.ReadWaitEvent(), windows.INFINITE)
			if werr != nil {
				return 0, werr
			}
			continue
		}
		return 0, err
	}
	return 0, ErrNotOpen
}

func (d *windowsDevice) Write(packet []byte) (int, error) {
	if !d.open {
		return 0, ErrNotOpen
	}
	buf, err := d.session.AllocateSendPacket(len(packet))
	if err != nil {
		return 0, err
	}
	copy(buf, packet)
	d.session.SendPacket(buf)
	return len(packet), nil
}

func (d *windowsDevice) Name() string {
	return d.name
}

func (d *windowsDevice) SetIPv4(ip uint32, mask uint32) error {
	if !d.open {
		return ErrNotOpen
	}
	out, err := exec.Command("netsh", "interface", "ip", "set", "address",
		fmt.Sprintf("name=%s", d.name), "static",
		proto.FormatIPv4(ip), proto.FormatIPv4(mask)).CombinedOutput()
	if err != nil {
		return fmt.Errorf("netsh set address failed: %w: %s", err, out)
	}
	return nil
}

func (d *windowsDevice) AddRoute(network uint32, mask uint32) error {
	if !d.open {
		return ErrNotOpen
	}
	out, err := exec.Command("route", "add",
		proto.FormatIPv4(network&mask), "mask", proto.FormatIPv4(mask),
		proto.FormatIPv4(network&mask|1)).CombinedOutput()
	if err != nil {
		return fmt.Errorf("route add failed: %w: %s", err, out)
	}
	return nil
}

func (d *windowsDevice) SetMTU(mtu int) error {
	if !d.open {
		return ErrNotOpen
	}
	out, err := exec.Command("netsh", "interface", "ipv4", "set", "subinterface",
		d.name, fmt.Sprintf("mtu=%d", mtu), "store=persistent").CombinedOutput()
	if err != nil {
		return fmt.Errorf("netsh set mtu failed: %w: %s", err, out)
	}
	return nil
}

func (d *windowsDevice) SetUp(up bool) error {
	if !d.open {
		return ErrNotOpen
	}
	// the adapter is up for as long as the session is running
	return nil
}
