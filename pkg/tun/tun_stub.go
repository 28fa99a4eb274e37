//go:build !linux && !darwin && !windows

package tun

import "fmt"

type stubDevice struct{}

// New returns an unopened Device for this platform
func New() Device {
	return &stubDevice{}
}

var errUnsupported = fmt.Errorf("tun devices are not supported on this platform")

func (d *stubDevice) Open(name string, mtu int) error         { return errUnsupported }
func (d *stubDevice) Close() error                            { return nil }
func (d *stubDevice) Read(buf []byte) (int, error)            { return 0, errUnsupported }
func (d *stubDevice) Write(packet []byte) (int, error)        { return 0, errUnsupported }
func (d *stubDevice) Name() string                            { return "" }
func (d *stubDevice) SetIPv4(ip uint32, mask uint32) error    { return errUnsupported }
func (d *stubDevice) AddRoute(network uint32, mask uint32) error { return errUnsupported }
func (d *stubDevice) SetMTU(mtu int) error                    { return errUnsupported }
func (d *stubDevice) SetUp(up bool) error                     { return errUnsupported }
