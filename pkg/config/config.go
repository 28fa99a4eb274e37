package config

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// Operating modes
const (
	ModeTCP = "tcp"
	ModeTUN = "tun"
)

type Config struct {
	Mode        string    `yaml:"mode"`
	Room        string    `yaml:"room"`
	Publish     bool      `yaml:"publish"`
	Host        bool      `yaml:"host"`
	LocalUserID uint64    `yaml:"local_user_id"`
	Peers       []Peer    `yaml:"peers"`
	TCP         TCP       `yaml:"tcp"`
	VPN         VPN       `yaml:"vpn"`
	Transport   Transport `yaml:"transport"`
	LogLevel    string    `yaml:"log_level"`
}

// Peer is one roster entry: a substrate identity and where to reach it
type Peer struct {
	UserID uint64 `yaml:"user_id"`
	Addr   string `yaml:"addr"`
	Name   string `yaml:"name"`
}

type TCP struct {
	// BindPort is the port the local tunnel listener binds
	BindPort int `yaml:"bind_port"`
	// LocalPort is where the host side opens connections for inbound tunnel sessions
	LocalPort int `yaml:"local_port"`
}

type VPN struct {
	Subnet string `yaml:"subnet"`
	MTU    int    `yaml:"mtu"`
	Device string `yaml:"device"`
}

type Transport struct {
	// Listen is the wire transport bind address
	Listen string `yaml:"listen"`
	// Relay is the optional relay address used for relay-only retries
	Relay string `yaml:"relay"`
}

// Defaults
const (
	DefaultSubnet = "10.0.0.0/8"
	DefaultMTU    = 1400
)

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	config := &Config{}
	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, err
	}
	// an empty mode is allowed here; the CLI may supply it via --mode and
	// validates the effective value
	if config.Mode != "" && config.Mode != ModeTCP && config.Mode != ModeTUN {
		return nil, fmt.Errorf("invalid mode: %q", config.Mode)
	}
	if config.LocalUserID == 0 {
		return nil, fmt.Errorf("local_user_id is required")
	}
	if config.VPN.Subnet == "" {
		config.VPN.Subnet = DefaultSubnet
	}
	if config.VPN.MTU == 0 {
		config.VPN.MTU = DefaultMTU
	}
	return config, nil
}

// SubnetIPNet parses the configured virtual subnet
func (v *VPN) SubnetIPNet() (*net.IPNet, error) {
	_, ipnet, err := net.ParseCIDR(v.Subnet)
	if err != nil {
		return nil, fmt.Errorf("invalid subnet %q: %w", v.Subnet, err)
	}
	if ipnet.IP.To4() == nil {
		return nil, fmt.Errorf("subnet %q is not IPv4", v.Subnet)
	}
	return ipnet, nil
}

// ValidateTCP checks the port numbers for TCP mode
func (t *TCP) ValidateTCP() error {
	if t.BindPort <= 0 || t.BindPort > 65535 {
		return fmt.Errorf("invalid bind_port: %d", t.BindPort)
	}
	if t.LocalPort < 0 || t.LocalPort > 65535 {
		return fmt.Errorf("invalid local_port: %d", t.LocalPort)
	}
	return nil
}
