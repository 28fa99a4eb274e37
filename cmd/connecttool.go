package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/moeleak/connecttool/internal/version"
	"github.com/moeleak/connecttool/pkg/config"
	"github.com/moeleak/connecttool/pkg/discovery"
	"github.com/moeleak/connecttool/pkg/mux"
	"github.com/moeleak/connecttool/pkg/names"
	"github.com/moeleak/connecttool/pkg/proto"
	"github.com/moeleak/connecttool/pkg/transport"
	"github.com/moeleak/connecttool/pkg/tun"
	"github.com/moeleak/connecttool/pkg/vpn"
	"github.com/moeleak/connecttool/pkg/x/syncro"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func errHalt(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	os.Exit(1)
}

var configFile string
var mode string
var logLevel string
var rootCmd = &cobra.Command{
	Use:     "connecttool",
	Args:    cobra.NoArgs,
	Version: version.Version(),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.LoadConfig(configFile)
		if err != nil {
			errHalt(err)
		}
		if mode != "" {
			cfg.Mode = mode
		}
		if cfg.Mode != config.ModeTCP && cfg.Mode != config.ModeTUN {
			errHalt(fmt.Errorf("invalid mode: %q", cfg.Mode))
		}
		level := cfg.LogLevel
		if logLevel != "" {
			level = logLevel
		}
		if level != "" {
			switch level {
			case "error":
				log.SetLevel(log.ErrorLevel)
			case "warning":
				log.SetLevel(log.WarnLevel)
			case "info":
				log.SetLevel(log.InfoLevel)
			case "debug":
				log.SetLevel(log.DebugLevel)
			default:
				errHalt(fmt.Errorf("invalid log level"))
			}
		}
		log.SetFormatter(&log.TextFormatter{
			ForceColors: isatty.IsTerminal(os.Stderr.Fd()),
		})

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		peerNames := make(map[uint64]string)
		peerAddrs := make(map[uint64]string)
		peerIDs := make([]uint64, 0, len(cfg.Peers))
		for _, peer := range cfg.Peers {
			peerNames[peer.UserID] = peer.Name
			peerAddrs[peer.UserID] = peer.Addr
			peerIDs = append(peerIDs, peer.UserID)
		}
		addrBook := func(peer uint64) (string, bool) {
			addr, ok := peerAddrs[peer]
			return addr, ok && addr != ""
		}

		t, err := transport.NewWire(ctx, cfg.LocalUserID, cfg.Transport.Listen, addrBook, cfg.Transport.Relay)
		if err != nil {
			errHalt(err)
		}
		supervisor := transport.NewSupervisor(t)
		supervisor.Run(ctx)
		t.SyncPeers(peerIDs)

		switch cfg.Mode {
		case config.ModeTCP:
			err = runTCPMode(ctx, cfg, t)
		case config.ModeTUN:
			err = runTUNMode(ctx, cfg, t, peerNames)
		}
		if err != nil {
			errHalt(err)
		}
		<-ctx.Done()
	},
}

// runTCPMode wires the local TCP listener, per-peer multiplexers and the
// LAN discovery bridge
func runTCPMode(ctx context.Context, cfg *config.Config, t transport.Transport) error {
	err := cfg.TCP.ValidateTCP()
	if err != nil {
		return err
	}
	var endpoints syncro.Map[uint64, *mux.Endpoint]
	var bridges syncro.Map[uint64, *discovery.Bridge]
	endpointFor := func(peer uint64) *mux.Endpoint {
		e, _ := endpoints.GetOrCreate(peer, func() *mux.Endpoint {
			return mux.New(ctx, t, peer, cfg.Host, cfg.TCP.LocalPort)
		})
		return e
	}
	bridgeFor := func(peer uint64) *discovery.Bridge {
		b, existed := bridges.GetOrCreate(peer, func() *discovery.Bridge {
			return discovery.New(t, peer, cfg.Host)
		})
		if !existed {
			serr := b.Start(ctx)
			if serr != nil {
				log.WithField("chan", "net").Warnf("discovery bridge start failed: %s", serr)
			}
		}
		return b
	}

	// the listener feeds the tunnel to the primary peer
	if len(cfg.Peers) > 0 {
		server := mux.NewServer(cfg.TCP.BindPort, endpointFor(cfg.Peers[0].UserID))
		err = server.Start(ctx)
		if err != nil {
			return err
		}
	}

	poller := transport.NewPoller(t, transport.Dispatch{
		Discovery: func(msg transport.Message) {
			bridgeFor(msg.Peer).HandleFrame(msg.Data)
		},
		Mux: func(msg transport.Message) {
			endpointFor(msg.Peer).HandleFrame(msg.Data)
		},
	}, transport.PollMaxDelayCoarse)
	go poller.Run(ctx)
	return nil
}

// runTUNMode brings up the L3 overlay
func runTUNMode(ctx context.Context, cfg *config.Config, t transport.Transport, peerNames map[uint64]string) error {
	subnet, err := cfg.VPN.SubnetIPNet()
	if err != nil {
		return err
	}
	bridge, err := vpn.New(t, tun.New(), vpn.Config{
		Device: cfg.VPN.Device,
		Subnet: subnet,
		MTU:    cfg.VPN.MTU,
		NameOf: func(userID uint64) string {
			return peerNames[userID]
		},
	})
	if err != nil {
		return err
	}
	err = bridge.Start(ctx)
	if err != nil {
		return err
	}

	poller := transport.NewPoller(t, transport.Dispatch{
		VPN: func(msg transport.Message) {
			bridge.HandleMessage(msg)
		},
	}, transport.PollMaxDelayFine)
	go poller.Run(ctx)

	go serveNames(ctx, bridge)
	return nil
}

// serveNames answers <name>.vpn queries on the overlay address once the
// claim succeeds.  Best-effort: a bind failure is only a warning.
func serveNames(ctx context.Context, bridge *vpn.Bridge) {
	for bridge.LocalIP() == 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	addr := net.JoinHostPort(proto.FormatIPv4(bridge.LocalIP()), "53")
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		log.WithField("chan", "net").Warnf("name service unavailable on %s: %s", addr, err)
		return
	}
	s := &names.Server{
		Domain:     "vpn",
		PacketConn: pc,
		LookupName: func(name string) uint32 {
			ip, ok := bridge.LookupName(name)
			if !ok {
				return 0
			}
			return ip
		},
	}
	err = s.Run(ctx)
	if err != nil {
		log.WithField("chan", "net").Warnf("name service failed: %s", err)
	}
}

func main() {
	rootCmd.Flags().StringVar(&configFile, "config", "", "Config file name (required)")
	_ = rootCmd.MarkFlagRequired("config")
	rootCmd.Flags().StringVar(&mode, "mode", "", "Operating mode (tcp/tun), overrides the config file")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Set log level (error/warning/info/debug)")
	err := rootCmd.Execute()
	if err != nil {
		errHalt(err)
	}
}
