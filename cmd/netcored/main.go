// Command netcored is the tun-to-VLESS-proxy flow engine's process
// entrypoint: it takes ownership of an OS-provided TUN file descriptor,
// wires the engine's Flow Coordinator to a VLESS client and transport
// chain, and drives reconfiguration off a line-delimited JSON control
// stream. Grounded on main/run.go's startup/signal-handling shape,
// trimmed of the cobra-style subcommand framework and config dumping
// that only matter for a full proxy server binary.
package main

import (
	"bufio"
	"bytes"
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/hiDandelion/netcore/internal/config"
	"github.com/hiDandelion/netcore/internal/engine"
	"github.com/hiDandelion/netcore/internal/mux"
	"github.com/hiDandelion/netcore/internal/vlessclient"
	"github.com/hiDandelion/netcore/internal/xlog"
)

// tunFDEnv names the environment variable the host network-extension
// process hands the already-opened TUN fd through, mirroring the
// teacher's platform.TunFdKey convention.
const tunFDEnv = "NETCORE_TUN_FD"

const mtuEnv = "NETCORE_MTU"

const defaultMTU = 1500

func main() {
	configPath := flag.String("config", "", "path to the initial configuration snapshot (JSON, or YAML with a .yaml/.yml extension)")
	ipv6 := flag.Bool("ipv6", true, "enable IPv6 flow acceptance")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	xlog.Init(logger)
	defer logger.Sync()

	ctx := context.Background()

	fd, err := tunFD()
	if err != nil {
		xlog.Error(ctx, err)
		os.Exit(1)
	}

	snap, err := loadSnapshot(*configPath)
	if err != nil {
		xlog.Error(ctx, err)
		os.Exit(1)
	}

	dialer := vlessclient.New()
	muxFactory := func(s *config.Snapshot, d engine.ProxyDialer) (engine.MuxManager, error) {
		return mux.New(d, s), nil
	}

	coordinator := engine.NewCoordinator(dialer, muxFactory)
	port := engine.NewFDPacketPort(fd, mtu())

	if err := coordinator.Start(ctx, port, uint32(mtu()), snap, *ipv6); err != nil {
		xlog.Error(ctx, err)
		os.Exit(1)
	}
	xlog.Info(ctx, "netcored started")

	go watchControlChannel(ctx, coordinator, *ipv6)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	xlog.Info(ctx, "netcored shutting down")
	if err := coordinator.Stop(); err != nil {
		xlog.Error(ctx, err)
	}
}

// tunFD reads the TUN fd number the host process already opened and
// set non-blocking, per the teacher's tun_darwin.go/tun_android.go
// handoff convention.
func tunFD() (int, error) {
	raw := os.Getenv(tunFDEnv)
	if raw == "" {
		return 0, io.ErrUnexpectedEOF
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func mtu() int {
	raw := os.Getenv(mtuEnv)
	if raw == "" {
		return defaultMTU
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultMTU
	}
	return n
}

// loadSnapshot reads the initial snapshot from path. A .yaml/.yml
// extension is accepted as a hand-editable alternative to the JSON the
// control channel itself always uses.
func loadSnapshot(path string) (*config.Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return config.DecodeYAML(f)
	default:
		return config.Decode(f)
	}
}

// watchControlChannel stands in for the host app's real IPC (spec §1
// keeps that external): a newline-delimited stream of JSON snapshots on
// stdin, each one triggering SwitchConfiguration.
func watchControlChannel(ctx context.Context, c *engine.Coordinator, ipv6 bool) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		snap, err := config.Decode(bytes.NewReader(line))
		if err != nil {
			xlog.Error(ctx, err)
			continue
		}
		if err := c.SwitchConfiguration(uint32(mtu()), snap, &ipv6); err != nil {
			xlog.Error(ctx, err)
		}
	}
}
