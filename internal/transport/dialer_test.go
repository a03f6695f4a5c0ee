package transport

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiDandelion/netcore/internal/config"
)

func TestSelectDispatchesOnKind(t *testing.T) {
	cases := map[config.TransportKind]Dialer{
		config.TransportTCP:         tcpDialer{},
		config.TransportTLS:         tlsDialer{},
		config.TransportReality:     realityDialer{},
		config.TransportWebSocket:   wsDialer{},
		config.TransportHTTPUpgrade: httpUpgradeDialer{},
		config.TransportXHTTP:       xhttpDialer{},
		config.TransportKind(""):    tcpDialer{},
	}
	for kind, want := range cases {
		assert.IsType(t, want, Select(kind))
	}
}

func TestTCPDialerConnectsToEndpoint(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	snap := &config.Snapshot{ServerAddress: host, ServerPort: uint16(port)}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := tcpDialer{}.Dial(ctx, snap)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case server := <-accepted:
		server.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted connection")
	}
}
