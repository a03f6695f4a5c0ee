// Package transport implements the outer dial chain the VLESS client
// connects through: raw TCP, TLS, REALITY, WebSocket, HTTP-Upgrade, and
// XHTTP, selected by a configuration snapshot's transport kind.
// Grounded on transport/internet/tcp, transport/internet/tls,
// transport/internet/reality and transport/internet/websocket, trimmed
// to a single outbound dial path (no listener side, no stream-settings
// indirection) since this module is a client core, not a proxy server.
package transport

import (
	"context"
	"net"
	"strconv"

	"github.com/hiDandelion/netcore/internal/config"
)

// Dialer opens the outer transport connection described by a snapshot's
// Transport settings. internal/vlessclient lays the VLESS request and
// response headers over whatever Dial returns.
type Dialer interface {
	Dial(ctx context.Context, snap *config.Snapshot) (net.Conn, error)
}

// Select returns the Dialer matching the snapshot's transport kind, the
// way transport/internet.Dial switches on streamSettings.ProtocolName.
func Select(kind config.TransportKind) Dialer {
	switch kind {
	case config.TransportTLS:
		return tlsDialer{}
	case config.TransportReality:
		return realityDialer{}
	case config.TransportWebSocket:
		return wsDialer{}
	case config.TransportHTTPUpgrade:
		return httpUpgradeDialer{}
	case config.TransportXHTTP:
		return xhttpDialer{}
	default:
		return tcpDialer{}
	}
}

func endpoint(snap *config.Snapshot) string {
	return net.JoinHostPort(snap.Endpoint(), strconv.Itoa(int(snap.ServerPort)))
}
