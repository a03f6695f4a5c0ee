package transport

import (
	"context"
	"crypto/tls"
	"net"

	"go.uber.org/zap"

	"github.com/hiDandelion/netcore/internal/config"
	"github.com/hiDandelion/netcore/internal/xerrors"
	"github.com/hiDandelion/netcore/internal/xlog"
)

// tlsDialer wraps a TCP connection in a standard TLS handshake, grounded
// on transport/internet/tls.Config.GetTLSConfig: ServerName,
// InsecureSkipVerify and ALPN come straight off the snapshot's opaque
// TLSSettings, with no certificate pinning or ECH (neither is
// implemented).
type tlsDialer struct{}

func (tlsDialer) Dial(ctx context.Context, snap *config.Snapshot) (net.Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", endpoint(snap))
	if err != nil {
		return nil, xerrors.New("tcp dial failed").Base(err).AtError()
	}

	cfg := &tls.Config{NextProtos: []string{"http/1.1"}}
	if s := snap.Transport.TLS; s != nil {
		cfg.ServerName = s.ServerName
		cfg.InsecureSkipVerify = s.AllowInsecure
		if len(s.ALPN) > 0 {
			cfg.NextProtos = s.ALPN
		}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = snap.ServerAddress
	}

	conn := tls.Client(raw, cfg)
	if err := conn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, xerrors.New("tls handshake failed").Base(err).AtError()
	}
	xlog.Debug(ctx, "tls handshake complete", zap.String("serverName", cfg.ServerName))
	return conn, nil
}
