package transport

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/hiDandelion/netcore/internal/config"
	"github.com/hiDandelion/netcore/internal/xerrors"
)

// httpUpgradeDialer issues a raw HTTP/1.1 Upgrade request and, once the
// "101 Switching Protocols" reply is consumed, treats the remaining
// bytes of the connection as an opaque byte stream. Grounded on
// transport/internet/httpupgrade.dialhttpUpgrade and its ConnRF
// wrapper, with TLS layering delegated to tlsDialer rather than
// duplicated inline.
type httpUpgradeDialer struct{}

func (httpUpgradeDialer) Dial(ctx context.Context, snap *config.Snapshot) (net.Conn, error) {
	var (
		conn net.Conn
		err  error
	)
	if snap.Security == "tls" {
		conn, err = tlsDialer{}.Dial(ctx, snap)
	} else {
		conn, err = tcpDialer{}.Dial(ctx, snap)
	}
	if err != nil {
		return nil, err
	}

	s := snap.Transport.HTTPUpgrade
	host := snap.ServerAddress
	path := "/"
	if s != nil {
		if s.Host != "" {
			host = s.Host
		}
		if s.Path != "" {
			path = s.Path
		}
	}

	req := &http.Request{
		Method: http.MethodGet,
		URL:    &url.URL{Scheme: "http", Host: host, Path: path},
		Header: make(http.Header),
	}
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Host", host)

	if err := req.Write(conn); err != nil {
		_ = conn.Close()
		return nil, xerrors.New("http-upgrade request write failed").Base(err).AtError()
	}

	wrapped := &upgradeConn{Conn: conn, req: req, first: true}
	if _, err := wrapped.Read(make([]byte, 0)); err != nil {
		_ = conn.Close()
		return nil, xerrors.New("http-upgrade handshake failed").Base(err).AtError()
	}
	return wrapped, nil
}

// upgradeConn consumes exactly one HTTP response (the 101 reply) ahead
// of the first real Read, then behaves as the plain underlying conn.
type upgradeConn struct {
	net.Conn
	req   *http.Request
	first bool
}

func (c *upgradeConn) Read(b []byte) (int, error) {
	if c.first {
		c.first = false
		reader := bufio.NewReaderSize(c.Conn, len(b)+4096)
		resp, err := http.ReadResponse(reader, c.req)
		if err != nil {
			return 0, err
		}
		if resp.StatusCode != http.StatusSwitchingProtocols ||
			strings.ToLower(resp.Header.Get("Upgrade")) != "websocket" ||
			strings.ToLower(resp.Header.Get("Connection")) != "upgrade" {
			return 0, xerrors.New("unexpected http-upgrade response").AtError()
		}
		if reader.Buffered() > 0 && len(b) > 0 {
			return reader.Read(b[:min(len(b), reader.Buffered())])
		}
		return 0, nil
	}
	return c.Conn.Read(b)
}
