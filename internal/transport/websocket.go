package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hiDandelion/netcore/internal/config"
	"github.com/hiDandelion/netcore/internal/xerrors"
)

// wsDialer opens a WebSocket connection and wraps it as a net.Conn,
// grounded on transport/internet/websocket's dialWebSocket and
// connection wrapper, trimmed of early-data reuse, fragmentation, and
// the connection-pool reuse that dodge DPI heuristics.
type wsDialer struct{}

func (wsDialer) Dial(ctx context.Context, snap *config.Snapshot) (net.Conn, error) {
	s := snap.Transport.WebSocket
	path := "/"
	host := snap.ServerAddress
	header := http.Header{}
	if s != nil {
		if s.Path != "" {
			path = s.Path
		}
		if s.Host != "" {
			host = s.Host
		}
		for k, v := range s.Headers {
			header.Set(k, v)
		}
	}

	scheme := "ws"
	var tlsConfig *tls.Config
	if snap.Transport.Kind == config.TransportWebSocket && snap.Security == "tls" {
		scheme = "wss"
		tlsConfig = &tls.Config{ServerName: host}
	}

	dialer := &websocket.Dialer{
		NetDialContext:   (&net.Dialer{}).DialContext,
		TLSClientConfig:  tlsConfig,
		HandshakeTimeout: 8 * time.Second,
		ReadBufferSize:   4 * 1024,
		WriteBufferSize:  4 * 1024,
	}

	uri := scheme + "://" + endpoint(snap) + path
	header.Set("Host", host)

	conn, _, err := dialer.DialContext(ctx, uri, header)
	if err != nil {
		return nil, xerrors.New("websocket dial failed").Base(err).AtError()
	}
	return &wsConn{conn: conn}, nil
}

// wsConn adapts a *websocket.Conn to net.Conn, reading and writing
// binary WebSocket frames as a raw byte stream (spec treats the inner
// bytes as opaque VLESS traffic once the transport handshake is done).
type wsConn struct {
	conn   *websocket.Conn
	reader io.Reader
}

func (c *wsConn) Read(b []byte) (int, error) {
	for {
		if c.reader == nil {
			_, r, err := c.conn.NextReader()
			if err != nil {
				return 0, err
			}
			c.reader = r
		}
		n, err := c.reader.Read(b)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(b []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(5*time.Second))
	return c.conn.Close()
}

func (c *wsConn) LocalAddr() net.Addr                { return c.conn.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *wsConn) SetDeadline(t time.Time) error      { return c.conn.UnderlyingConn().SetDeadline(t) }
func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
