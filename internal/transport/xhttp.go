package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"time"

	xhttp2 "golang.org/x/net/http2"

	"github.com/hiDandelion/netcore/internal/config"
	"github.com/hiDandelion/netcore/internal/xerrors"
)

// xhttpDialer implements the XHTTP transport as a single HTTP/2 POST
// request: the io.Pipe-backed request body carries the upload and the
// response body carries the download, presented to the client core as
// one net.Conn-shaped duplex. Upload and download are not split across
// separate requests, and the settings' Mode field is not consulted.
// Grounded on transport/internet/splithttp's getHTTPClient and Dial,
// with no upload queue, no browser-dialer fallback, and no padding.
type xhttpDialer struct{}

func (xhttpDialer) Dial(ctx context.Context, snap *config.Snapshot) (net.Conn, error) {
	s := snap.Transport.XHTTP
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

	transport := &xhttp2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
			var d net.Dialer
			raw, err := d.DialContext(ctx, network, endpoint(snap))
			if err != nil {
				return nil, err
			}
			tconn := tls.Client(raw, cfg)
			if err := tconn.HandshakeContext(ctx); err != nil {
				_ = raw.Close()
				return nil, err
			}
			return tconn, nil
		},
	}
	client := &http.Client{Transport: transport}

	uploadReader, uploadWriter := io.Pipe()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://"+host+path, uploadReader)
	if err != nil {
		return nil, xerrors.New("xhttp request build failed").Base(err).AtError()
	}
	req.Header.Set("Host", host)

	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := client.Do(req)
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case err := <-errCh:
		return nil, xerrors.New("xhttp dial failed").Base(err).AtError()
	case resp := <-respCh:
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return nil, xerrors.New("xhttp unexpected status").AtError()
		}
		return &xhttpConn{upload: uploadWriter, download: resp.Body}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// xhttpConn presents the split upload/download HTTP/2 request pair as a
// single duplex net.Conn, the shape internal/vlessclient expects to
// write the VLESS request header onto and read the response header
// from.
type xhttpConn struct {
	upload   *io.PipeWriter
	download io.ReadCloser
}

func (c *xhttpConn) Read(b []byte) (int, error)  { return c.download.Read(b) }
func (c *xhttpConn) Write(b []byte) (int, error) { return c.upload.Write(b) }
func (c *xhttpConn) Close() error {
	_ = c.upload.Close()
	return c.download.Close()
}
func (c *xhttpConn) LocalAddr() net.Addr          { return nil }
func (c *xhttpConn) RemoteAddr() net.Addr         { return nil }
func (c *xhttpConn) SetDeadline(t time.Time) error      { return nil }
func (c *xhttpConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *xhttpConn) SetWriteDeadline(t time.Time) error { return nil }
