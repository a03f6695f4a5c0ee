package transport

import (
	"context"
	"net"

	"go.uber.org/zap"

	"github.com/hiDandelion/netcore/internal/config"
	"github.com/hiDandelion/netcore/internal/xerrors"
	"github.com/hiDandelion/netcore/internal/xlog"
)

// tcpDialer is the bare transport: a plain TCP connection to the
// snapshot's endpoint, grounded on transport/internet/tcp.Dial's system
// dial call with the header/TLS/REALITY wrapping stripped away (each of
// those lives in its own file here instead of being layered inline).
type tcpDialer struct{}

func (tcpDialer) Dial(ctx context.Context, snap *config.Snapshot) (net.Conn, error) {
	xlog.Debug(ctx, "dialing tcp", zap.String("endpoint", endpoint(snap)))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", endpoint(snap))
	if err != nil {
		return nil, xerrors.New("tcp dial failed").Base(err).AtError()
	}
	return conn, nil
}
