package engine

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/hiDandelion/netcore/internal/config"
	"github.com/hiDandelion/netcore/internal/xlog"
)

// tcpState is the lifecycle of spec §4.5.
type tcpState int

const (
	tcpDialing tcpState = iota
	tcpEstablished
	tcpHalfClosedLocal
	tcpHalfClosedRemote
	tcpClosed
)

// tcpConnection is the per-accepted-flow state of spec §3/§4.5. It owns
// the stack PCB handle (here, the gonet endpoint wrapping it) for
// exactly its lifetime: released once, on normal close or on error,
// never both (invariant 3 / P1).
type tcpConnection struct {
	c    *Coordinator
	ep   *gonetEndpoint
	dst  struct {
		host string
		port uint16
	}
	snap *config.Snapshot

	mu         sync.Mutex
	state      tcpState
	pendingAck int64

	stream    ProxyStream
	closeOnce sync.Once
}

func newTCPConnection(c *Coordinator, ep *gonetEndpoint, dstHost string, dstPort uint16, snap *config.Snapshot) *tcpConnection {
	conn := &tcpConnection{c: c, ep: ep, snap: snap, state: tcpDialing}
	conn.dst.host = dstHost
	conn.dst.port = dstPort
	return conn
}

// start initiates the upstream proxy dial for (dst_host, dst_port)
// (spec §4.5 "On construction the Connection initiates an upstream
// proxy dial"). Until Established, tunnel-side bytes are simply left
// unread in the stack's own receive buffer: not calling Read withholds
// tcp_recved credit exactly as spec §4.5's back-pressure paragraph
// describes, without needing a separate bounded buffer in this
// process.
func (t *tcpConnection) start() {
	go func() {
		stream, err := t.c.dialer.DialTCP(context.Background(), t.dst.host, t.dst.port, t.snap)
		if err != nil {
			// Upstream dial failure (spec §7 kind 2): close the PCB and
			// transition directly to Closed; pending tunnel-side bytes
			// (still sitting unread in the stack) are discarded.
			xlog.Error(context.Background(), err, zap.String("dst_host", t.dst.host), zap.Uint16("dst_port", t.dst.port))
			t.release()
			return
		}

		t.mu.Lock()
		if t.state == tcpClosed {
			t.mu.Unlock()
			_ = stream.Close()
			return
		}
		t.stream = stream
		t.state = tcpEstablished
		t.mu.Unlock()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); t.pumpTunnelToUpstream() }()
		go func() { defer wg.Done(); t.pumpUpstreamToTunnel() }()
		wg.Wait()
		t.release()
	}()
}

// pumpTunnelToUpstream is the realization of the Bridge's TCP-recv hook:
// each chunk read off the stack side is forwarded upstream. A
// zero-length read (io.EOF) is the remote FIN signal of spec §4.3/§4.5.
func (t *tcpConnection) pumpTunnelToUpstream() {
	buf := make([]byte, 32*1024)
	for {
		n, err := t.ep.conn.Read(buf)
		if n > 0 {
			if _, werr := t.stream.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				t.mu.Lock()
				if t.state == tcpEstablished {
					t.state = tcpHalfClosedRemote
				}
				t.mu.Unlock()
			}
			return
		}
	}
}

// pumpUpstreamToTunnel writes each chunk arriving from the proxy into
// the stack. pendingAck tracks bytes handed to the stack's send buffer;
// a successful Write is this realization's TCP-sent (the stack accepted
// and will eventually acknowledge the bytes), so pendingAck is released
// immediately after Write returns rather than via a separate callback —
// gonet's Write already blocks for as long as the real TCP-sent
// accounting would (spec §4.5 third bullet).
func (t *tcpConnection) pumpUpstreamToTunnel() {
	buf := make([]byte, 32*1024)
	for {
		n, err := t.stream.Read(buf)
		if n > 0 {
			atomic.AddInt64(&t.pendingAck, int64(n))
			if _, werr := t.ep.conn.Write(buf[:n]); werr != nil {
				atomic.AddInt64(&t.pendingAck, -int64(n))
				return
			}
			atomic.AddInt64(&t.pendingAck, -int64(n))
		}
		if err != nil {
			if err == io.EOF {
				t.mu.Lock()
				if t.state == tcpEstablished {
					t.state = tcpHalfClosedLocal
				}
				t.mu.Unlock()
				_ = t.ep.conn.CloseWrite()
			}
			return
		}
	}
}

// release is the single terminal event of spec §7 kind 1 / invariant 3:
// called exactly once, whether from a dial failure, both pumps
// finishing, or an explicit error. It must never run twice for the same
// connection.
func (t *tcpConnection) release() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.state = tcpClosed
		stream := t.stream
		t.mu.Unlock()

		_ = t.ep.conn.Close()
		if stream != nil {
			_ = stream.Close()
		}
	})
}
