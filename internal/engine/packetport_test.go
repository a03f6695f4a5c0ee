package engine

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// loopbackPacketPort is an in-memory Packet Port for tests: ReadLoop
// never synthesizes inbound traffic on its own (tests drive the engine
// directly via the Coordinator's serialization context instead), and
// Write captures whatever the Stack Engine emits so a scenario test can
// assert on it with Emitted/WaitForWrite.
type loopbackPacketPort struct {
	mu       sync.Mutex
	emitted  []PacketRecord
	notify   chan struct{}
	closed   bool
	closedCh chan struct{}
}

func newLoopbackPacketPort() *loopbackPacketPort {
	return &loopbackPacketPort{
		notify:   make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
}

func (p *loopbackPacketPort) ReadLoop(ctx context.Context, sink func(Batch)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (p *loopbackPacketPort) Write(batch Batch) {
	p.mu.Lock()
	p.emitted = append(p.emitted, batch...)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *loopbackPacketPort) Emitted() []PacketRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PacketRecord, len(p.emitted))
	copy(out, p.emitted)
	return out
}

// WaitForWrite blocks until at least one Write has landed since the last
// call, or timeout elapses.
func (p *loopbackPacketPort) WaitForWrite(timeout time.Duration) bool {
	select {
	case <-p.notify:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (p *loopbackPacketPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.closedCh)
	return nil
}

// pipeTunnelConn adapts one side of a net.Pipe to the tunnelConn surface
// gonetEndpoint.conn needs, standing in for a real gonet.TCPConn so
// tcpConnection/acceptTCP can be exercised without a genuine gVisor
// handshake. net.Pipe has no true half-close, so CloseWrite here just
// closes fully.
type pipeTunnelConn struct {
	net.Conn
	closes int32
}

func (p *pipeTunnelConn) CloseWrite() error {
	return p.Close()
}

func (p *pipeTunnelConn) Close() error {
	atomic.AddInt32(&p.closes, 1)
	return p.Conn.Close()
}

func (p *pipeTunnelConn) closeCount() int {
	return int(atomic.LoadInt32(&p.closes))
}
