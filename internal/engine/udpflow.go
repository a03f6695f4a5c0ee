package engine

import (
	"context"
	"sync"
	"time"

	"github.com/hiDandelion/netcore/internal/config"
)

// udpFlow is the per-5-tuple UDP state of spec §3/§4.6.
type udpFlow struct {
	c    *Coordinator
	key  string

	srcIP   []byte
	srcPort uint16
	dstIP   []byte
	dstPort uint16
	isIPv6  bool
	snap    *config.Snapshot

	mu           sync.Mutex
	lastActivity time.Time
	datagram     ProxyDatagram
	pending      [][]byte
	closed       bool
	closeOnce    sync.Once
}

func newUDPFlow(c *Coordinator, key string, srcIP []byte, srcPort uint16, dstIP []byte, dstPort uint16, isIPv6 bool, snap *config.Snapshot) *udpFlow {
	return &udpFlow{
		c: c, key: key,
		srcIP: append([]byte(nil), srcIP...), srcPort: srcPort,
		dstIP: append([]byte(nil), dstIP...), dstPort: dstPort,
		isIPv6: isIPv6, snap: snap,
		lastActivity: time.Now(),
	}
}

// start opens the upstream datagram path: a mux sub-stream if a Mux
// Manager is present, otherwise a direct VLESS-UDP datagram client
// (spec §4.6). The open happens on a spawned goroutine, never inline on
// the caller's serialization context, the same way tcpConnection.start
// spawns its upstream dial: routeUDP must not stall the single stack
// context on proxy-client I/O for every new 5-tuple. Datagrams handed to
// deliverInbound before the open completes are queued and flushed in
// order once it does, so a slow open never drops or reorders them.
func (f *udpFlow) start() {
	go func() {
		ctx := context.Background()
		var (
			dg  ProxyDatagram
			err error
		)
		if mux := f.c.muxManager(); mux != nil {
			dg, err = mux.OpenUDP(ctx, f.src(), f.srcPort, f.dst(), f.dstPort)
		} else {
			dg, err = f.c.dialer.OpenUDP(ctx, f.snap)
		}
		if err != nil {
			f.close()
			return
		}

		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			_ = dg.Close()
			return
		}
		f.datagram = dg
		pending := f.pending
		f.pending = nil
		f.mu.Unlock()

		for _, payload := range pending {
			_ = dg.Send(f.dst(), f.dstPort, payload)
		}

		f.pumpUpstreamToTunnel(dg)
	}()
}

func (f *udpFlow) dst() string {
	return formatAddr(f.dstIP)
}

func (f *udpFlow) src() string {
	return formatAddr(f.srcIP)
}

// deliverInbound forwards one tunnel-side datagram upstream and updates
// last_activity (spec §4.6 "Each inbound datagram updates last_activity
// and forwards the payload upstream"). If the upstream open triggered by
// start is still outstanding, the payload is queued rather than dropped,
// so the flow-opening datagram is never lost to the open's async dial.
func (f *udpFlow) deliverInbound(payload []byte) {
	f.mu.Lock()
	f.lastActivity = time.Now()
	if f.datagram == nil {
		if !f.closed {
			f.pending = append(f.pending, append([]byte(nil), payload...))
		}
		f.mu.Unlock()
		return
	}
	dg := f.datagram
	f.mu.Unlock()

	_ = dg.Send(f.dst(), f.dstPort, payload)
}

// pumpUpstreamToTunnel wraps every upstream reply into a UDP datagram
// and injects it into the Stack Engine with the 5-tuple swapped, so the
// engine emits an IP packet addressed back to the original source
// (spec §4.6).
func (f *udpFlow) pumpUpstreamToTunnel(dg ProxyDatagram) {
	for {
		_, _, payload, err := dg.Recv()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.lastActivity = time.Now()
		f.mu.Unlock()

		if f.c.stack != nil {
			_ = f.c.stack.writeUDP(f.dstIP, f.dstPort, f.srcIP, f.srcPort, payload)
		}
	}
}

// idleFor reports how long it has been since the last activity on this
// flow, for the reaper's comparison against UDPIdleTimeout.
func (f *udpFlow) idleFor() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return time.Since(f.lastActivity)
}

// close releases the upstream path exactly once (spec §4.6 "On close,
// the upstream path is released"). The caller is responsible for
// removing the table entry (coordinator.removeUDPFlow) — this method
// never mutates udp_flows itself, so it is always safe to call while
// the coordinator is iterating the table.
func (f *udpFlow) close() {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		dg := f.datagram
		f.mu.Unlock()
		if dg != nil {
			_ = dg.Close()
		}
	})
}
