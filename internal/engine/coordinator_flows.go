package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/hiDandelion/netcore/internal/xlog"
)

// handleTCPAccept is the Bridge's TCP-accept hook. It is invoked from
// the Stack Engine's own accept goroutine (spec §4.3: a raw callback),
// so the first thing it does is hop onto the serialization context
// before any flow-table or policy decision is made (spec §4.3: "A
// callback that needs to hop off must async-enqueue to another context
// and return quickly" — here it is the reverse hop, onto the context,
// which is just as required to satisfy invariant 1).
func (c *Coordinator) handleTCPAccept(ep *gonetEndpoint) {
	c.exec.submit(func() {
		c.acceptTCP(ep)
	})
}

// acceptTCP implements the accept policy of spec §4.4: reject (by
// closing the accepted tunnel-side connection) if the coordinator is not
// running, if the connection is IPv6 and IPv6 is disabled, or if there
// is no snapshot; otherwise mint a TCP Connection bound to the current
// snapshot.
func (c *Coordinator) acceptTCP(ep *gonetEndpoint) {
	if !c.running.Load() {
		_ = ep.conn.Close()
		return
	}
	if ep.isIPv6 && !c.ipv6Enabled.Load() {
		xlog.Debug(context.Background(), "rejecting ipv6 tcp accept: ipv6 disabled")
		_ = ep.conn.Close()
		return
	}

	snap := c.snapshot()
	if snap == nil {
		_ = ep.conn.Close()
		return
	}

	dstHost := formatAddr(ep.dstIP)
	conn := newTCPConnection(c, ep, dstHost, ep.dstPort, snap)
	conn.start()
}

// handleUDPRecvRaw is the Bridge's UDP-recv hook, invoked directly from
// the Stack Engine's transport protocol handler (spec §4.3). It hops
// onto the serialization context before any udp_flows mutation, per
// invariant 1.
func (c *Coordinator) handleUDPRecvRaw(srcIP []byte, srcPort uint16, dstIP []byte, dstPort uint16, isIPv6 bool, payload []byte) {
	c.exec.submit(func() {
		c.routeUDP(srcIP, srcPort, dstIP, dstPort, isIPv6, payload)
	})
}

// routeUDP implements the UDP routing policy of spec §4.4.
func (c *Coordinator) routeUDP(srcIP []byte, srcPort uint16, dstIP []byte, dstPort uint16, isIPv6 bool, payload []byte) {
	if !c.running.Load() {
		return
	}
	if isIPv6 && !c.ipv6Enabled.Load() {
		xlog.Debug(context.Background(), "dropping ipv6 udp datagram: ipv6 disabled")
		return
	}

	key := udpKey(srcIP, srcPort, dstIP, dstPort)

	c.mu.Lock()
	flow, found := c.udpFlows[key]
	c.mu.Unlock()

	if found {
		flow.deliverInbound(payload)
		return
	}

	snap := c.snapshot()
	if snap == nil {
		return
	}

	c.mu.Lock()
	if len(c.udpFlows) >= MaxUDPFlows {
		c.mu.Unlock()
		xlog.Warning(context.Background(), "udp flow table full, dropping datagram", zap.String("key", key))
		return
	}
	c.mu.Unlock()

	flow = newUDPFlow(c, key, srcIP, srcPort, dstIP, dstPort, isIPv6, snap)

	c.mu.Lock()
	if len(c.udpFlows) >= MaxUDPFlows {
		c.mu.Unlock()
		xlog.Warning(context.Background(), "udp flow table full, dropping datagram", zap.String("key", key))
		return
	}
	c.udpFlows[key] = flow
	c.mu.Unlock()

	flow.start()
	flow.deliverInbound(payload)
}

// removeUDPFlow drops a flow's table entry. Its caller is the reaper;
// udpFlow.close never removes its own entry. The reaper collects stale
// flows before calling this so udpFlows is never mutated while being
// iterated (spec §4.6: "the caller removes the table entry to avoid
// mutating during iteration in the reaper").
func (c *Coordinator) removeUDPFlow(key string) {
	c.mu.Lock()
	delete(c.udpFlows, key)
	c.mu.Unlock()
}

// reapIdleUDP scans udp_flows and closes every flow whose last_activity
// is older than UDPIdleTimeout (spec §3 invariant 6, §4.4 "UDP
// reaper").
func (c *Coordinator) reapIdleUDP() {
	c.mu.Lock()
	stale := make([]*udpFlow, 0)
	for _, f := range c.udpFlows {
		if f.idleFor() > UDPIdleTimeout {
			stale = append(stale, f)
		}
	}
	c.mu.Unlock()

	for _, f := range stale {
		f.close()
		c.removeUDPFlow(f.key)
	}
}

// muxManager returns the current Mux Manager, or nil if none is active.
func (c *Coordinator) muxManager() MuxManager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mux
}
