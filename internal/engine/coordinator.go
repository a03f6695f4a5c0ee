// Package engine is the tun-to-proxy flow engine: the userspace TCP/IP
// termination, the per-flow lifecycle machinery, and the Flow
// Coordinator that serializes all of it onto a single context.
package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hiDandelion/netcore/internal/config"
	"github.com/hiDandelion/netcore/internal/xerrors"
	"github.com/hiDandelion/netcore/internal/xlog"
	"github.com/hiDandelion/netcore/internal/xtask"
)

// MuxFactory builds a Mux Manager for a snapshot that wants one (spec
// §3: "present iff configuration selects a Vision mode and mux is
// enabled").
type MuxFactory func(snap *config.Snapshot, dialer ProxyDialer) (MuxManager, error)

// Coordinator is the singleton Flow Coordinator of spec §4.4. It is
// created once per process, started with a Packet Port and
// configuration, may be reconfigured any number of times, and stopped
// once per start.
type Coordinator struct {
	dialer     ProxyDialer
	muxFactory MuxFactory

	exec *executor

	running     atomic.Bool
	cfg         atomic.Pointer[config.Snapshot]
	ipv6Enabled atomic.Bool

	port  PacketPort
	stack *stackEngine

	mu          sync.Mutex // guards udpFlows and mux; both are only mutated on exec
	udpFlows    map[string]*udpFlow
	mux         MuxManager

	stackTicker *xtask.Periodic
	udpReaper   *xtask.Periodic

	readCancel context.CancelFunc
	readDone   chan struct{}
}

// NewCoordinator builds an unstarted coordinator around the given
// upstream proxy dialer and (optional) mux manager factory.
func NewCoordinator(dialer ProxyDialer, muxFactory MuxFactory) *Coordinator {
	return &Coordinator{
		dialer:     dialer,
		muxFactory: muxFactory,
		udpFlows:   make(map[string]*udpFlow),
	}
}

// Start brings the coordinator to life: creates the Mux Manager if
// applicable, initializes the Stack Engine, and starts both timers, all
// on the serialization context (spec §4.4); it then starts the Packet
// Port's read loop on its own goroutine, whose batches are submitted to
// that context.
func (c *Coordinator) Start(ctx context.Context, port PacketPort, mtu uint32, snap *config.Snapshot, ipv6Enabled bool) error {
	if c.running.Load() {
		return xerrors.New("coordinator already running").AtWarning()
	}

	c.exec = newExecutor()
	c.port = port
	c.cfg.Store(snap)
	c.ipv6Enabled.Store(ipv6Enabled)

	var startErr error
	c.exec.submitSync(func() {
		startErr = c.startLocked(mtu, snap)
	})
	if startErr != nil {
		c.exec.stop()
		return startErr
	}

	readCtx, cancel := context.WithCancel(ctx)
	c.readCancel = cancel
	c.readDone = make(chan struct{})
	go func() {
		defer close(c.readDone)
		err := c.port.ReadLoop(readCtx, func(batch Batch) {
			c.exec.submit(func() { c.handleInboundBatch(batch) })
		})
		if err != nil && readCtx.Err() == nil {
			xlog.Info(ctx, "packet port read loop ended, inducing stop")
			// Stop waits for readDone, which closes only once this
			// goroutine returns, so it must run on another goroutine.
			go func() { _ = c.Stop() }()
		}
	}()

	c.running.Store(true)
	return nil
}

// startLocked performs the serialization-context portion of Start.
func (c *Coordinator) startLocked(mtu uint32, snap *config.Snapshot) error {
	if snap.WantsMux() && c.muxFactory != nil {
		m, err := c.muxFactory(snap, c.dialer)
		if err != nil {
			return xerrors.New("mux manager init failed").Base(err).AtError()
		}
		c.mux = m
	}

	se, err := newStackEngine(mtu, c.handleOutput, c.handleTCPAccept, c.handleUDPRecvRaw)
	if err != nil {
		return xerrors.New("stack engine init failed").Base(err).AtError()
	}
	c.stack = se

	c.stackTicker = &xtask.Periodic{Interval: StackTick, Execute: func() {
		c.exec.submit(func() {
			if !c.running.Load() {
				return
			}
			c.stack.checkTimeouts()
		})
	}}
	c.udpReaper = &xtask.Periodic{Interval: UDPReapTick, Execute: func() {
		c.exec.submit(func() {
			if !c.running.Load() {
				return
			}
			c.reapIdleUDP()
		})
	}}
	c.stackTicker.Start()
	c.udpReaper.Start()
	return nil
}

// Stop synchronously shuts the coordinator down: it blocks the caller
// until internal shutdown completes, so no callback runs after Stop
// returns (spec §5). Idempotent after the first call.
func (c *Coordinator) Stop() error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}

	if c.readCancel != nil {
		c.readCancel()
		<-c.readDone
	}

	c.exec.submitSync(func() {
		c.shutdownLocked()
	})
	c.exec.stop()

	c.port = nil
	c.cfg.Store(nil)
	return nil
}

// shutdownLocked cancels timers before closing flows (spec §5
// "Timers are cancelled before flows are closed"), then closes every
// UDP flow, the Mux Manager, and the Stack Engine.
func (c *Coordinator) shutdownLocked() {
	if c.stackTicker != nil {
		c.stackTicker.Close()
	}
	if c.udpReaper != nil {
		c.udpReaper.Close()
	}

	c.mu.Lock()
	flows := make([]*udpFlow, 0, len(c.udpFlows))
	for _, f := range c.udpFlows {
		flows = append(flows, f)
	}
	c.udpFlows = make(map[string]*udpFlow)
	mux := c.mux
	c.mux = nil
	c.mu.Unlock()

	for _, f := range flows {
		f.close()
	}
	if mux != nil {
		mux.CloseAll()
	}

	if c.stack != nil {
		c.stack.close()
		c.stack = nil
	}
}

// SwitchConfiguration schedules, on the serialization context, a full
// internal shutdown followed by a full re-start with the new snapshot,
// reusing the existing Packet Port (spec §4.4). P4: once this returns,
// no flow observes the old snapshot.
func (c *Coordinator) SwitchConfiguration(mtu uint32, snap *config.Snapshot, ipv6Enabled *bool) error {
	if !c.running.Load() {
		return xerrors.New("coordinator not running").AtWarning()
	}

	var err error
	c.exec.submitSync(func() {
		c.shutdownLocked()
		if ipv6Enabled != nil {
			c.ipv6Enabled.Store(*ipv6Enabled)
		}
		c.cfg.Store(snap)
		err = c.startLocked(mtu, snap)
	})
	return err
}

func (c *Coordinator) snapshot() *config.Snapshot {
	return c.cfg.Load()
}

// handleOutput is the Bridge's Output hook, wired directly to the
// Packet Port's write context.
func (c *Coordinator) handleOutput(b []byte, isIPv6 bool) {
	family := AFInet
	if isIPv6 {
		family = AFInet6
	}
	if c.port != nil {
		c.port.Write(Batch{{Bytes: b, Family: family}})
	}
}

// handleInboundBatch injects every packet of a tunnel read batch into
// the Stack Engine, in arrival order (spec §5 ordering guarantee). Runs
// on the serialization context.
func (c *Coordinator) handleInboundBatch(batch Batch) {
	if !c.running.Load() || c.stack == nil {
		return
	}
	for _, rec := range batch {
		c.stack.inject(rec.Bytes, rec.Family == AFInet6)
	}
}
