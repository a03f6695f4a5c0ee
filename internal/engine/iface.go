package engine

import (
	"context"
	"io"

	"github.com/hiDandelion/netcore/internal/config"
)

// ProxyDialer is the narrow "Proxy client API" of spec §6 that the core
// consumes without knowing anything about VLESS, transports, or mux.
type ProxyDialer interface {
	DialTCP(ctx context.Context, host string, port uint16, snap *config.Snapshot) (ProxyStream, error)
	OpenUDP(ctx context.Context, snap *config.Snapshot) (ProxyDatagram, error)
}

// ProxyStream is an upstream TCP-shaped byte stream.
type ProxyStream interface {
	io.Reader
	io.Writer
	io.Closer
}

// ProxyDatagram is an upstream UDP-shaped datagram path, addressed per
// send/receive the way spec §6 describes.
type ProxyDatagram interface {
	Send(dstHost string, dstPort uint16, b []byte) error
	// Recv blocks for the next datagram. Implementations return an error
	// (commonly io.EOF) once the path can no longer deliver datagrams.
	Recv() (srcHost string, srcPort uint16, b []byte, err error)
	Close() error
}

// MuxManager is the narrow interface of spec §4.7. It is created iff the
// snapshot selects a Vision flow and mux is enabled. srcHost/srcPort name
// the local flow that is opening the session, so an XUDP-enabled Manager
// can derive a stable per-source global id the way common/xudp keys its
// GlobalID off the inbound socket.
type MuxManager interface {
	OpenUDP(ctx context.Context, srcHost string, srcPort uint16, dstHost string, dstPort uint16) (ProxyDatagram, error)
	CloseAll()
}

// Batch is a sequence of raw IP packets read from, or to be written to,
// the tunnel, each tagged with its address family.
type Batch []PacketRecord

// AddressFamily distinguishes IPv4 from IPv6 packets, per spec §4.1.
type AddressFamily int

const (
	AFInet AddressFamily = iota
	AFInet6
)

// PacketRecord is one raw IP packet plus its address family.
type PacketRecord struct {
	Bytes  []byte
	Family AddressFamily
}

// PacketPort is the narrow "Packet Port API" of spec §6.
type PacketPort interface {
	// ReadLoop repeatedly yields batches to sink until ctx is cancelled or
	// a read fails; a read failure is fatal to the loop (spec §4.1).
	ReadLoop(ctx context.Context, sink func(Batch)) error
	// Write schedules a batch for writing on an independent write
	// context, so the caller is never blocked by tunnel back-pressure.
	Write(batch Batch)
	Close() error
}
