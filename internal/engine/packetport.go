package engine

import (
	"context"
	"sync"

	"golang.org/x/sys/unix"
)

// FDPacketPort wraps a tunnel file descriptor already opened by the
// mobile network-extension host, exactly the way the teacher's
// proxy/tun/tun_darwin.go and tun_android.go receive a ready-made fd via
// an environment variable rather than creating the interface themselves
// — this process never has permission to create a TUN device on a
// mobile host, only to use the one handed to it.
type FDPacketPort struct {
	fd  int
	mtu int

	writeCh chan Batch
	closeCh chan struct{}
	closeMu sync.Mutex
	closed  bool
}

// NewFDPacketPort takes ownership of fd (already set non-blocking by the
// caller, matching unix.SetNonblock in the teacher's NewTun) and starts
// the independent write goroutine (spec §4.1's "independent write
// context").
func NewFDPacketPort(fd, mtu int) *FDPacketPort {
	p := &FDPacketPort{
		fd:      fd,
		mtu:     mtu,
		writeCh: make(chan Batch, 64),
		closeCh: make(chan struct{}),
	}
	go p.writeLoop()
	return p
}

// pollTimeoutMillis bounds each unix.Poll wait in ReadLoop so the loop
// still notices ctx cancellation promptly even when the tunnel is
// otherwise silent.
const pollTimeoutMillis = 1000

// ReadLoop repeatedly reads one packet at a time off the fd and hands it
// to sink as a single-packet batch. A single read failure (other than
// EAGAIN/EINTR, which just means "nothing pending") is fatal to the loop,
// per spec §4.1. On EAGAIN it waits for readability with unix.Poll rather
// than spinning, the way the teacher's DarwinTun.ReadPacket returns
// ErrQueueEmpty for the stack to Wait() on instead of re-reading
// immediately.
func (p *FDPacketPort) ReadLoop(ctx context.Context, sink func(Batch)) error {
	buf := make([]byte, p.mtu)
	fds := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLIN}}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := unix.Read(p.fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				fds[0].Revents = 0
				if _, perr := unix.Poll(fds, pollTimeoutMillis); perr != nil && perr != unix.EINTR {
					return perr
				}
				continue
			}
			return err
		}
		if n <= 0 {
			continue
		}

		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		sink(Batch{{Bytes: pkt, Family: familyOf(pkt)}})
	}
}

// familyOf inspects the IP version nibble of a raw packet.
func familyOf(pkt []byte) AddressFamily {
	if len(pkt) == 0 {
		return AFInet
	}
	if pkt[0]>>4 == 6 {
		return AFInet6
	}
	return AFInet
}

func (p *FDPacketPort) writeLoop() {
	for {
		select {
		case batch := <-p.writeCh:
			for _, rec := range batch {
				_, _ = unix.Write(p.fd, rec.Bytes)
			}
		case <-p.closeCh:
			return
		}
	}
}

// Write schedules batch on the independent write context so tunnel
// back-pressure never stalls the stack's serialization context.
func (p *FDPacketPort) Write(batch Batch) {
	select {
	case p.writeCh <- batch:
	case <-p.closeCh:
	}
}

func (p *FDPacketPort) Close() error {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.closeCh)
	return unix.Close(p.fd)
}
