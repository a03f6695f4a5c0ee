// Package mux implements the Vision-mode UDP multiplexer of spec §4.7:
// a single upstream TCP connection carrying many logical UDP
// sub-sessions, each framed with its own session id. Grounded on
// common/mux's ClientManager/ClientWorker/frame shape, simplified to
// UDP-only sessions (no TCP dispatch) and a session header that drops
// the option byte and inbound-source echo the teacher's frame carries.
// The XUDP GlobalID is kept: it follows the destination on a New frame
// when the snapshot enables XUDP.
package mux

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync"

	"lukechampine.com/blake3"

	"github.com/hiDandelion/netcore/internal/config"
	"github.com/hiDandelion/netcore/internal/engine"
	"github.com/hiDandelion/netcore/internal/xerrors"
)

// sessionStatus mirrors common/mux.SessionStatus.
type sessionStatus byte

const (
	statusNew  sessionStatus = 0x01
	statusKeep sessionStatus = 0x02
	statusEnd  sessionStatus = 0x03
)

// Dialer is the narrow collaborator Manager needs: something that can
// open the single upstream TCP connection the mux sessions share. Its
// shape matches engine.ProxyDialer.DialTCP exactly so any
// engine.ProxyDialer (in practice, *vlessclient.Client) can be handed
// to New directly.
type Dialer interface {
	DialTCP(ctx context.Context, host string, port uint16, snap *config.Snapshot) (engine.ProxyStream, error)
}

// Manager implements engine.MuxManager: one shared upstream connection,
// fanned out into per-destination sessions keyed by an incrementing
// session id, grounded on common/mux.ClientWorker's single-worker
// picking loop (simplified here to exactly one worker, since this
// client core only ever drives one upstream server at a time).
type Manager struct {
	dialer  Dialer
	snap    *config.Snapshot
	xudpKey []byte

	mu       sync.Mutex
	conn     io.ReadWriteCloser
	nextID   uint16
	sessions map[uint16]*session
	dialed   bool
}

// New builds a Manager that lazily dials its shared upstream connection
// on the first OpenUDP call. When the snapshot enables XUDP, a random
// per-Manager key is drawn to derive each session's GlobalID, mirroring
// common/xudp's process-lifetime BaseKey.
func New(dialer Dialer, snap *config.Snapshot) *Manager {
	m := &Manager{dialer: dialer, snap: snap, sessions: make(map[uint16]*session)}
	if snap.XUDPEnabled {
		m.xudpKey = make([]byte, 32)
		_, _ = rand.Read(m.xudpKey)
	}
	return m
}

// globalID derives the 8-byte XUDP GlobalID for a session opened by the
// flow at srcHost:srcPort, keyed so the same local flow always maps to
// the same id, matching common/xudp.GetGlobalID's keyed-hash-of-source
// scheme (dropping its inbound-protocol allowlist, which names concerns
// this client core doesn't have).
func (m *Manager) globalID(srcHost string, srcPort uint16) []byte {
	if m.xudpKey == nil {
		return nil
	}
	h := blake3.New(8, m.xudpKey)
	h.Write([]byte(net.JoinHostPort(srcHost, strconv.Itoa(int(srcPort)))))
	return h.Sum(nil)
}

func (m *Manager) ensureConn(ctx context.Context) (io.ReadWriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dialed {
		return m.conn, nil
	}
	conn, err := m.dialer.DialTCP(ctx, m.snap.Endpoint(), m.snap.ServerPort, m.snap)
	if err != nil {
		return nil, xerrors.New("mux upstream dial failed").Base(err).AtError()
	}
	m.conn = conn
	m.dialed = true
	go m.demux()
	return conn, nil
}

// OpenUDP allocates a new session id on the shared connection and sends
// a SessionStatusNew frame naming the destination, matching
// engine.MuxManager.OpenUDP's shape. srcHost/srcPort identify the local
// flow opening the session, used only to derive the XUDP GlobalID when
// the snapshot enables it.
func (m *Manager) OpenUDP(ctx context.Context, srcHost string, srcPort uint16, dstHost string, dstPort uint16) (engine.ProxyDatagram, error) {
	conn, err := m.ensureConn(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	s := &session{id: id, inbound: make(chan []byte, 64), host: dstHost, port: dstPort}
	m.sessions[id] = s
	m.mu.Unlock()

	gid := m.globalID(srcHost, srcPort)
	if err := writeFrame(conn, id, statusNew, dstHost, dstPort, gid, nil); err != nil {
		m.removeSession(id)
		return nil, xerrors.New("mux session open failed").Base(err).AtError()
	}
	return &udpSession{m: m, conn: conn, s: s}, nil
}

// CloseAll ends every open session and the shared upstream connection.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conn := m.conn
	sessions := m.sessions
	m.sessions = make(map[uint16]*session)
	m.mu.Unlock()

	for _, s := range sessions {
		close(s.inbound)
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (m *Manager) removeSession(id uint16) {
	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		close(s.inbound)
		delete(m.sessions, id)
	}
	m.mu.Unlock()
}

// demux reads frames off the shared connection and fans each payload
// out to its session's inbound channel, the realization of
// common/mux.Client's single reader goroutine per worker.
func (m *Manager) demux() {
	conn := m.conn
	for {
		id, status, payload, err := readFrame(conn)
		if err != nil {
			m.CloseAll()
			return
		}
		m.mu.Lock()
		s, ok := m.sessions[id]
		m.mu.Unlock()
		if !ok {
			continue
		}
		if status == statusEnd {
			m.removeSession(id)
			continue
		}
		select {
		case s.inbound <- payload:
		default:
		}
	}
}

// session is the per-id bookkeeping shared between the demuxer and the
// ProxyDatagram handle returned to the flow that opened it.
type session struct {
	id      uint16
	inbound chan []byte
	host    string
	port    uint16
}

// udpSession implements engine.ProxyDatagram over one mux session.
type udpSession struct {
	m    *Manager
	conn io.ReadWriteCloser
	s    *session
}

func (u *udpSession) Send(dstHost string, dstPort uint16, b []byte) error {
	return writeFrame(u.conn, u.s.id, statusKeep, dstHost, dstPort, nil, b)
}

func (u *udpSession) Recv() (string, uint16, []byte, error) {
	payload, ok := <-u.s.inbound
	if !ok {
		return "", 0, nil, io.EOF
	}
	return u.s.host, u.s.port, payload, nil
}

func (u *udpSession) Close() error {
	_ = writeFrame(u.conn, u.s.id, statusEnd, "", 0, nil, nil)
	u.m.removeSession(u.s.id)
	return nil
}

// writeFrame encodes one mux frame:
//
//	2 bytes length, 2 bytes session id, 1 byte status,
//	[addr type(1) addr(n) port(2) [globalID(8) if XUDP] if status==New], payload
//
// grounded on common/mux.FrameMetadata.WriteTo for the session/status/addr
// shape and common/xudp.PacketWriter.WriteMultiBuffer for appending the
// GlobalID right after the destination on a New frame; drops the option
// byte and inbound-echo field this client never populates.
func writeFrame(w io.Writer, id uint16, status sessionStatus, host string, port uint16, globalID []byte, payload []byte) error {
	var body []byte
	if status == statusNew {
		body = append(body, encodeFrameAddr(host)...)
		portBytes := make([]byte, 2)
		binary.BigEndian.PutUint16(portBytes, port)
		body = append(body, portBytes...)
		if len(globalID) > 0 {
			body = append(body, globalID...)
		}
	}
	body = append(body, payload...)

	frame := make([]byte, 0, 3+len(body))
	idBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(idBytes, id)
	frame = append(frame, idBytes...)
	frame = append(frame, byte(status))
	frame = append(frame, body...)

	lenBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBytes, uint16(len(frame)))

	_, err := w.Write(append(lenBytes, frame...))
	return err
}

func readFrame(r io.Reader) (uint16, sessionStatus, []byte, error) {
	lenBytes := make([]byte, 2)
	if _, err := io.ReadFull(r, lenBytes); err != nil {
		return 0, 0, nil, err
	}
	n := binary.BigEndian.Uint16(lenBytes)
	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		return 0, 0, nil, err
	}
	if len(frame) < 3 {
		return 0, 0, nil, xerrors.New("truncated mux frame")
	}
	id := binary.BigEndian.Uint16(frame[0:2])
	status := sessionStatus(frame[2])
	payload := frame[3:]
	if status == statusNew {
		_, rest, err := decodeFrameAddr(payload)
		if err != nil {
			return 0, 0, nil, err
		}
		if len(rest) < 2 {
			return 0, 0, nil, xerrors.New("truncated mux frame port")
		}
		payload = rest[2:]
	}
	return id, status, payload, nil
}

const (
	frameAddrIPv4   byte = 0x01
	frameAddrDomain byte = 0x02
	frameAddrIPv6   byte = 0x03
)

func encodeFrameAddr(host string) []byte {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return append([]byte{frameAddrIPv4}, v4...)
		}
		return append([]byte{frameAddrIPv6}, ip.To16()...)
	}
	return append([]byte{frameAddrDomain, byte(len(host))}, []byte(host)...)
}

func decodeFrameAddr(b []byte) (string, []byte, error) {
	if len(b) < 1 {
		return "", nil, xerrors.New("empty mux frame address")
	}
	switch b[0] {
	case frameAddrIPv4:
		if len(b) < 5 {
			return "", nil, xerrors.New("truncated mux frame ipv4 address")
		}
		return net.IP(b[1:5]).String(), b[5:], nil
	case frameAddrIPv6:
		if len(b) < 17 {
			return "", nil, xerrors.New("truncated mux frame ipv6 address")
		}
		return net.IP(b[1:17]).String(), b[17:], nil
	case frameAddrDomain:
		if len(b) < 2 {
			return "", nil, xerrors.New("truncated mux frame domain address")
		}
		n := int(b[1])
		if len(b) < 2+n {
			return "", nil, xerrors.New("truncated mux frame domain address")
		}
		return string(b[2 : 2+n]), b[2+n:], nil
	default:
		return "", nil, xerrors.New("unknown mux frame address type")
	}
}
