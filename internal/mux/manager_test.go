package mux

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiDandelion/netcore/internal/config"
	"github.com/hiDandelion/netcore/internal/engine"
)

func TestWriteReadFrameRoundTripsNewSession(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_ = writeFrame(client, 7, statusNew, "1.2.3.4", 53, nil, []byte("payload"))
	}()

	id, status, payload, err := readFrame(server)
	require.NoError(t, err)
	assert.EqualValues(t, 7, id)
	assert.Equal(t, statusNew, status)
	assert.Equal(t, "payload", string(payload))
}

func TestWriteReadFrameRoundTripsKeepSession(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_ = writeFrame(client, 3, statusKeep, "", 0, nil, []byte("more"))
	}()

	id, status, payload, err := readFrame(server)
	require.NoError(t, err)
	assert.EqualValues(t, 3, id)
	assert.Equal(t, statusKeep, status)
	assert.Equal(t, "more", string(payload))
}

func TestManagerGlobalIDStableForSameSource(t *testing.T) {
	m := New(&fakeDialer{}, &config.Snapshot{XUDPEnabled: true})
	a := m.globalID("10.0.0.1", 9000)
	b := m.globalID("10.0.0.1", 9000)
	c := m.globalID("10.0.0.2", 9000)
	require.Len(t, a, 8)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestManagerGlobalIDNilWhenXUDPDisabled(t *testing.T) {
	m := New(&fakeDialer{}, &config.Snapshot{XUDPEnabled: false})
	assert.Nil(t, m.globalID("10.0.0.1", 9000))
}

func TestWriteFrameAppendsGlobalIDOnNewFrame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	gid := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	go func() {
		_ = writeFrame(client, 1, statusNew, "1.2.3.4", 53, gid, []byte("x"))
	}()

	lenBytes := make([]byte, 2)
	_, err := io.ReadFull(server, lenBytes)
	require.NoError(t, err)
	n := binary.BigEndian.Uint16(lenBytes)
	frame := make([]byte, n)
	_, err = io.ReadFull(server, frame)
	require.NoError(t, err)

	// id(2) + status(1) + addrType(1) + ipv4(4) + port(2) + globalID(8) + "x"
	addrEnd := 2 + 1 + 1 + 4 + 2
	assert.Equal(t, gid, frame[addrEnd:addrEnd+8])
	assert.Equal(t, "x", string(frame[addrEnd+8:]))
}

func TestEncodeDecodeFrameAddrIPv4(t *testing.T) {
	b := encodeFrameAddr("1.2.3.4")
	host, rest, err := decodeFrameAddr(b)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", host)
	assert.Empty(t, rest)
}

func TestEncodeDecodeFrameAddrIPv6(t *testing.T) {
	b := encodeFrameAddr("::1")
	host, rest, err := decodeFrameAddr(b)
	require.NoError(t, err)
	assert.Equal(t, net.ParseIP("::1").String(), host)
	assert.Empty(t, rest)
}

func TestEncodeDecodeFrameAddrDomain(t *testing.T) {
	b := encodeFrameAddr("example.com")
	host, rest, err := decodeFrameAddr(b)
	require.NoError(t, err)
	assert.Equal(t, "example.com", host)
	assert.Empty(t, rest)
}

func TestDecodeFrameAddrUnknownType(t *testing.T) {
	_, _, err := decodeFrameAddr([]byte{0xFF})
	assert.Error(t, err)
}

func TestDecodeFrameAddrTruncated(t *testing.T) {
	_, _, err := decodeFrameAddr([]byte{frameAddrIPv4, 1, 2})
	assert.Error(t, err)
}

// fakeDialer hands back one side of a net.Pipe as the shared upstream
// connection, so Manager's framing can be exercised without a real
// VLESS/transport stack.
type fakeDialer struct {
	conn net.Conn
}

func (f *fakeDialer) DialTCP(ctx context.Context, host string, port uint16, snap *config.Snapshot) (engine.ProxyStream, error) {
	return f.conn, nil
}

func TestManagerOpenUDPSendsNewSessionFrame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	m := New(&fakeDialer{conn: client}, &config.Snapshot{ServerAddress: "upstream", ServerPort: 443})

	dgCh := make(chan engine.ProxyDatagram, 1)
	errCh := make(chan error, 1)
	go func() {
		dg, err := m.OpenUDP(context.Background(), "10.0.0.1", 9000, "8.8.8.8", 53)
		dgCh <- dg
		errCh <- err
	}()

	id, status, _, err := readFrame(server)
	require.NoError(t, err)
	assert.EqualValues(t, 1, id)
	assert.Equal(t, statusNew, status)

	require.NoError(t, <-errCh)
	dg := <-dgCh
	require.NotNil(t, dg)
}

func TestManagerDemuxFansOutToSession(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	m := New(&fakeDialer{conn: client}, &config.Snapshot{ServerAddress: "upstream", ServerPort: 443})

	type openResult struct {
		dg  engine.ProxyDatagram
		err error
	}
	resultCh := make(chan openResult, 1)
	go func() {
		dg, err := m.OpenUDP(context.Background(), "10.0.0.1", 9000, "8.8.8.8", 53)
		resultCh <- openResult{dg, err}
	}()

	// Drain the SessionStatusNew frame the OpenUDP call wrote, then answer
	// with a keep-alive frame carrying a reply payload.
	id, _, _, err := readFrame(server)
	require.NoError(t, err)
	require.NoError(t, writeFrame(server, id, statusKeep, "", 0, nil, []byte("reply")))

	res := <-resultCh
	require.NoError(t, res.err)

	host, port, payload, err := res.dg.Recv()
	require.NoError(t, err)
	assert.Equal(t, "8.8.8.8", host)
	assert.EqualValues(t, 53, port)
	assert.Equal(t, "reply", string(payload))
}

func TestManagerCloseAllClosesSessionsAndConn(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	m := New(&fakeDialer{conn: client}, &config.Snapshot{ServerAddress: "upstream", ServerPort: 443})

	go func() {
		_, _ = m.OpenUDP(context.Background(), "10.0.0.1", 9000, "8.8.8.8", 53)
	}()
	_, _, _, err := readFrame(server)
	require.NoError(t, err)

	m.CloseAll()

	// The shared connection should now be closed; writing to it must fail.
	deadline := time.Now().Add(2 * time.Second)
	_ = client.SetWriteDeadline(deadline)
	_, err = client.Write([]byte("x"))
	assert.Error(t, err)
}
