package vlessclient

import (
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamWritesHeaderOnceAheadOfFirstWrite(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := &stream{conn: client, header: []byte{0xAA, 0xBB}}

	go func() {
		_, err := s.Write([]byte("payload"))
		assert.NoError(t, err)
	}()

	buf := make([]byte, 9)
	n, err := readFullWithDeadline(server, buf)
	require.NoError(t, err)
	require.Equal(t, 9, n)
	assert.Equal(t, []byte{0xAA, 0xBB}, buf[:2])
	assert.Equal(t, "payload", string(buf[2:]))

	// A second write must not resend the header.
	go func() { _, _ = s.Write([]byte("more")) }()
	buf2 := make([]byte, 4)
	n2, err := readFullWithDeadline(server, buf2)
	require.NoError(t, err)
	assert.Equal(t, "more", string(buf2[:n2]))
}

func TestStreamReadsResponseHeaderOnceAheadOfFirstRead(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_, _ = server.Write([]byte{0x00, 0x00}) // response header: version 0, no addons
		_, _ = server.Write([]byte("reply"))
	}()

	s := &stream{conn: client}
	buf := make([]byte, 5)
	n, err := readFullWithDeadline(s, buf)
	require.NoError(t, err)
	assert.Equal(t, "reply", string(buf[:n]))
}

func TestDatagramSendFramesDestinationAndPayload(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	d := &datagram{conn: client, header: []byte{0x01}}
	go func() {
		_ = d.Send("5.6.7.8", 9999, []byte("hello"))
	}()

	// The one-time VLESS request header precedes the first length-prefixed
	// frame on the wire.
	pre := make([]byte, len(d.header))
	_, err := readFullWithDeadline(server, pre)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, pre)

	host, port, payload, err := readDatagramFrame(server)
	require.NoError(t, err)
	assert.Equal(t, "5.6.7.8", host)
	assert.EqualValues(t, 9999, port)
	assert.Equal(t, "hello", string(payload))
}

func TestWriteRequestHeaderUsedByStreamIsWellFormed(t *testing.T) {
	id := uuid.New()
	hdr := writeRequestHeader(id, commandTCP, "1.1.1.1", 80)
	assert.Equal(t, byte(protocolVersion), hdr[0])
	assert.Equal(t, id[:], hdr[1:17])
}

func readFullWithDeadline(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	if c, ok := r.(net.Conn); ok {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	}
	return readFull(r, buf)
}

// readDatagramFrame decodes one client.datagram wire frame directly,
// mirroring datagram.Recv's own framing, used here from the server side
// of the pipe to assert what the client actually put on the wire.
func readDatagramFrame(r net.Conn) (string, uint16, []byte, error) {
	_ = r.SetReadDeadline(time.Now().Add(2 * time.Second))
	lenBytes := make([]byte, 2)
	if _, err := readFull(r, lenBytes); err != nil {
		return "", 0, nil, err
	}
	n := int(lenBytes[0])<<8 | int(lenBytes[1])
	frame := make([]byte, n)
	if _, err := readFull(r, frame); err != nil {
		return "", 0, nil, err
	}
	return decodeDatagramFrame(frame)
}
