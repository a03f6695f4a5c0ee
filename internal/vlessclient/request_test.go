package vlessclient

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteRequestHeaderIPv4(t *testing.T) {
	id := uuid.MustParse("01020304-0506-0708-090a-0b0c0d0e0f10")
	hdr := writeRequestHeader(id, commandTCP, "1.2.3.4", 443)

	require.GreaterOrEqual(t, len(hdr), 1+16+1+1+2+1+4)
	assert.Equal(t, byte(protocolVersion), hdr[0])
	assert.Equal(t, id[:], hdr[1:17])
	assert.Equal(t, byte(0), hdr[17]) // addon length
	assert.Equal(t, commandTCP, hdr[18])
	assert.Equal(t, []byte{0x01, 0xbb}, hdr[19:21]) // port 443
	assert.Equal(t, addrTypeIPv4, hdr[21])
	assert.Equal(t, []byte{1, 2, 3, 4}, hdr[22:26])
}

func TestWriteRequestHeaderDomain(t *testing.T) {
	id := uuid.New()
	hdr := writeRequestHeader(id, commandUDP, "example.com", 53)

	addrStart := 1 + 16 + 1 + 1 + 2
	assert.Equal(t, addrTypeDomain, hdr[addrStart])
	assert.Equal(t, byte(len("example.com")), hdr[addrStart+1])
	assert.Equal(t, "example.com", string(hdr[addrStart+2:addrStart+2+len("example.com")]))
}

func TestEncodeAddressIPv6(t *testing.T) {
	b := encodeAddress("::1")
	require.Equal(t, addrTypeIPv6, b[0])
	assert.Len(t, b[1:], 16)
}

func TestReadResponseHeaderNoAddons(t *testing.T) {
	buf := bytes.NewReader([]byte{0x00, 0x00})
	assert.NoError(t, readResponseHeader(buf))
}

func TestReadResponseHeaderWithAddons(t *testing.T) {
	buf := bytes.NewReader([]byte{0x00, 0x03, 'a', 'b', 'c'})
	assert.NoError(t, readResponseHeader(buf))
}

func TestReadResponseHeaderTruncated(t *testing.T) {
	buf := bytes.NewReader([]byte{0x00})
	assert.Error(t, readResponseHeader(buf))
}
