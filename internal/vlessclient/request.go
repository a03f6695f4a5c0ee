// Package vlessclient implements the narrow engine.ProxyDialer against a
// VLESS request header, grounded on proxy/vless/outbound/connection.go
// and proxy/vless/account.go, simplified to the header fields this
// module's spec names (version, uuid, command, port, address) and
// dropping the protobuf addon encoding that only matters for XTLS
// Vision's flow-specific framing — out of scope per spec §1, which
// keeps "the VLESS wire protocol itself" external; this package exists
// to give internal/engine a real collaborator to dial through, not to
// be wire-compatible with every xray-core server feature.
package vlessclient

import (
	"encoding/binary"
	"net"

	"github.com/google/uuid"
)

const protocolVersion = 0

// command bytes, matching the teacher's protocol.RequestCommand values.
const (
	commandTCP byte = 0x01
	commandUDP byte = 0x02
)

// address type bytes, matching the teacher's protocol.AddressType values.
const (
	addrTypeIPv4   byte = 0x01
	addrTypeDomain byte = 0x02
	addrTypeIPv6   byte = 0x03
)

// writeRequestHeader builds the VLESS request header:
//
//	version(1) uuid(16) addon_len(1)=0 command(1) port(2) addr_type(1) addr(n)
//
// and returns it as a byte slice, for the given destination and command.
func writeRequestHeader(id uuid.UUID, command byte, host string, port uint16) []byte {
	var b []byte
	b = append(b, protocolVersion)
	raw := id
	b = append(b, raw[:]...)
	b = append(b, 0) // addon length: no addons wired (Vision framing is out of scope)
	b = append(b, command)

	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, port)
	b = append(b, portBytes...)

	b = append(b, encodeAddress(host)...)
	return b
}

// encodeAddress renders host as a VLESS address field: a raw 4- or
// 16-byte IP when host parses as one, otherwise a length-prefixed
// domain name.
func encodeAddress(host string) []byte {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return append([]byte{addrTypeIPv4}, v4...)
		}
		return append([]byte{addrTypeIPv6}, ip.To16()...)
	}
	out := []byte{addrTypeDomain, byte(len(host))}
	return append(out, []byte(host)...)
}

// readResponseHeader reads and discards the VLESS response header:
//
//	version(1) addon_len(1) addon_body(n)
//
// The version byte is not checked; only a short read is an error.
func readResponseHeader(r interface{ Read([]byte) (int, error) }) error {
	hdr := make([]byte, 2)
	if _, err := readFull(r, hdr); err != nil {
		return err
	}
	if hdr[1] > 0 {
		addon := make([]byte, hdr[1])
		if _, err := readFull(r, addon); err != nil {
			return err
		}
	}
	return nil
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
