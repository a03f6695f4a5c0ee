package engine

import (
	"fmt"
	"strings"
)

// formatIPv4 renders the four raw address bytes as a dotted-quad string.
// R1: parsing this string's four decimal groups back yields the same
// bytes, for any input.
func formatIPv4(b []byte) string {
	return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
}

// formatIPv6 renders the sixteen raw address bytes as eight colon
// separated lowercase hex groups, uncompressed. spec §9's "Open
// Question": the bytes are taken exactly in the order the stack delivers
// them (the on-wire order), never reinterpreted as four little-endian
// 32-bit words the way the original source's platform-specific unpack
// happened to do it. Two equal byte slices always render identically,
// which is what the 5-tuple key depends on (R2); RFC 5952 compression is
// deliberately not applied so the string stays a stable, collision-free
// key (spec §9 "Address rendering").
func formatIPv6(b []byte) string {
	groups := make([]string, 8)
	for i := 0; i < 8; i++ {
		hi, lo := b[i*2], b[i*2+1]
		groups[i] = fmt.Sprintf("%02x%02x", hi, lo)
	}
	return strings.Join(groups, ":")
}

// formatAddr dispatches on the address length: 4 bytes for IPv4, 16 for
// IPv6.
func formatAddr(b []byte) string {
	if len(b) == 4 {
		return formatIPv4(b)
	}
	return formatIPv6(b)
}

// udpKey computes the 5-tuple key of spec §3/§9: a bijection on
// (src, sport, dst, dport) given stable address formatting (R2).
func udpKey(srcIP []byte, srcPort uint16, dstIP []byte, dstPort uint16) string {
	return fmt.Sprintf("%s:%d-%s:%d", formatAddr(srcIP), srcPort, formatAddr(dstIP), dstPort)
}
