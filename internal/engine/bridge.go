package engine

import (
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"github.com/hiDandelion/netcore/internal/xerrors"
)

// bridgeEndpoint is the Bridge component of spec §4.3, realized as a
// gVisor stack.LinkEndpoint: its Output hook forwards every packet the
// stack wants to emit to the Packet Port's write context, and its
// inject method is the other side of the bridge, delivering packets the
// Packet Port read from the tunnel into the stack. Grounded on
// proxy/tun/tun_darwin_endpoint.go's DarwinEndpoint, generalized to not
// assume a raw fd: this bridge only ever talks to the abstract
// PacketPort interface through the onOutput callback wired in by the
// coordinator.
type bridgeEndpoint struct {
	mtu        uint32
	onOutput   func(b []byte, isIPv6 bool)
	dispatcher stack.NetworkDispatcher
}

var _ stack.LinkEndpoint = (*bridgeEndpoint)(nil)

func newBridgeEndpoint(mtu uint32, onOutput func(b []byte, isIPv6 bool)) *bridgeEndpoint {
	return &bridgeEndpoint{mtu: mtu, onOutput: onOutput}
}

func (e *bridgeEndpoint) MTU() uint32                      { return e.mtu }
func (e *bridgeEndpoint) SetMTU(uint32)                     {}
func (e *bridgeEndpoint) MaxHeaderLength() uint16           { return 0 }
func (e *bridgeEndpoint) LinkAddress() tcpip.LinkAddress    { return "" }
func (e *bridgeEndpoint) SetLinkAddress(tcpip.LinkAddress)  {}
// Capabilities reports RX checksum offload so the stack trusts inbound
// checksums (the tunnel does not corrupt packets); outbound checksums
// are still generated by the stack since TX offload is not claimed.
func (e *bridgeEndpoint) Capabilities() stack.LinkEndpointCapabilities {
	return stack.CapabilityRXChecksumOffload
}
func (e *bridgeEndpoint) Wait()                                    {}
func (e *bridgeEndpoint) ARPHardwareType() header.ARPHardwareType  { return header.ARPHardwareNone }
func (e *bridgeEndpoint) AddHeader(*stack.PacketBuffer)            {}
func (e *bridgeEndpoint) ParseHeader(*stack.PacketBuffer) bool     { return true }
func (e *bridgeEndpoint) SetOnCloseAction(func())                  {}

func (e *bridgeEndpoint) Attach(dispatcher stack.NetworkDispatcher) {
	e.dispatcher = dispatcher
}

func (e *bridgeEndpoint) IsAttached() bool {
	return e.dispatcher != nil
}

// WritePackets is the Bridge's Output hook: every packet gVisor wants to
// send is flattened to a contiguous slice and handed to onOutput, which
// the coordinator wires directly to the Packet Port's Write (spec §4.3
// Output: "(bytes, length, is_ipv6) -> forwarded to Packet Port's write
// context").
func (e *bridgeEndpoint) WritePackets(pkts stack.PacketBufferList) (int, tcpip.Error) {
	n := 0
	for _, pkt := range pkts.AsSlice() {
		var data []byte
		for _, v := range pkt.AsSlices() {
			data = append(data, v...)
		}
		isIPv6 := len(data) > 0 && header.IPVersion(data) == header.IPv6Version
		e.onOutput(data, isIPv6)
		n++
	}
	return n, nil
}

// inject delivers one raw IP packet into the stack, as if received on
// the NIC. Called by the coordinator on its serialization context for
// every packet the Packet Port yields.
func (e *bridgeEndpoint) inject(pkt []byte, isIPv6 bool) {
	if e.dispatcher == nil || len(pkt) == 0 {
		return
	}
	proto := header.IPv4ProtocolNumber
	if isIPv6 {
		proto = header.IPv6ProtocolNumber
	}
	pb := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), pkt...)),
	})
	e.dispatcher.DeliverNetworkPacket(proto, pb)
	pb.DecRef()
}

// writeUDPPacket builds a UDP/IP packet and injects it directly into the
// stack's outbound path via WriteRawPacket, addressed (src, dst) as
// given — used by UDP Flow to reinject an upstream reply with the
// 5-tuple swapped relative to the inbound datagram (spec §4.6).
// Grounded on proxy/tun/stack_gvisor.go's udpWriter.WriteMultiBuffer.
func writeUDPPacket(s *stack.Stack, srcIP []byte, srcPort uint16, dstIP []byte, dstPort uint16, payload []byte) error {
	isIPv4 := len(srcIP) == 4
	udpLen := header.UDPMinimumSize + len(payload)

	ipHdrSize := header.IPv6MinimumSize
	netProto := header.IPv6ProtocolNumber
	if isIPv4 {
		ipHdrSize = header.IPv4MinimumSize
		netProto = header.IPv4ProtocolNumber
	}

	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		ReserveHeaderBytes: ipHdrSize + header.UDPMinimumSize,
		Payload:            buffer.MakeWithData(append([]byte(nil), payload...)),
	})
	defer pkt.DecRef()

	srcAddr := tcpip.AddrFromSlice(srcIP)
	dstAddr := tcpip.AddrFromSlice(dstIP)

	udpHdr := header.UDP(pkt.TransportHeader().Push(header.UDPMinimumSize))
	udpHdr.Encode(&header.UDPFields{SrcPort: srcPort, DstPort: dstPort, Length: uint16(udpLen)})
	xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber, srcAddr, dstAddr, uint16(udpLen))
	udpHdr.SetChecksum(^udpHdr.CalculateChecksum(checksum.Checksum(payload, xsum)))

	if isIPv4 {
		ipHdr := header.IPv4(pkt.NetworkHeader().Push(header.IPv4MinimumSize))
		ipHdr.Encode(&header.IPv4Fields{
			TotalLength: uint16(header.IPv4MinimumSize + udpLen),
			TTL:         64,
			Protocol:    uint8(header.UDPProtocolNumber),
			SrcAddr:     srcAddr,
			DstAddr:     dstAddr,
		})
		ipHdr.SetChecksum(^ipHdr.CalculateChecksum())
	} else {
		ipHdr := header.IPv6(pkt.NetworkHeader().Push(header.IPv6MinimumSize))
		ipHdr.Encode(&header.IPv6Fields{
			PayloadLength:     uint16(udpLen),
			TransportProtocol: header.UDPProtocolNumber,
			HopLimit:          64,
			SrcAddr:           srcAddr,
			DstAddr:           dstAddr,
		})
	}

	var data []byte
	for _, v := range pkt.AsSlices() {
		data = append(data, v...)
	}
	if err := s.WriteRawPacket(nicID, netProto, buffer.MakeWithData(data)); err != nil {
		return xerrors.New("write udp reply packet failed: ", err.String()).AtWarning()
	}
	return nil
}

func errFromTcpip(err tcpip.Error) error {
	return xerrors.New(err.String())
}
