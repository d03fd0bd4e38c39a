// Package netdev implements the NetworkBackend collaborators spec.md §6
// calls out for the virtio-net device: a DNS-answering backend, a
// relay/NAT backend that provides guests a usable default gateway without a
// full TCP/IP stack, a Linux TAP backend, and a no-op backend for headless
// boots. Each backend speaks raw Ethernet frames, the same unit virtio-net's
// ProcessQueue/Poll exchange with internal/virtio.NetworkBackend.
package netdev

import (
	"encoding/binary"

	"github.com/rv64lab/rv64vm/internal/virtio"
)

// Frame and NetworkBackend alias the virtio package's types so backends in
// this package can be written without importing virtio directly everywhere.
type Frame = virtio.Frame
type NetworkBackend = virtio.NetworkBackend

const (
	ethHeaderLen = 14
	ethTypeARP   = 0x0806
	ethTypeIPv4  = 0x0800

	arpHeaderLen = 28
	arpOpRequest = 1
	arpOpReply   = 2

	ipv4HeaderMinLen = 20
	ipProtoICMP      = 1
	ipProtoTCP       = 6
	ipProtoUDP       = 17

	udpHeaderLen = 8
)

// GatewayIP and GuestIP are the fixed addresses spec.md's supplemented
// user-mode networking model assigns: the guest always sees a gateway at
// 10.0.2.2 and is assigned 10.0.2.15, mirroring QEMU's user-mode "slirp"
// networking defaults that most guest kernels' DHCP clients already expect
// when no DHCP server answers.
var (
	GatewayIP = [4]byte{10, 0, 2, 2}
	GuestIP   = [4]byte{10, 0, 2, 15}
)

// GatewayMAC is the synthetic MAC address backends use to answer ARP
// requests for the gateway and to source frames they inject.
var GatewayMAC = [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}

func etherType(frame []byte) (uint16, bool) {
	if len(frame) < ethHeaderLen {
		return 0, false
	}
	return binary.BigEndian.Uint16(frame[12:14]), true
}

// buildEthernetFrame prepends an Ethernet header addressed dst<-src with
// the given ethertype in front of payload.
func buildEthernetFrame(dst, src [6]byte, etype uint16, payload []byte) []byte {
	out := make([]byte, ethHeaderLen+len(payload))
	copy(out[0:6], dst[:])
	copy(out[6:12], src[:])
	binary.BigEndian.PutUint16(out[12:14], etype)
	copy(out[ethHeaderLen:], payload)
	return out
}

// arpRequest describes a decoded Ethernet ARP request for IPv4.
type arpRequest struct {
	senderMAC [6]byte
	senderIP  [4]byte
	targetIP  [4]byte
}

func parseARPRequest(frame []byte) (arpRequest, bool) {
	et, ok := etherType(frame)
	if !ok || et != ethTypeARP {
		return arpRequest{}, false
	}
	body := frame[ethHeaderLen:]
	if len(body) < arpHeaderLen {
		return arpRequest{}, false
	}
	op := binary.BigEndian.Uint16(body[6:8])
	if op != arpOpRequest {
		return arpRequest{}, false
	}
	var req arpRequest
	copy(req.senderMAC[:], body[8:14])
	copy(req.senderIP[:], body[14:18])
	copy(req.targetIP[:], body[24:28])
	return req, true
}

// buildARPReply answers req as if myMAC owns req.targetIP.
func buildARPReply(myMAC [6]byte, myIP [4]byte, req arpRequest) []byte {
	body := make([]byte, arpHeaderLen)
	binary.BigEndian.PutUint16(body[0:2], 1)      // HTYPE ethernet
	binary.BigEndian.PutUint16(body[2:4], ethTypeIPv4)
	body[4] = 6 // HLEN
	body[5] = 4 // PLEN
	binary.BigEndian.PutUint16(body[6:8], arpOpReply)
	copy(body[8:14], myMAC[:])
	copy(body[14:18], myIP[:])
	copy(body[18:24], req.senderMAC[:])
	copy(body[24:28], req.senderIP[:])
	return buildEthernetFrame(req.senderMAC, myMAC, ethTypeARP, body)
}

// ipv4Packet is a decoded IPv4 header plus its protocol payload.
type ipv4Packet struct {
	srcIP, dstIP [4]byte
	protocol     byte
	payload      []byte
	ihl          int
	totalLen     int
}

func parseIPv4(frame []byte) (ipv4Packet, []byte, bool) {
	et, ok := etherType(frame)
	if !ok || et != ethTypeIPv4 {
		return ipv4Packet{}, nil, false
	}
	body := frame[ethHeaderLen:]
	if len(body) < ipv4HeaderMinLen {
		return ipv4Packet{}, nil, false
	}
	ihl := int(body[0]&0x0f) * 4
	if ihl < ipv4HeaderMinLen || len(body) < ihl {
		return ipv4Packet{}, nil, false
	}
	var pkt ipv4Packet
	pkt.ihl = ihl
	pkt.totalLen = int(binary.BigEndian.Uint16(body[2:4]))
	pkt.protocol = body[9]
	copy(pkt.srcIP[:], body[12:16])
	copy(pkt.dstIP[:], body[16:20])
	pkt.payload = body[ihl:]
	return pkt, body[:ihl], true
}

func ipv4Checksum(header []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(header); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(header[i : i+2]))
	}
	if len(header)%2 == 1 {
		sum += uint32(header[len(header)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}

// buildIPv4UDP builds a complete Ethernet/IPv4/UDP frame carrying payload.
// The UDP checksum is left zero, which IPv4 permits, avoiding the need to
// construct and checksum the pseudo-header.
func buildIPv4UDP(dstMAC, srcMAC [6]byte, srcIP, dstIP [4]byte, srcPort, dstPort uint16, payload []byte) []byte {
	udpLen := udpHeaderLen + len(payload)
	udp := make([]byte, udpLen)
	binary.BigEndian.PutUint16(udp[0:2], srcPort)
	binary.BigEndian.PutUint16(udp[2:4], dstPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpLen))
	copy(udp[8:], payload)

	ipTotalLen := ipv4HeaderMinLen + udpLen
	ip := make([]byte, ipv4HeaderMinLen)
	ip[0] = 0x45 // version 4, IHL 5
	binary.BigEndian.PutUint16(ip[2:4], uint16(ipTotalLen))
	ip[8] = 64 // TTL
	ip[9] = ipProtoUDP
	copy(ip[12:16], srcIP[:])
	copy(ip[16:20], dstIP[:])
	binary.BigEndian.PutUint16(ip[10:12], ipv4Checksum(ip))

	return buildEthernetFrame(dstMAC, srcMAC, ethTypeIPv4, append(ip, udp...))
}

// buildIPv4Frame wraps an arbitrary protocol payload (already fully formed,
// e.g. a complete ICMP message) in an Ethernet/IPv4 header.
func buildIPv4Frame(dstMAC, srcMAC [6]byte, srcIP, dstIP [4]byte, protocol byte, payload []byte) []byte {
	ipTotalLen := ipv4HeaderMinLen + len(payload)
	ip := make([]byte, ipv4HeaderMinLen)
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:4], uint16(ipTotalLen))
	ip[8] = 64
	ip[9] = protocol
	copy(ip[12:16], srcIP[:])
	copy(ip[16:20], dstIP[:])
	binary.BigEndian.PutUint16(ip[10:12], ipv4Checksum(ip))
	return buildEthernetFrame(dstMAC, srcMAC, ethTypeIPv4, append(ip, payload...))
}

func parseUDP(payload []byte) (srcPort, dstPort uint16, data []byte, ok bool) {
	if len(payload) < udpHeaderLen {
		return 0, 0, nil, false
	}
	srcPort = binary.BigEndian.Uint16(payload[0:2])
	dstPort = binary.BigEndian.Uint16(payload[2:4])
	return srcPort, dstPort, payload[udpHeaderLen:], true
}
