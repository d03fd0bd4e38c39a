package netdev

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// RelayBackend gives a guest a usable default gateway at GatewayIP without
// implementing a full guest-visible TCP/IP stack: it answers ARP for the
// gateway, relays UDP datagrams through real host sockets keyed by guest
// source port, and relays ICMP echo (ping) through an unprivileged ICMP
// socket via golang.org/x/net/icmp. TCP is intentionally out of scope here;
// a real NAT state machine (SYN/ACK sequencing, window tracking, connection
// teardown) is a project on its own, and most guest smoke tests only need
// DNS, ping, and the occasional UDP probe to work.
type RelayBackend struct {
	log *slog.Logger
	mac [6]byte
	ip  [4]byte

	mu      sync.Mutex
	pending [][]byte
	udpConn map[uint16]*net.UDPConn
}

// NewRelayBackend creates a relay backend; log may be nil.
func NewRelayBackend(log *slog.Logger) *RelayBackend {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &RelayBackend{log: log, mac: GatewayMAC, ip: GuestIP, udpConn: make(map[uint16]*net.UDPConn)}
}

func (r *RelayBackend) Init() error                { return nil }
func (r *RelayBackend) MACAddress() [6]byte         { return r.mac }
func (r *RelayBackend) AssignedIP() ([4]byte, bool) { return r.ip, true }

func (r *RelayBackend) Recv() (Frame, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return nil, false, nil
	}
	frame := r.pending[0]
	r.pending = r.pending[1:]
	return frame, true, nil
}

func (r *RelayBackend) queue(frame []byte) {
	r.mu.Lock()
	r.pending = append(r.pending, frame)
	r.mu.Unlock()
}

// Send dispatches one guest-originated frame to the appropriate relay path.
func (r *RelayBackend) Send(frame Frame) error {
	if req, ok := parseARPRequest(frame); ok && req.targetIP == GatewayIP {
		r.queue(buildARPReply(GatewayMAC, GatewayIP, req))
		return nil
	}

	pkt, _, ok := parseIPv4(frame)
	if !ok {
		return nil
	}
	switch pkt.protocol {
	case ipProtoUDP:
		return r.relayUDP(pkt)
	case ipProtoICMP:
		return r.relayICMPEcho(pkt)
	default:
		// TCP and anything else is dropped; see the RelayBackend doc comment.
		return nil
	}
}

func (r *RelayBackend) relayUDP(pkt ipv4Packet) error {
	srcPort, dstPort, data, ok := parseUDP(pkt.payload)
	if !ok {
		return nil
	}

	conn, err := r.udpConnFor(srcPort)
	if err != nil {
		r.log.Debug("netdev: udp dial failed", "error", err)
		return nil
	}

	dst := &net.UDPAddr{IP: net.IPv4(pkt.dstIP[0], pkt.dstIP[1], pkt.dstIP[2], pkt.dstIP[3]), Port: int(dstPort)}
	if _, err := conn.WriteToUDP(data, dst); err != nil {
		r.log.Debug("netdev: udp write failed", "error", err)
	}
	return nil
}

// udpConnFor returns the host UDP socket standing in for guest source port
// port, dialing a fresh wildcard socket and starting its reply pump the
// first time that port is seen.
func (r *RelayBackend) udpConnFor(port uint16) (*net.UDPConn, error) {
	r.mu.Lock()
	conn, ok := r.udpConn[port]
	r.mu.Unlock()
	if ok {
		return conn, nil
	}

	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.udpConn[port] = conn
	r.mu.Unlock()

	go r.pumpUDPReplies(port, conn)
	return conn, nil
}

func (r *RelayBackend) pumpUDPReplies(guestPort uint16, conn *net.UDPConn) {
	buf := make([]byte, 65536)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		fromIP, ok := to4(from.IP)
		if !ok {
			continue
		}
		frame := buildIPv4UDP(r.mac, r.mac, fromIP, r.ip, uint16(from.Port), guestPort, append([]byte(nil), buf[:n]...))
		r.queue(frame)
	}
}

// relayICMPEcho performs a single-shot ping through an unprivileged ICMP
// socket, blocking the Send call briefly; callers (virtio-net's
// ProcessQueue) already run off the guest's critical path so this is
// acceptable latency for a diagnostic ping, not a hot data path.
func (r *RelayBackend) relayICMPEcho(pkt ipv4Packet) error {
	msg, err := icmp.ParseMessage(1, pkt.payload)
	if err != nil || msg.Type != ipv4.ICMPTypeEcho {
		return nil
	}
	echo, ok := msg.Body.(*icmp.Echo)
	if !ok {
		return nil
	}

	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		r.log.Debug("netdev: icmp listen failed", "error", err)
		return nil
	}
	defer conn.Close()

	dst := &net.UDPAddr{IP: net.IPv4(pkt.dstIP[0], pkt.dstIP[1], pkt.dstIP[2], pkt.dstIP[3])}
	wb, err := (&icmp.Message{Type: ipv4.ICMPTypeEcho, Code: 0, Body: echo}).Marshal(nil)
	if err != nil {
		return nil
	}
	if _, err := conn.WriteTo(wb, dst); err != nil {
		r.log.Debug("netdev: icmp write failed", "error", err)
		return nil
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	rb := make([]byte, 1500)
	n, _, err := conn.ReadFrom(rb)
	if err != nil {
		return nil
	}
	reply, err := icmp.ParseMessage(1, rb[:n])
	if err != nil {
		return nil
	}
	reply.Type = ipv4.ICMPTypeEchoReply
	replyBytes, err := reply.Marshal(nil)
	if err != nil {
		return nil
	}

	frame := buildIPv4Frame(r.mac, r.mac, pkt.dstIP, pkt.srcIP, ipProtoICMP, replyBytes)
	r.queue(frame)
	return nil
}

func to4(ip net.IP) ([4]byte, bool) {
	v4 := ip.To4()
	if v4 == nil {
		return [4]byte{}, false
	}
	var out [4]byte
	copy(out[:], v4)
	return out, true
}

var _ NetworkBackend = (*RelayBackend)(nil)
