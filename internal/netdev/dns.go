package netdev

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/miekg/dns"
)

// DNSBackend answers DNS-over-UDP queries the guest sends to the gateway
// address, using github.com/miekg/dns to parse and construct messages, the
// same library the teacher's netstack DNS server builds on. It implements
// virtio.NetworkBackend directly: queries arrive as raw Ethernet frames via
// Send, and the reply is handed back through Recv.
type DNSBackend struct {
	log    *slog.Logger
	mac    [6]byte
	ip     [4]byte
	lookup func(name string) (net.IP, error)

	mu      sync.Mutex
	pending [][]byte
}

// NewDNSBackend creates a backend that resolves guest queries with lookup
// (typically net.LookupIP, or a fixed map for reproducible tests).
func NewDNSBackend(log *slog.Logger, lookup func(name string) (net.IP, error)) *DNSBackend {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &DNSBackend{log: log, mac: GatewayMAC, ip: GuestIP, lookup: lookup}
}

func (d *DNSBackend) Init() error { return nil }

func (d *DNSBackend) MACAddress() [6]byte { return d.mac }

func (d *DNSBackend) AssignedIP() ([4]byte, bool) { return d.ip, true }

func (d *DNSBackend) Recv() (Frame, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return nil, false, nil
	}
	frame := d.pending[0]
	d.pending = d.pending[1:]
	return frame, true, nil
}

// Send accepts one Ethernet frame from the guest, answering ARP requests
// for the gateway and DNS queries addressed to it; anything else is
// silently dropped, matching a pure-DNS backend's narrow purpose.
func (d *DNSBackend) Send(frame Frame) error {
	if req, ok := parseARPRequest(frame); ok && req.targetIP == GatewayIP {
		d.reply(buildARPReply(GatewayMAC, GatewayIP, req))
		return nil
	}

	pkt, _, ok := parseIPv4(frame)
	if !ok || pkt.protocol != ipProtoUDP || pkt.dstIP != GatewayIP {
		return nil
	}
	srcPort, dstPort, data, ok := parseUDP(pkt.payload)
	if !ok || dstPort != 53 {
		return nil
	}

	resp, err := d.answer(data)
	if err != nil {
		d.log.Debug("dns: query failed", "error", err)
		return nil
	}
	d.reply(buildIPv4UDP(GatewayMAC, d.mac, GatewayIP, GuestIP, 53, srcPort, resp))
	return nil
}

func (d *DNSBackend) reply(frame []byte) {
	d.mu.Lock()
	d.pending = append(d.pending, frame)
	d.mu.Unlock()
}

func (d *DNSBackend) answer(query []byte) ([]byte, error) {
	q := new(dns.Msg)
	if err := q.Unpack(query); err != nil {
		return nil, fmt.Errorf("netdev: unpack dns query: %w", err)
	}

	m := new(dns.Msg)
	m.SetReply(q)
	m.Compress = false
	m.RecursionAvailable = true

	for _, question := range q.Question {
		if question.Qtype != dns.TypeA {
			continue
		}
		ip, err := d.lookup(question.Name)
		if err != nil || ip == nil {
			m.Rcode = dns.RcodeNameError
			continue
		}
		rr, err := dns.NewRR(fmt.Sprintf("%s A %s", question.Name, ip.String()))
		if err != nil {
			continue
		}
		m.Answer = append(m.Answer, rr)
	}

	return m.Pack()
}

var _ NetworkBackend = (*DNSBackend)(nil)
