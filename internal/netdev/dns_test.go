package netdev

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

// gvisorGuest drives a gVisor userspace network stack as a synthetic guest,
// exercising DNSBackend the same way a real kernel's UDP socket would:
// ARP-resolving the gateway, then sending and receiving real wire frames.
type gvisorGuest struct {
	t      *testing.T
	ctx    context.Context
	cancel context.CancelFunc
	st     *stack.Stack
	ch     *channel.Endpoint
	mac    tcpip.LinkAddress
}

const guestNICID tcpip.NICID = 1

func newGvisorGuest(t *testing.T, ip [4]byte) *gvisorGuest {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	mac := tcpip.LinkAddress([]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01})

	ch := channel.New(256, 1500+header.EthernetMinimumSize, mac)
	ep := ethernet.New(ch)
	st := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{udp.NewProtocol},
	})
	if err := st.CreateNIC(guestNICID, ep); err != nil {
		t.Fatalf("gvisor CreateNIC: %v", err)
	}
	addr := tcpip.AddrFrom4(ip)
	if err := st.AddProtocolAddress(guestNICID, tcpip.ProtocolAddress{
		Protocol:          ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{Address: addr, PrefixLen: 24},
	}, stack.AddressProperties{}); err != nil {
		t.Fatalf("gvisor AddProtocolAddress: %v", err)
	}
	st.SetRouteTable([]tcpip.Route{{
		Destination: header.IPv4EmptySubnet,
		Gateway:     tcpip.AddrFrom4(GatewayIP),
		NIC:         guestNICID,
	}})

	g := &gvisorGuest{t: t, ctx: ctx, cancel: cancel, st: st, ch: ch, mac: mac}
	t.Cleanup(func() {
		cancel()
		ch.Close()
		st.Close()
	})
	return g
}

// pumpInto feeds every frame the gVisor stack emits into backend.Send, and
// every frame backend.Recv produces back into the stack, until ctx is done.
func (g *gvisorGuest) pumpInto(backend NetworkBackend) {
	go func() {
		for {
			pkt := g.ch.ReadContext(g.ctx)
			if pkt == nil {
				return
			}
			b := append([]byte(nil), pkt.ToView().AsSlice()...)
			pkt.DecRef()
			backend.Send(b)
		}
	}()
	go func() {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-g.ctx.Done():
				return
			case <-ticker.C:
				for {
					frame, ok, err := backend.Recv()
					if err != nil || !ok {
						break
					}
					pb := stack.NewPacketBuffer(stack.PacketBufferOptions{Payload: buffer.MakeWithData(frame)})
					g.ch.InjectInbound(0, pb)
				}
			}
		}
	}()
}

func TestDNSBackendAnswersQuery(t *testing.T) {
	guest := newGvisorGuest(t, GuestIP)

	lookup := func(name string) (net.IP, error) {
		if name == "example.test." {
			return net.IPv4(93, 184, 216, 34), nil
		}
		return nil, fmt.Errorf("no such host")
	}
	backend := NewDNSBackend(nil, lookup)
	guest.pumpInto(backend)

	dialCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := gonet.DialUDP(guest.st, nil, &tcpip.FullAddress{
		NIC:  guestNICID,
		Addr: tcpip.AddrFrom4(GatewayIP),
		Port: 53,
	}, ipv4.ProtocolNumber)
	if err != nil {
		t.Fatalf("gonet.DialUDP: %v", err)
	}
	defer conn.Close()
	_ = dialCtx

	query := buildDNSQuery(t, "example.test.")
	if _, err := conn.Write(query); err != nil {
		t.Fatalf("write dns query: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read dns reply: %v", err)
	}
	if n == 0 {
		t.Fatal("empty dns reply")
	}
}
