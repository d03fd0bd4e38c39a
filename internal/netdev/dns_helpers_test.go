package netdev

import (
	"testing"

	"github.com/miekg/dns"
)

func buildDNSQuery(t *testing.T, name string) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeA)
	raw, err := m.Pack()
	if err != nil {
		t.Fatalf("pack dns query: %v", err)
	}
	return raw
}
