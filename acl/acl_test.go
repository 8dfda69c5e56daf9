package acl

import (
	"net"
	"os"
	"strings"
	"testing"

	"github.com/ocfbnj/ssgo/onet"
)

func parseString(t *testing.T, doc string) *ACL {
	t.Helper()
	f, err := os.CreateTemp("", "acl-*.conf")
	if err != nil {
		t.Fatalf("CreateTemp failed: %v", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(doc); err != nil {
		t.Fatalf("WriteString failed: %v", err)
	}
	f.Close()

	a, err := Load(f.Name())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return a
}

func domainAddr(domain string) onet.Address {
	return onet.Address{Kind: onet.KindDomain, Domain: domain, Port: 443}
}

func ipAddr(ip string) onet.Address {
	return onet.Address{Kind: onet.KindIPv4, IP: net.ParseIP(ip), Port: 443}
}

func TestACLBypassAllWithProxyList(t *testing.T) {
	a := parseString(t, `
[bypass_all]
[proxy_list]
^internal\.corp$
`)

	if d := a.Decide(domainAddr("google.com")); d != Bypass {
		t.Errorf("expected google.com to bypass under [bypass_all], got %s", d)
	}
	if d := a.Decide(domainAddr("internal.corp")); d != Proxy {
		t.Errorf("expected internal.corp to be proxied, got %s", d)
	}
}

func TestACLProxyAllWithBypassList(t *testing.T) {
	a := parseString(t, `
[proxy_all]
[bypass_list]
10.0.0.0/8
`)

	if d := a.Decide(ipAddr("10.1.2.3")); d != Bypass {
		t.Errorf("expected 10.1.2.3 to bypass, got %s", d)
	}
	if d := a.Decide(ipAddr("8.8.8.8")); d != Proxy {
		t.Errorf("expected 8.8.8.8 to be proxied under [proxy_all], got %s", d)
	}
}

func TestACLOutboundBlockList(t *testing.T) {
	a := parseString(t, `
[proxy_all]
[outbound_block_list]
169.254.0.0/16
`)

	if d := a.Decide(ipAddr("169.254.1.1")); d != Reject {
		t.Errorf("expected link-local address to be rejected, got %s", d)
	}
}

func TestACLDomainThatParsesAsIP(t *testing.T) {
	a := parseString(t, `
[proxy_all]
[bypass_list]
127.0.0.0/8
`)

	// A "domain" address whose text is actually an IP literal is matched as
	// an IP, per §4.6 point 3.
	addr := onet.Address{Kind: onet.KindDomain, Domain: "127.0.0.1", Port: 80}
	if d := a.Decide(addr); d != Bypass {
		t.Errorf("expected IP-shaped domain to match the CIDR bypass rule, got %s", d)
	}
}

func TestACLUnknownSectionRejected(t *testing.T) {
	if _, err := Parse(strings.NewReader("[not_a_real_section]\n")); err == nil {
		t.Fatal("expected an error for an unrecognized section header")
	}
}
