package onet

import (
	"bytes"
	"net"
	"testing"
)

func TestAddressRoundTrip(t *testing.T) {
	cases := []Address{
		{Kind: KindIPv4, IP: net.ParseIP("127.0.0.1").To4(), Port: 8080},
		{Kind: KindIPv6, IP: net.ParseIP("::1").To16(), Port: 443},
		{Kind: KindDomain, Domain: "example.test", Port: 80},
	}

	for _, addr := range cases {
		var buf bytes.Buffer
		if err := WriteAddress(&buf, addr); err != nil {
			t.Fatalf("WriteAddress(%v) failed: %v", addr, err)
		}
		got, err := ReadAddress(&buf)
		if err != nil {
			t.Fatalf("ReadAddress after writing %v failed: %v", addr, err)
		}
		if got.Kind != addr.Kind || got.Port != addr.Port {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, addr)
		}
		if addr.Kind == KindDomain {
			if got.Domain != addr.Domain {
				t.Fatalf("domain mismatch: got %q, want %q", got.Domain, addr.Domain)
			}
		} else if !got.IP.Equal(addr.IP) {
			t.Fatalf("IP mismatch: got %v, want %v", got.IP, addr.IP)
		}
	}
}

func TestReadAddressZeroLengthDomainRejected(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x03, 0x00})
	if _, err := ReadAddress(buf); err == nil {
		t.Fatal("expected a Protocol error for a zero-length domain")
	}
}

func TestReadAddressUnknownTagRejected(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0xEE})
	if _, err := ReadAddress(buf); err == nil {
		t.Fatal("expected a Protocol error for an unknown address tag")
	}
}

func TestWriteAddressRejectsUnknownKind(t *testing.T) {
	var buf bytes.Buffer
	addr := Address{Kind: AddressKind(99), Port: 1}
	if err := WriteAddress(&buf, addr); err == nil {
		t.Fatal("expected an error writing an address of unknown kind")
	}
}
