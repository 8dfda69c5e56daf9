package socks

import (
	"bytes"
	"testing"
)

func TestHandshakeAcceptsNoAuth(t *testing.T) {
	var conn bytes.Buffer
	conn.Write([]byte{socksVersion5, 0x02, 0x01, 0x00}) // offers 0x01 and 0x00

	if err := Handshake(&conn); err != nil {
		t.Fatalf("Handshake failed: %v", err)
	}
	got := conn.Bytes()
	if len(got) != 2 || got[0] != socksVersion5 || got[1] != methodNoAuth {
		t.Fatalf("expected 0x05,0x00 reply, got %v", got)
	}
}

func TestHandshakeRejectsWithoutNoAuth(t *testing.T) {
	var conn bytes.Buffer
	conn.Write([]byte{socksVersion5, 0x01, 0x02}) // only offers 0x02

	if err := Handshake(&conn); err == nil {
		t.Fatal("expected Handshake to fail when no-auth is not offered")
	}
	got := conn.Bytes()
	if len(got) != 2 || got[0] != socksVersion5 || got[1] != methodNoAcceptable {
		t.Fatalf("expected 0x05,0xFF reply, got %v", got)
	}
}

func TestReadRequestDomain(t *testing.T) {
	var conn bytes.Buffer
	conn.Write([]byte{socksVersion5, cmdConnect, 0x00, atypDomain})
	domain := "example.test"
	conn.WriteByte(byte(len(domain)))
	conn.WriteString(domain)
	conn.Write([]byte{0x00, 0x50}) // port 80

	addr, err := ReadRequest(&conn)
	if err != nil {
		t.Fatalf("ReadRequest failed: %v", err)
	}
	if !addr.IsDomain() || addr.Domain != domain || addr.Port != 80 {
		t.Fatalf("unexpected address: %+v", addr)
	}
}

func TestReadRequestRejectsNonConnect(t *testing.T) {
	var conn bytes.Buffer
	conn.Write([]byte{socksVersion5, 0x03, 0x00, atypIPv4, 1, 2, 3, 4, 0, 80}) // UDP ASSOCIATE command

	_, err := ReadRequest(&conn)
	if err == nil {
		t.Fatal("expected an error for a non-CONNECT command")
	}
	if !IsCommandNotSupported(err) {
		t.Fatalf("expected IsCommandNotSupported to recognize the error, got %v", err)
	}
}

func TestWriteReplySuccess(t *testing.T) {
	var conn bytes.Buffer
	if err := WriteReply(&conn, ReplySucceeded); err != nil {
		t.Fatalf("WriteReply failed: %v", err)
	}
	want := []byte{socksVersion5, 0x00, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(conn.Bytes(), want) {
		t.Fatalf("unexpected reply bytes: %v", conn.Bytes())
	}
}
