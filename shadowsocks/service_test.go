package shadowsocks

import (
	"bytes"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/ocfbnj/ssgo/acl"
	"github.com/ocfbnj/ssgo/metrics"
	"github.com/ocfbnj/ssgo/onet"
)

// testAddress parses a host:port string into an onet.Address for use as a
// dial destination in tests.
func testAddress(t *testing.T, hostPort string) onet.Address {
	t.Helper()
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		t.Fatalf("SplitHostPort(%q) failed: %v", hostPort, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("invalid port in %q: %v", hostPort, err)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return onet.Address{Kind: onet.KindIPv4, IP: ip4, Port: uint16(port)}
		}
		return onet.Address{Kind: onet.KindIPv6, IP: ip.To16(), Port: uint16(port)}
	}
	return onet.Address{Kind: onet.KindDomain, Domain: host, Port: uint16(port)}
}

// writeAddress encodes hostPort as the first plaintext bytes written
// through w, mirroring what Client.DialDestinationTCP does over a live
// connection.
func writeAddress(w io.Writer, hostPort string) error {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	addr := onet.Address{Kind: onet.KindIPv4, IP: ip.To4(), Port: uint16(port)}
	if ip.To4() == nil {
		addr = onet.Address{Kind: onet.KindIPv6, IP: ip.To16(), Port: uint16(port)}
	}
	return onet.WriteAddress(w, addr)
}

func startTCPEchoServer(t *testing.T) *net.TCPListener {
	t.Helper()
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("ListenTCP failed: %v", err)
	}
	go func() {
		for {
			conn, err := listener.AcceptTCP()
			if err != nil {
				return
			}
			go func() {
				io.Copy(conn, conn)
				conn.Close()
			}()
		}
	}()
	return listener
}

func startTestTCPService(t *testing.T, rules *acl.ACL) (*net.TCPListener, *Cipher) {
	t.Helper()
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("ListenTCP failed: %v", err)
	}

	cipher, err := NewCipher(AES256GCM, "hunter2")
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}
	ciphers := NewCipherList()
	ciphers.PushBack("default", cipher)
	replayCache := NewReplayCache(MaxCapacity)

	service := NewTCPService(listener, ciphers, &replayCache, metrics.NoOpMetrics{}, rules, 2*time.Second)
	go service.Start()
	t.Cleanup(func() { service.Stop() })

	return listener, cipher
}

// TestLocalRemoteLoopback checks that a client dialing the remote endpoint
// via a Client, requesting the echo server's IPv4 address, gets an echo back.
func TestLocalRemoteLoopback(t *testing.T) {
	echoListener := startTCPEchoServer(t)
	defer echoListener.Close()

	remoteListener, cipher := startTestTCPService(t, nil)

	client := NewClient(remoteListener.Addr().String(), cipher)
	conn, err := client.DialDestinationTCP(testAddress(t, echoListener.Addr().String()))
	if err != nil {
		t.Fatalf("DialDestinationTCP failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("PING")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(buf) != "PING" {
		t.Fatalf("expected echoed PING, got %q", buf)
	}
}

func TestServiceRejectsReplayedConnection(t *testing.T) {
	echoListener := startTCPEchoServer(t)
	defer echoListener.Close()

	remoteListener, cipher := startTestTCPService(t, nil)

	client := NewClient(remoteListener.Addr().String(), cipher)
	conn, err := client.DialDestinationTCP(testAddress(t, echoListener.Addr().String()))
	if err != nil {
		t.Fatalf("DialDestinationTCP failed: %v", err)
	}
	conn.Write([]byte("PING"))
	buf := make([]byte, 4)
	io.ReadFull(conn, buf)
	conn.Close()

	// A real client never replays its own byte stream verbatim; this test
	// only checks the server-side rejection path using a raw socket, not
	// the Client API, since Client always mints a fresh salt.
	rawConn, err := net.Dial("tcp", remoteListener.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer rawConn.Close()

	var captured bytes.Buffer
	w := NewShadowsocksWriter(&captured, cipher)
	if err := writeAddress(w, "127.0.0.1:0"); err != nil {
		t.Fatalf("failed to build replay payload: %v", err)
	}
	payload := captured.Bytes()

	rawConn.Write(payload)
	rawConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	oneByte := make([]byte, 1)
	if _, err := rawConn.Read(oneByte); err == nil {
		t.Fatal("expected the connection to be closed without a reply")
	}

	replayConn, err := net.Dial("tcp", remoteListener.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer replayConn.Close()
	replayConn.Write(payload)
	replayConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	if _, err := replayConn.Read(oneByte); err == nil {
		t.Fatal("expected the replayed connection to be closed without a reply")
	}
}

func TestServiceRejectsACLBlockedTarget(t *testing.T) {
	rules, err := acl.Parse(bytes.NewReader([]byte("[proxy_all]\n[outbound_block_list]\n127.0.0.0/8\n")))
	if err != nil {
		t.Fatalf("acl.Parse failed: %v", err)
	}

	remoteListener, cipher := startTestTCPService(t, rules)
	client := NewClient(remoteListener.Addr().String(), cipher)

	conn, err := client.DialDestinationTCP(testAddress(t, "127.0.0.1:1"))
	if err != nil {
		t.Fatalf("DialDestinationTCP failed: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected the ACL-rejected connection to be closed without data")
	}
}
