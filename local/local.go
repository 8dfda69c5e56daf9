// Package local implements the local role's endpoint driver (C8) and
// per-connection state machine (C7, local states): SOCKS5 handshake, ACL
// decision, then either a direct dial (bypass) or an encrypted session to
// the remote endpoint (proxy).
package local

import (
	"net"
	"sync"
	"time"

	logging "github.com/op/go-logging"

	"github.com/ocfbnj/ssgo/acl"
	"github.com/ocfbnj/ssgo/onet"
	"github.com/ocfbnj/ssgo/shadowsocks"
	"github.com/ocfbnj/ssgo/socks"
)

var log = logging.MustGetLogger("local")

// Server is the local endpoint driver: it binds a SOCKS5 listener and, for
// each accepted client, runs the local-role state machine of §4.7.
type Server struct {
	listener *net.TCPListener
	client   *shadowsocks.Client
	acl      *acl.ACL
	timeout  time.Duration

	mu      sync.Mutex
	running bool
}

// NewServer creates a Server bound to an already-listening SOCKS5 TCP
// socket. rules may be nil, in which case every destination is proxied.
func NewServer(listener *net.TCPListener, client *shadowsocks.Client, rules *acl.ACL, timeout time.Duration) *Server {
	return &Server{listener: listener, client: client, acl: rules, timeout: timeout}
}

// Start accepts connections until Stop is called or the listener returns a
// fatal error.
func (s *Server) Start() {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	for {
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			s.mu.Lock()
			stopped := !s.running
			s.mu.Unlock()
			if stopped {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				log.Warningf("accept: transient error: %v", err)
				continue
			}
			log.Errorf("accept: fatal error: %v", err)
			return
		}
		go s.handleConnection(conn)
	}
}

// Stop stops accepting new connections. In-flight relays are left to
// complete or hit their idle timeout, per §4.8.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return s.listener.Close()
}

// handleConnection runs the local-role per-connection state machine of
// §4.7: SocksHandshake, AclDecide, then Bypass/Proxy/Reject.
func (s *Server) handleConnection(clientConn *net.TCPConn) {
	defer clientConn.Close()
	clientConn.SetKeepAlive(true)

	if err := socks.Handshake(clientConn); err != nil {
		log.Infof("SOCKS5 handshake failed for %v: %v", clientConn.RemoteAddr(), err)
		return
	}

	dst, err := socks.ReadRequest(clientConn)
	if err != nil {
		if socks.IsCommandNotSupported(err) {
			socks.WriteReply(clientConn, socks.ReplyCommandNotSupported)
		}
		log.Infof("SOCKS5 request failed for %v: %v", clientConn.RemoteAddr(), err)
		return
	}

	decision := acl.Proxy
	if s.acl != nil {
		decision = s.acl.Decide(dst)
	}

	switch decision {
	case acl.Reject:
		socks.WriteReply(clientConn, socks.ReplyConnectionRefused)
		log.Infof("rejected by ACL: %s", dst)
	case acl.Bypass:
		s.relayBypass(clientConn, dst)
	default:
		s.relayProxy(clientConn, dst)
	}
}

// relayBypass dials dst directly, per §4.7 point 4: on failure reply a
// SOCKS5 error and close; on success reply ok and copy both directions
// unencrypted.
func (s *Server) relayBypass(clientConn *net.TCPConn, dst onet.Address) {
	targetConn, err := net.DialTimeout("tcp", dst.String(), s.timeout)
	if err != nil {
		socks.WriteReply(clientConn, socks.ReplyCodeForError(err))
		log.Infof("bypass dial failed for %s: %v", dst, err)
		return
	}
	defer targetConn.Close()
	targetTCPConn := targetConn.(*net.TCPConn)
	targetTCPConn.SetKeepAlive(true)

	if err := socks.WriteReply(clientConn, socks.ReplySucceeded); err != nil {
		log.Infof("failed to write SOCKS5 success reply: %v", err)
		return
	}

	ctx := onet.NewConnContext(clientConn, targetTCPConn, s.timeout)
	if _, _, err := onet.Relay(ctx); err != nil {
		log.Debugf("[%s] bypass relay ended: %v", ctx.TraceID, err)
	}
}

// relayProxy dials the remote endpoint, writes dst as the first encrypted
// plaintext bytes, and only then replies SOCKS5 success — per §4.7's edge
// case, the success reply must follow the fully-buffered encrypted write,
// never precede it, so an immediate remote-side rejection is never masked
// as a successful CONNECT.
func (s *Server) relayProxy(clientConn *net.TCPConn, dst onet.Address) {
	remoteConn, err := s.client.DialDestinationTCP(dst)
	if err != nil {
		socks.WriteReply(clientConn, socks.ReplyCodeForError(err))
		log.Infof("proxy dial failed for %s: %v", dst, err)
		return
	}
	defer remoteConn.Close()

	if err := socks.WriteReply(clientConn, socks.ReplySucceeded); err != nil {
		log.Infof("failed to write SOCKS5 success reply: %v", err)
		return
	}

	ctx := onet.NewConnContext(clientConn, remoteConn, s.timeout)
	if _, _, err := onet.Relay(ctx); err != nil {
		log.Debugf("[%s] proxy relay ended: %v", ctx.TraceID, err)
	}
}
