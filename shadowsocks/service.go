// Copyright 2020 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shadowsocks

import (
	"bufio"
	"bytes"
	"net"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	logging "github.com/op/go-logging"

	"github.com/ocfbnj/ssgo/acl"
	"github.com/ocfbnj/ssgo/metrics"
	"github.com/ocfbnj/ssgo/onet"
)

// maxSaltSize is the largest salt length across supported methods (the
// AES-256-GCM and ChaCha20-Poly1305 constructions both use 32).
const maxSaltSize = 32

// trialPeekSize is how much of the connection's leading bytes findAccessKey
// is willing to buffer while probing candidate ciphers: enough for the
// largest salt plus one encrypted length field.
const trialPeekSize = maxSaltSize + 2 + 16

var log = logging.MustGetLogger("shadowsocks")

// TCPService is the remote role's §4.7 connection-handling loop: accept,
// trial-decrypt against the configured CipherList, read the destination
// Address, apply the ACL, dial the target, and relay.
type TCPService interface {
	Start()
	Stop() error
}

// NewTCPService creates a TCPService bound to an already-listening TCP
// socket. acl may be nil, in which case every destination is proxied (the
// equivalent of an ACL with only [proxy_all]).
func NewTCPService(listener *net.TCPListener, ciphers CipherList, replayCache *ReplayCache, metricsSink metrics.ShadowsocksMetrics, rules *acl.ACL, timeout time.Duration) TCPService {
	return &tcpService{
		listener:    listener,
		ciphers:     ciphers,
		replayCache: replayCache,
		metrics:     metricsSink,
		acl:         rules,
		timeout:     timeout,
	}
}

type tcpService struct {
	listener    *net.TCPListener
	ciphers     CipherList
	replayCache *ReplayCache
	metrics     metrics.ShadowsocksMetrics
	acl         *acl.ACL
	timeout     time.Duration

	mu      sync.Mutex
	running bool
}

func (s *tcpService) Start() {
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

func (s *tcpService) Stop() error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return s.listener.Close()
}

// handleConnection implements the remote-role per-connection states of
// §4.7: wrap as an encrypted stream (salt checked against the replay
// cache), read the Address header, apply the ACL, dial the target, relay.
func (s *tcpService) handleConnection(clientConn *net.TCPConn) {
	defer clientConn.Close()

	clientConn.SetKeepAlive(true)
	started := time.Now()
	clientLocation, _ := s.metrics.GetLocation(clientConn.RemoteAddr())
	s.metrics.AddOpenTCPConnection(clientLocation)

	var proxyMetrics metrics.ProxyMetrics
	status := "OK"
	accessKeyID := ""

	defer func() {
		s.metrics.AddClosedTCPConnection(clientLocation, accessKeyID, status, proxyMetrics, time.Since(started))
		log.Debugf("[%s] closed %s: %s relayed in %s", accessKeyID, clientConn.RemoteAddr(),
			humanize.Bytes(uint64(proxyMetrics.ClientProxy+proxyMetrics.ProxyClient)), time.Since(started))
	}()

	bufferedConn := bufio.NewReaderSize(clientConn, trialPeekSize)

	id, ssCipher, reader, err := s.findAccessKey(bufferedConn, clientConn)
	if err != nil {
		status = "ERR_CIPHER"
		log.Infof("failed to find access key for %v: %v", clientConn.RemoteAddr(), err)
		return
	}
	accessKeyID = id

	tgtAddr, err := onet.ReadAddress(reader)
	if err != nil {
		status = "ERR_READ_ADDRESS"
		log.Infof("failed to read destination address from %v: %v", clientConn.RemoteAddr(), err)
		return
	}

	if s.acl != nil {
		if decision := s.acl.Decide(tgtAddr); decision == acl.Reject {
			status = "ERR_ACL"
			log.Infof("[%s] rejected by ACL: %s", accessKeyID, tgtAddr)
			return
		}
	}

	tgtConn, err := net.DialTimeout("tcp", tgtAddr.String(), s.timeout)
	if err != nil {
		status = "ERR_CONNECT"
		log.Infof("failed to dial target %s: %v", tgtAddr, err)
		return
	}
	defer tgtConn.Close()
	tgtTCPConn := tgtConn.(*net.TCPConn)
	tgtTCPConn.SetKeepAlive(true)

	var proxyClient, clientProxy, proxyTarget, targetProxy onet.ByteCounter

	ssw := NewShadowsocksWriter(clientConn, ssCipher)
	clientDuplex := onet.WrapConn(clientConn, reader, ssw)
	clientMeasured := onet.MeasureConn(clientDuplex, &proxyClient, &clientProxy)
	targetMeasured := onet.MeasureConn(tcpDuplexConn{tgtTCPConn}, &proxyTarget, &targetProxy)

	ctx := onet.NewConnContext(clientMeasured, targetMeasured, s.timeout)
	_, _, err = onet.Relay(ctx)
	if err != nil {
		status = statusForErr(err)
	}

	proxyMetrics = metrics.ProxyMetrics{
		ClientProxy: int64(clientProxy),
		ProxyTarget: int64(proxyTarget),
		TargetProxy: int64(targetProxy),
		ProxyClient: int64(proxyClient),
	}
}

// findAccessKey trial-decrypts the connection's salt header against every
// configured cipher, favoring the client's last-successful key. With a
// single configured key this skips straight to it: there is nothing else to
// try on failure, so there is no point probing.
//
// A trial must not consume bytes from the live connection before its
// cipher is confirmed correct — the next candidate needs to see the same
// bytes — nor must it mutate the replay cache before a cipher is confirmed,
// since a wrong-cipher trial would otherwise burn the real salt's single
// use. So candidates are tried against a Peek of the connection's leading
// bytes, with no replay cache attached; only the winning cipher's Reader is
// then built against the live, buffered connection (with the replay cache
// attached), replaying those same peeked bytes as its first read.
func (s *tcpService) findAccessKey(buffered *bufio.Reader, clientConn *net.TCPConn) (string, *Cipher, Reader, error) {
	clientIP := tcpIP(clientConn)
	entries := s.ciphers.SafeSnapshotForClientIP(clientIP)
	if len(entries) == 0 {
		return "", nil, nil, onet.NewError(onet.Config, "no cipher configured", nil)
	}

	if len(entries) == 1 {
		entry := entries[0].Value.(*CipherEntry)
		reader := NewShadowsocksReader(buffered, entry.Cipher, s.replayCache)
		s.ciphers.SafeMarkUsedByClientIP(entries[0], clientIP)
		return entry.ID, entry.Cipher, reader, nil
	}

	peeked, _ := buffered.Peek(trialPeekSize)
	for _, e := range entries {
		entry := e.Value.(*CipherEntry)
		if !trialDecrypt(peeked, entry.Cipher) {
			continue
		}
		s.ciphers.SafeMarkUsedByClientIP(e, clientIP)
		reader := NewShadowsocksReader(buffered, entry.Cipher, s.replayCache)
		return entry.ID, entry.Cipher, reader, nil
	}
	return "", nil, nil, onet.NewError(onet.Auth, "no configured access key matched", nil)
}

// trialDecrypt reports whether peeked's leading bytes decrypt as a valid
// salt-plus-length-field pair under ssCipher. This is the AwaitSalt/AwaitLen
// initialization only — it deliberately does not attempt to read a full
// chunk's payload, since the peeked buffer is sized just for the salt and
// one length field and a genuine match would otherwise fail on short read.
// It runs against a throwaway chunkReader over a copy of peeked, so it
// neither consumes bytes from the live connection nor touches the replay
// cache before a cipher is confirmed.
func trialDecrypt(peeked []byte, ssCipher *Cipher) bool {
	cr := &chunkReader{reader: bytes.NewReader(peeked), cipher: ssCipher}
	if err := cr.init(); err != nil {
		return false
	}
	sizeBuf := cr.buf[:2+cr.aead.Overhead()]
	return cr.readMessage(sizeBuf) == nil
}

func tcpIP(conn *net.TCPConn) net.IP {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return nil
	}
	return addr.IP
}

func statusForErr(err error) string {
	switch onet.KindOf(err) {
	case onet.Auth:
		return "ERR_CIPHER"
	case onet.Replay:
		return "ERR_REPLAY"
	case onet.Protocol:
		return "ERR_PROTOCOL"
	case onet.Timeout:
		return "ERR_TIMEOUT"
	default:
		return "ERR_RELAY"
	}
}

// tcpDuplexConn adapts *net.TCPConn to onet.DuplexConn.
type tcpDuplexConn struct {
	*net.TCPConn
}

func (c tcpDuplexConn) CloseRead() error  { return c.TCPConn.CloseRead() }
func (c tcpDuplexConn) CloseWrite() error { return c.TCPConn.CloseWrite() }
