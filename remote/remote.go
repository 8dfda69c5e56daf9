// Package remote is the thin endpoint driver (C8) for the remote role: it
// builds the cipher list, replay cache, and ACL from configuration and
// hands them to shadowsocks.NewTCPService, which implements the actual
// remote-role connection handling (C7).
package remote

import (
	"net"

	"github.com/ocfbnj/ssgo/acl"
	"github.com/ocfbnj/ssgo/config"
	"github.com/ocfbnj/ssgo/metrics"
	"github.com/ocfbnj/ssgo/onet"
	"github.com/ocfbnj/ssgo/shadowsocks"
)

// Endpoint bundles the listener and the TCP service for the remote role, so
// a caller (cmd/ss-remote) can start and stop it as a unit.
type Endpoint struct {
	listener *net.TCPListener
	service  shadowsocks.TCPService
}

// New builds a remote Endpoint from cfg: one Cipher per configured access
// key, a ReplayCache sized to shadowsocks.MaxCapacity, and rules applied to
// every accepted connection's destination.
func New(cfg *config.Config, rules *acl.ACL, metricsSink metrics.ShadowsocksMetrics) (*Endpoint, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, onet.NewError(onet.Config, "failed to resolve listen_addr", err)
	}
	listener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, onet.NewError(onet.Config, "failed to bind remote listener", err)
	}

	ciphers := shadowsocks.NewCipherList()
	for _, key := range cfg.AccessKeys() {
		c, err := shadowsocks.NewCipher(key.Method, key.Password)
		if err != nil {
			listener.Close()
			return nil, onet.NewError(onet.Config, "failed to construct cipher for access key "+key.ID, err)
		}
		ciphers.PushBack(key.ID, c)
	}

	if metricsSink == nil {
		metricsSink = metrics.NoOpMetrics{}
	}

	replayCache := shadowsocks.NewReplayCache(shadowsocks.MaxCapacity)
	service := shadowsocks.NewTCPService(listener, ciphers, &replayCache, metricsSink, rules, cfg.IdleTimeout)

	return &Endpoint{listener: listener, service: service}, nil
}

// Start runs the endpoint's accept loop. It blocks until Stop is called.
func (e *Endpoint) Start() {
	e.service.Start()
}

// Stop stops accepting new connections, per §4.8's shutdown contract.
func (e *Endpoint) Stop() error {
	return e.service.Stop()
}

// Addr returns the endpoint's bound address, useful when ListenAddr
// requested an ephemeral port.
func (e *Endpoint) Addr() net.Addr {
	return e.listener.Addr()
}
