// Copyright 2018 Jigsaw Operations LLC
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
	"net"

	"github.com/ocfbnj/ssgo/onet"
)

// Client dials a remote Shadowsocks endpoint and wraps the resulting TCP
// connection with the encrypted stream (C3), the local half of the Proxy
// state of §4.7. It owns no state beyond the cipher it was constructed with,
// so a single Client is safe to share across goroutines.
type Client struct {
	cipher     *Cipher
	remoteAddr string
}

// NewClient creates a Client that dials remoteAddr (host:port, already
// resolved or resolvable) and speaks the Shadowsocks protocol with cipher.
func NewClient(remoteAddr string, cipher *Cipher) *Client {
	return &Client{cipher: cipher, remoteAddr: remoteAddr}
}

// DialProxyTCP opens a TCP connection to the remote endpoint and wraps it as
// an encrypted onet.DuplexConn. It does not write the destination address:
// callers write it themselves via onet.WriteAddress over the returned
// connection, per §4.7's deferred-success-reply requirement (the SOCKS5
// success reply must follow the fully-buffered address write, not precede
// it).
func (c *Client) DialProxyTCP() (onet.DuplexConn, error) {
	conn, err := net.Dial("tcp", c.remoteAddr)
	if err != nil {
		return nil, onet.NewError(onet.Io, "failed to dial remote endpoint", err)
	}
	tcpConn := conn.(*net.TCPConn)

	w := NewShadowsocksWriter(tcpConn, c.cipher)
	r := NewShadowsocksReader(tcpConn, c.cipher, nil)
	return onet.WrapConn(tcpConn, r, w), nil
}

// DialDestinationTCP dials the remote endpoint, writes destination as the
// first plaintext bytes of the encrypted stream, and returns only once that
// write has fully completed — so the caller (the SOCKS5 front end) can
// safely send its own success reply only after this call returns
// successfully, never before (§4.7's deferred-success-reply requirement).
func (c *Client) DialDestinationTCP(destination onet.Address) (onet.DuplexConn, error) {
	conn, err := c.DialProxyTCP()
	if err != nil {
		return nil, err
	}
	if err := onet.WriteAddress(conn, destination); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}
