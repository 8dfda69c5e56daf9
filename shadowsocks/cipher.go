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
	"crypto/cipher"
	"crypto/md5"
	"crypto/sha1"
	"io"

	"golang.org/x/crypto/hkdf"
)

// MasterKey is the long-lived, per-endpoint symmetric key derived from the
// user's password. It never leaves this process and is never transmitted.
type MasterKey []byte

// subkeyInfo is the fixed HKDF info string the Shadowsocks AEAD spec uses to
// bind the derived subkey to this protocol, distinguishing it from any other
// use of the same master key.
var subkeyInfo = []byte("ss-subkey")

// DeriveMasterKey implements the EVP_BytesToKey-style repeated MD5 chaining
// described in the Data Model: block 0 is MD5(password), block i is
// MD5(block(i-1) || password), concatenated and truncated to keySize.
// Deterministic in (password, keySize).
func DeriveMasterKey(password string, keySize int) MasterKey {
	var derived, prevBlock []byte
	h := md5.New()
	for len(derived) < keySize {
		h.Write(prevBlock)
		h.Write([]byte(password))
		derived = h.Sum(derived)
		prevBlock = derived[len(derived)-h.Size():]
		h.Reset()
	}
	return MasterKey(derived[:keySize])
}

// Cipher binds a Method to a MasterKey and can mint the per-direction AEAD
// subkey for any salt. It has no mutable state and is safe for concurrent use.
type Cipher struct {
	method Method
	spec   *methodSpec
	master MasterKey
}

// NewCipher derives a MasterKey from password and returns a Cipher for method.
func NewCipher(method Method, password string) (*Cipher, error) {
	spec, err := lookupMethod(method)
	if err != nil {
		return nil, err
	}
	return &Cipher{
		method: spec.method,
		spec:   spec,
		master: DeriveMasterKey(password, spec.keySize),
	}, nil
}

// Method reports which AEAD construction c uses.
func (c *Cipher) Method() Method { return c.method }

// SaltSize is the length in bytes of the per-connection, per-direction salt
// this cipher's method requires.
func (c *Cipher) SaltSize() int { return c.spec.saltSize }

// NewAEAD derives the session subkey for salt via HKDF-SHA1(master, salt,
// "ss-subkey") and constructs the AEAD instance for it. salt must be
// SaltSize() bytes. The nonce counter is owned by the caller (the stream
// layer), never by the Cipher.
func (c *Cipher) NewAEAD(salt []byte) (cipher.AEAD, error) {
	subkey := make([]byte, c.spec.keySize)
	r := hkdf.New(sha1.New, c.master, salt, subkeyInfo)
	if _, err := io.ReadFull(r, subkey); err != nil {
		return nil, err
	}
	return c.spec.newAEAD(subkey)
}
