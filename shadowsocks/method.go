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
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// Method identifies one of the three AEAD constructions this package supports.
// It is a closed enum: switching methods at runtime is a dispatch over this
// tag, never a new construction invented on the fly.
type Method string

const (
	AES128GCM       Method = "aes-128-gcm"
	AES256GCM       Method = "aes-256-gcm"
	ChaCha20Poly1305 Method = "chacha20-ietf-poly1305"
)

type methodSpec struct {
	method   Method
	keySize  int
	saltSize int
	newAEAD  func(key []byte) (cipher.AEAD, error)
}

var methodTable = []methodSpec{
	{AES128GCM, 16, 16, newAESGCM},
	{AES256GCM, 32, 32, newAESGCM},
	{ChaCha20Poly1305, chacha20poly1305.KeySize, 32, chacha20poly1305.New},
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func lookupMethod(name Method) (*methodSpec, error) {
	normalized := Method(strings.ToLower(string(name)))
	for i := range methodTable {
		if methodTable[i].method == normalized {
			return &methodTable[i], nil
		}
	}
	return nil, fmt.Errorf("shadowsocks: unsupported method %q", name)
}

// SupportedMethods lists the method names this package can construct a Cipher for.
func SupportedMethods() []Method {
	methods := make([]Method, len(methodTable))
	for i, spec := range methodTable {
		methods[i] = spec.method
	}
	return methods
}

// KeySize returns the master-key / subkey length for method, or an error if
// method is not one of the three supported AEAD constructions.
func KeySize(method Method) (int, error) {
	spec, err := lookupMethod(method)
	if err != nil {
		return 0, err
	}
	return spec.keySize, nil
}

// maxTagSize is the largest AEAD tag overhead across supported methods. The
// stream buffers are sized from each AEAD's own Overhead() instead.
func maxTagSize() int {
	max := 0
	for _, spec := range methodTable {
		aead, err := spec.newAEAD(make([]byte, spec.keySize))
		if err != nil {
			continue
		}
		if aead.Overhead() > max {
			max = aead.Overhead()
		}
	}
	return max
}
