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
	"crypto/sha256"
	"encoding/binary"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// MaxCapacity is the default number of salts a ReplayCache generation is sized
// for before it is rotated out. At this size and numHashes below, the
// false-positive rate stays within the ~1e-6 budget the Data Model requires.
const MaxCapacity = 1_000_000

// numHashes is the number of bit positions set per inserted salt.
// It is the optimal k = (m/n)*ln2 for bitsPerEntry.
const numHashes = 20

// bitsPerEntry keeps the false-positive probability near 1e-6 at MaxCapacity
// entries (standard bloom-filter sizing: m/n ~= -ln(p)/(ln2)^2).
const bitsPerEntry = 29

// ReplayCache is the process-wide salt bloom filter of §4.2: "fresh" salts are
// recorded, "duplicate" salts are reported so the caller can refuse to derive
// keys or decrypt anything for that connection. False positives (a fresh salt
// reported as duplicate) are an acceptable, rare cost; false negatives must
// not happen for any salt actually seen before.
//
// It keeps two generations: new salts always go into the active generation;
// membership is checked against both. When the active generation passes its
// capacity, it is demoted to "archive" and a fresh, empty generation becomes
// active. This bounds the false-positive rate growth without ever forgetting
// a salt inside its own generation's lifetime, and without persisting
// anything to disk.
type ReplayCache struct {
	mu       sync.Mutex
	capacity uint
	active   *filterGeneration
	archive  *filterGeneration
}

type filterGeneration struct {
	bits  *bitset.BitSet
	count uint
}

func newFilterGeneration(capacity uint) *filterGeneration {
	return &filterGeneration{bits: bitset.New(capacity * bitsPerEntry)}
}

// NewReplayCache creates a ReplayCache whose active generation holds up to
// capacity salts before rotating.
func NewReplayCache(capacity uint) ReplayCache {
	return ReplayCache{
		capacity: capacity,
		active:   newFilterGeneration(capacity),
		archive:  newFilterGeneration(capacity),
	}
}

// positions returns the numHashes bit indices salt maps to within a
// generation of the given bit-array size, via double hashing over SHA-256
// (the standard Kirsch-Mitzenmacher construction: h_i = h1 + i*h2).
func positions(salt []byte, size uint) [numHashes]uint {
	sum := sha256.Sum256(salt)
	h1 := binary.BigEndian.Uint64(sum[0:8])
	h2 := binary.BigEndian.Uint64(sum[8:16])
	var idx [numHashes]uint
	for i := 0; i < numHashes; i++ {
		idx[i] = uint((h1 + uint64(i)*h2) % uint64(size))
	}
	return idx
}

func (g *filterGeneration) test(salt []byte) bool {
	size := g.bits.Len()
	if size == 0 {
		return false
	}
	for _, p := range positions(salt, size) {
		if !g.bits.Test(p) {
			return false
		}
	}
	return true
}

func (g *filterGeneration) insert(salt []byte) {
	size := g.bits.Len()
	for _, p := range positions(salt, size) {
		g.bits.Set(p)
	}
	g.count++
}

// CheckAndInsert implements the §4.2 contract: it reports whether salt is
// fresh (never seen, subject to the false-positive budget) and, if fresh,
// records it so that any later call with the same salt observes "duplicate".
// Safe for concurrent use by many accepting connections at once.
func (c *ReplayCache) CheckAndInsert(salt []byte) (fresh bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active.test(salt) || c.archive.test(salt) {
		return false
	}
	c.active.insert(salt)
	if c.active.count >= c.capacity {
		c.archive = c.active
		c.active = newFilterGeneration(c.capacity)
	}
	return true
}
