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
	"container/list"
	"net"
	"sync"
)

// CipherEntry holds a Cipher with an access-key identifier. The public
// fields are constant after construction; lastClientIP is mutable under
// cipherList.mu.
type CipherEntry struct {
	ID           string
	Cipher       *Cipher
	lastClientIP net.IP
}

// CipherList is a list of CipherEntry elements that allows for thread-safe
// snapshotting and moving to front. A remote endpoint configured with
// multiple access keys uses this to try each key's cipher against an
// inbound connection without favoring one key's startup order over
// another's.
type CipherList interface {
	PushBack(id string, cipher *Cipher) *list.Element
	SafeSnapshotForClientIP(clientIP net.IP) []*list.Element
	SafeMarkUsedByClientIP(e *list.Element, clientIP net.IP)
	Len() int
}

type cipherList struct {
	list *list.List
	mu   sync.RWMutex
}

// NewCipherList creates an empty CipherList.
func NewCipherList() CipherList {
	return &cipherList{list: list.New()}
}

func (cl *cipherList) PushBack(id string, cipher *Cipher) *list.Element {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.list.PushBack(&CipherEntry{ID: id, Cipher: cipher})
}

func (cl *cipherList) Len() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.list.Len()
}

func matchesIP(e *list.Element, clientIP net.IP) bool {
	c := e.Value.(*CipherEntry)
	return clientIP != nil && clientIP.Equal(c.lastClientIP)
}

// SafeSnapshotForClientIP returns every entry, with any entries previously
// used by clientIP moved to the front, so a returning client's connections
// try their last-successful key first.
func (cl *cipherList) SafeSnapshotForClientIP(clientIP net.IP) []*list.Element {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	matching := make([]*list.Element, 0, cl.list.Len())
	remaining := make([]*list.Element, 0, cl.list.Len())
	for e := cl.list.Front(); e != nil; e = e.Next() {
		if matchesIP(e, clientIP) {
			matching = append(matching, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	return append(matching, remaining...)
}

// SafeMarkUsedByClientIP records that e authenticated successfully for
// clientIP and moves it to the front of the list.
func (cl *cipherList) SafeMarkUsedByClientIP(e *list.Element, clientIP net.IP) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.list.MoveToFront(e)
	c := e.Value.(*CipherEntry)
	c.lastClientIP = clientIP
}
