package core

// peers.go - the set of peers this node has discovered.
//
// Entries are only ever added. A peer seen again through another address
// accumulates that address but is not reported as new.

import (
	"sort"
	"sync"
)

// PeerSet stores discovered peers and their addresses.
// All methods are concurrency-safe.
type PeerSet struct {
	mu    sync.RWMutex
	addrs map[string][]string // keyed by peer id
}

// NewPeerSet creates an empty set.
func NewPeerSet() *PeerSet {
	return &PeerSet{addrs: make(map[string][]string)}
}

// Add records addr for id and reports whether id was previously unknown.
func (s *PeerSet) Add(id, addr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	known, seen := s.addrs[id]
	if addr != "" && !contains(known, addr) {
		known = append(known, addr)
	}
	s.addrs[id] = known
	return !seen
}

// Has reports whether id is in the set.
func (s *PeerSet) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.addrs[id]
	return ok
}

// IDs returns every known peer id in sorted order.
func (s *PeerSet) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.addrs))
	for id := range s.addrs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Addrs returns a copy of the addresses recorded for id.
func (s *PeerSet) Addrs(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.addrs[id]...)
}

// Len returns the number of known peers.
func (s *PeerSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.addrs)
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
