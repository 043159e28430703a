package network

import (
	"sort"
	"sync"
)

// AcceptedPeerSet holds the peer IDs that completed a connect handshake against
// this node. Lookups never wait on writers.
type AcceptedPeerSet struct {
	ids sync.Map
}

// NewAcceptedPeerSet returns an empty set.
func NewAcceptedPeerSet() *AcceptedPeerSet {
	return &AcceptedPeerSet{}
}

// Add inserts peerID and reports whether it was newly added.
func (s *AcceptedPeerSet) Add(peerID string) bool {
	if peerID == "" {
		return false
	}
	_, loaded := s.ids.LoadOrStore(peerID, struct{}{})
	return !loaded
}

// Remove deletes peerID and reports whether it was present.
func (s *AcceptedPeerSet) Remove(peerID string) bool {
	_, loaded := s.ids.LoadAndDelete(peerID)
	return loaded
}

// Contains reports membership.
func (s *AcceptedPeerSet) Contains(peerID string) bool {
	_, ok := s.ids.Load(peerID)
	return ok
}

// List returns the members in sorted order.
func (s *AcceptedPeerSet) List() []string {
	var out []string
	s.ids.Range(func(key, _ any) bool {
		out = append(out, key.(string))
		return true
	})
	sort.Strings(out)
	return out
}
