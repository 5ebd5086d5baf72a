package net

import (
	"sort"
	"sync"
	"time"
)

// ParticipantRecord is one live connection.
type ParticipantRecord struct {
	ConnectionID string
	ConnectedAt  time.Time
}

// Registry is the relay's live set of participants. It is the only source
// of truth for who is present. Mutation is private to the relay and always
// happens under the lock together with the notices it causes, so a count is
// never emitted that does not match the registry at emission time.
type Registry struct {
	peers map[string]*peer
	mu    sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[string]*peer),
	}
}

// Size returns the number of open connections.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Contains reports whether the connection is registered.
func (r *Registry) Contains(connectionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peers[connectionID]
	return ok
}

// Records returns a copy of all participant records ordered by connect time.
func (r *Registry) Records() []ParticipantRecord {
	r.mu.RLock()
	records := make([]ParticipantRecord, 0, len(r.peers))
	for _, p := range r.peers {
		records = append(records, p.record)
	}
	r.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].ConnectedAt.Before(records[j].ConnectedAt)
	})
	return records
}

// insert adds p and runs notify with the other peers and the new size while
// still holding the lock.
func (r *Registry) insert(p *peer, notify func(others []*peer, count int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.record.ConnectionID] = p
	notify(r.othersLocked(p.record.ConnectionID), len(r.peers))
}

// remove deletes p if it is still registered and runs notify under the lock.
// It returns false, without calling notify, when p was already removed.
func (r *Registry) remove(p *peer, notify func(remaining []*peer, count int)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.peers[p.record.ConnectionID]
	if !ok || current != p {
		return false
	}
	delete(r.peers, p.record.ConnectionID)
	notify(r.othersLocked(""), len(r.peers))
	return true
}

// others snapshots every peer except the one with the given id.
func (r *Registry) others(exclude string) []*peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.othersLocked(exclude)
}

func (r *Registry) othersLocked(exclude string) []*peer {
	peers := make([]*peer, 0, len(r.peers))
	for id, p := range r.peers {
		if id != exclude {
			peers = append(peers, p)
		}
	}
	return peers
}

// all snapshots every peer.
func (r *Registry) all() []*peer {
	return r.others("")
}
