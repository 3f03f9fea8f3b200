package services

import "camlink/internal/core/domain"

// Roster holds the set of currently reachable peers. Pure in-memory data,
// owned exclusively by the session manager's event loop, so it needs no
// locking. Entries are removed, not marked, on offline: the roster always
// equals "peers whose last presence event was online".
type Roster struct {
	peers map[domain.Address]domain.Peer
}

func NewRoster() *Roster {
	return &Roster{peers: make(map[domain.Address]domain.Peer)}
}

// Upsert inserts or replaces the entry for peer.ID.
func (r *Roster) Upsert(peer domain.Peer) {
	peer.Presence = domain.PresenceOnline
	r.peers[peer.ID] = peer
}

// Remove drops the entry; no-op on a missing key.
func (r *Roster) Remove(id domain.Address) {
	delete(r.peers, id)
}

func (r *Roster) Get(id domain.Address) (domain.Peer, bool) {
	peer, ok := r.peers[id]
	return peer, ok
}

// List returns a copy of all entries; order is unspecified.
func (r *Roster) List() []domain.Peer {
	out := make([]domain.Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		out = append(out, peer)
	}
	return out
}

func (r *Roster) Len() int {
	return len(r.peers)
}
