package memory

import (
	"context"
	"sync"

	"camlink/internal/core/domain"
	"camlink/internal/core/ports"
)

type ClientRegistry struct {
	clients map[domain.Address]*domain.Peer
	mu      sync.RWMutex
}

func NewClientRegistry() ports.ClientRegistry {
	return &ClientRegistry{
		clients: make(map[domain.Address]*domain.Peer),
	}
}

func (r *ClientRegistry) Add(ctx context.Context, jid domain.Address, caps []domain.Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// A reconnect re-adds the same JID; keep previously announced
	// capabilities until a fresh announcement arrives.
	if existing, ok := r.clients[jid]; ok {
		if caps != nil {
			existing.Capabilities = caps
		}
		return nil
	}

	r.clients[jid] = &domain.Peer{
		ID:           jid,
		Capabilities: caps,
		Presence:     domain.PresenceOnline,
	}
	return nil
}

func (r *ClientRegistry) UpdateCapabilities(ctx context.Context, jid domain.Address, caps []domain.Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.clients[jid]
	if !ok {
		return domain.ErrClientNotFound
	}
	client.Capabilities = caps
	return nil
}

func (r *ClientRegistry) Remove(ctx context.Context, jid domain.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[jid]; !ok {
		return domain.ErrClientNotFound
	}
	delete(r.clients, jid)
	return nil
}

func (r *ClientRegistry) Get(ctx context.Context, jid domain.Address) (*domain.Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, ok := r.clients[jid]
	if !ok {
		return nil, domain.ErrClientNotFound
	}
	copy := *client
	return &copy, nil
}

func (r *ClientRegistry) List(ctx context.Context) ([]*domain.Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Peer, 0, len(r.clients))
	for _, client := range r.clients {
		copy := *client
		out = append(out, &copy)
	}
	return out, nil
}
