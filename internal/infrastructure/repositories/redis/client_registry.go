package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"camlink/internal/core/domain"
	"camlink/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const (
	clientPrefix = "camlink:client:"
	clientSetKey = "camlink:clients"
)

// ClientRegistry stores connected clients in Redis so several relay
// instances can share one directory.
type ClientRegistry struct {
	client *redis.Client
}

func NewClientRegistry(client *redis.Client) ports.ClientRegistry {
	return &ClientRegistry{client: client}
}

func clientKey(jid domain.Address) string {
	return clientPrefix + string(jid)
}

func (r *ClientRegistry) Add(ctx context.Context, jid domain.Address, caps []domain.Capability) error {
	existing, err := r.Get(ctx, jid)
	if err == nil && caps == nil {
		// Reconnect: keep the previously announced capabilities.
		caps = existing.Capabilities
	}

	peer := &domain.Peer{
		ID:           jid,
		Capabilities: caps,
		Presence:     domain.PresenceOnline,
	}
	data, err := json.Marshal(peer)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, clientKey(jid), data, 0)
	pipe.SAdd(ctx, clientSetKey, string(jid))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store client in Redis: %w", err)
	}
	return nil
}

func (r *ClientRegistry) UpdateCapabilities(ctx context.Context, jid domain.Address, caps []domain.Capability) error {
	peer, err := r.Get(ctx, jid)
	if err != nil {
		return err
	}

	peer.Capabilities = caps
	data, err := json.Marshal(peer)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}
	if err := r.client.Set(ctx, clientKey(jid), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to update client in Redis: %w", err)
	}
	return nil
}

func (r *ClientRegistry) Remove(ctx context.Context, jid domain.Address) error {
	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, clientKey(jid))
	pipe.SRem(ctx, clientSetKey, string(jid))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove client from Redis: %w", err)
	}
	if del.Val() == 0 {
		return domain.ErrClientNotFound
	}
	return nil
}

func (r *ClientRegistry) Get(ctx context.Context, jid domain.Address) (*domain.Peer, error) {
	data, err := r.client.Get(ctx, clientKey(jid)).Result()
	if err == redis.Nil {
		return nil, domain.ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client from Redis: %w", err)
	}

	var peer domain.Peer
	if err := json.Unmarshal([]byte(data), &peer); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	return &peer, nil
}

func (r *ClientRegistry) List(ctx context.Context) ([]*domain.Peer, error) {
	jids, err := r.client.SMembers(ctx, clientSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list clients from Redis: %w", err)
	}

	out := make([]*domain.Peer, 0, len(jids))
	for _, jid := range jids {
		peer, err := r.Get(ctx, domain.Address(jid))
		if err == domain.ErrClientNotFound {
			// Set and hash drifted; self-heal.
			r.client.SRem(ctx, clientSetKey, jid)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, peer)
	}
	return out, nil
}
