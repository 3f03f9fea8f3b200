package memory

import (
	"context"
	"testing"

	"camlink/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAddGetRemove(t *testing.T) {
	ctx := context.Background()
	reg := NewClientRegistry()
	cam := domain.Address("cam001@studio.loc/device")

	require.NoError(t, reg.Add(ctx, cam, []domain.Capability{domain.CapProduceVideo}))

	peer, err := reg.Get(ctx, cam)
	require.NoError(t, err)
	assert.Equal(t, cam, peer.ID)
	assert.Equal(t, domain.PresenceOnline, peer.Presence)
	assert.Equal(t, []domain.Capability{domain.CapProduceVideo}, peer.Capabilities)

	require.NoError(t, reg.Remove(ctx, cam))
	_, err = reg.Get(ctx, cam)
	assert.ErrorIs(t, err, domain.ErrClientNotFound)
	assert.ErrorIs(t, reg.Remove(ctx, cam), domain.ErrClientNotFound)
}

func TestRegistryReconnectKeepsCapabilities(t *testing.T) {
	ctx := context.Background()
	reg := NewClientRegistry()
	cam := domain.Address("cam001@studio.loc/device")

	require.NoError(t, reg.Add(ctx, cam, nil))
	require.NoError(t, reg.UpdateCapabilities(ctx, cam, []domain.Capability{domain.CapProduceVideo}))

	// A reconnect re-adds with no capabilities; the announced set survives.
	require.NoError(t, reg.Add(ctx, cam, nil))
	peer, err := reg.Get(ctx, cam)
	require.NoError(t, err)
	assert.Equal(t, []domain.Capability{domain.CapProduceVideo}, peer.Capabilities)
}

func TestRegistryUpdateUnknownClient(t *testing.T) {
	reg := NewClientRegistry()
	err := reg.UpdateCapabilities(context.Background(), "ghost@studio.loc/device", nil)
	assert.ErrorIs(t, err, domain.ErrClientNotFound)
}

func TestRegistryListCopies(t *testing.T) {
	ctx := context.Background()
	reg := NewClientRegistry()
	require.NoError(t, reg.Add(ctx, "cam001@studio.loc/device", nil))
	require.NoError(t, reg.Add(ctx, "bob@home.loc/viewer", []domain.Capability{domain.CapConsumeVideo}))

	peers, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 2)

	// Mutating a returned peer does not leak back into the registry.
	peers[0].Capabilities = append(peers[0].Capabilities, domain.CapProduceAudio)
	again, err := reg.Get(ctx, peers[0].ID)
	require.NoError(t, err)
	assert.NotContains(t, again.Capabilities, domain.CapProduceAudio)
}
