package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"camlink/internal/core/domain"
	"camlink/internal/infrastructure/monitoring"
	"camlink/internal/infrastructure/repositories/memory"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type relayHarness struct {
	server  *Server
	metrics *monitoring.Metrics
	srv     *httptest.Server
}

func newRelayHarness(t *testing.T, cfg ServerConfig) *relayHarness {
	t.Helper()
	h := &relayHarness{
		metrics: monitoring.NewMetrics(prometheus.NewRegistry()),
	}
	h.server = NewServer(memory.NewClientRegistry(), h.metrics, cfg, zap.NewNop().Sugar())

	// The JID normally comes from the verified bearer token; the test stub
	// trusts a query parameter instead.
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.server.HandleConnection(w, r, domain.Address(r.URL.Query().Get("jid")))
	}))
	t.Cleanup(h.srv.Close)
	return h
}

type testClient struct {
	t     *testing.T
	conn  *websocket.Conn
	inbox chan domain.Envelope
}

func (h *relayHarness) dial(t *testing.T, jid domain.Address) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "?jid=" + string(jid)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	tc := &testClient{t: t, conn: conn, inbox: make(chan domain.Envelope, 32)}
	go func() {
		for {
			var env domain.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				close(tc.inbox)
				return
			}
			tc.inbox <- env
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return tc
}

func (c *testClient) send(env domain.Envelope) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(env))
}

func (c *testClient) announce(caps ...domain.Capability) {
	c.send(domain.Envelope{Message: domain.CapabilitiesPayload(caps)})
}

// expect waits for the next envelope of the given kind, failing the test on
// timeout. Envelopes of other kinds arriving first fail too; the relay's
// per-client ordering is part of the contract.
func (c *testClient) expect(kind domain.PayloadKind) domain.Envelope {
	c.t.Helper()
	select {
	case env, ok := <-c.inbox:
		require.True(c.t, ok, "connection closed while waiting for %s", kind)
		require.Equal(c.t, kind, env.Message.Kind())
		return env
	case <-time.After(2 * time.Second):
		c.t.Fatalf("timed out waiting for %s", kind)
		return domain.Envelope{}
	}
}

func (c *testClient) expectNothing() {
	c.t.Helper()
	select {
	case env, ok := <-c.inbox:
		if ok {
			c.t.Fatalf("unexpected envelope: %s from %s", env.Message.Kind(), env.FromJID)
		}
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRelayPresenceFanout(t *testing.T) {
	h := newRelayHarness(t, ServerConfig{})
	camJID := domain.Address("cam001@studio.loc/device")
	viewerJID := domain.Address("bob@home.loc/viewer")

	cam := h.dial(t, camJID)
	cam.announce(domain.CapProduceVideo)

	viewer := h.dial(t, viewerJID)

	// The newcomer gets the existing roster first.
	sync := viewer.expect(domain.PayloadClientOnline)
	assert.Equal(t, camJID, sync.FromJID)
	assert.Equal(t, []domain.Capability{domain.CapProduceVideo}, sync.Message.Online.Capabilities)

	// The camera learns about the viewer once it announces.
	viewer.announce(domain.CapConsumeVideo)
	online := cam.expect(domain.PayloadClientOnline)
	assert.Equal(t, viewerJID, online.FromJID)
	assert.Equal(t, []domain.Capability{domain.CapConsumeVideo}, online.Message.Online.Capabilities)

	// Re-announcing updated capabilities broadcasts again.
	viewer.announce(domain.CapConsumeVideo, domain.CapConsumeAudio)
	update := cam.expect(domain.PayloadClientOnline)
	assert.Len(t, update.Message.Online.Capabilities, 2)
}

// TestNewcomerRegisteredBeforeRosterSync pins the registration order: by
// the time a client receives its roster sync it is already in the registry,
// so a peer registering concurrently cannot miss it in its own sync.
func TestNewcomerRegisteredBeforeRosterSync(t *testing.T) {
	h := newRelayHarness(t, ServerConfig{})
	camJID := domain.Address("cam001@studio.loc/device")
	viewerJID := domain.Address("bob@home.loc/viewer")

	cam := h.dial(t, camJID)
	cam.announce(domain.CapProduceVideo)

	viewer := h.dial(t, viewerJID)
	sync := viewer.expect(domain.PayloadClientOnline)
	require.Equal(t, camJID, sync.FromJID)

	_, err := h.server.registry.Get(context.Background(), viewerJID)
	assert.NoError(t, err)
}

func TestRelayStampsSenderOnForward(t *testing.T) {
	h := newRelayHarness(t, ServerConfig{})
	camJID := domain.Address("cam001@studio.loc/device")
	viewerJID := domain.Address("bob@home.loc/viewer")

	cam := h.dial(t, camJID)
	cam.announce(domain.CapProduceVideo)
	viewer := h.dial(t, viewerJID)
	viewer.expect(domain.PayloadClientOnline) // roster sync

	// The viewer lies about its identity; the relay stamps the real one.
	viewer.send(domain.Envelope{
		FromJID: "mallory@evil.loc/viewer",
		ToJID:   camJID,
		Message: domain.OfferPayload(domain.SessionDescription{Type: "offer", SDP: "v=0"}),
	})

	offer := cam.expect(domain.PayloadCallOffer)
	assert.Equal(t, viewerJID, offer.FromJID)
	assert.Equal(t, "v=0", offer.Message.Offer.SDP)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.EnvelopesForwardedWith("calloffer")))
}

func TestRelayDropsUnknownRecipient(t *testing.T) {
	h := newRelayHarness(t, ServerConfig{})
	viewer := h.dial(t, "bob@home.loc/viewer")

	viewer.send(domain.Envelope{
		ToJID:   "ghost@studio.loc/device",
		Message: domain.OfferPayload(domain.SessionDescription{Type: "offer", SDP: "v=0"}),
	})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.EnvelopesDroppedWith("unknown_recipient")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	viewer.expectNothing()
}

func TestRelayDropsForgedPresence(t *testing.T) {
	h := newRelayHarness(t, ServerConfig{})
	cam := h.dial(t, "cam001@studio.loc/device")
	viewer := h.dial(t, "bob@home.loc/viewer")

	viewer.send(domain.Envelope{
		FromJID: "cam001@studio.loc/device",
		Message: domain.OnlinePayload([]domain.Capability{domain.CapProduceVideo}),
	})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.EnvelopesDroppedWith("forged_presence")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	cam.expectNothing()
}

func TestRelayBroadcastsOffline(t *testing.T) {
	h := newRelayHarness(t, ServerConfig{})
	camJID := domain.Address("cam001@studio.loc/device")

	cam := h.dial(t, camJID)
	cam.announce(domain.CapProduceVideo)
	viewer := h.dial(t, "bob@home.loc/viewer")
	viewer.expect(domain.PayloadClientOnline)

	cam.conn.Close()

	offline := viewer.expect(domain.PayloadClientOffline)
	assert.Equal(t, camJID, offline.FromJID)
}

func TestRelayRateLimitsMessages(t *testing.T) {
	h := newRelayHarness(t, ServerConfig{
		RateLimitEnabled:  true,
		MessagesPerSecond: 1,
		Burst:             2,
	})
	cam := h.dial(t, "cam001@studio.loc/device")
	viewer := h.dial(t, "bob@home.loc/viewer")

	for i := 0; i < 5; i++ {
		viewer.send(domain.Envelope{
			ToJID:   "cam001@studio.loc/device",
			Message: domain.CandidatePayload(domain.ICECandidate{Candidate: "candidate:1"}),
		})
	}

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.EnvelopesDroppedWith("rate_limited")) >= 1
	}, 2*time.Second, 10*time.Millisecond)
	_ = cam
}
