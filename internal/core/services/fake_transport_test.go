package services

import (
	"context"
	"fmt"
	"sync"

	"camlink/internal/core/domain"
	"camlink/internal/core/ports"
)

// fakeTransport is the substitute media capability used across the services
// tests: it records every call and lets tests fire the capability events by
// hand.
type fakeTransport struct {
	mu     sync.Mutex
	remote domain.Address
	events ports.TransportEvents

	offers       int
	restartOffer bool
	answers      int
	pendingOffer bool
	remoteDescs  []domain.SessionDescription
	candidates   []domain.ICECandidate
	rollbacks    int
	closed       bool

	offerErr  error
	answerErr error
	remoteErr error
	applyGate chan struct{} // when set, SetRemoteDescription blocks until closed
}

func (t *fakeTransport) CreateOffer(ctx context.Context, iceRestart bool) (domain.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.offerErr != nil {
		return domain.SessionDescription{}, t.offerErr
	}
	t.offers++
	t.pendingOffer = true
	if iceRestart {
		t.restartOffer = true
	}
	return domain.SessionDescription{
		Type: "offer",
		SDP:  fmt.Sprintf("offer-for-%s-%d", t.remote, t.offers),
	}, nil
}

func (t *fakeTransport) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.answerErr != nil {
		return domain.SessionDescription{}, t.answerErr
	}
	t.answers++
	return domain.SessionDescription{
		Type: "answer",
		SDP:  fmt.Sprintf("answer-for-%s-%d", t.remote, t.answers),
	}, nil
}

func (t *fakeTransport) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	t.mu.Lock()
	gate := t.applyGate
	t.mu.Unlock()
	if gate != nil {
		<-gate
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remoteErr != nil {
		return t.remoteErr
	}
	if desc.Type == "answer" {
		t.pendingOffer = false
	}
	t.remoteDescs = append(t.remoteDescs, desc)
	return nil
}

// Rollback mirrors the real transport: it only succeeds while a local offer
// is pending.
func (t *fakeTransport) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.pendingOffer {
		return fmt.Errorf("rollback without a pending local offer")
	}
	t.pendingOffer = false
	t.rollbacks++
	return nil
}

func (t *fakeTransport) AddCandidate(cand domain.ICECandidate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.candidates = append(t.candidates, cand)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) appliedCandidates() []domain.ICECandidate {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.ICECandidate, len(t.candidates))
	copy(out, t.candidates)
	return out
}

func (t *fakeTransport) appliedDescs() []domain.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.SessionDescription, len(t.remoteDescs))
	copy(out, t.remoteDescs)
	return out
}

func (t *fakeTransport) offerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offers
}

func (t *fakeTransport) rollbackCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rollbacks
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) sawRestartOffer() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.restartOffer
}

func (t *fakeTransport) fireNegotiationNeeded() {
	if t.events.NegotiationNeeded != nil {
		t.events.NegotiationNeeded()
	}
}

func (t *fakeTransport) fireLocalCandidate(cand domain.ICECandidate) {
	if t.events.LocalCandidate != nil {
		t.events.LocalCandidate(cand)
	}
}

func (t *fakeTransport) fireConnectivity(state domain.TransportState) {
	if t.events.ConnectivityChange != nil {
		t.events.ConnectivityChange(state)
	}
}

// fakeTransportFactory hands out one fakeTransport per session attempt and
// keeps the latest per remote address for inspection.
type fakeTransportFactory struct {
	mu            sync.Mutex
	transports    map[domain.Address]*fakeTransport
	autoNegotiate bool
	err           error
}

func newFakeTransportFactory() *fakeTransportFactory {
	return &fakeTransportFactory{transports: make(map[domain.Address]*fakeTransport)}
}

func (f *fakeTransportFactory) NewTransport(remote domain.Address, events ports.TransportEvents) (ports.MediaTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	transport := &fakeTransport{remote: remote, events: events}
	f.transports[remote] = transport
	if f.autoNegotiate {
		go events.NegotiationNeeded()
	}
	return transport, nil
}

func (f *fakeTransportFactory) transportFor(remote domain.Address) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transports[remote]
}
