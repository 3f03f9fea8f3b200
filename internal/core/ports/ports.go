package ports

import (
	"context"

	"camlink/internal/core/domain"
)

// TransportEvents are the callbacks a MediaTransport fires. Implementations
// may invoke them from arbitrary goroutines; subscribers are responsible for
// marshaling onto their own scheduling discipline. Any callback may be nil.
type TransportEvents struct {
	LocalCandidate     func(domain.ICECandidate)
	NegotiationNeeded  func()
	ConnectivityChange func(domain.TransportState)
	RemoteTrack        func(label string)
}

// MediaTransport is the opaque media capability the negotiator drives. The
// signaling core never inspects codecs or media internals; it only shuttles
// descriptions and candidates in and out.
//
// CreateOffer and CreateAnswer create AND apply the local description before
// returning it.
type MediaTransport interface {
	CreateOffer(ctx context.Context, iceRestart bool) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error
	// Rollback discards the pending local description so an incoming offer
	// can be applied instead (glare yield).
	Rollback() error
	AddCandidate(cand domain.ICECandidate) error
	Close() error
}

// TransportFactory creates one MediaTransport per session attempt.
type TransportFactory interface {
	NewTransport(remote domain.Address, events TransportEvents) (MediaTransport, error)
}

// ChannelEvents are the signal channel's observable events. Message delivers
// already-decoded envelopes in relay-delivery order.
type ChannelEvents struct {
	Open    func()
	Closed  func(err error)
	Message func(env domain.Envelope)
}

// SignalChannel owns the single logical connection to the relay: connect,
// reconnect with backoff, send. It carries no negotiation logic and does not
// buffer outbound traffic across reconnects.
type SignalChannel interface {
	// Start begins connecting and keeps reconnecting until Close or ctx
	// cancellation.
	Start(ctx context.Context) error
	// Send fails with domain.ErrChannelNotOpen / ErrChannelClosed instead of
	// buffering; only sends issued while the first connect is still in
	// flight are queued and flushed on open.
	Send(env domain.Envelope) error
	Close() error
}

// ChannelFactory lets the session manager construct its channel with the
// event sinks already bound to the manager's event loop.
type ChannelFactory func(events ChannelEvents) SignalChannel

// ClientRegistry is the relay-side view of connected clients and their
// advertised capabilities. Implementations: in-memory map, Redis.
type ClientRegistry interface {
	Add(ctx context.Context, jid domain.Address, caps []domain.Capability) error
	UpdateCapabilities(ctx context.Context, jid domain.Address, caps []domain.Capability) error
	Remove(ctx context.Context, jid domain.Address) error
	Get(ctx context.Context, jid domain.Address) (*domain.Peer, error)
	List(ctx context.Context) ([]*domain.Peer, error)
}
