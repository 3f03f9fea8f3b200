package services

import (
	"camlink/internal/core/domain"

	"go.uber.org/zap"
)

// SessionHub is the dispatcher's view of the active session set. Implemented
// by the Manager; all calls happen on the event loop.
type SessionHub interface {
	SessionFor(remote domain.Address) (*Negotiator, bool)
	StartCallee(remote domain.Address, offer domain.SessionDescription)
	TerminatePeer(remote domain.Address)
}

// Dispatcher routes inbound relay envelopes: presence to the roster, the
// rest to the session owning the sender's address. Stray negotiation
// messages for unknown sessions are dropped, never resurrect one.
type Dispatcher struct {
	roster         *Roster
	hub            SessionHub
	onRosterChange func()
	logger         *zap.SugaredLogger
}

func NewDispatcher(roster *Roster, hub SessionHub, onRosterChange func(), logger *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		roster:         roster,
		hub:            hub,
		onRosterChange: onRosterChange,
		logger:         logger,
	}
}

// Dispatch handles one envelope to completion. Runs on the event loop.
func (d *Dispatcher) Dispatch(env domain.Envelope) {
	from := env.FromJID

	switch env.Message.Kind() {
	case domain.PayloadClientOnline:
		d.roster.Upsert(domain.Peer{
			ID:           from,
			Capabilities: env.Message.Online.Capabilities,
		})
		d.logger.Infow("peer online", "peer", from, "capabilities", env.Message.Online.Capabilities)
		d.onRosterChange()

	case domain.PayloadClientOffline:
		d.roster.Remove(from)
		d.hub.TerminatePeer(from)
		d.logger.Infow("peer offline", "peer", from)
		d.onRosterChange()

	case domain.PayloadCallOffer:
		if session, ok := d.hub.SessionFor(from); ok {
			session.HandleOffer(*env.Message.Offer)
			return
		}
		d.hub.StartCallee(from, *env.Message.Offer)

	case domain.PayloadCallAnswer:
		session, ok := d.hub.SessionFor(from)
		if !ok {
			d.logger.Warnw("dropping answer for unknown session", "peer", from)
			return
		}
		session.HandleAnswer(*env.Message.Answer)

	case domain.PayloadICECandidate:
		session, ok := d.hub.SessionFor(from)
		if !ok {
			d.logger.Warnw("dropping candidate for unknown session", "peer", from)
			return
		}
		session.HandleCandidate(*env.Message.Candidate)

	case domain.PayloadCapabilities:
		// Client-to-relay traffic; the relay never forwards it.
		d.logger.Warnw("dropping unexpected capabilities envelope", "peer", from)

	default:
		d.logger.Warnw("dropping malformed envelope", "peer", from)
	}
}
