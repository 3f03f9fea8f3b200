package services

import (
	"context"

	"camlink/internal/core/domain"
	"camlink/internal/core/ports"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxPendingOutbound bounds the per-session queue of envelopes that could
// not be sent because the relay channel was down. Oldest entries are not
// retried past this point; the peer re-offers if the call matters.
const maxPendingOutbound = 32

// Negotiator drives one offer/answer/ICE exchange with a single remote
// address. All methods and callbacks run on the session manager's event
// loop; asynchronous transport operations complete via post, and every
// continuation re-validates the epoch and state it captured, because the
// session may have advanced (or closed) while the operation was in flight.
type Negotiator struct {
	local  domain.Address
	remote domain.Address
	role   domain.Role
	state  domain.SessionState

	attemptID string
	transport ports.MediaTransport

	send       func(domain.Envelope) error
	post       func(func()) bool
	onChange   func()
	onTerminal func(*Negotiator)
	logger     *zap.SugaredLogger

	// epoch invalidates in-flight continuations after rollback, restart or
	// close. Bumped on every transition that makes pending async results
	// meaningless.
	epoch uint64

	remoteDescSet   bool
	localDescSet    bool
	pendingRemote   []domain.ICECandidate
	pendingOutbound []domain.Envelope
	restarts        int
}

// newNegotiator creates the session and its media transport. Caller sessions
// start in Requesting and wait for the transport's negotiation-needed signal;
// callee sessions start in OfferReceived and expect AcceptOffer next.
func newNegotiator(
	local, remote domain.Address,
	role domain.Role,
	factory ports.TransportFactory,
	send func(domain.Envelope) error,
	post func(func()) bool,
	onChange func(),
	onTerminal func(*Negotiator),
	logger *zap.SugaredLogger,
) (*Negotiator, error) {
	n := &Negotiator{
		local:      local,
		remote:     remote,
		role:       role,
		attemptID:  uuid.NewString(),
		send:       send,
		post:       post,
		onChange:   onChange,
		onTerminal: onTerminal,
	}
	n.logger = logger.With("remote", remote.String(), "attempt", n.attemptID)

	if role == domain.RoleCaller {
		n.state = domain.StateRequesting
	} else {
		n.state = domain.StateOfferReceived
	}

	transport, err := factory.NewTransport(remote, ports.TransportEvents{
		LocalCandidate: func(c domain.ICECandidate) {
			post(func() { n.handleLocalCandidate(c) })
		},
		NegotiationNeeded: func() {
			post(n.handleNegotiationNeeded)
		},
		ConnectivityChange: func(s domain.TransportState) {
			post(func() { n.handleConnectivity(s) })
		},
		RemoteTrack: func(label string) {
			post(func() { n.logger.Infow("remote track", "label", label) })
		},
	})
	if err != nil {
		return nil, err
	}
	n.transport = transport
	return n, nil
}

func (n *Negotiator) Remote() domain.Address { return n.remote }

func (n *Negotiator) State() domain.SessionState { return n.state }

func (n *Negotiator) Snapshot() domain.SessionSnapshot {
	return domain.SessionSnapshot{
		Remote:    n.remote,
		Role:      n.role,
		State:     n.state,
		AttemptID: n.attemptID,
	}
}

// handleNegotiationNeeded fires when the transport wants an initial offer.
// Restart offers are generated directly by handleConnectivity, so anything
// outside Requesting is ignored.
func (n *Negotiator) handleNegotiationNeeded() {
	if n.state != domain.StateRequesting {
		return
	}
	n.createOffer(false)
}

func (n *Negotiator) createOffer(iceRestart bool) {
	epoch := n.epoch
	go func() {
		desc, err := n.transport.CreateOffer(context.Background(), iceRestart)
		n.post(func() {
			if n.epoch != epoch || n.state != domain.StateRequesting {
				return
			}
			if err != nil {
				n.logger.Errorw("create offer failed", "error", err)
				n.fail()
				return
			}
			n.localDescSet = true
			n.state = domain.StateOfferSent
			n.sendOrQueue(domain.Envelope{
				FromJID: n.local,
				ToJID:   n.remote,
				Message: domain.OfferPayload(desc),
			})
			n.onChange()
		})
	}()
}

// AcceptOffer applies a remote offer to a callee session and produces the
// answer. Used both for fresh inbound calls and after a glare yield.
func (n *Negotiator) AcceptOffer(desc domain.SessionDescription) {
	if n.state != domain.StateOfferReceived {
		n.logger.Warnw("dropping offer in unexpected state", "state", n.state)
		return
	}
	epoch := n.epoch
	go func() {
		err := n.transport.SetRemoteDescription(context.Background(), desc)
		n.post(func() {
			if n.epoch != epoch || n.state != domain.StateOfferReceived {
				return
			}
			if err != nil {
				n.logger.Errorw("apply remote offer failed", "error", err)
				n.fail()
				return
			}
			n.remoteDescSet = true
			n.flushRemoteCandidates()
			n.state = domain.StateAnswering
			n.onChange()
			n.createAnswer()
		})
	}()
}

func (n *Negotiator) createAnswer() {
	epoch := n.epoch
	go func() {
		desc, err := n.transport.CreateAnswer(context.Background())
		n.post(func() {
			if n.epoch != epoch || n.state != domain.StateAnswering {
				return
			}
			if err != nil {
				n.logger.Errorw("create answer failed", "error", err)
				n.fail()
				return
			}
			n.localDescSet = true
			n.sendOrQueue(domain.Envelope{
				FromJID: n.local,
				ToJID:   n.remote,
				Message: domain.AnswerPayload(desc),
			})
			n.state = domain.StateConnected
			n.onChange()
		})
	}()
}

// HandleAnswer applies the remote answer to a session waiting in OfferSent.
func (n *Negotiator) HandleAnswer(desc domain.SessionDescription) {
	if n.state != domain.StateOfferSent {
		n.logger.Warnw("dropping answer in unexpected state", "state", n.state)
		return
	}
	epoch := n.epoch
	go func() {
		err := n.transport.SetRemoteDescription(context.Background(), desc)
		n.post(func() {
			if n.epoch != epoch || n.state != domain.StateOfferSent {
				return
			}
			if err != nil {
				n.logger.Errorw("apply remote answer failed", "error", err)
				n.fail()
				return
			}
			n.remoteDescSet = true
			n.flushRemoteCandidates()
			n.state = domain.StateConnected
			n.onChange()
		})
	}()
}

// HandleOffer deals with an offer arriving for an already existing session:
// glare while we are offering ourselves, a duplicate while answering, or an
// unsupported renegotiation attempt while connected.
func (n *Negotiator) HandleOffer(desc domain.SessionDescription) {
	switch n.state {
	case domain.StateRequesting, domain.StateOfferSent:
		// Glare: both sides offered. The lexicographically lesser address
		// yields and answers the incoming offer; the greater one ignores it
		// and keeps waiting for its own answer.
		if n.local < n.remote {
			n.logger.Infow("glare: yielding to remote offer")
			n.yieldToOffer(desc)
		} else {
			n.logger.Infow("glare: holding own offer")
		}
	case domain.StateOfferReceived, domain.StateAnswering:
		n.logger.Warnw("dropping duplicate offer", "state", n.state)
	case domain.StateConnected:
		n.logger.Warnw("dropping offer for connected session, renegotiation unsupported")
	default:
		n.logger.Debugw("dropping offer for closing session", "state", n.state)
	}
}

// yieldToOffer rolls back our pending local offer and re-enters the callee
// path against the incoming one. When the offers crossed while we were
// still in Requesting no local description has been applied yet, so there
// is nothing to roll back and the transport would reject the attempt.
func (n *Negotiator) yieldToOffer(desc domain.SessionDescription) {
	n.epoch++
	n.role = domain.RoleCallee
	n.state = domain.StateOfferReceived
	n.remoteDescSet = false
	n.onChange()

	if !n.localDescSet {
		n.AcceptOffer(desc)
		return
	}

	epoch := n.epoch
	go func() {
		err := n.transport.Rollback()
		n.post(func() {
			if n.epoch != epoch || n.state != domain.StateOfferReceived {
				return
			}
			if err != nil {
				n.logger.Errorw("rollback failed", "error", err)
				n.fail()
				return
			}
			n.localDescSet = false
			n.AcceptOffer(desc)
		})
	}()
}

// HandleCandidate applies a remote candidate, or buffers it until the remote
// description lands. The buffer flushes FIFO so candidate order survives.
func (n *Negotiator) HandleCandidate(cand domain.ICECandidate) {
	if n.state == domain.StateClosing || n.state.Terminal() {
		return
	}
	if !n.remoteDescSet {
		n.pendingRemote = append(n.pendingRemote, cand)
		return
	}
	if err := n.transport.AddCandidate(cand); err != nil {
		n.logger.Warnw("add candidate failed", "error", err)
	}
}

func (n *Negotiator) flushRemoteCandidates() {
	for _, cand := range n.pendingRemote {
		if err := n.transport.AddCandidate(cand); err != nil {
			n.logger.Warnw("add buffered candidate failed", "error", err)
		}
	}
	n.pendingRemote = nil
}

func (n *Negotiator) handleLocalCandidate(cand domain.ICECandidate) {
	if n.state == domain.StateClosing || n.state.Terminal() {
		return
	}
	n.sendOrQueue(domain.Envelope{
		FromJID: n.local,
		ToJID:   n.remote,
		Message: domain.CandidatePayload(cand),
	})
}

// handleConnectivity watches the transport. One failure of a connected
// session earns a single ICE restart; a second failure, or failure before
// ever connecting, is final.
func (n *Negotiator) handleConnectivity(state domain.TransportState) {
	if n.state == domain.StateClosing || n.state.Terminal() {
		return
	}
	switch state {
	case domain.TransportFailed:
		if n.state == domain.StateConnected && n.restarts == 0 {
			n.restarts++
			n.epoch++
			n.remoteDescSet = false
			n.pendingRemote = nil
			n.state = domain.StateRequesting
			n.logger.Infow("transport failed, attempting ice restart")
			n.onChange()
			n.createOffer(true)
			return
		}
		n.logger.Warnw("transport failed", "restarts", n.restarts)
		n.fail()
	case domain.TransportConnected:
		n.logger.Debugw("transport connected")
	}
}

// FlushOutbound retries envelopes queued while the relay channel was down.
// Called by the manager on channel open.
func (n *Negotiator) FlushOutbound() {
	queued := n.pendingOutbound
	n.pendingOutbound = nil
	for i, env := range queued {
		if err := n.send(env); err != nil {
			n.pendingOutbound = append(n.pendingOutbound, queued[i:]...)
			return
		}
	}
}

func (n *Negotiator) sendOrQueue(env domain.Envelope) {
	if err := n.send(env); err != nil {
		if len(n.pendingOutbound) >= maxPendingOutbound {
			n.logger.Warnw("outbound queue full, dropping envelope", "kind", env.Message.Kind())
			return
		}
		n.logger.Debugw("channel down, queueing envelope", "kind", env.Message.Kind())
		n.pendingOutbound = append(n.pendingOutbound, env)
	}
}

// Close ends the session toward Closed. Idempotent: closing or terminal
// sessions are left alone.
func (n *Negotiator) Close() {
	if n.state == domain.StateClosing || n.state.Terminal() {
		return
	}
	n.terminate(domain.StateClosed)
}

func (n *Negotiator) fail() {
	if n.state == domain.StateClosing || n.state.Terminal() {
		return
	}
	n.terminate(domain.StateFailed)
}

func (n *Negotiator) terminate(final domain.SessionState) {
	n.epoch++
	n.state = domain.StateClosing
	n.onChange()
	if err := n.transport.Close(); err != nil {
		n.logger.Warnw("transport close failed", "error", err)
	}
	n.state = final
	n.onChange()
	n.onTerminal(n)
}
