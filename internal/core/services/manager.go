package services

import (
	"context"
	"fmt"
	"sync"

	"camlink/internal/core/domain"
	"camlink/internal/core/ports"

	"go.uber.org/zap"
)

// observerBuffer is the capacity of each observer channel. Slow observers
// miss intermediate snapshots, never the latest one for long: every change
// publishes the full current view.
const observerBuffer = 64

// ManagerConfig configures the session manager façade.
type ManagerConfig struct {
	LocalJID     domain.Address
	Capabilities []domain.Capability
	EventBuffer  int
}

// Manager is the only component drivers talk to. It owns the event loop of
// the signaling core, the roster, the active session set and the signal
// channel, and exposes call control plus snapshot streams.
type Manager struct {
	cfg              ManagerConfig
	channelFactory   ports.ChannelFactory
	transportFactory ports.TransportFactory
	logger           *zap.SugaredLogger

	loop       *eventLoop
	channel    ports.SignalChannel
	roster     *Roster
	dispatcher *Dispatcher

	// Everything below is touched only on the event loop.
	sessions    map[domain.Address]*Negotiator
	sessionSubs map[uint64]chan []domain.SessionSnapshot
	rosterSubs  map[uint64]chan []domain.Peer
	nextSub     uint64

	mu      sync.Mutex
	running bool
	stopped bool
}

func NewManager(
	cfg ManagerConfig,
	channelFactory ports.ChannelFactory,
	transportFactory ports.TransportFactory,
	logger *zap.SugaredLogger,
) *Manager {
	m := &Manager{
		cfg:              cfg,
		channelFactory:   channelFactory,
		transportFactory: transportFactory,
		logger:           logger,
		roster:           NewRoster(),
		sessions:         make(map[domain.Address]*Negotiator),
		sessionSubs:      make(map[uint64]chan []domain.SessionSnapshot),
		rosterSubs:       make(map[uint64]chan []domain.Peer),
		loop:             newEventLoop(cfg.EventBuffer),
	}
	m.dispatcher = NewDispatcher(m.roster, m, m.notifyRoster, logger)
	return m
}

func (m *Manager) isRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Start spins up the event loop and the relay channel. The channel keeps
// reconnecting until Stop or ctx cancellation.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("session manager already started")
	}
	if m.stopped {
		// The event loop and observer channels are gone for good; a fresh
		// manager is the only way to run again.
		m.mu.Unlock()
		return fmt.Errorf("session manager cannot be restarted after stop")
	}
	m.running = true
	m.mu.Unlock()

	m.channel = m.channelFactory(ports.ChannelEvents{
		Open: func() {
			m.loop.post(m.handleChannelOpen)
		},
		Closed: func(err error) {
			m.loop.post(func() { m.handleChannelClosed(err) })
		},
		Message: func(env domain.Envelope) {
			m.loop.post(func() { m.dispatcher.Dispatch(env) })
		},
	})
	go m.loop.run()

	if err := m.channel.Start(ctx); err != nil {
		m.loop.stop()
		m.mu.Lock()
		m.running = false
		m.stopped = true
		m.mu.Unlock()
		return fmt.Errorf("start signal channel: %w", err)
	}
	m.logger.Infow("session manager started", "jid", m.cfg.LocalJID)
	return nil
}

// Stop closes the channel, tears down every live session and stops the
// loop. Observer channels are closed last.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.stopped = true
	m.mu.Unlock()

	if err := m.channel.Close(); err != nil {
		m.logger.Debugw("channel close", "error", err)
	}

	done := make(chan struct{})
	if m.loop.post(func() {
		for _, session := range m.sessions {
			session.Close()
		}
		close(done)
	}) {
		<-done
	}
	m.loop.stop()

	// Loop is stopped: no concurrent map access remains.
	for id, ch := range m.sessionSubs {
		delete(m.sessionSubs, id)
		close(ch)
	}
	for id, ch := range m.rosterSubs {
		delete(m.rosterSubs, id)
		close(ch)
	}
	m.logger.Info("session manager stopped")
}

// RequestCall starts a caller session toward remote. Fails when a live
// session already exists or the peer is not in the roster.
func (m *Manager) RequestCall(remote domain.Address) error {
	if !m.isRunning() {
		return domain.ErrNotRunning
	}
	reply := make(chan error, 1)
	if !m.loop.post(func() { reply <- m.requestCall(remote) }) {
		return domain.ErrNotRunning
	}
	return <-reply
}

func (m *Manager) requestCall(remote domain.Address) error {
	if session, ok := m.sessions[remote]; ok && !session.State().Terminal() {
		if session.State() == domain.StateConnected {
			return domain.ErrAlreadyConnected
		}
		return domain.ErrAlreadyConnecting
	}
	if _, ok := m.roster.Get(remote); !ok {
		return domain.ErrPeerNotFound
	}

	session, err := m.newSession(remote, domain.RoleCaller)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	m.sessions[remote] = session
	m.logger.Infow("call requested", "remote", remote)
	m.notifySessions()
	return nil
}

// EndCall closes the session toward remote. Idempotent; ending a call that
// does not exist is a no-op.
func (m *Manager) EndCall(remote domain.Address) error {
	if !m.isRunning() {
		return domain.ErrNotRunning
	}
	reply := make(chan struct{})
	if !m.loop.post(func() {
		if session, ok := m.sessions[remote]; ok {
			session.Close()
		} else {
			m.logger.Debugw("end call for unknown session", "remote", remote)
		}
		close(reply)
	}) {
		return domain.ErrNotRunning
	}
	<-reply
	return nil
}

// ObserveSessions returns a stream of session snapshots. The current view
// is delivered first; the stream closes when ctx is done or the manager
// stops. Re-subscribing restarts observation from the current view.
func (m *Manager) ObserveSessions(ctx context.Context) <-chan []domain.SessionSnapshot {
	ch := make(chan []domain.SessionSnapshot, observerBuffer)
	ok := m.loop.post(func() {
		id := m.nextSub
		m.nextSub++
		m.sessionSubs[id] = ch
		offer(ch, m.sessionSnapshots())
		go m.unsubscribeOnDone(ctx, func() {
			if sub, live := m.sessionSubs[id]; live {
				delete(m.sessionSubs, id)
				close(sub)
			}
		})
	})
	if !ok {
		close(ch)
	}
	return ch
}

// ObserveRoster mirrors ObserveSessions for roster snapshots.
func (m *Manager) ObserveRoster(ctx context.Context) <-chan []domain.Peer {
	ch := make(chan []domain.Peer, observerBuffer)
	ok := m.loop.post(func() {
		id := m.nextSub
		m.nextSub++
		m.rosterSubs[id] = ch
		offer(ch, m.roster.List())
		go m.unsubscribeOnDone(ctx, func() {
			if sub, live := m.rosterSubs[id]; live {
				delete(m.rosterSubs, id)
				close(sub)
			}
		})
	})
	if !ok {
		close(ch)
	}
	return ch
}

func (m *Manager) unsubscribeOnDone(ctx context.Context, remove func()) {
	<-ctx.Done()
	m.loop.post(remove)
}

// SessionFor implements SessionHub.
func (m *Manager) SessionFor(remote domain.Address) (*Negotiator, bool) {
	session, ok := m.sessions[remote]
	return session, ok
}

// StartCallee implements SessionHub: first contact via inbound offer.
func (m *Manager) StartCallee(remote domain.Address, offer domain.SessionDescription) {
	session, err := m.newSession(remote, domain.RoleCallee)
	if err != nil {
		m.logger.Errorw("create callee session failed", "remote", remote, "error", err)
		return
	}
	m.sessions[remote] = session
	m.logger.Infow("incoming call", "remote", remote)
	m.notifySessions()
	session.AcceptOffer(offer)
}

// TerminatePeer implements SessionHub: the peer's roster entry vanished, so
// any live session for it dies with it.
func (m *Manager) TerminatePeer(remote domain.Address) {
	if session, ok := m.sessions[remote]; ok {
		session.Close()
	}
}

func (m *Manager) newSession(remote domain.Address, role domain.Role) (*Negotiator, error) {
	return newNegotiator(
		m.cfg.LocalJID,
		remote,
		role,
		m.transportFactory,
		m.channel.Send,
		m.loop.post,
		m.notifySessions,
		m.sessionTerminated,
		m.logger,
	)
}

// sessionTerminated removes the session from the active set once it reaches
// a terminal state. The terminal snapshot was already published.
func (m *Manager) sessionTerminated(session *Negotiator) {
	if current, ok := m.sessions[session.Remote()]; ok && current == session {
		delete(m.sessions, session.Remote())
		m.notifySessions()
	}
}

func (m *Manager) handleChannelOpen() {
	m.logger.Info("relay channel open")
	for _, session := range m.sessions {
		session.FlushOutbound()
	}
}

// handleChannelClosed invalidates everything learned over the dead
// connection: roster entries are cleared so the relay's roster sync after
// reconnect rebuilds them from live announcements, and sessions die with
// their entries because no candidate or restart offer can reach the peer
// until then.
func (m *Manager) handleChannelClosed(err error) {
	m.logger.Warnw("relay channel closed", "error", err)
	peers := m.roster.List()
	if len(peers) == 0 && len(m.sessions) == 0 {
		return
	}
	for _, peer := range peers {
		m.roster.Remove(peer.ID)
	}
	for _, session := range m.sessions {
		session.Close()
	}
	m.notifyRoster()
}

func (m *Manager) sessionSnapshots() []domain.SessionSnapshot {
	snaps := make([]domain.SessionSnapshot, 0, len(m.sessions))
	for _, session := range m.sessions {
		snaps = append(snaps, session.Snapshot())
	}
	return snaps
}

func (m *Manager) notifySessions() {
	snaps := m.sessionSnapshots()
	for _, ch := range m.sessionSubs {
		offer(ch, snaps)
	}
}

func (m *Manager) notifyRoster() {
	peers := m.roster.List()
	for _, ch := range m.rosterSubs {
		offer(ch, peers)
	}
}

// offer pushes a snapshot without blocking the loop; a full observer just
// misses this update.
func offer[T any](ch chan []T, snapshot []T) {
	select {
	case ch <- snapshot:
	default:
	}
}
