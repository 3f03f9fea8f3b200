package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"camlink/internal/core/domain"
	"camlink/internal/core/ports"
	"camlink/internal/infrastructure/monitoring"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// sendBuffer is the per-client outbound queue. A client that cannot drain
// this fast enough starts losing envelopes rather than stalling the relay.
const sendBuffer = 32

// ServerConfig tunes connection keepalive and abuse protection.
type ServerConfig struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration

	RateLimitEnabled  bool
	MessagesPerSecond float64
	Burst             int
	MaxMessageBytes   int64
}

// Server is the signaling relay. It authenticates nothing itself; the HTTP
// layer hands it an already-verified JID per connection. It keeps the
// directory of connected clients, fans presence out and forwards directed
// envelopes with the sender's address stamped, so a client can never spoof
// another sender.
type Server struct {
	registry ports.ClientRegistry
	metrics  *monitoring.Metrics
	cfg      ServerConfig
	logger   *zap.SugaredLogger

	clients map[domain.Address]*client
	mu      sync.RWMutex
}

type client struct {
	jid     domain.Address
	conn    *websocket.Conn
	send    chan domain.Envelope
	limiter *rate.Limiter
	since   time.Time
}

func NewServer(registry ports.ClientRegistry, metrics *monitoring.Metrics, cfg ServerConfig, logger *zap.SugaredLogger) *Server {
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout == 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Server{
		registry: registry,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger,
		clients:  make(map[domain.Address]*client),
	}
}

// HandleConnection upgrades the request and serves the client until it
// disconnects. jid is the authenticated address from the bearer token.
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request, jid domain.Address) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "jid", jid, "error", err)
		return
	}
	defer conn.Close()

	if s.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}

	cl := &client{
		jid:   jid,
		conn:  conn,
		send:  make(chan domain.Envelope, sendBuffer),
		since: time.Now(),
	}
	if s.cfg.RateLimitEnabled {
		cl.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}

	s.register(r.Context(), cl)
	defer s.unregister(cl)

	go s.writePump(cl)
	s.readLoop(r.Context(), cl)
}

// register installs the connection, closes any previous one for the same
// JID and sends the newcomer the current roster as a series of clientonline
// envelopes.
func (s *Server) register(ctx context.Context, cl *client) {
	s.mu.Lock()
	if old, reconnect := s.clients[cl.jid]; reconnect {
		old.conn.Close()
		s.logger.Infow("closing old connection for reconnecting client", "jid", cl.jid)
	}
	s.clients[cl.jid] = cl
	s.mu.Unlock()

	s.metrics.ClientConnected()
	s.logger.Infow("client connected", "jid", cl.jid)

	// Add before List: a client registering concurrently must see us in
	// its sync if we miss its entry in ours.
	if err := s.registry.Add(ctx, cl.jid, nil); err != nil {
		s.logger.Errorw("registry add failed", "jid", cl.jid, "error", err)
	}

	peers, err := s.registry.List(ctx)
	if err != nil {
		s.logger.Errorw("roster sync failed", "jid", cl.jid, "error", err)
		peers = nil
	}
	for _, peer := range peers {
		if peer.ID == cl.jid {
			continue
		}
		s.enqueue(cl, domain.Envelope{
			FromJID: peer.ID,
			ToJID:   cl.jid,
			Message: domain.OnlinePayload(peer.Capabilities),
		})
	}
}

func (s *Server) unregister(cl *client) {
	// close(cl.send) happens under the full lock; every enqueue holds at
	// least the read lock, so nobody can send on a closed channel.
	s.mu.Lock()
	current, ok := s.clients[cl.jid]
	if ok && current == cl {
		delete(s.clients, cl.jid)
	}
	close(cl.send)
	s.mu.Unlock()

	// A reconnect already replaced us; the roster entry belongs to the new
	// connection then.
	if current != cl {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.registry.Remove(ctx, cl.jid); err != nil {
		s.logger.Errorw("registry remove failed", "jid", cl.jid, "error", err)
	}

	s.broadcastExcept(cl.jid, domain.Envelope{
		FromJID: cl.jid,
		Message: domain.OfflinePayload(),
	})
	s.metrics.PresenceBroadcast()
	s.metrics.ClientDisconnected(time.Since(cl.since))
	s.logger.Infow("client disconnected", "jid", cl.jid)
}

func (s *Server) readLoop(ctx context.Context, cl *client) {
	conn := cl.conn
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan domain.Envelope, 10)
	errorChan := make(chan error, 1)
	readerDone := make(chan struct{})
	defer close(readerDone)

	go func() {
		for {
			var env domain.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
			select {
			case messageChan <- env:
			case <-readerDone:
				return
			}
		}
	}()

	for {
		select {
		case env := <-messageChan:
			s.handleEnvelope(ctx, cl, env)

		case <-pingTicker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.Infow("ping failed", "jid", cl.jid, "error", err)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("read failed", "jid", cl.jid, "error", err)
			}
			return
		}
	}
}

func (s *Server) handleEnvelope(ctx context.Context, cl *client, env domain.Envelope) {
	if cl.limiter != nil && !cl.limiter.Allow() {
		s.metrics.EnvelopeDropped("rate_limited")
		s.logger.Warnw("rate limited", "jid", cl.jid)
		return
	}

	kind := env.Message.Kind()
	switch kind {
	case domain.PayloadCapabilities:
		caps := make([]domain.Capability, 0, len(env.Message.Capabilities))
		for _, c := range env.Message.Capabilities {
			if domain.KnownCapability(c) {
				caps = append(caps, c)
			}
		}
		if err := s.registry.UpdateCapabilities(ctx, cl.jid, caps); err != nil {
			s.logger.Errorw("capability update failed", "jid", cl.jid, "error", err)
			return
		}
		// Presence carries the fresh capability set to everyone else. A
		// repeated announcement re-broadcasts, so late capability changes
		// propagate too.
		s.broadcastExcept(cl.jid, domain.Envelope{
			FromJID: cl.jid,
			Message: domain.OnlinePayload(caps),
		})
		s.metrics.PresenceBroadcast()
		s.logger.Infow("capabilities announced", "jid", cl.jid, "capabilities", caps)

	case domain.PayloadCallOffer, domain.PayloadCallAnswer, domain.PayloadICECandidate:
		if env.ToJID == "" {
			s.metrics.EnvelopeDropped("missing_recipient")
			s.logger.Warnw("directed envelope without recipient", "jid", cl.jid, "kind", kind)
			return
		}
		// Stamp the authenticated sender; whatever the client claimed is
		// discarded.
		env.FromJID = cl.jid

		s.mu.RLock()
		recipient, ok := s.clients[env.ToJID]
		if ok {
			s.enqueue(recipient, env)
		}
		s.mu.RUnlock()
		if !ok {
			s.metrics.EnvelopeDropped("unknown_recipient")
			s.logger.Warnw("dropping envelope for unknown recipient", "from", cl.jid, "to", env.ToJID, "kind", kind)
			return
		}
		s.metrics.EnvelopeForwarded(string(kind))

	case domain.PayloadClientOnline, domain.PayloadClientOffline:
		// Presence is relay-generated; clients cannot inject it.
		s.metrics.EnvelopeDropped("forged_presence")
		s.logger.Warnw("dropping client-sent presence", "jid", cl.jid, "kind", kind)

	default:
		s.metrics.EnvelopeDropped("malformed")
		s.logger.Warnw("dropping malformed envelope", "jid", cl.jid)
	}
}

func (s *Server) broadcastExcept(sender domain.Address, env domain.Envelope) {
	s.mu.RLock()
	for jid, cl := range s.clients {
		if jid == sender {
			continue
		}
		env.ToJID = jid
		s.enqueue(cl, env)
	}
	s.mu.RUnlock()
}

// enqueue hands an envelope to the client's writer without ever blocking
// the caller. Callers hold at least the read lock (or own the client) so
// the channel cannot be closed underneath them.
func (s *Server) enqueue(cl *client, env domain.Envelope) {
	select {
	case cl.send <- env:
	default:
		s.metrics.EnvelopeDropped("slow_client")
		s.logger.Warnw("dropping envelope for slow client", "jid", cl.jid, "kind", env.Message.Kind())
	}
}

func (s *Server) writePump(cl *client) {
	for env := range cl.send {
		cl.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := cl.conn.WriteJSON(env); err != nil {
			s.logger.Infow("write failed", "jid", cl.jid, "error", err)
			cl.conn.Close()
			// Drain so unregister's close does not strand senders.
			for range cl.send {
			}
			return
		}
	}
}

// ConnectedClients reports the number of live connections, for health
// endpoints.
func (s *Server) ConnectedClients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
