package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"camlink/internal/core/domain"
	"camlink/internal/core/ports"
	"camlink/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ChannelConfig configures the client side of the relay connection.
type ChannelConfig struct {
	URL          string
	JID          domain.Address
	Token        string
	Capabilities []domain.Capability

	Backoff      retry.Config
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration

	Logger *zap.SugaredLogger
}

// NewChannelFactory returns a factory producing relay channels with the
// given configuration. The session manager creates one channel per run.
func NewChannelFactory(cfg ChannelConfig) ports.ChannelFactory {
	if cfg.Backoff.InitialDelay == 0 {
		cfg.Backoff = retry.Config{
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		}
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout == 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return func(events ports.ChannelEvents) ports.SignalChannel {
		return &Channel{cfg: cfg, events: events}
	}
}

// Channel maintains one logical websocket connection to the relay,
// reconnecting with exponential backoff whenever it drops. Capabilities are
// re-announced on every successful (re)connect because the relay forgets
// them with the connection.
type Channel struct {
	cfg    ChannelConfig
	events ports.ChannelEvents

	mu         sync.Mutex
	conn       *websocket.Conn
	everOpened bool
	closed     bool
	queued     []domain.Envelope

	cancel context.CancelFunc
	done   chan struct{}
}

// Start launches the connect loop. It returns immediately; connectivity is
// reported through the channel events.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrChannelClosed
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := c.dial(ctx)
		if err != nil {
			delay := retry.Delay(c.cfg.Backoff, attempt)
			attempt++
			c.cfg.Logger.Warnw("relay dial failed", "url", c.cfg.URL, "attempt", attempt, "retry_in", delay, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0

		c.opened(conn)
		err = c.serve(ctx, conn)
		c.dropConn(conn)
		if ctx.Err() != nil {
			return
		}
		c.cfg.Logger.Warnw("relay connection lost", "error", err)
		c.events.Closed(err)
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// opened installs the fresh connection, announces our capabilities, flushes
// anything queued before the first connect and only then reports Open, so
// observers always see an announced channel.
func (c *Channel) opened(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.everOpened = true
	queued := c.queued
	c.queued = nil
	c.mu.Unlock()

	c.cfg.Logger.Infow("relay connected", "url", c.cfg.URL, "jid", c.cfg.JID)

	announce := domain.Envelope{
		FromJID: c.cfg.JID,
		Message: domain.CapabilitiesPayload(c.cfg.Capabilities),
	}
	if err := c.Send(announce); err != nil {
		c.cfg.Logger.Warnw("capability announcement failed", "error", err)
	}
	for _, env := range queued {
		if err := c.Send(env); err != nil {
			c.cfg.Logger.Warnw("flushing queued envelope failed", "kind", env.Message.Kind(), "error", err)
		}
	}

	c.events.Open()
}

// serve pumps inbound envelopes and keepalive pings until the connection
// dies or ctx is cancelled.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		return nil
	})

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
			conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
			select {
			case messageChan <- env:
			case <-readerDone:
				return
			}
		}
	}()

	pingTicker := time.NewTicker(c.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case env := <-messageChan:
			c.events.Message(env)

		case <-pingTicker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return err
			}

		case err := <-errorChan:
			return err

		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteTimeout))
			return ctx.Err()
		}
	}
}

func (c *Channel) dropConn(conn *websocket.Conn) {
	conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

// Send writes one envelope to the relay. Before the first connect attempts
// succeed envelopes are queued; after that a down connection is an error and
// the caller owns any retrying.
func (c *Channel) Send(env domain.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return domain.ErrChannelClosed
	}
	if c.conn == nil {
		if !c.everOpened {
			c.queued = append(c.queued, env)
			return nil
		}
		return domain.ErrChannelNotOpen
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteJSON(env)
}

// Close stops the reconnect loop and tears down any live connection.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
	return nil
}
