package services

import (
	"context"
	"sync"

	"camlink/internal/core/domain"
	"camlink/internal/core/ports"
)

// fakeChannel stands in for the relay connection: tests flip it open or
// closed and inject inbound envelopes directly.
type fakeChannel struct {
	mu        sync.Mutex
	events    ports.ChannelEvents
	sent      []domain.Envelope
	open      bool
	failSends bool

	// forward, when set, delivers every accepted envelope to the linked
	// peer channel, emulating the relay's per-sender ordered forwarding.
	forward func(env domain.Envelope)
}

func newFakeChannel(events ports.ChannelEvents) *fakeChannel {
	return &fakeChannel{events: events, open: true}
}

func (c *fakeChannel) Start(ctx context.Context) error { return nil }

func (c *fakeChannel) Send(env domain.Envelope) error {
	c.mu.Lock()
	if !c.open || c.failSends {
		c.mu.Unlock()
		return domain.ErrChannelNotOpen
	}
	c.sent = append(c.sent, env)
	forward := c.forward
	c.mu.Unlock()

	if forward != nil {
		forward(env)
	}
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	return nil
}

// setSendFailing emulates the window where the connection already dropped
// but the close event has not been observed yet: sends fail, no Closed
// fires.
func (c *fakeChannel) setSendFailing(failing bool) {
	c.mu.Lock()
	c.failSends = failing
	c.mu.Unlock()
}

func (c *fakeChannel) setOpen(open bool) {
	c.mu.Lock()
	c.open = open
	c.mu.Unlock()
	if open {
		c.events.Open()
	} else {
		c.events.Closed(domain.ErrChannelNotOpen)
	}
}

// deliver injects an inbound envelope as if the relay had forwarded it.
func (c *fakeChannel) deliver(env domain.Envelope) {
	c.events.Message(env)
}

func (c *fakeChannel) sentEnvelopes() []domain.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Envelope, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeChannel) sentOfKind(kind domain.PayloadKind) []domain.Envelope {
	var out []domain.Envelope
	for _, env := range c.sentEnvelopes() {
		if env.Message.Kind() == kind {
			out = append(out, env)
		}
	}
	return out
}

// linkChannels wires two fake channels together so every envelope one side
// sends arrives at the other with the sender's address stamped, the way the
// relay forwards directed traffic.
func linkChannels(a, b *fakeChannel, aJID, bJID domain.Address) {
	a.forward = func(env domain.Envelope) {
		env.FromJID = aJID
		b.deliver(env)
	}
	b.forward = func(env domain.Envelope) {
		env.FromJID = bJID
		a.deliver(env)
	}
}
