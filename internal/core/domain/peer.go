package domain

// Capability is a declared ability of a peer. The set is closed: a peer
// either produces or consumes audio/video.
type Capability string

const (
	CapProduceAudio Capability = "produce:audio"
	CapProduceVideo Capability = "produce:video"
	CapConsumeAudio Capability = "consume:audio"
	CapConsumeVideo Capability = "consume:video"
)

// KnownCapability reports whether c belongs to the closed capability set.
func KnownCapability(c Capability) bool {
	switch c {
	case CapProduceAudio, CapProduceVideo, CapConsumeAudio, CapConsumeVideo:
		return true
	}
	return false
}

type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
)

// Peer is a roster entry: a currently reachable remote client and what it
// advertised it can do.
type Peer struct {
	ID           Address
	Capabilities []Capability
	Presence     Presence
}

// HasCapability reports whether the peer advertised c.
func (p *Peer) HasCapability(c Capability) bool {
	for _, have := range p.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}
