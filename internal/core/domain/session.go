package domain

// Role says which side of the offer/answer exchange this endpoint took when
// the session was created.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// SessionState is the negotiation state machine position. Caller sessions
// move Requesting -> OfferSent -> Connected; callee sessions move
// OfferReceived -> Answering -> Connected. Closing leads to one of the two
// absorbing terminal states.
type SessionState string

const (
	StateRequesting    SessionState = "requesting"
	StateOfferSent     SessionState = "offer_sent"
	StateOfferReceived SessionState = "offer_received"
	StateAnswering     SessionState = "answering"
	StateConnected     SessionState = "connected"
	StateClosing       SessionState = "closing"
	StateClosed        SessionState = "closed"
	StateFailed        SessionState = "failed"
)

// Terminal reports whether the state is absorbing.
func (s SessionState) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// SessionSnapshot is the observable view of one negotiation attempt, as
// published on the session stream. Observers never see live session state.
type SessionSnapshot struct {
	Remote    Address
	Role      Role
	State     SessionState
	AttemptID string
}

// TransportState is the connectivity state reported by the media-transport
// capability. Values mirror the transport's own connection lifecycle; the
// negotiator only acts on TransportFailed.
type TransportState string

const (
	TransportNew          TransportState = "new"
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportDisconnected TransportState = "disconnected"
	TransportFailed       TransportState = "failed"
	TransportClosed       TransportState = "closed"
)
