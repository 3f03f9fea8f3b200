package domain

import (
	"encoding/json"
	"fmt"
)

// SessionDescription is the opaque SDP blob exchanged as offer/answer. The
// signaling core never inspects the SDP text.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is one connectivity path proposal.
type ICECandidate struct {
	Candidate     string `json:"candidate"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
	SDPMid        string `json:"sdpMid,omitempty"`
}

// Envelope is the unit of relay traffic. ToJID is empty on relay-originated
// broadcasts (presence events).
type Envelope struct {
	FromJID Address `json:"from_jid"`
	ToJID   Address `json:"to_jid"`
	Message Payload `json:"message"`
}

type PayloadKind string

const (
	PayloadCapabilities  PayloadKind = "capabilities"
	PayloadCallOffer     PayloadKind = "calloffer"
	PayloadCallAnswer    PayloadKind = "callanswer"
	PayloadICECandidate  PayloadKind = "newicecandidate"
	PayloadClientOnline  PayloadKind = "clientonline"
	PayloadClientOffline PayloadKind = "clientoffline"
)

// OnlineAnnouncement is the body of a clientonline broadcast.
type OnlineAnnouncement struct {
	Capabilities []Capability `json:"capabilities"`
}

// Payload is the tagged union carried by an Envelope. Exactly one branch is
// set; Kind reports which. On the wire each branch serializes under its
// lowercase tag, except clientoffline which is the bare string
// "clientoffline".
type Payload struct {
	Capabilities []Capability
	Offer        *SessionDescription
	Answer       *SessionDescription
	Candidate    *ICECandidate
	Online       *OnlineAnnouncement
	Offline      bool
}

func CapabilitiesPayload(caps []Capability) Payload {
	if caps == nil {
		caps = []Capability{}
	}
	return Payload{Capabilities: caps}
}

func OfferPayload(desc SessionDescription) Payload {
	return Payload{Offer: &desc}
}

func AnswerPayload(desc SessionDescription) Payload {
	return Payload{Answer: &desc}
}

func CandidatePayload(c ICECandidate) Payload {
	return Payload{Candidate: &c}
}

func OnlinePayload(caps []Capability) Payload {
	if caps == nil {
		caps = []Capability{}
	}
	return Payload{Online: &OnlineAnnouncement{Capabilities: caps}}
}

func OfflinePayload() Payload {
	return Payload{Offline: true}
}

// Kind returns the payload tag, or "" for a zero Payload.
func (p Payload) Kind() PayloadKind {
	switch {
	case p.Offline:
		return PayloadClientOffline
	case p.Online != nil:
		return PayloadClientOnline
	case p.Offer != nil:
		return PayloadCallOffer
	case p.Answer != nil:
		return PayloadCallAnswer
	case p.Candidate != nil:
		return PayloadICECandidate
	case p.Capabilities != nil:
		return PayloadCapabilities
	}
	return ""
}

type descriptionBody struct {
	SDP SessionDescription `json:"sdp"`
}

type candidateBody struct {
	ICE ICECandidate `json:"ice"`
}

type payloadWire struct {
	Capabilities []Capability        `json:"capabilities,omitempty"`
	CallOffer    *descriptionBody    `json:"calloffer,omitempty"`
	CallAnswer   *descriptionBody    `json:"callanswer,omitempty"`
	NewICE       *candidateBody      `json:"newicecandidate,omitempty"`
	ClientOnline *OnlineAnnouncement `json:"clientonline,omitempty"`
}

func (p Payload) MarshalJSON() ([]byte, error) {
	switch p.Kind() {
	case PayloadClientOffline:
		return json.Marshal(string(PayloadClientOffline))
	case PayloadClientOnline:
		return json.Marshal(payloadWire{ClientOnline: p.Online})
	case PayloadCallOffer:
		return json.Marshal(payloadWire{CallOffer: &descriptionBody{SDP: *p.Offer}})
	case PayloadCallAnswer:
		return json.Marshal(payloadWire{CallAnswer: &descriptionBody{SDP: *p.Answer}})
	case PayloadICECandidate:
		return json.Marshal(payloadWire{NewICE: &candidateBody{ICE: *p.Candidate}})
	case PayloadCapabilities:
		// Not via payloadWire: omitempty would drop an empty announcement.
		return json.Marshal(struct {
			Capabilities []Capability `json:"capabilities"`
		}{p.Capabilities})
	}
	return nil, ErrUnknownPayload
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	// The clientoffline unit variant arrives as a bare string.
	if len(data) > 0 && data[0] == '"' {
		var tag string
		if err := json.Unmarshal(data, &tag); err != nil {
			return err
		}
		if tag != string(PayloadClientOffline) {
			return fmt.Errorf("%w: %q", ErrUnknownPayload, tag)
		}
		*p = OfflinePayload()
		return nil
	}

	var wire payloadWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	switch {
	case wire.ClientOnline != nil:
		*p = Payload{Online: wire.ClientOnline}
	case wire.CallOffer != nil:
		*p = Payload{Offer: &wire.CallOffer.SDP}
	case wire.CallAnswer != nil:
		*p = Payload{Answer: &wire.CallAnswer.SDP}
	case wire.NewICE != nil:
		*p = Payload{Candidate: &wire.NewICE.ICE}
	case wire.Capabilities != nil:
		*p = Payload{Capabilities: wire.Capabilities}
	default:
		return ErrUnknownPayload
	}
	return nil
}
