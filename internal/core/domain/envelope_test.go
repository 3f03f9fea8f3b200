package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeOfferRoundTrip(t *testing.T) {
	env := Envelope{
		FromJID: "bob@home.loc/viewer",
		ToJID:   "cam001@studio.loc/device",
		Message: OfferPayload(SessionDescription{Type: "offer", SDP: "v=0..."}),
	}

	data, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"from_jid": "bob@home.loc/viewer",
		"to_jid": "cam001@studio.loc/device",
		"message": {"calloffer": {"sdp": {"type": "offer", "sdp": "v=0..."}}}
	}`, string(data))

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, env, decoded)
	assert.Equal(t, PayloadCallOffer, decoded.Message.Kind())
}

func TestEnvelopeCandidateWireShape(t *testing.T) {
	env := Envelope{
		FromJID: "cam001@studio.loc/device",
		ToJID:   "bob@home.loc/viewer",
		Message: CandidatePayload(ICECandidate{
			Candidate:     "candidate:1 1 UDP 2122252543 192.168.1.10 49203 typ host",
			SDPMLineIndex: 1,
			SDPMid:        "video",
		}),
	}

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))

	var msg map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw["message"], &msg))
	require.Contains(t, msg, "newicecandidate")

	var body candidateBody
	require.NoError(t, json.Unmarshal(msg["newicecandidate"], &body))
	assert.Equal(t, uint16(1), body.ICE.SDPMLineIndex)
	assert.Equal(t, "video", body.ICE.SDPMid)
}

func TestClientOfflineIsBareString(t *testing.T) {
	data, err := json.Marshal(OfflinePayload())
	require.NoError(t, err)
	assert.Equal(t, `"clientoffline"`, string(data))

	var p Payload
	require.NoError(t, json.Unmarshal([]byte(`"clientoffline"`), &p))
	assert.True(t, p.Offline)
	assert.Equal(t, PayloadClientOffline, p.Kind())
}

func TestClientOnlineCarriesCapabilities(t *testing.T) {
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(`{
		"from_jid": "cam001@studio.loc/device",
		"to_jid": "",
		"message": {"clientonline": {"capabilities": ["produce:video", "produce:audio"]}}
	}`), &env))

	require.Equal(t, PayloadClientOnline, env.Message.Kind())
	assert.Equal(t, []Capability{CapProduceVideo, CapProduceAudio}, env.Message.Online.Capabilities)
	assert.Empty(t, env.ToJID)
}

func TestCapabilitiesPayload(t *testing.T) {
	data, err := json.Marshal(CapabilitiesPayload([]Capability{CapConsumeVideo}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"capabilities": ["consume:video"]}`, string(data))

	// Empty capability announcements still serialize as an array.
	data, err = json.Marshal(CapabilitiesPayload(nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"capabilities": []}`, string(data))
}

func TestUnknownPayloadRejected(t *testing.T) {
	var p Payload
	err := json.Unmarshal([]byte(`{"chat": "hello"}`), &p)
	assert.ErrorIs(t, err, ErrUnknownPayload)

	err = json.Unmarshal([]byte(`"clientgone"`), &p)
	assert.ErrorIs(t, err, ErrUnknownPayload)

	_, err = json.Marshal(Payload{})
	assert.Error(t, err)
}

func TestAddressBareAndResource(t *testing.T) {
	addr := Address("cam001@studio.loc/device")
	assert.Equal(t, "cam001@studio.loc", addr.Bare())
	assert.Equal(t, "device", addr.Resource())

	bare := Address("bob@home.loc")
	assert.Equal(t, "bob@home.loc", bare.Bare())
	assert.Empty(t, bare.Resource())
}
