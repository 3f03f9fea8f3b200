package webrtc

import (
	"context"
	"fmt"
	"sync"

	"camlink/internal/core/domain"
	"camlink/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config holds the transport-level WebRTC settings shared by every session.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// MediaProfile describes which directions a peer participates in. It is
// derived from the capabilities the peer announces to the relay so that the
// SDP this factory produces matches what the peer advertised.
type MediaProfile struct {
	ProduceAudio bool
	ProduceVideo bool
	ConsumeAudio bool
	ConsumeVideo bool
}

// ProfileFromCapabilities maps announced capabilities onto a media profile.
func ProfileFromCapabilities(caps []domain.Capability) MediaProfile {
	var p MediaProfile
	for _, c := range caps {
		switch c {
		case domain.CapProduceAudio:
			p.ProduceAudio = true
		case domain.CapProduceVideo:
			p.ProduceVideo = true
		case domain.CapConsumeAudio:
			p.ConsumeAudio = true
		case domain.CapConsumeVideo:
			p.ConsumeVideo = true
		}
	}
	return p
}

// Factory builds one peer connection per session attempt. A camera-side
// factory carries a shared SampleSource whose tracks are attached to every
// connection it creates, so several viewers can watch the same feed.
type Factory struct {
	api     *webrtc.API
	cfg     Config
	profile MediaProfile
	source  *SampleSource
	logger  *zap.SugaredLogger
}

// NewFactory creates a transport factory. source may be nil for peers that
// only consume media.
func NewFactory(cfg Config, profile MediaProfile, source *SampleSource, logger *zap.SugaredLogger) (*Factory, error) {
	if (profile.ProduceAudio || profile.ProduceVideo) && source == nil {
		return nil, fmt.Errorf("producing profile requires a sample source")
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("set udp port range: %w", err)
		}
	}

	return &Factory{
		api:     webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		cfg:     cfg,
		profile: profile,
		source:  source,
		logger:  logger,
	}, nil
}

// NewTransport implements ports.TransportFactory.
func (f *Factory) NewTransport(remote domain.Address, events ports.TransportEvents) (ports.MediaTransport, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   f.cfg.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	t := &Transport{
		pc:     pc,
		remote: remote,
		logger: f.logger,
	}

	if err := f.attachMedia(t); err != nil {
		pc.Close()
		return nil, err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || events.LocalCandidate == nil {
			return
		}
		events.LocalCandidate(toDomainCandidate(c.ToJSON()))
	})

	pc.OnNegotiationNeeded(func() {
		if events.NegotiationNeeded != nil {
			events.NegotiationNeeded()
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		f.logger.Infow("transport connectivity changed",
			"remote", remote,
			"state", s.String(),
		)
		if events.ConnectivityChange != nil {
			events.ConnectivityChange(toTransportState(s))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		label := fmt.Sprintf("%s/%s", track.Kind(), track.ID())
		f.logger.Infow("remote track started",
			"remote", remote,
			"track_id", track.ID(),
			"codec", track.Codec().MimeType,
		)
		go t.consumeRemoteTrack(track)
		go t.drainReceiverRTCP(receiver)
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go t.requestKeyframes(track)
		}
		if events.RemoteTrack != nil {
			events.RemoteTrack(label)
		}
	})

	return t, nil
}

// attachMedia adds the outgoing tracks and receive-only transceivers the
// profile calls for, so the first offer already carries the right m-lines.
func (f *Factory) attachMedia(t *Transport) error {
	if f.profile.ProduceAudio {
		sender, err := t.pc.AddTrack(f.source.AudioTrack())
		if err != nil {
			return fmt.Errorf("add audio track: %w", err)
		}
		go t.watchSenderRTCP(sender, f.source)
	}
	if f.profile.ProduceVideo {
		sender, err := t.pc.AddTrack(f.source.VideoTrack())
		if err != nil {
			return fmt.Errorf("add video track: %w", err)
		}
		go t.watchSenderRTCP(sender, f.source)
	}

	recvOnly := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
	if f.profile.ConsumeAudio && !f.profile.ProduceAudio {
		if _, err := t.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, recvOnly); err != nil {
			return fmt.Errorf("add audio transceiver: %w", err)
		}
	}
	if f.profile.ConsumeVideo && !f.profile.ProduceVideo {
		if _, err := t.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, recvOnly); err != nil {
			return fmt.Errorf("add video transceiver: %w", err)
		}
	}
	return nil
}

// Transport is a pion-backed media transport for one session.
type Transport struct {
	pc     *webrtc.PeerConnection
	remote domain.Address
	logger *zap.SugaredLogger

	mu     sync.Mutex
	closed bool
}

// CreateOffer creates and applies a local offer. Candidates trickle through
// the LocalCandidate callback afterwards.
func (t *Transport) CreateOffer(ctx context.Context, iceRestart bool) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}

	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}

	offer, err := t.pc.CreateOffer(opts)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("apply local offer: %w", err)
	}
	return domain.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// CreateAnswer creates and applies a local answer to the current remote offer.
func (t *Transport) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("apply local answer: %w", err)
	}
	return domain.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (t *Transport) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	})
}

// Rollback discards the pending local offer so a remote offer can be
// applied. In the stable state nothing is pending (a restart offer may
// still be in flight when glare resolution asks for this), so there is
// nothing to discard.
func (t *Transport) Rollback() error {
	if t.pc.SignalingState() == webrtc.SignalingStateStable {
		return nil
	}
	return t.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (t *Transport) AddCandidate(cand domain.ICECandidate) error {
	return t.pc.AddICECandidate(fromDomainCandidate(cand))
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.pc.Close()
}

func toDomainCandidate(init webrtc.ICECandidateInit) domain.ICECandidate {
	cand := domain.ICECandidate{Candidate: init.Candidate}
	if init.SDPMLineIndex != nil {
		cand.SDPMLineIndex = *init.SDPMLineIndex
	}
	if init.SDPMid != nil {
		cand.SDPMid = *init.SDPMid
	}
	return cand
}

func fromDomainCandidate(cand domain.ICECandidate) webrtc.ICECandidateInit {
	mlineIndex := cand.SDPMLineIndex
	init := webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMLineIndex: &mlineIndex,
	}
	if cand.SDPMid != "" {
		mid := cand.SDPMid
		init.SDPMid = &mid
	}
	return init
}

func toTransportState(s webrtc.PeerConnectionState) domain.TransportState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return domain.TransportNew
	case webrtc.PeerConnectionStateConnecting:
		return domain.TransportConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.TransportFailed
	default:
		return domain.TransportClosed
	}
}
