package webrtc

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

const keyframeInterval = 3 * time.Second

// SampleSource is the camera-side media feed. One source is shared across
// every peer connection the factory creates, so each connected viewer gets
// the same stream without re-encoding.
type SampleSource struct {
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	mu         sync.Mutex
	onKeyframe func()
}

// NewSampleSource creates local tracks for the directions the profile
// produces. Video is VP8, audio is Opus.
func NewSampleSource(profile MediaProfile, streamID string) (*SampleSource, error) {
	s := &SampleSource{}
	var err error

	if profile.ProduceAudio {
		s.audio, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio",
			streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("create audio track: %w", err)
		}
	}
	if profile.ProduceVideo {
		s.video, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video",
			streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("create video track: %w", err)
		}
	}
	return s, nil
}

func (s *SampleSource) AudioTrack() *webrtc.TrackLocalStaticSample { return s.audio }
func (s *SampleSource) VideoTrack() *webrtc.TrackLocalStaticSample { return s.video }

// WriteVideo feeds one encoded video frame to every bound connection.
func (s *SampleSource) WriteVideo(data []byte, duration time.Duration) error {
	if s.video == nil {
		return fmt.Errorf("source has no video track")
	}
	return s.video.WriteSample(media.Sample{Data: data, Duration: duration})
}

// WriteAudio feeds one encoded audio frame to every bound connection.
func (s *SampleSource) WriteAudio(data []byte, duration time.Duration) error {
	if s.audio == nil {
		return fmt.Errorf("source has no audio track")
	}
	return s.audio.WriteSample(media.Sample{Data: data, Duration: duration})
}

// OnKeyframeRequest registers the hook invoked when any viewer asks for a
// keyframe. The capture side should force its encoder to emit one.
func (s *SampleSource) OnKeyframeRequest(fn func()) {
	s.mu.Lock()
	s.onKeyframe = fn
	s.mu.Unlock()
}

func (s *SampleSource) requestKeyframe() {
	s.mu.Lock()
	fn := s.onKeyframe
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// consumeRemoteTrack drains an incoming track, parsing the RTP stream so
// sequence gaps show up in the logs when the track ends.
func (t *Transport) consumeRemoteTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500) // MTU size
	pkt := &rtp.Packet{}

	var packets, bytes uint64
	var lost uint64
	var lastSeq uint16
	haveSeq := false

	for {
		n, _, err := track.Read(buf)
		if err != nil {
			break
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			t.logger.Warnw("dropping unparseable RTP packet",
				"remote", t.remote,
				"track_id", track.ID(),
				"error", err,
			)
			continue
		}

		if haveSeq && pkt.SequenceNumber != lastSeq+1 {
			lost += uint64(pkt.SequenceNumber - lastSeq - 1)
		}
		lastSeq = pkt.SequenceNumber
		haveSeq = true
		packets++
		bytes += uint64(n)
	}

	t.logger.Infow("remote track ended",
		"remote", t.remote,
		"track_id", track.ID(),
		"packets", packets,
		"bytes", bytes,
		"lost", lost,
	)
}

// requestKeyframes periodically asks the sender for a fresh keyframe so a
// viewer that joins mid-stream gets a decodable picture quickly.
func (t *Transport) requestKeyframes(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(keyframeInterval)
	defer ticker.Stop()

	for range ticker.C {
		err := t.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		})
		if err != nil {
			return
		}
	}
}

// drainReceiverRTCP keeps the receiver's RTCP interceptor chain running.
func (t *Transport) drainReceiverRTCP(receiver *webrtc.RTPReceiver) {
	for {
		if _, _, err := receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

// watchSenderRTCP reads feedback from a viewer and relays picture loss
// indications to the sample source.
func (t *Transport) watchSenderRTCP(sender *webrtc.RTPSender, source *SampleSource) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				t.logger.Debugw("sender RTCP read ended",
					"remote", t.remote,
					"error", err,
				)
			}
			return
		}

		for _, pkt := range packets {
			switch p := pkt.(type) {
			case *rtcp.PictureLossIndication:
				source.requestKeyframe()
			case *rtcp.TransportLayerNack:
				t.logger.Debugw("viewer reported packet loss",
					"remote", t.remote,
					"nacks", len(p.Nacks),
				)
			}
		}
	}
}
