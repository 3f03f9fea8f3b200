package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"camlink/internal/core/domain"
	"camlink/internal/core/services"
	signalinfra "camlink/internal/infrastructure/signal"
	webrtcinfra "camlink/internal/infrastructure/webrtc"
	"camlink/pkg/config"
	"camlink/pkg/logger"
	"camlink/pkg/retry"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"go.uber.org/zap"
)

func main() {
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/camlink/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	jid := domain.Address(cfg.Agent.JID)
	caps := announcedCapabilities(cfg.Agent.Capabilities)
	if len(caps) == 0 {
		log.Fatalw("agent.capabilities must name at least one known capability")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	token, err := fetchToken(ctx, cfg.Agent.RelayURL, jid, log)
	if err != nil {
		log.Fatalw("failed to obtain relay token", "error", err)
	}

	profile := webrtcinfra.ProfileFromCapabilities(caps)
	var source *webrtcinfra.SampleSource
	if profile.ProduceAudio || profile.ProduceVideo {
		source, err = webrtcinfra.NewSampleSource(profile, jid.Bare())
		if err != nil {
			log.Fatalw("failed to create media source", "error", err)
		}
	}

	transportFactory, err := webrtcinfra.NewFactory(transportConfig(cfg), profile, source, log)
	if err != nil {
		log.Fatalw("failed to create transport factory", "error", err)
	}

	channelFactory := signalinfra.NewChannelFactory(signalinfra.ChannelConfig{
		URL:          cfg.Agent.RelayURL,
		JID:          jid,
		Token:        token,
		Capabilities: caps,
		PingInterval: cfg.Relay.PingInterval,
		PongTimeout:  cfg.Relay.PongTimeout,
		WriteTimeout: cfg.Relay.WriteTimeout,
		Logger:       log,
	})

	manager := services.NewManager(services.ManagerConfig{
		LocalJID:     jid,
		Capabilities: caps,
		EventBuffer:  cfg.Agent.EventBuffer,
	}, channelFactory, transportFactory, log)

	if err := manager.Start(ctx); err != nil {
		log.Fatalw("failed to start session manager", "error", err)
	}

	if source != nil && profile.ProduceVideo {
		if cfg.Agent.MediaFile == "" {
			log.Warn("no agent.media_file configured, video track will stay silent")
		} else {
			go feedVideo(ctx, source, cfg.Agent.MediaFile, log)
		}
	}

	go watchSessions(ctx, manager, log)
	go watchRosterAndDial(ctx, manager, callTargets(cfg.Agent.Call), log)

	log.Infow("agent running", "jid", jid, "relay", cfg.Agent.RelayURL, "capabilities", caps)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Infow("received shutdown signal", "signal", sig)

	cancel()
	manager.Stop()
	log.Info("agent stopped")
}

func announcedCapabilities(names []string) []domain.Capability {
	caps := make([]domain.Capability, 0, len(names))
	for _, name := range names {
		c := domain.Capability(name)
		if domain.KnownCapability(c) {
			caps = append(caps, c)
		}
	}
	return caps
}

func transportConfig(cfg *config.Config) webrtcinfra.Config {
	var tc webrtcinfra.Config
	for _, s := range cfg.WebRTC.ICEServers {
		tc.ICEServers = append(tc.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(tc.ICEServers) == 0 {
		tc.ICEServers = []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		}
	}
	tc.PortRange.Min = cfg.WebRTC.PortRange.Min
	tc.PortRange.Max = cfg.WebRTC.PortRange.Max
	return tc
}

// fetchToken trades the agent JID for a bearer token at the relay's auth
// endpoint, retrying while the relay comes up.
func fetchToken(ctx context.Context, relayURL string, jid domain.Address, log *zap.SugaredLogger) (string, error) {
	authURL, err := authEndpoint(relayURL)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(map[string]string{"jid": string(jid)})
	if err != nil {
		return "", err
	}

	var token string
	err = retry.Do(ctx, retry.DefaultConfig(), func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, authURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			log.Warnw("relay auth unreachable, retrying", "url", authURL, "error", err)
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("auth rejected with status %d", resp.StatusCode)
		}

		var out struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return err
		}
		token = out.Token
		return nil
	})
	return token, err
}

func authEndpoint(relayURL string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = "/api/v1/auth"
	u.RawQuery = ""
	return u.String(), nil
}

// feedVideo loops a VP8 IVF file into the shared video track. A keyframe
// request rewinds to the start of the file, whose first frame is a keyframe.
func feedVideo(ctx context.Context, source *webrtcinfra.SampleSource, path string, log *zap.SugaredLogger) {
	rewind := make(chan struct{}, 1)
	source.OnKeyframeRequest(func() {
		select {
		case rewind <- struct{}{}:
		default:
		}
	})

	for ctx.Err() == nil {
		if err := playIVF(ctx, source, path, rewind); err != nil {
			log.Errorw("video feed failed", "file", path, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
		}
	}
}

func playIVF(ctx context.Context, source *webrtcinfra.SampleSource, path string, rewind <-chan struct{}) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	ivf, header, err := ivfreader.NewWith(file)
	if err != nil {
		return err
	}

	frameDuration := time.Millisecond *
		time.Duration(float64(header.TimebaseNumerator)/float64(header.TimebaseDenominator)*1000)
	if frameDuration <= 0 {
		frameDuration = 33 * time.Millisecond
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-rewind:
			return nil // caller reopens the file, restarting at a keyframe
		case <-ticker.C:
		}

		frame, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return nil // loop the file
		}
		if err != nil {
			return err
		}
		if err := source.WriteVideo(frame, frameDuration); err != nil {
			return err
		}
	}
}

func watchSessions(ctx context.Context, manager *services.Manager, log *zap.SugaredLogger) {
	for snapshot := range manager.ObserveSessions(ctx) {
		for _, s := range snapshot {
			log.Infow("session state",
				"remote", s.Remote,
				"role", s.Role,
				"state", s.State,
			)
		}
	}
}

// watchRosterAndDial calls each configured target as soon as it shows up in
// the roster, and again after it goes away and comes back.
func watchRosterAndDial(ctx context.Context, manager *services.Manager, targets map[string]bool, log *zap.SugaredLogger) {
	if len(targets) == 0 {
		return
	}

	dialed := make(map[domain.Address]bool)
	for roster := range manager.ObserveRoster(ctx) {
		online := make(map[domain.Address]bool, len(roster))
		for _, peer := range roster {
			online[peer.ID] = true
			if !targets[string(peer.ID)] && !targets[peer.ID.Bare()] {
				continue
			}
			if dialed[peer.ID] {
				continue
			}
			err := manager.RequestCall(peer.ID)
			switch {
			case err == nil:
				log.Infow("dialing camera", "remote", peer.ID)
				dialed[peer.ID] = true
			case errors.Is(err, domain.ErrAlreadyConnecting), errors.Is(err, domain.ErrAlreadyConnected):
				dialed[peer.ID] = true
			default:
				log.Warnw("call attempt failed", "remote", peer.ID, "error", err)
			}
		}
		for remote := range dialed {
			if !online[remote] {
				delete(dialed, remote)
			}
		}
	}
}

func callTargets(jids []string) map[string]bool {
	targets := make(map[string]bool, len(jids))
	for _, jid := range jids {
		targets[jid] = true
	}
	return targets
}
