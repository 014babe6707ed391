// Package publisher implements the capture-and-publish session: acquire
// local media, provision a gateway session, drive the WHIP exchange and
// monitor the live connection.
package publisher

import (
	"context"
	"fmt"
	"sync"
	"time"

	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"streamkit/internal/config"
	"streamkit/internal/control"
	"streamkit/internal/domain"
	"streamkit/internal/monitoring"
	"streamkit/internal/transport"
	"streamkit/internal/webrtc"
)

const statsInterval = time.Second

// metricsDirection labels publisher metrics.
const metricsDirection = "publish"

// Deps are the publisher's collaborators. Zero-value fields get working
// defaults, except Media which the caller must supply.
type Deps struct {
	Control   *control.Client
	Transport *transport.Client
	Peers     domain.PeerFactory
	Media     domain.MediaSource
	Handler   domain.SessionHandler
	Metrics   *monitoring.Collector
	Logger    *zap.Logger
}

// Session is the publisher state machine. One Session publishes at most
// one stream at a time; starts are rejected while a session is active.
type Session struct {
	gateway   *config.Gateway
	control   *control.Client
	transport *transport.Client
	peers     domain.PeerFactory
	media     domain.MediaSource
	handler   domain.SessionHandler
	metrics   *monitoring.Collector
	logger    *zap.Logger

	mu         sync.Mutex
	state      domain.ConnectionState
	peer       domain.Peer
	descriptor *domain.SessionDescriptor
	stopStats  chan struct{}
}

// New creates a publisher session against the given gateway.
func New(gateway *config.Gateway, deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Control == nil {
		deps.Control = control.NewClient(deps.Logger)
	}
	if deps.Transport == nil {
		deps.Transport = transport.NewClient(deps.Logger)
	}
	if deps.Peers == nil {
		deps.Peers = webrtc.NewFactory(deps.Logger)
	}
	if deps.Handler == nil {
		deps.Handler = nopHandler{}
	}

	return &Session{
		gateway:   gateway,
		control:   deps.Control,
		transport: deps.Transport,
		peers:     deps.Peers,
		media:     deps.Media,
		handler:   deps.Handler,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		state:     domain.StateDisconnected,
	}
}

// State returns the current connection state.
func (s *Session) State() domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Descriptor returns the active session descriptor, or nil.
func (s *Session) Descriptor() *domain.SessionDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.descriptor
}

// Start acquires media, provisions a session on the gateway, performs the
// WHIP exchange and begins stats monitoring. It returns the descriptor of
// the provisioned session. A second Start without an intervening Stop or
// failure is rejected.
func (s *Session) Start(ctx context.Context, opts domain.StreamStartOptions) (*domain.SessionDescriptor, error) {
	s.mu.Lock()
	if s.state == domain.StateConnecting || s.state == domain.StateConnected {
		s.mu.Unlock()
		return nil, domain.ErrSessionActive
	}
	s.state = domain.StateConnecting
	s.mu.Unlock()
	s.handler.OnStateChange(domain.StateConnecting)

	if !opts.Capture.Audio && !opts.Capture.Video {
		opts.Capture.Video = true
	}
	if opts.Pipeline == "" {
		opts.Pipeline = s.gateway.DefaultPipeline()
	}

	desc, err := s.connect(ctx, opts)
	if err != nil {
		return nil, s.failStart(err)
	}
	return desc, nil
}

func (s *Session) connect(ctx context.Context, opts domain.StreamStartOptions) (*domain.SessionDescriptor, error) {
	if s.media == nil {
		return nil, domain.NewError(domain.KindMedia, "no media source configured")
	}
	if err := s.media.Acquire(ctx, opts.Capture); err != nil {
		return nil, err
	}

	peer, err := s.peers.NewPeer(s.gateway.ICEServers())
	if err != nil {
		return nil, domain.WrapError(domain.KindConnection, "build peer connection", err)
	}
	s.mu.Lock()
	s.peer = peer
	s.mu.Unlock()

	peer.SetOnConnectionStateChange(func(state pion.PeerConnectionState) {
		s.logger.Debug("peer connection state", zap.String("state", state.String()))
		if state == pion.PeerConnectionStateFailed {
			s.onTransportFailure()
		}
	})

	for _, track := range s.media.Tracks() {
		if err := peer.AddTrack(track); err != nil {
			return nil, domain.WrapError(domain.KindConnection, "attach local track", err)
		}
	}

	offerSDP, err := peer.CreateOffer(ctx)
	if err != nil {
		return nil, domain.WrapError(domain.KindConnection, "create offer", err)
	}

	// The gateway provisions the session before it will accept the SDP
	// offer; these are two separate HTTP exchanges.
	desc, err := s.control.Start(ctx, s.gateway.Resolver().StartURL(), opts)
	if err != nil {
		return nil, err
	}

	whip, err := s.transport.SendIngestOffer(ctx, desc.IngestURL, offerSDP, opts.MaxAttempts)
	if err != nil {
		return nil, err
	}
	desc.Location = whip.Location
	if desc.EgressURL == "" {
		desc.EgressURL = whip.PlaybackURL
	}

	if err := peer.SetRemoteAnswer(whip.AnswerSDP); err != nil {
		return nil, domain.WrapError(domain.KindConnection, "apply answer", err)
	}

	stop := make(chan struct{})
	s.mu.Lock()
	s.descriptor = desc
	s.stopStats = stop
	s.state = domain.StateConnected
	s.mu.Unlock()
	s.gateway.SetDescriptor(desc)

	s.handler.OnStateChange(domain.StateConnected)
	s.metrics.SessionStarted(metricsDirection)
	s.logger.Info("publish session started",
		zap.String("stream_id", desc.StreamID),
		zap.String("ingest_url", desc.IngestURL),
	)

	go s.runStats(stop, peer, desc.StreamID)
	return desc, nil
}

// failStart rolls the session back after a failed start: error state,
// error notification, full cleanup, then the wrapped cause for the caller.
func (s *Session) failStart(cause error) error {
	s.mu.Lock()
	s.state = domain.StateError
	peer := s.peer
	s.peer = nil
	s.descriptor = nil
	s.mu.Unlock()

	s.handler.OnStateChange(domain.StateError)
	s.handler.OnError(cause)

	if peer != nil {
		if err := peer.Close(); err != nil {
			s.logger.Warn("close peer after failed start", zap.Error(err))
		}
	}
	if s.media != nil {
		s.media.Close()
	}
	s.gateway.SetDescriptor(nil)

	return fmt.Errorf("failed to start publish session: %w", cause)
}

// onTransportFailure handles a peer connection that died mid-session.
func (s *Session) onTransportFailure() {
	s.mu.Lock()
	if s.state != domain.StateConnected {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	err := domain.NewError(domain.KindConnection, "peer connection failed")
	s.handler.OnError(err)
	s.teardown(context.Background(), domain.StateError)
}

// Update changes the mutable processing parameters of the live session.
func (s *Session) Update(ctx context.Context, opts domain.StreamUpdateOptions) error {
	s.mu.Lock()
	desc := s.descriptor
	s.mu.Unlock()
	if desc == nil {
		return domain.WrapError(domain.KindConnection, "no active session to update", domain.ErrNoDescriptor)
	}

	pipeline := opts.Pipeline
	if pipeline == "" {
		pipeline = s.gateway.DefaultPipeline()
	}
	if pipeline == "" {
		return &domain.Error{
			Kind:    domain.KindConfig,
			Code:    domain.CodeMissingPipeline,
			Message: "no pipeline resolved: set StreamUpdateOptions.Pipeline or configure a gateway default",
		}
	}

	return s.control.Update(ctx, desc.UpdateURL, desc.StreamID, pipeline, opts.Params)
}

// Status fetches the gateway's view of the live session.
func (s *Session) Status(ctx context.Context) (map[string]any, error) {
	s.mu.Lock()
	desc := s.descriptor
	s.mu.Unlock()
	if desc == nil {
		return nil, domain.WrapError(domain.KindConnection, "no active session", domain.ErrNoDescriptor)
	}
	return s.control.Status(ctx, desc.StatusURL)
}

// Stop ends the session. With no active session it is a no-op. The gateway
// stop call is best-effort: client-side teardown proceeds regardless.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.peer == nil && s.state == domain.StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.teardown(ctx, domain.StateDisconnected)
	return nil
}

// teardown stops monitoring, releases the gateway session and closes local
// resources. The stats ticker is always cleared before the peer so no
// sampling tick runs against a closing connection.
func (s *Session) teardown(ctx context.Context, finalState domain.ConnectionState) {
	s.mu.Lock()
	peer := s.peer
	desc := s.descriptor
	stop := s.stopStats
	wasConnected := s.state == domain.StateConnected
	s.peer = nil
	s.descriptor = nil
	s.stopStats = nil
	s.state = finalState
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}

	if desc != nil && desc.StopURL != "" {
		if _, err := s.control.Stop(ctx, desc.StopURL); err != nil {
			s.logger.Warn("gateway stop failed, continuing local teardown",
				zap.String("stream_id", desc.StreamID),
				zap.Error(err),
			)
		}
	}

	if peer != nil {
		if err := peer.Close(); err != nil {
			s.logger.Warn("close peer connection", zap.Error(err))
		}
	}
	if s.media != nil {
		s.media.Close()
	}
	s.gateway.SetDescriptor(nil)

	if wasConnected {
		s.metrics.SessionEnded(metricsDirection)
	}
	s.handler.OnStateChange(finalState)
	if desc != nil {
		s.logger.Info("publish session stopped", zap.String("stream_id", desc.StreamID))
	}
}

// runStats samples transport counters every second and emits the delta as
// a ConnectionStats snapshot.
func (s *Session) runStats(stop <-chan struct{}, peer domain.Peer, streamID string) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	var prev domain.StatSample
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			counters, err := peer.Counters()
			if err != nil {
				s.logger.Debug("read transport counters", zap.Error(err))
				continue
			}
			mc := s.media.Counters()
			cur := domain.StatSample{At: time.Now(), Bytes: counters.BytesSent, Frames: mc.Frames}
			stats := domain.ComputeStats(prev, cur, mc.Width, mc.Height, counters.RTT)
			prev = cur

			s.handler.OnStats(stats)
			s.metrics.RecordStats(streamID, metricsDirection, stats)
		}
	}
}

type nopHandler struct{}

func (nopHandler) OnStateChange(domain.ConnectionState) {}
func (nopHandler) OnStats(domain.ConnectionStats)       {}
func (nopHandler) OnError(error)                        {}
