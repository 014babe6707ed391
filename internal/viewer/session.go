// Package viewer implements the playback session: a receive-only peer
// connection joined to a processed stream through the WHEP exchange, with
// incoming video attached to a caller-supplied sink.
package viewer

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"streamkit/internal/config"
	"streamkit/internal/domain"
	"streamkit/internal/endpoint"
	"streamkit/internal/monitoring"
	"streamkit/internal/transport"
	"streamkit/internal/webrtc"
)

const statsInterval = time.Second

const metricsDirection = "view"

// Deps are the viewer's collaborators. Zero-value fields get working
// defaults, except Sink which the caller must supply.
type Deps struct {
	Transport *transport.Client
	Peers     domain.PeerFactory
	Handler   domain.SessionHandler
	Metrics   *monitoring.Collector
	Logger    *zap.Logger
	// Sink receives the incoming video as Annex-B H264.
	Sink io.Writer
}

// Session is the viewer state machine.
type Session struct {
	gateway   *config.Gateway
	transport *transport.Client
	peers     domain.PeerFactory
	handler   domain.SessionHandler
	metrics   *monitoring.Collector
	logger    *zap.Logger
	sink      io.Writer

	mu        sync.Mutex
	state     domain.ConnectionState
	peer      domain.Peer
	stopStats chan struct{}
}

// New creates a viewer session against the given gateway.
func New(gateway *config.Gateway, deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
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
		transport: deps.Transport,
		peers:     deps.Peers,
		handler:   deps.Handler,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		sink:      deps.Sink,
		state:     domain.StateDisconnected,
	}
}

// State returns the current connection state.
func (s *Session) State() domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start joins a processed stream. The egress URL comes from the options or
// from the gateway's active session descriptor.
func (s *Session) Start(ctx context.Context, opts domain.ViewerStartOptions) error {
	s.mu.Lock()
	if s.state == domain.StateConnecting || s.state == domain.StateConnected {
		s.mu.Unlock()
		return domain.ErrSessionActive
	}
	s.state = domain.StateConnecting
	s.mu.Unlock()
	s.handler.OnStateChange(domain.StateConnecting)

	if err := s.connect(ctx, opts); err != nil {
		return s.failStart(err)
	}
	return nil
}

func (s *Session) connect(ctx context.Context, opts domain.ViewerStartOptions) error {
	egressURL := opts.EgressURL
	if egressURL == "" {
		egressURL = s.gateway.Resolver().FromDescriptor(s.gateway.Descriptor(), endpoint.FieldEgress)
	}
	if egressURL == "" {
		return domain.NewError(domain.KindConfig, "no egress URL: pass ViewerStartOptions.EgressURL or start a publisher first")
	}
	if s.sink == nil {
		return domain.NewError(domain.KindConfig, "no video sink configured")
	}

	peer, err := s.peers.NewPeer(s.gateway.ICEServers())
	if err != nil {
		return domain.WrapError(domain.KindConnection, "build peer connection", err)
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
	peer.SetOnTrack(s.sink)

	if err := peer.AddRecvTransceivers(); err != nil {
		return domain.WrapError(domain.KindConnection, "declare receive intent", err)
	}

	offerSDP, err := peer.CreateOffer(ctx)
	if err != nil {
		return domain.WrapError(domain.KindConnection, "create offer", err)
	}

	whep, err := s.transport.SendEgressOffer(ctx, egressURL, offerSDP, opts.MaxAttempts)
	if err != nil {
		return err
	}

	if err := peer.SetRemoteAnswer(whep.AnswerSDP); err != nil {
		return domain.WrapError(domain.KindConnection, "apply answer", err)
	}

	stop := make(chan struct{})
	s.mu.Lock()
	s.stopStats = stop
	s.state = domain.StateConnected
	s.mu.Unlock()

	s.handler.OnStateChange(domain.StateConnected)
	s.metrics.SessionStarted(metricsDirection)
	s.logger.Info("view session started", zap.String("egress_url", egressURL))

	go s.runStats(stop, peer)
	return nil
}

func (s *Session) failStart(cause error) error {
	s.mu.Lock()
	s.state = domain.StateError
	peer := s.peer
	s.peer = nil
	s.mu.Unlock()

	s.handler.OnStateChange(domain.StateError)
	s.handler.OnError(cause)

	if peer != nil {
		if err := peer.Close(); err != nil {
			s.logger.Warn("close peer after failed start", zap.Error(err))
		}
	}

	return fmt.Errorf("failed to start view session: %w", cause)
}

func (s *Session) onTransportFailure() {
	s.mu.Lock()
	if s.state != domain.StateConnected {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.handler.OnError(domain.NewError(domain.KindConnection, "peer connection failed"))
	s.teardown(domain.StateError)
}

// Stop ends the session. With no active session it is a no-op.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.peer == nil && s.state == domain.StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.teardown(domain.StateDisconnected)
	return nil
}

// teardown clears the stats ticker before closing the peer so no sampling
// tick runs against a closing connection.
func (s *Session) teardown(finalState domain.ConnectionState) {
	s.mu.Lock()
	peer := s.peer
	stop := s.stopStats
	wasConnected := s.state == domain.StateConnected
	s.peer = nil
	s.stopStats = nil
	s.state = finalState
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if peer != nil {
		if err := peer.Close(); err != nil {
			s.logger.Warn("close peer connection", zap.Error(err))
		}
	}

	if wasConnected {
		s.metrics.SessionEnded(metricsDirection)
	}
	s.handler.OnStateChange(finalState)
}

// runStats samples inbound transport counters every second.
func (s *Session) runStats(stop <-chan struct{}, peer domain.Peer) {
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
			cur := domain.StatSample{At: time.Now(), Bytes: counters.BytesReceived, Frames: counters.FramesReceived}
			stats := domain.ComputeStats(prev, cur, 0, 0, counters.RTT)
			prev = cur

			s.handler.OnStats(stats)
			s.metrics.RecordStats(metricsStreamID(s.gateway), metricsDirection, stats)
		}
	}
}

func metricsStreamID(gw *config.Gateway) string {
	if d := gw.Descriptor(); d != nil {
		return d.StreamID
	}
	return "unknown"
}

type nopHandler struct{}

func (nopHandler) OnStateChange(domain.ConnectionState) {}
func (nopHandler) OnStats(domain.ConnectionStats)       {}
func (nopHandler) OnError(error)                        {}
