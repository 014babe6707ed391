// Package webrtc provides the pion-backed implementation of the peer
// capability consumed by the publisher and viewer sessions.
package webrtc

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"streamkit/internal/domain"
)

// iceGatherTimeout bounds the wait for ICE gathering. Past the ceiling the
// offer goes out with whatever candidates were gathered; most NAT traversal
// succeeds with the first batch.
const iceGatherTimeout = 3 * time.Second

// Factory builds pion peer connections from ICE server descriptors.
type Factory struct {
	logger *zap.Logger
}

// NewFactory creates a peer factory. A nil logger disables logging.
func NewFactory(logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{logger: logger}
}

// NewPeer creates a PeerConnection with minimal codec registration and a
// NACK responder/generator pair.
func (f *Factory) NewPeer(iceServers []domain.ICEServer) (domain.Peer, error) {
	m := &pion.MediaEngine{}

	h264Codec := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:    pion.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			RTCPFeedback: []pion.RTCPFeedback{
				{Type: "nack"},
				{Type: "nack", Parameter: "pli"},
			},
		},
		PayloadType: 102,
	}
	if err := m.RegisterCodec(h264Codec, pion.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register H264: %w", err)
	}

	opusCodec := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:  pion.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		PayloadType: 111,
	}
	if err := m.RegisterCodec(opusCodec, pion.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register Opus: %w", err)
	}

	reg := &interceptor.Registry{}
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	reg.Add(responder)
	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	reg.Add(generator)

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(reg),
	)

	var servers []pion.ICEServer
	for _, s := range iceServers {
		servers = append(servers, pion.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:   servers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &Peer{pc: pc, logger: f.logger}

	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		f.logger.Debug("ICE connection state", zap.String("state", state.String()))
	})

	return p, nil
}

// Peer wraps a pion PeerConnection behind the domain capability interface.
type Peer struct {
	pc             *pion.PeerConnection
	logger         *zap.Logger
	framesReceived atomic.Uint64
}

// AddTrack attaches a local track for sending.
func (p *Peer) AddTrack(track pion.TrackLocal) error {
	if _, err := p.pc.AddTrack(track); err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	return nil
}

// AddRecvTransceivers declares receive-only audio and video transceivers
// for viewing sessions.
func (p *Peer) AddRecvTransceivers() error {
	for _, kind := range []pion.RTPCodecType{pion.RTPCodecTypeAudio, pion.RTPCodecTypeVideo} {
		_, err := p.pc.AddTransceiverFromKind(kind, pion.RTPTransceiverInit{
			Direction: pion.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

// SetOnTrack routes incoming video to videoOut as Annex-B H264 and drains
// audio so RTCP keeps flowing.
func (p *Peer) SetOnTrack(videoOut io.Writer) {
	p.pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		codec := track.Codec()
		p.logger.Debug("got track",
			zap.String("kind", track.Kind().String()),
			zap.String("codec", codec.MimeType),
		)

		if track.Kind() == pion.RTPCodecTypeVideo {
			go p.readVideoTrack(track, videoOut)
			return
		}
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := track.Read(buf); err != nil {
					return
				}
			}
		}()
	})
}

func (p *Peer) readVideoTrack(track *pion.TrackRemote, w io.Writer) {
	startCode := []byte{0x00, 0x00, 0x00, 0x01}
	depack := NewH264Depacketizer()

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			p.logger.Debug("video track read ended", zap.Error(err))
			return
		}

		for _, nalu := range depack.Depacketize(pkt.SequenceNumber, pkt.Payload) {
			if len(nalu) == 0 {
				continue
			}
			w.Write(startCode)
			w.Write(nalu)
		}
		if pkt.Marker {
			p.framesReceived.Add(1)
		}
	}
}

// SetOnConnectionStateChange registers the state callback.
func (p *Peer) SetOnConnectionStateChange(fn func(state pion.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

// CreateOffer creates an SDP offer, sets it as the local description and
// waits for ICE gathering up to the fixed ceiling. The returned SDP carries
// the candidates gathered in time.
func (p *Peer) CreateOffer(ctx context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}

	gatherComplete := pion.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		p.logger.Debug("ICE gathering ceiling reached, sending best-effort candidate set")
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return p.pc.LocalDescription().SDP, nil
}

// SetRemoteAnswer applies the gateway's SDP answer.
func (p *Peer) SetRemoteAnswer(sdp string) error {
	answer := pion.SessionDescription{
		Type: pion.SDPTypeAnswer,
		SDP:  sdp,
	}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// Counters reads the transport-level cumulative counters.
func (p *Peer) Counters() (domain.TransportCounters, error) {
	var c domain.TransportCounters

	for _, s := range p.pc.GetStats() {
		switch v := s.(type) {
		case pion.TransportStats:
			c.BytesSent += v.BytesSent
			c.BytesReceived += v.BytesReceived
		case pion.ICECandidatePairStats:
			if v.Nominated && v.CurrentRoundTripTime > 0 {
				c.RTT = time.Duration(v.CurrentRoundTripTime * float64(time.Second))
			}
		}
	}
	c.FramesReceived = p.framesReceived.Load()
	return c, nil
}

// Close shuts down the peer connection.
func (p *Peer) Close() error {
	return p.pc.Close()
}
