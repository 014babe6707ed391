package domain

import (
	"context"
	"io"
	"time"

	"github.com/pion/webrtc/v4"
)

// MediaCounters are the cumulative counters of a local media source.
type MediaCounters struct {
	Frames uint64
	Bytes  uint64
	Width  int
	Height int
}

// MediaSource supplies local tracks for publishing. Implementations own the
// underlying capture or file handle and stop it on Close.
type MediaSource interface {
	Acquire(ctx context.Context, opts CaptureOptions) error
	Tracks() []webrtc.TrackLocal
	Counters() MediaCounters
	Close() error
}

// TransportCounters are the cumulative transport-level counters of a peer
// connection.
type TransportCounters struct {
	BytesSent      uint64
	BytesReceived  uint64
	FramesReceived uint64
	RTT            time.Duration
}

// Peer manages one WebRTC peer connection.
type Peer interface {
	AddTrack(track webrtc.TrackLocal) error
	// AddRecvTransceivers declares receive-only audio and video intent for
	// viewing sessions.
	AddRecvTransceivers() error
	// SetOnTrack routes incoming video to the sink as Annex-B H264 and
	// drains audio.
	SetOnTrack(videoOut io.Writer)
	SetOnConnectionStateChange(fn func(state webrtc.PeerConnectionState))
	// CreateOffer creates an SDP offer, sets it as the local description
	// and waits for ICE gathering, bounded by a fixed ceiling. The SDP
	// returned carries whatever candidates were gathered in time.
	CreateOffer(ctx context.Context) (string, error)
	SetRemoteAnswer(sdp string) error
	Counters() (TransportCounters, error)
	Close() error
}

// PeerFactory builds peer connections from ICE server descriptors.
type PeerFactory interface {
	NewPeer(iceServers []ICEServer) (Peer, error)
}

// DataEventHandler receives messages and the terminal error of one SSE
// connection.
type DataEventHandler interface {
	OnMessage(data string)
	OnStreamError(err error)
}

// EventSourceOpener opens one Server-Sent-Events connection. The returned
// closer tears the connection down.
type EventSourceOpener interface {
	Open(ctx context.Context, url string, h DataEventHandler) (io.Closer, error)
}

// SessionHandler receives publisher and viewer lifecycle notifications.
type SessionHandler interface {
	OnStateChange(state ConnectionState)
	OnStats(stats ConnectionStats)
	OnError(err error)
}

// DataStreamHandler receives data stream notifications.
type DataStreamHandler interface {
	OnEntry(entry DataLogEntry)
	OnError(err error)
}
