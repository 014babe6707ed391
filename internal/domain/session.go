package domain

// SessionDescriptor is the server-issued record of one active stream: its
// identifier and every dependent endpoint URL. Exactly one descriptor is
// valid at a time per logical stream; it is created by a successful start
// and cleared on stop or start failure.
type SessionDescriptor struct {
	StreamID  string
	IngestURL string
	EgressURL string
	StatusURL string
	UpdateURL string
	StopURL   string
	DataURL   string
	RTMPURL   string
	// Location is the raw Location header from the ingest response.
	Location string
}

// ConnectionState is the lifecycle state of a publisher or viewer session.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ICEServer holds STUN/TURN server configuration.
type ICEServer struct {
	URLs       []string `yaml:"urls" json:"urls"`
	Username   string   `yaml:"username,omitempty" json:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty" json:"credential,omitempty"`
}

// CaptureOptions selects which local media to acquire and with what hints.
type CaptureOptions struct {
	Audio         bool
	Video         bool
	Screen        bool
	AudioDeviceID string
	VideoDeviceID string
	Width         int
	Height        int
	FrameRate     int
}

// StreamStartOptions configures a publisher start call.
type StreamStartOptions struct {
	StreamName string
	StreamID   string
	Pipeline   string
	RTMPOutput string
	// Params are the processing parameters forwarded to the pipeline.
	Params  map[string]any
	Capture CaptureOptions
	// MaxAttempts bounds the ingest SDP exchange retries. Zero means the
	// transport default.
	MaxAttempts int
}

// StreamUpdateOptions configures an update call against a running stream.
type StreamUpdateOptions struct {
	Pipeline string
	Params   map[string]any
}

// ViewerStartOptions configures a viewer start call.
type ViewerStartOptions struct {
	// EgressURL overrides the URL derived from the active descriptor.
	EgressURL   string
	MaxAttempts int
}

// DataStreamOptions configures a data stream connection.
type DataStreamOptions struct {
	StreamName string
	// URL overrides the derived SSE endpoint.
	URL string
	// MaxLogs bounds the retained log entries. Zero means the default.
	MaxLogs int
}
