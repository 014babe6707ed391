// Package datastream manages the Server-Sent-Events channel that carries
// structured data and text alongside a processed stream.
package datastream

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"streamkit/internal/config"
	"streamkit/internal/domain"
	"streamkit/internal/endpoint"
)

const defaultMaxLogs = 1000

// Deps are the data stream session's collaborators.
type Deps struct {
	Opener  domain.EventSourceOpener
	Handler domain.DataStreamHandler
	Logger  *zap.Logger
}

// Session holds one SSE connection per Connect call and a bounded FIFO of
// parsed log entries. On a transport error it fails closed: the error is
// surfaced and the connection dropped; reconnecting is the caller's call.
type Session struct {
	gateway *config.Gateway
	opener  domain.EventSourceOpener
	handler domain.DataStreamHandler
	logger  *zap.Logger

	mu         sync.Mutex
	conn       io.Closer
	connecting bool
	connected  bool
	// failed marks a transport error that arrived before Connect could
	// record the connection.
	failed  bool
	maxLogs int
	nextID  uint64
	logs    []domain.DataLogEntry
}

// New creates a data stream session against the given gateway.
func New(gateway *config.Gateway, deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Opener == nil {
		deps.Opener = NewSSEOpener(deps.Logger)
	}
	if deps.Handler == nil {
		deps.Handler = nopHandler{}
	}

	return &Session{
		gateway: gateway,
		opener:  deps.Opener,
		handler: deps.Handler,
		logger:  deps.Logger,
		maxLogs: defaultMaxLogs,
	}
}

// Connect opens the SSE connection. One connection per instance; a second
// Connect without a Disconnect is rejected.
func (s *Session) Connect(ctx context.Context, opts domain.DataStreamOptions) error {
	s.mu.Lock()
	if s.connecting || s.connected {
		s.mu.Unlock()
		return domain.ErrAlreadyConnected
	}
	s.connecting = true
	s.failed = false
	s.mu.Unlock()

	url := opts.URL
	if url == "" {
		url = s.gateway.Resolver().FromDescriptor(s.gateway.Descriptor(), endpoint.FieldData)
	}
	if url == "" {
		url = s.gateway.Resolver().DataURL(opts.StreamName)
	}
	if url == "" {
		s.abortConnect()
		return domain.NewError(domain.KindConfig, "no data URL: pass DataStreamOptions.URL, a stream name, or start a publisher first")
	}

	conn, err := s.opener.Open(ctx, url, s)
	if err != nil {
		s.abortConnect()
		return err
	}

	s.mu.Lock()
	if s.failed {
		// the stream died before the connection was recorded
		s.connecting = false
		s.mu.Unlock()
		if err := conn.Close(); err != nil {
			s.logger.Warn("close data stream", zap.Error(err))
		}
		return domain.NewError(domain.KindConnection, "data stream closed while connecting")
	}
	s.conn = conn
	s.connected = true
	s.connecting = false
	if opts.MaxLogs > 0 {
		s.maxLogs = opts.MaxLogs
	}
	s.mu.Unlock()

	s.logger.Info("data stream connected", zap.String("url", url))
	return nil
}

func (s *Session) abortConnect() {
	s.mu.Lock()
	s.connecting = false
	s.mu.Unlock()
}

// Connected reports whether the SSE connection is open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Disconnect closes the SSE connection. A no-op when not connected.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.connected = false
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Logs returns a copy of the retained log entries, oldest first.
func (s *Session) Logs() []domain.DataLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DataLogEntry, len(s.logs))
	copy(out, s.logs)
	return out
}

// ClearLogs drops all retained entries.
func (s *Session) ClearLogs() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = nil
}

// OnMessage parses one SSE message into a log entry. Messages that are not
// valid JSON are kept as type "raw" with the parse error, so nothing the
// server sent is dropped silently.
func (s *Session) OnMessage(data string) {
	trimmed := strings.TrimSpace(data)
	if trimmed == "" {
		return
	}

	entry := domain.DataLogEntry{
		Type:       "data",
		ReceivedAt: time.Now(),
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		entry.Type = "raw"
		entry.Raw = data
		entry.ParseError = err.Error()
	} else {
		entry.Payload = payload
		if t, ok := payload["type"].(string); ok && t != "" {
			entry.Type = t
		}
	}

	s.mu.Lock()
	s.nextID++
	entry.ID = s.nextID
	s.logs = append(s.logs, entry)
	if len(s.logs) > s.maxLogs {
		// copy instead of re-slicing so evicted entries become collectable
		trimmed := make([]domain.DataLogEntry, s.maxLogs)
		copy(trimmed, s.logs[len(s.logs)-s.maxLogs:])
		s.logs = trimmed
	}
	s.mu.Unlock()

	s.handler.OnEntry(entry)
}

// OnStreamError surfaces the transport failure and fails closed. An
// automatic background reconnect against a dead session endpoint risks a
// reconnect storm; the caller decides when to reconnect.
func (s *Session) OnStreamError(err error) {
	s.mu.Lock()
	s.failed = true
	s.mu.Unlock()

	s.handler.OnError(domain.WrapError(domain.KindConnection, "data stream transport error", err))
	if err := s.Disconnect(); err != nil {
		s.logger.Warn("close data stream", zap.Error(err))
	}
}

var _ domain.DataEventHandler = (*Session)(nil)

type nopHandler struct{}

func (nopHandler) OnEntry(domain.DataLogEntry) {}
func (nopHandler) OnError(error)               {}
