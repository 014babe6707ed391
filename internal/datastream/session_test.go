package datastream

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamkit/internal/config"
	"streamkit/internal/domain"
)

type fakeConn struct {
	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeOpener struct {
	mu      sync.Mutex
	conn    *fakeConn
	lastURL string
	err     error
}

func (o *fakeOpener) Open(_ context.Context, url string, _ domain.DataEventHandler) (io.Closer, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	o.lastURL = url
	o.conn = &fakeConn{}
	return o.conn, nil
}

type recordingHandler struct {
	mu      sync.Mutex
	entries []domain.DataLogEntry
	errs    []error
}

func (h *recordingHandler) OnEntry(entry domain.DataLogEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entry)
}

func (h *recordingHandler) OnError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
}

func newTestSession(t *testing.T, opener *fakeOpener, handler domain.DataStreamHandler) *Session {
	t.Helper()
	gw, err := config.NewGateway("https://gateway.example.com")
	require.NoError(t, err)
	return New(gw, Deps{Opener: opener, Handler: handler})
}

func TestConnectDerivesURLFromStreamName(t *testing.T) {
	opener := &fakeOpener{}
	s := newTestSession(t, opener, nil)

	err := s.Connect(context.Background(), domain.DataStreamOptions{StreamName: "s1"})
	require.NoError(t, err)

	assert.True(t, s.Connected())
	assert.Equal(t, "https://gateway.example.com/api/stream/s1/data", opener.lastURL)
}

func TestConnectPrefersExplicitURL(t *testing.T) {
	opener := &fakeOpener{}
	s := newTestSession(t, opener, nil)

	err := s.Connect(context.Background(), domain.DataStreamOptions{
		StreamName: "s1",
		URL:        "https://other.example.com/events",
	})
	require.NoError(t, err)

	assert.Equal(t, "https://other.example.com/events", opener.lastURL)
}

func TestConnectUsesDescriptorDataURL(t *testing.T) {
	opener := &fakeOpener{}
	gw, err := config.NewGateway("https://gateway.example.com")
	require.NoError(t, err)
	gw.SetDescriptor(&domain.SessionDescriptor{DataURL: "https://gateway.example.com/data/s1-id"})
	s := New(gw, Deps{Opener: opener})

	require.NoError(t, s.Connect(context.Background(), domain.DataStreamOptions{}))
	assert.Equal(t, "https://gateway.example.com/data/s1-id", opener.lastURL)
}

func TestConnectWithoutAnyURL(t *testing.T) {
	s := newTestSession(t, &fakeOpener{}, nil)

	err := s.Connect(context.Background(), domain.DataStreamOptions{})

	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindConfig))
	assert.False(t, s.Connected())
}

func TestConnectTwiceIsRejected(t *testing.T) {
	s := newTestSession(t, &fakeOpener{}, nil)

	require.NoError(t, s.Connect(context.Background(), domain.DataStreamOptions{StreamName: "s1"}))

	err := s.Connect(context.Background(), domain.DataStreamOptions{StreamName: "s1"})
	assert.ErrorIs(t, err, domain.ErrAlreadyConnected)
}

func TestDisconnectClosesConnection(t *testing.T) {
	opener := &fakeOpener{}
	s := newTestSession(t, opener, nil)
	require.NoError(t, s.Connect(context.Background(), domain.DataStreamOptions{StreamName: "s1"}))

	require.NoError(t, s.Disconnect())

	assert.False(t, s.Connected())
	assert.True(t, opener.conn.isClosed())
	require.NoError(t, s.Disconnect()) // no-op
}

func TestOnMessageParsesJSON(t *testing.T) {
	handler := &recordingHandler{}
	s := newTestSession(t, &fakeOpener{}, handler)

	s.OnMessage(`{"type": "detection", "label": "cat", "confidence": 0.97}`)

	logs := s.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, uint64(1), logs[0].ID)
	assert.Equal(t, "detection", logs[0].Type)
	assert.Equal(t, "cat", logs[0].Payload["label"])
	assert.Empty(t, logs[0].ParseError)
	assert.False(t, logs[0].ReceivedAt.IsZero())
	require.Len(t, handler.entries, 1)
}

func TestOnMessageKeepsMalformedPayloadAsRaw(t *testing.T) {
	s := newTestSession(t, &fakeOpener{}, nil)

	s.OnMessage("plain text, not json")

	logs := s.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, "raw", logs[0].Type)
	assert.Equal(t, "plain text, not json", logs[0].Raw)
	assert.NotEmpty(t, logs[0].ParseError)
}

func TestOnMessageDefaultsTypeToData(t *testing.T) {
	s := newTestSession(t, &fakeOpener{}, nil)

	s.OnMessage(`{"label": "cat"}`)

	logs := s.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, "data", logs[0].Type)
}

func TestOnMessageIgnoresBlankMessages(t *testing.T) {
	s := newTestSession(t, &fakeOpener{}, nil)

	s.OnMessage("   \n")

	assert.Empty(t, s.Logs())
}

func TestLogEvictionKeepsNewest(t *testing.T) {
	s := newTestSession(t, &fakeOpener{}, nil)
	require.NoError(t, s.Connect(context.Background(), domain.DataStreamOptions{
		StreamName: "s1",
		MaxLogs:    2,
	}))

	s.OnMessage(`{"n": 1}`)
	s.OnMessage(`{"n": 2}`)
	s.OnMessage(`{"n": 3}`)

	logs := s.Logs()
	require.Len(t, logs, 2)
	assert.Equal(t, float64(2), logs[0].Payload["n"])
	assert.Equal(t, float64(3), logs[1].Payload["n"])
	// IDs keep counting across evictions
	assert.Equal(t, uint64(2), logs[0].ID)
	assert.Equal(t, uint64(3), logs[1].ID)
}

func TestClearLogs(t *testing.T) {
	s := newTestSession(t, &fakeOpener{}, nil)
	s.OnMessage(`{"n": 1}`)

	s.ClearLogs()

	assert.Empty(t, s.Logs())
}

func TestStreamErrorFailsClosed(t *testing.T) {
	opener := &fakeOpener{}
	handler := &recordingHandler{}
	s := newTestSession(t, opener, handler)
	require.NoError(t, s.Connect(context.Background(), domain.DataStreamOptions{StreamName: "s1"}))

	s.OnStreamError(errors.New("connection reset"))

	assert.False(t, s.Connected())
	assert.True(t, opener.conn.isClosed())
	require.Len(t, handler.errs, 1)
	assert.True(t, domain.IsKind(handler.errs[0], domain.KindConnection))
}

// dyingOpener reports the terminal stream error before Open returns, the
// way a server that accepts and immediately closes the stream behaves.
type dyingOpener struct {
	conn *fakeConn
}

func (o *dyingOpener) Open(_ context.Context, _ string, h domain.DataEventHandler) (io.Closer, error) {
	o.conn = &fakeConn{}
	h.OnStreamError(errors.New("stream closed"))
	return o.conn, nil
}

func TestStreamErrorDuringConnectFailsClosed(t *testing.T) {
	opener := &dyingOpener{}
	handler := &recordingHandler{}
	gw, err := config.NewGateway("https://gateway.example.com")
	require.NoError(t, err)
	s := New(gw, Deps{Opener: opener, Handler: handler})

	err = s.Connect(context.Background(), domain.DataStreamOptions{StreamName: "s1"})

	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindConnection))
	assert.False(t, s.Connected())
	assert.True(t, opener.conn.isClosed())
	require.Len(t, handler.errs, 1)

	// the session must be usable again afterwards
	working := &fakeOpener{}
	s2 := New(gw, Deps{Opener: working})
	require.NoError(t, s2.Connect(context.Background(), domain.DataStreamOptions{StreamName: "s1"}))
}

func TestConnectAllowedAfterFailedConnect(t *testing.T) {
	opener := &fakeOpener{err: errors.New("refused")}
	s := newTestSession(t, opener, nil)

	require.Error(t, s.Connect(context.Background(), domain.DataStreamOptions{StreamName: "s1"}))

	opener.err = nil
	require.NoError(t, s.Connect(context.Background(), domain.DataStreamOptions{StreamName: "s1"}))
	assert.True(t, s.Connected())
}

func TestFailedConnectDoesNotCommitMaxLogs(t *testing.T) {
	opener := &fakeOpener{err: errors.New("refused")}
	s := newTestSession(t, opener, nil)

	require.Error(t, s.Connect(context.Background(), domain.DataStreamOptions{
		StreamName: "s1",
		MaxLogs:    2,
	}))

	opener.err = nil
	require.NoError(t, s.Connect(context.Background(), domain.DataStreamOptions{StreamName: "s1"}))

	s.OnMessage(`{"n": 1}`)
	s.OnMessage(`{"n": 2}`)
	s.OnMessage(`{"n": 3}`)

	assert.Len(t, s.Logs(), 3, "retention bound of a failed connect must not stick")
}

func TestEvictionReleasesBackingArray(t *testing.T) {
	s := newTestSession(t, &fakeOpener{}, nil)
	require.NoError(t, s.Connect(context.Background(), domain.DataStreamOptions{
		StreamName: "s1",
		MaxLogs:    2,
	}))

	s.OnMessage(`{"n": 1}`)
	s.OnMessage(`{"n": 2}`)
	s.OnMessage(`{"n": 3}`)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, 2, cap(s.logs), "evicted entries must not stay reachable through the backing array")
}

func TestConnectPropagatesOpenError(t *testing.T) {
	opener := &fakeOpener{err: errors.New("refused")}
	s := newTestSession(t, opener, nil)

	err := s.Connect(context.Background(), domain.DataStreamOptions{StreamName: "s1"})

	require.Error(t, err)
	assert.False(t, s.Connected())
}
