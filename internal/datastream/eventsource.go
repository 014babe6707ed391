package datastream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"streamkit/internal/domain"
)

// SSEOpener is the default EventSource implementation over net/http.
type SSEOpener struct {
	http   *http.Client
	logger *zap.Logger
}

// NewSSEOpener creates an opener. The underlying client carries no timeout;
// the stream is long-lived and torn down through the returned closer.
func NewSSEOpener(logger *zap.Logger) *SSEOpener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SSEOpener{
		http:   &http.Client{},
		logger: logger,
	}
}

type sseConn struct {
	cancel context.CancelFunc
	body   io.Closer
	closed atomic.Bool
}

func (c *sseConn) Close() error {
	c.closed.Store(true)
	c.cancel()
	return c.body.Close()
}

// Open dials the SSE endpoint and starts the read loop. The connection
// outlives the passed context; it ends only through the closer or a
// transport failure.
func (o *SSEOpener) Open(ctx context.Context, url string, h domain.DataEventHandler) (io.Closer, error) {
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, domain.WrapError(domain.KindConnection, fmt.Sprintf("create event stream request for %s", url), err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := o.http.Do(req)
	if err != nil {
		cancel()
		return nil, &domain.Error{
			Kind:      domain.KindConnection,
			Message:   "open event stream",
			Retryable: true,
			Cause:     err,
		}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, domain.HTTPError(resp.StatusCode,
			fmt.Sprintf("event stream rejected with status %d", resp.StatusCode))
	}

	conn := &sseConn{cancel: cancel, body: resp.Body}
	go o.readLoop(conn, resp.Body, h)
	return conn, nil
}

// readLoop parses the text/event-stream format: data lines accumulate and
// a blank line dispatches the event. Event names, ids and comments are
// ignored; this channel carries only data payloads.
func (o *SSEOpener) readLoop(conn *sseConn, body io.Reader, h domain.DataEventHandler) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data []string
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if len(data) > 0 {
				h.OnMessage(strings.Join(data, "\n"))
				data = data[:0]
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		}
	}

	if conn.closed.Load() {
		return
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	o.logger.Debug("event stream ended", zap.Error(err))
	h.OnStreamError(err)
}

var _ domain.EventSourceOpener = (*SSEOpener)(nil)
