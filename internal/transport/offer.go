// Package transport implements the WHIP and WHEP offer/answer exchanges:
// an SDP offer POSTed over HTTP, answered with an SDP body plus signaling
// metadata in response headers.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"streamkit/internal/domain"
	"streamkit/pkg/retry"
)

const (
	contentTypeSDP = "application/sdp"

	headerSessionID   = "X-Session-Id"
	headerPlaybackURL = "X-Playback-Url"
)

// OfferResponse carries the SDP answer and the signaling metadata extracted
// from the response headers. Absent headers map to zero values.
type OfferResponse struct {
	Status      int
	AnswerSDP   string
	SessionID   string
	PlaybackURL string
	Location    string
	ETag        string
	Link        string
}

// Client performs WHIP and WHEP exchanges with bounded retries for
// transient failures. 4xx responses are terminal.
type Client struct {
	http     *http.Client
	logger   *zap.Logger
	retryCfg retry.Config
}

// NewClient builds a transport client. A nil logger disables logging.
func NewClient(logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
		retryCfg: retry.DefaultConfig(),
	}
}

// SendIngestOffer performs the WHIP exchange against an ingest URL. The
// gateway answers a successful create with 201.
func (c *Client) SendIngestOffer(ctx context.Context, url, offerSDP string, maxAttempts int) (*OfferResponse, error) {
	return c.sendOffer(ctx, "whip", url, offerSDP, http.StatusCreated, maxAttempts)
}

// SendEgressOffer performs the WHEP exchange against an egress URL. The
// gateway answers with 200.
func (c *Client) SendEgressOffer(ctx context.Context, url, offerSDP string, maxAttempts int) (*OfferResponse, error) {
	return c.sendOffer(ctx, "whep", url, offerSDP, http.StatusOK, maxAttempts)
}

func (c *Client) sendOffer(ctx context.Context, proto, url, offerSDP string, wantStatus, maxAttempts int) (*OfferResponse, error) {
	cfg := c.retryCfg
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}

	attempt := 0
	return retry.DoWithResult(ctx, cfg, func() (*OfferResponse, error) {
		attempt++
		resp, err := c.doOffer(ctx, url, offerSDP, wantStatus)
		if err != nil {
			c.logger.Warn("offer exchange failed",
				zap.String("protocol", proto),
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return nil, err
		}
		return resp, nil
	})
}

func (c *Client) doOffer(ctx context.Context, url, offerSDP string, wantStatus int) (*OfferResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(offerSDP))
	if err != nil {
		return nil, &domain.Error{
			Kind:    domain.KindConnection,
			Message: fmt.Sprintf("create offer request for %s", url),
			Cause:   err,
		}
	}
	req.Header.Set("Content-Type", contentTypeSDP)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &domain.Error{
			Kind:      domain.KindConnection,
			Message:   "send offer",
			Retryable: true,
			Cause:     err,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.Error{
			Kind:      domain.KindConnection,
			Message:   "read offer response",
			Retryable: true,
			Cause:     err,
		}
	}

	if resp.StatusCode != wantStatus {
		detail := strings.TrimSpace(string(body))
		return nil, domain.HTTPError(resp.StatusCode,
			fmt.Sprintf("offer rejected with status %d: %s", resp.StatusCode, detail))
	}

	return &OfferResponse{
		Status:      resp.StatusCode,
		AnswerSDP:   string(body),
		SessionID:   resp.Header.Get(headerSessionID),
		PlaybackURL: resp.Header.Get(headerPlaybackURL),
		Location:    resp.Header.Get("Location"),
		ETag:        resp.Header.Get("ETag"),
		Link:        resp.Header.Get("Link"),
	}, nil
}
