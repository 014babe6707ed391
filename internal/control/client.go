// Package control implements the gateway control plane: start, stop,
// update and status. These are explicit user actions and are never retried
// here; a silent retry could duplicate side effects.
package control

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"streamkit/internal/domain"
)

const (
	authHeader        = "X-Stream-Auth"
	requestTimeoutSec = 30
)

// immutableParams cannot change on a live session; a resolution change
// requires a full restart of the transport session.
var immutableParams = []string{"width", "height"}

// Client issues control-plane calls against gateway URLs.
type Client struct {
	http   *http.Client
	logger *zap.Logger
}

// NewClient builds a control client. A nil logger disables logging.
func NewClient(logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

type startRequest struct {
	StreamName string `json:"stream_name"`
	Params     string `json:"params"`
	StreamID   string `json:"stream_id,omitempty"`
	RTMPOutput string `json:"rtmp_output,omitempty"`
}

// capabilityEnvelope is the JSON payload of the signed capability header.
type capabilityEnvelope struct {
	RequestID      string `json:"request_id"`
	Digest         string `json:"digest"`
	Flags          string `json:"flags"`
	Pipeline       string `json:"pipeline"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Start provisions a session on the gateway and returns its descriptor.
func (c *Client) Start(ctx context.Context, url string, opts domain.StreamStartOptions) (*domain.SessionDescriptor, error) {
	params := map[string]any{}
	for k, v := range opts.Params {
		params[k] = v
	}
	if opts.Capture.Width > 0 {
		params["width"] = opts.Capture.Width
	}
	if opts.Capture.Height > 0 {
		params["height"] = opts.Capture.Height
	}
	if opts.Capture.FrameRate > 0 {
		params["fps"] = opts.Capture.FrameRate
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal stream params: %w", err)
	}

	body, err := json.Marshal(startRequest{
		StreamName: opts.StreamName,
		Params:     string(paramsJSON),
		StreamID:   opts.StreamID,
		RTMPOutput: opts.RTMPOutput,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal start request: %w", err)
	}

	flags := map[string]bool{
		"audio":  opts.Capture.Audio,
		"video":  opts.Capture.Video,
		"screen": opts.Capture.Screen,
	}
	respBody, err := c.post(ctx, url, body, signedHeader(body, opts.Pipeline, flags))
	if err != nil {
		return nil, err
	}

	return parseDescriptor(respBody)
}

// Stop ends a session. A stream that is already gone (404) is not an
// error; the call reports false instead.
func (c *Client) Stop(ctx context.Context, stopURL string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, stopURL, nil)
	if err != nil {
		return false, fmt.Errorf("create stop request: %w", err)
	}
	req.Header.Set(authHeader, signedHeader(nil, "", nil))

	resp, err := c.http.Do(req)
	if err != nil {
		return false, domain.WrapError(domain.KindConnection, "stop request", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		body, _ := io.ReadAll(resp.Body)
		return false, domain.HTTPError(resp.StatusCode,
			fmt.Sprintf("stop failed with status %d: %s", resp.StatusCode, string(body)))
	}
}

// Update changes the mutable processing parameters of a live session.
// Immutable fields are stripped before sending; when nothing mutable
// remains the call fails without issuing a request.
func (c *Client) Update(ctx context.Context, updateURL, streamID, pipeline string, params map[string]any) error {
	mutable := StripImmutable(params, func(field string) {
		c.logger.Warn("dropping immutable parameter from update; changing it requires a restart",
			zap.String("stream_id", streamID),
			zap.String("param", field),
		)
	})
	if len(mutable) == 0 {
		return &domain.Error{
			Kind:    domain.KindConfig,
			Code:    domain.CodeInvalidUpdateParams,
			Message: "update contains no mutable parameters",
		}
	}

	body, err := json.Marshal(mutable)
	if err != nil {
		return fmt.Errorf("marshal update params: %w", err)
	}

	_, err = c.post(ctx, updateURL, body, signedHeader(body, pipeline, nil))
	return err
}

// Status fetches the gateway's view of a session, passed through unmodified.
func (c *Client) Status(ctx context.Context, statusURL string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create status request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, domain.WrapError(domain.KindConnection, "status request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, domain.HTTPError(resp.StatusCode,
			fmt.Sprintf("status request failed: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)))
	}

	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, domain.WrapError(domain.KindParse, "decode status response", err)
	}
	return status, nil
}

// StripImmutable returns a copy of params without the immutable fields,
// calling onStrip for each one dropped.
func StripImmutable(params map[string]any, onStrip func(field string)) map[string]any {
	mutable := make(map[string]any, len(params))
	for k, v := range params {
		mutable[k] = v
	}
	for _, field := range immutableParams {
		if _, ok := mutable[field]; ok {
			delete(mutable, field)
			if onStrip != nil {
				onStrip(field)
			}
		}
	}
	return mutable
}

func (c *Client) post(ctx context.Context, url string, body []byte, auth string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request for %s: %w", url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(authHeader, auth)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, domain.WrapError(domain.KindConnection, "control request", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.WrapError(domain.KindConnection, "read control response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, domain.HTTPError(resp.StatusCode,
			fmt.Sprintf("control request failed with status %d: %s", resp.StatusCode, string(respBody)))
	}
	return respBody, nil
}

// signedHeader builds the base64 capability header: a JSON envelope with a
// request ID, a digest of the body, the serialized feature flags, the
// pipeline name and a timeout.
func signedHeader(body []byte, pipeline string, flags map[string]bool) string {
	digest := sha256.Sum256(body)

	flagsJSON := "{}"
	if len(flags) > 0 {
		if b, err := json.Marshal(flags); err == nil {
			flagsJSON = string(b)
		}
	}

	envelope, _ := json.Marshal(capabilityEnvelope{
		RequestID:      uuid.NewString(),
		Digest:         fmt.Sprintf("%x", digest),
		Flags:          flagsJSON,
		Pipeline:       pipeline,
		TimeoutSeconds: requestTimeoutSec,
	})
	return base64.StdEncoding.EncodeToString(envelope)
}
