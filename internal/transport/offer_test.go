package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamkit/internal/domain"
)

const offerSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\n"

func TestSendIngestOfferHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/sdp", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, offerSDP, string(body))

		w.Header().Set("X-Session-Id", "sess-42")
		w.Header().Set("X-Playback-Url", "https://gw.example.com/whep/sess-42")
		w.Header().Set("Location", "/whip/sess-42")
		w.Header().Set("ETag", `"v1"`)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("v=0\r\nanswer"))
	}))
	defer srv.Close()

	resp, err := NewClient(nil).SendIngestOffer(context.Background(), srv.URL, offerSDP, 1)
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, "v=0\r\nanswer", resp.AnswerSDP)
	assert.Equal(t, "sess-42", resp.SessionID)
	assert.Equal(t, "https://gw.example.com/whep/sess-42", resp.PlaybackURL)
	assert.Equal(t, "/whip/sess-42", resp.Location)
	assert.Equal(t, `"v1"`, resp.ETag)
	assert.Empty(t, resp.Link)
}

func TestSendEgressOfferExpectsOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("v=0\r\nanswer"))
	}))
	defer srv.Close()

	resp, err := NewClient(nil).SendEgressOffer(context.Background(), srv.URL, offerSDP, 1)
	require.NoError(t, err)
	assert.Equal(t, "v=0\r\nanswer", resp.AnswerSDP)
}

func TestSendOfferClientErrorIsTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown stream", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewClient(nil).SendIngestOffer(context.Background(), srv.URL, offerSDP, 3)

	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindHTTP))
	assert.False(t, domain.IsRetryable(err))
	assert.Contains(t, err.Error(), "status 404")
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

func TestSendOfferRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("v=0\r\nanswer"))
	}))
	defer srv.Close()

	resp, err := NewClient(nil).SendIngestOffer(context.Background(), srv.URL, offerSDP, 3)

	require.NoError(t, err)
	assert.Equal(t, "v=0\r\nanswer", resp.AnswerSDP)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSendOfferExhaustedRetriesReturnLastError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(nil).SendIngestOffer(context.Background(), srv.URL, offerSDP, 2)

	require.Error(t, err)
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, http.StatusServiceUnavailable, de.Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSendOfferNetworkErrorRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // refuse connections

	_, err := NewClient(nil).SendIngestOffer(context.Background(), srv.URL, offerSDP, 2)

	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindConnection))
	assert.True(t, domain.IsRetryable(err))
}
