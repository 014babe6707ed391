package media

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamkit/internal/domain"
)

// annexBStream is a minimal valid Annex-B sequence: SPS, PPS, IDR slice.
func annexBStream() *bytes.Reader {
	var buf bytes.Buffer
	startCode := []byte{0x00, 0x00, 0x00, 0x01}
	for _, nalu := range [][]byte{
		{0x67, 0x42, 0x00, 0x1e}, // SPS
		{0x68, 0xce, 0x38, 0x80}, // PPS
		{0x65, 0x88, 0x84, 0x00}, // IDR slice
	} {
		buf.Write(startCode)
		buf.Write(nalu)
	}
	return bytes.NewReader(buf.Bytes())
}

func TestAcquireRequiresSource(t *testing.T) {
	r := NewReader(nil, nil)

	err := r.Acquire(context.Background(), domain.CaptureOptions{Video: true})

	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindMedia))
}

func TestAcquireRequiresVideo(t *testing.T) {
	r := NewReader(annexBStream(), nil)

	err := r.Acquire(context.Background(), domain.CaptureOptions{Audio: true})

	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindMedia))
}

func TestAcquireCreatesTrackOnce(t *testing.T) {
	r := NewReader(annexBStream(), nil)
	defer r.Close()

	require.NoError(t, r.Acquire(context.Background(), domain.CaptureOptions{Video: true}))
	require.Len(t, r.Tracks(), 1)

	err := r.Acquire(context.Background(), domain.CaptureOptions{Video: true})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindMedia))
}

func TestCountersUseDefaults(t *testing.T) {
	r := NewReader(annexBStream(), nil)
	defer r.Close()

	require.NoError(t, r.Acquire(context.Background(), domain.CaptureOptions{Video: true}))

	c := r.Counters()
	assert.Equal(t, 1280, c.Width)
	assert.Equal(t, 720, c.Height)
}

func TestCountersHonorCaptureHints(t *testing.T) {
	r := NewReader(annexBStream(), nil)
	defer r.Close()

	err := r.Acquire(context.Background(), domain.CaptureOptions{
		Video:     true,
		Width:     640,
		Height:    480,
		FrameRate: 15,
	})
	require.NoError(t, err)

	c := r.Counters()
	assert.Equal(t, 640, c.Width)
	assert.Equal(t, 480, c.Height)
}

func TestPumpCountsFrames(t *testing.T) {
	r := NewReader(annexBStream(), nil)
	defer r.Close()

	require.NoError(t, r.Acquire(context.Background(), domain.CaptureOptions{Video: true}))

	// one coded slice in the stream; SPS and PPS are not frames
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Counters().Frames == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	c := r.Counters()
	assert.Equal(t, uint64(1), c.Frames)
	assert.Equal(t, uint64(12), c.Bytes, "three 4-byte NAL units")
}

func TestTracksEmptyBeforeAcquire(t *testing.T) {
	r := NewReader(annexBStream(), nil)

	assert.Empty(t, r.Tracks())
}

func TestCloseBeforeAcquireIsSafe(t *testing.T) {
	r := NewReader(annexBStream(), nil)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
}

func TestReacquireAfterClose(t *testing.T) {
	r := NewReader(annexBStream(), nil)

	require.NoError(t, r.Acquire(context.Background(), domain.CaptureOptions{Video: true}))
	require.NoError(t, r.Close())
	assert.Empty(t, r.Tracks())

	require.NoError(t, r.Acquire(context.Background(), domain.CaptureOptions{Video: true}))
	assert.Len(t, r.Tracks(), 1)
	require.NoError(t, r.Close())
}

// stallingSource yields its buffered data and then blocks in Read until
// closed, the way a live pipe behaves between frames.
type stallingSource struct {
	data      *bytes.Reader
	unblock   chan struct{}
	closeOnce sync.Once
}

func newStallingSource() *stallingSource {
	return &stallingSource{data: annexBStream(), unblock: make(chan struct{})}
}

func (s *stallingSource) Read(p []byte) (int, error) {
	if s.data.Len() > 0 {
		return s.data.Read(p)
	}
	<-s.unblock
	return 0, io.EOF
}

func (s *stallingSource) Close() error {
	s.closeOnce.Do(func() { close(s.unblock) })
	return nil
}

func TestCloseUnblocksStalledSource(t *testing.T) {
	src := newStallingSource()
	r := NewReader(src, nil)
	require.NoError(t, r.Acquire(context.Background(), domain.CaptureOptions{Video: true}))

	closed := make(chan struct{})
	go func() {
		_ = r.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a quiet source")
	}
}
