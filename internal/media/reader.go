// Package media provides the default local media source: an Annex-B H264
// byte stream (a file, a pipe, an encoder's stdout) pumped into a local
// video track at a fixed frame rate.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/h264reader"
	"go.uber.org/zap"

	"streamkit/internal/domain"
)

const (
	defaultWidth     = 1280
	defaultHeight    = 720
	defaultFrameRate = 30

	// pumpStopTimeout bounds the wait for the pump goroutine on Close. A
	// pump stalled in a read survives past it; the closed source ends it
	// as soon as the read returns.
	pumpStopTimeout = time.Second
)

// Reader implements domain.MediaSource over an Annex-B H264 stream.
type Reader struct {
	logger *zap.Logger
	src    io.Reader

	track  *pion.TrackLocalStaticSample
	width  int
	height int
	fps    int

	frames atomic.Uint64
	bytes  atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReader creates a media source reading from src. A nil logger disables
// logging.
func NewReader(src io.Reader, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{logger: logger, src: src}
}

// Acquire validates the source against the capture options, creates the
// local track and starts the sample pump.
func (r *Reader) Acquire(ctx context.Context, opts domain.CaptureOptions) error {
	if r.src == nil {
		return domain.NewError(domain.KindMedia, "no media source available")
	}
	if !opts.Video {
		return domain.NewError(domain.KindMedia, "video capture disabled but this source provides only video")
	}
	if r.track != nil {
		return domain.NewError(domain.KindMedia, "media source already acquired")
	}

	r.width = opts.Width
	if r.width <= 0 {
		r.width = defaultWidth
	}
	r.height = opts.Height
	if r.height <= 0 {
		r.height = defaultHeight
	}
	r.fps = opts.FrameRate
	if r.fps <= 0 {
		r.fps = defaultFrameRate
	}

	track, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeH264},
		"video", "streamkit",
	)
	if err != nil {
		return domain.WrapError(domain.KindMedia, "create local track", err)
	}
	r.track = track

	nals, err := h264reader.NewReader(r.src)
	if err != nil {
		r.track = nil
		return domain.WrapError(domain.KindMedia, "open H264 source", err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.pump(pumpCtx, nals, track, r.done)

	return nil
}

// pump paces NAL units onto the track at the configured frame rate. The
// track and done channel are passed in so an abandoned pump never touches
// the state of a later Acquire.
func (r *Reader) pump(ctx context.Context, nals *h264reader.H264Reader, track *pion.TrackLocalStaticSample, done chan struct{}) {
	defer close(done)

	frameDur := time.Second / time.Duration(r.fps)
	ticker := time.NewTicker(frameDur)
	defer ticker.Stop()

	for {
		nal, err := nals.NextNAL()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.logger.Warn("read H264 source", zap.Error(err))
			}
			return
		}

		r.bytes.Add(uint64(len(nal.Data)))
		isFrame := nal.UnitType == h264reader.NalUnitTypeCodedSliceIdr ||
			nal.UnitType == h264reader.NalUnitTypeCodedSliceNonIdr
		if isFrame {
			r.frames.Add(1)
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}

		if err := track.WriteSample(media.Sample{Data: nal.Data, Duration: frameDur}); err != nil {
			r.logger.Warn("write sample", zap.Error(err))
			return
		}
	}
}

// Tracks returns the local tracks to publish. Empty before Acquire.
func (r *Reader) Tracks() []pion.TrackLocal {
	if r.track == nil {
		return nil
	}
	return []pion.TrackLocal{r.track}
}

// Counters reports the cumulative source counters.
func (r *Reader) Counters() domain.MediaCounters {
	return domain.MediaCounters{
		Frames: r.frames.Load(),
		Bytes:  r.bytes.Load(),
		Width:  r.width,
		Height: r.height,
	}
}

// Close stops the sample pump and closes the source when it is closable,
// so a read stalled on a quiet pipe cannot block teardown. The reader can
// be acquired again afterwards. Safe to call more than once.
func (r *Reader) Close() error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	r.cancel = nil

	// only closing the source unblocks a pump stalled in a read
	if c, ok := r.src.(io.Closer); ok {
		if err := c.Close(); err != nil {
			r.logger.Warn("close media source", zap.Error(err))
		}
	}

	select {
	case <-r.done:
	case <-time.After(pumpStopTimeout):
		r.logger.Warn("media pump still draining after close")
	}
	r.done = nil
	r.track = nil
	return nil
}

var _ domain.MediaSource = (*Reader)(nil)

// String identifies the source in logs.
func (r *Reader) String() string {
	return fmt.Sprintf("h264-reader(%dx%d@%d)", r.width, r.height, r.fps)
}
