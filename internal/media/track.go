package media

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// SampleSource produces encoded media samples. ReadSample returns io.EOF when
// the source ends on its own.
type SampleSource interface {
	Codec() webrtc.RTPCodecCapability
	ReadSample() (media.Sample, error)
	Close() error
}

// Track is an outgoing local track fed from a SampleSource. Disabling a
// track keeps it attached but stops writing samples to it.
type Track struct {
	local   *webrtc.TrackLocalStaticSample
	source  SampleSource
	logger  zerolog.Logger
	enabled atomic.Bool
	started atomic.Bool

	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newTrack(source SampleSource, id, streamID string, logger zerolog.Logger) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(source.Codec(), id, streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", id, err)
	}
	t := &Track{
		local:   local,
		source:  source,
		logger:  logger.With().Str("trackID", id).Logger(),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	t.enabled.Store(true)
	return t, nil
}

// Local is the track handed to peer connections.
func (t *Track) Local() webrtc.TrackLocal {
	return t.local
}

func (t *Track) ID() string {
	return t.local.ID()
}

func (t *Track) Kind() webrtc.RTPCodecType {
	return t.local.Kind()
}

func (t *Track) Enabled() bool {
	return t.enabled.Load()
}

// SetEnabled flips the track in place and returns the new state.
func (t *Track) SetEnabled(on bool) bool {
	t.enabled.Store(on)
	return on
}

// start runs the sample pump. ended is called on its own goroutine if the
// source finishes by itself rather than through Stop.
func (t *Track) start(ended func()) {
	t.started.Store(true)
	go func() {
		defer close(t.stopped)
		for {
			select {
			case <-t.stop:
				return
			default:
			}

			sample, err := t.source.ReadSample()
			if err != nil {
				select {
				case <-t.stop:
					return
				default:
				}
				if errors.Is(err, io.EOF) {
					t.logger.Debug().Msg("source ended")
				} else {
					t.logger.Warn().Err(err).Msg("source failed")
				}
				if ended != nil {
					go ended()
				}
				return
			}

			if t.enabled.Load() {
				if err := t.local.WriteSample(sample); err != nil {
					t.logger.Trace().Err(err).Msg("failed to write sample")
				}
			}

			if sample.Duration > 0 {
				timer := time.NewTimer(sample.Duration)
				select {
				case <-t.stop:
					timer.Stop()
					return
				case <-timer.C:
				}
			}
		}
	}()
}

// Stop ends the pump and closes the source.
func (t *Track) Stop() error {
	var err error
	t.once.Do(func() {
		close(t.stop)
		err = t.source.Close()
		if t.started.Load() {
			<-t.stopped
		}
	})
	return err
}
