// Package media captures the local audio/video stream and owns every change
// to it: toggles, screen share and release.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-rooms/internal/logging"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Constraints select which kinds to capture.
type Constraints struct {
	Audio bool
	Video bool
}

// Device opens camera and microphone sources.
type Device interface {
	OpenAudio(ctx context.Context) (SampleSource, error)
	OpenVideo(ctx context.Context) (SampleSource, error)
}

// ScreenProvider opens a screen capture source. The source returning io.EOF
// means the user stopped sharing from outside the application.
type ScreenProvider interface {
	OpenScreen(ctx context.Context) (SampleSource, error)
}

// Stream is the captured local stream. Its identity and tracks stay the
// same for the whole session; toggles act on the tracks in place.
type Stream struct {
	ID    string
	Audio *Track
	Video *Track
}

// Controller is the only writer of the local stream.
type Controller struct {
	device Device
	screen ScreenProvider
	logger zerolog.Logger

	mu          sync.Mutex
	stream      *Stream
	screenTrack *Track
	listeners   []func(webrtc.TrackLocal)
}

// NewController creates a controller. screen may be nil when the platform
// cannot share its screen.
func NewController(device Device, screen ScreenProvider, logger *zerolog.Logger) *Controller {
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &Controller{
		device: device,
		screen: screen,
		logger: logging.Component(&l, "media"),
	}
}

// Acquire starts capture. Calling it again returns the same stream.
func (c *Controller) Acquire(ctx context.Context, constraints Constraints) (*Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		return c.stream, nil
	}
	if !constraints.Audio && !constraints.Video {
		return nil, &MediaAccessError{Op: "acquire", Err: ErrNoConstraints}
	}
	if c.device == nil {
		return nil, &MediaAccessError{Op: "acquire", Err: ErrNoDevice}
	}

	stream := &Stream{ID: uuid.New().String()}
	if constraints.Audio {
		track, err := c.open(ctx, c.device.OpenAudio, "audio", stream.ID)
		if err != nil {
			return nil, err
		}
		stream.Audio = track
	}
	if constraints.Video {
		track, err := c.open(ctx, c.device.OpenVideo, "video", stream.ID)
		if err != nil {
			if stream.Audio != nil {
				stream.Audio.Stop()
			}
			return nil, err
		}
		stream.Video = track
	}

	if stream.Audio != nil {
		stream.Audio.start(nil)
	}
	if stream.Video != nil {
		stream.Video.start(nil)
	}
	c.stream = stream
	c.logger.Info().
		Str("streamID", stream.ID).
		Bool("audio", stream.Audio != nil).
		Bool("video", stream.Video != nil).
		Msg("local media acquired")
	return stream, nil
}

func (c *Controller) open(ctx context.Context, open func(context.Context) (SampleSource, error), kind, streamID string) (*Track, error) {
	source, err := open(ctx)
	if err != nil {
		return nil, &MediaAccessError{Op: "acquire", Kind: kind, Err: err}
	}
	track, err := newTrack(source, kind, streamID, c.logger)
	if err != nil {
		source.Close()
		return nil, &MediaAccessError{Op: "acquire", Kind: kind, Err: err}
	}
	return track, nil
}

// Release stops every local track. Safe to call more than once.
func (c *Controller) Release() error {
	c.mu.Lock()
	stream, screen := c.stream, c.screenTrack
	c.stream, c.screenTrack = nil, nil
	c.mu.Unlock()

	var errs []error
	if screen != nil {
		errs = append(errs, screen.Stop())
	}
	if stream != nil {
		if stream.Audio != nil {
			errs = append(errs, stream.Audio.Stop())
		}
		if stream.Video != nil {
			errs = append(errs, stream.Video.Stop())
		}
		c.logger.Info().Str("streamID", stream.ID).Msg("local media released")
	}
	return errors.Join(errs...)
}

// Stream returns the captured stream, or nil before Acquire.
func (c *Controller) Stream() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// ToggleAudio flips the microphone and returns the new state.
func (c *Controller) ToggleAudio() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil || c.stream.Audio == nil {
		return false
	}
	return c.stream.Audio.SetEnabled(!c.stream.Audio.Enabled())
}

// ToggleVideo flips the camera and returns the new state.
func (c *Controller) ToggleVideo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil || c.stream.Video == nil {
		return false
	}
	return c.stream.Video.SetEnabled(!c.stream.Video.Enabled())
}

func (c *Controller) AudioEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil && c.stream.Audio != nil && c.stream.Audio.Enabled()
}

func (c *Controller) VideoEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil && c.stream.Video != nil && c.stream.Video.Enabled()
}

func (c *Controller) ScreenSharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.screenTrack != nil
}

// Tracks returns the outgoing tracks: audio, then the screen while sharing
// or the camera otherwise.
func (c *Controller) Tracks() []webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil
	}
	var tracks []webrtc.TrackLocal
	if c.stream.Audio != nil {
		tracks = append(tracks, c.stream.Audio.Local())
	}
	if video := c.videoLocked(); video != nil {
		tracks = append(tracks, video)
	}
	return tracks
}

// VideoTrack returns the outgoing video track.
func (c *Controller) VideoTrack() webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoLocked()
}

func (c *Controller) videoLocked() webrtc.TrackLocal {
	switch {
	case c.screenTrack != nil:
		return c.screenTrack.Local()
	case c.stream != nil && c.stream.Video != nil:
		return c.stream.Video.Local()
	}
	return nil
}

// OnVideoTrackChange registers fn to run whenever the outgoing video track
// is swapped, including the automatic revert when sharing ends.
func (c *Controller) OnVideoTrackChange(fn func(webrtc.TrackLocal)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *Controller) notify(track webrtc.TrackLocal) {
	c.mu.Lock()
	listeners := append([](func(webrtc.TrackLocal))(nil), c.listeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(track)
	}
}

// StartScreenShare replaces the outgoing video with a screen capture. On
// failure nothing changes.
func (c *Controller) StartScreenShare(ctx context.Context) (webrtc.TrackLocal, error) {
	c.mu.Lock()
	if c.stream == nil {
		c.mu.Unlock()
		return nil, &ScreenShareError{Op: "start", Err: ErrNotAcquired}
	}
	if c.screen == nil {
		c.mu.Unlock()
		return nil, &ScreenShareError{Op: "start", Err: ErrScreenShareUnsupported}
	}
	if c.screenTrack != nil {
		local := c.screenTrack.Local()
		c.mu.Unlock()
		return local, nil
	}
	streamID := c.stream.ID
	c.mu.Unlock()

	source, err := c.screen.OpenScreen(ctx)
	if err != nil {
		return nil, &ScreenShareError{Op: "start", Err: err}
	}
	track, err := newTrack(source, "screen", streamID, c.logger)
	if err != nil {
		source.Close()
		return nil, &ScreenShareError{Op: "start", Err: err}
	}

	c.mu.Lock()
	if c.stream == nil || c.stream.ID != streamID || c.screenTrack != nil {
		c.mu.Unlock()
		track.Stop()
		return nil, &ScreenShareError{Op: "start", Err: ErrNotAcquired}
	}
	c.screenTrack = track
	c.mu.Unlock()

	track.start(func() { c.screenEnded(track) })
	c.logger.Info().Msg("screen share started")
	c.notify(track.Local())
	return track.Local(), nil
}

// StopScreenShare reverts the outgoing video to the camera. A no-op when
// not sharing.
func (c *Controller) StopScreenShare() error {
	return c.stopScreen(nil)
}

func (c *Controller) screenEnded(track *Track) {
	c.logger.Info().Msg("screen source ended, reverting to camera")
	c.stopScreen(track)
}

// stopScreen stops the active screen track, or only want if it is non-nil
// and still active.
func (c *Controller) stopScreen(want *Track) error {
	c.mu.Lock()
	track := c.screenTrack
	if track == nil || (want != nil && want != track) {
		c.mu.Unlock()
		return nil
	}
	c.screenTrack = nil
	camera := c.videoLocked()
	c.mu.Unlock()

	err := track.Stop()
	c.logger.Info().Msg("screen share stopped")
	c.notify(camera)
	if err != nil {
		return &ScreenShareError{Op: "stop", Err: err}
	}
	return nil
}
