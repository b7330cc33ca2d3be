package media_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/webrtc-rooms/internal/media"
	"github.com/mossy-p/webrtc-rooms/internal/media/mediatest"
	"github.com/pion/webrtc/v4"
)

func acquire(t *testing.T, device *mediatest.Device, screen media.ScreenProvider) *media.Controller {
	t.Helper()
	c := media.NewController(device, screen, nil)
	if _, err := c.Acquire(context.Background(), media.Constraints{Audio: true, Video: true}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	t.Cleanup(func() { c.Release() })
	return c
}

func TestToggleKeepsStreamIdentity(t *testing.T) {
	c := acquire(t, &mediatest.Device{}, nil)
	stream := c.Stream()
	audio, video := stream.Audio, stream.Video

	if !c.AudioEnabled() || !c.VideoEnabled() {
		t.Fatal("tracks should start enabled")
	}
	if c.ToggleAudio() {
		t.Fatal("first audio toggle should mute")
	}
	if c.ToggleVideo() {
		t.Fatal("first video toggle should turn the camera off")
	}
	if c.AudioEnabled() || c.VideoEnabled() {
		t.Fatal("tracks should be disabled")
	}
	if !c.ToggleAudio() || !c.ToggleVideo() {
		t.Fatal("second toggle should re-enable")
	}

	if c.Stream() != stream || c.Stream().Audio != audio || c.Stream().Video != video {
		t.Fatal("toggling replaced the stream or its tracks")
	}
	if got := len(c.Tracks()); got != 2 {
		t.Fatalf("Tracks() = %d, want 2", got)
	}
}

func TestAcquireIsIdempotent(t *testing.T) {
	device := &mediatest.Device{}
	c := acquire(t, device, nil)
	first := c.Stream()

	again, err := c.Acquire(context.Background(), media.Constraints{Audio: true})
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if again != first {
		t.Fatal("second acquire returned a different stream")
	}
	if got := len(device.Sources()); got != 2 {
		t.Fatalf("opened %d sources, want 2", got)
	}
}

func TestAcquireErrors(t *testing.T) {
	tests := []struct {
		name        string
		device      media.Device
		constraints media.Constraints
		want        error
	}{
		{"no constraints", &mediatest.Device{}, media.Constraints{}, media.ErrNoConstraints},
		{"no device", nil, media.Constraints{Audio: true}, media.ErrNoDevice},
		{"microphone denied", &mediatest.Device{AudioErr: media.ErrPermissionDenied}, media.Constraints{Audio: true, Video: true}, media.ErrPermissionDenied},
		{"camera missing", &mediatest.Device{VideoErr: media.ErrNoDevice}, media.Constraints{Audio: true, Video: true}, media.ErrNoDevice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := media.NewController(tt.device, nil, nil)
			_, err := c.Acquire(context.Background(), tt.constraints)

			var accessErr *media.MediaAccessError
			if !errors.As(err, &accessErr) {
				t.Fatalf("err = %v, want MediaAccessError", err)
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if c.Stream() != nil {
				t.Fatal("failed acquire left a stream behind")
			}
		})
	}
}

func TestAcquireFailureStopsOpenedAudio(t *testing.T) {
	device := &mediatest.Device{VideoErr: media.ErrNoDevice}
	c := media.NewController(device, nil, nil)
	if _, err := c.Acquire(context.Background(), media.Constraints{Audio: true, Video: true}); err == nil {
		t.Fatal("acquire should fail")
	}
	sources := device.Sources()
	if len(sources) != 1 || !sources[0].Closed() {
		t.Fatal("audio source should be closed after video failed")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type trackLog struct {
	mu     sync.Mutex
	tracks []webrtc.TrackLocal
}

func (l *trackLog) record(track webrtc.TrackLocal) {
	l.mu.Lock()
	l.tracks = append(l.tracks, track)
	l.mu.Unlock()
}

func (l *trackLog) all() []webrtc.TrackLocal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), l.tracks...)
}

func TestScreenShare(t *testing.T) {
	screen := &mediatest.Screen{}
	c := acquire(t, &mediatest.Device{}, screen)
	camera := c.VideoTrack()
	changes := &trackLog{}
	c.OnVideoTrackChange(changes.record)

	shared, err := c.StartScreenShare(context.Background())
	if err != nil {
		t.Fatalf("start screen share: %v", err)
	}
	if shared == camera || c.VideoTrack() != shared {
		t.Fatal("outgoing video should be the screen track")
	}
	if !c.ScreenSharing() {
		t.Fatal("ScreenSharing() = false while sharing")
	}

	again, err := c.StartScreenShare(context.Background())
	if err != nil || again != shared {
		t.Fatalf("second start = %v, %v; want the same track", again, err)
	}

	if err := c.StopScreenShare(); err != nil {
		t.Fatalf("stop screen share: %v", err)
	}
	if c.VideoTrack() != camera || c.ScreenSharing() {
		t.Fatal("video should revert to the camera")
	}
	if !screen.Last().Closed() {
		t.Fatal("screen source should be closed")
	}
	if err := c.StopScreenShare(); err != nil {
		t.Fatalf("stop while not sharing: %v", err)
	}

	got := changes.all()
	if len(got) != 2 || got[0] != shared || got[1] != camera {
		t.Fatalf("track changes = %v, want [screen camera]", got)
	}
}

func TestScreenShareEndedExternally(t *testing.T) {
	screen := &mediatest.Screen{}
	c := acquire(t, &mediatest.Device{}, screen)
	camera := c.VideoTrack()
	changes := &trackLog{}
	c.OnVideoTrackChange(changes.record)

	if _, err := c.StartScreenShare(context.Background()); err != nil {
		t.Fatalf("start screen share: %v", err)
	}
	screen.Last().End()

	waitFor(t, "revert to camera", func() bool { return !c.ScreenSharing() })
	if c.VideoTrack() != camera {
		t.Fatal("video should revert to the camera")
	}
	waitFor(t, "track change", func() bool { return len(changes.all()) == 2 })
}

func TestScreenShareDenied(t *testing.T) {
	c := acquire(t, &mediatest.Device{}, &mediatest.Screen{Err: media.ErrPermissionDenied})
	camera := c.VideoTrack()

	_, err := c.StartScreenShare(context.Background())
	var shareErr *media.ScreenShareError
	if !errors.As(err, &shareErr) || !errors.Is(err, media.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ScreenShareError wrapping permission denied", err)
	}
	if c.VideoTrack() != camera || c.ScreenSharing() {
		t.Fatal("a declined share must leave the camera in place")
	}
}

func TestScreenShareUnsupported(t *testing.T) {
	c := acquire(t, &mediatest.Device{}, nil)
	if _, err := c.StartScreenShare(context.Background()); !errors.Is(err, media.ErrScreenShareUnsupported) {
		t.Fatalf("err = %v, want ErrScreenShareUnsupported", err)
	}

	idle := media.NewController(&mediatest.Device{}, &mediatest.Screen{}, nil)
	if _, err := idle.StartScreenShare(context.Background()); !errors.Is(err, media.ErrNotAcquired) {
		t.Fatalf("err = %v, want ErrNotAcquired", err)
	}
}

func TestReleaseStopsEverything(t *testing.T) {
	device := &mediatest.Device{}
	screen := &mediatest.Screen{}
	c := media.NewController(device, screen, nil)
	if _, err := c.Acquire(context.Background(), media.Constraints{Audio: true, Video: true}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := c.StartScreenShare(context.Background()); err != nil {
		t.Fatalf("start screen share: %v", err)
	}

	if err := c.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	for i, s := range device.Sources() {
		if !s.Closed() {
			t.Fatalf("source %d still open", i)
		}
	}
	if !screen.Last().Closed() {
		t.Fatal("screen source still open")
	}
	if c.Stream() != nil || c.Tracks() != nil {
		t.Fatal("released controller still has a stream")
	}
	if err := c.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
}
