// Package mediatest provides capture sources that need no hardware.
package mediatest

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/mossy-p/webrtc-rooms/internal/media"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

var (
	Opus = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	VP8  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
)

// Source emits a small sample every Interval until stopped or closed.
type Source struct {
	codec    webrtc.RTPCodecCapability
	interval time.Duration

	mu        sync.Mutex
	reads     int
	ended     chan struct{}
	closed    chan struct{}
	endOnce   sync.Once
	closeOnce sync.Once
}

func NewSource(codec webrtc.RTPCodecCapability) *Source {
	return &Source{
		codec:    codec,
		interval: 10 * time.Millisecond,
		ended:    make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

func (s *Source) Codec() webrtc.RTPCodecCapability { return s.codec }

func (s *Source) ReadSample() (pionmedia.Sample, error) {
	select {
	case <-s.ended:
		return pionmedia.Sample{}, io.EOF
	case <-s.closed:
		return pionmedia.Sample{}, io.EOF
	default:
	}
	s.mu.Lock()
	s.reads++
	s.mu.Unlock()
	return pionmedia.Sample{Data: []byte{0x00}, Duration: s.interval}, nil
}

func (s *Source) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// End makes the source finish by itself, like a user stopping a share from
// the browser bar.
func (s *Source) End() {
	s.endOnce.Do(func() { close(s.ended) })
}

func (s *Source) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Source) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// Device hands out fresh sources. A non-nil AudioErr or VideoErr makes the
// matching Open call fail.
type Device struct {
	AudioErr error
	VideoErr error

	mu     sync.Mutex
	opened []*Source
}

func (d *Device) OpenAudio(context.Context) (media.SampleSource, error) {
	if d.AudioErr != nil {
		return nil, d.AudioErr
	}
	return d.add(NewSource(Opus)), nil
}

func (d *Device) OpenVideo(context.Context) (media.SampleSource, error) {
	if d.VideoErr != nil {
		return nil, d.VideoErr
	}
	return d.add(NewSource(VP8)), nil
}

func (d *Device) add(s *Source) *Source {
	d.mu.Lock()
	d.opened = append(d.opened, s)
	d.mu.Unlock()
	return s
}

// Sources returns every source opened so far.
func (d *Device) Sources() []*Source {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Source(nil), d.opened...)
}

// Screen is a screen share provider. Err simulates the user declining.
type Screen struct {
	Err error

	mu   sync.Mutex
	last *Source
}

func (s *Screen) OpenScreen(context.Context) (media.SampleSource, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	src := NewSource(VP8)
	s.mu.Lock()
	s.last = src
	s.mu.Unlock()
	return src, nil
}

// Last returns the most recently opened screen source.
func (s *Screen) Last() *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
