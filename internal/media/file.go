package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const opusSampleRate = 48000

// FileDevice captures from pre-encoded files: an Ogg/Opus file for audio and
// an IVF file for video. Headless clients use it in place of a camera.
type FileDevice struct {
	AudioPath string
	VideoPath string
	// Loop restarts a file from the beginning when it ends.
	Loop bool
}

func (d FileDevice) OpenAudio(context.Context) (SampleSource, error) {
	if d.AudioPath == "" {
		return nil, ErrNoDevice
	}
	return openOgg(d.AudioPath, d.Loop)
}

func (d FileDevice) OpenVideo(context.Context) (SampleSource, error) {
	if d.VideoPath == "" {
		return nil, ErrNoDevice
	}
	return openIVF(d.VideoPath, d.Loop)
}

// FileScreen shares an IVF file as the screen. The share ends when the file
// does.
type FileScreen struct {
	Path string
}

func (s FileScreen) OpenScreen(context.Context) (SampleSource, error) {
	if s.Path == "" {
		return nil, ErrScreenShareUnsupported
	}
	return openIVF(s.Path, false)
}

func openFile(path string) (*os.File, error) {
	f, err := os.Open(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("%s: %w", path, ErrNoDevice)
	case errors.Is(err, os.ErrPermission):
		return nil, fmt.Errorf("%s: %w", path, ErrPermissionDenied)
	case err != nil:
		return nil, err
	}
	return f, nil
}

type ivfSource struct {
	path  string
	loop  bool
	codec webrtc.RTPCodecCapability
	frame time.Duration

	mu     sync.Mutex
	file   *os.File
	reader *ivfreader.IVFReader
	closed bool
}

func openIVF(path string, loop bool) (*ivfSource, error) {
	s := &ivfSource{path: path, loop: loop}
	header, err := s.open()
	if err != nil {
		return nil, err
	}

	switch header.FourCC {
	case "VP80":
		s.codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	case "VP90":
		s.codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000}
	case "AV01":
		s.codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeAV1, ClockRate: 90000}
	default:
		s.file.Close()
		return nil, fmt.Errorf("%s: unsupported codec %q", path, header.FourCC)
	}
	if header.TimebaseDenominator > 0 {
		s.frame = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	}
	if s.frame <= 0 {
		s.frame = time.Second / 30
	}
	return s, nil
}

func (s *ivfSource) open() (*ivfreader.IVFFileHeader, error) {
	f, err := openFile(s.path)
	if err != nil {
		return nil, err
	}
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	s.file, s.reader = f, reader
	return header, nil
}

func (s *ivfSource) Codec() webrtc.RTPCodecCapability {
	return s.codec
}

func (s *ivfSource) ReadSample() (media.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return media.Sample{}, io.EOF
	}

	frame, _, err := s.reader.ParseNextFrame()
	if errors.Is(err, io.EOF) && s.loop {
		s.file.Close()
		if _, err = s.open(); err != nil {
			return media.Sample{}, err
		}
		frame, _, err = s.reader.ParseNextFrame()
	}
	if err != nil {
		return media.Sample{}, err
	}
	return media.Sample{Data: frame, Duration: s.frame}, nil
}

func (s *ivfSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

type oggSource struct {
	path string
	loop bool

	mu      sync.Mutex
	file    *os.File
	reader  *oggreader.OggReader
	granule uint64
	closed  bool
}

func openOgg(path string, loop bool) (*oggSource, error) {
	s := &oggSource{path: path, loop: loop}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *oggSource) open() error {
	f, err := openFile(s.path)
	if err != nil {
		return err
	}
	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", s.path, err)
	}
	s.file, s.reader, s.granule = f, reader, 0
	return nil
}

func (s *oggSource) Codec() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusSampleRate, Channels: 2}
}

func (s *oggSource) ReadSample() (media.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return media.Sample{}, io.EOF
	}

	page, header, err := s.reader.ParseNextPage()
	if errors.Is(err, io.EOF) && s.loop {
		s.file.Close()
		if err = s.open(); err != nil {
			return media.Sample{}, err
		}
		page, header, err = s.reader.ParseNextPage()
	}
	if err != nil {
		return media.Sample{}, err
	}

	var samples uint64
	if header.GranulePosition > s.granule {
		samples = header.GranulePosition - s.granule
	}
	s.granule = header.GranulePosition
	duration := time.Duration(float64(samples) / opusSampleRate * float64(time.Second))
	return media.Sample{Data: page, Duration: duration}, nil
}

func (s *oggSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}
