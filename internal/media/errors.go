package media

import (
	"errors"
	"fmt"
)

var (
	ErrNoDevice               = errors.New("no capture device")
	ErrPermissionDenied       = errors.New("permission denied")
	ErrNoConstraints          = errors.New("neither audio nor video requested")
	ErrNotAcquired            = errors.New("local media not acquired")
	ErrScreenShareUnsupported = errors.New("screen share unsupported")
)

// MediaAccessError means local capture could not start. It is fatal to
// joining a room.
type MediaAccessError struct {
	Op   string
	Kind string
	Err  error
}

func (e *MediaAccessError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("media %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("media %s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *MediaAccessError) Unwrap() error {
	return e.Err
}

// ScreenShareError means screen sharing could not start. The session keeps
// sending its camera.
type ScreenShareError struct {
	Op  string
	Err error
}

func (e *ScreenShareError) Error() string {
	return fmt.Sprintf("screen share %s: %v", e.Op, e.Err)
}

func (e *ScreenShareError) Unwrap() error {
	return e.Err
}
