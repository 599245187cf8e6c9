package upload

import (
	"errors"
	"fmt"
)

// Kind classifies why an upload attempt failed.
type Kind int

const (
	// KindPayloadUnavailable: the image could not be read; the transport was
	// never opened.
	KindPayloadUnavailable Kind = iota + 1
	// KindTransportOpen: the port could not be opened; nothing was read or written.
	KindTransportOpen
	// KindRead: a read failed or timed out.
	KindRead
	// KindWrite: a command byte or the image could not be written.
	KindWrite
	// KindCancelled: the caller's context ended the attempt.
	KindCancelled
)

// Sentinels for errors.Is. Every *Error matches the sentinel of its Kind.
var (
	ErrPayloadUnavailable = errors.New("payload unavailable")
	ErrTransportOpen      = errors.New("transport open error")
	ErrRead               = errors.New("read error")
	ErrWrite              = errors.New("write error")
	ErrCancelled          = errors.New("cancelled")
)

var errEmptyPayload = errors.New("payload is empty")

func (k Kind) String() string {
	switch k {
	case KindPayloadUnavailable:
		return "PayloadUnavailable"
	case KindTransportOpen:
		return "TransportOpenError"
	case KindRead:
		return "ReadError"
	case KindWrite:
		return "WriteError"
	case KindCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k Kind) sentinel() error {
	switch k {
	case KindPayloadUnavailable:
		return ErrPayloadUnavailable
	case KindTransportOpen:
		return ErrTransportOpen
	case KindRead:
		return ErrRead
	case KindWrite:
		return ErrWrite
	case KindCancelled:
		return ErrCancelled
	default:
		return nil
	}
}

// Error is the failure reported by an upload attempt.
type Error struct {
	Kind  Kind
	State State  // state the session was in when it failed
	Op    string // step that failed, e.g. "select upload"
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("upload: %s during %s (state %s): %v", e.Kind, e.Op, e.State, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf extracts the failure kind from err, if err is or wraps an *Error.
func KindOf(err error) (Kind, bool) {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind, true
	}
	return 0, false
}
