package upload

import (
	"fmt"
	"time"
)

// EventType distinguishes the notifications a session publishes.
type EventType int

const (
	// EventState is published on every state transition.
	EventState EventType = iota
	// EventReceive carries one chunk read from the transport.
	EventReceive
	// EventSend carries bytes written to the transport.
	EventSend
)

func (t EventType) String() string {
	switch t {
	case EventState:
		return "state"
	case EventReceive:
		return "receive"
	case EventSend:
		return "send"
	default:
		return "unknown"
	}
}

func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *EventType) UnmarshalText(b []byte) error {
	for _, c := range []EventType{EventState, EventReceive, EventSend} {
		if c.String() == string(b) {
			*t = c
			return nil
		}
	}
	return fmt.Errorf("upload: unknown event type %q", b)
}

// Event is a progress notification. Data is the received chunk for
// EventReceive and the written bytes for EventSend; for the image write it
// aliases the caller's payload and must not be modified.
type Event struct {
	Type  EventType `json:"type"`
	Time  time.Time `json:"time"`
	State State     `json:"state"`
	Step  string    `json:"step,omitempty"`
	Data  []byte    `json:"-"`
}
