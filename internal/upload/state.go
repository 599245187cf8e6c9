package upload

import "fmt"

// State is the position of a session in the upload handshake.
type State int

const (
	AwaitingBanner State = iota
	AutobootInterruptSent
	AwaitingUploadPrompt
	PayloadSent
	AwaitingAcknowledgement
	Completed
	Failed
)

var stateNames = [...]string{
	AwaitingBanner:          "AwaitingBanner",
	AutobootInterruptSent:   "AutobootInterruptSent",
	AwaitingUploadPrompt:    "AwaitingUploadPrompt",
	PayloadSent:             "PayloadSent",
	AwaitingAcknowledgement: "AwaitingAcknowledgement",
	Completed:               "Completed",
	Failed:                  "Failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

// MarshalText lets states appear by name in JSON frames.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("upload: unknown state %q", b)
}

// States lists every state in handshake order.
func States() []State {
	return []State{
		AwaitingBanner,
		AutobootInterruptSent,
		AwaitingUploadPrompt,
		PayloadSent,
		AwaitingAcknowledgement,
		Completed,
		Failed,
	}
}
