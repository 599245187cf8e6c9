package upload

import (
	"fmt"
	"time"
)

// Result is the terminal outcome of one upload attempt.
type Result struct {
	Port      string
	State     State // Completed or Failed
	Err       error // *Error when State is Failed
	Reads     int   // reads that returned data
	BytesSent int
	Started   time.Time
	Elapsed   time.Duration
}

// OK reports whether the image was acknowledged and the execute command sent.
func (r Result) OK() bool {
	return r.State == Completed && r.Err == nil
}

// Kind returns the failure kind, or 0 for a successful result.
func (r Result) Kind() Kind {
	k, _ := KindOf(r.Err)
	return k
}

func (r Result) String() string {
	if r.OK() {
		return fmt.Sprintf("%s: completed, %d bytes sent in %s", r.Port, r.BytesSent, r.Elapsed.Round(time.Millisecond))
	}
	return fmt.Sprintf("%s: %s: %v", r.Port, r.Kind(), r.Err)
}
