package transport

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// Transport is the duplex byte channel to the bootloader. Read is bounded by
// the ReadTimeout the transport was opened with; a read that sees no data
// before the timeout returns an error wrapping ErrReadTimeout.
type Transport interface {
	io.ReadWriteCloser
}

// Config holds the parameters a transport is opened with.
type Config struct {
	PortPath    string
	BaudRate    int
	ReadTimeout time.Duration
}

// OpenFunc opens a transport. Implementations must not perform any reads or
// writes on the device while opening.
type OpenFunc func(cfg Config) (Transport, error)

// ErrReadTimeout is returned (wrapped) when a read sees no data in time.
var ErrReadTimeout = errors.New("read timeout")

const (
	// DriverSerial uses go.bug.st/serial. It is the default.
	DriverSerial = "serial"
	// DriverTarm uses github.com/tarm/serial.
	DriverTarm = "tarm"
)

// NewOpener returns the OpenFunc for a named driver.
func NewOpener(driver string) (OpenFunc, error) {
	switch driver {
	case "", DriverSerial:
		return OpenSerial, nil
	case DriverTarm:
		return OpenTarm, nil
	default:
		return nil, fmt.Errorf("transport: unknown driver %q", driver)
	}
}
