package transport

import (
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
)

// port adapts a driver's ReadWriteCloser to the Transport contract: a read
// that returns no data and no error (go.bug.st/serial) or io.EOF
// (tarm/serial on POSIX) is reported as ErrReadTimeout, and Close is safe to
// call more than once.
type port struct {
	path   string
	driver string
	rwc    io.ReadWriteCloser

	closeOnce sync.Once
	closeErr  error
}

func newPort(path, driver string, rwc io.ReadWriteCloser) *port {
	return &port{path: path, driver: driver, rwc: rwc}
}

func (p *port) Read(b []byte) (int, error) {
	n, err := p.rwc.Read(b)
	if n == 0 && (err == nil || err == io.EOF) {
		return 0, fmt.Errorf("%s: %w", p.path, ErrReadTimeout)
	}
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("%s: read: %w", p.path, err)
	}
	return n, nil
}

func (p *port) Write(b []byte) (int, error) {
	n, err := p.rwc.Write(b)
	if err != nil {
		return n, fmt.Errorf("%s: write: %w", p.path, err)
	}
	if n < len(b) {
		return n, fmt.Errorf("%s: wrote %d of %d bytes: %w", p.path, n, len(b), io.ErrShortWrite)
	}
	return n, nil
}

func (p *port) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.rwc.Close()
		log.Debug().Str("component", p.driver).Str("port", p.path).Msg("closed")
	})
	return p.closeErr
}
