// Package bootsim simulates the NEORV32 bootloader console so the uploader
// can be exercised without hardware.
package bootsim

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/neorv32-upload/internal/transport"
)

// Driver is the transport driver name that selects the simulator.
const Driver = "sim"

const (
	banner = "\n\n<< NEORV32 Bootloader >>\n\n" +
		"BLDV: Feb 16 2025\n" +
		"HWV:  0x01100800\n" +
		"CLK:  0x05f5e100\n" +
		"MISA: 0x40901107\n" +
		"XISA: 0xc0000fab\n" +
		"SOC:  0xffff402f\n" +
		"IMEM: 0x00008000\n" +
		"DMEM: 0x00002000\n\n" +
		"Auto-boot in 8s. Press any key to abort.\n"

	help = "Available CMDs:\n" +
		" h: Help\n" +
		" r: Restart\n" +
		" u: Upload\n" +
		" s: Store to flash\n" +
		" l: Load from flash\n" +
		" x: Boot from flash (XIP)\n" +
		" e: Execute\n"

	prompt = "CMD:> "
)

// ErrClosed is returned by Read and Write after Close.
var ErrClosed = errors.New("bootsim: port closed")

type deviceState int

const (
	stateCountdown deviceState = iota
	stateConsole
	stateReceiving
	stateBooted
)

// Config controls the simulated device.
type Config struct {
	ResetDelay      time.Duration // before the banner appears after Open
	ResponseLatency time.Duration // before a reply to a command appears
	AutobootTimeout time.Duration // countdown before the default app boots; 0 means 8s
	Silent          bool          // never print anything
	OpenError       error         // returned by Open when set
}

type segment struct {
	data []byte
	at   time.Time
}

// Simulator is an in-memory bootloader that satisfies transport.Transport.
// Open resets it, so one Simulator can serve consecutive attempts.
type Simulator struct {
	cfg Config

	mu           sync.Mutex
	state        deviceState
	out          []segment
	notify       chan struct{}
	closed       bool
	readTimeout  time.Duration
	bootDeadline time.Time
	image        []byte
	loaded       bool
	commands     []byte
	opens        int
	closes       int
}

// New creates a Simulator.
func New(cfg Config) *Simulator {
	if cfg.AutobootTimeout <= 0 {
		cfg.AutobootTimeout = 8 * time.Second
	}
	return &Simulator{cfg: cfg, notify: make(chan struct{}, 1)}
}

// Open implements transport.OpenFunc. The device behaves as if it was reset
// at the moment the port opened.
func (s *Simulator) Open(cfg transport.Config) (transport.Transport, error) {
	if s.cfg.OpenError != nil {
		return nil, fmt.Errorf("bootsim: open %s: %w", cfg.PortPath, s.cfg.OpenError)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.state = stateCountdown
	s.out = nil
	s.closed = false
	s.readTimeout = cfg.ReadTimeout
	s.bootDeadline = now.Add(s.cfg.ResetDelay + s.cfg.AutobootTimeout)
	s.image = nil
	s.loaded = false
	s.commands = nil
	s.opens++
	s.emitLocked(banner, now.Add(s.cfg.ResetDelay))

	log.Debug().Str("component", Driver).Str("port", cfg.PortPath).Msg("device reset")
	return s, nil
}

// Read returns buffered console output, waiting up to the read timeout.
func (s *Simulator) Read(p []byte) (int, error) {
	var deadline time.Time
	s.mu.Lock()
	if s.readTimeout > 0 {
		deadline = time.Now().Add(s.readTimeout)
	}
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return 0, ErrClosed
		}
		now := time.Now()
		s.checkAutobootLocked(now)
		if n := s.drainLocked(p, now); n > 0 {
			s.mu.Unlock()
			return n, nil
		}
		wake := s.nextWakeLocked(deadline)
		s.mu.Unlock()

		if !deadline.IsZero() && !now.Before(deadline) {
			return 0, fmt.Errorf("bootsim: %w", transport.ErrReadTimeout)
		}

		if wake.IsZero() {
			<-s.notify
			continue
		}
		t := time.NewTimer(time.Until(wake))
		select {
		case <-s.notify:
		case <-t.C:
		}
		t.Stop()
	}
}

// Write feeds bytes to the simulated console.
func (s *Simulator) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	at := time.Now().Add(s.cfg.ResponseLatency)

	if s.state == stateReceiving {
		s.image = append(s.image, p...)
		s.loaded = true
		s.state = stateConsole
		s.emitLocked("OK\n"+prompt, at)
		return len(p), nil
	}

	for _, b := range p {
		s.commands = append(s.commands, b)
		switch s.state {
		case stateCountdown:
			s.state = stateConsole
			s.emitLocked("Aborted.\n\n"+help+prompt, at)
		case stateConsole:
			s.command(b, at)
		}
	}
	return len(p), nil
}

// Close releases the simulated port and wakes a blocked Read.
func (s *Simulator) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.closes++
	}
	s.mu.Unlock()
	s.wake()
	return nil
}

// Image returns the bytes received in the last upload.
func (s *Simulator) Image() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.image...)
}

// Commands returns the console command bytes received since Open, excluding
// image data.
func (s *Simulator) Commands() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.commands...)
}

// Booted reports whether the device left the bootloader.
func (s *Simulator) Booted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateBooted
}

// Opens and Closes count transport opens and releases.
func (s *Simulator) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

func (s *Simulator) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *Simulator) command(b byte, at time.Time) {
	switch b {
	case 'u':
		s.state = stateReceiving
		s.image = nil
		s.emitLocked("u\nAwaiting neorv32_exe.bin... ", at)
	case 'e':
		if !s.loaded {
			s.emitLocked("e\nNo executable available.\n"+prompt, at)
			return
		}
		s.state = stateBooted
		s.emitLocked("e\nBooting from 0x00000000...\n\n", at)
	case 'h':
		s.emitLocked("h\n"+help+prompt, at)
	case '\r', '\n':
		s.emitLocked("\n"+prompt, at)
	default:
		s.emitLocked(string(b)+"\nInvalid CMD\n"+prompt, at)
	}
}

// checkAutobootLocked boots the default application when the countdown
// expires without a key press.
func (s *Simulator) checkAutobootLocked(now time.Time) {
	if s.state != stateCountdown || now.Before(s.bootDeadline) {
		return
	}
	s.state = stateBooted
	s.emitLocked("Booting from 0x00000000...\n\n", now)
}

func (s *Simulator) emitLocked(text string, at time.Time) {
	if s.cfg.Silent {
		return
	}
	s.out = append(s.out, segment{data: []byte(text), at: at})
	s.wake()
}

func (s *Simulator) drainLocked(p []byte, now time.Time) int {
	n := 0
	for len(s.out) > 0 && n < len(p) {
		seg := &s.out[0]
		if seg.at.After(now) {
			break
		}
		c := copy(p[n:], seg.data)
		n += c
		seg.data = seg.data[c:]
		if len(seg.data) == 0 {
			s.out = s.out[1:]
		}
	}
	return n
}

func (s *Simulator) nextWakeLocked(deadline time.Time) time.Time {
	wake := deadline
	earliest := func(t time.Time) {
		if wake.IsZero() || t.Before(wake) {
			wake = t
		}
	}
	if len(s.out) > 0 {
		earliest(s.out[0].at)
	}
	if s.state == stateCountdown {
		earliest(s.bootDeadline)
	}
	return wake
}

func (s *Simulator) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
