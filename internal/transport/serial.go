package transport

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

// OpenSerial opens cfg.PortPath with go.bug.st/serial at 8N1.
func OpenSerial(cfg Config) (Transport, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	sp, err := serial.Open(cfg.PortPath, mode)
	if err != nil {
		return nil, fmt.Errorf("serial: failed to open %s: %w", cfg.PortPath, err)
	}
	if cfg.ReadTimeout > 0 {
		if err := sp.SetReadTimeout(cfg.ReadTimeout); err != nil {
			sp.Close()
			return nil, fmt.Errorf("serial: failed to set timeout on %s: %w", cfg.PortPath, err)
		}
	}

	log.Info().
		Str("component", DriverSerial).
		Str("port", cfg.PortPath).
		Int("baud", cfg.BaudRate).
		Dur("read_timeout", cfg.ReadTimeout).
		Msg("opened")
	return newPort(cfg.PortPath, DriverSerial, sp), nil
}
