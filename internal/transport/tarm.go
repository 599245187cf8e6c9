package transport

import (
	"fmt"

	"github.com/rs/zerolog/log"
	tarm "github.com/tarm/serial"
)

// OpenTarm opens cfg.PortPath with github.com/tarm/serial. Useful on hosts
// where the go.bug.st driver has trouble with a USB-UART bridge.
func OpenTarm(cfg Config) (Transport, error) {
	sp, err := tarm.OpenPort(&tarm.Config{
		Name:        cfg.PortPath,
		Baud:        cfg.BaudRate,
		ReadTimeout: cfg.ReadTimeout,
		Size:        8,
		Parity:      tarm.ParityNone,
		StopBits:    tarm.Stop1,
	})
	if err != nil {
		return nil, fmt.Errorf("tarm: failed to open %s: %w", cfg.PortPath, err)
	}

	log.Info().
		Str("component", DriverTarm).
		Str("port", cfg.PortPath).
		Int("baud", cfg.BaudRate).
		Dur("read_timeout", cfg.ReadTimeout).
		Msg("opened")
	return newPort(cfg.PortPath, DriverTarm, sp), nil
}
