package main

import (
	"sync"
	"time"

	"github.com/shaunagostinho/neorv32-upload/internal/bootsim"
	"github.com/shaunagostinho/neorv32-upload/internal/transport"
)

// demoPort is used with --demo when no port is given.
const demoPort = "sim0"

var (
	demoOnce sync.Once
	demoSim  *bootsim.Simulator
)

// demoDevice returns the process-wide simulated board. The reset delay
// stands in for the user pressing reset after starting an upload.
func demoDevice() *bootsim.Simulator {
	demoOnce.Do(func() {
		demoSim = bootsim.New(bootsim.Config{
			ResetDelay:      500 * time.Millisecond,
			ResponseLatency: 20 * time.Millisecond,
		})
	})
	return demoSim
}

// resolveDriver maps a driver name to an opener, including the simulator.
func resolveDriver(driver string) (transport.OpenFunc, error) {
	if driver == bootsim.Driver {
		return demoDevice().Open, nil
	}
	return transport.NewOpener(driver)
}
