package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/shaunagostinho/neorv32-upload/internal/config"
	"github.com/shaunagostinho/neorv32-upload/internal/logging"
)

var (
	configPath string
	logLevel   string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "neoupload",
	Short: "Upload executables to a NEORV32 bootloader over serial",
	Long: `neoupload talks to the NEORV32 bootloader on a serial port.

It interrupts auto-boot, selects upload, sends neorv32_exe.bin when the
bootloader asks for it and starts the program once the image is
acknowledged. Reset the board after starting an upload so the bootloader
banner appears.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = config.Load(configPath)
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		logging.New(cfg.Logging, os.Stderr)
		log.Debug().Str("component", "main").Str("config", cfg.Path()).Msg("configuration loaded")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Path to config file (.yaml or .toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error, off)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
