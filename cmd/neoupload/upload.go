package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/shaunagostinho/neorv32-upload/internal/bootsim"
	"github.com/shaunagostinho/neorv32-upload/internal/logging"
	"github.com/shaunagostinho/neorv32-upload/internal/transcript"
	"github.com/shaunagostinho/neorv32-upload/internal/upload"
)

var (
	portFlag       string
	fileFlag       string
	driverFlag     string
	attemptsFlag   int
	demoFlag       bool
	noProgressFlag bool
)

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload an executable and start it",
	Long: `Upload neorv32_exe.bin to the NEORV32 bootloader and start it.

Start the command, then reset the board:
  1. neoupload upload -p /dev/ttyUSB0 -f neorv32_exe.bin
  2. Press the reset button (or power-cycle the board)
  3. The auto-boot countdown is interrupted and the image is sent

The command exits non-zero and names the failure kind when the upload does
not complete.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		applyUploadFlags(cmd)

		serial := cfg.SerialSettings()
		open, err := resolveDriver(serial.Driver)
		if err != nil {
			return err
		}

		tc := cfg.TranscriptSettings()
		rec := transcript.New(transcript.Config{Enabled: tc.Enabled, Path: tc.Path})
		defer rec.Close()

		show := newProgress(os.Stderr, !noProgressFlag && term.IsTerminal(int(os.Stderr.Fd())))
		eng := upload.New(open,
			upload.WithLogger(logging.Component(log.Logger, "upload")),
			upload.WithObserver(func(ev upload.Event) {
				rec.Record(ev)
				show.update(ev)
			}),
		)

		res := runWithRetry(cmd.Context(), cfg.Upload.Attempts, func(ctx context.Context) upload.Result {
			if err := rec.Begin(serial.PortPath, time.Now()); err != nil {
				log.Warn().Str("component", "transcript").Err(err).Msg("transcript unavailable")
			}
			show.reset()
			res := eng.RunFile(ctx, serial.PortPath, cfg.Upload.File)
			show.done(res)
			rec.End(res)
			return res
		})

		if !res.OK() {
			return fmt.Errorf("%s: %w", res.Port, res.Err)
		}
		fmt.Fprintf(os.Stdout, "Upload complete: %d bytes sent to %s in %s\n",
			res.BytesSent, res.Port, res.Elapsed.Round(time.Millisecond))
		return nil
	},
}

func init() {
	uploadCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (e.g. /dev/ttyUSB0, COM5)")
	uploadCmd.Flags().StringVarP(&fileFlag, "file", "f", "", "Executable image (neorv32_exe.bin)")
	uploadCmd.Flags().StringVar(&driverFlag, "driver", "", "Serial driver: serial, tarm or sim")
	uploadCmd.Flags().IntVar(&attemptsFlag, "attempts", 0, "Whole attempts before giving up (retries read and open failures)")
	uploadCmd.Flags().BoolVar(&demoFlag, "demo", false, "Upload to a simulated bootloader")
	uploadCmd.Flags().BoolVar(&noProgressFlag, "no-progress", false, "Log events instead of drawing a progress bar")
	rootCmd.AddCommand(uploadCmd)
}

// applyUploadFlags lets explicit flags win over config and environment.
func applyUploadFlags(cmd *cobra.Command) {
	if demoFlag {
		cfg.Serial.Driver = bootsim.Driver
		if !cmd.Flags().Changed("port") {
			cfg.Serial.PortPath = demoPort
		}
	}
	if cmd.Flags().Changed("port") {
		cfg.Serial.PortPath = portFlag
	}
	if cmd.Flags().Changed("file") {
		cfg.Upload.File = fileFlag
	}
	if cmd.Flags().Changed("driver") {
		cfg.Serial.Driver = driverFlag
	}
	if cmd.Flags().Changed("attempts") {
		cfg.Upload.Attempts = attemptsFlag
	}
}
