package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/shaunagostinho/neorv32-upload/internal/bootsim"
	"github.com/shaunagostinho/neorv32-upload/internal/server"
	"github.com/shaunagostinho/neorv32-upload/web"
)

var (
	listenFlag    string
	serveDemoFlag bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the upload page",
	Long: `Serve a web page for uploading executables.

Pick the image and port in the browser, press Upload and reset the board.
Bootloader output and progress stream to the page over a WebSocket.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if listenFlag != "" {
			cfg.Server.ListenAddr = listenFlag
		}
		if serveDemoFlag {
			cfg.Serial.Driver = bootsim.Driver
			cfg.Serial.PortPath = demoPort
		}
		if _, err := resolveDriver(cfg.SerialSettings().Driver); err != nil {
			return err
		}

		srv := server.New(cfg, resolveDriver, web.FS)
		srv.SetLogger(log.Logger)
		return srv.Run(cmd.Context(), cfg.Server.ListenAddr)
	},
}

func init() {
	serveCmd.Flags().StringVar(&listenFlag, "listen", "", "Override listen address (e.g. :8080)")
	serveCmd.Flags().BoolVar(&serveDemoFlag, "demo", false, "Upload to a simulated bootloader")
	rootCmd.AddCommand(serveCmd)
}
