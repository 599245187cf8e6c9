package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/neorv32-upload/internal/transport"
)

var portsJSONFlag bool

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports",
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := transport.ListPorts()
		if err != nil {
			return err
		}
		if portsJSONFlag {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(ports)
		}
		if len(ports) == 0 {
			fmt.Println("No serial ports found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PORT\tUSB ID\tSERIAL\tPRODUCT")
		for _, p := range ports {
			id := "-"
			if p.IsUSB {
				id = p.VID + ":" + p.PID
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Name, id, dash(p.SerialNumber), dash(p.Product))
		}
		return w.Flush()
	},
}

func init() {
	portsCmd.Flags().BoolVar(&portsJSONFlag, "json", false, "Print as JSON")
	rootCmd.AddCommand(portsCmd)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
