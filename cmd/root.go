// The bacbridge command bridges BACnet/IP field devices to MQTT.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/servisys/bacbridge/internal/build"
)

// RootCommand is the top-level bacbridge command.
var RootCommand = &cobra.Command{
	Use:     "bacbridge",
	Short:   "Bridge BACnet/IP field devices to MQTT",
	Version: build.Version(),
	Long: `bacbridge polls BACnet/IPv4 points configured in the database and
publishes their readings to MQTT, executes write commands received over
MQTT, runs network discovery jobs, and can sink published readings into
TimescaleDB.`,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		runCleanup()
	},
}

func init() {
	RootCommand.AddGroup(
		&cobra.Group{ID: "commands", Title: "Commands:"},
	)
}

func main() {
	if c, err := RootCommand.ExecuteC(); err != nil {
		if exit, ok := err.(*ExitError); ok {
			os.Exit(exit.Code)
		}

		c.PrintErrln("Error:", err)
		c.Usage()
		os.Exit(1)
	}
}
