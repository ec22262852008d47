package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/servisys/bacbridge/discovery"
	"github.com/servisys/bacbridge/log"
	"github.com/servisys/bacbridge/store"
)

// DiscoverCommand runs the discovery job worker.
var DiscoverCommand = &cobra.Command{
	Use:   "discover [flags]",
	Short: "Run the discovery job worker",
	Long: `Run the discovery job worker in the foreground until a signal is
received.

The worker polls the DiscoveryJob table for rows with status "running",
oldest first. For each job it broadcasts Who-Is over the device's
subnet, enumerates the object list of every device that answers, and
upserts the discovered devices and points.`,
	Example: `  bacbridge discover
  bacbridge discover --config bacbridge.yaml`,
	GroupID: "commands",
	Args:    cobra.NoArgs,
	RunE:    runDiscovery,

	DisableFlagsInUseLine: true,
}

func init() {
	DiscoverCommand.Flags().SortFlags = false
	DiscoverCommand.Flags().StringVarP(&ConfigPath, "config", "c", "", "Path to config file")
	DiscoverCommand.Flags().StringVarP(&LogLevel, "log", "l", "", "Log level")
	DiscoverCommand.MarkFlagFilename("config", "yaml", "yml")

	RootCommand.AddCommand(DiscoverCommand)
}

func runDiscovery(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	db, err := store.Connect(ctx, cfg.DB)
	if err != nil {
		return &ExitError{err, 1}
	}
	defer db.Close()

	worker := discovery.NewWorker(cfg, db)

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-c
		log.Info("Received signal, shutting down")
		cancel()
	}()

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return &ExitError{err, 1}
	}
	return nil
}
