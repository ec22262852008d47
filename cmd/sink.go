package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/servisys/bacbridge/log"
	"github.com/servisys/bacbridge/sink"
	"github.com/servisys/bacbridge/store"
)

// SinkCommand runs the MQTT to TimescaleDB sink.
var SinkCommand = &cobra.Command{
	Use:   "sink [flags]",
	Short: "Sink published readings into TimescaleDB",
	Long: `Run the reading sink in the foreground until a signal is received.

The sink subscribes to every point reading topic and appends each sample
to the sensor_readings hypertable. Readings are deduplicated by point
and second, so broker reconnect replays are only written once.`,
	Example: `  bacbridge sink
  bacbridge sink --config bacbridge.yaml`,
	GroupID: "commands",
	Args:    cobra.NoArgs,
	RunE:    runSink,

	DisableFlagsInUseLine: true,
}

func init() {
	SinkCommand.Flags().SortFlags = false
	SinkCommand.Flags().StringVarP(&ConfigPath, "config", "c", "", "Path to config file")
	SinkCommand.Flags().StringVarP(&Broker, "broker", "b", "", "MQTT broker address")
	SinkCommand.Flags().StringVarP(&LogLevel, "log", "l", "", "Log level")
	SinkCommand.MarkFlagFilename("config", "yaml", "yml")

	RootCommand.AddCommand(SinkCommand)
}

func runSink(cmd *cobra.Command, _ []string) error {
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
	watchConfig(ctx)

	// The settings row overrides the broker, same as the worker, but the
	// sink keeps its own client id.
	if cdb, err := store.Connect(ctx, cfg.DB); err == nil {
		applySettings(ctx, cfg, cdb)
		cdb.Close()
	} else {
		log.Warn("Points database unavailable, using configured broker", "error", err)
	}

	tsdb, err := store.Connect(ctx, cfg.Timescale)
	if err != nil {
		return &ExitError{err, 1}
	}
	defer tsdb.Close()

	s := sink.New(cfg, tsdb)
	if err := s.Connect(ctx); err != nil {
		log.Error("Not connected", err)
		return &ExitError{err, 1}
	}
	defer s.Disconnect()
	log.Info("Sink started")

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	<-c
	log.Info("Received signal, shutting down")
	return nil
}
