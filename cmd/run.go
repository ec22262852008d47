package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/servisys/bacbridge"
	"github.com/servisys/bacbridge/bacnet"
	"github.com/servisys/bacbridge/config"
	"github.com/servisys/bacbridge/log"
	"github.com/servisys/bacbridge/store"
)

// RunCommand runs the polling worker.
var RunCommand = &cobra.Command{
	Use:     "run [flags]",
	Aliases: []string{"worker"},
	Short:   "Run the polling worker",
	Long: `Run the polling worker in the foreground until a signal is received.

The worker connects to the points database, the MQTT broker, and the
local BACnet/IPv4 endpoint. Each point polls on its own interval,
aligned to the minute boundary. Write commands received on
bacnet/write/command execute between poll cycles, with results published
to bacnet/write/result.

The broker row maintained in the database overrides the configured
broker address; the settings GUI is the source of truth.`,
	Example: `  bacbridge run
  bacbridge run --config bacbridge.yaml
  bacbridge run --broker tcp://127.0.0.1:1883`,
	GroupID: "commands",
	Args:    cobra.NoArgs,
	RunE:    runWorker,

	DisableFlagsInUseLine: true,
}

func init() {
	RunCommand.Flags().SortFlags = false
	RunCommand.Flags().StringVarP(&ConfigPath, "config", "c", "", "Path to config file")
	RunCommand.Flags().StringVarP(&Broker, "broker", "b", "", "MQTT broker address")
	RunCommand.Flags().StringVarP(&LogLevel, "log", "l", "", "Log level")
	RunCommand.MarkFlagFilename("config", "yaml", "yml")

	RootCommand.AddCommand(RunCommand)
}

func runWorker(cmd *cobra.Command, _ []string) error {
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

	applySettings(ctx, cfg, db)

	bac, err := bacnet.NewClient(bacnet.ClientOptions{
		LocalAddr: cfg.BACnet.LocalAddr(),
		Device: bacnet.DeviceIdentity{
			ID:     cfg.BACnet.DeviceID,
			Name:   cfg.BACnet.DeviceName,
			Vendor: cfg.BACnet.Vendor,
		},
	})
	if err != nil {
		return &ExitError{err, 1}
	}
	defer bac.Close()
	log.Info("BACnet endpoint ready",
		"addr", cfg.BACnet.LocalAddr(), "device", cfg.BACnet.DeviceID)

	bridge := bacbridge.New(cfg, bac, db)
	applyRuntimeSettings := func() {
		if tz, err := db.LoadTimezone(ctx); err == nil && tz != "" {
			bridge.SetTimezone(tz)
		}
		if settings, err := db.LoadMQTTSettings(ctx); err == nil && settings != nil {
			bridge.SetBatchPublishing(settings.BatchPublishing)
		}
	}
	applyRuntimeSettings()
	watchConfig(ctx, applyRuntimeSettings)

	if err := bridge.Connect(ctx); err != nil {
		log.Error("Not connected", err)
		return &ExitError{err, 1}
	}
	defer bridge.Disconnect()

	bridge.Start(ctx)
	<-bridge.Ready()
	log.Info("Worker started")

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-bridge.Done():
	case <-c:
		log.Info("Received signal, shutting down")
	}
	return nil
}

// applySettings folds the database broker row into the config before the
// MQTT client is built.
func applySettings(ctx context.Context, cfg *config.Config, db *store.Store) {
	settings, err := db.LoadMQTTSettings(ctx)
	if err != nil {
		log.Warn("Failed to load MQTT settings, using config", "error", err)
		return
	}
	if settings == nil {
		return
	}
	cfg.MQTT.Broker = settings.Broker
	if settings.Port > 0 {
		cfg.MQTT.Port = settings.Port
	}
	if settings.ClientID != "" {
		cfg.MQTT.ClientID = settings.ClientID
	}
	log.Info("MQTT broker from database", "broker", cfg.MQTT.BrokerURI())
}
