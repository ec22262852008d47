package main

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/servisys/bacbridge/config"
	"github.com/servisys/bacbridge/internal/cleanup"
	"github.com/servisys/bacbridge/log"
)

// Flags shared by the subcommands.
var (
	ConfigPath string // Path to config file
	Broker     string // MQTT broker address
	LogLevel   string // Log level
)

// AddCleanup registers f to run after the command finishes.
func AddCleanup(f func()) {
	cleanup.Register(f)
}

func runCleanup() {
	cleanup.Cleanup()
}

// ExitError is an error that should cause the program to exit with the
// given code.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func loadConfig() (*config.Config, error) {
	if ConfigPath == "" {
		ConfigPath = os.Getenv("BACBRIDGE_CONFIG")
	}
	var (
		cfg *config.Config
		err error
	)
	if ConfigPath != "" {
		cfg, err = config.Load(ConfigPath)
	} else {
		cfg = config.Default()
	}
	if err != nil {
		return nil, err
	}
	if err := flagsToConfig(cfg); err != nil {
		return nil, err
	}
	setLogHandler(cfg)
	return cfg, nil
}

func flagsToConfig(cfg *config.Config) error {
	if LogLevel != "" {
		var level log.Level
		if err := level.UnmarshalText([]byte(LogLevel)); err != nil {
			return err
		}
		cfg.Log.Level = level
	}
	if Broker != "" {
		cfg.MQTT.Broker = Broker
	}
	return nil
}

// watchConfig reloads logging settings when the config file changes and
// runs any extra reload hooks. Broker and database endpoints require a
// restart.
func watchConfig(ctx context.Context, onReload ...func()) {
	if ConfigPath == "" {
		return
	}
	ch, err := config.Watch(ctx, ConfigPath)
	if err != nil {
		log.Warn("Unable to watch config file", "path", ConfigPath, "error", err)
		return
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
			}
			cfg, err := config.Load(ConfigPath)
			if err != nil {
				log.Warn("Config file changed but failed to load", "error", err)
				continue
			}
			if err := flagsToConfig(cfg); err != nil {
				continue
			}
			setLogHandler(cfg)
			for _, f := range onReload {
				f()
			}
			log.Info("Config file changed, settings reloaded")
		}
	}()
}

func setLogHandler(cfg *config.Config) {
	var w io.Writer
	switch strings.ToLower(cfg.Log.Output) {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	case "discard":
		log.SetLogLevel(log.LevelDisabled)
		return
	default:
		f, err := os.OpenFile(cfg.Log.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Error("Unable to open log file, deferring to stderr", err)
			w = os.Stderr
		} else {
			w = f
			AddCleanup(func() { f.Close() })
		}
	}

	log.SetLogLevel(cfg.Log.Level)
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		log.SetJSONHandler(w)
	default:
		log.SetTextHandler(w)
	}
}
