// Package config provides the structures used for configuration.
package config

import (
	"io"
	"os"
	"reflect"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/servisys/bacbridge/log"
)

// Config contains the configuration for the bridge, the discovery worker,
// and the sink. Config should be created with a call to [Default], [Read],
// or [Load] as every string field supports ${var} environment expansion.
type Config struct {
	MQTT      MQTTConfig      `yaml:"mqtt,omitempty"`
	BACnet    BACnetConfig    `yaml:"bacnet,omitempty"`
	DB        DBConfig        `yaml:"db,omitempty"`
	Timescale DBConfig        `yaml:"timescale,omitempty"`
	Poll      PollConfig      `yaml:"poll,omitempty"`
	Discovery DiscoveryConfig `yaml:"discovery,omitempty"`
	Sink      SinkConfig      `yaml:"sink,omitempty"`
	Log       LogConfig       `yaml:"log,omitempty"`
}

// PollConfig controls the point polling loop.
type PollConfig struct {
	// Interval is the default poll interval for points that don't carry
	// their own. The database system_settings row overrides this at runtime.
	Interval time.Duration `yaml:"interval"`
	// Tick is how often due points are checked for.
	Tick time.Duration `yaml:"tick,omitempty"`
	// MaxInFlight bounds concurrent reads against a single device.
	MaxInFlight int `yaml:"max_in_flight,omitempty"`
	// Timezone is the IANA zone used to stamp readings. The database
	// system_settings row overrides this at runtime.
	Timezone string `yaml:"timezone,omitempty"`
}

// DiscoveryConfig controls the discovery job worker.
type DiscoveryConfig struct {
	// JobPoll is how often the jobs table is checked for claimed work.
	JobPoll time.Duration `yaml:"job_poll,omitempty"`
	// IAmWait is how long to collect I-Am responses after a Who-Is.
	IAmWait time.Duration `yaml:"iam_wait,omitempty"`
}

// SinkConfig controls the MQTT to TimescaleDB sink.
type SinkConfig struct {
	ClientID string `yaml:"client_id,omitempty"`
	// DedupSize caps the in-memory duplicate suppression set; once full,
	// DedupEvict oldest entries are dropped.
	DedupSize  int `yaml:"dedup_size,omitempty"`
	DedupEvict int `yaml:"dedup_evict,omitempty"`
}

type LogConfig struct {
	Level  log.Level `yaml:"level"`
	Output string    `yaml:"output"`
	Format string    `yaml:"format"`
}

func defaultCfg() *Config {
	return &Config{
		MQTT:      defaultMQTT(),
		BACnet:    defaultBACnet(),
		DB:        defaultDB(),
		Timescale: defaultTimescale(),
		Poll: PollConfig{
			Interval:    time.Duration(envInt("POLL_INTERVAL", 60)) * time.Second,
			Tick:        5 * time.Second,
			MaxInFlight: 8,
			Timezone:    envString("TZ", "UTC"),
		},
		Discovery: DiscoveryConfig{
			JobPoll: 5 * time.Second,
			IAmWait: 5 * time.Second,
		},
		Sink: SinkConfig{
			ClientID:   "bacpipes_telegraf",
			DedupSize:  1000,
			DedupEvict: 100,
		},
		Log: LogConfig{Level: log.LevelInfo},
	}
}

// Default returns the default Config when no config file is provided. The
// defaults come from the environment where a variable is set.
func Default() *Config {
	cfg := defaultCfg()
	cfg.Expand()
	return cfg
}

// Read returns the Config parsed from the yaml encoded config from r.
func Read(r io.Reader) (cfg *Config, err error) {
	cfg = defaultCfg()
	if err = yaml.NewDecoder(r).Decode(cfg); err != nil {
		return
	}
	cfg.Expand()
	return
}

// Load returns the Config parsed from the given yaml file. If the file
// does not exist, the default config is returned.
func Load(file string) (*Config, error) {
	log.Info("Loading config", "path", file)
	f, err := os.Open(file)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Expand replaces ${var} or $var in every string field of cfg according
// to the values of the current environment variables.
func (cfg *Config) Expand() {
	expandValue(reflect.ValueOf(cfg).Elem())
}

func expandValue(v reflect.Value) {
	switch v.Kind() {
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Struct:
		n := v.NumField()
		for i := 0; i < n; i++ {
			expandValue(v.Field(i))
		}
	case reflect.Slice, reflect.Array:
		n := v.Len()
		for i := 0; i < n; i++ {
			expandValue(v.Index(i))
		}
	case reflect.Pointer:
		expandValue(v.Elem())
	}
}

// Write writes the yaml encoding of cfg to w.
func (cfg *Config) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	defer enc.Close()

	enc.SetIndent(2)
	return enc.Encode(cfg)
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
