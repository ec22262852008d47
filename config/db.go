package config

import (
	"fmt"
	"net/url"
)

// DBConfig is the configuration for a PostgreSQL connection pool. It is
// used for both the points database and the TimescaleDB sink target.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode,omitempty"`
}

func defaultDB() DBConfig {
	return DBConfig{
		Host:     envString("DB_HOST", "localhost"),
		Port:     envInt("DB_PORT", 5434),
		Name:     envString("DB_NAME", "bacpipes"),
		User:     envString("DB_USER", "postgres"),
		Password: "$DB_PASSWORD",
		SSLMode:  "disable",
	}
}

func defaultTimescale() DBConfig {
	return DBConfig{
		Host:     envString("TIMESCALEDB_HOST", "localhost"),
		Port:     envInt("TIMESCALEDB_PORT", 5433),
		Name:     envString("TIMESCALEDB_NAME", "sensor_data"),
		User:     envString("TIMESCALEDB_USER", "postgres"),
		Password: "$TIMESCALEDB_PASSWORD",
		SSLMode:  "disable",
	}
}

// URL returns the postgres connection URL for cfg.
func (cfg DBConfig) URL() string {
	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:   "/" + cfg.Name,
	}
	if cfg.User != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	}
	if cfg.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", cfg.SSLMode)
		u.RawQuery = q.Encode()
	}
	return u.String()
}
