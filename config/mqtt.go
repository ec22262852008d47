package config

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/servisys/bacbridge/log"
)

// MQTTConfig is the configuration for the MQTT client.
//
// See [mqtt.ClientOptions]
type MQTTConfig struct {
	// Broker is the URI of the broker. The format should be scheme://host:port
	// where "scheme" is one of "tcp", "ssl", or "ws". A bare hostname is
	// accepted and combined with Port under the tcp scheme.
	Broker string `yaml:"broker"`
	// Port is the broker port used when Broker carries no port of its own.
	Port int `yaml:"port,omitempty"`
	// ClientID is the client ID used when connecting to the broker.
	ClientID string `yaml:"client_id,omitempty"`
	// Username is the username used when connecting to the broker.
	Username string `yaml:"username"`
	// Password is the password used when connecting to the broker.
	Password string `yaml:"password"`
	// KeepAlive is the duration that the client should wait before pinging
	// the broker. This allows the client to know the connection hasn't been
	// lost.
	KeepAlive time.Duration `yaml:"keep_alive,omitempty"`
	// CertFile is the path to the PEM-encoded TLS certificate. If blank
	// (default) then TLS is not used between the client and the broker.
	CertFile string `yaml:"cert_file,omitempty"`
	// KeyFile is the path to the PEM-encoded TLS private key. If blank
	// (default) then TLS is not used between the client and the broker.
	KeyFile string `yaml:"key_file,omitempty"`
	// ReconnectMin and ReconnectMax bound the delay between automatic
	// reconnection attempts. ReconnectMin also paces the initial connect
	// retries.
	ReconnectMin time.Duration `yaml:"reconnect_min,omitempty"`
	ReconnectMax time.Duration `yaml:"reconnect_max,omitempty"`
	// ConnectTimeout is the duration that the client will wait when
	// attempting to open a connection to the broker before timing out.
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
	// LogLevel is the log level to provide to the backing MQTT client
	// package. See [mqtt.Logger]
	LogLevel log.Level `yaml:"log_level"`

	tlsCert *tls.Certificate
}

func defaultMQTT() MQTTConfig {
	return MQTTConfig{
		Broker:       envString("MQTT_BROKER", "localhost"),
		Port:         envInt("MQTT_PORT", 1883),
		ClientID:     envString("MQTT_CLIENT_ID", "bacpipes_worker"),
		Username:     "$MQTT_USERNAME",
		Password:     "$MQTT_PASSWORD",
		KeepAlive:    60 * time.Second,
		ReconnectMin: time.Second,
		ReconnectMax: 60 * time.Second,
		LogLevel:     log.LevelDisabled,
	}
}

// BrokerURI returns the broker address as a URI, filling in the tcp
// scheme and the configured port when Broker is a bare hostname.
func (cfg *MQTTConfig) BrokerURI() string {
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		port := cfg.Port
		if port == 0 {
			port = 1883
		}
		broker = fmt.Sprintf("tcp://%s:%d", broker, port)
	}
	return broker
}

// ClientOptions returns cfg formatted as [mqtt.ClientOptions] to provide
// to the backing MQTT client when calling [mqtt.NewClient].
func (cfg *MQTTConfig) ClientOptions() *mqtt.ClientOptions {
	o := mqtt.NewClientOptions()
	o.AddBroker(cfg.BrokerURI())
	o.SetClientID(cfg.ClientID)
	o.SetUsername(cfg.Username).SetPassword(cfg.Password)
	o.SetCleanSession(true)
	o.SetAutoReconnect(true)
	o.SetResumeSubs(true)

	if cfg.KeepAlive > 0 {
		o.SetKeepAlive(cfg.KeepAlive)
	}

	if cfg.ReconnectMin > 0 {
		o.SetConnectRetry(true)
		o.SetConnectRetryInterval(cfg.ReconnectMin)
	}

	if cfg.ReconnectMax > 0 {
		o.SetMaxReconnectInterval(cfg.ReconnectMax)
	}

	if cfg.ConnectTimeout > 0 {
		o.SetConnectTimeout(cfg.ConnectTimeout)
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		o.SetTLSConfig(&tls.Config{
			GetCertificate: cfg.getCertificate,
		})
	}

	return o
}

func (cfg *MQTTConfig) getCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if cfg.tlsCert == nil {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, err
		}

		cfg.tlsCert = &cert
	}

	return cfg.tlsCert, nil
}
