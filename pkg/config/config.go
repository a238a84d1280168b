package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Sink selections.
const (
	SinkMQTT = "mqtt"
	SinkREST = "rest"
	SinkBoth = "both"
)

// Config holds application configuration
type Config struct {
	// Address of the thermometer. A MAC address on Linux, a CoreBluetooth UUID on macOS.
	Address string `yaml:"address"`

	AdapterWaitTimeout    time.Duration `yaml:"adapter_wait_timeout" default:"30s"`
	PeripheralWaitTimeout time.Duration `yaml:"peripheral_wait_timeout" default:"60s"`
	RetryDelay            time.Duration `yaml:"retry_delay" default:"30s"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout" default:"10s"`
	PairTimeout           time.Duration `yaml:"pair_timeout" default:"10s"`
	WatchdogTimeout       time.Duration `yaml:"watchdog_timeout" default:"10s"`
	ThrottleInterval      time.Duration `yaml:"throttle_interval" default:"3s"`

	LogLevel string `yaml:"log_level" default:"info"`
	Sink     string `yaml:"sink" default:"mqtt"`

	MQTT MQTTConfig `yaml:"mqtt"`
	API  APIConfig  `yaml:"api"`
}

type MQTTConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port" default:"1883"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	ClientID        string `yaml:"client_id"`
	DiscoveryPrefix string `yaml:"discovery_prefix" default:"homeassistant"`
}

type APIConfig struct {
	URL  string `yaml:"url"`
	Key  string `yaml:"key"`
	Auth string `yaml:"auth" default:"legacy"`
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load builds a Config from defaults, then the YAML file at path (if any),
// then the environment.
func Load(path string, lookup LookupFunc) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if lookup != nil {
		if err := cfg.ApplyEnv(lookup); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment variables the bridge has
// always used. Unset variables leave the field alone.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	strs := []struct {
		key string
		dst *string
	}{
		{"SENSOR_MAC_ADDRESS", &c.Address},
		{"MQTT_HOST", &c.MQTT.Host},
		{"MQTT_USERNAME", &c.MQTT.Username},
		{"MQTT_PASSWORD", &c.MQTT.Password},
		{"MQTT_CLIENT_ID", &c.MQTT.ClientID},
		{"API_URL", &c.API.URL},
		{"API_KEY", &c.API.Key},
		{"API_AUTH", &c.API.Auth},
		{"SINK", &c.Sink},
		{"LOG_LEVEL", &c.LogLevel},
	}
	for _, s := range strs {
		if v, ok := lookup(s.key); ok {
			*s.dst = v
		}
	}

	seconds := []struct {
		key string
		dst *time.Duration
	}{
		{"ADAPTER_WAIT_TIMEOUT_SECONDS", &c.AdapterWaitTimeout},
		{"PERIPHERAL_WAIT_TIMEOUT_SECONDS", &c.PeripheralWaitTimeout},
		{"RETRY_DELAY_SECONDS", &c.RetryDelay},
		{"WATCHDOG_TIMEOUT_SECONDS", &c.WatchdogTimeout},
	}
	for _, s := range seconds {
		v, ok := lookup(s.key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("environment variable %q was not a number", s.key)
		}
		*s.dst = time.Duration(n) * time.Second
	}

	if v, ok := lookup("MQTT_PORT"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("environment variable %q was not a number", "MQTT_PORT")
		}
		c.MQTT.Port = n
	}
	return nil
}

// Validate reports the first problem that would stop the bridge from running.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return errors.New("thermometer address is required (SENSOR_MAC_ADDRESS)")
	}

	positive := []struct {
		name  string
		value time.Duration
	}{
		{"adapter_wait_timeout", c.AdapterWaitTimeout},
		{"peripheral_wait_timeout", c.PeripheralWaitTimeout},
		{"connect_timeout", c.ConnectTimeout},
		{"pair_timeout", c.PairTimeout},
		{"watchdog_timeout", c.WatchdogTimeout},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", p.name, p.value)
		}
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry_delay must not be negative, got %s", c.RetryDelay)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}

	switch c.Sink {
	case SinkMQTT, SinkREST, SinkBoth:
	default:
		return fmt.Errorf("unknown sink %q (expected %s, %s or %s)", c.Sink, SinkMQTT, SinkREST, SinkBoth)
	}
	if c.UsesMQTT() && c.MQTT.Host == "" {
		return errors.New("mqtt host is required (MQTT_HOST)")
	}
	if c.UsesMQTT() && (c.MQTT.Port <= 0 || c.MQTT.Port > 65535) {
		return fmt.Errorf("invalid mqtt port %d", c.MQTT.Port)
	}
	if c.UsesREST() && c.API.URL == "" {
		return errors.New("api url is required (API_URL)")
	}
	if c.UsesREST() && c.API.Auth != "legacy" && c.API.Auth != "bearer" {
		return fmt.Errorf("unknown api auth %q (expected legacy or bearer)", c.API.Auth)
	}
	return nil
}

func (c *Config) UsesMQTT() bool { return c.Sink == SinkMQTT || c.Sink == SinkBoth }
func (c *Config) UsesREST() bool { return c.Sink == SinkREST || c.Sink == SinkBoth }

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
