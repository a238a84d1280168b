package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/thermobridge/pkg/config"
)

// lookupEnv is swapped in tests to keep the host environment out.
var lookupEnv config.LookupFunc = os.LookupEnv

// loadConfig resolves the configuration from the --config file, the
// environment and finally any flag the user set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path, lookupEnv)
	if err != nil {
		return nil, err
	}
	applyFlags(cmd, cfg)
	return cfg, nil
}

// applyFlags copies flags the user set onto cfg. Flags a command does not
// define are never Changed, so each command only overrides what it offers.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()

	strs := map[string]*string{
		"address":   &cfg.Address,
		"log-level": &cfg.LogLevel,
		"sink":      &cfg.Sink,
		"mqtt-host": &cfg.MQTT.Host,
		"api-url":   &cfg.API.URL,
	}
	for name, dst := range strs {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}

	durations := map[string]*time.Duration{
		"retry-delay":             &cfg.RetryDelay,
		"watchdog-timeout":        &cfg.WatchdogTimeout,
		"peripheral-wait-timeout": &cfg.PeripheralWaitTimeout,
		"throttle":                &cfg.ThrottleInterval,
	}
	for name, dst := range durations {
		if flags.Changed(name) {
			*dst, _ = flags.GetDuration(name)
		}
	}

	if flags.Changed("mqtt-port") {
		cfg.MQTT.Port, _ = flags.GetInt("mqtt-port")
	}
}
