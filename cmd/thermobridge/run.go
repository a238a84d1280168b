package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/thermobridge/internal/device"
	goble "github.com/srg/thermobridge/internal/device/go-ble"
	"github.com/srg/thermobridge/internal/sink"
	"github.com/srg/thermobridge/internal/supervisor"
	"github.com/srg/thermobridge/internal/thermometer"
	"github.com/srg/thermobridge/pkg/config"
)

const sinkCloseTimeout = 5 * time.Second

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Stream probe temperatures to Home Assistant",
	Long: `Connect to the configured thermometer and publish its six probe
temperatures to Home Assistant until interrupted.

The bridge waits for Bluetooth, scans for the thermometer, pairs, and starts
the temperature stream. Whenever the thermometer goes out of range, is turned
off, or stops sending data, the bridge waits and starts over.`,
	Example: `  SENSOR_MAC_ADDRESS=A4:C1:38:5E:00:01 MQTT_HOST=broker.local thermobridge run
  thermobridge run --config /etc/thermobridge.yaml --sink both`,
	RunE: runBridge,
}

// newAdapter is swapped in tests for a scripted adapter.
var newAdapter = func(logger *logrus.Logger) device.Adapter {
	return goble.NewAdapter(logger)
}

func init() {
	runCmd.Flags().String("sink", "", "Where to publish readings (mqtt, rest, both)")
	runCmd.Flags().String("mqtt-host", "", "MQTT broker host")
	runCmd.Flags().Int("mqtt-port", 0, "MQTT broker port")
	runCmd.Flags().String("api-url", "", "Home Assistant base URL for the REST sink")
	runCmd.Flags().Duration("retry-delay", 0, "Wait between reconnect attempts")
	runCmd.Flags().Duration("watchdog-timeout", 0, "Reconnect when no temperatures arrive for this long")
	runCmd.Flags().Duration("peripheral-wait-timeout", 0, "How long to scan for the thermometer per attempt")
	runCmd.Flags().Duration("throttle", 0, "Publish at most one reading per interval")
	runCmd.Flags().Int("max-attempts", 0, "Give up after this many failed attempts (0 retries forever)")
	runCmd.Flags().BoolP("verbose", "v", false, "Enable debug logging")
}

func runBridge(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg.LogLevel, "verbose")
	if err != nil {
		return err
	}
	maxAttempts, _ := cmd.Flags().GetInt("max-attempts")

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(cmd.OutOrStdout(), "\nShutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	out, closeSinks, err := buildSinks(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	adapter := newAdapter(logger)
	defer func() {
		if err := adapter.Close(); err != nil {
			logger.WithError(err).Warn("Failed to release Bluetooth adapter")
		}
	}()

	reporter := NewStreamReporter(cmd.OutOrStdout())
	sup := supervisor.New(adapter, sink.NewThrottle(out, cfg.ThrottleInterval, nil), supervisor.Options{
		Address:               cfg.Address,
		AdapterWaitTimeout:    cfg.AdapterWaitTimeout,
		PeripheralWaitTimeout: cfg.PeripheralWaitTimeout,
		RetryDelay:            cfg.RetryDelay,
		MaxAttempts:           maxAttempts,
		Session: thermometer.Options{
			ConnectTimeout:  cfg.ConnectTimeout,
			PairTimeout:     cfg.PairTimeout,
			WatchdogTimeout: cfg.WatchdogTimeout,
		},
		Logger:    logger,
		Progress:  reporter.Phase,
		OnRetry:   reporter.Retry,
		OnReading: reporter.Reading,
	})

	logger.WithFields(logrus.Fields{
		"address": cfg.Address,
		"sink":    cfg.Sink,
	}).Info("Starting thermometer bridge")

	err = sup.Run(ctx)
	reporter.Done(err)
	return err
}

// buildSinks creates the configured sinks. The returned cleanup closes the
// MQTT session so Home Assistant sees the probes go offline.
func buildSinks(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (supervisor.Sink, func(), error) {
	var (
		sinks   sink.Multi
		mqttOut *sink.MQTTSink
	)

	if cfg.UsesMQTT() {
		mqttOut = sink.NewMQTTSink(sink.MQTTConfig{
			Host:            cfg.MQTT.Host,
			Port:            cfg.MQTT.Port,
			Username:        cfg.MQTT.Username,
			Password:        cfg.MQTT.Password,
			ClientID:        cfg.MQTT.ClientID,
			DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
		}, logger)
		if err := mqttOut.Start(ctx); err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, mqttOut)
	}
	if cfg.UsesREST() {
		sinks = append(sinks, sink.NewRESTSink(sink.RESTConfig{
			BaseURL: cfg.API.URL,
			APIKey:  cfg.API.Key,
			Auth:    sink.AuthScheme(cfg.API.Auth),
		}, logger))
	}
	if len(sinks) == 0 {
		return nil, nil, ErrNoSinks
	}

	cleanup := func() {
		if mqttOut == nil {
			return
		}
		closeCtx, cancel := context.WithTimeout(context.Background(), sinkCloseTimeout)
		defer cancel()
		if err := mqttOut.Close(closeCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Warn("Failed to close MQTT session")
		}
	}
	return sinks, cleanup, nil
}
