package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "thermobridge",
	Short: "Bluetooth BBQ thermometer to Home Assistant bridge",
	Long: `Bridge for six-probe Bluetooth LE grill thermometers (iBBQ family) that:

- Waits for the Bluetooth adapter and finds the configured thermometer
- Pairs with it and streams probe temperatures
- Publishes readings to Home Assistant over MQTT (with discovery) or the REST API
- Reconnects automatically when the thermometer goes away

Configuration comes from an optional YAML file, then environment variables
(SENSOR_MAC_ADDRESS, MQTT_HOST, API_URL, ...), then command-line flags.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scanCmd)

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("address", "", "Thermometer address (overrides SENSOR_MAC_ADDRESS)")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
	rootCmd.SetVersionTemplate(fmt.Sprintf("thermobridge {{.Version}} (commit %s, built %s)\n", commit, date))
}
