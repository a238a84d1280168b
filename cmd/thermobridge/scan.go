package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/thermobridge/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for nearby thermometers",
	Long: `Scan for Bluetooth Low Energy devices and list them, thermometers first.

Use this to find the address to configure: devices advertising the probe
service are marked, and the currently configured thermometer is highlighted.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanAll      bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 until Ctrl+C)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().BoolVarP(&scanAll, "all", "a", false, "Show every device, not only thermometers")
	scanCmd.Flags().BoolP("verbose", "v", false, "Enable debug logging")
}

func runScan(cmd *cobra.Command, _ []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg.LogLevel, "verbose")
	if err != nil {
		return err
	}

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
			cancel()
		case <-ctx.Done():
		}
	}()

	adapter := newAdapter(logger)
	defer func() { _ = adapter.Close() }()

	readyCtx, readyCancel := context.WithTimeout(ctx, cfg.AdapterWaitTimeout)
	central, err := adapter.WaitReady(readyCtx)
	readyCancel()
	if err != nil {
		return err
	}

	s, err := scanner.NewScanner(central, logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE scanner: %w", err)
	}

	out := cmd.OutOrStdout()
	var progress func(string)
	if isTerminal(out) && scanFormat == "table" {
		p := NewCountdownProgressPrinter(out, "Scanning for thermometers", scanner.PhaseScanning, scanDuration, scanner.PhaseProcessing)
		p.Start()
		defer p.Stop()
		progress = p.Callback()
	}

	entries, err := s.Scan(ctx, &scanner.ScanOptions{
		Duration:         scanDuration,
		DuplicateFilter:  true,
		ThermometersOnly: !scanAll,
		Target:           cfg.Address,
	}, progress)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("scan failed")
		return err
	}

	if scanFormat == "json" {
		return displayDevicesJSON(out, entries)
	}
	return displayDevicesTable(out, entries)
}

// deviceJSON is the scan output for scripts.
type deviceJSON struct {
	Address     string   `json:"address"`
	Name        string   `json:"name,omitempty"`
	RSSI        int      `json:"rssi"`
	Services    []string `json:"services,omitempty"`
	Connectable bool     `json:"connectable"`
	Thermometer bool     `json:"thermometer"`
	Configured  bool     `json:"configured"`
}

func displayDevicesJSON(w io.Writer, entries []scanner.DeviceEntry) error {
	list := make([]deviceJSON, len(entries))
	for i, e := range entries {
		list[i] = deviceJSON{
			Address:     e.Address,
			Name:        e.Name,
			RSSI:        e.RSSI,
			Services:    e.Services,
			Connectable: e.Connectable,
			Thermometer: e.Thermometer,
			Configured:  e.Target,
		}
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(list)
}

func displayDevicesTable(w io.Writer, entries []scanner.DeviceEntry) error {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No devices discovered")
		return nil
	}

	highlight := color.New(color.FgGreen, color.Bold).SprintFunc()
	if !isTerminal(w) {
		highlight = fmt.Sprint
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tRSSI\tTHERMOMETER\tSERVICES")
	fmt.Fprintln(tw, strings.Repeat("-", 72))

	for _, e := range entries {
		name := e.Name
		if name == "" {
			name = "(unknown)"
		}
		if len(name) > 20 {
			name = name[:17] + "..."
		}

		services := strings.Join(e.Services, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}

		probe := "no"
		if e.Thermometer {
			probe = "yes"
		}

		// The trailing cell is not aligned, so color codes there cannot skew the columns.
		marker := ""
		if e.Target {
			marker = "  " + highlight("<- configured")
		}

		fmt.Fprintf(tw, "%s\t%s\t%d dBm\t%s\t%s%s\n", name, e.Address, e.RSSI, probe, services, marker)
	}

	return tw.Flush()
}
