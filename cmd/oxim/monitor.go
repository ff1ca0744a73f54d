package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/oxim/internal/protocol"
	"github.com/srg/oxim/internal/session"
	"github.com/srg/oxim/internal/transport/goble"
	"github.com/srg/oxim/pkg/config"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Connect to an oximeter and stream readings",
	Long: `Maintains a connection to the given pulse oximeter and prints a
reading line once per poll interval. The connection survives the device
powering off between measurements: reconnection is automatic with
exponential backoff, and the reading shows as unavailable until fresh
frames decode again.`,
	RunE: runMonitor,
}

func init() {
	monitorCmd.Flags().StringP("address", "a", "", "Device MAC address (or platform UUID on macOS)")
	monitorCmd.Flags().StringP("model", "m", "", "Device model (default from config)")
	monitorCmd.Flags().StringP("config", "c", "", "Path to YAML config file")
	monitorCmd.Flags().Bool("diagnostics", false, "Print a diagnostics snapshot on exit")
	monitorCmd.Flags().BoolP("verbose", "", false, "Enable verbose logging")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	cfg, err := loadMonitorConfig(cmd)
	if err != nil {
		return err
	}

	decoder, err := protocol.Lookup(cfg.Model)
	if err != nil {
		return err
	}

	coordinator := session.NewCoordinator(
		goble.New(logger),
		decoder,
		cfg.Address,
		cfg.ConnectTimeout,
		session.BackoffPolicy{
			Initial:    cfg.BackoffInitial,
			Max:        cfg.BackoffMax,
			Multiplier: cfg.BackoffMultiplier,
		},
		session.CoordinatorConfig{
			PollInterval:     cfg.PollInterval,
			StalenessWindow:  cfg.StalenessWindow,
			FailureThreshold: cfg.FailureThreshold,
		},
		logger,
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go coordinator.Run(ctx)
	defer coordinator.Shutdown()

	fmt.Fprintf(os.Stderr, "Monitoring %s (%s), Ctrl+C to stop\n", cfg.Address, cfg.Model)

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if diag, _ := cmd.Flags().GetBool("diagnostics"); diag {
				printDiagnostics(coordinator)
			}
			return nil
		case <-ticker.C:
			printReading(coordinator)
		}
	}
}

func loadMonitorConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.DefaultConfig()
	}

	// Flags override the config file
	if address, _ := cmd.Flags().GetString("address"); address != "" {
		cfg.Address = address
	}
	if model, _ := cmd.Flags().GetString("model"); model != "" {
		cfg.Model = model
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func printReading(coordinator *session.Coordinator) {
	reading, ok := coordinator.LatestReading()
	if !ok {
		state := coordinator.Diagnostics().ConnectionState
		fmt.Printf("%s  %s (%s)\n", time.Now().Format("15:04:05"), color.YellowString("unavailable"), state)
		return
	}

	finger := color.RedString("no finger")
	if reading.FingerPresent {
		finger = color.GreenString("finger on")
	}

	fmt.Printf("%s  SpO2 %s  pulse %s  PI %s  %s\n",
		reading.CapturedAt.Format("15:04:05"),
		formatVital(reading.SpO2, "%d%%"),
		formatVital(reading.PulseRate, "%d bpm"),
		formatPI(reading.PerfusionIndex),
		finger,
	)
}

func formatVital(v *int, format string) string {
	if v == nil {
		return color.YellowString("--")
	}
	return color.CyanString(format, *v)
}

func formatPI(v *float64) string {
	if v == nil {
		return color.YellowString("--")
	}
	return color.CyanString("%.2f%%", *v)
}

func printDiagnostics(coordinator *session.Coordinator) {
	snapshot := coordinator.Diagnostics()
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return
	}
	fmt.Fprintf(os.Stderr, "%s\n", data)
}
