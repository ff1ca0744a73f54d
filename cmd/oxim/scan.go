package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/oxim/scanner"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for supported pulse oximeters",
	Long: `Scans for BLE advertisements and reports devices that match a
registered oximeter profile, either by the vendor portion of their MAC
address or by the advertised service. Use --all to list every device
seen, for example when identifying an unsupported oximeter variant.`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().DurationP("timeout", "t", 10*time.Second, "Scan duration")
	scanCmd.Flags().Bool("all", false, "Include devices that match no known oximeter profile")
	scanCmd.Flags().BoolP("verbose", "", false, "Enable verbose logging")
}

func runScan(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	all, _ := cmd.Flags().GetBool("all")

	s, err := scanner.NewScanner(logger)
	if err != nil {
		return err
	}

	opts := scanner.DefaultScanOptions()
	opts.Duration = timeout
	opts.IncludeUnmatched = all

	fmt.Fprintf(os.Stderr, "Scanning for %s...\n", timeout)
	devices, err := s.Scan(cmd.Context(), opts, nil)
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("No oximeters found")
		return nil
	}

	found := make([]scanner.Found, 0, len(devices))
	for _, d := range devices {
		found = append(found, d)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].RSSI > found[j].RSSI })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tRSSI\tMODEL")
	for _, d := range found {
		name := d.Name
		if name == "" {
			name = "(unknown)"
		}
		model := d.Model
		if model == "" {
			model = "-"
		} else {
			model = color.GreenString(model)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", d.Address, name, d.RSSI, model)
	}
	return w.Flush()
}
