package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/oxim/pkg/config"
)

// configureLogger resolves the effective log level from the command's
// flags and builds the logger through the config package, so the CLI
// and a config file produce identically formatted output. --log-level
// wins over --verbose; with neither, logs stay at warn so readings own
// stdout.
func configureLogger(cmd *cobra.Command, verboseFlagName string) (*logrus.Logger, error) {
	level := "warn"
	if s, _ := cmd.Flags().GetString("log-level"); s != "" {
		level = s
	} else if verbose, _ := cmd.Flags().GetBool(verboseFlagName); verbose {
		level = "debug"
	}

	if _, err := logrus.ParseLevel(level); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return (&config.Config{LogLevel: level}).NewLogger(), nil
}
