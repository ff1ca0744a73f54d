package main

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoggingTestCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("log-level", "", "")
	cmd.Flags().Bool("verbose", false, "")
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestConfigureLogger(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		wantLevel logrus.Level
	}{
		{name: "default is warn", wantLevel: logrus.WarnLevel},
		{name: "verbose means debug", args: []string{"--verbose"}, wantLevel: logrus.DebugLevel},
		{name: "explicit level", args: []string{"--log-level", "info"}, wantLevel: logrus.InfoLevel},
		{name: "log-level wins over verbose", args: []string{"--log-level", "error", "--verbose"}, wantLevel: logrus.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := configureLogger(newLoggingTestCommand(t, tt.args...), "verbose")
			require.NoError(t, err)
			assert.Equal(t, tt.wantLevel, logger.GetLevel())

			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			require.True(t, ok)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestConfigureLogger_RejectsBadLevel(t *testing.T) {
	_, err := configureLogger(newLoggingTestCommand(t, "--log-level", "loud"), "verbose")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}
