package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const (
	envServer   = "PORTAL_SERVER"
	envAPI      = "PORTAL_API"
	envLogLevel = "LOG_LEVEL"
)

var (
	flagServer   string
	flagAPI      string
	flagLogLevel string

	logger = zerolog.Nop()
)

var rootCmd = &cobra.Command{
	Use:   "portal",
	Short: "Two-party WebRTC portal peer",
	Long: `portal joins a room on the signaling coordinator, negotiates a direct
peer connection with the other participant and opens a chat channel over it.

Rooms are keyed by path when --room is given, otherwise by the public
address the coordinator sees.`,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		envFallback(cmd, "server", envServer, &flagServer)
		envFallback(cmd, "api", envAPI, &flagAPI)
		envFallback(cmd, "log-level", envLogLevel, &flagLogLevel)

		lvl, err := zerolog.ParseLevel(flagLogLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", flagLogLevel, err)
		}
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(lvl).With().Timestamp().Logger()
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagServer, "server", "s", "ws://localhost:8888",
		"signaling server address (env "+envServer+")")
	pf.StringVar(&flagAPI, "api", "http://localhost:8080",
		"room API address (env "+envAPI+")")
	pf.StringVarP(&flagLogLevel, "log-level", "l", "warn",
		"log level (env "+envLogLevel+")")
}

func envFallback(cmd *cobra.Command, flag, env string, dst *string) {
	if cmd.Flags().Changed(flag) {
		return
	}
	if v, ok := os.LookupEnv(env); ok && v != "" {
		*dst = v
	}
}

func trimBase(addr string) string {
	return strings.TrimRight(addr, "/")
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
