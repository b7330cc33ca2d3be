// Command conference is a headless conference client. It plays media files
// into a room and prints what happens there.
package main

import (
	"fmt"
	"os"

	"github.com/mossy-p/webrtc-rooms/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	flagServer   string
	flagLogLevel string
)

var logger zerolog.Logger

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "conference",
	Short: "Headless client for WebRTC rooms",
	Long: `conference joins a WebRTC room through the signaling relay, sends audio and
video from files, and reports participants, chat and connection state.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger = logging.New(flagLogLevel, true)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagServer, "server", "s", "http://localhost:8080", "relay base URL")
	rootCmd.PersistentFlags().StringVarP(&flagLogLevel, "log-level", "l", "info", "log level")

	rootCmd.AddCommand(joinCmd, healthCmd, roomCmd)
}

func main() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
