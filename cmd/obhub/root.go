package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "obhub",
	Short: "obhub is a reverse-websocket host for OneBot-style bot clients",
	Long: `obhub terminates the reverse-websocket side of the OneBot-style chat-bot
protocol: remote bot clients connect in as Universal, Event, or API peers,
inbound frames are classified and routed through a prioritized command
engine, and outbound API calls are correlated with their responses by echo.`,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	Execute()
}
