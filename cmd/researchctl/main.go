// researchctl talks to a running research service: ask a question and
// follow the answer stream, watch a session, fetch history and files.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var serverFlag string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "researchctl",
	Short: "Client for the research service",
	Long: `researchctl - client for the research service.

Environment:
  RESEARCH_SERVER   Service base URL (default: http://localhost:8080)`,
	SilenceUsage: true,
}

func init() {
	def := os.Getenv("RESEARCH_SERVER")
	if def == "" {
		def = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVarP(&serverFlag, "server", "s", def, "research service base URL")

	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(filesCmd)
}

func newAPI() *apiClient {
	return newAPIClient(strings.TrimSuffix(serverFlag, "/"))
}
