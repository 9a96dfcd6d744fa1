package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tunnelvision/tunnelvision/server/internal/config"
	"github.com/tunnelvision/tunnelvision/server/internal/stats"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print activity counters of a running server",
	Long: `Scrape the /metrics endpoint of a running tunnelvision-server and print
channel, session and broadcast counters.

Example:
  tunnelvision-server stats
  tunnelvision-server stats --url http://127.0.0.1:9000`,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().String("url", fmt.Sprintf("http://127.0.0.1:%d", config.DefaultPort), "base URL of the server")
	statsCmd.Flags().Duration("timeout", 5*time.Second, "request timeout")
}

func runStats(cmd *cobra.Command, args []string) error {
	base, _ := cmd.Flags().GetString("url")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	mfs, err := stats.Fetch(ctx, nil, strings.TrimRight(base, "/")+"/metrics")
	if err != nil {
		return err
	}
	return stats.Summarise(mfs).Write(cmd.OutOrStdout())
}
