package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/piwi3910/nebulardma/cmd/nebulardma/commands"
	"github.com/piwi3910/nebulardma/internal/metrics"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

func main() {
	metrics.Version = Version

	rootCmd := &cobra.Command{
		Use:   "nebulardma",
		Short: "nebulardma - point-to-point RDMA transport",
		Long: `nebulardma connects RDMA queue pairs over a TCP handshake and serves
their completion queues.

Start an accepting peer and an initiating peer:
  nebulardma serve --master-ip 0.0.0.0
  nebulardma connect --master-ip 10.0.0.1

Or try everything in one process on the simulated fabric:
  nebulardma loopback
  nebulardma bench --loopback

Settings come from nebulardma.yaml, NEBULARDMA_* environment variables
and flags, in increasing order of precedence.`,
		Version:       fmt.Sprintf("%s (commit: %s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	commands.AddGlobalFlags(rootCmd)

	rootCmd.AddCommand(commands.NewServeCmd())
	rootCmd.AddCommand(commands.NewConnectCmd())
	rootCmd.AddCommand(commands.NewLoopbackCmd())
	rootCmd.AddCommand(commands.NewBenchCmd())
	rootCmd.AddCommand(commands.NewDevicesCmd())
	rootCmd.AddCommand(commands.NewConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
