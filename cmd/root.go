package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/twitter/pelikan-sub003/cmd/serve"
	"github.com/twitter/pelikan-sub003/rpc/server"
)

var (
	// RootCmd is the pelikan binary, every server is a subcommand
	RootCmd = &cobra.Command{
		Use:   "pelikan",
		Short: "segment-structured cache server",
		Long: fmt.Sprintf(`pelikan (v%s)

A memcache compatible cache server storing items in segments with TTL
aware eviction, plus a ping server and a memcache proxy sharing the same
runtime.`, server.Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of pelikan",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pelikan v%s\n", server.Version)
		},
	}
)

func init() {
	RootCmd.AddCommand(serve.SegcacheCmd)
	RootCmd.AddCommand(serve.PingserverCmd)
	RootCmd.AddCommand(serve.ProxyCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute runs the command line and exits with 1 on failure
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
