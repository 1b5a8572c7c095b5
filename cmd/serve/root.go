package serve

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	cmdUtil "github.com/twitter/pelikan-sub003/cmd/util"
	"github.com/twitter/pelikan-sub003/rpc/common"
	"github.com/twitter/pelikan-sub003/rpc/server"
)

// builder creates a process from its configuration
type builder func(cfg common.ServerConfig, m *common.Metrics) (*server.Process, error)

var (
	SegcacheCmd = newServeCmd(
		"segcache",
		"Start the segment-structured cache",
		`Start a memcache compatible cache backed by segment-structured storage. The configuration is read from the optional config file (TOML, YAML or JSON), environment variables and flags. The format of the environment variables is PELIKAN_<section>_<key> (e.g. PELIKAN_SEG_HEAP_SIZE=1GiB)`,
		server.NewSegcache,
	)
	PingserverCmd = newServeCmd(
		"pingserver",
		"Start a server answering PING with PONG",
		`Start a server speaking the ping protocol. It shares listener, workers and admin endpoint with segcache and is useful to measure the runtime without storage.`,
		server.NewPingserver,
	)
	ProxyCmd = newServeCmd(
		"proxy",
		"Start a memcache proxy in front of memcache or redis",
		`Start a memcache compatible front end forwarding get, set and delete to an upstream memcache or redis. Upstream calls are bounded by proxy.timeout and never retried.`,
		server.NewProxy,
	)
)

func newServeCmd(name, short, long string, build builder) *cobra.Command {
	cmd := &cobra.Command{
		Use:          name + " [config file]",
		Short:        short,
		Long:         long,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args, build)
		},
	}
	cmdUtil.SetupServerFlags(cmd)
	cmd.Flags().Bool("stats", false, cmdUtil.WrapString("Print the metrics this process exports and exit"))
	cmd.Flags().Bool("print-config", false, cmdUtil.WrapString("Print the effective configuration and exit"))
	return cmd
}

func run(cmd *cobra.Command, args []string, build builder) error {
	if stats, _ := cmd.Flags().GetBool("stats"); stats {
		PrintStats(cmd.OutOrStdout(), common.NewMetrics())
		return nil
	}

	cfg, err := cmdUtil.LoadServerConfig(cmd, args)
	if err != nil {
		return err
	}
	if printConfig, _ := cmd.Flags().GetBool("print-config"); printConfig {
		fmt.Fprint(cmd.OutOrStdout(), cfg.String())
		return nil
	}

	common.InitLoggers(cfg)
	p, err := build(cfg, common.NewMetrics())
	if err != nil {
		return fmt.Errorf("failed to start %s: %w", cmd.Name(), err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return p.Run(ctx)
}

// PrintStats writes one line per metric with its name and type
func PrintStats(w io.Writer, m *common.Metrics) {
	for _, d := range m.Describe() {
		fmt.Fprintf(w, "%-32s %s\n", d.Name, d.Type)
	}
}
