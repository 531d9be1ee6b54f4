package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:          "stakes",
		Short:        "Reconciled staking positions with live streamed balances",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	positionsCmd := &cobra.Command{
		Use:   "positions",
		Short: "Load and print an account's positions once",
		RunE:  runPositions,
	}
	addEngineFlags(positionsCmd.Flags())
	positionsCmd.Flags().String("account", "", "account address")
	root.AddCommand(positionsCmd)

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live balances for every position of an account",
		RunE:  runWatch,
	}
	addEngineFlags(watchCmd.Flags())
	watchCmd.Flags().String("account", "", "account address")
	watchCmd.Flags().Duration("print-interval", time.Second, "how often live balances are printed")
	root.AddCommand(watchCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve positions and refresh controls over HTTP",
		RunE:  runServe,
	}
	addEngineFlags(serveCmd.Flags())
	serveCmd.Flags().String("listen", ":8080", "HTTP listen address")
	root.AddCommand(serveCmd)

	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Export an account's reconciled positions to JSONL or Postgres",
		RunE:  runSnapshot,
	}
	addEngineFlags(snapshotCmd.Flags())
	snapshotCmd.Flags().String("account", "", "account address")
	snapshotCmd.Flags().String("out", "./data/snapshots.jsonl", "output JSONL path (ignored with --pg-dsn)")
	snapshotCmd.Flags().String("pg-dsn", "", "Postgres DSN")
	root.AddCommand(snapshotCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addEngineFlags(flags *pflag.FlagSet) {
	flags.String("rpc", "", "chain RPC URL")
	flags.StringSlice("subgraph", nil, "indexer GraphQL URLs in failover order (comma-separated)")
	flags.String("metadata-url", "", "metadata store batch endpoint")
	flags.String("forwarder", "", "pool forwarder contract address")
	flags.StringSlice("blacklist", nil, "token addresses never shown or fetched (comma-separated)")
	flags.Int("chunk-size", 30, "keys per batch request (max 30)")
	flags.Duration("metadata-ttl", 3*time.Minute, "metadata cache TTL")
	flags.Duration("critical-ttl", time.Minute, "on-chain read cache TTL")
	flags.Duration("refresh-interval", 30*time.Second, "active token refresh interval")
	flags.Duration("tick-interval", 100*time.Millisecond, "live balance recompute interval")
	flags.Duration("frame-threshold", 100*time.Millisecond, "intervals up to this use the frame loop")
	flags.Float64("rebase-epsilon", 1e-6, "balance differences up to this do not rebase a projection")
	flags.Float64("rpc-rps", 10, "chain RPC requests per second (0 disables)")
	flags.Int("rpc-burst", 5, "chain RPC burst")
	flags.Float64("metadata-rps", 5, "metadata requests per second (0 disables)")
	flags.Bool("include-native-holdings", false, "list native-asset tokens as holdings")
	flags.Int("indexer-retries", 0, "retries per indexer source on transient errors")
	flags.Duration("retry-backoff", 250*time.Millisecond, "initial indexer retry backoff")
	flags.Duration("http-timeout", 15*time.Second, "indexer and metadata HTTP timeout")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
