package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/canonlabs/ledgerd/internal/core/config"
	"github.com/canonlabs/ledgerd/internal/core/domain"
	redisclient "github.com/canonlabs/ledgerd/internal/infra/redis"
)

var retryResolveID string

var retryCmd = &cobra.Command{
	Use:   "retry [chain_id]",
	Short: "List blocks parked after recovery exhausted its fetch retries",
	Args:  cobra.ExactArgs(1),
	Run:   runRetry,
}

func init() {
	retryCmd.Flags().StringVar(&retryResolveID, "resolve", "", "remove the given parked block id instead of listing")
	rootCmd.AddCommand(retryCmd)
}

func runRetry(cmd *cobra.Command, args []string) {
	chainID := domain.ChainID(args[0])

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Redis.URL == "" {
		slog.Error("No redis configured, nothing is parked")
		os.Exit(1)
	}

	client, err := redisclient.NewClient(cfg.Redis)
	if err != nil {
		slog.Error("Failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = client.Close()
	}()

	ctx := context.Background()
	queue := redisclient.NewRetryQueue(client)

	if retryResolveID != "" {
		if err := queue.Resolve(ctx, chainID, retryResolveID); err != nil {
			slog.Error("Failed to resolve parked block", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Resolved parked block %s on chain %s\n", retryResolveID, chainID)
		return
	}

	blocks, err := queue.List(ctx, chainID)
	if err != nil {
		slog.Error("Failed to list parked blocks", "error", err)
		os.Exit(1)
	}
	if len(blocks) == 0 {
		fmt.Printf("No parked blocks for chain %s\n", chainID)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ID\tBLOCK\tHASH\tRETRIES\tLAST ERROR")
	for _, b := range blocks {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\n",
			b.ID, b.BlockNumber, b.BlockHash, b.RetryCount, b.Error)
	}
	_ = w.Flush()
}
