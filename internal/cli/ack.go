package cli

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var ackCmd = &cobra.Command{
	Use:   "ack [chain_id]",
	Short: "Acknowledge a halted reorg manager so it resumes polling",
	Long: `A chain whose reorg handling failed (for example a fork deeper than
max_reorg_depth) halts until an operator acknowledges it. Inspect the
situation with 'ledgerd status' first; ack only after the cause is resolved.`,
	Args: cobra.ExactArgs(1),
	Run:  runAck,
}

func init() {
	ackCmd.Flags().StringVar(&statusAddr, "addr", "", "address of the running service (default from config)")
	rootCmd.AddCommand(ackCmd)
}

func runAck(cmd *cobra.Command, args []string) {
	endpoint := fmt.Sprintf("%s/admin/reorg/ack?chain=%s", serviceAddr(), url.QueryEscape(args[0]))

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(endpoint, "application/json", nil)
	if err != nil {
		slog.Error("Failed to reach service", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		slog.Error("Ack rejected", "status", resp.StatusCode, "response", strings.TrimSpace(string(body)))
		os.Exit(1)
	}
	fmt.Printf("Chain %s acknowledged, reorg manager resumed\n", args[0])
}
