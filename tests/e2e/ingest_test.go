package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/canonlabs/ledgerd/internal/control"
)

func TestIngestFlow(t *testing.T) {
	chain := newStubChain(t)
	chain.addBlock(1, "0xaa01", "0xaa00")
	chain.addBlock(2, "0xaa02", "0xaa01",
		transferLog(2, "0xaa02", "0xtx1", 0,
			"1111111111111111111111111111111111111111",
			"2222222222222222222222222222222222222222",
			1000,
		),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := control.New(ctx, testConfig(t, chain, 1))
	if err != nil {
		t.Fatalf("failed to wire service: %v", err)
	}
	if err := app.Start(ctx); err != nil {
		t.Fatalf("failed to start service: %v", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = app.Stop(stopCtx)
	}()

	repos := app.Repositories()

	// Wait for the pipeline to catch up to the stub head.
	deadline := time.Now().Add(5 * time.Second)
	for {
		latest, err := repos.Blocks.GetLatestCanonical(ctx, testChain)
		if err != nil {
			t.Fatalf("failed to read latest canonical: %v", err)
		}
		if latest != nil && latest.Number == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pipeline did not reach block 2, latest = %+v", latest)
		}
		time.Sleep(20 * time.Millisecond)
	}

	transfers, err := repos.Transfers.GetByContract(ctx, testChain, tokenAddress, 10)
	if err != nil {
		t.Fatalf("failed to read transfers: %v", err)
	}
	if len(transfers) != 1 {
		t.Fatalf("transfers = %d, want 1", len(transfers))
	}
	tr := transfers[0]
	if tr.Amount != "1000" {
		t.Errorf("amount = %s, want 1000", tr.Amount)
	}
	if tr.From != "0x1111111111111111111111111111111111111111" {
		t.Errorf("from = %s", tr.From)
	}
	if !tr.Canonical {
		t.Error("transfer should be canonical")
	}

	block, err := repos.Blocks.GetCanonicalByNumber(ctx, testChain, 1)
	if err != nil {
		t.Fatalf("failed to read block 1: %v", err)
	}
	if block == nil || block.Hash != "0xaa01" {
		t.Errorf("block 1 = %+v, want hash 0xaa01", block)
	}
}
