package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/canonlabs/ledgerd/internal/control"
	"github.com/canonlabs/ledgerd/internal/reorg"
)

func TestGracefulShutdown(t *testing.T) {
	chain := newStubChain(t)
	chain.addBlock(1, "0xaa01", "0xaa00")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := control.New(ctx, testConfig(t, chain, 0))
	if err != nil {
		t.Fatalf("failed to wire service: %v", err)
	}
	if err := app.Start(ctx); err != nil {
		t.Fatalf("failed to start service: %v", err)
	}

	// Let the components run a few poll cycles. Sample mid-interval so the
	// state read does not race the Idle->Detecting transition on a tick.
	time.Sleep(275 * time.Millisecond)

	m, ok := app.Manager(testChain)
	if !ok {
		t.Fatal("expected a reorg manager for the stub chain")
	}
	if m.State() != reorg.StateIdle {
		t.Errorf("state = %s, want %s", m.State(), reorg.StateIdle)
	}

	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}

	// A second stop must not panic or block.
	if err := app.Stop(stopCtx); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
}
