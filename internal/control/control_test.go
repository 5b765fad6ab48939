package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/canonlabs/ledgerd/internal/core/config"
	"github.com/canonlabs/ledgerd/internal/core/domain"
	"github.com/canonlabs/ledgerd/internal/reorg"
)

const erc20ABI = `[{"type":"event","name":"Transfer","inputs":[` +
	`{"name":"from","type":"address","indexed":true},` +
	`{"name":"to","type":"address","indexed":true},` +
	`{"name":"value","type":"uint256","indexed":false}]}]`

func writeABIFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "erc20.json")
	if err := os.WriteFile(path, []byte(erc20ABI), 0o644); err != nil {
		t.Fatalf("failed to write abi file: %v", err)
	}
	return path
}

func testConfig(t *testing.T) Config {
	return Config{
		Port: 0,
		Chains: []config.ChainConfig{
			{
				ChainID:      domain.ChainID("1"),
				Name:         "ethereum",
				RPCURLs:      []string{"http://127.0.0.1:1"},
				PollInterval: time.Hour,
				FetchTimeout: time.Second,
				ABIs: []config.ABIConfig{
					{
						Address: "0xdac17f958d2ee523a2206206994597c13d831ec7",
						Version: 1,
						File:    writeABIFile(t),
					},
				},
			},
		},
	}
}

func TestNewWiresChainsFromConfig(t *testing.T) {
	l, err := New(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	m, ok := l.Manager("1")
	if !ok {
		t.Fatal("expected a reorg manager for chain 1")
	}
	if m.State() != reorg.StateIdle {
		t.Errorf("state = %s, want %s", m.State(), reorg.StateIdle)
	}
	if _, ok := l.Manager("999"); ok {
		t.Error("expected no manager for an unconfigured chain")
	}

	vs := l.registry.Versions("1", "0xdac17f958d2ee523a2206206994597c13d831ec7")
	if len(vs) != 1 || vs[0].Version != 1 {
		t.Errorf("registered versions = %+v, want one v1 entry", vs)
	}
}

func TestNewRejectsDuplicateChain(t *testing.T) {
	cfg := testConfig(t)
	cfg.Chains = append(cfg.Chains, cfg.Chains[0])

	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected an error for a duplicated chain id")
	}
}

func TestNewMissingABIFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Chains[0].ABIs[0].File = filepath.Join(t.TempDir(), "missing.json")

	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected an error for a missing abi file")
	}
}

func TestReorgStatusEndpoint(t *testing.T) {
	l, err := New(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	rec := httptest.NewRecorder()
	l.handleReorgStatus(rec, httptest.NewRequest(http.MethodGet, "/admin/reorg/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var out map[string]reorgStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if out["1"].State != reorg.StateIdle {
		t.Errorf("chain 1 state = %s, want %s", out["1"].State, reorg.StateIdle)
	}
}

func TestReorgAckEndpoint(t *testing.T) {
	l, err := New(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// GET is not allowed.
	rec := httptest.NewRecorder()
	l.handleReorgAck(rec, httptest.NewRequest(http.MethodGet, "/admin/reorg/ack?chain=1", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}

	// Unknown chain.
	rec = httptest.NewRecorder()
	l.handleReorgAck(rec, httptest.NewRequest(http.MethodPost, "/admin/reorg/ack?chain=999", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}

	// Acking an idle chain is a conflict, not a success.
	rec = httptest.NewRecorder()
	l.handleReorgAck(rec, httptest.NewRequest(http.MethodPost, "/admin/reorg/ack?chain=1", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestRegisterConfigABIsSkipsExisting(t *testing.T) {
	l, err := New(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// Re-registering the same chain config must be a noop, not a range
	// conflict: restarts always replay the config against a loaded registry.
	if err := registerConfigABIs(context.Background(), l.registry, l.cfg.Chains[0]); err != nil {
		t.Fatalf("re-registration failed: %v", err)
	}
	vs := l.registry.Versions("1", "0xdac17f958d2ee523a2206206994597c13d831ec7")
	if len(vs) != 1 {
		t.Errorf("versions = %d, want 1", len(vs))
	}
}
