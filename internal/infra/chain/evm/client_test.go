package evm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/canonlabs/ledgerd/internal/infra/rpc"
)

// newTestClient serves canned JSON-RPC results keyed by method name.
func newTestClient(t *testing.T, results map[string]string) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
			Params []any  `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		result, ok := results[req.Method]
		if !ok {
			result = "null"
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":` + result + `}`)); err != nil {
			t.Errorf("write response: %v", err)
		}
	}))
	t.Cleanup(srv.Close)

	rc, err := rpc.NewClient([]string{srv.URL}, time.Second)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return NewClient("1", rc)
}

func TestGetHead(t *testing.T) {
	c := newTestClient(t, map[string]string{
		"eth_getBlockByNumber": `{"number":"0x64","hash":"0xABC1","parentHash":"0xABC0","timestamp":"0x5f5e100"}`,
	})

	head, err := c.GetHead(context.Background())
	if err != nil {
		t.Fatalf("GetHead: %v", err)
	}
	if head.Number != 100 {
		t.Errorf("number = %d, want 100", head.Number)
	}
	if head.Hash != "0xabc1" || head.ParentHash != "0xabc0" {
		t.Errorf("hashes not normalized to lowercase: %+v", head)
	}
}

func TestGetHeaderByHashNotFound(t *testing.T) {
	c := newTestClient(t, nil)
	if _, err := c.GetHeaderByHash(context.Background(), "0xdead"); err == nil {
		t.Fatal("expected error for unknown header")
	}
}

func TestGetHeaderByNumberMissingIsNil(t *testing.T) {
	c := newTestClient(t, nil)
	h, err := c.GetHeaderByNumber(context.Background(), 99)
	if err != nil {
		t.Fatalf("GetHeaderByNumber: %v", err)
	}
	if h != nil {
		t.Fatalf("expected nil for a height the provider lacks, got %+v", h)
	}
}

func TestFetchBlock(t *testing.T) {
	c := newTestClient(t, map[string]string{
		"eth_getBlockByHash": `{"number":"0x64","hash":"0xabc1","parentHash":"0xabc0","timestamp":"0x5f5e100"}`,
		"eth_getLogs": `[
			{"address":"0xDAC17F958D2EE523A2206206994597C13D831EC7",
			 "topics":["0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"],
			 "data":"0x0000000000000000000000000000000000000000000000000000000000000001",
			 "blockNumber":"0x64","blockHash":"0xabc1","transactionHash":"0xt1","logIndex":"0x0"},
			{"address":"0xother","topics":[],"data":"0x","blockNumber":"0x64",
			 "blockHash":"0xabc1","transactionHash":"0xt2","logIndex":"0x1","removed":true}
		]`,
	})

	block, logs, err := c.FetchBlock(context.Background(), 100, "0xabc1")
	if err != nil {
		t.Fatalf("FetchBlock: %v", err)
	}
	if block.Number != 100 || block.Hash != "0xabc1" {
		t.Errorf("block = %+v", block)
	}
	if block.Timestamp != 100000000 {
		t.Errorf("timestamp = %d, want 100000000", block.Timestamp)
	}
	if len(logs) != 1 {
		t.Fatalf("logs = %d, want 1 (removed log filtered)", len(logs))
	}
	if logs[0].Address != strings.ToLower("0xDAC17F958D2EE523A2206206994597C13D831EC7") {
		t.Errorf("address not lowercased: %s", logs[0].Address)
	}
	if len(logs[0].Data) != 32 || logs[0].Data[31] != 1 {
		t.Errorf("data not hex-decoded: %v", logs[0].Data)
	}
}

func TestFetchBlockHeightMismatch(t *testing.T) {
	c := newTestClient(t, map[string]string{
		"eth_getBlockByHash": `{"number":"0x65","hash":"0xabc1","parentHash":"0xabc0","timestamp":"0x1"}`,
	})
	if _, _, err := c.FetchBlock(context.Background(), 100, "0xabc1"); err == nil {
		t.Fatal("expected error when the fetched block is at another height")
	}
}
