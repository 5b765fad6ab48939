// Package e2e exercises the assembled service against a stubbed JSON-RPC
// provider and the in-memory storage backend.
package e2e

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/canonlabs/ledgerd/internal/control"
	"github.com/canonlabs/ledgerd/internal/core/config"
	"github.com/canonlabs/ledgerd/internal/core/domain"
)

const (
	testChain    = domain.ChainID("1")
	tokenAddress = "0xdac17f958d2ee523a2206206994597c13d831ec7"
	transferSig  = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

	erc20ABI = `[{"type":"event","name":"Transfer","inputs":[` +
		`{"name":"from","type":"address","indexed":true},` +
		`{"name":"to","type":"address","indexed":true},` +
		`{"name":"value","type":"uint256","indexed":false}]}]`
)

type stubBlock struct {
	Number     string `json:"number"`
	Hash       string `json:"hash"`
	ParentHash string `json:"parentHash"`
	Timestamp  string `json:"timestamp"`
}

type stubLog struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	BlockNumber string   `json:"blockNumber"`
	BlockHash   string   `json:"blockHash"`
	TxHash      string   `json:"transactionHash"`
	LogIndex    string   `json:"logIndex"`
}

// stubChain serves a fixed chain over JSON-RPC: eth_getBlockByNumber,
// eth_getBlockByHash and eth_getLogs, enough for the whole pipeline.
type stubChain struct {
	mu       sync.Mutex
	byNumber map[string]*stubBlock
	byHash   map[string]*stubBlock
	logs     map[string][]stubLog
	head     *stubBlock

	server *httptest.Server
}

func newStubChain(t *testing.T) *stubChain {
	t.Helper()
	s := &stubChain{
		byNumber: make(map[string]*stubBlock),
		byHash:   make(map[string]*stubBlock),
		logs:     make(map[string][]stubLog),
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.server.Close)
	return s
}

func (s *stubChain) addBlock(number uint64, hash, parent string, logs ...stubLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := &stubBlock{
		Number:     fmt.Sprintf("0x%x", number),
		Hash:       hash,
		ParentHash: parent,
		Timestamp:  fmt.Sprintf("0x%x", 1700000000+number),
	}
	s.byNumber[b.Number] = b
	s.byHash[hash] = b
	s.logs[hash] = logs
	s.head = b
}

func (s *stubChain) handle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     any             `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var result any
	switch req.Method {
	case "eth_getBlockByNumber":
		var params []any
		_ = json.Unmarshal(req.Params, &params)
		key, _ := params[0].(string)
		if key == "latest" {
			result = s.head
		} else if b, ok := s.byNumber[key]; ok {
			result = b
		}
	case "eth_getBlockByHash":
		var params []any
		_ = json.Unmarshal(req.Params, &params)
		key, _ := params[0].(string)
		if b, ok := s.byHash[key]; ok {
			result = b
		}
	case "eth_getLogs":
		var params []struct {
			BlockHash string `json:"blockHash"`
		}
		_ = json.Unmarshal(req.Params, &params)
		logs := s.logs[params[0].BlockHash]
		if logs == nil {
			logs = []stubLog{}
		}
		result = logs
	default:
		http.Error(w, fmt.Sprintf("unexpected method %s", req.Method), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      req.ID,
		"result":  result,
	})
}

// transferLog builds an ERC-20 Transfer log for the stub chain.
func transferLog(blockNumber uint64, blockHash, txHash string, logIndex uint, from, to string, amount uint64) stubLog {
	return stubLog{
		Address: tokenAddress,
		Topics: []string{
			transferSig,
			"0x000000000000000000000000" + from,
			"0x000000000000000000000000" + to,
		},
		Data:        fmt.Sprintf("0x%064x", amount),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		BlockHash:   blockHash,
		TxHash:      txHash,
		LogIndex:    fmt.Sprintf("0x%x", logIndex),
	}
}

// testConfig wires one chain against the stub provider, memory storage and
// a fast poll so the tests finish quickly.
func testConfig(t *testing.T, chain *stubChain, startBlock uint64) control.Config {
	t.Helper()
	abiPath := filepath.Join(t.TempDir(), "erc20.json")
	if err := os.WriteFile(abiPath, []byte(erc20ABI), 0o644); err != nil {
		t.Fatalf("failed to write abi file: %v", err)
	}

	return control.Config{
		Port: 0,
		Chains: []config.ChainConfig{
			{
				ChainID:      testChain,
				Name:         "stub",
				RPCURLs:      []string{chain.server.URL},
				PollInterval: 50 * time.Millisecond,
				FetchTimeout: 2 * time.Second,
				StartBlock:   startBlock,
				ABIs: []config.ABIConfig{
					{Address: tokenAddress, Version: 1, File: abiPath},
				},
			},
		},
	}
}
