// Package evm adapts an EVM JSON-RPC provider to the domain types: head
// polling, header walks by hash, and block-with-logs fetches.
package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/canonlabs/ledgerd/internal/core/domain"
	"github.com/canonlabs/ledgerd/internal/infra/rpc"
)

// Client serves one chain over one RPC client.
type Client struct {
	chainID domain.ChainID
	rpc     *rpc.Client
}

// NewClient creates an EVM client for one chain.
func NewClient(chainID domain.ChainID, rpcClient *rpc.Client) *Client {
	return &Client{chainID: chainID, rpc: rpcClient}
}

// header is the subset of an EVM block header the pipeline needs.
type header struct {
	Number     string `json:"number"`
	Hash       string `json:"hash"`
	ParentHash string `json:"parentHash"`
	Timestamp  string `json:"timestamp"`
}

func (c *Client) toHead(h *header) (*domain.ChainHead, error) {
	number, err := hexutil.DecodeUint64(h.Number)
	if err != nil {
		return nil, fmt.Errorf("invalid block number %q: %w", h.Number, err)
	}
	return &domain.ChainHead{
		ChainID:    c.chainID,
		Number:     number,
		Hash:       strings.ToLower(h.Hash),
		ParentHash: strings.ToLower(h.ParentHash),
	}, nil
}

func (c *Client) getHeader(ctx context.Context, method string, arg any) (*header, error) {
	result, err := c.rpc.Call(ctx, method, []any{arg, false})
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", method, err)
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, nil
	}
	var h header
	if err := json.Unmarshal(result, &h); err != nil {
		return nil, fmt.Errorf("invalid header response: %w", err)
	}
	return &h, nil
}

// GetHead returns the provider's current chain head.
func (c *Client) GetHead(ctx context.Context) (*domain.ChainHead, error) {
	h, err := c.getHeader(ctx, "eth_getBlockByNumber", "latest")
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("provider returned no head block")
	}
	return c.toHead(h)
}

// GetHeaderByHash returns the header with the given hash.
func (c *Client) GetHeaderByHash(ctx context.Context, hash string) (*domain.ChainHead, error) {
	h, err := c.getHeader(ctx, "eth_getBlockByHash", hash)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("header %s not found", hash)
	}
	return c.toHead(h)
}

// GetHeaderByNumber returns the header currently at the given height, or
// nil when the provider has no block there yet.
func (c *Client) GetHeaderByNumber(ctx context.Context, number uint64) (*domain.ChainHead, error) {
	h, err := c.getHeader(ctx, "eth_getBlockByNumber", hexutil.EncodeUint64(number))
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, nil
	}
	return c.toHead(h)
}

// rawLog is an EVM log entry as returned by eth_getLogs.
type rawLog struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	BlockNumber string   `json:"blockNumber"`
	BlockHash   string   `json:"blockHash"`
	TxHash      string   `json:"transactionHash"`
	LogIndex    string   `json:"logIndex"`
	Removed     bool     `json:"removed"`
}

// FetchBlock fetches a block and its logs by (number, hash). Logs are
// requested by block hash, so a concurrent reorg cannot slip another
// branch's logs into the result.
func (c *Client) FetchBlock(
	ctx context.Context,
	number uint64,
	hash string,
) (*domain.Block, []domain.RawLog, error) {
	h, err := c.getHeader(ctx, "eth_getBlockByHash", hash)
	if err != nil {
		return nil, nil, err
	}
	if h == nil {
		return nil, nil, fmt.Errorf("block %s not found", hash)
	}
	head, err := c.toHead(h)
	if err != nil {
		return nil, nil, err
	}
	if head.Number != number {
		return nil, nil, fmt.Errorf("block %s is at height %d, expected %d", hash, head.Number, number)
	}
	timestamp, err := hexutil.DecodeUint64(h.Timestamp)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid block timestamp %q: %w", h.Timestamp, err)
	}

	logs, err := c.getLogs(ctx, hash)
	if err != nil {
		return nil, nil, err
	}

	block := &domain.Block{
		ChainID:    c.chainID,
		Number:     head.Number,
		Hash:       head.Hash,
		ParentHash: head.ParentHash,
		Timestamp:  timestamp,
	}
	return block, logs, nil
}

func (c *Client) getLogs(ctx context.Context, blockHash string) ([]domain.RawLog, error) {
	result, err := c.rpc.Call(ctx, "eth_getLogs", []any{map[string]any{"blockHash": blockHash}})
	if err != nil {
		return nil, fmt.Errorf("eth_getLogs failed: %w", err)
	}

	var raws []rawLog
	if err := json.Unmarshal(result, &raws); err != nil {
		return nil, fmt.Errorf("invalid logs response: %w", err)
	}

	logs := make([]domain.RawLog, 0, len(raws))
	for _, l := range raws {
		if l.Removed {
			continue
		}
		number, err := hexutil.DecodeUint64(l.BlockNumber)
		if err != nil {
			return nil, fmt.Errorf("invalid log block number %q: %w", l.BlockNumber, err)
		}
		index, err := hexutil.DecodeUint64(l.LogIndex)
		if err != nil {
			return nil, fmt.Errorf("invalid log index %q: %w", l.LogIndex, err)
		}
		data, err := hexutil.Decode(l.Data)
		if err != nil {
			return nil, fmt.Errorf("invalid log data: %w", err)
		}
		topics := make([]string, len(l.Topics))
		for i, t := range l.Topics {
			topics[i] = strings.ToLower(t)
		}
		logs = append(logs, domain.RawLog{
			ChainID:     c.chainID,
			Address:     strings.ToLower(l.Address),
			Topics:      topics,
			Data:        data,
			BlockNumber: number,
			BlockHash:   strings.ToLower(l.BlockHash),
			TxHash:      strings.ToLower(l.TxHash),
			LogIndex:    uint(index),
		})
	}
	return logs, nil
}
