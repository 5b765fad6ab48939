package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/canonlabs/ledgerd/internal/core/domain"
	"github.com/canonlabs/ledgerd/internal/decode"
	"github.com/canonlabs/ledgerd/internal/infra/storage/memory"
	"github.com/canonlabs/ledgerd/internal/registry"
)

const (
	testChain domain.ChainID = "1"

	tokenAddress = "0xdac17f958d2ee523a2206206994597c13d831ec7"

	transferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

	erc20ABI = `[
		{"anonymous":false,"inputs":[
			{"indexed":true,"name":"from","type":"address"},
			{"indexed":true,"name":"to","type":"address"},
			{"indexed":false,"name":"value","type":"uint256"}],
		"name":"Transfer","type":"event"}
	]`
)

func paddedAddress(addr string) string {
	return "0x000000000000000000000000" + addr[2:]
}

func amountWord(n uint64) []byte {
	word := make([]byte, 32)
	for i := 0; n > 0; i++ {
		word[31-i] = byte(n & 0xff)
		n >>= 8
	}
	return word
}

type testEnv struct {
	store    *memory.MemoryStorage
	stores   Stores
	client   *fakeChainClient
	pipeline *Pipeline
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.NewMemoryStorage()
	stores := Stores{
		Blocks:    memory.NewBlockRepo(store),
		Transfers: memory.NewTransferRepo(store),
		Approvals: memory.NewApprovalRepo(store),
		Generics:  memory.NewGenericEventRepo(store),
		Raws:      memory.NewRawEventRepo(store),
	}

	reg := registry.New(nil)
	err := reg.Register(context.Background(), testChain, tokenAddress, erc20ABI, 1, 0, 0)
	if err != nil {
		t.Fatalf("register abi: %v", err)
	}

	client := newFakeChainClient()
	pipeline := NewPipeline(
		testChain,
		Config{BatchBlocks: 5},
		client,
		decode.NewDecoder(reg, 2),
		decode.NewNormalizer(1),
		stores,
		&sync.Mutex{},
		1,
	)
	return &testEnv{store: store, stores: stores, client: client, pipeline: pipeline}
}

type fakeChainClient struct {
	head     *domain.ChainHead
	byNumber map[uint64]*domain.ChainHead
	blocks   map[string]*domain.Block
	logs     map[string][]domain.RawLog
}

func newFakeChainClient() *fakeChainClient {
	return &fakeChainClient{
		byNumber: make(map[uint64]*domain.ChainHead),
		blocks:   make(map[string]*domain.Block),
		logs:     make(map[string][]domain.RawLog),
	}
}

func (c *fakeChainClient) addBlock(h domain.ChainHead, logs ...domain.RawLog) {
	hc := h
	c.byNumber[h.Number] = &hc
	c.blocks[h.Hash] = &domain.Block{
		ChainID: h.ChainID, Number: h.Number, Hash: h.Hash, ParentHash: h.ParentHash,
	}
	c.logs[h.Hash] = logs
	c.head = &hc
}

func (c *fakeChainClient) GetHead(ctx context.Context) (*domain.ChainHead, error) {
	if c.head == nil {
		return nil, fmt.Errorf("no head")
	}
	h := *c.head
	return &h, nil
}

func (c *fakeChainClient) GetHeaderByNumber(ctx context.Context, number uint64) (*domain.ChainHead, error) {
	h, ok := c.byNumber[number]
	if !ok {
		return nil, nil
	}
	hc := *h
	return &hc, nil
}

func (c *fakeChainClient) FetchBlock(
	ctx context.Context,
	number uint64,
	hash string,
) (*domain.Block, []domain.RawLog, error) {
	b, ok := c.blocks[hash]
	if !ok {
		return nil, nil, fmt.Errorf("block %s not found", hash)
	}
	bc := *b
	return &bc, c.logs[hash], nil
}

func transferLog(blockNumber uint64, blockHash string, logIndex uint, from, to string, amount uint64) domain.RawLog {
	return domain.RawLog{
		ChainID: testChain,
		Address: tokenAddress,
		Topics:  []string{transferTopic, paddedAddress(from), paddedAddress(to)},
		Data:    amountWord(amount),

		BlockNumber: blockNumber,
		BlockHash:   blockHash,
		TxHash:      fmt.Sprintf("0xtx%d", logIndex),
		LogIndex:    logIndex,
	}
}

func TestIngestBlockStoresTransferAndRaw(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	block := &domain.Block{ChainID: testChain, Number: 100, Hash: "0xh100", ParentHash: "0xh99"}
	logs := []domain.RawLog{
		transferLog(100, "0xh100", 0,
			"0x1111111111111111111111111111111111111111",
			"0x2222222222222222222222222222222222222222", 1000),
		{
			// No ABI registered for this contract: preserved raw.
			ChainID:     testChain,
			Address:     "0x3333333333333333333333333333333333333333",
			Topics:      []string{"0xdeadbeef"},
			Data:        []byte{0x01},
			BlockNumber: 100,
			BlockHash:   "0xh100",
			TxHash:      "0xtx9",
			LogIndex:    9,
		},
	}

	if err := env.pipeline.IngestBlock(ctx, block, logs); err != nil {
		t.Fatalf("IngestBlock: %v", err)
	}

	transfers, err := env.stores.Transfers.GetByContract(ctx, testChain, tokenAddress, 0)
	if err != nil {
		t.Fatalf("GetByContract: %v", err)
	}
	if len(transfers) != 1 {
		t.Fatalf("transfers = %d, want 1", len(transfers))
	}
	tr := transfers[0]
	if tr.From != "0x1111111111111111111111111111111111111111" ||
		tr.To != "0x2222222222222222222222222222222222222222" {
		t.Errorf("transfer parties = %s -> %s", tr.From, tr.To)
	}
	if tr.Amount != "1000" {
		t.Errorf("amount = %s, want 1000", tr.Amount)
	}
	if !tr.Canonical || tr.IngestVersion != 1 {
		t.Errorf("meta = canonical %v, version %d", tr.Canonical, tr.IngestVersion)
	}

	raws, err := env.stores.Raws.GetByContract(ctx, testChain, "0x3333333333333333333333333333333333333333", 0)
	if err != nil {
		t.Fatalf("raw GetByContract: %v", err)
	}
	if len(raws) != 1 {
		t.Fatalf("raw events = %d, want 1", len(raws))
	}
	if raws[0].EventName != "Unknown" || raws[0].Reason != "missing_abi" {
		t.Errorf("raw event = name %q reason %q", raws[0].EventName, raws[0].Reason)
	}
	if len(raws[0].Topics) != 1 || raws[0].Topics[0] != "0xdeadbeef" {
		t.Errorf("raw topics not preserved: %v", raws[0].Topics)
	}

	saved, err := env.stores.Blocks.GetCanonicalByNumber(ctx, testChain, 100)
	if err != nil || saved == nil {
		t.Fatalf("block row missing: %v, %v", saved, err)
	}
}

func TestIngestBlockReplayIsNoop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	block := &domain.Block{ChainID: testChain, Number: 100, Hash: "0xh100", ParentHash: "0xh99"}
	logs := []domain.RawLog{transferLog(100, "0xh100", 0,
		"0x1111111111111111111111111111111111111111",
		"0x2222222222222222222222222222222222222222", 7)}

	for i := 0; i < 2; i++ {
		replay := *block
		if err := env.pipeline.IngestBlock(ctx, &replay, logs); err != nil {
			t.Fatalf("IngestBlock run %d: %v", i, err)
		}
	}

	transfers, _ := env.stores.Transfers.GetByContract(ctx, testChain, tokenAddress, 0)
	if len(transfers) != 1 {
		t.Fatalf("transfers = %d after replay, want 1", len(transfers))
	}
}

func TestPollOnceCatchesUp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Ledger at 10; provider has 11 and 12.
	err := env.stores.Blocks.Save(ctx, &domain.Block{
		ChainID: testChain, Number: 10, Hash: "0xh10", ParentHash: "0xh9", Canonical: true,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	env.client.addBlock(domain.ChainHead{ChainID: testChain, Number: 11, Hash: "0xh11", ParentHash: "0xh10"})
	env.client.addBlock(domain.ChainHead{ChainID: testChain, Number: 12, Hash: "0xh12", ParentHash: "0xh11"},
		transferLog(12, "0xh12", 0,
			"0x1111111111111111111111111111111111111111",
			"0x2222222222222222222222222222222222222222", 5))

	if err := env.pipeline.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	latest, err := env.stores.Blocks.GetLatestCanonical(ctx, testChain)
	if err != nil {
		t.Fatalf("GetLatestCanonical: %v", err)
	}
	if latest.Number != 12 {
		t.Fatalf("ledger head = %d, want 12", latest.Number)
	}
	transfers, _ := env.stores.Transfers.GetByContract(ctx, testChain, tokenAddress, 0)
	if len(transfers) != 1 {
		t.Errorf("transfers = %d, want 1", len(transfers))
	}
}

func TestPollOnceStopsAtParentMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.stores.Blocks.Save(ctx, &domain.Block{
		ChainID: testChain, Number: 10, Hash: "0xh10", ParentHash: "0xh9", Canonical: true,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	// Provider's block 11 descends from a different block 10.
	env.client.addBlock(domain.ChainHead{ChainID: testChain, Number: 11, Hash: "0xb11", ParentHash: "0xb10"})

	if err := env.pipeline.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	latest, _ := env.stores.Blocks.GetLatestCanonical(ctx, testChain)
	if latest.Number != 10 {
		t.Fatalf("ledger advanced across a fork: head = %d", latest.Number)
	}
}

func TestPollOnceEmptyLedgerStartsAtHead(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.client.addBlock(domain.ChainHead{ChainID: testChain, Number: 42, Hash: "0xh42", ParentHash: "0xh41"})

	if err := env.pipeline.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	latest, _ := env.stores.Blocks.GetLatestCanonical(ctx, testChain)
	if latest == nil || latest.Number != 42 {
		t.Fatalf("ledger head = %+v, want block 42", latest)
	}
}

func TestPipelineStopIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.client.addBlock(domain.ChainHead{ChainID: testChain, Number: 1, Hash: "0xh1", ParentHash: "0xh0"})
	env.pipeline.cfg.PollInterval = 5 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- env.pipeline.Run(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	env.pipeline.Stop()
	env.pipeline.Stop() // repeated Stop must not double-close
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
	env.pipeline.Stop()
}
