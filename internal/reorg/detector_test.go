package reorg

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/canonlabs/ledgerd/internal/core/domain"
	"github.com/canonlabs/ledgerd/internal/infra/storage/memory"
)

const testChain domain.ChainID = "1"

// fakeClient serves headers and blocks from in-memory maps.
type fakeClient struct {
	mu       sync.Mutex
	head     *domain.ChainHead
	byHash   map[string]*domain.ChainHead
	byNumber map[uint64]*domain.ChainHead
	blocks   map[string]*domain.Block
	logs     map[string][]domain.RawLog

	fetchFails map[string]int // remaining forced failures per hash
	fetchCalls int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		byHash:     make(map[string]*domain.ChainHead),
		byNumber:   make(map[uint64]*domain.ChainHead),
		blocks:     make(map[string]*domain.Block),
		logs:       make(map[string][]domain.RawLog),
		fetchFails: make(map[string]int),
	}
}

func (c *fakeClient) addHeader(h domain.ChainHead) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hc := h
	c.byHash[h.Hash] = &hc
	c.byNumber[h.Number] = &hc
	c.blocks[h.Hash] = &domain.Block{
		ChainID:    h.ChainID,
		Number:     h.Number,
		Hash:       h.Hash,
		ParentHash: h.ParentHash,
	}
}

func (c *fakeClient) setHead(h domain.ChainHead) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hc := h
	c.head = &hc
}

func (c *fakeClient) GetHead(ctx context.Context) (*domain.ChainHead, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.head == nil {
		return nil, errors.New("no head set")
	}
	h := *c.head
	return &h, nil
}

func (c *fakeClient) GetHeaderByHash(ctx context.Context, hash string) (*domain.ChainHead, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.byHash[hash]
	if !ok {
		return nil, fmt.Errorf("header %s not found", hash)
	}
	hc := *h
	return &hc, nil
}

func (c *fakeClient) GetHeaderByNumber(ctx context.Context, number uint64) (*domain.ChainHead, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.byNumber[number]
	if !ok {
		return nil, fmt.Errorf("no header at %d", number)
	}
	hc := *h
	return &hc, nil
}

func (c *fakeClient) FetchBlock(
	ctx context.Context,
	number uint64,
	hash string,
) (*domain.Block, []domain.RawLog, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchCalls++
	if n := c.fetchFails[hash]; n > 0 {
		c.fetchFails[hash] = n - 1
		return nil, nil, fmt.Errorf("transient fetch failure for %s", hash)
	}
	b, ok := c.blocks[hash]
	if !ok || b.Number != number {
		return nil, nil, fmt.Errorf("block (%d, %s) not found", number, hash)
	}
	bc := *b
	return &bc, c.logs[hash], nil
}

func head(number uint64, hash, parent string) domain.ChainHead {
	return domain.ChainHead{ChainID: testChain, Number: number, Hash: hash, ParentHash: parent}
}

// seedCanonical writes a canonical block row for each head.
func seedCanonical(t *testing.T, blocks *memory.BlockRepo, heads ...domain.ChainHead) {
	t.Helper()
	for _, h := range heads {
		err := blocks.Save(context.Background(), &domain.Block{
			ChainID:    h.ChainID,
			Number:     h.Number,
			Hash:       h.Hash,
			ParentHash: h.ParentHash,
			Canonical:  true,
		})
		if err != nil {
			t.Fatalf("seed block %d: %v", h.Number, err)
		}
	}
}

func TestDetectorAdoptsFirstHead(t *testing.T) {
	store := memory.NewMemoryStorage()
	d := NewDetector(testChain, Config{}, newFakeClient(), memory.NewBlockRepo(store))

	h := head(100, "0xa100", "0xa99")
	ev, err := d.Check(context.Background(), h)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if ev != nil {
		t.Fatalf("expected no reorg on first observation, got %+v", ev)
	}
	if got := d.LastHead(); got == nil || got.Hash != "0xa100" {
		t.Fatalf("expected tracked head 0xa100, got %+v", got)
	}
}

func TestDetectorSameHeadIsNoop(t *testing.T) {
	store := memory.NewMemoryStorage()
	d := NewDetector(testChain, Config{}, newFakeClient(), memory.NewBlockRepo(store))
	d.Advance(head(100, "0xa100", "0xa99"))

	ev, err := d.Check(context.Background(), head(100, "0xa100", "0xa99"))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if ev != nil {
		t.Fatalf("expected no-op, got %+v", ev)
	}
}

func TestDetectorDirectDescent(t *testing.T) {
	client := newFakeClient()
	client.addHeader(head(100, "0xa100", "0xa99"))

	store := memory.NewMemoryStorage()
	d := NewDetector(testChain, Config{}, client, memory.NewBlockRepo(store))
	d.Advance(head(100, "0xa100", "0xa99"))

	ev, err := d.Check(context.Background(), head(101, "0xa101", "0xa100"))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if ev != nil {
		t.Fatalf("descent must not be reported as a reorg, got %+v", ev)
	}
	if got := d.LastHead(); got.Hash != "0xa101" {
		t.Fatalf("expected head advanced to 0xa101, got %s", got.Hash)
	}
}

// The canonical ledger holds ...98, 99, 100; the provider announces 101 on a
// branch that forked after 98. The walk must find ancestor 98, depth 2, and
// report orphaned blocks 99 and 100 in ascending order.
func TestDetectorFindsCommonAncestor(t *testing.T) {
	a98 := head(98, "0xa98", "0xa97")
	a99 := head(99, "0xa99", "0xa98")
	a100 := head(100, "0xa100", "0xa99")

	b99 := head(99, "0xb99", "0xa98")
	b100 := head(100, "0xb100", "0xb99")
	b101 := head(101, "0xb101", "0xb100")

	client := newFakeClient()
	for _, h := range []domain.ChainHead{a98, b99, b100, b101} {
		client.addHeader(h)
	}

	store := memory.NewMemoryStorage()
	blocks := memory.NewBlockRepo(store)
	seedCanonical(t, blocks, a98, a99, a100)

	d := NewDetector(testChain, Config{MaxDepth: 10}, client, blocks)
	d.Advance(a100)

	ev, err := d.Check(context.Background(), b101)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if ev == nil {
		t.Fatal("expected a reorg event")
	}
	if ev.Depth != 2 {
		t.Errorf("depth = %d, want 2", ev.Depth)
	}
	if ev.CommonAncestor.Number != 98 || ev.CommonAncestor.Hash != "0xa98" {
		t.Errorf("common ancestor = %+v, want block 98/0xa98", ev.CommonAncestor)
	}
	if ev.OldHead.Hash != "0xa100" || ev.NewHead.Hash != "0xb101" {
		t.Errorf("heads = %s -> %s, want 0xa100 -> 0xb101", ev.OldHead.Hash, ev.NewHead.Hash)
	}
	want := []domain.OrphanedBlock{{Number: 99, Hash: "0xa99"}, {Number: 100, Hash: "0xa100"}}
	if len(ev.AffectedBlocks) != len(want) {
		t.Fatalf("affected blocks = %+v, want %+v", ev.AffectedBlocks, want)
	}
	for i := range want {
		if ev.AffectedBlocks[i] != want[i] {
			t.Errorf("affected[%d] = %+v, want %+v", i, ev.AffectedBlocks[i], want[i])
		}
	}
	if ev.ID == "" || ev.DetectedAt.IsZero() {
		t.Error("event must carry an id and detection time")
	}
}

func TestDetectorSameHeightFork(t *testing.T) {
	a99 := head(99, "0xa99", "0xa98")
	a100 := head(100, "0xa100", "0xa99")
	b100 := head(100, "0xb100", "0xa99")

	client := newFakeClient()
	client.addHeader(a99)
	client.addHeader(b100)

	store := memory.NewMemoryStorage()
	blocks := memory.NewBlockRepo(store)
	seedCanonical(t, blocks, a99, a100)

	d := NewDetector(testChain, Config{MaxDepth: 10}, client, blocks)
	d.Advance(a100)

	ev, err := d.Check(context.Background(), b100)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if ev == nil {
		t.Fatal("expected a reorg event for a replaced head")
	}
	if ev.Depth != 1 {
		t.Errorf("depth = %d, want 1", ev.Depth)
	}
	if len(ev.AffectedBlocks) != 1 || ev.AffectedBlocks[0].Hash != "0xa100" {
		t.Errorf("affected blocks = %+v, want only 0xa100", ev.AffectedBlocks)
	}
}

func TestDetectorAncestorNotFound(t *testing.T) {
	a97 := head(97, "0xa97", "0xa96")
	a98 := head(98, "0xa98", "0xa97")
	a99 := head(99, "0xa99", "0xa98")
	a100 := head(100, "0xa100", "0xa99")

	// New branch diverges deeper than the bound allows.
	b98 := head(98, "0xb98", "0xb97")
	b99 := head(99, "0xb99", "0xb98")
	b100 := head(100, "0xb100", "0xb99")

	client := newFakeClient()
	for _, h := range []domain.ChainHead{b98, b99, b100} {
		client.addHeader(h)
	}

	store := memory.NewMemoryStorage()
	blocks := memory.NewBlockRepo(store)
	seedCanonical(t, blocks, a97, a98, a99, a100)

	d := NewDetector(testChain, Config{MaxDepth: 2}, client, blocks)
	d.Advance(a100)

	_, err := d.Check(context.Background(), b100)
	if !errors.Is(err, ErrAncestorNotFound) {
		t.Fatalf("err = %v, want ErrAncestorNotFound", err)
	}
	// The tracked head must be untouched so a widened bound can retry.
	if got := d.LastHead(); got.Hash != "0xa100" {
		t.Errorf("tracked head moved to %s on failure", got.Hash)
	}
}

func TestDetectorBoundsNewBranchWalk(t *testing.T) {
	store := memory.NewMemoryStorage()
	d := NewDetector(testChain, Config{MaxDepth: 3}, newFakeClient(), memory.NewBlockRepo(store))
	d.Advance(head(100, "0xa100", "0xa99"))

	// Head far ahead with no fetchable parents: the equalize walk must stop
	// at the bound instead of erroring on the missing header.
	_, err := d.Check(context.Background(), head(200, "0xb200", "0xb199"))
	if !errors.Is(err, ErrAncestorNotFound) {
		t.Fatalf("err = %v, want ErrAncestorNotFound", err)
	}
}

func TestDetectorSyncFromLedger(t *testing.T) {
	store := memory.NewMemoryStorage()
	blocks := memory.NewBlockRepo(store)
	seedCanonical(t, blocks, head(50, "0xa50", "0xa49"))

	d := NewDetector(testChain, Config{}, newFakeClient(), blocks)
	if err := d.SyncFromLedger(context.Background()); err != nil {
		t.Fatalf("SyncFromLedger: %v", err)
	}
	if got := d.LastHead(); got == nil || got.Number != 50 {
		t.Fatalf("expected head synced to 50, got %+v", got)
	}

	// Never moves backward: a stale ledger read must not rewind the head.
	d.Advance(head(55, "0xa55", "0xa54"))
	if err := d.SyncFromLedger(context.Background()); err != nil {
		t.Fatalf("SyncFromLedger: %v", err)
	}
	if got := d.LastHead(); got.Number != 55 {
		t.Fatalf("head rewound to %d by ledger sync", got.Number)
	}
}

func TestDetectorSyncFromLedgerEmptyLedger(t *testing.T) {
	store := memory.NewMemoryStorage()
	d := NewDetector(testChain, Config{}, newFakeClient(), memory.NewBlockRepo(store))
	if err := d.SyncFromLedger(context.Background()); err != nil {
		t.Fatalf("SyncFromLedger on empty ledger: %v", err)
	}
	if d.LastHead() != nil {
		t.Fatal("expected no tracked head for an empty ledger")
	}
}
