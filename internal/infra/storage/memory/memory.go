// Package memory provides in-memory repository implementations, used by
// tests and by dev mode when no database is configured.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/canonlabs/ledgerd/internal/core/domain"
)

// MemoryStorage holds every record family behind one lock.
type MemoryStorage struct {
	mu          sync.RWMutex
	blocks      []*domain.Block
	transfers   []*domain.Transfer
	approvals   []*domain.Approval
	generics    []*domain.GenericEvent
	raws        []*domain.RawEvent
	reorgEvents []*domain.ReorgEvent
	abis        []*domain.ContractABI

	// seen mirrors the record tables' unique constraint so a replayed
	// batch insert is a no-op, like ON CONFLICT DO NOTHING in postgres.
	seen map[recordKey]struct{}
}

type recordKey struct {
	recordType domain.RecordType
	chainID    domain.ChainID
	txHash     string
	logIndex   uint
	blockHash  string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{seen: make(map[recordKey]struct{})}
}

// insertOnce registers a record's unique key; false means it already exists.
func (s *MemoryStorage) insertOnce(rt domain.RecordType, m *domain.RecordMeta) bool {
	key := recordKey{rt, m.ChainID, m.TxHash, m.LogIndex, m.BlockHash}
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	return true
}

// -----------------------------------------------------------------------------
// Block Repository
// -----------------------------------------------------------------------------

type BlockRepo struct {
	store *MemoryStorage
}

func NewBlockRepo(store *MemoryStorage) *BlockRepo {
	return &BlockRepo{store: store}
}

func (r *BlockRepo) Save(ctx context.Context, block *domain.Block) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for i, b := range r.store.blocks {
		if b.ChainID == block.ChainID && b.Number == block.Number && b.Hash == block.Hash {
			clone := *block
			r.store.blocks[i] = &clone
			return nil
		}
	}
	clone := *block
	r.store.blocks = append(r.store.blocks, &clone)
	return nil
}

func (r *BlockRepo) GetCanonicalByNumber(
	ctx context.Context,
	chainID domain.ChainID,
	number uint64,
) (*domain.Block, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for _, b := range r.store.blocks {
		if b.ChainID == chainID && b.Number == number && b.Canonical {
			clone := *b
			return &clone, nil
		}
	}
	return nil, nil
}

func (r *BlockRepo) GetByNumberAndHash(
	ctx context.Context,
	chainID domain.ChainID,
	number uint64,
	hash string,
) (*domain.Block, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for _, b := range r.store.blocks {
		if b.ChainID == chainID && b.Number == number && strings.EqualFold(b.Hash, hash) {
			clone := *b
			return &clone, nil
		}
	}
	return nil, nil
}

func (r *BlockRepo) GetLatestCanonical(
	ctx context.Context,
	chainID domain.ChainID,
) (*domain.Block, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var max *domain.Block
	for _, b := range r.store.blocks {
		if b.ChainID == chainID && b.Canonical {
			if max == nil || b.Number > max.Number {
				max = b
			}
		}
	}
	if max == nil {
		return nil, nil
	}
	clone := *max
	return &clone, nil
}

func (r *BlockRepo) SetCanonical(
	ctx context.Context,
	chainID domain.ChainID,
	blockNumber uint64,
	blockHash string,
	canonical bool,
) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var affected int64
	for _, b := range r.store.blocks {
		if b.ChainID == chainID && b.Number == blockNumber &&
			strings.EqualFold(b.Hash, blockHash) && b.Canonical != canonical {
			b.Canonical = canonical
			affected++
		}
	}
	return affected, nil
}

// -----------------------------------------------------------------------------
// Transfer Repository
// -----------------------------------------------------------------------------

type TransferRepo struct {
	store *MemoryStorage
}

func NewTransferRepo(store *MemoryStorage) *TransferRepo {
	return &TransferRepo{store: store}
}

func (r *TransferRepo) SaveBatch(ctx context.Context, transfers []*domain.Transfer) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, t := range transfers {
		if !r.store.insertOnce(domain.RecordTypeTransfer, t.Meta()) {
			continue
		}
		clone := *t
		r.store.transfers = append(r.store.transfers, &clone)
	}
	return nil
}

func (r *TransferRepo) GetByContract(
	ctx context.Context,
	chainID domain.ChainID,
	contract string,
	limit int,
) ([]*domain.Transfer, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.Transfer
	for _, t := range r.store.transfers {
		if t.ChainID == chainID && strings.EqualFold(t.Contract, contract) && t.Canonical {
			clone := *t
			out = append(out, &clone)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (r *TransferRepo) GetByWallet(
	ctx context.Context,
	chainID domain.ChainID,
	wallet string,
	limit int,
) ([]*domain.Transfer, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.Transfer
	for _, t := range r.store.transfers {
		if t.ChainID == chainID && t.Canonical &&
			(strings.EqualFold(t.From, wallet) || strings.EqualFold(t.To, wallet)) {
			clone := *t
			out = append(out, &clone)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (r *TransferRepo) SetCanonical(
	ctx context.Context,
	chainID domain.ChainID,
	blockNumber uint64,
	blockHash string,
	canonical bool,
) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var affected int64
	for _, t := range r.store.transfers {
		if t.ChainID == chainID && t.BlockNumber == blockNumber &&
			strings.EqualFold(t.BlockHash, blockHash) && t.Canonical != canonical {
			t.Canonical = canonical
			affected++
		}
	}
	return affected, nil
}

// -----------------------------------------------------------------------------
// Approval Repository
// -----------------------------------------------------------------------------

type ApprovalRepo struct {
	store *MemoryStorage
}

func NewApprovalRepo(store *MemoryStorage) *ApprovalRepo {
	return &ApprovalRepo{store: store}
}

func (r *ApprovalRepo) SaveBatch(ctx context.Context, approvals []*domain.Approval) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, a := range approvals {
		if !r.store.insertOnce(domain.RecordTypeApproval, a.Meta()) {
			continue
		}
		clone := *a
		r.store.approvals = append(r.store.approvals, &clone)
	}
	return nil
}

func (r *ApprovalRepo) GetByContract(
	ctx context.Context,
	chainID domain.ChainID,
	contract string,
	limit int,
) ([]*domain.Approval, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.Approval
	for _, a := range r.store.approvals {
		if a.ChainID == chainID && strings.EqualFold(a.Contract, contract) && a.Canonical {
			clone := *a
			out = append(out, &clone)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (r *ApprovalRepo) SetCanonical(
	ctx context.Context,
	chainID domain.ChainID,
	blockNumber uint64,
	blockHash string,
	canonical bool,
) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var affected int64
	for _, a := range r.store.approvals {
		if a.ChainID == chainID && a.BlockNumber == blockNumber &&
			strings.EqualFold(a.BlockHash, blockHash) && a.Canonical != canonical {
			a.Canonical = canonical
			affected++
		}
	}
	return affected, nil
}

// -----------------------------------------------------------------------------
// Generic Event Repository
// -----------------------------------------------------------------------------

type GenericEventRepo struct {
	store *MemoryStorage
}

func NewGenericEventRepo(store *MemoryStorage) *GenericEventRepo {
	return &GenericEventRepo{store: store}
}

func (r *GenericEventRepo) SaveBatch(ctx context.Context, events []*domain.GenericEvent) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, e := range events {
		if !r.store.insertOnce(domain.RecordTypeGenericEvent, e.Meta()) {
			continue
		}
		clone := *e
		r.store.generics = append(r.store.generics, &clone)
	}
	return nil
}

func (r *GenericEventRepo) GetByContract(
	ctx context.Context,
	chainID domain.ChainID,
	contract string,
	limit int,
) ([]*domain.GenericEvent, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.GenericEvent
	for _, e := range r.store.generics {
		if e.ChainID == chainID && strings.EqualFold(e.Contract, contract) && e.Canonical {
			clone := *e
			out = append(out, &clone)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (r *GenericEventRepo) SetCanonical(
	ctx context.Context,
	chainID domain.ChainID,
	blockNumber uint64,
	blockHash string,
	canonical bool,
) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var affected int64
	for _, e := range r.store.generics {
		if e.ChainID == chainID && e.BlockNumber == blockNumber &&
			strings.EqualFold(e.BlockHash, blockHash) && e.Canonical != canonical {
			e.Canonical = canonical
			affected++
		}
	}
	return affected, nil
}

// -----------------------------------------------------------------------------
// Raw Event Repository
// -----------------------------------------------------------------------------

type RawEventRepo struct {
	store *MemoryStorage
}

func NewRawEventRepo(store *MemoryStorage) *RawEventRepo {
	return &RawEventRepo{store: store}
}

func (r *RawEventRepo) SaveBatch(ctx context.Context, events []*domain.RawEvent) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, e := range events {
		if !r.store.insertOnce(domain.RecordTypeRawEvent, e.Meta()) {
			continue
		}
		clone := *e
		r.store.raws = append(r.store.raws, &clone)
	}
	return nil
}

func (r *RawEventRepo) GetByContract(
	ctx context.Context,
	chainID domain.ChainID,
	contract string,
	limit int,
) ([]*domain.RawEvent, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.RawEvent
	for _, e := range r.store.raws {
		if e.ChainID == chainID && strings.EqualFold(e.Contract, contract) && e.Canonical {
			clone := *e
			out = append(out, &clone)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (r *RawEventRepo) SetCanonical(
	ctx context.Context,
	chainID domain.ChainID,
	blockNumber uint64,
	blockHash string,
	canonical bool,
) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var affected int64
	for _, e := range r.store.raws {
		if e.ChainID == chainID && e.BlockNumber == blockNumber &&
			strings.EqualFold(e.BlockHash, blockHash) && e.Canonical != canonical {
			e.Canonical = canonical
			affected++
		}
	}
	return affected, nil
}

// -----------------------------------------------------------------------------
// Reorg Event Repository (append-only)
// -----------------------------------------------------------------------------

type ReorgEventRepo struct {
	store *MemoryStorage
}

func NewReorgEventRepo(store *MemoryStorage) *ReorgEventRepo {
	return &ReorgEventRepo{store: store}
}

func (r *ReorgEventRepo) Append(ctx context.Context, event *domain.ReorgEvent) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	clone := *event
	r.store.reorgEvents = append(r.store.reorgEvents, &clone)
	return nil
}

func (r *ReorgEventRepo) ListByChain(
	ctx context.Context,
	chainID domain.ChainID,
	since, until time.Time,
) ([]*domain.ReorgEvent, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.ReorgEvent
	for _, e := range r.store.reorgEvents {
		if e.ChainID != chainID {
			continue
		}
		if !since.IsZero() && e.DetectedAt.Before(since) {
			continue
		}
		if !until.IsZero() && e.DetectedAt.After(until) {
			continue
		}
		clone := *e
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

// -----------------------------------------------------------------------------
// ABI Repository
// -----------------------------------------------------------------------------

type ABIRepo struct {
	store *MemoryStorage
}

func NewABIRepo(store *MemoryStorage) *ABIRepo {
	return &ABIRepo{store: store}
}

func (r *ABIRepo) Save(ctx context.Context, abi *domain.ContractABI) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	clone := *abi
	r.store.abis = append(r.store.abis, &clone)
	return nil
}

func (r *ABIRepo) ListAll(ctx context.Context) ([]*domain.ContractABI, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.ContractABI, 0, len(r.store.abis))
	for _, a := range r.store.abis {
		clone := *a
		out = append(out, &clone)
	}
	return out, nil
}
