package storage

import (
	"context"
	"errors"
	"time"

	"github.com/canonlabs/ledgerd/internal/core/domain"
)

var (
	// ErrNotFound is returned when a requested row doesn't exist.
	ErrNotFound = errors.New("not found")
)

// CanonicalStore is implemented by every repository whose rows carry a
// canonical flag. SetCanonical updates all rows matching
// (chain, block number, block hash) and returns the number of rows whose
// flag actually changed; re-applying the same value is a no-op.
type CanonicalStore interface {
	SetCanonical(
		ctx context.Context,
		chainID domain.ChainID,
		blockNumber uint64,
		blockHash string,
		canonical bool,
	) (int64, error)
}

// BlockRepository handles block header rows.
type BlockRepository interface {
	CanonicalStore

	// Save upserts a block row.
	Save(ctx context.Context, block *domain.Block) error

	// GetCanonicalByNumber returns the canonical block at a height, or nil.
	GetCanonicalByNumber(
		ctx context.Context,
		chainID domain.ChainID,
		number uint64,
	) (*domain.Block, error)

	// GetByNumberAndHash returns the block row for an exact (number, hash),
	// canonical or not, or nil.
	GetByNumberAndHash(
		ctx context.Context,
		chainID domain.ChainID,
		number uint64,
		hash string,
	) (*domain.Block, error)

	// GetLatestCanonical returns the highest canonical block, or nil.
	GetLatestCanonical(ctx context.Context, chainID domain.ChainID) (*domain.Block, error)
}

// TransferRepository handles normalized transfer rows. Queries return
// canonical rows only; non-canonical rows are audit-only.
type TransferRepository interface {
	CanonicalStore

	SaveBatch(ctx context.Context, transfers []*domain.Transfer) error

	GetByContract(
		ctx context.Context,
		chainID domain.ChainID,
		contract string,
		limit int,
	) ([]*domain.Transfer, error)

	// GetByWallet returns canonical transfers where the wallet is sender or
	// receiver.
	GetByWallet(
		ctx context.Context,
		chainID domain.ChainID,
		wallet string,
		limit int,
	) ([]*domain.Transfer, error)
}

// ApprovalRepository handles normalized approval rows.
type ApprovalRepository interface {
	CanonicalStore

	SaveBatch(ctx context.Context, approvals []*domain.Approval) error

	GetByContract(
		ctx context.Context,
		chainID domain.ChainID,
		contract string,
		limit int,
	) ([]*domain.Approval, error)
}

// GenericEventRepository handles decoded events without a normalization
// schema.
type GenericEventRepository interface {
	CanonicalStore

	SaveBatch(ctx context.Context, events []*domain.GenericEvent) error

	GetByContract(
		ctx context.Context,
		chainID domain.ChainID,
		contract string,
		limit int,
	) ([]*domain.GenericEvent, error)
}

// RawEventRepository preserves logs that failed decoding.
type RawEventRepository interface {
	CanonicalStore

	SaveBatch(ctx context.Context, events []*domain.RawEvent) error

	GetByContract(
		ctx context.Context,
		chainID domain.ChainID,
		contract string,
		limit int,
	) ([]*domain.RawEvent, error)
}

// ReorgEventRepository is the append-only fork audit trail.
type ReorgEventRepository interface {
	Append(ctx context.Context, event *domain.ReorgEvent) error

	ListByChain(
		ctx context.Context,
		chainID domain.ChainID,
		since, until time.Time,
	) ([]*domain.ReorgEvent, error)
}

// ABIRepository persists registered contract ABI versions so the registry
// can be rebuilt at startup.
type ABIRepository interface {
	Save(ctx context.Context, abi *domain.ContractABI) error

	ListAll(ctx context.Context) ([]*domain.ContractABI, error)
}
