// Package reorg keeps the canonical ledger correct when the chain's history
// changes.
//
// # Detection
//
// The detector tracks the last known head per chain. Each poll compares the
// provider's head against it: same hash is a no-op, direct descent advances
// the head, anything else is a fork. Fork resolution equalizes the two
// branches' heights and then steps both backward by parent hash until the
// hashes meet (the common ancestor) or a configured depth bound is exceeded,
// which is fatal for the cycle and alerts an operator.
//
// # Rollback and recovery
//
// On a fork, the rollback engine demotes every row under the orphaned blocks
// to non-canonical through the canonical flag manager, one record type at a
// time, isolating per-type failures. The recovery engine then walks the new
// branch: blocks already ingested under the new hash are simply re-flagged
// canonical, missing blocks are re-fetched, decoded and stored. Both phases
// are idempotent, so a crashed cycle can be re-run safely.
//
// # Orchestration
//
// The manager drives one poll loop per chain through an explicit state
// machine (Idle -> Detecting -> RollingBack -> Recovering -> Idle, Failed
// from anywhere). A chain in Failed stops polling until an operator
// acknowledges: serving a stale canonical view is better than serving an
// inconsistent one.
package reorg

import (
	"context"

	"github.com/canonlabs/ledgerd/internal/core/domain"
)

// Client is the slice of the external ingestion collaborator the reorg
// subsystem needs: head polling, header walks, and block re-fetch during
// recovery. Fetch failures are typed errors, never panics.
type Client interface {
	// GetHead returns the provider's current chain head.
	GetHead(ctx context.Context) (*domain.ChainHead, error)

	// GetHeaderByHash returns the header with the given hash, or an error
	// if the provider no longer has it.
	GetHeaderByHash(ctx context.Context, hash string) (*domain.ChainHead, error)

	// GetHeaderByNumber returns the header currently at the given height.
	GetHeaderByNumber(ctx context.Context, number uint64) (*domain.ChainHead, error)

	// FetchBlock re-fetches a full block with its logs by (number, hash).
	FetchBlock(ctx context.Context, number uint64, hash string) (*domain.Block, []domain.RawLog, error)
}

// Ingestor stores a fetched block and its logs as canonical ledger rows.
// Implemented by the ingest pipeline; recovery reuses it so re-fetched
// blocks go through the exact same decode -> normalize -> store path.
type Ingestor interface {
	IngestBlock(ctx context.Context, block *domain.Block, logs []domain.RawLog) error
}

// RetryQueue parks recovery fetches that exhausted their retries for
// operator-driven reprocessing.
type RetryQueue interface {
	Enqueue(ctx context.Context, rb *domain.RetryBlock) error
}

// Config holds per-chain reorg handling settings.
type Config struct {
	// MaxDepth bounds both the ancestor walk and the tolerated fork depth.
	MaxDepth uint64
}

// DefaultMaxDepth is used when MaxDepth is unset.
const DefaultMaxDepth = 64
