package reorg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/canonlabs/ledgerd/internal/core/domain"
	"github.com/canonlabs/ledgerd/internal/infra/storage"
	"github.com/canonlabs/ledgerd/internal/metrics"
)

// ErrAncestorNotFound is returned when the fork walk exceeds the configured
// depth bound without finding a common ancestor. Fatal for the poll cycle:
// the chain halts until an operator acknowledges.
var ErrAncestorNotFound = errors.New("common ancestor not found within depth bound")

// Detector tracks the last known head of one chain and classifies each new
// head as no-op, descent, or fork.
type Detector struct {
	chainID domain.ChainID
	cfg     Config
	client  Client
	blocks  storage.BlockRepository
	log     *slog.Logger

	mu   sync.Mutex
	last *domain.ChainHead
}

// NewDetector creates a detector for one chain.
func NewDetector(
	chainID domain.ChainID,
	cfg Config,
	client Client,
	blocks storage.BlockRepository,
) *Detector {
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	return &Detector{
		chainID: chainID,
		cfg:     cfg,
		client:  client,
		blocks:  blocks,
		log:     slog.With("component", "reorg-detector", "chain", chainID),
	}
}

// SyncFromLedger moves the tracked head up to the ledger's highest canonical
// block. Called at startup and before each poll so ingest progress between
// polls doesn't read as a deep fork. Never moves the head backward.
func (d *Detector) SyncFromLedger(ctx context.Context) error {
	latest, err := d.blocks.GetLatestCanonical(ctx, d.chainID)
	if err != nil {
		return fmt.Errorf("failed to read ledger head: %w", err)
	}
	if latest == nil {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last == nil || latest.Number > d.last.Number {
		head := latest.Head()
		d.last = &head
		metrics.LedgerHeadBlock.WithLabelValues(string(d.chainID)).Set(float64(head.Number))
	}
	return nil
}

// LastHead returns the tracked head, or nil before the first observation.
func (d *Detector) LastHead() *domain.ChainHead {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last == nil {
		return nil
	}
	h := *d.last
	return &h
}

// Advance replaces the tracked head. Called by the manager after a
// successful recovery, and by Check on direct descent.
func (d *Detector) Advance(head domain.ChainHead) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = &head
}

// Check classifies newHead against the tracked head. Returns a ReorgEvent
// when newHead is on a different branch, nil when there is nothing to do.
// A nil return with no error means the head was a no-op or a descent (the
// tracked head advanced). ErrAncestorNotFound means the fork is deeper than
// the configured bound.
func (d *Detector) Check(ctx context.Context, newHead domain.ChainHead) (*domain.ReorgEvent, error) {
	metrics.ChainHeadBlock.WithLabelValues(string(d.chainID)).Set(float64(newHead.Number))

	d.mu.Lock()
	last := d.last
	d.mu.Unlock()

	if last == nil {
		d.Advance(newHead)
		return nil, nil
	}
	if newHead.Hash == last.Hash {
		return nil, nil
	}

	if newHead.Number > last.Number && newHead.Number-last.Number > d.cfg.MaxDepth {
		return nil, fmt.Errorf(
			"%w: new head %d is more than %d blocks ahead of %d",
			ErrAncestorNotFound, newHead.Number, d.cfg.MaxDepth, last.Number,
		)
	}

	// Equalize heights: bring the new branch down to the old head's height.
	// For the common case of direct descent this lands exactly on the old
	// head and the walk ends immediately.
	cur := newHead
	var steps uint64
	for cur.Number > last.Number {
		if steps >= d.cfg.MaxDepth {
			return nil, fmt.Errorf(
				"%w: walked %d steps down the new branch", ErrAncestorNotFound, steps,
			)
		}
		parent, err := d.client.GetHeaderByHash(ctx, cur.ParentHash)
		if err != nil {
			return nil, fmt.Errorf("failed to walk new branch at %d: %w", cur.Number-1, err)
		}
		cur = *parent
		steps++
	}

	// The old branch is our own canonical history; equalize it downward too
	// (only possible when the provider's head went backwards).
	old := *last
	for old.Number > cur.Number {
		if steps >= d.cfg.MaxDepth {
			return nil, fmt.Errorf("%w: old head %d above new branch", ErrAncestorNotFound, last.Number)
		}
		prev, err := d.canonicalAt(ctx, old.Number-1)
		if err != nil {
			return nil, err
		}
		old = *prev
		steps++
	}

	if cur.Hash == old.Hash {
		// Direct descent (or provider briefly behind): no fork.
		if newHead.Number >= last.Number {
			d.Advance(newHead)
		}
		return nil, nil
	}

	// Fork. Step both branches down in lockstep until the hashes meet.
	var orphaned []domain.OrphanedBlock
	for cur.Hash != old.Hash {
		if steps >= d.cfg.MaxDepth || old.Number == 0 {
			return nil, fmt.Errorf(
				"%w: walked %d steps from heads %s/%s",
				ErrAncestorNotFound, steps, last.Hash, newHead.Hash,
			)
		}
		orphaned = append(orphaned, domain.OrphanedBlock{Number: old.Number, Hash: old.Hash})

		parent, err := d.client.GetHeaderByHash(ctx, cur.ParentHash)
		if err != nil {
			return nil, fmt.Errorf("failed to walk new branch at %d: %w", cur.Number-1, err)
		}
		cur = *parent

		prev, err := d.canonicalAt(ctx, old.Number-1)
		if err != nil {
			return nil, err
		}
		old = *prev
		steps++
	}
	ancestor := old

	// Report orphaned blocks in ascending order.
	for i, j := 0, len(orphaned)-1; i < j; i, j = i+1, j-1 {
		orphaned[i], orphaned[j] = orphaned[j], orphaned[i]
	}

	ev := &domain.ReorgEvent{
		ID:             uuid.New().String(),
		ChainID:        d.chainID,
		Depth:          last.Number - ancestor.Number,
		OldHead:        *last,
		NewHead:        newHead,
		CommonAncestor: ancestor,
		AffectedBlocks: orphaned,
		DetectedAt:     time.Now().UTC(),
	}

	metrics.ReorgsDetected.WithLabelValues(string(d.chainID)).Inc()
	metrics.ReorgDepth.WithLabelValues(string(d.chainID)).Observe(float64(ev.Depth))
	d.log.Warn("reorg detected",
		"depth", ev.Depth,
		"old_head", last.Hash,
		"new_head", newHead.Hash,
		"common_ancestor", ancestor.Number,
		"orphaned_blocks", len(orphaned),
	)
	return ev, nil
}

// canonicalAt reads the old-branch block at a height from the ledger.
func (d *Detector) canonicalAt(ctx context.Context, number uint64) (*domain.ChainHead, error) {
	block, err := d.blocks.GetCanonicalByNumber(ctx, d.chainID, number)
	if err != nil {
		return nil, fmt.Errorf("failed to read canonical block %d: %w", number, err)
	}
	if block == nil {
		return nil, fmt.Errorf("%w: no canonical block at height %d", ErrAncestorNotFound, number)
	}
	head := block.Head()
	return &head, nil
}
