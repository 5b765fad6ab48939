package reorg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/canonlabs/ledgerd/internal/canonical"
	"github.com/canonlabs/ledgerd/internal/core/domain"
	"github.com/canonlabs/ledgerd/internal/infra/storage"
	"github.com/canonlabs/ledgerd/internal/metrics"
)

var (
	// ErrSuperseded is returned when the chain head moved off the branch
	// being recovered: a deeper reorg arrived mid-recovery and the cycle
	// must restart against the new head instead of finishing stale work.
	ErrSuperseded = errors.New("recovery superseded by a newer reorg")

	// ErrRecoveryIncomplete is returned when one or more blocks could not
	// be recovered after exhausting retries.
	ErrRecoveryIncomplete = errors.New("recovery incomplete")
)

// RecoveryResult summarizes one recovery pass over the new branch.
type RecoveryResult struct {
	ChainID      domain.ChainID
	Reflagged    int // blocks whose existing rows were re-flagged canonical
	Refetched    int // blocks fetched and ingested anew
	FailedBlocks []uint64
	Duration     time.Duration
}

// RecoveryConfig bounds the external fetches recovery performs.
type RecoveryConfig struct {
	FetchTimeout time.Duration
	Backoff      Backoff
}

// Recovery re-establishes canonical rows along a reorg's new branch.
type Recovery struct {
	chainID  domain.ChainID
	cfg      RecoveryConfig
	client   Client
	blocks   storage.BlockRepository
	flags    *canonical.Manager
	ingestor Ingestor
	retryQ   RetryQueue // optional
	log      *slog.Logger
}

// NewRecovery creates the recovery engine for one chain. retryQ may be nil.
func NewRecovery(
	chainID domain.ChainID,
	cfg RecoveryConfig,
	client Client,
	blocks storage.BlockRepository,
	flags *canonical.Manager,
	ingestor Ingestor,
	retryQ RetryQueue,
) *Recovery {
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.Backoff.MaxAttempts == 0 {
		cfg.Backoff = DefaultBackoff()
	}
	return &Recovery{
		chainID:  chainID,
		cfg:      cfg,
		client:   client,
		blocks:   blocks,
		flags:    flags,
		ingestor: ingestor,
		retryQ:   retryQ,
		log:      slog.With("component", "recovery", "chain", chainID),
	}
}

// Recover walks the new branch from the reorg's new head back to the common
// ancestor and makes every block canonical: blocks already ingested under
// the new hash are re-flagged, missing blocks are re-fetched and run through
// the normal ingest path. Idempotent: a second run only does missing work.
func (r *Recovery) Recover(ctx context.Context, ev *domain.ReorgEvent) (*RecoveryResult, error) {
	start := time.Now()
	result := &RecoveryResult{ChainID: ev.ChainID}

	branch, err := r.collectBranch(ctx, ev)
	if err != nil {
		return result, err
	}

	for _, head := range branch {
		if err := r.checkSuperseded(ctx, ev); err != nil {
			return result, err
		}
		if err := r.recoverBlock(ctx, head, result); err != nil {
			r.log.Error("block recovery failed",
				"block_number", head.Number,
				"block_hash", head.Hash,
				"error", err,
			)
			result.FailedBlocks = append(result.FailedBlocks, head.Number)
			r.park(ctx, head, err)
		}
	}

	result.Duration = time.Since(start)
	metrics.ReorgHandlingDuration.WithLabelValues(string(ev.ChainID), "recovery").
		Observe(result.Duration.Seconds())
	r.log.Info("recovery finished",
		"reflagged", result.Reflagged,
		"refetched", result.Refetched,
		"failed", len(result.FailedBlocks),
		"duration", result.Duration,
	)

	if len(result.FailedBlocks) > 0 {
		return result, fmt.Errorf("%w: %d blocks failed", ErrRecoveryIncomplete, len(result.FailedBlocks))
	}
	return result, nil
}

// collectBranch walks parent hashes from the new head down to the common
// ancestor and returns the branch in ascending order.
func (r *Recovery) collectBranch(
	ctx context.Context,
	ev *domain.ReorgEvent,
) ([]domain.ChainHead, error) {
	var branch []domain.ChainHead
	cur := ev.NewHead
	for cur.Number > ev.CommonAncestor.Number {
		branch = append(branch, cur)
		if cur.ParentHash == ev.CommonAncestor.Hash {
			break
		}
		parent, err := r.client.GetHeaderByHash(ctx, cur.ParentHash)
		if err != nil {
			return nil, fmt.Errorf("failed to walk new branch at %d: %w", cur.Number-1, err)
		}
		cur = *parent
	}
	for i, j := 0, len(branch)-1; i < j; i, j = i+1, j-1 {
		branch[i], branch[j] = branch[j], branch[i]
	}
	return branch, nil
}

// checkSuperseded aborts if the provider's view of the new head's height no
// longer matches the branch being recovered.
func (r *Recovery) checkSuperseded(ctx context.Context, ev *domain.ReorgEvent) error {
	current, err := r.client.GetHeaderByNumber(ctx, ev.NewHead.Number)
	if err != nil {
		// Can't tell; let the per-block fetch surface real trouble.
		return nil
	}
	if current == nil || current.Hash != ev.NewHead.Hash {
		r.log.Warn("chain head moved during recovery, abandoning",
			"expected", ev.NewHead.Hash,
			"observed", headHash(current),
		)
		return ErrSuperseded
	}
	return nil
}

func (r *Recovery) recoverBlock(
	ctx context.Context,
	head domain.ChainHead,
	result *RecoveryResult,
) error {
	existing, err := r.blocks.GetByNumberAndHash(ctx, r.chainID, head.Number, head.Hash)
	if err != nil {
		return fmt.Errorf("failed to look up block: %w", err)
	}
	if existing != nil {
		// Already ingested on a prior pass of this branch: just re-flag.
		_, failures := r.flags.SetCanonicalAll(ctx, r.chainID, head.Number, head.Hash, true)
		if len(failures) > 0 {
			for rt, ferr := range failures {
				return fmt.Errorf("failed to re-flag %s: %w", rt, ferr)
			}
		}
		result.Reflagged++
		return nil
	}

	block, logs, err := r.fetchWithRetry(ctx, head)
	if err != nil {
		return err
	}
	if err := r.ingestor.IngestBlock(ctx, block, logs); err != nil {
		return fmt.Errorf("failed to ingest recovered block: %w", err)
	}
	result.Refetched++
	return nil
}

// fetchWithRetry bounds each fetch by the configured timeout and retries
// with exponential backoff up to the attempt limit.
func (r *Recovery) fetchWithRetry(
	ctx context.Context,
	head domain.ChainHead,
) (*domain.Block, []domain.RawLog, error) {
	var lastErr error
	for attempt := 0; attempt < r.cfg.Backoff.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(r.cfg.Backoff.Delay(attempt - 1)):
			}
		}

		fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
		block, logs, err := r.client.FetchBlock(fetchCtx, head.Number, head.Hash)
		cancel()
		if err == nil {
			return block, logs, nil
		}
		lastErr = err
		r.log.Warn("recovery fetch failed",
			"block_number", head.Number,
			"attempt", attempt+1,
			"error", err,
		)
	}
	return nil, nil, fmt.Errorf("fetch exhausted %d attempts: %w", r.cfg.Backoff.MaxAttempts, lastErr)
}

// park records an unrecoverable block on the retry queue so it is surfaced,
// never silently skipped.
func (r *Recovery) park(ctx context.Context, head domain.ChainHead, cause error) {
	if r.retryQ == nil {
		return
	}
	rb := &domain.RetryBlock{
		ID:          uuid.New().String(),
		ChainID:     r.chainID,
		BlockNumber: head.Number,
		BlockHash:   head.Hash,
		Error:       cause.Error(),
		LastAttempt: uint64(time.Now().Unix()),
		CreatedAt:   uint64(time.Now().Unix()),
	}
	if err := r.retryQ.Enqueue(ctx, rb); err != nil {
		r.log.Error("failed to park block on retry queue",
			"block_number", head.Number,
			"error", err,
		)
	}
}

func headHash(h *domain.ChainHead) string {
	if h == nil {
		return ""
	}
	return h.Hash
}
