package reorg

import (
	"context"
	"log/slog"
	"time"

	"github.com/canonlabs/ledgerd/internal/canonical"
	"github.com/canonlabs/ledgerd/internal/core/domain"
	"github.com/canonlabs/ledgerd/internal/metrics"
)

// RollbackResult aggregates one rollback pass, including partial failure:
// the orchestrator decides from it whether to proceed to recovery.
type RollbackResult struct {
	ChainID        domain.ChainID
	OrphanedBlocks int
	RowsDemoted    int64
	Failures       map[domain.RecordType]error
	Duration       time.Duration
}

// Success reports whether every record type was demoted on every block.
func (r *RollbackResult) Success() bool { return len(r.Failures) == 0 }

// Rollback demotes all rows under a reorg's orphaned blocks to
// non-canonical. All flag flips go through the canonical flag manager.
type Rollback struct {
	flags *canonical.Manager
	log   *slog.Logger
}

// NewRollback creates the rollback engine.
func NewRollback(flags *canonical.Manager) *Rollback {
	return &Rollback{
		flags: flags,
		log:   slog.With("component", "rollback"),
	}
}

// Execute demotes every orphaned block, newest first. Record types are
// processed independently: a failure on one type is recorded and the rest
// still get demoted, so a partial rollback never leaves more rows canonical
// than a full one would.
func (e *Rollback) Execute(ctx context.Context, ev *domain.ReorgEvent) *RollbackResult {
	start := time.Now()
	result := &RollbackResult{
		ChainID:  ev.ChainID,
		Failures: make(map[domain.RecordType]error),
	}

	for i := len(ev.AffectedBlocks) - 1; i >= 0; i-- {
		block := ev.AffectedBlocks[i]
		demoted, failures := e.flags.SetCanonicalAll(
			ctx, ev.ChainID, block.Number, block.Hash, false,
		)
		result.RowsDemoted += demoted
		result.OrphanedBlocks++
		for rt, err := range failures {
			e.log.Error("failed to demote record type",
				"chain", ev.ChainID,
				"record_type", rt,
				"block_number", block.Number,
				"block_hash", block.Hash,
				"error", err,
			)
			result.Failures[rt] = err
		}
	}

	result.Duration = time.Since(start)
	metrics.ReorgHandlingDuration.WithLabelValues(string(ev.ChainID), "rollback").
		Observe(result.Duration.Seconds())
	e.log.Info("rollback finished",
		"chain", ev.ChainID,
		"orphaned_blocks", result.OrphanedBlocks,
		"rows_demoted", result.RowsDemoted,
		"failed_types", len(result.Failures),
		"duration", result.Duration,
	)
	return result
}
