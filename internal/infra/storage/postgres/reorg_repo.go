package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/canonlabs/ledgerd/internal/core/domain"
)

// ReorgEventRepo implements storage.ReorgEventRepository using PostgreSQL.
// The table is append-only: one row per detected fork, never updated.
type ReorgEventRepo struct {
	db *DB
}

// NewReorgEventRepo creates a new PostgreSQL reorg event repository.
func NewReorgEventRepo(db *DB) *ReorgEventRepo {
	return &ReorgEventRepo{db: db}
}

// Append records a detected reorg.
func (r *ReorgEventRepo) Append(ctx context.Context, event *domain.ReorgEvent) error {
	affected, err := json.Marshal(event.AffectedBlocks)
	if err != nil {
		return fmt.Errorf("failed to marshal affected blocks: %w", err)
	}

	query := `
		INSERT INTO reorg_events (id, chain_id, depth,
			old_head_number, old_head_hash,
			new_head_number, new_head_hash,
			ancestor_number, ancestor_hash,
			affected_blocks, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = r.db.ExecContext(ctx, query,
		event.ID, event.ChainID, event.Depth,
		event.OldHead.Number, event.OldHead.Hash,
		event.NewHead.Number, event.NewHead.Hash,
		event.CommonAncestor.Number, event.CommonAncestor.Hash,
		affected, event.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append reorg event: %w", err)
	}
	return nil
}

type reorgEventRow struct {
	ID             string    `db:"id"`
	ChainID        string    `db:"chain_id"`
	Depth          uint64    `db:"depth"`
	OldHeadNumber  uint64    `db:"old_head_number"`
	OldHeadHash    string    `db:"old_head_hash"`
	NewHeadNumber  uint64    `db:"new_head_number"`
	NewHeadHash    string    `db:"new_head_hash"`
	AncestorNumber uint64    `db:"ancestor_number"`
	AncestorHash   string    `db:"ancestor_hash"`
	AffectedBlocks []byte    `db:"affected_blocks"`
	DetectedAt     time.Time `db:"detected_at"`
}

func (e *reorgEventRow) toDomain() (*domain.ReorgEvent, error) {
	var affected []domain.OrphanedBlock
	if len(e.AffectedBlocks) > 0 {
		if err := json.Unmarshal(e.AffectedBlocks, &affected); err != nil {
			return nil, fmt.Errorf("failed to unmarshal affected blocks: %w", err)
		}
	}
	return &domain.ReorgEvent{
		ID:             e.ID,
		ChainID:        e.ChainID,
		Depth:          e.Depth,
		OldHead:        domain.ChainHead{ChainID: e.ChainID, Number: e.OldHeadNumber, Hash: e.OldHeadHash},
		NewHead:        domain.ChainHead{ChainID: e.ChainID, Number: e.NewHeadNumber, Hash: e.NewHeadHash},
		CommonAncestor: domain.ChainHead{ChainID: e.ChainID, Number: e.AncestorNumber, Hash: e.AncestorHash},
		AffectedBlocks: affected,
		DetectedAt:     e.DetectedAt,
	}, nil
}

// ListByChain retrieves reorg events for a chain within [since, until],
// oldest first. Zero bounds are open.
func (r *ReorgEventRepo) ListByChain(
	ctx context.Context,
	chainID domain.ChainID,
	since, until time.Time,
) ([]*domain.ReorgEvent, error) {
	query := `
		SELECT id, chain_id, depth,
			old_head_number, old_head_hash,
			new_head_number, new_head_hash,
			ancestor_number, ancestor_hash,
			affected_blocks, detected_at
		FROM reorg_events
		WHERE chain_id = $1
			AND ($2::timestamptz IS NULL OR detected_at >= $2)
			AND ($3::timestamptz IS NULL OR detected_at <= $3)
		ORDER BY detected_at ASC
	`

	var sinceArg, untilArg any
	if !since.IsZero() {
		sinceArg = since
	}
	if !until.IsZero() {
		untilArg = until
	}

	var rows []reorgEventRow
	if err := r.db.SelectContext(ctx, &rows, query, chainID, sinceArg, untilArg); err != nil {
		return nil, fmt.Errorf("failed to list reorg events: %w", err)
	}
	out := make([]*domain.ReorgEvent, 0, len(rows))
	for i := range rows {
		ev, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}
