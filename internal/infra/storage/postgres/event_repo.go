package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/canonlabs/ledgerd/internal/core/domain"
	"github.com/canonlabs/ledgerd/internal/metrics"
)

// GenericEventRepo implements storage.GenericEventRepository using
// PostgreSQL. Event args are stored as JSONB.
type GenericEventRepo struct {
	db *DB
}

// NewGenericEventRepo creates a new PostgreSQL generic event repository.
func NewGenericEventRepo(db *DB) *GenericEventRepo {
	return &GenericEventRepo{db: db}
}

// SaveBatch inserts decoded events in one transaction.
func (r *GenericEventRepo) SaveBatch(ctx context.Context, events []*domain.GenericEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO generic_events (chain_id, tx_hash, log_index, block_number, block_hash,
			contract, event_name, args, canonical, ingest_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (chain_id, tx_hash, log_index, block_hash) DO NOTHING
	`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range events {
		args, err := json.Marshal(e.Args)
		if err != nil {
			return fmt.Errorf("failed to marshal event args: %w", err)
		}
		_, err = stmt.ExecContext(ctx,
			e.ChainID, e.TxHash, e.LogIndex, e.BlockNumber, e.BlockHash,
			e.Contract, e.EventName, args, e.Canonical, e.IngestVersion,
		)
		if err != nil {
			return fmt.Errorf("failed to save event %s/%d: %w", e.TxHash, e.LogIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	metrics.DBBatchSize.WithLabelValues(string(domain.RecordTypeGenericEvent)).
		Observe(float64(len(events)))
	return nil
}

type genericEventRow struct {
	ChainID       string `db:"chain_id"`
	TxHash        string `db:"tx_hash"`
	LogIndex      uint   `db:"log_index"`
	BlockNumber   uint64 `db:"block_number"`
	BlockHash     string `db:"block_hash"`
	Contract      string `db:"contract"`
	EventName     string `db:"event_name"`
	Args          []byte `db:"args"`
	Canonical     bool   `db:"canonical"`
	IngestVersion int    `db:"ingest_version"`
}

func (e *genericEventRow) toDomain() (*domain.GenericEvent, error) {
	var args map[string]any
	if len(e.Args) > 0 {
		if err := json.Unmarshal(e.Args, &args); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event args: %w", err)
		}
	}
	return &domain.GenericEvent{
		RecordMeta: domain.RecordMeta{
			ChainID:       e.ChainID,
			TxHash:        e.TxHash,
			LogIndex:      e.LogIndex,
			BlockNumber:   e.BlockNumber,
			BlockHash:     e.BlockHash,
			Contract:      e.Contract,
			Canonical:     e.Canonical,
			IngestVersion: e.IngestVersion,
		},
		EventName: e.EventName,
		Args:      args,
	}, nil
}

// GetByContract retrieves canonical events for a contract, newest first.
func (r *GenericEventRepo) GetByContract(
	ctx context.Context,
	chainID domain.ChainID,
	contract string,
	limit int,
) ([]*domain.GenericEvent, error) {
	query := `
		SELECT chain_id, tx_hash, log_index, block_number, block_hash,
			contract, event_name, args, canonical, ingest_version
		FROM generic_events
		WHERE chain_id = $1 AND contract = LOWER($2) AND canonical
		ORDER BY block_number DESC, log_index DESC
		LIMIT $3
	`
	if limit <= 0 {
		limit = 100
	}

	var rows []genericEventRow
	if err := r.db.SelectContext(ctx, &rows, query, chainID, contract, limit); err != nil {
		return nil, fmt.Errorf("failed to get events by contract: %w", err)
	}
	out := make([]*domain.GenericEvent, 0, len(rows))
	for i := range rows {
		ev, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// SetCanonical flips the canonical flag on all events under a block.
func (r *GenericEventRepo) SetCanonical(
	ctx context.Context,
	chainID domain.ChainID,
	blockNumber uint64,
	blockHash string,
	canonical bool,
) (int64, error) {
	query := `
		UPDATE generic_events
		SET canonical = $4
		WHERE chain_id = $1 AND block_number = $2 AND block_hash = $3 AND canonical <> $4
	`

	res, err := r.db.ExecContext(ctx, query, chainID, blockNumber, blockHash, canonical)
	if err != nil {
		return 0, fmt.Errorf("failed to set event canonical flag: %w", err)
	}
	return res.RowsAffected()
}
