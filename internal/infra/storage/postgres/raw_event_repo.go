package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/canonlabs/ledgerd/internal/core/domain"
	"github.com/canonlabs/ledgerd/internal/metrics"
)

// RawEventRepo implements storage.RawEventRepository using PostgreSQL.
// Topics are stored as JSONB, payload data as bytea, so an undecodable log
// survives verbatim until an ABI for it is registered.
type RawEventRepo struct {
	db *DB
}

// NewRawEventRepo creates a new PostgreSQL raw event repository.
func NewRawEventRepo(db *DB) *RawEventRepo {
	return &RawEventRepo{db: db}
}

// SaveBatch inserts raw events in one transaction.
func (r *RawEventRepo) SaveBatch(ctx context.Context, events []*domain.RawEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO raw_events (chain_id, tx_hash, log_index, block_number, block_hash,
			contract, event_name, topics, data, reason, canonical, ingest_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (chain_id, tx_hash, log_index, block_hash) DO NOTHING
	`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range events {
		topics, err := json.Marshal(e.Topics)
		if err != nil {
			return fmt.Errorf("failed to marshal topics: %w", err)
		}
		_, err = stmt.ExecContext(ctx,
			e.ChainID, e.TxHash, e.LogIndex, e.BlockNumber, e.BlockHash,
			e.Contract, e.EventName, topics, e.Data, e.Reason, e.Canonical, e.IngestVersion,
		)
		if err != nil {
			return fmt.Errorf("failed to save raw event %s/%d: %w", e.TxHash, e.LogIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	metrics.DBBatchSize.WithLabelValues(string(domain.RecordTypeRawEvent)).
		Observe(float64(len(events)))
	return nil
}

type rawEventRow struct {
	ChainID       string `db:"chain_id"`
	TxHash        string `db:"tx_hash"`
	LogIndex      uint   `db:"log_index"`
	BlockNumber   uint64 `db:"block_number"`
	BlockHash     string `db:"block_hash"`
	Contract      string `db:"contract"`
	EventName     string `db:"event_name"`
	Topics        []byte `db:"topics"`
	Data          []byte `db:"data"`
	Reason        string `db:"reason"`
	Canonical     bool   `db:"canonical"`
	IngestVersion int    `db:"ingest_version"`
}

func (e *rawEventRow) toDomain() (*domain.RawEvent, error) {
	var topics []string
	if len(e.Topics) > 0 {
		if err := json.Unmarshal(e.Topics, &topics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal topics: %w", err)
		}
	}
	return &domain.RawEvent{
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
		Topics:    topics,
		Data:      e.Data,
		Reason:    e.Reason,
	}, nil
}

// GetByContract retrieves canonical raw events for a contract, newest first.
func (r *RawEventRepo) GetByContract(
	ctx context.Context,
	chainID domain.ChainID,
	contract string,
	limit int,
) ([]*domain.RawEvent, error) {
	query := `
		SELECT chain_id, tx_hash, log_index, block_number, block_hash,
			contract, event_name, topics, data, reason, canonical, ingest_version
		FROM raw_events
		WHERE chain_id = $1 AND contract = LOWER($2) AND canonical
		ORDER BY block_number DESC, log_index DESC
		LIMIT $3
	`
	if limit <= 0 {
		limit = 100
	}

	var rows []rawEventRow
	if err := r.db.SelectContext(ctx, &rows, query, chainID, contract, limit); err != nil {
		return nil, fmt.Errorf("failed to get raw events by contract: %w", err)
	}
	out := make([]*domain.RawEvent, 0, len(rows))
	for i := range rows {
		ev, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// SetCanonical flips the canonical flag on all raw events under a block.
func (r *RawEventRepo) SetCanonical(
	ctx context.Context,
	chainID domain.ChainID,
	blockNumber uint64,
	blockHash string,
	canonical bool,
) (int64, error) {
	query := `
		UPDATE raw_events
		SET canonical = $4
		WHERE chain_id = $1 AND block_number = $2 AND block_hash = $3 AND canonical <> $4
	`

	res, err := r.db.ExecContext(ctx, query, chainID, blockNumber, blockHash, canonical)
	if err != nil {
		return 0, fmt.Errorf("failed to set raw event canonical flag: %w", err)
	}
	return res.RowsAffected()
}
