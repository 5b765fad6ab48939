package postgres

import (
	"context"
	"fmt"

	"github.com/canonlabs/ledgerd/internal/core/domain"
	"github.com/canonlabs/ledgerd/internal/metrics"
)

// TransferRepo implements storage.TransferRepository using PostgreSQL.
type TransferRepo struct {
	db *DB
}

// NewTransferRepo creates a new PostgreSQL transfer repository.
func NewTransferRepo(db *DB) *TransferRepo {
	return &TransferRepo{db: db}
}

// SaveBatch inserts transfers in one transaction. Re-ingesting the same
// (chain, tx, log index, block hash) is a no-op so recovery can replay
// blocks safely.
func (r *TransferRepo) SaveBatch(ctx context.Context, transfers []*domain.Transfer) error {
	if len(transfers) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO transfers (chain_id, tx_hash, log_index, block_number, block_hash,
			contract, from_addr, to_addr, amount, canonical, ingest_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (chain_id, tx_hash, log_index, block_hash) DO NOTHING
	`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, t := range transfers {
		_, err := stmt.ExecContext(ctx,
			t.ChainID, t.TxHash, t.LogIndex, t.BlockNumber, t.BlockHash,
			t.Contract, t.From, t.To, t.Amount, t.Canonical, t.IngestVersion,
		)
		if err != nil {
			return fmt.Errorf("failed to save transfer %s/%d: %w", t.TxHash, t.LogIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	metrics.DBBatchSize.WithLabelValues(string(domain.RecordTypeTransfer)).
		Observe(float64(len(transfers)))
	return nil
}

type transferRow struct {
	ChainID       string `db:"chain_id"`
	TxHash        string `db:"tx_hash"`
	LogIndex      uint   `db:"log_index"`
	BlockNumber   uint64 `db:"block_number"`
	BlockHash     string `db:"block_hash"`
	Contract      string `db:"contract"`
	From          string `db:"from_addr"`
	To            string `db:"to_addr"`
	Amount        string `db:"amount"`
	Canonical     bool   `db:"canonical"`
	IngestVersion int    `db:"ingest_version"`
}

func (t *transferRow) toDomain() *domain.Transfer {
	return &domain.Transfer{
		RecordMeta: domain.RecordMeta{
			ChainID:       t.ChainID,
			TxHash:        t.TxHash,
			LogIndex:      t.LogIndex,
			BlockNumber:   t.BlockNumber,
			BlockHash:     t.BlockHash,
			Contract:      t.Contract,
			Canonical:     t.Canonical,
			IngestVersion: t.IngestVersion,
		},
		From:   t.From,
		To:     t.To,
		Amount: t.Amount,
	}
}

const transferColumns = `chain_id, tx_hash, log_index, block_number, block_hash,
	contract, from_addr, to_addr, amount, canonical, ingest_version`

// GetByContract retrieves canonical transfers for a contract, newest first.
func (r *TransferRepo) GetByContract(
	ctx context.Context,
	chainID domain.ChainID,
	contract string,
	limit int,
) ([]*domain.Transfer, error) {
	query := `
		SELECT ` + transferColumns + `
		FROM transfers
		WHERE chain_id = $1 AND contract = LOWER($2) AND canonical
		ORDER BY block_number DESC, log_index DESC
		LIMIT $3
	`
	if limit <= 0 {
		limit = 100
	}

	var rows []transferRow
	if err := r.db.SelectContext(ctx, &rows, query, chainID, contract, limit); err != nil {
		return nil, fmt.Errorf("failed to get transfers by contract: %w", err)
	}
	out := make([]*domain.Transfer, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}

// GetByWallet retrieves canonical transfers touching a wallet, newest first.
func (r *TransferRepo) GetByWallet(
	ctx context.Context,
	chainID domain.ChainID,
	wallet string,
	limit int,
) ([]*domain.Transfer, error) {
	query := `
		SELECT ` + transferColumns + `
		FROM transfers
		WHERE chain_id = $1 AND (from_addr = LOWER($2) OR to_addr = LOWER($2)) AND canonical
		ORDER BY block_number DESC, log_index DESC
		LIMIT $3
	`
	if limit <= 0 {
		limit = 100
	}

	var rows []transferRow
	if err := r.db.SelectContext(ctx, &rows, query, chainID, wallet, limit); err != nil {
		return nil, fmt.Errorf("failed to get transfers by wallet: %w", err)
	}
	out := make([]*domain.Transfer, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}

// SetCanonical flips the canonical flag on all transfers under a block.
func (r *TransferRepo) SetCanonical(
	ctx context.Context,
	chainID domain.ChainID,
	blockNumber uint64,
	blockHash string,
	canonical bool,
) (int64, error) {
	query := `
		UPDATE transfers
		SET canonical = $4
		WHERE chain_id = $1 AND block_number = $2 AND block_hash = $3 AND canonical <> $4
	`

	res, err := r.db.ExecContext(ctx, query, chainID, blockNumber, blockHash, canonical)
	if err != nil {
		return 0, fmt.Errorf("failed to set transfer canonical flag: %w", err)
	}
	return res.RowsAffected()
}
