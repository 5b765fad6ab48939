package postgres

import (
	"context"
	"fmt"

	"github.com/canonlabs/ledgerd/internal/core/domain"
	"github.com/canonlabs/ledgerd/internal/metrics"
)

// ApprovalRepo implements storage.ApprovalRepository using PostgreSQL.
type ApprovalRepo struct {
	db *DB
}

// NewApprovalRepo creates a new PostgreSQL approval repository.
func NewApprovalRepo(db *DB) *ApprovalRepo {
	return &ApprovalRepo{db: db}
}

// SaveBatch inserts approvals in one transaction.
func (r *ApprovalRepo) SaveBatch(ctx context.Context, approvals []*domain.Approval) error {
	if len(approvals) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO approvals (chain_id, tx_hash, log_index, block_number, block_hash,
			contract, owner_addr, spender_addr, amount, canonical, ingest_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (chain_id, tx_hash, log_index, block_hash) DO NOTHING
	`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, a := range approvals {
		_, err := stmt.ExecContext(ctx,
			a.ChainID, a.TxHash, a.LogIndex, a.BlockNumber, a.BlockHash,
			a.Contract, a.Owner, a.Spender, a.Amount, a.Canonical, a.IngestVersion,
		)
		if err != nil {
			return fmt.Errorf("failed to save approval %s/%d: %w", a.TxHash, a.LogIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	metrics.DBBatchSize.WithLabelValues(string(domain.RecordTypeApproval)).
		Observe(float64(len(approvals)))
	return nil
}

type approvalRow struct {
	ChainID       string `db:"chain_id"`
	TxHash        string `db:"tx_hash"`
	LogIndex      uint   `db:"log_index"`
	BlockNumber   uint64 `db:"block_number"`
	BlockHash     string `db:"block_hash"`
	Contract      string `db:"contract"`
	Owner         string `db:"owner_addr"`
	Spender       string `db:"spender_addr"`
	Amount        string `db:"amount"`
	Canonical     bool   `db:"canonical"`
	IngestVersion int    `db:"ingest_version"`
}

func (a *approvalRow) toDomain() *domain.Approval {
	return &domain.Approval{
		RecordMeta: domain.RecordMeta{
			ChainID:       a.ChainID,
			TxHash:        a.TxHash,
			LogIndex:      a.LogIndex,
			BlockNumber:   a.BlockNumber,
			BlockHash:     a.BlockHash,
			Contract:      a.Contract,
			Canonical:     a.Canonical,
			IngestVersion: a.IngestVersion,
		},
		Owner:   a.Owner,
		Spender: a.Spender,
		Amount:  a.Amount,
	}
}

// GetByContract retrieves canonical approvals for a contract, newest first.
func (r *ApprovalRepo) GetByContract(
	ctx context.Context,
	chainID domain.ChainID,
	contract string,
	limit int,
) ([]*domain.Approval, error) {
	query := `
		SELECT chain_id, tx_hash, log_index, block_number, block_hash,
			contract, owner_addr, spender_addr, amount, canonical, ingest_version
		FROM approvals
		WHERE chain_id = $1 AND contract = LOWER($2) AND canonical
		ORDER BY block_number DESC, log_index DESC
		LIMIT $3
	`
	if limit <= 0 {
		limit = 100
	}

	var rows []approvalRow
	if err := r.db.SelectContext(ctx, &rows, query, chainID, contract, limit); err != nil {
		return nil, fmt.Errorf("failed to get approvals by contract: %w", err)
	}
	out := make([]*domain.Approval, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}

// SetCanonical flips the canonical flag on all approvals under a block.
func (r *ApprovalRepo) SetCanonical(
	ctx context.Context,
	chainID domain.ChainID,
	blockNumber uint64,
	blockHash string,
	canonical bool,
) (int64, error) {
	query := `
		UPDATE approvals
		SET canonical = $4
		WHERE chain_id = $1 AND block_number = $2 AND block_hash = $3 AND canonical <> $4
	`

	res, err := r.db.ExecContext(ctx, query, chainID, blockNumber, blockHash, canonical)
	if err != nil {
		return 0, fmt.Errorf("failed to set approval canonical flag: %w", err)
	}
	return res.RowsAffected()
}
