package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/canonlabs/ledgerd/internal/core/domain"
)

// BlockRepo implements storage.BlockRepository using PostgreSQL.
type BlockRepo struct {
	db *DB
}

// NewBlockRepo creates a new PostgreSQL block repository.
func NewBlockRepo(db *DB) *BlockRepo {
	return &BlockRepo{db: db}
}

// Save upserts a block row keyed by (chain, number, hash). A partial unique
// index guarantees at most one canonical row per height.
func (r *BlockRepo) Save(ctx context.Context, block *domain.Block) error {
	query := `
		INSERT INTO blocks (chain_id, block_number, block_hash, parent_hash, block_timestamp, canonical)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chain_id, block_number, block_hash) DO UPDATE SET
			parent_hash = EXCLUDED.parent_hash,
			block_timestamp = EXCLUDED.block_timestamp,
			canonical = EXCLUDED.canonical
	`

	_, err := r.db.ExecContext(ctx, query,
		block.ChainID,
		block.Number,
		block.Hash,
		block.ParentHash,
		block.Timestamp,
		block.Canonical,
	)
	if err != nil {
		return fmt.Errorf("failed to save block: %w", err)
	}
	return nil
}

type blockRow struct {
	ChainID    string `db:"chain_id"`
	Number     uint64 `db:"block_number"`
	Hash       string `db:"block_hash"`
	ParentHash string `db:"parent_hash"`
	Timestamp  uint64 `db:"block_timestamp"`
	Canonical  bool   `db:"canonical"`
}

func (b *blockRow) toDomain() *domain.Block {
	return &domain.Block{
		ChainID:    b.ChainID,
		Number:     b.Number,
		Hash:       b.Hash,
		ParentHash: b.ParentHash,
		Timestamp:  b.Timestamp,
		Canonical:  b.Canonical,
	}
}

const blockColumns = `chain_id, block_number, block_hash, parent_hash, block_timestamp, canonical`

// GetCanonicalByNumber retrieves the canonical block at a height, or nil.
func (r *BlockRepo) GetCanonicalByNumber(
	ctx context.Context,
	chainID domain.ChainID,
	number uint64,
) (*domain.Block, error) {
	query := `
		SELECT ` + blockColumns + `
		FROM blocks
		WHERE chain_id = $1 AND block_number = $2 AND canonical
	`

	var row blockRow
	err := r.db.GetContext(ctx, &row, query, chainID, number)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get canonical block: %w", err)
	}
	return row.toDomain(), nil
}

// GetByNumberAndHash retrieves a block by its exact (number, hash), or nil.
func (r *BlockRepo) GetByNumberAndHash(
	ctx context.Context,
	chainID domain.ChainID,
	number uint64,
	hash string,
) (*domain.Block, error) {
	query := `
		SELECT ` + blockColumns + `
		FROM blocks
		WHERE chain_id = $1 AND block_number = $2 AND block_hash = $3
	`

	var row blockRow
	err := r.db.GetContext(ctx, &row, query, chainID, number, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get block: %w", err)
	}
	return row.toDomain(), nil
}

// GetLatestCanonical retrieves the highest canonical block for a chain, or nil.
func (r *BlockRepo) GetLatestCanonical(
	ctx context.Context,
	chainID domain.ChainID,
) (*domain.Block, error) {
	query := `
		SELECT ` + blockColumns + `
		FROM blocks
		WHERE chain_id = $1 AND canonical
		ORDER BY block_number DESC
		LIMIT 1
	`

	var row blockRow
	err := r.db.GetContext(ctx, &row, query, chainID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest canonical block: %w", err)
	}
	return row.toDomain(), nil
}

// SetCanonical flips the canonical flag on the block row matching
// (number, hash). Returns the number of rows changed.
func (r *BlockRepo) SetCanonical(
	ctx context.Context,
	chainID domain.ChainID,
	blockNumber uint64,
	blockHash string,
	canonical bool,
) (int64, error) {
	query := `
		UPDATE blocks
		SET canonical = $4
		WHERE chain_id = $1 AND block_number = $2 AND block_hash = $3 AND canonical <> $4
	`

	res, err := r.db.ExecContext(ctx, query, chainID, blockNumber, blockHash, canonical)
	if err != nil {
		return 0, fmt.Errorf("failed to set block canonical flag: %w", err)
	}
	return res.RowsAffected()
}
