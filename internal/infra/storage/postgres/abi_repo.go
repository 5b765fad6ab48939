package postgres

import (
	"context"
	"fmt"

	"github.com/canonlabs/ledgerd/internal/core/domain"
)

// ABIRepo implements storage.ABIRepository using PostgreSQL. New versions
// of a contract's ABI are upserted by (chain, address, version).
type ABIRepo struct {
	db *DB
}

// NewABIRepo creates a new PostgreSQL ABI repository.
func NewABIRepo(db *DB) *ABIRepo {
	return &ABIRepo{db: db}
}

// Save upserts an ABI version.
func (r *ABIRepo) Save(ctx context.Context, abi *domain.ContractABI) error {
	query := `
		INSERT INTO contract_abis (chain_id, address, version, start_block, end_block, definition)
		VALUES ($1, LOWER($2), $3, $4, $5, $6)
		ON CONFLICT (chain_id, address, version) DO UPDATE SET
			start_block = EXCLUDED.start_block,
			end_block = EXCLUDED.end_block,
			definition = EXCLUDED.definition
	`

	_, err := r.db.ExecContext(ctx, query,
		abi.ChainID, abi.Address, abi.Version, abi.StartBlock, abi.EndBlock, abi.Definition,
	)
	if err != nil {
		return fmt.Errorf("failed to save contract abi: %w", err)
	}
	return nil
}

type abiRow struct {
	ChainID    string `db:"chain_id"`
	Address    string `db:"address"`
	Version    int    `db:"version"`
	StartBlock uint64 `db:"start_block"`
	EndBlock   uint64 `db:"end_block"`
	Definition string `db:"definition"`
}

func (a *abiRow) toDomain() *domain.ContractABI {
	return &domain.ContractABI{
		ChainID:    a.ChainID,
		Address:    a.Address,
		Version:    a.Version,
		StartBlock: a.StartBlock,
		EndBlock:   a.EndBlock,
		Definition: a.Definition,
	}
}

// ListAll retrieves every registered ABI version, for registry warm-up.
func (r *ABIRepo) ListAll(ctx context.Context) ([]*domain.ContractABI, error) {
	query := `
		SELECT chain_id, address, version, start_block, end_block, definition
		FROM contract_abis
		ORDER BY chain_id, address, start_block
	`

	var rows []abiRow
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list contract abis: %w", err)
	}
	out := make([]*domain.ContractABI, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}
