// Package control wires the full service: storage, the ABI registry, and
// one ingest pipeline plus reorg manager per configured chain.
package control

import (
	"context"
	"fmt"

	"github.com/canonlabs/ledgerd/internal/core/config"
	redisclient "github.com/canonlabs/ledgerd/internal/infra/redis"
	"github.com/canonlabs/ledgerd/internal/infra/storage"
	"github.com/canonlabs/ledgerd/internal/infra/storage/memory"
	"github.com/canonlabs/ledgerd/internal/infra/storage/postgres"
)

// Config is the top-level service configuration.
type Config struct {
	Port     int
	Chains   []config.ChainConfig
	Redis    redisclient.Config
	Database postgres.Config
}

// Repositories bundles every store the service reads and writes.
type Repositories struct {
	Blocks    storage.BlockRepository
	Transfers storage.TransferRepository
	Approvals storage.ApprovalRepository
	Generics  storage.GenericEventRepository
	Raws      storage.RawEventRepository
	Reorgs    storage.ReorgEventRepository
	ABIs      storage.ABIRepository
}

// newRepositories selects the storage backend. With a database URL we run
// migrations and use PostgreSQL; without one everything lives in memory,
// which is what the integration tests and local dry runs use.
func newRepositories(ctx context.Context, cfg postgres.Config) (*Repositories, *postgres.DB, error) {
	if cfg.URL == "" {
		store := memory.NewMemoryStorage()
		return &Repositories{
			Blocks:    memory.NewBlockRepo(store),
			Transfers: memory.NewTransferRepo(store),
			Approvals: memory.NewApprovalRepo(store),
			Generics:  memory.NewGenericEventRepo(store),
			Raws:      memory.NewRawEventRepo(store),
			Reorgs:    memory.NewReorgEventRepo(store),
			ABIs:      memory.NewABIRepo(store),
		}, nil, nil
	}

	db, err := postgres.NewDB(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	dir := cfg.MigrationsDir
	if dir == "" {
		dir = "migrations"
	}
	if err := db.Migrate(dir); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Repositories{
		Blocks:    postgres.NewBlockRepo(db),
		Transfers: postgres.NewTransferRepo(db),
		Approvals: postgres.NewApprovalRepo(db),
		Generics:  postgres.NewGenericEventRepo(db),
		Raws:      postgres.NewRawEventRepo(db),
		Reorgs:    postgres.NewReorgEventRepo(db),
		ABIs:      postgres.NewABIRepo(db),
	}, db, nil
}
