// Package registry resolves the correct ABI decoder for any
// (chain, contract, block number) triple.
//
// ABIs are registered per contract with a validity range [start, end) of
// block numbers. Ranges for the same contract must not overlap; an
// open-ended range (end = 0) is only valid for the most recent version,
// which the overlap check enforces naturally. Resolution is a pure lookup:
// pick the version whose range covers the block, preferring the most
// recently registered on ties.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	gethabi "github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/canonlabs/ledgerd/internal/core/domain"
	"github.com/canonlabs/ledgerd/internal/infra/storage"
)

var (
	// ErrRangeConflict is returned when a registration's block range
	// overlaps an existing version for the same contract.
	ErrRangeConflict = errors.New("abi version range conflict")

	// ErrNotFound is returned when no registered ABI covers the requested
	// (contract, block) pair.
	ErrNotFound = errors.New("no abi registered")
)

type contractKey struct {
	chainID domain.ChainID
	address string
}

type resolveKey struct {
	chainID     domain.ChainID
	address     string
	blockNumber uint64
}

// entry is one registered ABI version with its parsed form.
type entry struct {
	meta   domain.ContractABI
	parsed gethabi.ABI
	seq    uint64 // registration order, used for tie-breaking
}

// Registry stores versioned contract ABIs and caches resolutions.
// Safe for concurrent use: resolves take a read lock, registration takes
// the write lock and invalidates the contract's cached resolutions.
type Registry struct {
	mu       sync.RWMutex
	versions map[contractKey][]*entry
	cache    map[resolveKey]*entry
	seq      uint64

	repo storage.ABIRepository // optional persistence
	log  *slog.Logger
}

// New creates an empty registry. repo may be nil for a purely in-memory
// registry.
func New(repo storage.ABIRepository) *Registry {
	return &Registry{
		versions: make(map[contractKey][]*entry),
		cache:    make(map[resolveKey]*entry),
		repo:     repo,
		log:      slog.With("component", "abi-registry"),
	}
}

// Load rebuilds the registry from persisted registrations.
func (r *Registry) Load(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}
	abis, err := r.repo.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to list persisted abis: %w", err)
	}
	for _, a := range abis {
		if err := r.register(a, false); err != nil {
			return fmt.Errorf("failed to load abi %s v%d: %w", a.Address, a.Version, err)
		}
	}
	r.log.Info("loaded persisted abis", "count", len(abis))
	return nil
}

// Register adds an ABI version for a contract. endBlock == 0 means
// open-ended. Fails with ErrRangeConflict if the range overlaps an existing
// version for the same (chain, address).
func (r *Registry) Register(
	ctx context.Context,
	chainID domain.ChainID,
	address string,
	abiJSON string,
	version int,
	startBlock, endBlock uint64,
) error {
	meta := &domain.ContractABI{
		ChainID:    chainID,
		Address:    normalizeAddress(address),
		Version:    version,
		StartBlock: startBlock,
		EndBlock:   endBlock,
		Definition: abiJSON,
	}
	if err := r.register(meta, true); err != nil {
		return err
	}
	if r.repo != nil {
		if err := r.repo.Save(ctx, meta); err != nil {
			return fmt.Errorf("failed to persist abi registration: %w", err)
		}
	}
	return nil
}

func (r *Registry) register(meta *domain.ContractABI, logIt bool) error {
	if meta.EndBlock != 0 && meta.EndBlock <= meta.StartBlock {
		return fmt.Errorf("invalid abi range [%d, %d)", meta.StartBlock, meta.EndBlock)
	}

	parsed, err := gethabi.JSON(strings.NewReader(meta.Definition))
	if err != nil {
		return fmt.Errorf("failed to parse abi json: %w", err)
	}

	key := contractKey{chainID: meta.ChainID, address: normalizeAddress(meta.Address)}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.versions[key] {
		if existing.meta.Overlaps(meta) {
			return fmt.Errorf(
				"%w: [%d, %d) overlaps v%d [%d, %d)",
				ErrRangeConflict,
				meta.StartBlock, meta.EndBlock,
				existing.meta.Version,
				existing.meta.StartBlock, existing.meta.EndBlock,
			)
		}
	}

	r.seq++
	r.versions[key] = append(r.versions[key], &entry{
		meta:   *meta,
		parsed: parsed,
		seq:    r.seq,
	})

	// New version invalidates cached resolutions for this contract.
	for k := range r.cache {
		if k.chainID == key.chainID && k.address == key.address {
			delete(r.cache, k)
		}
	}

	if logIt {
		r.log.Info("registered abi",
			"chain", meta.ChainID,
			"contract", meta.Address,
			"version", meta.Version,
			"start_block", meta.StartBlock,
			"end_block", meta.EndBlock,
		)
	}
	return nil
}

// Resolve returns the parsed ABI covering blockNumber for a contract, or
// ErrNotFound. The most recently registered version wins if several cover
// the block (which only happens through historical re-registration).
func (r *Registry) Resolve(
	chainID domain.ChainID,
	address string,
	blockNumber uint64,
) (*gethabi.ABI, error) {
	addr := normalizeAddress(address)
	rk := resolveKey{chainID: chainID, address: addr, blockNumber: blockNumber}

	r.mu.RLock()
	if e, ok := r.cache[rk]; ok {
		r.mu.RUnlock()
		return &e.parsed, nil
	}
	candidates := r.versions[contractKey{chainID: chainID, address: addr}]
	var best *entry
	for _, e := range candidates {
		if !e.meta.Covers(blockNumber) {
			continue
		}
		if best == nil || e.seq > best.seq {
			best = e
		}
	}
	r.mu.RUnlock()

	if best == nil {
		return nil, fmt.Errorf("%w: contract %s block %d", ErrNotFound, addr, blockNumber)
	}

	r.mu.Lock()
	r.cache[rk] = best
	r.mu.Unlock()

	return &best.parsed, nil
}

// Versions returns the registered versions for a contract, for inspection.
func (r *Registry) Versions(chainID domain.ChainID, address string) []domain.ContractABI {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key := contractKey{chainID: chainID, address: normalizeAddress(address)}
	out := make([]domain.ContractABI, 0, len(r.versions[key]))
	for _, e := range r.versions[key] {
		out = append(out, e.meta)
	}
	return out
}

func normalizeAddress(address string) string {
	return strings.ToLower(address)
}
