// Package canonical centralizes canonical-flag mutation for every record
// type. All rollback and recovery flag flips route through the Manager so
// the ledger can never hold divergent canonical views across record types.
package canonical

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/canonlabs/ledgerd/internal/core/domain"
	"github.com/canonlabs/ledgerd/internal/infra/storage"
	"github.com/canonlabs/ledgerd/internal/metrics"
)

// ErrUnknownRecordType is returned when no store was registered for the
// requested record type.
var ErrUnknownRecordType = errors.New("unknown record type")

// Manager is the single authority for flipping canonical flags.
type Manager struct {
	mu     sync.RWMutex
	stores map[domain.RecordType]storage.CanonicalStore
	log    *slog.Logger
}

// NewManager creates a manager with no registered stores.
func NewManager() *Manager {
	return &Manager{
		stores: make(map[domain.RecordType]storage.CanonicalStore),
		log:    slog.With("component", "canonical-manager"),
	}
}

// RegisterStore attaches the store that owns a record type's rows. New
// record families join rollback and recovery by registering here.
func (m *Manager) RegisterStore(recordType domain.RecordType, store storage.CanonicalStore) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stores[recordType] = store
}

// RecordTypes returns the registered record types in domain demotion order.
func (m *Manager) RecordTypes() []domain.RecordType {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.RecordType, 0, len(m.stores))
	for _, rt := range domain.AllRecordTypes {
		if _, ok := m.stores[rt]; ok {
			out = append(out, rt)
		}
	}
	return out
}

// SetCanonical flips the canonical flag on every row of recordType matching
// (chain, block number, block hash). Idempotent: rows already carrying the
// requested value are untouched and not counted. Returns the number of rows
// whose flag changed.
func (m *Manager) SetCanonical(
	ctx context.Context,
	recordType domain.RecordType,
	chainID domain.ChainID,
	blockNumber uint64,
	blockHash string,
	value bool,
) (int64, error) {
	m.mu.RLock()
	store, ok := m.stores[recordType]
	m.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownRecordType, recordType)
	}

	affected, err := store.SetCanonical(ctx, chainID, blockNumber, blockHash, value)
	if err != nil {
		return 0, fmt.Errorf("failed to set canonical=%t on %s: %w", value, recordType, err)
	}

	if affected > 0 {
		if value {
			metrics.RowsRecovered.WithLabelValues(string(chainID), string(recordType)).Add(float64(affected))
		} else {
			metrics.RowsDemoted.WithLabelValues(string(chainID), string(recordType)).Add(float64(affected))
		}
		m.log.Debug("canonical flag updated",
			"chain", chainID,
			"record_type", recordType,
			"block_number", blockNumber,
			"block_hash", blockHash,
			"canonical", value,
			"rows", affected,
		)
	}
	return affected, nil
}

// SetCanonicalAll applies SetCanonical across every registered record type.
// Types are processed independently: a failure on one is recorded and the
// rest proceed. Returns total changed rows and the per-type errors.
func (m *Manager) SetCanonicalAll(
	ctx context.Context,
	chainID domain.ChainID,
	blockNumber uint64,
	blockHash string,
	value bool,
) (int64, map[domain.RecordType]error) {
	var total int64
	failures := make(map[domain.RecordType]error)

	for _, rt := range m.RecordTypes() {
		affected, err := m.SetCanonical(ctx, rt, chainID, blockNumber, blockHash, value)
		if err != nil {
			failures[rt] = err
			continue
		}
		total += affected
	}
	return total, failures
}
