package health

import (
	"context"
	"sync"
	"time"

	"github.com/canonlabs/ledgerd/internal/core/domain"
	"github.com/canonlabs/ledgerd/internal/infra/storage"
	"github.com/canonlabs/ledgerd/internal/reorg"
)

// StateSource reports a chain's reorg processing state.
// Implemented by the reorg manager.
type StateSource interface {
	State() reorg.State
	LastError() error
}

// HeadSource reports the provider's current chain head.
type HeadSource interface {
	GetHead(ctx context.Context) (*domain.ChainHead, error)
}

// RetryCounter reports how many blocks are parked on the retry queue.
type RetryCounter interface {
	Count(ctx context.Context, chainID domain.ChainID) (int, error)
}

// ChainSources bundles one chain's health inputs.
type ChainSources struct {
	State  StateSource
	Head   HeadSource
	Blocks storage.BlockRepository
	Retry  RetryCounter // optional
}

// Monitor aggregates health status across chains.
type Monitor struct {
	chains map[domain.ChainID]ChainSources

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport *Report
}

// NewMonitor creates a health monitor.
func NewMonitor(chains map[domain.ChainID]ChainSources) *Monitor {
	return &Monitor{chains: chains}
}

// CheckHealth builds a health report for all chains. Results are cached a
// few seconds so the endpoint cannot be used to hammer the providers.
func (m *Monitor) CheckHealth(ctx context.Context) *Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastReport != nil && time.Since(m.lastCheck) < 10*time.Second {
		return m.lastReport
	}

	report := &Report{Chains: make(map[string]ChainHealth)}
	for chainID, src := range m.chains {
		health := ChainHealth{
			ChainID:    chainID,
			Status:     StatusHealthy,
			ReorgState: string(src.State.State()),
		}
		if err := src.State.LastError(); err != nil {
			health.LastError = err.Error()
		}

		head, err := src.Head.GetHead(ctx)
		if err != nil {
			health.Status = StatusDegraded
		} else if latest, err := src.Blocks.GetLatestCanonical(ctx, chainID); err == nil &&
			latest != nil && head.Number > latest.Number {
			health.BlockLag = head.Number - latest.Number
		}

		if src.Retry != nil {
			if n, err := src.Retry.Count(ctx, chainID); err == nil {
				health.RetryBlocks = n
			}
		}

		if src.State.State() == reorg.StateFailed || health.BlockLag > 100 {
			health.Status = StatusCritical
		} else if health.Status == StatusHealthy &&
			(health.BlockLag > 10 || health.RetryBlocks > 0) {
			health.Status = StatusDegraded
		}

		report.Chains[chainID] = health
	}
	report.SystemStatus = report.Aggregate()

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}
