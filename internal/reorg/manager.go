package reorg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canonlabs/ledgerd/internal/alert"
	"github.com/canonlabs/ledgerd/internal/core/domain"
	"github.com/canonlabs/ledgerd/internal/infra/storage"
	"github.com/canonlabs/ledgerd/internal/metrics"
)

// State is the reorg manager's per-chain processing state.
type State string

const (
	StateIdle        State = "idle"
	StateDetecting   State = "detecting"
	StateRollingBack State = "rolling_back"
	StateRecovering  State = "recovering"
	StateFailed      State = "failed"
)

// ErrInvalidTransition is returned when a state change is not allowed.
var ErrInvalidTransition = errors.New("invalid state transition")

// ValidTransitions defines the allowed state machine edges. Failed is
// reachable from every working state; only Ack leaves it.
var ValidTransitions = map[State][]State{
	StateIdle:        {StateDetecting, StateFailed},
	StateDetecting:   {StateIdle, StateRollingBack, StateFailed},
	StateRollingBack: {StateRecovering, StateFailed},
	StateRecovering:  {StateIdle, StateDetecting, StateFailed},
	StateFailed:      {StateIdle},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, t := range ValidTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ManagerConfig holds the per-chain orchestration settings.
type ManagerConfig struct {
	PollInterval time.Duration
}

// Manager orchestrates detect -> rollback -> recover as one unit of work
// per fork, strictly sequential within a chain. The Gate it shares with the
// chain's ingest pipeline guarantees normal ingest and reorg handling never
// touch the same rows concurrently.
type Manager struct {
	chainID   domain.ChainID
	cfg       ManagerConfig
	client    Client
	detector  *Detector
	rollback  *Rollback
	recovery  *Recovery
	reorgRepo storage.ReorgEventRepository
	notifier  alert.Notifier
	gate      *sync.Mutex
	log       *slog.Logger

	mu      sync.Mutex
	state   State
	lastErr error

	running atomic.Bool
	stopped atomic.Bool
	stop    chan struct{}
}

// NewManager wires the reorg subsystem for one chain. gate is the chain's
// ingest/reorg mutual-exclusion lock.
func NewManager(
	chainID domain.ChainID,
	cfg ManagerConfig,
	client Client,
	detector *Detector,
	rollback *Rollback,
	recovery *Recovery,
	reorgRepo storage.ReorgEventRepository,
	notifier alert.Notifier,
	gate *sync.Mutex,
) *Manager {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 12 * time.Second
	}
	m := &Manager{
		chainID:   chainID,
		cfg:       cfg,
		client:    client,
		detector:  detector,
		rollback:  rollback,
		recovery:  recovery,
		reorgRepo: reorgRepo,
		notifier:  notifier,
		gate:      gate,
		log:       slog.With("component", "reorg-manager", "chain", chainID),
		state:     StateIdle,
		stop:      make(chan struct{}),
	}
	m.publishState(StateIdle)
	return m
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the error that moved the manager to Failed, if any.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Ack acknowledges a Failed chain and resumes polling.
func (m *Manager) Ack() error {
	if err := m.transition(StateFailed, StateIdle); err != nil {
		return fmt.Errorf("chain %s is not failed: %w", m.chainID, err)
	}
	m.mu.Lock()
	m.lastErr = nil
	m.mu.Unlock()
	m.log.Info("failed state acknowledged, polling resumes")
	return nil
}

// Run polls until the context is cancelled or Stop is called. Reorg
// handling is synchronous inside the loop, so the next poll is naturally
// suspended until the current cycle completes.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return fmt.Errorf("reorg manager for chain %s already running", m.chainID)
	}
	defer m.running.Store(false)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	m.log.Info("reorg manager started", "poll_interval", m.cfg.PollInterval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.stop:
			return nil
		case <-ticker.C:
			if m.State() == StateFailed {
				continue // halted until an operator acks
			}
			if err := m.pollOnce(ctx); err != nil {
				m.fail(ctx, err)
			}
		}
	}
}

// Stop terminates the poll loop. Safe to call more than once.
func (m *Manager) Stop() {
	if m.stopped.CompareAndSwap(false, true) {
		close(m.stop)
	}
}

// PollNow runs one detect cycle immediately. Used by tests and the CLI.
func (m *Manager) PollNow(ctx context.Context) error {
	if m.State() == StateFailed {
		return fmt.Errorf("chain %s is halted: %w", m.chainID, m.LastError())
	}
	if err := m.pollOnce(ctx); err != nil {
		m.fail(ctx, err)
		return err
	}
	return nil
}

func (m *Manager) pollOnce(ctx context.Context) error {
	m.gate.Lock()
	defer m.gate.Unlock()

	if err := m.transition(StateIdle, StateDetecting); err != nil {
		return err
	}

	if err := m.detector.SyncFromLedger(ctx); err != nil {
		_ = m.transition(StateDetecting, StateIdle)
		m.log.Warn("failed to sync detector from ledger", "error", err)
		return nil
	}

	head, err := m.client.GetHead(ctx)
	if err != nil {
		_ = m.transition(StateDetecting, StateIdle)
		m.log.Warn("head poll failed", "error", err)
		return nil // transient; next tick retries
	}

	ev, err := m.detector.Check(ctx, *head)
	if err != nil {
		if errors.Is(err, ErrAncestorNotFound) {
			m.notifier.Notify(ctx, alert.Alert{
				ChainID: m.chainID,
				Kind:    alert.KindAncestorNotFound,
				Message: "fork depth exceeds configured bound; manual intervention required",
				Err:     err,
			})
			return err // -> Failed
		}
		_ = m.transition(StateDetecting, StateIdle)
		m.log.Warn("detect cycle failed", "error", err)
		return nil
	}
	if ev == nil {
		return m.transition(StateDetecting, StateIdle)
	}

	return m.handleReorg(ctx, ev)
}

// handleReorg drives rollback then recovery for one detected fork.
func (m *Manager) handleReorg(ctx context.Context, ev *domain.ReorgEvent) error {
	start := time.Now()

	if err := m.reorgRepo.Append(ctx, ev); err != nil {
		// The audit trail must not be lossy.
		return fmt.Errorf("failed to persist reorg event: %w", err)
	}

	if err := m.transition(StateDetecting, StateRollingBack); err != nil {
		return err
	}
	rb := m.rollback.Execute(ctx, ev)
	var rbErr error
	if !rb.Success() {
		errs := make([]error, 0, len(rb.Failures))
		for rt, err := range rb.Failures {
			errs = append(errs, fmt.Errorf("%s: %w", rt, err))
		}
		rbErr = errors.Join(errs...)
		m.notifier.Notify(ctx, alert.Alert{
			ChainID: m.chainID,
			Kind:    alert.KindRollbackFailure,
			Message: fmt.Sprintf("rollback partially failed on %d record types", len(rb.Failures)),
			Err:     rbErr,
		})
		// Partial rollback still proceeds to recovery: recovery re-flags
		// per (number, hash) and cannot resurrect rows the failed types
		// left canonical under the old hash, so continuing leaves strictly
		// less stale state than stopping here. The chain halts after
		// recovery regardless; see below.
	}

	if err := m.transition(StateRollingBack, StateRecovering); err != nil {
		return err
	}
	_, err := m.recovery.Recover(ctx, ev)
	if errors.Is(err, ErrSuperseded) {
		// A deeper reorg arrived mid-recovery: restart detection against
		// the new head instead of completing against stale data.
		m.log.Info("recovery superseded, restarting detection")
		return m.transition(StateRecovering, StateIdle)
	}
	if err != nil {
		m.notifier.Notify(ctx, alert.Alert{
			ChainID: m.chainID,
			Kind:    alert.KindRecoveryFailure,
			Message: "recovery failed; chain ingestion paused",
			Err:     err,
		})
		return err // -> Failed
	}

	m.detector.Advance(ev.NewHead)
	total := time.Since(start)
	metrics.ReorgHandlingDuration.WithLabelValues(string(m.chainID), "total").Observe(total.Seconds())

	if rbErr != nil {
		// The failed types still hold canonical rows under the orphaned
		// hashes while the new branch is canonical too. That split view
		// must never be served: halt until an operator acks.
		return fmt.Errorf("rollback incomplete on %d record types: %w", len(rb.Failures), rbErr)
	}

	m.log.Info("reorg handled",
		"depth", ev.Depth,
		"new_head", ev.NewHead.Hash,
		"duration", total,
	)
	return m.transition(StateRecovering, StateIdle)
}

// fail moves the chain to Failed from whatever state it is in and alerts.
func (m *Manager) fail(ctx context.Context, cause error) {
	m.mu.Lock()
	from := m.state
	m.state = StateFailed
	m.lastErr = cause
	m.mu.Unlock()
	m.publishState(StateFailed)

	m.log.Error("chain halted", "from_state", from, "error", cause)
	m.notifier.Notify(ctx, alert.Alert{
		ChainID: m.chainID,
		Kind:    alert.KindChainHalted,
		Message: "reorg handling failed; polling halted until acknowledged",
		Err:     cause,
	})
}

func (m *Manager) transition(from, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return fmt.Errorf("%w: expected %s, currently %s", ErrInvalidTransition, from, m.state)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	m.publishState(to)
	return nil
}

func (m *Manager) publishState(current State) {
	for _, s := range []State{StateIdle, StateDetecting, StateRollingBack, StateRecovering, StateFailed} {
		v := 0.0
		if s == current {
			v = 1.0
		}
		metrics.ManagerState.WithLabelValues(string(m.chainID), string(s)).Set(v)
	}
}
