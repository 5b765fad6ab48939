// Package ingest drives the per-chain decode pipeline: fetch new blocks,
// decode their logs against the ABI registry, normalize, and store the
// resulting records as canonical rows.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canonlabs/ledgerd/internal/core/domain"
	"github.com/canonlabs/ledgerd/internal/decode"
	"github.com/canonlabs/ledgerd/internal/infra/storage"
	"github.com/canonlabs/ledgerd/internal/metrics"
)

// ChainClient is the slice of the chain adapter the pipeline needs.
type ChainClient interface {
	GetHead(ctx context.Context) (*domain.ChainHead, error)
	GetHeaderByNumber(ctx context.Context, number uint64) (*domain.ChainHead, error)
	FetchBlock(ctx context.Context, number uint64, hash string) (*domain.Block, []domain.RawLog, error)
}

// Stores bundles the repositories the pipeline writes to.
type Stores struct {
	Blocks    storage.BlockRepository
	Transfers storage.TransferRepository
	Approvals storage.ApprovalRepository
	Generics  storage.GenericEventRepository
	Raws      storage.RawEventRepository
}

// Config holds per-chain ingest settings.
type Config struct {
	PollInterval time.Duration
	// BatchBlocks caps how many blocks one poll cycle catches up.
	BatchBlocks int
	// StartBlock is where a chain with an empty ledger begins; zero means
	// start at the current head.
	StartBlock uint64
}

// Pipeline ingests one chain. It shares a gate with the chain's reorg
// manager so ingest and reorg handling never interleave.
type Pipeline struct {
	chainID    domain.ChainID
	cfg        Config
	client     ChainClient
	decoder    *decode.Decoder
	normalizer *decode.Normalizer
	stores     Stores
	gate       *sync.Mutex
	log        *slog.Logger

	ingestVersion int

	running atomic.Bool
	stopped atomic.Bool
	stop    chan struct{}
}

// NewPipeline wires the ingest pipeline for one chain.
func NewPipeline(
	chainID domain.ChainID,
	cfg Config,
	client ChainClient,
	decoder *decode.Decoder,
	normalizer *decode.Normalizer,
	stores Stores,
	gate *sync.Mutex,
	ingestVersion int,
) *Pipeline {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 12 * time.Second
	}
	if cfg.BatchBlocks <= 0 {
		cfg.BatchBlocks = 10
	}
	return &Pipeline{
		chainID:       chainID,
		cfg:           cfg,
		client:        client,
		decoder:       decoder,
		normalizer:    normalizer,
		stores:        stores,
		gate:          gate,
		log:           slog.With("component", "ingest", "chain", chainID),
		ingestVersion: ingestVersion,
		stop:          make(chan struct{}),
	}
}

// Run polls for new blocks until the context is cancelled or Stop is called.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("ingest pipeline for chain %s already running", p.chainID)
	}
	defer p.running.Store(false)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.log.Info("ingest pipeline started", "poll_interval", p.cfg.PollInterval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.stop:
			return nil
		case <-ticker.C:
			if err := p.PollOnce(ctx); err != nil {
				p.log.Warn("ingest cycle failed", "error", err)
			}
		}
	}
}

// Stop terminates the poll loop. Safe to call more than once.
func (p *Pipeline) Stop() {
	if p.stopped.CompareAndSwap(false, true) {
		close(p.stop)
	}
}

// PollOnce catches the ledger up toward the chain head, at most BatchBlocks
// blocks. A parent-hash mismatch stops the cycle early and leaves the fork
// to the reorg manager.
func (p *Pipeline) PollOnce(ctx context.Context) error {
	p.gate.Lock()
	defer p.gate.Unlock()

	head, err := p.client.GetHead(ctx)
	if err != nil {
		return fmt.Errorf("head poll failed: %w", err)
	}

	latest, err := p.stores.Blocks.GetLatestCanonical(ctx, p.chainID)
	if err != nil {
		return fmt.Errorf("failed to read ledger head: %w", err)
	}

	next := p.cfg.StartBlock
	if latest != nil {
		next = latest.Number + 1
	} else if next == 0 {
		next = head.Number
	}

	prevHash := ""
	if latest != nil {
		prevHash = latest.Hash
	}

	for i := 0; i < p.cfg.BatchBlocks && next <= head.Number; i++ {
		header, err := p.client.GetHeaderByNumber(ctx, next)
		if err != nil {
			return fmt.Errorf("failed to fetch header %d: %w", next, err)
		}
		if header == nil {
			return nil // provider briefly behind its own head
		}
		if prevHash != "" && header.ParentHash != prevHash {
			p.log.Warn("parent hash mismatch, leaving fork to reorg handling",
				"block_number", next,
				"expected_parent", prevHash,
				"got_parent", header.ParentHash,
			)
			return nil
		}

		block, logs, err := p.client.FetchBlock(ctx, header.Number, header.Hash)
		if err != nil {
			return fmt.Errorf("failed to fetch block %d: %w", next, err)
		}
		if err := p.IngestBlock(ctx, block, logs); err != nil {
			return fmt.Errorf("failed to ingest block %d: %w", next, err)
		}

		prevHash = header.Hash
		next++
	}
	return nil
}

// IngestBlock decodes, normalizes and stores one block's logs, then the
// block row itself, all canonical. Also the recovery re-fetch path, so a
// replay of an already-stored block must be a no-op.
func (p *Pipeline) IngestBlock(ctx context.Context, block *domain.Block, logs []domain.RawLog) error {
	result := p.decoder.DecodeBatch(ctx, logs)

	// Map decoded events back to their source logs so a validation reject
	// can still be preserved verbatim.
	byID := make(map[logID]domain.RawLog, len(logs))
	for _, l := range logs {
		byID[logID{l.TxHash, l.LogIndex}] = l
	}

	var (
		transfers []*domain.Transfer
		approvals []*domain.Approval
		generics  []*domain.GenericEvent
		raws      []*domain.RawEvent
	)
	for _, f := range result.Failures {
		raws = append(raws, f.RawRecord(p.ingestVersion))
	}
	for _, ev := range result.Events {
		record, err := p.normalizer.Normalize(ev)
		if err != nil {
			p.log.Warn("event rejected by normalizer",
				"event", ev.EventName,
				"tx_hash", ev.TxHash,
				"log_index", ev.LogIndex,
				"error", err,
			)
			if raw, ok := byID[logID{ev.TxHash, ev.LogIndex}]; ok {
				raws = append(raws, rejectedRecord(raw, ev.EventName, err, p.ingestVersion))
			}
			continue
		}
		switch r := record.(type) {
		case *domain.Transfer:
			transfers = append(transfers, r)
		case *domain.Approval:
			approvals = append(approvals, r)
		case *domain.GenericEvent:
			generics = append(generics, r)
		case *domain.RawEvent:
			raws = append(raws, r)
		}
	}

	if err := p.stores.Transfers.SaveBatch(ctx, transfers); err != nil {
		return fmt.Errorf("failed to save transfers: %w", err)
	}
	if err := p.stores.Approvals.SaveBatch(ctx, approvals); err != nil {
		return fmt.Errorf("failed to save approvals: %w", err)
	}
	if err := p.stores.Generics.SaveBatch(ctx, generics); err != nil {
		return fmt.Errorf("failed to save events: %w", err)
	}
	if err := p.stores.Raws.SaveBatch(ctx, raws); err != nil {
		return fmt.Errorf("failed to save raw events: %w", err)
	}

	// The block row lands last: a crash mid-ingest leaves no canonical
	// block claiming records that were never written.
	block.Canonical = true
	if err := p.stores.Blocks.Save(ctx, block); err != nil {
		return fmt.Errorf("failed to save block: %w", err)
	}

	for rt, n := range map[domain.RecordType]int{
		domain.RecordTypeTransfer:     len(transfers),
		domain.RecordTypeApproval:     len(approvals),
		domain.RecordTypeGenericEvent: len(generics),
		domain.RecordTypeRawEvent:     len(raws),
	} {
		if n > 0 {
			metrics.RecordsIngested.WithLabelValues(string(p.chainID), string(rt)).Add(float64(n))
		}
	}
	metrics.LedgerHeadBlock.WithLabelValues(string(p.chainID)).Set(float64(block.Number))

	p.log.Debug("block ingested",
		"block_number", block.Number,
		"block_hash", block.Hash,
		"logs", len(logs),
		"transfers", len(transfers),
		"approvals", len(approvals),
		"generic", len(generics),
		"raw", len(raws),
	)
	return nil
}

type logID struct {
	txHash   string
	logIndex uint
}

// rejectedRecord preserves a log whose decoded form failed validation.
func rejectedRecord(l domain.RawLog, eventName string, cause error, ingestVersion int) *domain.RawEvent {
	return &domain.RawEvent{
		RecordMeta: domain.RecordMeta{
			ChainID:       l.ChainID,
			TxHash:        l.TxHash,
			LogIndex:      l.LogIndex,
			BlockNumber:   l.BlockNumber,
			BlockHash:     l.BlockHash,
			Contract:      l.Address,
			Canonical:     true,
			IngestVersion: ingestVersion,
		},
		EventName: eventName,
		Topics:    l.Topics,
		Data:      l.Data,
		Reason:    fmt.Sprintf("validation: %v", cause),
	}
}
