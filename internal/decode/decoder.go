// Package decode turns raw contract logs into typed ledger records.
//
// Decoding and normalization are the lossless part of the pipeline: a log
// that cannot be decoded is preserved verbatim as a raw event, and a decoded
// event with no normalization schema passes through as a generic event. Only
// records that decode but fail validation are rejected.
package decode

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	gethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/canonlabs/ledgerd/internal/core/domain"
	"github.com/canonlabs/ledgerd/internal/metrics"
)

// FailureReason classifies why a log could not be decoded.
type FailureReason string

const (
	// ReasonMissingABI: no registered ABI covers (contract, block).
	ReasonMissingABI FailureReason = "missing_abi"
	// ReasonParseError: an ABI was found but the log does not parse with it.
	ReasonParseError FailureReason = "parse_error"
)

// DecodeFailure tags a log that could not be decoded. The log itself is
// preserved so the caller can persist it as a raw event record.
type DecodeFailure struct {
	Log    domain.RawLog
	Reason FailureReason
	Err    error
}

func (f *DecodeFailure) Error() string {
	return fmt.Sprintf("decode failed (%s): %v", f.Reason, f.Err)
}

// RawRecord converts the failure into the raw event row persisted in place
// of a decoded record. Topics and data are kept verbatim.
func (f *DecodeFailure) RawRecord(ingestVersion int) *domain.RawEvent {
	return &domain.RawEvent{
		RecordMeta: domain.RecordMeta{
			ChainID:       f.Log.ChainID,
			TxHash:        f.Log.TxHash,
			LogIndex:      f.Log.LogIndex,
			BlockNumber:   f.Log.BlockNumber,
			BlockHash:     f.Log.BlockHash,
			Contract:      f.Log.Address,
			Canonical:     true,
			IngestVersion: ingestVersion,
		},
		EventName: "Unknown",
		Topics:    f.Log.Topics,
		Data:      f.Log.Data,
		Reason:    string(f.Reason),
	}
}

// Resolver resolves the parsed ABI for a (chain, contract, block) triple.
// Implemented by the ABI registry.
type Resolver interface {
	Resolve(chainID domain.ChainID, address string, blockNumber uint64) (*gethabi.ABI, error)
}

// Decoder decodes raw logs using ABIs from the registry.
type Decoder struct {
	resolver    Resolver
	concurrency int
	log         *slog.Logger
}

// NewDecoder creates a decoder. concurrency bounds the batch worker pool;
// zero or negative means 8.
func NewDecoder(resolver Resolver, concurrency int) *Decoder {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Decoder{
		resolver:    resolver,
		concurrency: concurrency,
		log:         slog.With("component", "decoder"),
	}
}

// DecodeLog decodes a single raw log. Exactly one of the returns is non-nil.
func (d *Decoder) DecodeLog(raw domain.RawLog) (*domain.DecodedEvent, *DecodeFailure) {
	contractABI, err := d.resolver.Resolve(raw.ChainID, raw.Address, raw.BlockNumber)
	if err != nil {
		return nil, &DecodeFailure{Log: raw, Reason: ReasonMissingABI, Err: err}
	}

	if len(raw.Topics) == 0 {
		return nil, &DecodeFailure{
			Log:    raw,
			Reason: ReasonParseError,
			Err:    fmt.Errorf("log has no topics"),
		}
	}

	event, err := contractABI.EventByID(common.HexToHash(raw.Topics[0]))
	if err != nil {
		return nil, &DecodeFailure{
			Log:    raw,
			Reason: ReasonParseError,
			Err:    fmt.Errorf("unknown event signature %s: %w", raw.Topics[0], err),
		}
	}

	indexed, nonIndexed := splitIndexed(event.Inputs)
	if len(raw.Topics)-1 != len(indexed) {
		return nil, &DecodeFailure{
			Log:    raw,
			Reason: ReasonParseError,
			Err: fmt.Errorf("event %s expects %d indexed args, log has %d topics",
				event.Name, len(indexed), len(raw.Topics)-1),
		}
	}

	args := map[string]any{}
	topics := make([]common.Hash, 0, len(raw.Topics)-1)
	for _, t := range raw.Topics[1:] {
		topics = append(topics, common.HexToHash(t))
	}
	if err := gethabi.ParseTopicsIntoMap(args, indexed, topics); err != nil {
		return nil, &DecodeFailure{
			Log:    raw,
			Reason: ReasonParseError,
			Err:    fmt.Errorf("parse topics: %w", err),
		}
	}
	if err := nonIndexed.UnpackIntoMap(args, raw.Data); err != nil {
		return nil, &DecodeFailure{
			Log:    raw,
			Reason: ReasonParseError,
			Err:    fmt.Errorf("unpack data: %w", err),
		}
	}

	return &domain.DecodedEvent{
		ChainID:     raw.ChainID,
		Contract:    raw.Address,
		EventName:   event.Name,
		Args:        args,
		TxHash:      raw.TxHash,
		LogIndex:    raw.LogIndex,
		BlockNumber: raw.BlockNumber,
		BlockHash:   raw.BlockHash,
	}, nil
}

// BatchResult summarizes a batch decode: every input log ends up in exactly
// one of the two slices.
type BatchResult struct {
	Events   []*domain.DecodedEvent
	Failures []*DecodeFailure
}

// DecodedCount returns the number of successfully decoded logs.
func (r *BatchResult) DecodedCount() int { return len(r.Events) }

// FailedCount returns the number of logs preserved as failures.
func (r *BatchResult) FailedCount() int { return len(r.Failures) }

// DecodeBatch decodes each log independently on a bounded worker pool.
// One malformed log never aborts the batch; failures are collected next to
// the successes. Input order is preserved within each slice.
func (d *Decoder) DecodeBatch(ctx context.Context, logs []domain.RawLog) *BatchResult {
	events := make([]*domain.DecodedEvent, len(logs))
	failures := make([]*DecodeFailure, len(logs))

	var mu sync.Mutex
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)

	for i := range logs {
		i := i
		g.Go(func() error {
			ev, fail := d.DecodeLog(logs[i])
			mu.Lock()
			events[i], failures[i] = ev, fail
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; failures are data

	result := &BatchResult{}
	for i := range logs {
		if events[i] != nil {
			result.Events = append(result.Events, events[i])
		} else {
			result.Failures = append(result.Failures, failures[i])
		}
	}

	if len(logs) > 0 {
		chain := string(logs[0].ChainID)
		metrics.LogsDecoded.WithLabelValues(chain).Add(float64(result.DecodedCount()))
		for _, f := range result.Failures {
			metrics.DecodeFailures.WithLabelValues(chain, string(f.Reason)).Inc()
		}
		d.log.Debug("decoded batch",
			"chain", chain,
			"total", len(logs),
			"decoded", result.DecodedCount(),
			"failed", result.FailedCount(),
		)
	}
	return result
}

func splitIndexed(args gethabi.Arguments) (indexed, nonIndexed gethabi.Arguments) {
	for _, a := range args {
		if a.Indexed {
			indexed = append(indexed, a)
		} else {
			nonIndexed = append(nonIndexed, a)
		}
	}
	return indexed, nonIndexed
}
