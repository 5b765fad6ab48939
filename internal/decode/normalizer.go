package decode

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/canonlabs/ledgerd/internal/core/domain"
	"github.com/canonlabs/ledgerd/internal/metrics"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ValidationError reports a decoded event that failed a normalization shape
// check. The event is rejected but the pipeline continues.
type ValidationError struct {
	EventName string
	Field     string
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s.%s: %s", e.EventName, e.Field, e.Reason)
}

// Normalizer converts decoded events into typed canonical records.
// Events with a registered schema (Transfer, Approval) get strict field
// shape checks; anything else passes through as a generic event so nothing
// successfully parsed is lost.
type Normalizer struct {
	ingestVersion int
}

// NewNormalizer creates a normalizer stamping records with ingestVersion.
func NewNormalizer(ingestVersion int) *Normalizer {
	return &Normalizer{ingestVersion: ingestVersion}
}

// Normalize validates and converts one decoded event. Records are created
// canonical; demotion is the canonical flag manager's job.
func (n *Normalizer) Normalize(ev *domain.DecodedEvent) (domain.Record, error) {
	meta := domain.RecordMeta{
		ChainID:       ev.ChainID,
		TxHash:        ev.TxHash,
		LogIndex:      ev.LogIndex,
		BlockNumber:   ev.BlockNumber,
		BlockHash:     ev.BlockHash,
		Contract:      ev.Contract,
		Canonical:     true,
		IngestVersion: n.ingestVersion,
	}

	var (
		record domain.Record
		err    error
	)
	switch ev.EventName {
	case "Transfer":
		record, err = n.normalizeTransfer(ev, meta)
	case "Approval":
		record, err = n.normalizeApproval(ev, meta)
	default:
		record = &domain.GenericEvent{
			RecordMeta: meta,
			EventName:  ev.EventName,
			Args:       flattenArgs(ev.Args),
		}
	}
	if err != nil {
		metrics.NormalizeRejects.WithLabelValues(string(ev.ChainID), ev.EventName).Inc()
		return nil, err
	}
	return record, nil
}

func (n *Normalizer) normalizeTransfer(
	ev *domain.DecodedEvent,
	meta domain.RecordMeta,
) (*domain.Transfer, error) {
	from, err := requireAddress(ev, "from")
	if err != nil {
		return nil, err
	}
	to, err := requireAddress(ev, "to")
	if err != nil {
		return nil, err
	}
	amount, err := requireAmount(ev, "value")
	if err != nil {
		return nil, err
	}
	return &domain.Transfer{
		RecordMeta: meta,
		From:       from,
		To:         to,
		Amount:     amount,
	}, nil
}

func (n *Normalizer) normalizeApproval(
	ev *domain.DecodedEvent,
	meta domain.RecordMeta,
) (*domain.Approval, error) {
	owner, err := requireAddress(ev, "owner")
	if err != nil {
		return nil, err
	}
	spender, err := requireAddress(ev, "spender")
	if err != nil {
		return nil, err
	}
	amount, err := requireAmount(ev, "value")
	if err != nil {
		return nil, err
	}
	return &domain.Approval{
		RecordMeta: meta,
		Owner:      owner,
		Spender:    spender,
		Amount:     amount,
	}, nil
}

func requireAddress(ev *domain.DecodedEvent, field string) (string, error) {
	v, ok := ev.Args[field]
	if !ok {
		return "", &ValidationError{EventName: ev.EventName, Field: field, Reason: "missing"}
	}

	var s string
	switch val := v.(type) {
	case common.Address:
		s = val.Hex()
	case string:
		s = val
	default:
		return "", &ValidationError{
			EventName: ev.EventName,
			Field:     field,
			Reason:    fmt.Sprintf("not an address (got %T)", v),
		}
	}

	if !addressPattern.MatchString(s) {
		return "", &ValidationError{
			EventName: ev.EventName,
			Field:     field,
			Reason:    fmt.Sprintf("malformed address %q", s),
		}
	}
	// Stored lowercased; the query side lowercases its parameters too.
	return strings.ToLower(s), nil
}

func requireAmount(ev *domain.DecodedEvent, field string) (string, error) {
	v, ok := ev.Args[field]
	if !ok {
		return "", &ValidationError{EventName: ev.EventName, Field: field, Reason: "missing"}
	}

	var amount *big.Int
	switch val := v.(type) {
	case *big.Int:
		amount = val
	case string:
		parsed, ok := new(big.Int).SetString(val, 10)
		if !ok {
			return "", &ValidationError{
				EventName: ev.EventName,
				Field:     field,
				Reason:    fmt.Sprintf("not an integer string %q", val),
			}
		}
		amount = parsed
	default:
		return "", &ValidationError{
			EventName: ev.EventName,
			Field:     field,
			Reason:    fmt.Sprintf("not a numeric value (got %T)", v),
		}
	}

	if amount.Sign() < 0 {
		return "", &ValidationError{
			EventName: ev.EventName,
			Field:     field,
			Reason:    "negative amount",
		}
	}
	return amount.String(), nil
}

// flattenArgs converts go-ethereum arg values into JSON-safe forms so
// generic events round-trip through storage without loss.
func flattenArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		switch val := v.(type) {
		case common.Address:
			out[k] = val.Hex()
		case common.Hash:
			out[k] = val.Hex()
		case *big.Int:
			out[k] = val.String()
		case []byte:
			out[k] = hexutil.Encode(val)
		case [32]byte:
			out[k] = hexutil.Encode(val[:])
		default:
			out[k] = val
		}
	}
	return out
}
