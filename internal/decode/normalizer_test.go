package decode

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/canonlabs/ledgerd/internal/core/domain"
)

func decodedTransfer(args map[string]any) *domain.DecodedEvent {
	return &domain.DecodedEvent{
		ChainID:     "1",
		Contract:    usdt,
		EventName:   "Transfer",
		Args:        args,
		TxHash:      "0xtxhash",
		LogIndex:    3,
		BlockNumber: 100,
		BlockHash:   "0xblockhash",
	}
}

func TestNormalize_Transfer(t *testing.T) {
	n := NewNormalizer(1)

	rec, err := n.Normalize(decodedTransfer(map[string]any{
		"from":  common.HexToAddress(fromAddr),
		"to":    common.HexToAddress(toAddr),
		"value": big.NewInt(1),
	}))
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}

	transfer, ok := rec.(*domain.Transfer)
	if !ok {
		t.Fatalf("expected *domain.Transfer, got %T", rec)
	}
	if transfer.Amount != "1" {
		t.Errorf("amount = %q, want \"1\"", transfer.Amount)
	}
	if transfer.From != common.HexToAddress(fromAddr).Hex() {
		t.Errorf("from = %q", transfer.From)
	}
	if !transfer.Canonical {
		t.Error("record should be created canonical")
	}
	if transfer.IngestVersion != 1 {
		t.Errorf("ingest version = %d, want 1", transfer.IngestVersion)
	}
	if transfer.Type() != domain.RecordTypeTransfer {
		t.Errorf("type = %s", transfer.Type())
	}
}

func TestNormalize_Approval(t *testing.T) {
	n := NewNormalizer(1)

	ev := decodedTransfer(map[string]any{
		"owner":   common.HexToAddress(fromAddr),
		"spender": common.HexToAddress(toAddr),
		"value":   big.NewInt(500),
	})
	ev.EventName = "Approval"

	rec, err := n.Normalize(ev)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	approval, ok := rec.(*domain.Approval)
	if !ok {
		t.Fatalf("expected *domain.Approval, got %T", rec)
	}
	if approval.Amount != "500" || approval.Owner == "" || approval.Spender == "" {
		t.Errorf("unexpected approval: %+v", approval)
	}
}

func TestNormalize_ValidationErrors(t *testing.T) {
	n := NewNormalizer(1)

	tests := []struct {
		name  string
		args  map[string]any
		field string
	}{
		{"missing from", map[string]any{
			"to": common.HexToAddress(toAddr), "value": big.NewInt(1),
		}, "from"},
		{"malformed address string", map[string]any{
			"from": "0x123", "to": common.HexToAddress(toAddr), "value": big.NewInt(1),
		}, "from"},
		{"wrong address type", map[string]any{
			"from": 42, "to": common.HexToAddress(toAddr), "value": big.NewInt(1),
		}, "from"},
		{"missing value", map[string]any{
			"from": common.HexToAddress(fromAddr), "to": common.HexToAddress(toAddr),
		}, "value"},
		{"negative amount", map[string]any{
			"from":  common.HexToAddress(fromAddr),
			"to":    common.HexToAddress(toAddr),
			"value": big.NewInt(-1),
		}, "value"},
		{"non-integer amount string", map[string]any{
			"from":  common.HexToAddress(fromAddr),
			"to":    common.HexToAddress(toAddr),
			"value": "1.5",
		}, "value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize(decodedTransfer(tt.args))
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Errorf("field = %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

func TestNormalize_UnknownEventPassesThrough(t *testing.T) {
	n := NewNormalizer(2)

	ev := decodedTransfer(map[string]any{
		"reserve0": big.NewInt(12345),
		"sender":   common.HexToAddress(fromAddr),
		"payload":  []byte{0xde, 0xad},
	})
	ev.EventName = "Sync"

	rec, err := n.Normalize(ev)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	generic, ok := rec.(*domain.GenericEvent)
	if !ok {
		t.Fatalf("expected *domain.GenericEvent, got %T", rec)
	}
	if generic.EventName != "Sync" {
		t.Errorf("event name = %q", generic.EventName)
	}
	// Args are flattened into JSON-safe values.
	if generic.Args["reserve0"] != "12345" {
		t.Errorf("reserve0 = %v, want \"12345\"", generic.Args["reserve0"])
	}
	if generic.Args["sender"] != common.HexToAddress(fromAddr).Hex() {
		t.Errorf("sender = %v", generic.Args["sender"])
	}
	if generic.Args["payload"] != "0xdead" {
		t.Errorf("payload = %v, want 0xdead", generic.Args["payload"])
	}
}

// End-to-end: decode then normalize a USDT Transfer of value 1 at block
// 100, plus a log from an unregistered contract that must survive as a
// raw record.
func TestDecodeNormalize_EndToEnd(t *testing.T) {
	d := NewDecoder(newTestRegistry(t), 0)
	n := NewNormalizer(1)

	known := transferLog(big.NewInt(1), 100)
	unknown := transferLog(big.NewInt(1), 100)
	unknown.Address = "0x9999999999999999999999999999999999999999"
	unknown.LogIndex = 1

	result := d.DecodeBatch(context.Background(), []domain.RawLog{known, unknown})
	if result.DecodedCount() != 1 || result.FailedCount() != 1 {
		t.Fatalf("decoded=%d failed=%d, want 1/1", result.DecodedCount(), result.FailedCount())
	}

	rec, err := n.Normalize(result.Events[0])
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	transfer := rec.(*domain.Transfer)
	if transfer.Amount != "1" || !transfer.Canonical {
		t.Errorf("unexpected transfer: %+v", transfer)
	}

	raw := result.Failures[0].RawRecord(1)
	if raw.EventName != "Unknown" || raw.Reason != string(ReasonMissingABI) {
		t.Errorf("unexpected raw record: %+v", raw)
	}
	if len(raw.Topics) != 3 || len(raw.Data) != 32 {
		t.Errorf("raw log not preserved verbatim: %d topics, %d data bytes",
			len(raw.Topics), len(raw.Data))
	}
}
