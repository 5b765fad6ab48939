package domain

// RecordType names a family of ledger rows whose canonical flag is managed
// together during rollback and recovery.
type RecordType string

const (
	RecordTypeBlock        RecordType = "blocks"
	RecordTypeTransfer     RecordType = "transfers"
	RecordTypeApproval     RecordType = "approvals"
	RecordTypeGenericEvent RecordType = "generic_events"
	RecordTypeRawEvent     RecordType = "raw_events"
)

// AllRecordTypes lists every record family in demotion order.
var AllRecordTypes = []RecordType{
	RecordTypeTransfer,
	RecordTypeApproval,
	RecordTypeGenericEvent,
	RecordTypeRawEvent,
	RecordTypeBlock,
}

// Record is any typed ledger row produced by the normalizer.
type Record interface {
	Meta() *RecordMeta
	Type() RecordType
}

// RecordMeta carries the fields shared by every normalized record.
// (ChainID, TxHash, LogIndex) is unique per record type. Canonical and
// BlockHash are mutable only through the canonical flag manager; everything
// else is immutable once written.
type RecordMeta struct {
	ChainID       ChainID `json:"chain_id"`
	TxHash        string  `json:"tx_hash"`
	LogIndex      uint    `json:"log_index"`
	BlockNumber   uint64  `json:"block_number"`
	BlockHash     string  `json:"block_hash"`
	Contract      string  `json:"contract"`
	Canonical     bool    `json:"canonical"`
	IngestVersion int     `json:"ingest_version"`
}

// Transfer is a normalized token transfer.
type Transfer struct {
	RecordMeta
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

// Approval is a normalized token approval.
type Approval struct {
	RecordMeta
	Owner   string `json:"owner"`
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

// GenericEvent is a successfully decoded event with no registered
// normalization schema. Args are preserved as decoded.
type GenericEvent struct {
	RecordMeta
	EventName string         `json:"event_name"`
	Args      map[string]any `json:"args"`
}

// RawEvent preserves a log that could not be decoded: topics and data are
// kept verbatim so nothing parsed off-chain is ever dropped.
type RawEvent struct {
	RecordMeta
	EventName string   `json:"event_name"` // "Unknown" unless a partial decode named it
	Topics    []string `json:"topics"`
	Data      []byte   `json:"data"`
	Reason    string   `json:"reason"`
}

func (t *Transfer) Meta() *RecordMeta     { return &t.RecordMeta }
func (t *Transfer) Type() RecordType      { return RecordTypeTransfer }
func (a *Approval) Meta() *RecordMeta     { return &a.RecordMeta }
func (a *Approval) Type() RecordType      { return RecordTypeApproval }
func (g *GenericEvent) Meta() *RecordMeta { return &g.RecordMeta }
func (g *GenericEvent) Type() RecordType  { return RecordTypeGenericEvent }
func (r *RawEvent) Meta() *RecordMeta     { return &r.RecordMeta }
func (r *RawEvent) Type() RecordType      { return RecordTypeRawEvent }

// DecodedEvent is the ephemeral output of the event decoder, consumed
// immediately by the normalizer.
type DecodedEvent struct {
	ChainID     ChainID
	Contract    string
	EventName   string
	Args        map[string]any
	TxHash      string
	LogIndex    uint
	BlockNumber uint64
	BlockHash   string
}

// RawLog is the raw log tuple consumed from the ingestion collaborator.
type RawLog struct {
	ChainID     ChainID
	Address     string
	Topics      []string
	Data        []byte
	BlockNumber uint64
	BlockHash   string
	TxHash      string
	LogIndex    uint
}
