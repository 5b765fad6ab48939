package domain

import "time"

// OrphanedBlock identifies a block demoted by a reorg: the number and the
// hash it had on the abandoned branch.
type OrphanedBlock struct {
	Number uint64 `json:"number"`
	Hash   string `json:"hash"`
}

// ReorgEvent is the immutable audit record of one detected fork. Created
// once per fork, never updated.
type ReorgEvent struct {
	ID             string
	ChainID        ChainID
	Depth          uint64
	OldHead        ChainHead
	NewHead        ChainHead
	CommonAncestor ChainHead
	AffectedBlocks []OrphanedBlock
	DetectedAt     time.Time
}

// RetryBlock is a recovery fetch that exhausted its retries and was parked
// on the retry queue for operator-driven reprocessing.
type RetryBlock struct {
	ID          string  `json:"id"`
	ChainID     ChainID `json:"chain_id"`
	BlockNumber uint64  `json:"block_number"`
	BlockHash   string  `json:"block_hash"`
	Error       string  `json:"error"`
	RetryCount  int     `json:"retry_count"`
	LastAttempt uint64  `json:"last_attempt"`
	CreatedAt   uint64  `json:"created_at"`
}
