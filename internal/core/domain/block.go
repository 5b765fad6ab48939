package domain

// Block represents an ingested block header row in the ledger.
type Block struct {
	ChainID    ChainID
	Number     uint64
	Hash       string
	ParentHash string
	Timestamp  uint64
	Canonical  bool
}

// ChainHead is the last-observed head of a chain, tracked by the reorg
// detector. Mutated only by the detector, once per poll cycle.
type ChainHead struct {
	ChainID    ChainID
	Number     uint64
	Hash       string
	ParentHash string
}

// Head converts a block into its head view.
func (b *Block) Head() ChainHead {
	return ChainHead{
		ChainID:    b.ChainID,
		Number:     b.Number,
		Hash:       b.Hash,
		ParentHash: b.ParentHash,
	}
}
