package domain

// ContractABI is one registered ABI version for a contract. The version is
// valid for blocks in [StartBlock, EndBlock); EndBlock == 0 means open-ended,
// which is only legal for the most recent version.
type ContractABI struct {
	ChainID    ChainID
	Address    string
	Version    int
	StartBlock uint64
	EndBlock   uint64
	Definition string
}

// Covers reports whether this version's range contains the block.
func (c *ContractABI) Covers(blockNumber uint64) bool {
	if blockNumber < c.StartBlock {
		return false
	}
	return c.EndBlock == 0 || blockNumber < c.EndBlock
}

// Overlaps reports whether two versions' block ranges intersect.
func (c *ContractABI) Overlaps(other *ContractABI) bool {
	cEnd, oEnd := c.EndBlock, other.EndBlock
	if cEnd == 0 && oEnd == 0 {
		return true
	}
	if cEnd == 0 {
		return oEnd > c.StartBlock
	}
	if oEnd == 0 {
		return cEnd > other.StartBlock
	}
	return c.StartBlock < oEnd && other.StartBlock < cEnd
}
