package domain

// ChainID identifies a blockchain network (e.g. "1" for Ethereum mainnet).
type ChainID = string

// ChainIDToName maps well-known chain IDs to human-readable names.
var ChainIDToName = map[ChainID]string{
	"1":     "ethereum",
	"10":    "optimism",
	"56":    "bsc",
	"137":   "polygon",
	"8453":  "base",
	"42161": "arbitrum",
}

// ChainName returns the display name for a chain, falling back to the ID.
func ChainName(id ChainID) string {
	if name, ok := ChainIDToName[id]; ok {
		return name
	}
	return id
}
