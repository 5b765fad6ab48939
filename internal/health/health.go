// Package health provides system health monitoring and status reporting.
package health

// SystemStatus represents the overall health state of the system or a chain.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// ChainHealth contains health metrics for one chain.
type ChainHealth struct {
	ChainID     string       `json:"chain_id"`
	Status      SystemStatus `json:"status"`
	ReorgState  string       `json:"reorg_state"`
	BlockLag    uint64       `json:"block_lag"`
	RetryBlocks int          `json:"retry_blocks"`
	LastError   string       `json:"last_error,omitempty"`
}

// Report contains the full health report.
type Report struct {
	SystemStatus SystemStatus           `json:"system_status"`
	Chains       map[string]ChainHealth `json:"chains"`
}

// Aggregate computes the overall status: worst chain wins.
func (r *Report) Aggregate() SystemStatus {
	status := StatusHealthy
	for _, chain := range r.Chains {
		if chain.Status == StatusCritical {
			return StatusCritical
		}
		if chain.Status == StatusDegraded {
			status = StatusDegraded
		}
	}
	return status
}
