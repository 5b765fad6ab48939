package config

import (
	"time"

	"github.com/canonlabs/ledgerd/internal/core/domain"
	redisclient "github.com/canonlabs/ledgerd/internal/infra/redis"
	"github.com/canonlabs/ledgerd/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Chains   []ChainConfig      `yaml:"chains"`
	Redis    redisclient.Config `yaml:"redis"`
	Logging  LoggingConfig      `yaml:"logging"`
	Database postgres.Config    `yaml:"database"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// ChainConfig holds settings for one chain's pipeline.
type ChainConfig struct {
	ChainID       domain.ChainID `yaml:"id"`
	Name          string         `yaml:"name"`
	RPCURLs       []string       `yaml:"rpc_urls"`
	PollInterval  time.Duration  `yaml:"poll_interval"`
	MaxReorgDepth uint64         `yaml:"max_reorg_depth"`
	FetchTimeout  time.Duration  `yaml:"fetch_timeout"`
	FetchAttempts int            `yaml:"fetch_attempts"`
	BatchBlocks   int            `yaml:"batch_blocks"`
	StartBlock    uint64         `yaml:"start_block"`
	IngestVersion int            `yaml:"ingest_version"`
	Concurrency   int            `yaml:"concurrency"`
	ABIs          []ABIConfig    `yaml:"abis"`
}

// ABIConfig registers one ABI version for a contract at startup.
type ABIConfig struct {
	Address    string `yaml:"address"`
	Version    int    `yaml:"version"`
	StartBlock uint64 `yaml:"start_block"`
	EndBlock   uint64 `yaml:"end_block"` // 0 = open-ended
	File       string `yaml:"file"`      // path to the ABI JSON
}
