package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file. Environment variables in the
// file are expanded before parsing, so secrets stay out of the file itself.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	for i := range cfg.Chains {
		c := &cfg.Chains[i]
		if c.ChainID == "" {
			return nil, fmt.Errorf("chain %d: id is required", i)
		}
		if len(c.RPCURLs) == 0 {
			return nil, fmt.Errorf("chain %s: at least one rpc url is required", c.ChainID)
		}
		if c.PollInterval == 0 {
			c.PollInterval = 12 * time.Second
		}
		if c.MaxReorgDepth == 0 {
			c.MaxReorgDepth = 64
		}
		if c.FetchTimeout == 0 {
			c.FetchTimeout = 10 * time.Second
		}
		if c.FetchAttempts == 0 {
			c.FetchAttempts = 5
		}
		if c.BatchBlocks == 0 {
			c.BatchBlocks = 10
		}
		if c.IngestVersion == 0 {
			c.IngestVersion = 1
		}
		for j := range c.ABIs {
			a := &c.ABIs[j]
			if a.Address == "" || a.File == "" {
				return nil, fmt.Errorf("chain %s: abi %d: address and file are required", c.ChainID, j)
			}
			if a.Version == 0 {
				a.Version = 1
			}
		}
	}

	return &cfg, nil
}
