package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the scalellm configuration file
// (~/.config/scalellm/config.yaml). Fields are pointers so "not set" is
// distinguishable from zero values.
type Config struct {
	// Engine
	BlockSize      *int64 `yaml:"block_size"`
	CacheBlocks    *int64 `yaml:"cache_blocks"`
	MaxBatchTokens *int64 `yaml:"max_batch_tokens"`
	MaxBatchSeqs   *int64 `yaml:"max_batch_seqs"`
	MaxWaiting     *int64 `yaml:"max_waiting"`

	// Sampling defaults
	Temperature *float64 `yaml:"temperature"`
	TopK        *int64   `yaml:"top_k"`
	TopP        *float64 `yaml:"top_p"`
	MaxTokens   *int64   `yaml:"max_tokens"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "scalellm", "config.yaml")
}

// applyServeConfig applies config file defaults to serve command variables
// when the corresponding CLI flag was not explicitly set.
func applyServeConfig(c *cli.Command, cfg Config,
	addr *string, temp *float64, topK *int64, topP *float64, maxTokens *int64,
) {
	if cfg.BlockSize != nil && !c.IsSet("block-size") {
		blockSize = *cfg.BlockSize
	}
	if cfg.CacheBlocks != nil && !c.IsSet("cache-blocks") {
		cacheBlocks = *cfg.CacheBlocks
	}
	if cfg.MaxBatchTokens != nil && !c.IsSet("max-batch-tokens") {
		maxBatchTokens = *cfg.MaxBatchTokens
	}
	if cfg.MaxBatchSeqs != nil && !c.IsSet("max-batch-seqs") {
		maxBatchSeqs = *cfg.MaxBatchSeqs
	}
	if cfg.MaxWaiting != nil && !c.IsSet("max-waiting") {
		maxWaiting = *cfg.MaxWaiting
	}
	if cfg.Temperature != nil && !c.IsSet("temperature") {
		*temp = *cfg.Temperature
	}
	if cfg.TopK != nil && !c.IsSet("top-k") {
		*topK = *cfg.TopK
	}
	if cfg.TopP != nil && !c.IsSet("top-p") {
		*topP = *cfg.TopP
	}
	if cfg.MaxTokens != nil && !c.IsSet("max-tokens") {
		*maxTokens = *cfg.MaxTokens
	}
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file
// doesn't exist or cannot be parsed.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
