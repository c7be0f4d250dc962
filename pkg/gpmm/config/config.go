// Package config loads the host-level TOML configuration gpmctl and
// any embedding host program use to construct a vm.Host: swap file
// layout, the page pool shape, and the ambient tunables (async-IO
// token budget, sanity DB default, checkpoint buffer size, NUMA node
// count, PShare B-tree degree, cache line count).
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// SwapFile describes one configured swap file.
type SwapFile struct {
	Path  string `toml:"path"`
	Slots uint32 `toml:"slots"`
}

// Pool describes the host page pool's shape (pgalloc.New's arguments).
type Pool struct {
	TotalPages int `toml:"total_pages"`
	LowPages   int `toml:"low_pages"`
	NUMANodes  int `toml:"numa_nodes"`
}

// Config is the root of gpmm's TOML configuration file.
type Config struct {
	Pool Pool `toml:"pool"`

	SwapFiles         []SwapFile `toml:"swap_file"`
	AsyncIOTokens     int64      `toml:"async_io_tokens"`
	SanityDBEnabled   bool       `toml:"sanity_db_enabled"`
	CheckpointBufSize int        `toml:"checkpoint_buffer_pages"`
	CacheLines        int        `toml:"cache_lines"`
	PShareBTreeDegree int        `toml:"pshare_btree_degree"`
}

// Default returns a Config with reasonable sizes for a small
// development host, matching the shape (if not the scale) a real
// deployment's config file would take.
func Default() Config {
	return Config{
		Pool:              Pool{TotalPages: 1 << 16, LowPages: 1 << 12, NUMANodes: 1},
		AsyncIOTokens:     32,
		SanityDBEnabled:   false,
		CheckpointBufSize: 64,
		CacheLines:        16,
		PShareBTreeDegree: 32,
	}
}

// Load reads and validates a Config from the TOML file at path.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("gpmm/config: decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the config for internally-consistent values.
func (c Config) Validate() error {
	if c.Pool.TotalPages <= 0 {
		return fmt.Errorf("gpmm/config: pool.total_pages must be positive")
	}
	if c.Pool.LowPages < 0 || c.Pool.LowPages > c.Pool.TotalPages {
		return fmt.Errorf("gpmm/config: pool.low_pages out of range")
	}
	if c.Pool.NUMANodes <= 0 {
		return fmt.Errorf("gpmm/config: pool.numa_nodes must be positive")
	}
	if len(c.SwapFiles) > 8 {
		return fmt.Errorf("gpmm/config: at most 8 swap files are supported")
	}
	for _, f := range c.SwapFiles {
		if f.Path == "" {
			return fmt.Errorf("gpmm/config: swap_file entry missing path")
		}
		if f.Slots == 0 {
			return fmt.Errorf("gpmm/config: swap_file %q has zero slots", f.Path)
		}
	}
	if c.AsyncIOTokens <= 0 {
		return fmt.Errorf("gpmm/config: async_io_tokens must be positive")
	}
	return nil
}
