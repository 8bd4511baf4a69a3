package pagecache

import (
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the cache. Callers normally start from
// DefaultConfig() and override individual fields, or load a YAML file with
// LoadConfig, which keeps the DefaultConfig value of every field the file
// does not set.
type Config struct {
	// PageSize is the fixed size, in bytes, of every page. Must exceed
	// MinPageSize (§9 open question #2).
	PageSize int `yaml:"page_size"`

	// PartitionCount is the number of shards in PartitionedPageLocks.
	PartitionCount int `yaml:"partition_count"`

	// MaxExclusiveWriteCachePages bounds exclusive_write_cache_size before
	// Store starts returning an overflow latch (§4.4.2).
	MaxExclusiveWriteCachePages int `yaml:"max_exclusive_write_cache_pages"`

	// ChunkSize is the maximum number of physically adjacent pages
	// coalesced into one vectored write (§4.5, default 32).
	ChunkSize int `yaml:"chunk_size"`

	// ExclusiveHighWater starts the flusher's exclusive-page flushing once
	// exclusive_write_cache_size/max exceeds this fraction (default 0.5).
	// The overflow latch itself is installed only when
	// exclusive_write_cache_size exceeds MaxExclusiveWriteCachePages.
	ExclusiveHighWater float64 `yaml:"exclusive_high_water"`

	// ExclusiveLowWater releases the overflow latch once
	// exclusive_write_cache_size/max falls to or below this fraction
	// (default 0.85 — intentionally above the high water; see §9).
	ExclusiveLowWater float64 `yaml:"exclusive_low_water"`

	// BackgroundFlushInterval is the Flusher's periodic tick period.
	BackgroundFlushInterval time.Duration `yaml:"background_flush_interval"`

	// WALHighWaterBytes/WALLowWaterBytes are the WAL-size hysteresis
	// thresholds that start/stop LSN-ordered flushing (§4.5 defaults
	// 2 GiB / 1 GiB).
	WALHighWaterBytes int64 `yaml:"wal_high_water_bytes"`
	WALLowWaterBytes  int64 `yaml:"wal_low_water_bytes"`

	// FreeSpaceLimitBytes is the threshold below which a low-disk-space
	// event fires (§4.4.3).
	FreeSpaceLimitBytes int64 `yaml:"free_space_limit_bytes"`

	// FreeSpaceCheckInterval is how many newly-allocated pages must pass
	// before the free-space check samples usable space again (§4.4.3).
	FreeSpaceCheckInterval int64 `yaml:"free_space_check_interval"`

	// ShutdownTimeout bounds how long CloseAll/DeleteAll wait for the
	// flush worker to stop (§4.7, default 5 minutes).
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Logger receives structured log lines from the cache and flusher.
	// Defaults to log.Default(), matching the teacher's bare `log` usage —
	// not serialized to/from YAML.
	Logger *log.Logger `yaml:"-"`
}

// DefaultConfig returns a Config with every field set to its documented
// default.
func DefaultConfig() Config {
	return Config{
		PageSize:                    65536,
		PartitionCount:              64,
		MaxExclusiveWriteCachePages: 4096,
		ChunkSize:                   32,
		ExclusiveHighWater:          0.5,
		ExclusiveLowWater:           0.85,
		BackgroundFlushInterval:     time.Second,
		WALHighWaterBytes:           2 << 30,
		WALLowWaterBytes:            1 << 30,
		FreeSpaceLimitBytes:         256 << 20,
		FreeSpaceCheckInterval:      1000,
		ShutdownTimeout:             5 * time.Minute,
		Logger:                      log.Default(),
	}
}

// LoadConfig reads a YAML config file and overlays it onto DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("pagecache: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("pagecache: parse config %s: %w", path, err)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration for internally-inconsistent or
// undefined combinations, per §9's open questions.
func (c Config) Validate() error {
	if err := validatePageSize(c.PageSize); err != nil {
		return err
	}
	if c.PartitionCount < 1 {
		return fmt.Errorf("pagecache: partition_count must be >= 1")
	}
	if c.MaxExclusiveWriteCachePages < 1 {
		return fmt.Errorf("pagecache: max_exclusive_write_cache_pages must be >= 1")
	}
	if c.ChunkSize < 1 {
		return fmt.Errorf("pagecache: chunk_size must be >= 1")
	}
	if c.ExclusiveHighWater <= 0 || c.ExclusiveHighWater > 1 {
		return fmt.Errorf("pagecache: exclusive_high_water must be in (0,1]")
	}
	if c.ExclusiveLowWater <= 0 || c.ExclusiveLowWater > 1 {
		return fmt.Errorf("pagecache: exclusive_low_water must be in (0,1]")
	}
	if c.BackgroundFlushInterval <= 0 {
		return fmt.Errorf("pagecache: background_flush_interval must be positive")
	}
	return nil
}
