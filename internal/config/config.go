// Package config assembles the engine's per-subsystem configuration
// structs into one EngineConfig and loads it from YAML, mirroring the
// teacher's StorageConfig/ConcurrencyConfig pattern: one struct per
// subsystem, one Default*Config constructor each, and a single entry
// point that wires them together.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/keelsondb/keelson/internal/compaction"
	"github.com/keelsondb/keelson/internal/lockmgr"
	"github.com/keelsondb/keelson/internal/pager"
	"github.com/keelsondb/keelson/internal/txn"
)

// EngineConfig is the top-level configuration for a running engine
// instance: one field per subsystem, each loadable independently.
type EngineConfig struct {
	BufferPool pager.PagerConfig `yaml:"buffer_pool"`
	OCC        txn.OCCConfig     `yaml:"occ"`
	Compaction compaction.Config `yaml:"compaction"`
	Lock       lockmgr.Config    `yaml:"lock"`
}

// DefaultEngineConfig assembles the default configuration for every
// subsystem. Callers typically start here and override individual
// fields, or load a YAML file over this baseline.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		BufferPool: pager.DefaultBufferPoolConfig(),
		OCC:        txn.DefaultOCCConfig(),
		Compaction: compaction.DefaultCompactionConfig(),
		Lock:       lockmgr.DefaultLockConfig(),
	}
}

// TxnManagerConfig builds a txn.Config from ec's OCC and Lock settings
// layered onto the transaction manager's own defaults (isolation level,
// commit mode, cleanup cadence), so the engine's Lock/OCC knobs stay in
// one place instead of duplicated across EngineConfig and txn.Config.
func (ec EngineConfig) TxnManagerConfig() txn.Config {
	tc := txn.DefaultConfig()
	tc.LockConfig = ec.Lock
	tc.OCCConfig = ec.OCC
	return tc
}

// LoadEngineConfigYAML reads path and unmarshals it over
// DefaultEngineConfig, so an on-disk file only needs to specify the
// fields it overrides.
func LoadEngineConfigYAML(path string) (*EngineConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg := DefaultEngineConfig()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return &cfg, nil
}
