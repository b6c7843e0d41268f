// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package recorder

import (
	"fmt"
	"runtime"

	"github.com/google/blockcov/pkg/config"
	"github.com/google/blockcov/pkg/covfilter"
	"github.com/google/blockcov/pkg/osutil"
)

type Config struct {
	// Module/function filter rules, the last matching rule wins.
	Filter []covfilter.Rule `json:"filter,omitempty"`
	// Directory for cached module block sets (optional).
	CacheDir string `json:"cache_dir,omitempty"`
	// Count every execution of a block rather than only the first one.
	// Breakpoints are re-armed after each hit, which is much slower.
	CountHits bool `json:"count_hits,omitempty"`
	// Number of modules swept in parallel at the start (defaults to the number of CPUs).
	SweepProcs int `json:"sweep_procs,omitempty"`
}

func LoadConfig(file string) (*Config, error) {
	cfg := new(Config)
	if err := config.LoadFile(file, cfg); err != nil {
		return nil, err
	}
	if err := cfg.complete(); err != nil {
		return nil, fmt.Errorf("bad config %v: %w", file, err)
	}
	return cfg, nil
}

func (cfg *Config) complete() error {
	if cfg.SweepProcs < 0 {
		return fmt.Errorf("negative sweep_procs %v", cfg.SweepProcs)
	}
	if cfg.SweepProcs == 0 {
		cfg.SweepProcs = runtime.NumCPU()
	}
	if cfg.CacheDir != "" {
		dir, err := osutil.Abs(cfg.CacheDir)
		if err != nil {
			return err
		}
		cfg.CacheDir = dir
	}
	return nil
}
