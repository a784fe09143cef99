// Copyright 2024 The Tessera authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config reads the weeder's single YAML configuration file: cache
// server address, the metadata directories it operates on, and the
// buffer-size/timing constants for the node buffer, DI dedup buffer, and
// the short-id landlord.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the weeder's runtime configuration, read once at startup.
type Config struct {
	Cache struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"cache"`

	// GraphLogDir is where the graph log (and its pending/working overflow
	// files) live.
	GraphLogDir string `yaml:"graphLogDir"`
	// BackupDir mirrors the append log and graph log for crash recovery, if
	// set.
	BackupDir string `yaml:"backupDir,omitempty"`
	// StableVarsDir holds the Weeded and MiscVars files.
	StableVarsDir string `yaml:"stableVarsDir"`
	// DerivedFileDir is the repository's derived-file storage tree rooted
	// by the short-id allocator.
	DerivedFileDir string `yaml:"derivedFileDir"`

	// NodeBufferSize bounds how many graph-log Nodes are held in memory
	// before spilling the oldest to the pending overflow file.
	NodeBufferSize int `yaml:"nodeBufferSize"`
	// DIBufferSize bounds the DIs-to-keep deduplication LRU.
	DIBufferSize int `yaml:"diBufferSize"`

	// KeepGrace is read from the file but nothing consumes it: the mark
	// phase takes startTime as the wall clock and does not subtract it.
	KeepGrace time.Duration `yaml:"keepGrace,omitempty"`

	// ChkptsToKeep is a graph-log checkpoint retention count (default 3).
	// Nothing in the weeder passes it to alog.Log.Prune.
	ChkptsToKeep int `yaml:"chkptsToKeep"`

	Landlord struct {
		MinSleep   time.Duration `yaml:"minSleep"`
		MaxSleep   time.Duration `yaml:"maxSleep"`
		WorklistSz int           `yaml:"worklistSize"`
	} `yaml:"landlord"`
}

// Default returns a Config with the weeder's baseline defaults, letting
// callers override just the fields they need after loading.
func Default() Config {
	var c Config
	c.NodeBufferSize = 4096
	c.DIBufferSize = 4096
	c.ChkptsToKeep = 3
	c.Landlord.MinSleep = 5 * time.Second
	c.Landlord.MaxSleep = 5 * time.Minute
	c.Landlord.WorklistSz = 256
	return c
}

// Load reads and parses the YAML config file at path, starting from
// Default() so unset fields keep their defaults.
func Load(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return c, fmt.Errorf("config: %s: %w", path, err)
	}
	return c, nil
}

func (c Config) validate() error {
	if c.GraphLogDir == "" {
		return fmt.Errorf("graphLogDir must be set")
	}
	if c.StableVarsDir == "" {
		return fmt.Errorf("stableVarsDir must be set")
	}
	if c.Cache.Host == "" {
		return fmt.Errorf("cache.host must be set")
	}
	return nil
}
