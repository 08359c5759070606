// Package config loads compiler configuration from TOML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/sbl8/cascade/logging"
)

// Config is the top-level configuration file.
type Config struct {
	Hardware Capabilities `toml:"hardware"`
	Compile  Compile      `toml:"compile"`
	Logging  Logging      `toml:"logging"`
	Cache    Cache        `toml:"cache"`
	Path     string       `toml:"-"`
}

// Capabilities describes the target NPU.
type Capabilities struct {
	NumEngines     uint32    `toml:"num_engines"`
	OgsPerEngine   uint32    `toml:"ogs_per_engine"`
	IgsPerEngine   uint32    `toml:"igs_per_engine"`
	SramSizePerEmc uint32    `toml:"sram_size_per_emc"`
	BrickGroup     [4]uint32 `toml:"brick_group"`
	// MaxDmaChunkBytes bounds the size of one DMA command; larger stripes
	// are split into several chunks.
	MaxDmaChunkBytes uint32 `toml:"max_dma_chunk_bytes"`
	EmcMask          uint32 `toml:"emc_mask"`
}

// NumOgs returns the total number of output generators.
func (c Capabilities) NumOgs() uint32 { return c.NumEngines * c.OgsPerEngine }

// NumSrams returns the number of SRAM banks, one per engine.
func (c Capabilities) NumSrams() uint32 { return c.NumEngines }

// TotalSram returns the SRAM size across all banks.
func (c Capabilities) TotalSram() uint32 { return c.NumEngines * c.SramSizePerEmc }

// Compile holds compile options.
type Compile struct {
	// DumpRAM emits a DUMP_DRAM command per intermediate DRAM buffer.
	DumpRAM bool `toml:"dump_ram"`
	// DumpSRAM emits a DUMP_SRAM command after the cascade.
	DumpSRAM bool `toml:"dump_sram"`
	// Text also writes the text form of the stream next to the binary.
	Text bool `toml:"text"`
}

// Logging selects log level and format.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Cache configures the compiled-network cache.
type Cache struct {
	Enabled bool   `toml:"enabled"`
	DBPath  string `toml:"db_path"`
}

// Default returns the configuration of the reference 8-engine NPU.
func Default() Config {
	return Config{
		Hardware: Capabilities{
			NumEngines:       8,
			OgsPerEngine:     4,
			IgsPerEngine:     4,
			SramSizePerEmc:   64 * 1024,
			BrickGroup:       [4]uint32{1, 8, 8, 16},
			MaxDmaChunkBytes: 16 * 1024,
			EmcMask:          0xFF,
		},
		Logging: Logging{Level: "info", Format: "text"},
		Cache:   Cache{DBPath: "cascade-cache.db"},
	}
}

// Load reads path and decodes it over Default.
func Load(path string) (Config, error) {
	resolved := path
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		resolved = filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(resolved, "~"), "/"))
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}
	cfg, err := Parse(bytes)
	if err != nil {
		return Config{}, err
	}
	cfg.Path = resolved
	return cfg, nil
}

// Parse decodes TOML over Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration describes a usable target.
func (c Config) Validate() error {
	h := c.Hardware
	switch {
	case h.NumEngines == 0:
		return fmt.Errorf("hardware.num_engines must be positive")
	case h.OgsPerEngine == 0 || h.IgsPerEngine == 0:
		return fmt.Errorf("hardware.ogs_per_engine and igs_per_engine must be positive")
	case h.SramSizePerEmc == 0:
		return fmt.Errorf("hardware.sram_size_per_emc must be positive")
	case h.MaxDmaChunkBytes == 0 || h.MaxDmaChunkBytes%16 != 0:
		return fmt.Errorf("hardware.max_dma_chunk_bytes must be a positive multiple of 16, got %d", h.MaxDmaChunkBytes)
	case h.BrickGroup[1] == 0 || h.BrickGroup[2] == 0 || h.BrickGroup[3] == 0:
		return fmt.Errorf("hardware.brick_group has a zero dimension")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if f := c.Logging.Format; f != "" && f != "text" && f != "json" {
		return fmt.Errorf("logging.format must be text or json, got %q", f)
	}
	if c.Cache.Enabled && c.Cache.DBPath == "" {
		return fmt.Errorf("cache.db_path is required when the cache is enabled")
	}
	return nil
}

// Logger builds the logger described by the [logging] section.
func (c Config) Logger() logging.Logger {
	level, _ := logging.ParseLevel(c.Logging.Level)
	cfg := logging.DefaultConfig()
	cfg.Level = level
	if c.Logging.Format != "" {
		cfg.Format = c.Logging.Format
	}
	return logging.New(cfg)
}
