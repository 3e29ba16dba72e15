package main

import (
	"os"

	"github.com/BurntSushi/toml"

	"github.com/kinfkong/ejdb/internal/hdb"
)

// Config is ejdbctl's TOML configuration file, loaded the way
// Pieczasz-smf's schema parser decodes its own TOML input (spec
// SPEC_FULL.md "Configuration").
type Config struct {
	Dir           string `toml:"dir"`
	CachedRecords int    `toml:"cached_records"`
	Compressed    string `toml:"compressed"` // "", "deflate", or "bzip2"
}

func (c Config) compression() hdb.Compression {
	switch c.Compressed {
	case "deflate":
		return hdb.Deflate
	case "bzip2":
		return hdb.Bzip2
	default:
		return hdb.NoCompression
	}
}

func loadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	_, err = toml.NewDecoder(f).Decode(&cfg)
	return cfg, err
}
