package retrace

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config is the recorder's configuration, optionally loaded from a TOML
// file.
type Config struct {
	// TraceDir is where the trace is written.
	TraceDir string `toml:"trace_dir"`
	// ScratchPages is the per-task scratch region size, in pages.
	ScratchPages int `toml:"scratch_pages"`
	// StrictScratch makes scratch overflow fatal instead of disabling
	// context switching for the offending syscall.
	StrictScratch bool `toml:"strict_scratch"`
	// Blacklist lists path prefixes/suffixes whose open() is deflected
	// with -ENOENT.
	Blacklist []string `toml:"blacklist"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		TraceDir:     "retrace-out",
		ScratchPages: 512,
	}
}

// LoadConfig reads a TOML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if undec := meta.Undecoded(); len(undec) > 0 {
		return cfg, fmt.Errorf("config: unknown key %q", undec[0].String())
	}
	return cfg, nil
}
