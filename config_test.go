package retrace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retrace.toml")
	data := `
trace_dir = "/tmp/out"
scratch_pages = 128
strict_scratch = true
blacklist = ["/etc/secret"]
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TraceDir != "/tmp/out" || cfg.ScratchPages != 128 || !cfg.StrictScratch {
		t.Errorf("config: %+v", cfg)
	}
	if len(cfg.Blacklist) != 1 || cfg.Blacklist[0] != "/etc/secret" {
		t.Errorf("blacklist: %v", cfg.Blacklist)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retrace.toml")
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ScratchPages != 512 {
		t.Errorf("default scratch pages: %d", cfg.ScratchPages)
	}
}

func TestLoadConfigUnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retrace.toml")
	if err := os.WriteFile(path, []byte("scratch_pgaes = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("unknown key must be rejected")
	}
}
