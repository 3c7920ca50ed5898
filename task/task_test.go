package task

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/zyedidia/retrace/arch"
)

func writeELF(t *testing.T, class byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bin")
	hdr := append([]byte("\x7fELF"), class, 1, 1, 0)
	if err := os.WriteFile(path, append(hdr, make([]byte, 56)...), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestELFClass(t *testing.T) {
	tk := New(os.Getpid(), arch.Native(), nil)

	if got := tk.ELFClass(writeELF(t, 2)); got != 64 {
		t.Errorf("ELFCLASS64: got %d", got)
	}
	if got := tk.ELFClass(writeELF(t, 1)); got != 32 {
		t.Errorf("ELFCLASS32: got %d", got)
	}
	if got := tk.ELFClass("/nonexistent/binary"); got != 0 {
		t.Errorf("missing file: got %d", got)
	}

	notELF := filepath.Join(t.TempDir(), "script")
	os.WriteFile(notELF, []byte("#!/bin/sh\n"), 0o755)
	if got := tk.ELFClass(notELF); got != 0 {
		t.Errorf("non-ELF: got %d", got)
	}
}

func TestShadowState(t *testing.T) {
	tk := New(1234, arch.Native(), nil)
	tk.SetName("worker")
	if tk.Name() != "worker" {
		t.Errorf("name: %q", tk.Name())
	}
	tk.SetTidAddr(0x1000)
	tk.SetRobustList(0x2000, 24)
	tk.SetSavedSigmask(0xff)
	tk.ClearSavedSigmask()
	if tk.hasSaved {
		t.Error("saved mask not cleared")
	}
}
