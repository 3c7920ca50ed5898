package retrace

import (
	"bytes"
	"strings"
	"testing"
)

func TestStatsCSV(t *testing.T) {
	s := NewStats()
	s.Count("read", true)
	s.Count("read", true)
	s.Count("write", false)

	buf := &bytes.Buffer{}
	s.WriteTo(NewCSVWriter(buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	want := []string{
		"syscall,count",
		"read,2",
		"write,1",
		"switchable,2",
		"pinned,1",
	}
	if len(lines) != len(want) {
		t.Fatalf("lines: %v", lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d: got %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestStatsTableRenders(t *testing.T) {
	s := NewStats()
	s.Count("futex", true)

	buf := &bytes.Buffer{}
	s.WriteTo(NewTableWriter(buf))
	out := buf.String()
	if !strings.Contains(out, "futex") || !strings.Contains(out, "syscall") {
		t.Errorf("table output:\n%s", out)
	}
}
