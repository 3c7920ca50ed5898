package retrace

import (
	"fmt"
	"sort"
)

// Stats counts processed syscalls per name and the switch decisions made,
// for the end-of-recording summary.
type Stats struct {
	counts   map[string]uint64
	switched uint64
	pinned   uint64
}

// NewStats returns empty counters.
func NewStats() *Stats {
	return &Stats{
		counts: make(map[string]uint64),
	}
}

// Count records one processed syscall.
func (s *Stats) Count(name string, allowedSwitch bool) {
	s.counts[name]++
	if allowedSwitch {
		s.switched++
	} else {
		s.pinned++
	}
}

// WriteTo renders the counters, most frequent first.
func (s *Stats) WriteTo(w MetricsWriter) {
	w.SetHeader([]string{"syscall", "count"})

	type kv struct {
		name  string
		count uint64
	}
	var rows []kv
	for name, count := range s.counts {
		rows = append(rows, kv{name, count})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].count != rows[j].count {
			return rows[i].count > rows[j].count
		}
		return rows[i].name < rows[j].name
	})

	for _, r := range rows {
		w.Append([]string{r.name, fmt.Sprintf("%d", r.count)})
	}
	w.Append([]string{"switchable", fmt.Sprintf("%d", s.switched)})
	w.Append([]string{"pinned", fmt.Sprintf("%d", s.pinned)})
	w.Render()
}
