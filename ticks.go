package retrace

import (
	"time"

	"acln.ro/perf"
)

// A TickCounter counts instructions retired by one tracee. The recorder
// opens and enables one per task and closes it when the task exits; the
// scheduler does not read it.
type TickCounter struct {
	ev *perf.Event
	// enabled holds perf's "enabled time" as read at the last Reset (perf
	// does not reset it); Ticks reports the count value only and does not
	// use it.
	enabled time.Duration
}

// NewTickCounter opens an instruction counter for the given pid on any
// CPU.
func NewTickCounter(pid int) (*TickCounter, error) {
	attr := &perf.Attr{
		Options: perf.Options{
			ExcludeKernel:     true,
			ExcludeHypervisor: true,
		},
	}
	if err := perf.Instructions.Configure(attr); err != nil {
		return nil, err
	}
	ev, err := perf.Open(attr, pid, perf.AnyCPU, nil)
	if err != nil {
		return nil, err
	}
	return &TickCounter{ev: ev}, nil
}

// Enable starts counting.
func (c *TickCounter) Enable() error {
	return c.ev.Enable()
}

// Disable stops counting.
func (c *TickCounter) Disable() error {
	return c.ev.Disable()
}

// Reset zeroes the counter.
func (c *TickCounter) Reset() error {
	count, err := c.ev.ReadCount()
	if err != nil {
		return err
	}
	c.enabled = count.Enabled
	return c.ev.Reset()
}

// Ticks reads the current count.
func (c *TickCounter) Ticks() (uint64, error) {
	count, err := c.ev.ReadCount()
	if err != nil {
		return 0, err
	}
	if count.Enabled != count.Running {
		Logger.Debugf("tick counter multiplexed (enabled %s, running %s)", count.Enabled, count.Running)
	}
	return uint64(count.Value), nil
}

// Close releases the perf event.
func (c *TickCounter) Close() error {
	return c.ev.Close()
}
