// Package trace persists a recording: raw memory records, task events,
// and memory-map metadata, written as zstd-compressed length-prefixed
// frames. The record core only appends; the formats here are owned by
// this package and its reader.
package trace

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/zyedidia/retrace/record"
)

// Version is the trace format version.
const Version = 1

// Header is the trace metadata, stored as TOML alongside the streams.
type Header struct {
	ID      string `toml:"id"`
	Arch    string `toml:"arch"`
	Version int    `toml:"version"`
}

// frame kinds: frameRaw heads records in the raw stream, the others
// frames in the event stream.
const (
	frameRaw = iota + 1
	frameTaskEvent
	frameMappedRegion
)

type devino struct {
	dev, ino uint64
}

// A Writer appends records to a trace directory. It implements
// record.TraceWriter. All writes go through one mutex; the recorder is
// single-threaded but post handlers may append for two tasks in one stop.
type Writer struct {
	mu sync.Mutex

	id     uuid.UUID
	dir    string
	rawF   *os.File
	evF    *os.File
	raw    *zstd.Encoder
	events *zstd.Encoder

	// seen tracks file identities already stored in the trace so each
	// mapped file's contents are recorded at most once.
	seen map[devino]bool
}

// NewWriter creates a trace directory and its streams.
func NewWriter(dir string, archName string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}
	w := &Writer{
		id:   uuid.New(),
		dir:  dir,
		seen: make(map[devino]bool),
	}

	hdr, err := os.Create(filepath.Join(dir, "header"))
	if err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}
	defer hdr.Close()
	if err := toml.NewEncoder(hdr).Encode(Header{
		ID:      w.id.String(),
		Arch:    archName,
		Version: Version,
	}); err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}

	if w.rawF, err = os.Create(filepath.Join(dir, "raw.zst")); err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}
	if w.evF, err = os.Create(filepath.Join(dir, "events.zst")); err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}
	if w.raw, err = zstd.NewWriter(w.rawF); err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}
	if w.events, err = zstd.NewWriter(w.evF); err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}
	return w, nil
}

// ID returns the trace identity.
func (w *Writer) ID() uuid.UUID {
	return w.id
}

// WriteRaw appends the bytes the kernel produced at [addr, addr+len(data))
// in the given task.
func (w *Writer) WriteRaw(tid int, addr uint64, data []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var hdr [21]byte
	hdr[0] = frameRaw
	binary.LittleEndian.PutUint32(hdr[1:], uint32(tid))
	binary.LittleEndian.PutUint64(hdr[5:], addr)
	binary.LittleEndian.PutUint64(hdr[13:], uint64(len(data)))
	w.raw.Write(hdr[:])
	w.raw.Write(data)
}

// WriteTaskEvent appends a task lifecycle event.
func (w *Writer) WriteTaskEvent(ev record.TaskEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writeFrame(frameTaskEvent, func(b *frameBuilder) {
		b.u8(uint8(ev.Kind))
		b.u32(uint32(ev.Tid))
		b.u32(uint32(ev.ParentTid))
		b.u64(ev.CloneFlags)
		b.str(ev.Filename)
		b.u32(uint32(len(ev.Cmdline)))
		for _, a := range ev.Cmdline {
			b.str(a)
		}
	})
}

// WriteMappedRegion appends mapping metadata and answers whether the
// mapping's contents must be recorded. Anonymous mappings (no file
// identity) and files already stored in this trace are not recorded again.
func (w *Writer) WriteMappedRegion(m record.MappedRegion, prot, flags int) record.MappingDisposition {
	w.mu.Lock()
	defer w.mu.Unlock()

	disp := record.RecordInTrace
	if m.Dev == 0 && m.Inode == 0 {
		disp = record.DontRecordInTrace
	} else if key := (devino{m.Dev, m.Inode}); w.seen[key] {
		disp = record.DontRecordInTrace
	} else {
		w.seen[key] = true
	}

	w.writeFrame(frameMappedRegion, func(b *frameBuilder) {
		b.str(m.Name)
		b.u64(m.Dev)
		b.u64(m.Inode)
		b.u64(m.Start)
		b.u64(m.End)
		b.u64(uint64(m.FileSize))
		b.u64(uint64(m.OffsetPages))
		b.u32(uint32(prot))
		b.u32(uint32(flags))
		b.u8(uint8(disp))
	})
	return disp
}

// Close flushes both streams.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var first error
	for _, c := range []io.Closer{w.raw, w.events, w.rawF, w.evF} {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type frameBuilder struct {
	buf []byte
}

func (b *frameBuilder) u8(v uint8)   { b.buf = append(b.buf, v) }
func (b *frameBuilder) u32(v uint32) { b.buf = binary.LittleEndian.AppendUint32(b.buf, v) }
func (b *frameBuilder) u64(v uint64) { b.buf = binary.LittleEndian.AppendUint64(b.buf, v) }
func (b *frameBuilder) str(s string) {
	b.u32(uint32(len(s)))
	b.buf = append(b.buf, s...)
}

func (w *Writer) writeFrame(kind uint8, fill func(*frameBuilder)) {
	b := &frameBuilder{}
	fill(b)
	var hdr [5]byte
	hdr[0] = kind
	binary.LittleEndian.PutUint32(hdr[1:], uint32(len(b.buf)))
	w.events.Write(hdr[:])
	w.events.Write(b.buf)
}
