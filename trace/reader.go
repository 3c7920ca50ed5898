package trace

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/klauspost/compress/zstd"

	"github.com/zyedidia/retrace/record"
)

// A RawRecord is one kernel-produced byte range read back from a trace.
type RawRecord struct {
	Tid  int
	Addr uint64
	Data []byte
}

// A Reader reads a trace directory back. It exists mainly so the recorder
// can verify its own output; replay proper is a separate program.
type Reader struct {
	Header Header

	raw    *zstd.Decoder
	events *zstd.Decoder
	rawF   *os.File
	evF    *os.File
}

// OpenReader opens a trace directory for reading.
func OpenReader(dir string) (*Reader, error) {
	r := &Reader{}
	if _, err := toml.DecodeFile(filepath.Join(dir, "header"), &r.Header); err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}
	if r.Header.Version != Version {
		return nil, fmt.Errorf("trace: version %d not supported", r.Header.Version)
	}
	var err error
	if r.rawF, err = os.Open(filepath.Join(dir, "raw.zst")); err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}
	if r.evF, err = os.Open(filepath.Join(dir, "events.zst")); err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}
	if r.raw, err = zstd.NewReader(r.rawF); err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}
	if r.events, err = zstd.NewReader(r.evF); err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}
	return r, nil
}

// NextRaw returns the next raw record, or io.EOF.
func (r *Reader) NextRaw() (RawRecord, error) {
	var hdr [21]byte
	if _, err := io.ReadFull(r.raw, hdr[:]); err != nil {
		return RawRecord{}, err
	}
	if hdr[0] != frameRaw {
		return RawRecord{}, fmt.Errorf("trace: bad raw frame kind %d", hdr[0])
	}
	rec := RawRecord{
		Tid:  int(binary.LittleEndian.Uint32(hdr[1:])),
		Addr: binary.LittleEndian.Uint64(hdr[5:]),
	}
	n := binary.LittleEndian.Uint64(hdr[13:])
	rec.Data = make([]byte, n)
	if _, err := io.ReadFull(r.raw, rec.Data); err != nil {
		return RawRecord{}, err
	}
	return rec, nil
}

// NextTaskEvent scans the event stream for the next task event, skipping
// mapping frames.
func (r *Reader) NextTaskEvent() (record.TaskEvent, error) {
	for {
		kind, payload, err := r.nextFrame()
		if err != nil {
			return record.TaskEvent{}, err
		}
		if kind != frameTaskEvent {
			continue
		}
		d := &frameDecoder{buf: payload}
		ev := record.TaskEvent{
			Kind:       record.TaskEventKind(d.u8()),
			Tid:        int(d.u32()),
			ParentTid:  int(d.u32()),
			CloneFlags: d.u64(),
			Filename:   d.str(),
		}
		n := d.u32()
		for i := uint32(0); i < n; i++ {
			ev.Cmdline = append(ev.Cmdline, d.str())
		}
		if d.err != nil {
			return record.TaskEvent{}, d.err
		}
		return ev, nil
	}
}

func (r *Reader) nextFrame() (uint8, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r.events, hdr[:]); err != nil {
		return 0, nil, err
	}
	payload := make([]byte, binary.LittleEndian.Uint32(hdr[1:]))
	if _, err := io.ReadFull(r.events, payload); err != nil {
		return 0, nil, err
	}
	return hdr[0], payload, nil
}

// Close releases the underlying files.
func (r *Reader) Close() error {
	r.raw.Close()
	r.events.Close()
	r.rawF.Close()
	return r.evF.Close()
}

type frameDecoder struct {
	buf []byte
	err error
}

func (d *frameDecoder) take(n int) []byte {
	if d.err != nil || len(d.buf) < n {
		d.err = io.ErrUnexpectedEOF
		return make([]byte, n)
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *frameDecoder) u8() uint8   { return d.take(1)[0] }
func (d *frameDecoder) u32() uint32 { return binary.LittleEndian.Uint32(d.take(4)) }
func (d *frameDecoder) u64() uint64 { return binary.LittleEndian.Uint64(d.take(8)) }
func (d *frameDecoder) str() string { return string(d.take(int(d.u32()))) }
