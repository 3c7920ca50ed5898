package trace

import (
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/zyedidia/retrace/record"
)

func TestRawRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "amd64")
	require.NoError(t, err)

	w.WriteRaw(100, 0x1000, []byte("HELLO"))
	w.WriteRaw(100, 0x2000, nil)
	w.WriteRaw(200, 0x3000, []byte{1, 2, 3})
	require.NoError(t, w.Close())

	r, err := OpenReader(dir)
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, "amd64", r.Header.Arch)
	_, err = uuid.Parse(r.Header.ID)
	require.NoError(t, err)

	rec, err := r.NextRaw()
	require.NoError(t, err)
	require.Equal(t, RawRecord{Tid: 100, Addr: 0x1000, Data: []byte("HELLO")}, rec)

	rec, err = r.NextRaw()
	require.NoError(t, err)
	require.Equal(t, 0, len(rec.Data))

	rec, err = r.NextRaw()
	require.NoError(t, err)
	require.Equal(t, uint64(0x3000), rec.Addr)

	_, err = r.NextRaw()
	require.ErrorIs(t, err, io.EOF)
}

func TestTaskEventRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "arm64")
	require.NoError(t, err)

	ev := record.TaskEvent{
		Kind:     record.TaskEventExec,
		Tid:      42,
		Filename: "/bin/thing",
		Cmdline:  []string{"thing", "-x", "arg with spaces"},
	}
	w.WriteTaskEvent(ev)
	require.NoError(t, w.Close())

	r, err := OpenReader(dir)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.NextTaskEvent()
	require.NoError(t, err)
	require.Equal(t, ev, got)

	_, err = r.NextTaskEvent()
	require.Error(t, err)
}

func TestMappedRegionDedup(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "amd64")
	require.NoError(t, err)
	defer w.Close()

	lib := record.MappedRegion{Name: "/lib/libx.so", Dev: 8, Inode: 42, Start: 0x1000, End: 0x3000}
	require.Equal(t, record.RecordInTrace, w.WriteMappedRegion(lib, 1, 2))
	require.Equal(t, record.DontRecordInTrace, w.WriteMappedRegion(lib, 1, 2))

	other := record.MappedRegion{Name: "/lib/liby.so", Dev: 8, Inode: 43}
	require.Equal(t, record.RecordInTrace, w.WriteMappedRegion(other, 1, 2))

	anon := record.MappedRegion{Name: "scratch for thread 7"}
	require.Equal(t, record.DontRecordInTrace, w.WriteMappedRegion(anon, 7, 0x22))
}
