package sysdisk

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/exanodes/exanodes/blockdevice"
	"github.com/exanodes/exanodes/internal/exaerr"
	"github.com/exanodes/exanodes/internal/exatypes"
)

// fakeFile adapts an afero in-memory file to sysdisk's file interface;
// afero.File has no Fd(), so this stub returns 0 (sysdisk only calls Fd
// when flushing, which these tests avoid).
type fakeFile struct {
	afero.File
}

func (f fakeFile) Fd() uintptr { return 0 }

func newFakeDisk(t *testing.T, sectors uint64, access blockdevice.Access) *Disk {
	t.Helper()
	fs := afero.NewMemMapFs()
	f, err := fs.Create("disk0")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(sectors*blockdevice.SectorSize)))

	return Open("disk0", exatypes.NewUUID(), access, fakeFile{f}, sectors, 4, false)
}

func TestSysdiskReadWriteRoundTrip(t *testing.T) {
	d := newFakeDisk(t, 8, blockdevice.ReadWrite)
	want := []byte("0123456789abcdef")

	require.NoError(t, blockdevice.Write(d, want, 1, false))

	got := make([]byte, len(want))
	require.NoError(t, blockdevice.Read(d, got, 1))
	require.Equal(t, want, got)
}

func TestSysdiskRejectsOutOfRange(t *testing.T) {
	d := newFakeDisk(t, 1, blockdevice.ReadWrite)
	buf := make([]byte, blockdevice.SectorSize*2)
	err := blockdevice.Write(d, buf, 0, false)
	require.True(t, exaerr.Is(err, exaerr.Invalid))
}

func TestSysdiskRejectsOversizedTransfer(t *testing.T) {
	d := newFakeDisk(t, 1<<20, blockdevice.ReadWrite)
	buf := make([]byte, (MaxTransferPages+1)*d.pageSize)
	err := blockdevice.Write(d, buf, 0, false)
	require.True(t, exaerr.Is(err, exaerr.Invalid))
}

func TestSysdiskStickyLastError(t *testing.T) {
	d := newFakeDisk(t, 1, blockdevice.ReadWrite)
	require.False(t, d.LastError())

	// An out-of-range request is rejected before any I/O and latches
	// nothing; a write the backing file itself fails does.
	require.NoError(t, d.f.Close())
	buf := make([]byte, blockdevice.SectorSize)
	_ = blockdevice.Write(d, buf, 0, false)
	require.True(t, d.LastError())

	d.Activate()
	require.False(t, d.LastError())
}

func TestSysdiskCloseBusyWithPending(t *testing.T) {
	d := newFakeDisk(t, 1, blockdevice.ReadWrite)
	d.pending = 1
	err := d.Close()
	require.True(t, exaerr.Is(err, exaerr.Busy))
	d.pending = 0
}
