package superblock

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/exanodes/exanodes/blockdevice"
	"github.com/exanodes/exanodes/internal/exaerr"
	"github.com/exanodes/exanodes/internal/exatypes"
	"github.com/exanodes/exanodes/internal/exaversion"
)

func newDisk(t *testing.T) *blockdevice.MemDevice {
	t.Helper()
	return blockdevice.NewMemDevice("d0", blockdevice.ReadWrite, 600)
}

func sampleRecord(group, disk exatypes.UUID, generation uint64) *Record {
	return &Record{
		Version:   "2.1.4",
		GroupUUID: group,
		DiskUUID:  disk,
		NodeID:    3,
		LayoutTag: 1,
		Payload:   EncodePayloadGeneration(generation, []byte("slot table bytes")),
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	dev := newDisk(t)
	group, disk := exatypes.NewUUID(), exatypes.NewUUID()
	want := sampleRecord(group, disk, 1)

	require.NoError(t, Write(dev, want))

	got, err := Read(dev, group, "2.1.4")
	require.NoError(t, err)
	require.Equal(t, want.Version, got.Version)
	require.Equal(t, want.GroupUUID, got.GroupUUID)
	require.Equal(t, want.DiskUUID, got.DiskUUID)
	require.Equal(t, want.NodeID, got.NodeID)
	require.Equal(t, want.LayoutTag, got.LayoutTag)
	require.True(t, bytes.Equal(want.Payload, got.Payload))
	require.Equal(t, uint64(1), got.Generation())
}

func TestCopyAZeroedStillLoadsFromCopyB(t *testing.T) {
	dev := newDisk(t)
	group, disk := exatypes.NewUUID(), exatypes.NewUUID()
	want := sampleRecord(group, disk, 7)
	require.NoError(t, Write(dev, want))

	zeros := make([]byte, headerSize+len(want.Payload))
	require.NoError(t, blockdevice.Write(dev, zeros, CopyASector, false))

	got, err := Read(dev, group, "2.1.4")
	require.NoError(t, err)
	require.Equal(t, disk, got.DiskUUID)
}

func TestBothCopiesCorruptedFailsCorruption(t *testing.T) {
	dev := newDisk(t)
	group, disk := exatypes.NewUUID(), exatypes.NewUUID()
	require.NoError(t, Write(dev, sampleRecord(group, disk, 1)))

	zeros := make([]byte, headerSize)
	require.NoError(t, blockdevice.Write(dev, zeros, CopyASector, false))
	require.NoError(t, blockdevice.Write(dev, zeros, CopyBSector, false))

	_, err := Read(dev, group, "2.1.4")
	require.True(t, exaerr.Is(err, exaerr.Corruption))
}

func TestHigherGenerationCopyWins(t *testing.T) {
	dev := newDisk(t)
	group, disk := exatypes.NewUUID(), exatypes.NewUUID()

	buf, err := marshal(sampleRecord(group, disk, 5))
	require.NoError(t, err)
	require.NoError(t, blockdevice.Write(dev, buf, CopyASector, false))

	buf, err = marshal(sampleRecord(group, disk, 9))
	require.NoError(t, err)
	require.NoError(t, blockdevice.Write(dev, buf, CopyBSector, false))

	got, err := Read(dev, group, "2.1.4")
	require.NoError(t, err)
	require.Equal(t, uint64(9), got.Generation())
}

func TestCrossDiskGroupMismatchRejected(t *testing.T) {
	dev := newDisk(t)
	group, disk := exatypes.NewUUID(), exatypes.NewUUID()
	require.NoError(t, Write(dev, sampleRecord(group, disk, 1)))

	_, err := Read(dev, exatypes.NewUUID(), "2.1.4")
	require.True(t, exaerr.Is(err, exaerr.Corruption))
}

func TestIncompatibleMajorVersionRejected(t *testing.T) {
	dev := newDisk(t)
	group, disk := exatypes.NewUUID(), exatypes.NewUUID()
	require.NoError(t, Write(dev, sampleRecord(group, disk, 1)))

	_, err := Read(dev, group, "3.0.0")
	require.True(t, exaerr.Is(err, exaerr.Corruption))
}

func TestNilExpectedGroupSkipsGroupCheck(t *testing.T) {
	dev := newDisk(t)
	group, disk := exatypes.NewUUID(), exatypes.NewUUID()
	require.NoError(t, Write(dev, sampleRecord(group, disk, 1)))

	got, err := Read(dev, exatypes.NilUUID, "2.1.4")
	require.NoError(t, err)
	require.Equal(t, group, got.GroupUUID)
}

func TestVersionComponentOutOfRangeFailsInvalid(t *testing.T) {
	_, err := marshal(&Record{Version: exaversion.Version("2.1.999")})
	require.True(t, exaerr.Is(err, exaerr.Invalid))
}
