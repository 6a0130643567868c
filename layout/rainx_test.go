package layout

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/exanodes/exanodes/assembly"
	"github.com/exanodes/exanodes/internal/exatypes"
)

func rainxSlot(width int) *assembly.Slot {
	chunks := make([]assembly.ChunkRef, width)
	for i := range chunks {
		chunks[i] = assembly.ChunkRef{Disk: exatypes.NewUUID(), Index: uint32(i + 1)}
	}
	return &assembly.Slot{Chunks: chunks}
}

func TestNewRainXLayoutRejectsNarrowWidth(t *testing.T) {
	_, err := NewRainXLayout(2, 4, 16)
	require.Error(t, err)
}

func TestRainXLayoutMapComputesStripedSector(t *testing.T) {
	l, err := NewRainXLayout(3, 4, 16)
	require.NoError(t, err)
	slot := rainxSlot(3)

	addrs, err := l.Map(slot, 10, OpRead)
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	require.Equal(t, slot.Chunks[0].Disk, addrs[0].Disk)
	require.Equal(t, uint64(1*16+6), addrs[0].Sector)
}

func TestRainXLayoutParitySector(t *testing.T) {
	l, err := NewRainXLayout(3, 4, 16)
	require.NoError(t, err)
	slot := rainxSlot(3)

	addr, err := l.ParitySector(slot, 10)
	require.NoError(t, err)
	require.Equal(t, slot.Chunks[2].Disk, addr.Disk)
	require.Equal(t, uint64(3*16+4), addr.Sector)
}

func TestRainXLayoutMapRejectsWrongChunkCount(t *testing.T) {
	l, err := NewRainXLayout(3, 4, 16)
	require.NoError(t, err)
	_, err = l.Map(rainxSlot(4), 0, OpRead)
	require.Error(t, err)
}

func TestRainXParityEncodeAndReconstruct(t *testing.T) {
	l, err := NewRainXLayout(3, 4, 16)
	require.NoError(t, err)

	dataShards := [][]byte{
		{1, 2, 3, 4},
		{5, 6, 7, 8},
	}
	parity, err := l.UpdateParity(dataShards)
	require.NoError(t, err)
	require.Len(t, parity, 4)

	shards := [][]byte{dataShards[0], dataShards[1], parity}
	rebuilt, err := l.ReconstructChunk(shards, 0)
	require.NoError(t, err)
	require.Equal(t, dataShards[0], rebuilt)

	rebuiltParity, err := l.ReconstructChunk(shards, 2)
	require.NoError(t, err)
	require.Equal(t, parity, rebuiltParity)
}

func TestRainXLayoutParamsRoundTrip(t *testing.T) {
	l, err := NewRainXLayout(5, 8, 64)
	require.NoError(t, err)

	var got RainXLayout
	require.NoError(t, got.DeserializeParams(l.SerializeParams()))
	require.Equal(t, l.Width, got.Width)
	require.Equal(t, l.SUSectors, got.SUSectors)
	require.Equal(t, l.ChunkSizeSectors, got.ChunkSizeSectors)
}

func TestRainXLayoutRedundancyAndDirtyZone(t *testing.T) {
	l, err := NewRainXLayout(3, 4, 16)
	require.NoError(t, err)
	require.Equal(t, 1, l.Redundancy())
	require.True(t, l.NeedsDirtyZone())
}

func TestDirtyZoneMarkAndResync(t *testing.T) {
	z := NewDirtyZone("test-vol", 100, 10)
	require.Equal(t, 10, z.ZoneCount())
	require.Equal(t, TagBlank, z.Tag(2))

	z.Mark(25)
	require.True(t, z.IsDirty(25))
	require.False(t, z.IsDirty(35))
	require.ElementsMatch(t, []uint64{2}, z.DirtyZones())

	z.Resync(2)
	require.False(t, z.IsDirty(25))
	require.Equal(t, TagZero, z.Tag(2))
	require.Empty(t, z.DirtyZones())
}
