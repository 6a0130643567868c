package layout

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/exanodes/exanodes/assembly"
	"github.com/exanodes/exanodes/internal/exatypes"
)

func oneChunkSlot() *assembly.Slot {
	return &assembly.Slot{Chunks: []assembly.ChunkRef{{Disk: exatypes.NewUUID(), Index: 3}}}
}

func twoChunkSlot() *assembly.Slot {
	return &assembly.Slot{Chunks: []assembly.ChunkRef{
		{Disk: exatypes.NewUUID(), Index: 1},
		{Disk: exatypes.NewUUID(), Index: 2},
	}}
}

func TestStripingLayoutMap(t *testing.T) {
	l := NewStripingLayout(100)
	slot := oneChunkSlot()

	addrs, err := l.Map(slot, 42, OpRead)
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	require.Equal(t, slot.Chunks[0].Disk, addrs[0].Disk)
	require.Equal(t, uint64(3*100+42), addrs[0].Sector)
}

func TestStripingLayoutMapRejectsWrongChunkCount(t *testing.T) {
	l := NewStripingLayout(100)
	_, err := l.Map(twoChunkSlot(), 0, OpRead)
	require.Error(t, err)
}

func TestStripingLayoutMapRejectsOutOfRangeOffset(t *testing.T) {
	l := NewStripingLayout(100)
	_, err := l.Map(oneChunkSlot(), 100, OpRead)
	require.Error(t, err)
}

func TestStripingLayoutParamsRoundTrip(t *testing.T) {
	l := NewStripingLayout(777)
	var got StripingLayout
	require.NoError(t, got.DeserializeParams(l.SerializeParams()))
	require.Equal(t, l.ChunkSizeSectors, got.ChunkSizeSectors)
}

func TestRain1LayoutWriteGoesToBothReplicas(t *testing.T) {
	l := NewRain1Layout(50)
	slot := twoChunkSlot()

	addrs, err := l.Map(slot, 10, OpWrite)
	require.NoError(t, err)
	require.Len(t, addrs, 2)
	require.Equal(t, slot.Chunks[0].Disk, addrs[0].Disk)
	require.Equal(t, slot.Chunks[1].Disk, addrs[1].Disk)
}

func TestRain1LayoutReadPicksOneReplicaDeterministically(t *testing.T) {
	l := NewRain1Layout(50)
	slot := twoChunkSlot()

	a1, err := l.Map(slot, 17, OpRead)
	require.NoError(t, err)
	a2, err := l.Map(slot, 17, OpRead)
	require.NoError(t, err)
	require.Len(t, a1, 1)
	require.Equal(t, a1, a2, "same sector must hash to the same replica every time")
}

func TestRain1LayoutReadLoadBalancesAcrossReplicas(t *testing.T) {
	l := NewRain1Layout(10000)
	slot := twoChunkSlot()

	seen := map[exatypes.UUID]bool{}
	for s := uint64(0); s < 64; s++ {
		addrs, err := l.Map(slot, s, OpRead)
		require.NoError(t, err)
		seen[addrs[0].Disk] = true
	}
	require.Len(t, seen, 2, "64 distinct sectors should eventually hit both replicas")
}

func TestRain1LayoutMapRejectsWrongChunkCount(t *testing.T) {
	l := NewRain1Layout(50)
	_, err := l.Map(oneChunkSlot(), 0, OpRead)
	require.Error(t, err)
}

func TestRain1LayoutParamsRoundTrip(t *testing.T) {
	l := NewRain1Layout(321)
	var got Rain1Layout
	require.NoError(t, got.DeserializeParams(l.SerializeParams()))
	require.Equal(t, l.ChunkSizeSectors, got.ChunkSizeSectors)
}

func TestRedundancyAndDirtyZoneFlags(t *testing.T) {
	require.Equal(t, 0, NewStripingLayout(1).Redundancy())
	require.False(t, NewStripingLayout(1).NeedsDirtyZone())

	require.Equal(t, 1, NewRain1Layout(1).Redundancy())
	require.False(t, NewRain1Layout(1).NeedsDirtyZone())
}
