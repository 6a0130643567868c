// rainX: width >= 3, single-parity redundancy over a row of data
// chunks, parity computed via Reed-Solomon instead of hand-rolled XOR
// (grounded on ghjramos-aistore/ec/ec.go's data/parity slice model).
// Degraded reads and post-failure recovery re-sync only the zones a
// DirtyZone bitmap has marked, using the SyncTag algebra in
// synctag.go to tell a stale zone copy from a resynced one.
package layout

import (
	"encoding/binary"
	"sync"

	"github.com/klauspost/reedsolomon"

	"github.com/exanodes/exanodes/assembly"
	"github.com/exanodes/exanodes/internal/exaerr"
)

// DirtyZone tracks, per fixed-size zone of a rainX slot, whether a
// write has landed there since the last re-sync, plus that zone's
// sync tag (spec §4.8: writes are "latched" into a dirty-zone bitmap
// and batched, rather than flushing parity metadata per sector).
type DirtyZone struct {
	mu              sync.Mutex
	name            string
	zoneSizeSectors uint64
	bits            []bool
	tags            []SyncTag
}

// NewDirtyZone allocates a zone bitmap covering totalSectors in
// zoneSizeSectors-sized zones. name identifies the owning volume on
// the rebuild-progress gauge (spec §6's "rebuild progress").
func NewDirtyZone(name string, totalSectors, zoneSizeSectors uint64) *DirtyZone {
	n := (totalSectors + zoneSizeSectors - 1) / zoneSizeSectors
	tags := make([]SyncTag, n)
	for i := range tags {
		tags[i] = TagBlank
	}
	z := &DirtyZone{name: name, zoneSizeSectors: zoneSizeSectors, bits: make([]bool, n), tags: tags}
	rebuildZonesRemaining.WithLabelValues(name).Set(0)
	return z
}

func (z *DirtyZone) zoneOf(sector uint64) uint64 { return sector / z.zoneSizeSectors }

// Mark flags the zone covering sector dirty, ahead of a write that
// touches it.
func (z *DirtyZone) Mark(sector uint64) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.bits[z.zoneOf(sector)] = true
	z.publishLocked()
}

// IsDirty reports whether the zone covering sector is marked.
func (z *DirtyZone) IsDirty(sector uint64) bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.bits[z.zoneOf(sector)]
}

// Resync clears zone idx's dirty mark and advances its sync tag.
func (z *DirtyZone) Resync(idx uint64) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.bits[idx] = false
	z.tags[idx] = TagInc(z.tags[idx])
	z.publishLocked()
}

// publishLocked updates the rebuild-progress gauge with the zone
// count still dirty. Caller holds z.mu.
func (z *DirtyZone) publishLocked() {
	remaining := 0
	for _, dirty := range z.bits {
		if dirty {
			remaining++
		}
	}
	rebuildZonesRemaining.WithLabelValues(z.name).Set(float64(remaining))
}

// Tag returns zone idx's current sync tag.
func (z *DirtyZone) Tag(idx uint64) SyncTag {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.tags[idx]
}

// DirtyZones returns the indices of every zone a resumed rebuild must
// re-sync.
func (z *DirtyZone) DirtyZones() []uint64 {
	z.mu.Lock()
	defer z.mu.Unlock()
	var out []uint64
	for i, dirty := range z.bits {
		if dirty {
			out = append(out, uint64(i))
		}
	}
	return out
}

// ZoneCount reports the number of zones tracked.
func (z *DirtyZone) ZoneCount() int {
	z.mu.Lock()
	defer z.mu.Unlock()
	return len(z.bits)
}

// RainXLayout is a RAID5-like single-parity scheme: Width-1 data
// chunks plus one parity chunk per slot, striped in SU-sized units.
type RainXLayout struct {
	Width            int
	SUSectors        uint64
	ChunkSizeSectors uint64
}

// Redundant is implemented by layouts whose writes must read-modify-
// write a parity chunk and mark a dirty zone for later re-sync
// (currently only RainX). volume.Volume type-asserts a Layout against
// this to decide whether a write needs the extra round trip.
type Redundant interface {
	Layout
	DataChunkCount() int
	DataAddr(slot *assembly.Slot, stripeIdx uint64, dataIdx int) (ChunkAddr, error)
	ParitySector(slot *assembly.Slot, offsetInSlot uint64) (ChunkAddr, error)
	UpdateParity(dataShards [][]byte) ([]byte, error)
	ReconstructChunk(shards [][]byte, missing int) ([]byte, error)
}

func NewRainXLayout(width int, suSectors, chunkSizeSectors uint64) (*RainXLayout, error) {
	if width < 3 {
		return nil, exaerr.New(exaerr.Invalid, "rainX width must be >= 3, got %d", width)
	}
	return &RainXLayout{Width: width, SUSectors: suSectors, ChunkSizeSectors: chunkSizeSectors}, nil
}

func (l *RainXLayout) Name() Name            { return RainX }
func (l *RainXLayout) SUSizeSectors() uint64 { return l.SUSectors }
func (l *RainXLayout) Redundancy() int       { return 1 }
func (l *RainXLayout) NeedsDirtyZone() bool  { return true }

func (l *RainXLayout) dataChunks() int { return l.Width - 1 }

// DataChunkCount is dataChunks exported for volume's Redundant write path.
func (l *RainXLayout) DataChunkCount() int { return l.dataChunks() }

// DataAddr returns the address of data chunk dataIdx within the stripe
// at stripeIdx, the counterpart to Map used when a caller (the parity
// read-modify-write, degraded-read reconstruction) already knows which
// stripe and chunk it needs rather than an offset to resolve.
func (l *RainXLayout) DataAddr(slot *assembly.Slot, stripeIdx uint64, dataIdx int) (ChunkAddr, error) {
	if len(slot.Chunks) != l.Width {
		return ChunkAddr{}, exaerr.New(exaerr.Invalid, "rainX slot has %d chunks, want %d", len(slot.Chunks), l.Width)
	}
	if dataIdx < 0 || dataIdx >= l.dataChunks() {
		return ChunkAddr{}, exaerr.New(exaerr.Invalid, "rainX data index %d out of range", dataIdx)
	}
	c := slot.Chunks[dataIdx]
	sector := uint64(c.Index)*l.ChunkSizeSectors + stripeIdx*l.SUSectors
	return ChunkAddr{Disk: c.Disk, Sector: sector}, nil
}

// Map locates offsetInSlot within the slot's striping: a stripe spans
// SUSectors*dataChunks sectors split SU-wide across the data chunks;
// the parity chunk (the slot's last chunk) is addressed separately via
// UpdateParity/ReconstructChunk, not through Map.
func (l *RainXLayout) Map(slot *assembly.Slot, offsetInSlot uint64, op Op) ([]ChunkAddr, error) {
	if len(slot.Chunks) != l.Width {
		return nil, exaerr.New(exaerr.Invalid, "rainX slot has %d chunks, want %d", len(slot.Chunks), l.Width)
	}
	stripeSectors := l.SUSectors * uint64(l.dataChunks())
	stripeIdx := offsetInSlot / stripeSectors
	offInStripe := offsetInSlot % stripeSectors
	dataIdx := int(offInStripe / l.SUSectors)
	offInSU := offInStripe % l.SUSectors

	c := slot.Chunks[dataIdx]
	sector := uint64(c.Index)*l.ChunkSizeSectors + stripeIdx*l.SUSectors + offInSU
	return []ChunkAddr{{Disk: c.Disk, Sector: sector}}, nil
}

// ParitySector returns the parity chunk's address for the stripe
// covering offsetInSlot.
func (l *RainXLayout) ParitySector(slot *assembly.Slot, offsetInSlot uint64) (ChunkAddr, error) {
	if len(slot.Chunks) != l.Width {
		return ChunkAddr{}, exaerr.New(exaerr.Invalid, "rainX slot has %d chunks, want %d", len(slot.Chunks), l.Width)
	}
	stripeSectors := l.SUSectors * uint64(l.dataChunks())
	stripeIdx := offsetInSlot / stripeSectors
	p := slot.Chunks[l.Width-1]
	return ChunkAddr{Disk: p.Disk, Sector: uint64(p.Index)*l.ChunkSizeSectors + stripeIdx*l.SUSectors}, nil
}

// UpdateParity recomputes the parity shard for one stripe given the
// full set of data shards (dataShards[i] is SUSectors-sectors-worth of
// bytes for data chunk i, with the write already applied to whichever
// shard changed).
func (l *RainXLayout) UpdateParity(dataShards [][]byte) ([]byte, error) {
	enc, err := reedsolomon.New(l.dataChunks(), 1)
	if err != nil {
		return nil, exaerr.New(exaerr.Internal, "rainX reed-solomon setup: %v", err)
	}
	shards := make([][]byte, l.Width)
	copy(shards, dataShards)
	shards[l.Width-1] = make([]byte, len(dataShards[0]))
	if err := enc.Encode(shards); err != nil {
		return nil, exaerr.New(exaerr.Internal, "rainX parity encode: %v", err)
	}
	return shards[l.Width-1], nil
}

// ReconstructChunk rebuilds the chunk at index missing (0..Width-1,
// Width-1 being parity) from the surviving shards. shards[missing] is
// ignored on entry.
func (l *RainXLayout) ReconstructChunk(shards [][]byte, missing int) ([]byte, error) {
	enc, err := reedsolomon.New(l.dataChunks(), 1)
	if err != nil {
		return nil, exaerr.New(exaerr.Internal, "rainX reed-solomon setup: %v", err)
	}
	work := make([][]byte, l.Width)
	copy(work, shards)
	work[missing] = nil
	if err := enc.Reconstruct(work); err != nil {
		return nil, exaerr.New(exaerr.NotEnoughDevices, "rainX reconstruct: %v", err)
	}
	return work[missing], nil
}

func (l *RainXLayout) SerializeParams() []byte {
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(l.Width))
	binary.LittleEndian.PutUint64(buf[4:12], l.SUSectors)
	binary.LittleEndian.PutUint64(buf[12:20], l.ChunkSizeSectors)
	return buf
}

func (l *RainXLayout) DeserializeParams(buf []byte) error {
	if len(buf) != 20 {
		return exaerr.New(exaerr.Corruption, "rainX params: want 20 bytes, got %d", len(buf))
	}
	width := binary.LittleEndian.Uint32(buf[0:4])
	if width < 3 {
		return exaerr.New(exaerr.Corruption, "rainX params: width %d < 3", width)
	}
	l.Width = int(width)
	l.SUSectors = binary.LittleEndian.Uint64(buf[4:12])
	l.ChunkSizeSectors = binary.LittleEndian.Uint64(buf[12:20])
	return nil
}
