// Layout interface and the sstriping/rain1 families. rainX lives in
// rainx.go. Grounded on original_source's vrt/layout tree's per-family
// split (sstriping/rain1/rainX each its own directory implementing a
// shared vtable) and, for the interface shape itself, on the
// teacher's domain.HandlerIface: one interface, several concrete
// types picked by a name tag.
package layout

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/exanodes/exanodes/assembly"
	"github.com/exanodes/exanodes/internal/exaerr"
	"github.com/exanodes/exanodes/internal/exatypes"
)

// Name identifies a layout family.
type Name string

const (
	SStriping Name = "sstriping"
	Rain1     Name = "rain1"
	RainX     Name = "rainx"
)

// Op is the kind of access being mapped.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

// ChunkAddr is one physical (disk, sector) location an I/O touches.
type ChunkAddr struct {
	Disk   exatypes.UUID
	Sector uint64
}

// Layout maps a slot-relative offset to physical locations and
// reports the family's redundancy properties (spec §4.8).
type Layout interface {
	Name() Name
	SUSizeSectors() uint64
	Redundancy() int
	NeedsDirtyZone() bool
	Map(slot *assembly.Slot, offsetInSlot uint64, op Op) ([]ChunkAddr, error)
	SerializeParams() []byte
	DeserializeParams(buf []byte) error
}

// StripingLayout is sstriping: width 1, identity map, no redundancy.
type StripingLayout struct {
	ChunkSizeSectors uint64
}

func NewStripingLayout(chunkSizeSectors uint64) *StripingLayout {
	return &StripingLayout{ChunkSizeSectors: chunkSizeSectors}
}

func (l *StripingLayout) Name() Name             { return SStriping }
func (l *StripingLayout) SUSizeSectors() uint64  { return l.ChunkSizeSectors }
func (l *StripingLayout) Redundancy() int        { return 0 }
func (l *StripingLayout) NeedsDirtyZone() bool   { return false }

func (l *StripingLayout) Map(slot *assembly.Slot, offsetInSlot uint64, op Op) ([]ChunkAddr, error) {
	if len(slot.Chunks) != 1 {
		return nil, exaerr.New(exaerr.Invalid, "sstriping slot has %d chunks, want 1", len(slot.Chunks))
	}
	if offsetInSlot >= l.ChunkSizeSectors {
		return nil, exaerr.New(exaerr.Invalid, "offset %d beyond slot of %d sectors", offsetInSlot, l.ChunkSizeSectors)
	}
	c := slot.Chunks[0]
	return []ChunkAddr{{Disk: c.Disk, Sector: uint64(c.Index)*l.ChunkSizeSectors + offsetInSlot}}, nil
}

func (l *StripingLayout) SerializeParams() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, l.ChunkSizeSectors)
	return buf
}

func (l *StripingLayout) DeserializeParams(buf []byte) error {
	if len(buf) != 8 {
		return exaerr.New(exaerr.Corruption, "sstriping params: want 8 bytes, got %d", len(buf))
	}
	l.ChunkSizeSectors = binary.LittleEndian.Uint64(buf)
	return nil
}

// Rain1Layout is a plain two-way mirror: reads load-balance across
// replicas by a hash of the sector, writes go to both (spec §4.8).
type Rain1Layout struct {
	ChunkSizeSectors uint64
}

func NewRain1Layout(chunkSizeSectors uint64) *Rain1Layout {
	return &Rain1Layout{ChunkSizeSectors: chunkSizeSectors}
}

func (l *Rain1Layout) Name() Name            { return Rain1 }
func (l *Rain1Layout) SUSizeSectors() uint64 { return l.ChunkSizeSectors }
func (l *Rain1Layout) Redundancy() int       { return 1 }
func (l *Rain1Layout) NeedsDirtyZone() bool  { return false }

func hashSector(sector uint64) uint32 {
	h := fnv.New32a()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], sector)
	_, _ = h.Write(buf[:])
	return h.Sum32()
}

func (l *Rain1Layout) Map(slot *assembly.Slot, offsetInSlot uint64, op Op) ([]ChunkAddr, error) {
	if len(slot.Chunks) != 2 {
		return nil, exaerr.New(exaerr.Invalid, "rain1 slot has %d chunks, want 2", len(slot.Chunks))
	}
	if offsetInSlot >= l.ChunkSizeSectors {
		return nil, exaerr.New(exaerr.Invalid, "offset %d beyond slot of %d sectors", offsetInSlot, l.ChunkSizeSectors)
	}

	addrOf := func(c assembly.ChunkRef) ChunkAddr {
		return ChunkAddr{Disk: c.Disk, Sector: uint64(c.Index)*l.ChunkSizeSectors + offsetInSlot}
	}

	if op == OpWrite {
		return []ChunkAddr{addrOf(slot.Chunks[0]), addrOf(slot.Chunks[1])}, nil
	}

	replica := hashSector(offsetInSlot) % 2
	return []ChunkAddr{addrOf(slot.Chunks[replica])}, nil
}

func (l *Rain1Layout) SerializeParams() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, l.ChunkSizeSectors)
	return buf
}

func (l *Rain1Layout) DeserializeParams(buf []byte) error {
	if len(buf) != 8 {
		return exaerr.New(exaerr.Corruption, "rain1 params: want 8 bytes, got %d", len(buf))
	}
	l.ChunkSizeSectors = binary.LittleEndian.Uint64(buf)
	return nil
}
