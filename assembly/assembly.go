// Package assembly owns per-disk chunk allocation, SPOF-aware slot
// placement, and assembly-volume slot arrays (C7, spec §4.7). Resize
// is grounded on original_source's
// vrt/assembly/src/assembly_volume.c:assembly_volume_resize
// (allocate-a-new-array, populate-or-release-the-tail) and
// (de)serialization on assembly_volume_serialize/deserialize, with
// per-slot marshaling fanned out via errgroup the way
// ghjramos-aistore fans out independent per-object work.
package assembly

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/exanodes/exanodes/blockdevice/stream"
	"github.com/exanodes/exanodes/internal/exaerr"
	"github.com/exanodes/exanodes/internal/exatypes"
)

// ChunkAllocator is a per-disk stack of free chunk indices: Allocate
// pops, Release pushes, and Allocate on an empty stack fails NoSpace.
type ChunkAllocator struct {
	sync.RWMutex

	disk exatypes.UUID
	free []uint32
}

// NewChunkAllocator builds an allocator owning chunkCount chunks,
// indices 0..chunkCount-1, all initially free.
func NewChunkAllocator(disk exatypes.UUID, chunkCount uint32) *ChunkAllocator {
	free := make([]uint32, chunkCount)
	for i := range free {
		free[i] = chunkCount - 1 - uint32(i)
	}
	return &ChunkAllocator{disk: disk, free: free}
}

// Allocate pops one free chunk index.
func (a *ChunkAllocator) Allocate() (uint32, error) {
	a.Lock()
	defer a.Unlock()
	if len(a.free) == 0 {
		return 0, exaerr.New(exaerr.NoSpace, "no free chunks on disk %s", a.disk)
	}
	idx := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	return idx, nil
}

// Release pushes idx back onto the free stack.
func (a *ChunkAllocator) Release(idx uint32) {
	a.Lock()
	defer a.Unlock()
	a.free = append(a.free, idx)
}

// FreeCount reports the number of chunks currently free.
func (a *ChunkAllocator) FreeCount() int {
	a.RLock()
	defer a.RUnlock()
	return len(a.free)
}

// Disk is one disk participating in slot allocation.
type Disk struct {
	UUID      exatypes.UUID
	SpofGroup exatypes.SpofGroupID
	Allocator *ChunkAllocator
}

// ChunkRef names one chunk of a slot: the disk carrying it and its
// index within that disk's allocator.
type ChunkRef struct {
	Disk  exatypes.UUID
	Index uint32
}

// Slot is `width` chunks, each on a disk from a distinct SPOF group.
type Slot struct {
	Chunks []ChunkRef
}

// Storage is the set of disks a group assembles volumes across, and
// the SPOF-group usage counters slot allocation balances against.
type Storage struct {
	sync.RWMutex

	disks      map[exatypes.UUID]*Disk
	groups     map[exatypes.SpofGroupID][]*Disk
	groupUsage map[exatypes.SpofGroupID]uint64
}

// NewStorage indexes disks by UUID and by SPOF group.
func NewStorage(disks []*Disk) *Storage {
	s := &Storage{
		disks:      make(map[exatypes.UUID]*Disk, len(disks)),
		groups:     make(map[exatypes.SpofGroupID][]*Disk),
		groupUsage: make(map[exatypes.SpofGroupID]uint64),
	}
	for _, d := range disks {
		s.disks[d.UUID] = d
		s.groups[d.SpofGroup] = append(s.groups[d.SpofGroup], d)
	}
	for g, ds := range s.groups {
		sort.Slice(ds, func(i, j int) bool {
			return lessUUID(ds[i].UUID, ds[j].UUID)
		})
		s.groups[g] = ds
	}
	return s
}

func lessUUID(a, b exatypes.UUID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// GroupUsage reports the number of chunks currently allocated from
// SPOF group g (AllocateSlot increments it, releasing a slot
// decrements it), the load-balancing metric AllocateSlot minimizes the
// maximum of.
func (s *Storage) GroupUsage(g exatypes.SpofGroupID) uint64 {
	s.RLock()
	defer s.RUnlock()
	return s.groupUsage[g]
}

func (s *Storage) groupHasFreeChunk(g exatypes.SpofGroupID) bool {
	for _, d := range s.groups[g] {
		if d.Allocator.FreeCount() > 0 {
			return true
		}
	}
	return false
}

func (s *Storage) pickDiskInGroup(g exatypes.SpofGroupID) (*Disk, error) {
	for _, d := range s.groups[g] {
		if d.Allocator.FreeCount() > 0 {
			return d, nil
		}
	}
	return nil, exaerr.New(exaerr.LayoutConstraintsInfringed, "no disk with a free chunk in SPOF group %d", g)
}

// AllocateSlot picks width disks from distinct SPOF groups, favoring
// the groups with the lowest current usage so no single group is
// driven to exhaustion first, ties broken by ascending SPOF-group id
// then disk UUID for deterministic test behavior (spec §4.7). It
// fails LayoutConstraintsInfringed if fewer than width groups have
// any free chunk, or if allocation from a chosen group fails midway
// (already-allocated chunks are released before returning).
func (s *Storage) AllocateSlot(width int) (*Slot, error) {
	s.Lock()
	defer s.Unlock()

	var candidates []exatypes.SpofGroupID
	for g := range s.groups {
		if s.groupHasFreeChunk(g) {
			candidates = append(candidates, g)
		}
	}
	if len(candidates) < width {
		return nil, exaerr.New(exaerr.LayoutConstraintsInfringed,
			"only %d of %d required SPOF groups have a free chunk", len(candidates), width)
	}

	sort.Slice(candidates, func(i, j int) bool {
		ui, uj := s.groupUsage[candidates[i]], s.groupUsage[candidates[j]]
		if ui != uj {
			return ui < uj
		}
		return candidates[i] < candidates[j]
	})
	chosen := candidates[:width]

	chunks := make([]ChunkRef, 0, width)
	for _, g := range chosen {
		d, err := s.pickDiskInGroup(g)
		if err != nil {
			s.releaseChunksLocked(chunks)
			return nil, err
		}
		idx, err := d.Allocator.Allocate()
		if err != nil {
			s.releaseChunksLocked(chunks)
			return nil, exaerr.New(exaerr.LayoutConstraintsInfringed, "%v", err)
		}
		chunks = append(chunks, ChunkRef{Disk: d.UUID, Index: idx})
		s.groupUsage[g]++
	}

	return &Slot{Chunks: chunks}, nil
}

// ReleaseSlot returns every chunk of slot to its disk's allocator.
func (s *Storage) ReleaseSlot(slot *Slot) {
	s.Lock()
	defer s.Unlock()
	s.releaseChunksLocked(slot.Chunks)
}

func (s *Storage) releaseChunksLocked(chunks []ChunkRef) {
	for _, c := range chunks {
		d, ok := s.disks[c.Disk]
		if !ok {
			continue
		}
		d.Allocator.Release(c.Index)
		if s.groupUsage[d.SpofGroup] > 0 {
			s.groupUsage[d.SpofGroup]--
		}
	}
}

// SlotSizeSectors is the number of volume sectors one slot spans:
// width*chunkSizeSectors for sstriping (parity=0), or
// (width-parity)*chunkSizeSectors for rainX (spec §4.7).
func SlotSizeSectors(width, parity int, chunkSizeSectors uint64) uint64 {
	return uint64(width-parity) * chunkSizeSectors
}

// Volume is an assembly volume: an ordered, resizable array of slots
// all of the same width, each one SPOF-constrained chunk set (spec
// §4.7, §4.9).
type Volume struct {
	sync.RWMutex

	UUID      exatypes.UUID
	storage   *Storage
	width     int
	slots     []*Slot
	refCounts []int32
	resizing  bool
}

// NewVolume creates an empty (zero-slot) assembly volume.
func NewVolume(uuid exatypes.UUID, storage *Storage, width int) *Volume {
	return &Volume{UUID: uuid, storage: storage, width: width}
}

// SlotCount returns the current number of slots.
func (v *Volume) SlotCount() int {
	v.RLock()
	defer v.RUnlock()
	return len(v.slots)
}

// Slot returns the slot at idx.
func (v *Volume) Slot(idx int) *Slot {
	v.RLock()
	defer v.RUnlock()
	return v.slots[idx]
}

// Width returns the volume's slot width.
func (v *Volume) Width() int { return v.width }

// BeginIO marks slot idx as touched by an in-flight I/O, so a
// concurrent shrink below idx+1 must fail Busy. EndIO releases that
// mark; callers (the C9 volume splitter) must pair every BeginIO with
// exactly one EndIO.
func (v *Volume) BeginIO(idx int) {
	v.RLock()
	defer v.RUnlock()
	atomic.AddInt32(&v.refCounts[idx], 1)
}

// EndIO is the completion counterpart of BeginIO.
func (v *Volume) EndIO(idx int) {
	v.RLock()
	defer v.RUnlock()
	atomic.AddInt32(&v.refCounts[idx], -1)
}

// Resize grows or shrinks the volume to newSlotCount, failing Busy if
// a resize is already running on this volume (spec §4.7:
// "at-most-one-resize-per-volume").
func (v *Volume) Resize(newSlotCount int) error {
	v.Lock()
	if v.resizing {
		v.Unlock()
		return exaerr.New(exaerr.Busy, "resize already in progress on volume %s", v.UUID)
	}
	v.resizing = true
	old := len(v.slots)
	v.Unlock()

	defer func() {
		v.Lock()
		v.resizing = false
		v.Unlock()
	}()

	switch {
	case newSlotCount == old:
		return nil
	case newSlotCount > old:
		return v.grow(old, newSlotCount)
	default:
		return v.shrink(newSlotCount, old)
	}
}

// grow allocates the slots missing between old and new, releasing
// whatever it already allocated if any single allocation fails (spec
// §4.7: "on any failure release what has been allocated").
func (v *Volume) grow(old, new int) error {
	added := make([]*Slot, 0, new-old)
	for i := old; i < new; i++ {
		slot, err := v.storage.AllocateSlot(v.width)
		if err != nil {
			for _, s := range added {
				v.storage.ReleaseSlot(s)
			}
			code := exaerr.NoSpace
			if exaerr.Is(err, exaerr.LayoutConstraintsInfringed) {
				code = exaerr.NotEnoughDevices
			}
			return exaerr.New(code, "grow volume %s to %d slots: %v", v.UUID, new, err)
		}
		added = append(added, slot)
	}

	v.Lock()
	v.slots = append(v.slots, added...)
	v.refCounts = append(v.refCounts, make([]int32, len(added))...)
	v.Unlock()
	return nil
}

// shrink releases the slots beyond newCount, refusing if any of them
// is provably in use by a running I/O (spec §4.7: "only the suffix
// beyond the new size may be released, and only if ... unused").
func (v *Volume) shrink(newCount, old int) error {
	v.Lock()
	tail := append([]*Slot(nil), v.slots[newCount:old]...)
	tailRefs := append([]int32(nil), v.refCounts[newCount:old]...)
	v.Unlock()

	for i, rc := range tailRefs {
		if atomic.LoadInt32(&rc) != 0 {
			return exaerr.New(exaerr.Busy, "slot %d of volume %s has I/O in flight", newCount+i, v.UUID)
		}
	}

	for _, s := range tail {
		v.storage.ReleaseSlot(s)
	}

	v.Lock()
	v.slots = v.slots[:newCount]
	v.refCounts = v.refCounts[:newCount]
	v.Unlock()
	return nil
}

// MapSector maps a volume-relative sector to its slot index and
// offset within that slot (spec §4.7, mirroring original_source's
// assembly_volume_map_sector_to_slot).
func (v *Volume) MapSector(vsector, slotSizeSectors uint64) (int, uint64, error) {
	v.RLock()
	defer v.RUnlock()

	total := uint64(len(v.slots)) * slotSizeSectors
	if vsector >= total {
		return 0, 0, exaerr.New(exaerr.Invalid, "sector %d out of range (volume %s has %d sectors)", vsector, v.UUID, total)
	}
	idx := vsector / slotSizeSectors
	return int(idx), vsector % slotSizeSectors, nil
}

const volumeHeaderSize = 4 + 4 + 8 // magic, width, total_slot_count
const volumeHeaderMagic uint32 = 0x41560001
const chunkRefSize = 16 + 4 // disk uuid, index

func slotSerializedSize(width int) int {
	return 4 + width*chunkRefSize
}

func marshalSlot(s *Slot) []byte {
	buf := make([]byte, 4+len(s.Chunks)*chunkRefSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(s.Chunks)))
	for i, c := range s.Chunks {
		off := 4 + i*chunkRefSize
		copy(buf[off:off+16], c.Disk[:])
		binary.LittleEndian.PutUint32(buf[off+16:off+20], c.Index)
	}
	return buf
}

func unmarshalSlot(buf []byte) (*Slot, error) {
	if len(buf) < 4 {
		return nil, exaerr.New(exaerr.Corruption, "short slot record")
	}
	n := int(binary.LittleEndian.Uint32(buf[0:4]))
	if want := 4 + n*chunkRefSize; len(buf) != want {
		return nil, exaerr.New(exaerr.Corruption, "slot record size mismatch: have %d, want %d", len(buf), want)
	}
	chunks := make([]ChunkRef, n)
	for i := range chunks {
		off := 4 + i*chunkRefSize
		var disk exatypes.UUID
		copy(disk[:], buf[off:off+16])
		chunks[i] = ChunkRef{Disk: disk, Index: binary.LittleEndian.Uint32(buf[off+16 : off+20])}
	}
	return &Slot{Chunks: chunks}, nil
}

// Serialize writes the volume's header and every slot to s. Slots are
// independent fixed-size records, so their marshaling is fanned out
// across an errgroup before the (necessarily sequential) writes to
// the stream.
func (v *Volume) Serialize(s *stream.Stream) error {
	v.RLock()
	slots := append([]*Slot(nil), v.slots...)
	width := v.width
	v.RUnlock()

	hdr := make([]byte, volumeHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], volumeHeaderMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(width))
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(len(slots)))
	if _, err := s.Write(hdr); err != nil {
		return err
	}

	bufs := make([][]byte, len(slots))
	g, _ := errgroup.WithContext(context.Background())
	for i, slot := range slots {
		i, slot := i, slot
		g.Go(func() error {
			bufs[i] = marshalSlot(slot)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, b := range bufs {
		if _, err := s.Write(b); err != nil {
			return err
		}
	}
	return s.Flush()
}

// Deserialize reads back a volume previously written by Serialize.
func Deserialize(uuid exatypes.UUID, storage *Storage, s *stream.Stream) (*Volume, error) {
	hdr := make([]byte, volumeHeaderSize)
	n, err := s.Read(hdr)
	if err != nil {
		return nil, err
	}
	if n != volumeHeaderSize {
		return nil, exaerr.New(exaerr.Corruption, "short assembly volume header (%d of %d bytes)", n, volumeHeaderSize)
	}
	if magic := binary.LittleEndian.Uint32(hdr[0:4]); magic != volumeHeaderMagic {
		return nil, exaerr.New(exaerr.Corruption, "bad assembly volume magic 0x%08x", magic)
	}
	width := int(binary.LittleEndian.Uint32(hdr[4:8]))
	count := int(binary.LittleEndian.Uint64(hdr[8:16]))

	raw := make([][]byte, count)
	recSize := slotSerializedSize(width)
	for i := range raw {
		b := make([]byte, recSize)
		rn, err := s.Read(b)
		if err != nil {
			return nil, err
		}
		if rn != recSize {
			return nil, exaerr.New(exaerr.Corruption, "short slot record %d (%d of %d bytes)", i, rn, recSize)
		}
		raw[i] = b
	}

	slots := make([]*Slot, count)
	g, _ := errgroup.WithContext(context.Background())
	for i, b := range raw {
		i, b := i, b
		g.Go(func() error {
			slot, err := unmarshalSlot(b)
			if err != nil {
				return err
			}
			slots[i] = slot
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &Volume{
		UUID:      uuid,
		storage:   storage,
		width:     width,
		slots:     slots,
		refCounts: make([]int32, count),
	}, nil
}
