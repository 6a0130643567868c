// Package volume implements the C9 volume block device: a
// blockdevice.Device facade stacked over one assembly volume and one
// layout, splitting every I/O at stripe-unit boundaries and fanning
// the resulting sub-I/Os out across disks with a bounded pool for
// back-pressure (spec §4.9). Grounded on original_source's
// blockdevice/src/blockdevice.c submit/end_io pairing for the
// completion contract, nbdlist for the bounded pool spec §4.9 calls
// for, and golang.org/x/sync/errgroup (as assembly already uses it)
// for concurrent sub-I/O fan-out/fan-in.
package volume

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/exanodes/exanodes/assembly"
	"github.com/exanodes/exanodes/blockdevice"
	"github.com/exanodes/exanodes/internal/exaerr"
	"github.com/exanodes/exanodes/internal/exatypes"
	"github.com/exanodes/exanodes/layout"
)

// DefaultMaxInFlight bounds the number of sub-I/Os one volume will
// have outstanding against its disks at once.
const DefaultMaxInFlight = 32

// Volume is the assembled, laid-out block device an initiator (out of
// scope) would mount. It implements blockdevice.Device.
type Volume struct {
	name            string
	access          blockdevice.Access
	assemblyVol     *assembly.Volume
	layout          layout.Layout
	redundant       layout.Redundant
	devices         map[exatypes.UUID]blockdevice.Device
	slotSizeSectors uint64
	zones           *layout.DirtyZone
	pool            *pool
}

// New builds a volume block device over assemblyVol, mapped through
// lay, with physical I/O issued against devices (keyed by disk UUID).
// When lay needs a dirty-zone tracker (rainX), one is allocated sized
// to the volume's current data-sector range.
func New(name string, access blockdevice.Access, assemblyVol *assembly.Volume, lay layout.Layout, devices map[exatypes.UUID]blockdevice.Device, slotSizeSectors uint64, maxInFlight int) *Volume {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	v := &Volume{
		name:            name,
		access:          access,
		assemblyVol:     assemblyVol,
		layout:          lay,
		devices:         devices,
		slotSizeSectors: slotSizeSectors,
		pool:            newPool(maxInFlight),
	}
	if red, ok := lay.(layout.Redundant); ok {
		v.redundant = red
		stripeSectors := lay.SUSizeSectors() * uint64(red.DataChunkCount())
		total := uint64(assemblyVol.SlotCount()) * slotSizeSectors
		v.zones = layout.NewDirtyZone(name, total, stripeSectors)
	}
	return v
}

func (v *Volume) Name() string               { return v.name }
func (v *Volume) Access() blockdevice.Access { return v.access }

// SectorCount is the volume's current size, the product of its
// assembly volume's slot count and slot size — a live value that can
// change under a concurrent resize, consistent with every other
// SectorCount() on a resizable backing in this system.
func (v *Volume) SectorCount() uint64 {
	return uint64(v.assemblyVol.SlotCount()) * v.slotSizeSectors
}

// SetSectorCount resizes the volume to at least n sectors, rounding up
// to a whole number of slots and delegating to the assembly volume's
// resize (spec §4.7/§4.9).
func (v *Volume) SetSectorCount(n uint64) error {
	slots := (n + v.slotSizeSectors - 1) / v.slotSizeSectors
	return v.assemblyVol.Resize(int(slots))
}

func (v *Volume) Close() error { return nil }

type run struct {
	slotIdx      int
	offsetInSlot uint64
	sectors      uint64
	bufOffset    int
}

// planRuns splits [startSector, startSector+sectors) into runs that
// each stay within one stripe unit of one slot, so every run maps to
// exactly one physical chunk under the layout (spec §4.9: "split at
// SU boundaries"). Sector 0 is never special-cased: it is planned and
// mapped through the layout exactly like any other sector.
func (v *Volume) planRuns(startSector uint64, sectors uint64) ([]run, error) {
	su := v.layout.SUSizeSectors()
	var runs []run
	done := uint64(0)
	for done < sectors {
		vsector := startSector + done
		slotIdx, offsetInSlot, err := v.assemblyVol.MapSector(vsector, v.slotSizeSectors)
		if err != nil {
			return nil, err
		}
		offInSU := offsetInSlot % su
		maxInSU := su - offInSU
		maxInSlot := v.slotSizeSectors - offsetInSlot
		remaining := sectors - done
		take := maxInSU
		if maxInSlot < take {
			take = maxInSlot
		}
		if remaining < take {
			take = remaining
		}
		runs = append(runs, run{
			slotIdx:      slotIdx,
			offsetInSlot: offsetInSlot,
			sectors:      take,
			bufOffset:    int(done) * blockdevice.SectorSize,
		})
		done += take
	}
	return runs, nil
}

// SubmitIO validates and splits io, fanning its runs out across an
// errgroup gated by a bounded pool, and invokes complete exactly once
// with the first sub-I/O error encountered, or nil (spec §4.9).
func (v *Volume) SubmitIO(io *blockdevice.IO, complete func(err error)) error {
	if err := blockdevice.ValidateIO(v, io, complete); err != nil {
		return err
	}

	if io.Size == 0 {
		go func() { complete(v.flushAll()) }()
		return nil
	}

	if io.Size%blockdevice.SectorSize != 0 {
		return exaerr.New(exaerr.Invalid, "io size %d is not sector-aligned", io.Size)
	}
	sectors := uint64(io.Size) / blockdevice.SectorSize

	mapOp := layout.OpRead
	if io.Op == blockdevice.OpWrite {
		mapOp = layout.OpWrite
	}

	runs, err := v.planRuns(io.StartSector, sectors)
	if err != nil {
		return err
	}

	go func() {
		g, _ := errgroup.WithContext(context.Background())
		for _, r := range runs {
			r := r
			g.Go(func() error {
				permit := v.pool.acquire()
				defer v.pool.release(permit)

				v.assemblyVol.BeginIO(r.slotIdx)
				defer v.assemblyVol.EndIO(r.slotIdx)

				slot := v.assemblyVol.Slot(r.slotIdx)
				addrs, err := v.layout.Map(slot, r.offsetInSlot, mapOp)
				if err != nil {
					return err
				}

				if io.Op == blockdevice.OpWrite {
					v.markDirty(r)
				}

				buf := io.Buf[r.bufOffset : r.bufOffset+int(r.sectors)*blockdevice.SectorSize]
				for _, addr := range addrs {
					dev, ok := v.devices[addr.Disk]
					if !ok {
						return exaerr.New(exaerr.IoError, "no device registered for disk %s", addr.Disk)
					}
					if io.Op == blockdevice.OpWrite {
						if err := blockdevice.Write(dev, buf, addr.Sector, io.FlushCache); err != nil {
							return err
						}
					} else {
						if err := blockdevice.Read(dev, buf, addr.Sector); err != nil {
							if v.redundant == nil || !exaerr.Is(err, exaerr.IoError) {
								return err
							}
							if rerr := v.reconstructRead(slot, r, buf); rerr != nil {
								return rerr
							}
						}
					}
				}

				if io.Op == blockdevice.OpWrite && v.redundant != nil {
					if err := v.updateParity(slot, r); err != nil {
						return err
					}
				}
				return nil
			})
		}
		complete(g.Wait())
	}()
	return nil
}

func (v *Volume) flushAll() error {
	for _, dev := range v.devices {
		if err := blockdevice.Flush(dev); err != nil {
			return err
		}
	}
	return nil
}

// markDirty flags run r's zone dirty ahead of the write it is about to
// perform (spec §4.8: "a write sector is preceded by marking its dirty
// zone"). A no-op when the layout carries no redundancy to resync.
func (v *Volume) markDirty(r run) {
	if v.zones == nil {
		return
	}
	v.zones.Mark(uint64(r.slotIdx)*v.slotSizeSectors + r.offsetInSlot)
}

// rainXStripeCoords resolves run r to the stripe it falls in, which
// data chunk of that stripe it is, and the sector offset into that
// chunk's stripe unit it starts at.
func (v *Volume) rainXStripeCoords(r run) (stripeIdx uint64, dataIdx int, offInSU uint64) {
	suSectors := v.layout.SUSizeSectors()
	dataChunks := v.redundant.DataChunkCount()
	stripeSectors := suSectors * uint64(dataChunks)
	offInStripe := r.offsetInSlot % stripeSectors
	stripeIdx = r.offsetInSlot / stripeSectors
	dataIdx = int(offInStripe / suSectors)
	offInSU = offInStripe % suSectors
	return
}

// updateParity re-reads every data chunk of the stripe run r wrote
// into (the chunk r itself wrote now reflects the new data) and writes
// the recomputed parity chunk, the read-modify-write rainX needs on
// every write since Map only ever touches one data chunk.
func (v *Volume) updateParity(slot *assembly.Slot, r run) error {
	stripeIdx, _, _ := v.rainXStripeCoords(r)
	suSectors := v.layout.SUSizeSectors()
	dataChunks := v.redundant.DataChunkCount()

	shards := make([][]byte, dataChunks)
	for di := 0; di < dataChunks; di++ {
		addr, err := v.redundant.DataAddr(slot, stripeIdx, di)
		if err != nil {
			return err
		}
		dev, ok := v.devices[addr.Disk]
		if !ok {
			return exaerr.New(exaerr.IoError, "no device registered for disk %s", addr.Disk)
		}
		buf := make([]byte, suSectors*blockdevice.SectorSize)
		if err := blockdevice.Read(dev, buf, addr.Sector); err != nil {
			return err
		}
		shards[di] = buf
	}

	parity, err := v.redundant.UpdateParity(shards)
	if err != nil {
		return err
	}
	paddr, err := v.redundant.ParitySector(slot, r.offsetInSlot)
	if err != nil {
		return err
	}
	pdev, ok := v.devices[paddr.Disk]
	if !ok {
		return exaerr.New(exaerr.IoError, "no device registered for disk %s", paddr.Disk)
	}
	return blockdevice.Write(pdev, parity, paddr.Sector, false)
}

// reconstructRead rebuilds run r's data from the surviving data chunks
// and parity when the chunk Map pointed at came back IoError, and
// copies the recovered bytes into buf.
func (v *Volume) reconstructRead(slot *assembly.Slot, r run, buf []byte) error {
	stripeIdx, dataIdx, offInSU := v.rainXStripeCoords(r)
	suSectors := v.layout.SUSizeSectors()
	dataChunks := v.redundant.DataChunkCount()

	shards := make([][]byte, dataChunks+1)
	for di := 0; di < dataChunks; di++ {
		if di == dataIdx {
			continue
		}
		addr, err := v.redundant.DataAddr(slot, stripeIdx, di)
		if err != nil {
			return err
		}
		dev, ok := v.devices[addr.Disk]
		if !ok {
			return exaerr.New(exaerr.IoError, "no device registered for disk %s", addr.Disk)
		}
		sb := make([]byte, suSectors*blockdevice.SectorSize)
		if err := blockdevice.Read(dev, sb, addr.Sector); err != nil {
			return exaerr.New(exaerr.NotEnoughDevices, "rainX degraded read: chunk %d also failed: %v", di, err)
		}
		shards[di] = sb
	}

	paddr, err := v.redundant.ParitySector(slot, r.offsetInSlot)
	if err != nil {
		return err
	}
	pdev, ok := v.devices[paddr.Disk]
	if !ok {
		return exaerr.New(exaerr.IoError, "no device registered for disk %s", paddr.Disk)
	}
	pbuf := make([]byte, suSectors*blockdevice.SectorSize)
	if err := blockdevice.Read(pdev, pbuf, paddr.Sector); err != nil {
		return exaerr.New(exaerr.NotEnoughDevices, "rainX degraded read: parity chunk also failed: %v", err)
	}
	shards[dataChunks] = pbuf

	rebuilt, err := v.redundant.ReconstructChunk(shards, dataIdx)
	if err != nil {
		return err
	}
	start := offInSU * blockdevice.SectorSize
	copy(buf, rebuilt[start:start+uint64(len(buf))])
	return nil
}
