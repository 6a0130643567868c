package blockdevice

import (
	"sync"
	"sync/atomic"

	"github.com/exanodes/exanodes/internal/exaerr"
)

// MemDevice is an in-memory Device backing, the test-only counterpart
// of blockdevice/sysdisk's O_DIRECT-backed disk, mirroring the
// teacher's sysio.NewIOService(domain.IOMemFileService) pattern of a
// real alternate implementation swapped in under test rather than a
// mock.
type MemDevice struct {
	mu      sync.Mutex
	name    string
	access  Access
	data    []byte
	closed  bool
	pending int32
}

// NewMemDevice allocates an in-memory device of the given sector count.
func NewMemDevice(name string, access Access, sectorCount uint64) *MemDevice {
	return &MemDevice{
		name:   name,
		access: access,
		data:   make([]byte, sectorCount*SectorSize),
	}
}

func (d *MemDevice) Name() string { return d.name }

func (d *MemDevice) SectorCount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint64(len(d.data)) / SectorSize
}

func (d *MemDevice) SetSectorCount(n uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	newSize := n * SectorSize
	grown := make([]byte, newSize)
	copy(grown, d.data)
	d.data = grown
	return nil
}

func (d *MemDevice) Access() Access { return d.access }

func (d *MemDevice) SubmitIO(io *IO, complete func(err error)) error {
	if err := ValidateIO(d, io, complete); err != nil {
		return err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return exaerr.New(exaerr.Invalid, "device %s is closed", d.name)
	}

	start := io.StartSector * SectorSize
	end := start + uint64(io.Size)
	if end > uint64(len(d.data)) {
		d.mu.Unlock()
		complete(exaerr.New(exaerr.IoError, "out-of-range access on %s", d.name))
		return nil
	}

	atomic.AddInt32(&d.pending, 1)
	switch io.Op {
	case OpRead:
		copy(io.Buf, d.data[start:end])
	case OpWrite:
		copy(d.data[start:end], io.Buf)
	}
	d.mu.Unlock()

	atomic.AddInt32(&d.pending, -1)
	complete(nil)
	return nil
}

func (d *MemDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if atomic.LoadInt32(&d.pending) != 0 {
		return exaerr.New(exaerr.Busy, "close with I/O pending on %s", d.name)
	}
	d.closed = true
	return nil
}
