// Package blockdevice defines the uniform, asynchronous,
// cancellation-aware block I/O contract every backing (system disk,
// networked disk, assembled volume, cached stream) implements (spec
// §4.1). It is grounded on original_source's
// blockdevice/include/blockdevice.h (blockdevice_ops_t,
// blockdevice_submit_io/blockdevice_end_io) and on
// nestybox-sysbox-fs/domain.IOnodeIface's role as a uniform interface
// over heterogeneous backings.
package blockdevice

import (
	"sync"

	"github.com/exanodes/exanodes/internal/exaerr"
)

// Access is a block device's access mode.
type Access int

const (
	Read Access = iota
	Write
	ReadWrite
)

func (a Access) String() string {
	switch a {
	case Read:
		return "read-only"
	case Write:
		return "write-only"
	case ReadWrite:
		return "read-write"
	default:
		return "invalid"
	}
}

func (a Access) allowsRead() bool  { return a == Read || a == ReadWrite }
func (a Access) allowsWrite() bool { return a == Write || a == ReadWrite }

// OpType is the kind of operation carried by an IO.
type OpType int

const (
	OpRead OpType = iota
	OpWrite
)

// IO describes one in-flight request submitted to a Device. Backing
// implementations must invoke the completion callback passed to
// SubmitIO exactly once, regardless of success or failure.
type IO struct {
	Op          OpType
	StartSector uint64
	Buf         []byte
	Size        int
	FlushCache  bool
	BypassLock  bool
	PrivateData interface{}
}

// Device is the uniform asynchronous block I/O contract of spec §4.1.
// Implementations must never interpret the buffer passed to SubmitIO;
// alignment and size validity are the caller's concern unless the
// backing itself enforces alignment (as blockdevice/sysdisk does).
type Device interface {
	Name() string
	SectorCount() uint64
	SetSectorCount(n uint64) error
	SubmitIO(io *IO, complete func(err error)) error
	Close() error
	Access() Access
}

// SectorSize is the fixed sector size used throughout the virtualizer
// (spec §4.3).
const SectorSize = 512

// ValidateIO checks the IO's shape against spec §4.1's contract and
// against dev's access mode, returning an Invalid error for a request
// that fails; it does not submit the IO. It is a thin helper most
// backings call at the top of their own SubmitIO implementation.
func ValidateIO(dev Device, io *IO, complete func(err error)) error {
	if io == nil {
		return exaerr.New(exaerr.Invalid, "nil io")
	}
	if io.Size != 0 && io.Buf == nil {
		return exaerr.New(exaerr.Invalid, "non-zero size with a nil buffer")
	}
	if io.Op != OpRead && io.Op != OpWrite {
		return exaerr.New(exaerr.Invalid, "invalid operation %d", io.Op)
	}
	if io.Op == OpWrite && !dev.Access().allowsWrite() {
		return exaerr.New(exaerr.Invalid, "write submitted to a %s device", dev.Access())
	}
	if io.Op == OpRead && !dev.Access().allowsRead() {
		return exaerr.New(exaerr.Invalid, "read submitted to a %s device", dev.Access())
	}
	return nil
}

// Read performs a synchronous read built on SubmitIO, as spec §4.1
// requires of the higher-level facade.
func Read(dev Device, buf []byte, startSector uint64) error {
	return syncIO(dev, OpRead, startSector, buf, false, false)
}

// Write performs a synchronous write built on SubmitIO.
func Write(dev Device, buf []byte, startSector uint64, flushCache bool) error {
	return syncIO(dev, OpWrite, startSector, buf, flushCache, false)
}

func syncIO(dev Device, op OpType, startSector uint64, buf []byte, flushCache, bypassLock bool) error {
	var wg sync.WaitGroup
	var result error
	wg.Add(1)

	io := &IO{
		Op:          op,
		StartSector: startSector,
		Buf:         buf,
		Size:        len(buf),
		FlushCache:  flushCache,
		BypassLock:  bypassLock,
	}
	if err := dev.SubmitIO(io, func(err error) {
		result = err
		wg.Done()
	}); err != nil {
		return err
	}
	wg.Wait()
	return result
}

// Flush is a synchronous no-op write of zero bytes with FlushCache set,
// the idiom spec §4.1 uses to implement flush on top of SubmitIO.
func Flush(dev Device) error {
	var wg sync.WaitGroup
	var result error
	wg.Add(1)

	io := &IO{
		Op:         OpWrite,
		Size:       0,
		FlushCache: true,
	}
	if err := dev.SubmitIO(io, func(err error) {
		result = err
		wg.Done()
	}); err != nil {
		return err
	}
	wg.Wait()
	return result
}

// Size returns the device size in bytes.
func Size(dev Device) uint64 {
	return dev.SectorCount() * SectorSize
}
