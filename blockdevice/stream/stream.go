// Package stream provides byte-granular read/write/seek/flush/close on
// top of a blockdevice.Device, keeping a single sector-aligned cache
// buffer (C4, spec §4.4). It is a close transliteration of
// original_source's blockdevice/src/blockdevice_stream.c and its header:
// the cache is valid only while holding contiguous sectors read from
// disk, a dirty cache is flushed before being invalidated or replaced,
// reads past end-of-device truncate, writes past end fail NoSpace, and
// seeks clamp to [0, size].
package stream

import (
	"github.com/exanodes/exanodes/blockdevice"
	"github.com/exanodes/exanodes/internal/exaerr"
)

// DefaultCacheSectors is the default cache buffer size, in sectors.
const DefaultCacheSectors = 32

// Stream is a byte-granular cursor over a blockdevice.Device.
type Stream struct {
	dev    blockdevice.Device
	access blockdevice.Access

	cacheSectors uint64
	cacheStart   uint64 // sector offset of the cached region; invalid if !valid
	cache        []byte
	valid        bool
	dirty        bool

	pos uint64 // byte offset
}

// Open creates a stream over dev. access must not demand write
// capability the device itself does not have (spec §4.4: "opening a
// write/RW stream on a read-only device fails PermissionDenied").
func Open(dev blockdevice.Device, access blockdevice.Access, cacheSectors uint64) (*Stream, error) {
	if cacheSectors == 0 {
		cacheSectors = DefaultCacheSectors
	}
	if (access == blockdevice.Write || access == blockdevice.ReadWrite) && dev.Access() == blockdevice.Read {
		return nil, exaerr.New(exaerr.PermissionDenied, "write stream requested on a read-only device")
	}

	return &Stream{
		dev:          dev,
		access:       access,
		cacheSectors: cacheSectors,
		cache:        make([]byte, cacheSectors*blockdevice.SectorSize),
	}, nil
}

func (s *Stream) size() uint64 {
	return blockdevice.Size(s.dev)
}

// Tell returns the current byte offset.
func (s *Stream) Tell() uint64 { return s.pos }

// Seek moves the cursor. A target before byte 0, from any whence, fails
// InvalidArgument; a target past the end is clamped to size.
func (s *Stream) Seek(offset int64, whence int) (uint64, error) {
	var base int64
	switch whence {
	case 0: // from start
		base = 0
	case 1: // from current
		base = int64(s.pos)
	case 2: // from end
		base = int64(s.size())
	default:
		return 0, exaerr.New(exaerr.Invalid, "invalid whence %d", whence)
	}

	target := base + offset
	if target < 0 {
		return 0, exaerr.New(exaerr.Invalid, "seek before start of stream")
	}
	if uint64(target) > s.size() {
		target = int64(s.size())
	}
	s.pos = uint64(target)
	return s.pos, nil
}

// invalidate flushes a dirty cache, then marks the cache invalid.
func (s *Stream) invalidate() error {
	if s.valid && s.dirty {
		if err := s.flushCache(); err != nil {
			return err
		}
	}
	s.valid = false
	return nil
}

// flushCache writes back only the in-device portion of the cache:
// loadCache already truncates its read (and zero-fills the rest) for a
// window straddling end-of-device, and a write-back of the full buffer
// would run sectors past the device in that same window.
func (s *Stream) flushCache() error {
	deviceSectors := s.dev.SectorCount()
	if s.cacheStart >= deviceSectors {
		s.dirty = false
		return nil
	}
	n := s.cacheSectors
	if s.cacheStart+n > deviceSectors {
		n = deviceSectors - s.cacheStart
	}
	if err := blockdevice.Write(s.dev, s.cache[:n*blockdevice.SectorSize], s.cacheStart, false); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// loadCache loads the cacheSectors-sized region covering byte offset
// pos, flushing any dirty cache first.
func (s *Stream) loadCache(pos uint64) error {
	start := (pos / blockdevice.SectorSize / s.cacheSectors) * s.cacheSectors
	if s.valid && s.cacheStart == start {
		return nil
	}
	if err := s.invalidate(); err != nil {
		return err
	}

	deviceSectors := s.dev.SectorCount()
	if start >= deviceSectors {
		// Entirely past end-of-device: present as a zeroed cache so
		// reads past EOF can still be served (and then truncated by
		// the caller).
		for i := range s.cache {
			s.cache[i] = 0
		}
	} else {
		n := s.cacheSectors
		if start+n > deviceSectors {
			n = deviceSectors - start
		}
		if err := blockdevice.Read(s.dev, s.cache[:n*blockdevice.SectorSize], start); err != nil {
			return err
		}
		for i := n * blockdevice.SectorSize; i < uint64(len(s.cache)); i++ {
			s.cache[i] = 0
		}
	}

	s.cacheStart = start
	s.valid = true
	return nil
}

// Read copies len(buf) bytes starting at the current position,
// truncating at end-of-device (spec §4.4).
func (s *Stream) Read(buf []byte) (int, error) {
	size := s.size()
	if s.pos >= size {
		return 0, nil
	}
	n := uint64(len(buf))
	if s.pos+n > size {
		n = size - s.pos
	}

	var read uint64
	for read < n {
		if err := s.loadCache(s.pos); err != nil {
			return int(read), err
		}
		cacheOff := s.pos - s.cacheStart*blockdevice.SectorSize
		avail := uint64(len(s.cache)) - cacheOff
		chunk := n - read
		if chunk > avail {
			chunk = avail
		}
		copy(buf[read:read+chunk], s.cache[cacheOff:cacheOff+chunk])
		s.pos += chunk
		read += chunk
	}
	return int(read), nil
}

// Write copies buf to the stream starting at the current position,
// failing NoSpace if it would write past end-of-device.
func (s *Stream) Write(buf []byte) (int, error) {
	if s.access == blockdevice.Read {
		return 0, exaerr.New(exaerr.PermissionDenied, "write on a read-only stream")
	}
	size := s.size()
	if s.pos+uint64(len(buf)) > size {
		return 0, exaerr.New(exaerr.NoSpace, "write past end of device")
	}

	var written uint64
	n := uint64(len(buf))
	for written < n {
		if err := s.loadCache(s.pos); err != nil {
			return int(written), err
		}
		cacheOff := s.pos - s.cacheStart*blockdevice.SectorSize
		avail := uint64(len(s.cache)) - cacheOff
		chunk := n - written
		if chunk > avail {
			chunk = avail
		}
		copy(s.cache[cacheOff:cacheOff+chunk], buf[written:written+chunk])
		s.dirty = true
		s.pos += chunk
		written += chunk
	}
	return int(written), nil
}

// Flush writes the dirty cache, then flushes the backing device. A
// no-op on a read-only stream: there is never a dirty cache to write
// back, and the backing device may itself reject a write-mode flush.
func (s *Stream) Flush() error {
	if s.access == blockdevice.Read {
		return nil
	}
	if s.valid && s.dirty {
		if err := s.flushCache(); err != nil {
			return err
		}
	}
	return blockdevice.Flush(s.dev)
}

// Close flushes any dirty cache. It does not close the underlying
// device.
func (s *Stream) Close() error {
	return s.invalidate()
}
