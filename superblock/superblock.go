// Package superblock implements the two-copy, checksummed, versioned
// per-disk metadata record (C6, spec §4.6). It is grounded on
// original_source's vrt/assembly/src/assembly_volume.c
// (assembly_volume_serialize/deserialize: magic check first, short
// reads treated as corruption, CRC computed over the record minus its
// own CRC field) and built on top of checksum and blockdevice/stream.
package superblock

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/exanodes/exanodes/blockdevice"
	"github.com/exanodes/exanodes/blockdevice/stream"
	"github.com/exanodes/exanodes/checksum"
	"github.com/exanodes/exanodes/internal/exaerr"
	"github.com/exanodes/exanodes/internal/exatypes"
	"github.com/exanodes/exanodes/internal/exaversion"
)

// Magic identifies a valid superblock record.
const Magic uint32 = 0x45584130 // "EXA0"

// Sector offsets of the two superblock copies, and the first sector
// available for chunk data after them (spec §4.6, §6).
const (
	CopyASector     = 0
	CopyBSector     = 256
	DataStartSector = 512
)

// headerSize is the size, in bytes, of the fixed portion of a record:
// magic(4) | version(4) | reserved(4) | crc16(2) | payload_len(4) |
// group_uuid(16) | disk_uuid(16) | node_id(4) | layout_tag(4).
const headerSize = 4 + 4 + 4 + 2 + 4 + 16 + 16 + 4 + 4

// Record is one superblock: the fixed header fields plus an opaque
// payload. By convention the payload's first 8 bytes are a
// little-endian generation counter (EncodePayloadGeneration/
// PayloadBody), the "generation counter embedded in the payload
// header" spec §4.6 compares copies on.
type Record struct {
	Version   exaversion.Version
	GroupUUID exatypes.UUID
	DiskUUID  exatypes.UUID
	NodeID    exatypes.NodeID
	LayoutTag uint32
	Payload   []byte
}

// Generation returns the record's generation counter, or 0 if the
// payload is too short to carry one.
func (r *Record) Generation() uint64 {
	if len(r.Payload) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(r.Payload[:8])
}

// EncodePayloadGeneration prepends a generation counter to body,
// the wire convention every superblock payload producer (assembly,
// volume) must follow.
func EncodePayloadGeneration(generation uint64, body []byte) []byte {
	out := make([]byte, 8+len(body))
	binary.LittleEndian.PutUint64(out[:8], generation)
	copy(out[8:], body)
	return out
}

// PayloadBody strips the generation header off payload.
func PayloadBody(payload []byte) []byte {
	if len(payload) < 8 {
		return nil
	}
	return payload[8:]
}

func encodeVersion(v exaversion.Version) ([4]byte, error) {
	var out [4]byte
	parts := strings.Split(string(v), ".")
	if len(parts) > 4 {
		return out, exaerr.New(exaerr.Invalid, "version %q has more than 4 components", v)
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return out, exaerr.New(exaerr.Invalid, "version %q component %q out of range", v, p)
		}
		out[i] = byte(n)
	}
	return out, nil
}

// decodeVersion renders the four version bytes as a dotted string,
// dropping trailing zero components beyond the second, so "2.1.4" and
// "1.0" read back exactly as written ("2.1.0" reads back as the
// Compare-equal "2.1").
func decodeVersion(b [4]byte) exaversion.Version {
	n := len(b)
	for n > 2 && b[n-1] == 0 {
		n--
	}
	s := fmt.Sprintf("%d", b[0])
	for i := 1; i < n; i++ {
		s += fmt.Sprintf(".%d", b[i])
	}
	return exaversion.Version(s)
}

func marshal(r *Record) ([]byte, error) {
	verBytes, err := encodeVersion(r.Version)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, headerSize+len(r.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	copy(buf[4:8], verBytes[:])
	binary.LittleEndian.PutUint32(buf[14:18], uint32(len(r.Payload)))
	copy(buf[18:34], r.GroupUUID[:])
	copy(buf[34:50], r.DiskUUID[:])
	binary.LittleEndian.PutUint32(buf[50:54], uint32(r.NodeID))
	binary.LittleEndian.PutUint32(buf[54:58], r.LayoutTag)
	copy(buf[58:], r.Payload)

	var ctx checksum.Context
	ctx.Feed(buf[:12])
	ctx.Feed(buf[14:])
	binary.LittleEndian.PutUint16(buf[12:14], uint16(ctx.Sum()))

	return buf, nil
}

// readCopy reads and validates one superblock copy from s at sector,
// checking magic and CRC but not version compatibility or group
// membership (the caller compares those across both copies).
func readCopy(s *stream.Stream, sector uint64) (*Record, error) {
	if _, err := s.Seek(int64(sector*blockdevice.SectorSize), 0); err != nil {
		return nil, err
	}

	hdr := make([]byte, headerSize)
	n, err := s.Read(hdr)
	if err != nil {
		return nil, err
	}
	if n != headerSize {
		return nil, exaerr.New(exaerr.Corruption, "short superblock header read (%d of %d bytes)", n, headerSize)
	}
	if magic := binary.LittleEndian.Uint32(hdr[0:4]); magic != Magic {
		return nil, exaerr.New(exaerr.Corruption, "bad magic 0x%08x", magic)
	}

	payloadLen := binary.LittleEndian.Uint32(hdr[14:18])
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		n, err = s.Read(payload)
		if err != nil {
			return nil, err
		}
		if uint32(n) != payloadLen {
			return nil, exaerr.New(exaerr.Corruption, "short superblock payload read (%d of %d bytes)", n, payloadLen)
		}
	}

	var ctx checksum.Context
	ctx.Feed(hdr[:12])
	ctx.Feed(hdr[14:])
	ctx.Feed(payload)
	if got, want := ctx.Sum(), checksum.Checksum(binary.LittleEndian.Uint16(hdr[12:14])); got != want {
		return nil, exaerr.New(exaerr.Corruption, "crc mismatch: got %#04x, want %#04x", got, want)
	}

	var version [4]byte
	copy(version[:], hdr[4:8])
	var group, disk exatypes.UUID
	copy(group[:], hdr[18:34])
	copy(disk[:], hdr[34:50])

	return &Record{
		Version:   decodeVersion(version),
		GroupUUID: group,
		DiskUUID:  disk,
		NodeID:    exatypes.NodeID(binary.LittleEndian.Uint32(hdr[50:54])),
		LayoutTag: binary.LittleEndian.Uint32(hdr[54:58]),
		Payload:   payload,
	}, nil
}

// Write serializes r and writes both copies, flushing the backing
// device (spec §4.6: "serialize the payload into the stream, compute
// CRC over everything but the CRC field, write both copies, flush").
func Write(dev blockdevice.Device, r *Record) error {
	buf, err := marshal(r)
	if err != nil {
		return err
	}

	s, err := stream.Open(dev, blockdevice.ReadWrite, 0)
	if err != nil {
		return err
	}
	defer s.Close()

	for _, sector := range [...]uint64{CopyASector, CopyBSector} {
		if _, err := s.Seek(int64(sector*blockdevice.SectorSize), 0); err != nil {
			return err
		}
		if _, err := s.Write(buf); err != nil {
			return err
		}
	}
	return s.Flush()
}

// Read reads both superblock copies off dev and returns the winner:
// if both are structurally valid (magic, CRC), version-compatible
// with localVersion, and (when expectedGroup is not the nil UUID)
// carry a matching group UUID, the one with the higher generation
// counter wins; if exactly one qualifies, it wins; if neither does,
// Read fails Corruption (spec §4.6).
func Read(dev blockdevice.Device, expectedGroup exatypes.UUID, localVersion exaversion.Version) (*Record, error) {
	s, err := stream.Open(dev, blockdevice.Read, 0)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	a, errA := readCopy(s, CopyASector)
	b, errB := readCopy(s, CopyBSector)

	a = qualify(a, errA, expectedGroup, localVersion)
	b = qualify(b, errB, expectedGroup, localVersion)

	switch {
	case a != nil && b != nil:
		if b.Generation() > a.Generation() {
			return b, nil
		}
		return a, nil
	case a != nil:
		return a, nil
	case b != nil:
		return b, nil
	default:
		return nil, exaerr.New(exaerr.Corruption, "both superblock copies invalid on %s", dev.Name())
	}
}

// qualify returns r if it both decoded without error and passes the
// version/group checks Read applies across both copies, or nil
// otherwise.
func qualify(r *Record, err error, expectedGroup exatypes.UUID, localVersion exaversion.Version) *Record {
	if err != nil || r == nil {
		return nil
	}
	if !localVersion.CompatibleMajor(r.Version) {
		return nil
	}
	if expectedGroup != exatypes.NilUUID && r.GroupUUID != expectedGroup {
		return nil
	}
	return r
}
