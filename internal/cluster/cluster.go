// Package cluster is the registry backing cmd/exanodes-inject: disk
// groups and volumes, persisted across invocations in a bbolt
// database so the CLI can drive create/delete/resize/start/stop
// operations one subcommand at a time against state built up by
// earlier ones, the way the teacher's own daemon persists state
// across restarts via its pid file rather than re-deriving it.
package cluster

import (
	"encoding/json"
	"os"

	bolt "go.etcd.io/bbolt"

	"github.com/exanodes/exanodes/assembly"
	"github.com/exanodes/exanodes/blockdevice"
	"github.com/exanodes/exanodes/blockdevice/sysdisk"
	"github.com/exanodes/exanodes/internal/exaerr"
	"github.com/exanodes/exanodes/internal/exatypes"
	"github.com/exanodes/exanodes/layout"
	"github.com/exanodes/exanodes/volume"
)

var (
	groupsBucket  = []byte("groups")
	volumesBucket = []byte("volumes")
)

// DiskRecord is one disk file backing a group.
type DiskRecord struct {
	UUID    exatypes.UUID `json:"uuid"`
	Path    string        `json:"path"`
	Sectors uint64        `json:"sectors"`
}

// GroupRecord is a single-point-of-failure group: a name plus the
// disks assigned to it (spec §3's SPOF group).
type GroupRecord struct {
	Name  string       `json:"name"`
	Disks []DiskRecord `json:"disks"`
}

// VolumeRecord is the persisted description of one assembled volume:
// enough to rebuild its assembly.Storage/assembly.Volume and
// layout.Layout on the next CLI invocation.
type VolumeRecord struct {
	Name         string   `json:"name"`
	Groups       []string `json:"groups"`
	LayoutName   string   `json:"layout"`
	SUSectors    uint64   `json:"su_sectors"`
	ChunkSectors uint64   `json:"chunk_sectors"`
	SlotCount    int      `json:"slot_count"`
}

// Store is the bbolt-backed registry of groups and volumes.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the registry database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, exaerr.New(exaerr.IoError, "opening cluster state %s: %v", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(groupsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(volumesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, exaerr.New(exaerr.IoError, "initializing cluster state %s: %v", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) putJSON(bucket []byte, key string, v interface{}) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return exaerr.New(exaerr.Internal, "encoding %s: %v", key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), buf)
	})
}

func (s *Store) getJSON(bucket []byte, key string, v interface{}) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		buf := tx.Bucket(bucket).Get([]byte(key))
		if buf == nil {
			return nil
		}
		found = true
		return json.Unmarshal(buf, v)
	})
	return found, err
}

func (s *Store) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// CreateGroup allocates one sparse disk file per path, each sized
// sectorsPerDisk sectors, and registers the group under name.
func (s *Store) CreateGroup(name string, diskPaths []string, sectorsPerDisk uint64) (*GroupRecord, error) {
	if ok, _ := s.getJSON(groupsBucket, name, &GroupRecord{}); ok {
		return nil, exaerr.New(exaerr.Invalid, "group %q already exists", name)
	}

	rec := &GroupRecord{Name: name}
	for _, path := range diskPaths {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
		if err != nil {
			return nil, exaerr.New(exaerr.IoError, "creating disk file %s: %v", path, err)
		}
		if err := f.Truncate(int64(sectorsPerDisk * blockdevice.SectorSize)); err != nil {
			f.Close()
			return nil, exaerr.New(exaerr.IoError, "sizing disk file %s: %v", path, err)
		}
		f.Close()
		rec.Disks = append(rec.Disks, DiskRecord{
			UUID:    exatypes.NewUUID(),
			Path:    path,
			Sectors: sectorsPerDisk,
		})
	}

	if err := s.putJSON(groupsBucket, name, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// DeleteGroup removes a group's registry entry and its disk files. It
// refuses to run while any registered volume still names the group.
func (s *Store) DeleteGroup(name string) error {
	vols, err := s.ListVolumes()
	if err != nil {
		return err
	}
	for _, v := range vols {
		for _, g := range v.Groups {
			if g == name {
				return exaerr.New(exaerr.Invalid, "group %q still used by volume %q", name, v.Name)
			}
		}
	}

	var rec GroupRecord
	found, err := s.getJSON(groupsBucket, name, &rec)
	if err != nil {
		return err
	}
	if !found {
		return exaerr.New(exaerr.Invalid, "group %q does not exist", name)
	}
	for _, d := range rec.Disks {
		os.Remove(d.Path)
	}
	return s.delete(groupsBucket, name)
}

// Group returns the registered group named name.
func (s *Store) Group(name string) (*GroupRecord, error) {
	var rec GroupRecord
	found, err := s.getJSON(groupsBucket, name, &rec)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, exaerr.New(exaerr.Invalid, "group %q does not exist", name)
	}
	return &rec, nil
}

// ListGroups returns every registered group.
func (s *Store) ListGroups() ([]GroupRecord, error) {
	var out []GroupRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(groupsBucket).ForEach(func(_, v []byte) error {
			var rec GroupRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// layoutWidth reports the chunk width a named layout needs given how
// many groups back the volume.
func layoutWidth(layoutName string, groupCount int) (int, error) {
	switch layoutName {
	case "striping":
		return 1, nil
	case "rain1":
		return 2, nil
	case "rainx":
		if groupCount < 3 {
			return 0, exaerr.New(exaerr.Invalid, "rainx needs at least 3 groups, got %d", groupCount)
		}
		return groupCount, nil
	default:
		return 0, exaerr.New(exaerr.Invalid, "unknown layout %q", layoutName)
	}
}

// CreateVolume assembles a volume striped or mirrored or erasure-coded
// (per layoutName) across one disk from each named group, and
// registers it.
func (s *Store) CreateVolume(name string, groupNames []string, layoutName string, suSectors, chunkSectors uint64, slots int) (*VolumeRecord, error) {
	if ok, _ := s.getJSON(volumesBucket, name, &VolumeRecord{}); ok {
		return nil, exaerr.New(exaerr.Invalid, "volume %q already exists", name)
	}
	width, err := layoutWidth(layoutName, len(groupNames))
	if err != nil {
		return nil, err
	}

	storage, err := s.buildStorage(groupNames, chunkSectors)
	if err != nil {
		return nil, err
	}
	av := assembly.NewVolume(exatypes.NewUUID(), storage, width)
	if err := av.Resize(slots); err != nil {
		return nil, err
	}

	rec := &VolumeRecord{
		Name:         name,
		Groups:       groupNames,
		LayoutName:   layoutName,
		SUSectors:    suSectors,
		ChunkSectors: chunkSectors,
		SlotCount:    slots,
	}
	return rec, s.putJSON(volumesBucket, name, rec)
}

// DeleteVolume removes a volume's registry entry.
func (s *Store) DeleteVolume(name string) error {
	var rec VolumeRecord
	found, err := s.getJSON(volumesBucket, name, &rec)
	if err != nil {
		return err
	}
	if !found {
		return exaerr.New(exaerr.Invalid, "volume %q does not exist", name)
	}
	return s.delete(volumesBucket, name)
}

// ResizeVolume grows or shrinks a registered volume to newSlots slots.
func (s *Store) ResizeVolume(name string, newSlots int) error {
	rec, err := s.Volume(name)
	if err != nil {
		return err
	}
	storage, err := s.buildStorage(rec.Groups, rec.ChunkSectors)
	if err != nil {
		return err
	}
	width, err := layoutWidth(rec.LayoutName, len(rec.Groups))
	if err != nil {
		return err
	}
	av := assembly.NewVolume(exatypes.NewUUID(), storage, width)
	if err := av.Resize(rec.SlotCount); err != nil {
		return err
	}
	if err := av.Resize(newSlots); err != nil {
		return err
	}
	rec.SlotCount = newSlots
	return s.putJSON(volumesBucket, name, rec)
}

// Volume returns the registered volume named name.
func (s *Store) Volume(name string) (*VolumeRecord, error) {
	var rec VolumeRecord
	found, err := s.getJSON(volumesBucket, name, &rec)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, exaerr.New(exaerr.Invalid, "volume %q does not exist", name)
	}
	return &rec, nil
}

// ListVolumes returns every registered volume.
func (s *Store) ListVolumes() ([]VolumeRecord, error) {
	var out []VolumeRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(volumesBucket).ForEach(func(_, v []byte) error {
			var rec VolumeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// buildStorage assembles an assembly.Storage spanning one disk from
// each named group, from registry metadata alone (no file opened —
// commands that perform I/O reopen disks separately through
// OpenDevices).
func (s *Store) buildStorage(groupNames []string, chunkSectors uint64) (*assembly.Storage, error) {
	var disks []*assembly.Disk
	for i, gname := range groupNames {
		grec, err := s.Group(gname)
		if err != nil {
			return nil, err
		}
		if len(grec.Disks) == 0 {
			return nil, exaerr.New(exaerr.Invalid, "group %q has no disks", gname)
		}
		drec := grec.Disks[0]
		chunkCount := uint32(drec.Sectors / chunkSectors)
		disks = append(disks, &assembly.Disk{
			UUID:      drec.UUID,
			SpofGroup: exatypes.SpofGroupID(i),
			Allocator: assembly.NewChunkAllocator(drec.UUID, chunkCount),
		})
	}
	return assembly.NewStorage(disks), nil
}

// OpenDevices opens one blockdevice.Device per disk backing the named
// groups, keyed by disk UUID, for commands that actually perform I/O
// (start, read-superblock, write-superblock).
func (s *Store) OpenDevices(groupNames []string) (map[exatypes.UUID]blockdevice.Device, []*sysdisk.Disk, error) {
	devices := make(map[exatypes.UUID]blockdevice.Device)
	var opened []*sysdisk.Disk
	for _, gname := range groupNames {
		grec, err := s.Group(gname)
		if err != nil {
			return nil, nil, err
		}
		for _, drec := range grec.Disks {
			f, err := os.OpenFile(drec.Path, os.O_RDWR, 0600)
			if err != nil {
				return nil, nil, exaerr.New(exaerr.IoError, "opening disk file %s: %v", drec.Path, err)
			}
			d := sysdisk.Open(drec.Path, drec.UUID, blockdevice.ReadWrite, f, drec.Sectors, sysdisk.DefaultPoolSize, false)
			d.Activate()
			devices[drec.UUID] = d
			opened = append(opened, d)
		}
	}
	return devices, opened, nil
}

// BuildLayout constructs the layout.Layout named by rec.
func BuildLayout(rec *VolumeRecord) (layout.Layout, error) {
	switch rec.LayoutName {
	case "striping":
		return layout.NewStripingLayout(rec.ChunkSectors), nil
	case "rain1":
		return layout.NewRain1Layout(rec.ChunkSectors), nil
	case "rainx":
		return layout.NewRainXLayout(len(rec.Groups), rec.SUSectors, rec.ChunkSectors)
	default:
		return nil, exaerr.New(exaerr.Invalid, "unknown layout %q", rec.LayoutName)
	}
}

// Assemble rebuilds the live assembly.Volume, layout.Layout and open
// devices for a registered volume, ready to back a volume.Volume
// facade.
func (s *Store) Assemble(name string) (*assembly.Volume, layout.Layout, map[exatypes.UUID]blockdevice.Device, []*sysdisk.Disk, error) {
	rec, err := s.Volume(name)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	width, err := layoutWidth(rec.LayoutName, len(rec.Groups))
	if err != nil {
		return nil, nil, nil, nil, err
	}
	storage, err := s.buildStorage(rec.Groups, rec.ChunkSectors)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	av := assembly.NewVolume(exatypes.NewUUID(), storage, width)
	if err := av.Resize(rec.SlotCount); err != nil {
		return nil, nil, nil, nil, err
	}

	lay, err := BuildLayout(rec)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	devices, opened, err := s.OpenDevices(rec.Groups)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return av, lay, devices, opened, nil
}

// OpenVolume assembles name into a ready-to-use volume.Volume facade.
func (s *Store) OpenVolume(name string) (*volume.Volume, []*sysdisk.Disk, error) {
	rec, err := s.Volume(name)
	if err != nil {
		return nil, nil, err
	}
	av, lay, devices, opened, err := s.Assemble(name)
	if err != nil {
		return nil, nil, err
	}
	slotSizeSectors := assembly.SlotSizeSectors(av.Width(), lay.Redundancy(), rec.ChunkSectors)
	vol := volume.New(rec.Name, blockdevice.ReadWrite, av, lay, devices, slotSizeSectors, volume.DefaultMaxInFlight)
	return vol, opened, nil
}
