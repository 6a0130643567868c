package cluster

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndDeleteGroup(t *testing.T) {
	s := openTestStore(t)
	dir := t.TempDir()

	rec, err := s.CreateGroup("g0", []string{filepath.Join(dir, "d0"), filepath.Join(dir, "d1")}, 4096)
	require.NoError(t, err)
	require.Len(t, rec.Disks, 2)

	_, err = s.CreateGroup("g0", nil, 4096)
	require.Error(t, err)

	got, err := s.Group("g0")
	require.NoError(t, err)
	require.Equal(t, rec.Disks[0].Path, got.Disks[0].Path)

	require.NoError(t, s.DeleteGroup("g0"))
	_, err = s.Group("g0")
	require.Error(t, err)
}

func TestCreateVolumeStriping(t *testing.T) {
	s := openTestStore(t)
	dir := t.TempDir()

	_, err := s.CreateGroup("g0", []string{filepath.Join(dir, "d0")}, 4096)
	require.NoError(t, err)

	rec, err := s.CreateVolume("v0", []string{"g0"}, "striping", 8, 1024, 2)
	require.NoError(t, err)
	require.Equal(t, 2, rec.SlotCount)

	vol, disks, err := s.OpenVolume("v0")
	require.NoError(t, err)
	require.Equal(t, uint64(2*1024), vol.SectorCount())
	for _, d := range disks {
		d.Close()
	}
}

func TestResizeVolumePersists(t *testing.T) {
	s := openTestStore(t)
	dir := t.TempDir()

	_, err := s.CreateGroup("g0", []string{filepath.Join(dir, "d0")}, 8192)
	require.NoError(t, err)
	_, err = s.CreateVolume("v0", []string{"g0"}, "striping", 8, 1024, 2)
	require.NoError(t, err)

	require.NoError(t, s.ResizeVolume("v0", 4))

	rec, err := s.Volume("v0")
	require.NoError(t, err)
	require.Equal(t, 4, rec.SlotCount)
}

func TestDeleteGroupRefusesWhileVolumeUsesIt(t *testing.T) {
	s := openTestStore(t)
	dir := t.TempDir()

	_, err := s.CreateGroup("g0", []string{filepath.Join(dir, "d0")}, 4096)
	require.NoError(t, err)
	_, err = s.CreateVolume("v0", []string{"g0"}, "striping", 8, 1024, 1)
	require.NoError(t, err)

	err = s.DeleteGroup("g0")
	require.Error(t, err)
}

func TestCreateVolumeRainXNeedsThreeGroups(t *testing.T) {
	s := openTestStore(t)
	dir := t.TempDir()

	_, err := s.CreateGroup("g0", []string{filepath.Join(dir, "d0")}, 4096)
	require.NoError(t, err)
	_, err = s.CreateGroup("g1", []string{filepath.Join(dir, "d1")}, 4096)
	require.NoError(t, err)

	_, err = s.CreateVolume("v0", []string{"g0", "g1"}, "rainx", 8, 1024, 1)
	require.Error(t, err)
}
