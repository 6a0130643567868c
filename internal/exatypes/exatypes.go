// Package exatypes holds the identity types shared across every
// component: disk/group/volume UUIDs, node ids, and SPOF-group ids.
package exatypes

import "github.com/google/uuid"

// UUID is the 128-bit stable identifier used for disks, groups, volumes
// and slots (spec §3).
type UUID = uuid.UUID

// NilUUID is the zero-value UUID, used as a not-yet-assigned sentinel.
var NilUUID = uuid.Nil

// NewUUID allocates a fresh random UUID.
func NewUUID() UUID {
	return uuid.New()
}

// ParseUUID parses the canonical string form of a UUID.
func ParseUUID(s string) (UUID, error) {
	return uuid.Parse(s)
}

// NodeID identifies a cluster node.
type NodeID uint32

// SpofGroupID identifies a single-point-of-failure group (spec §3).
type SpofGroupID uint32

// DiskIndex is a disk's index within its SPOF group.
type DiskIndex uint32
