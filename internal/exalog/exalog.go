// Package exalog provides logrus-friendly Stringer wrappers for the
// high-cardinality identifiers logged throughout the virtualizer,
// mirroring nestybox-sysbox-fs's use of sysbox-libs/formatter
// (e.g. formatter.ContainerID{id} passed straight to logrus.Debugf).
package exalog

import (
	"fmt"

	"github.com/exanodes/exanodes/internal/exatypes"
)

// DiskUUID formats a disk UUID for log fields.
type DiskUUID struct{ UUID exatypes.UUID }

func (d DiskUUID) String() string { return fmt.Sprintf("disk(%s)", d.UUID) }

// GroupUUID formats a group UUID for log fields.
type GroupUUID struct{ UUID exatypes.UUID }

func (g GroupUUID) String() string { return fmt.Sprintf("group(%s)", g.UUID) }

// VolumeName formats a volume name for log fields.
type VolumeName struct{ Name string }

func (v VolumeName) String() string { return fmt.Sprintf("volume(%s)", v.Name) }

// NodeID formats a node id for log fields.
type NodeID struct{ ID exatypes.NodeID }

func (n NodeID) String() string { return fmt.Sprintf("node(%d)", n.ID) }
