package sysdisk

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// poolOccupancy reports how many of a disk's fixed-size nbdlist pool
// slots are currently checked out for an in-flight request, labeled by
// disk UUID so a multi-disk node exposes one series per disk.
var poolOccupancy = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "exanodes",
	Subsystem: "sysdisk",
	Name:      "pool_occupancy",
	Help:      "In-flight requests currently checked out of a disk's request pool.",
}, []string{"disk"})

func (d *Disk) diskLabel() string { return d.diskUUID.String() }
