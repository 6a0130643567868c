package layout

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// rebuildZonesRemaining is the "rebuild progress" counter: how many
// rainX dirty zones a volume still needs to re-sync, labeled by
// volume name so a node with several rainX volumes exposes one series
// per volume.
var rebuildZonesRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "exanodes",
	Subsystem: "rainx",
	Name:      "dirty_zones_remaining",
	Help:      "Dirty zones a rainX volume still has to re-sync before it is fully consistent.",
}, []string{"volume"})
