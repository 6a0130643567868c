package prlock

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// lockHoldSeconds tracks how long the PR lock sits granted to a node
// between a Lock grant and the matching Unlock, the "PR lock hold
// time" a server's operator would watch for a node camping on the
// lock.
var lockHoldSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "exanodes",
	Subsystem: "prlock",
	Name:      "lock_hold_seconds",
	Help:      "Time the PR lock stayed granted to one node before its Unlock.",
	Buckets:   prometheus.DefBuckets,
})
