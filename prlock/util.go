package prlock

import "github.com/exanodes/exanodes/internal/exatypes"

func toSet(nodes []exatypes.NodeID) map[exatypes.NodeID]bool {
	s := make(map[exatypes.NodeID]bool, len(nodes))
	for _, n := range nodes {
		s[n] = true
	}
	return s
}

func setsEqual(a, b map[exatypes.NodeID]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for n := range a {
		if !b[n] {
			return false
		}
	}
	return true
}
