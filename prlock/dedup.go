package prlock

import (
	"encoding/binary"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/exanodes/exanodes/internal/exatypes"
)

// SeqDedup de-duplicates retransmitted PR_CMD_DONE acknowledgements by
// (node, emitter_seq), the bookkeeping pr_lock_algo.c's emitter_seq
// field implies but never made into its own data structure. Grounded
// on the teacher's handler/handlerDB.go use of an immutable radix
// tree as an ordered index swapped under a lock on every mutation.
//
// Keyed by node alone rather than by every (node, seq) pair: a node
// only ever retransmits its current, not-yet-acked emitter_seq, so
// tracking the last seq seen per node is enough to drop a retransmit,
// and keeps the index's size bounded by live node count instead of
// growing once per acknowledgement over the cluster's lifetime.
type SeqDedup struct {
	mu   sync.Mutex
	tree *iradix.Tree
}

func NewSeqDedup() *SeqDedup {
	return &SeqDedup{tree: iradix.New()}
}

func nodeKey(node exatypes.NodeID) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(node))
	return buf
}

// Seen reports whether seq is no newer than the last emitter_seq
// recorded for node (spec §6's wire header wraps emitter_seq as a
// uint16, compared the way TCP sequence numbers are: by the sign of
// the signed difference, so a wrap is still "newer" than what
// preceded it), recording seq as the new high-water mark otherwise.
func (d *SeqDedup) Seen(node exatypes.NodeID, seq uint16) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := nodeKey(node)
	if v, ok := d.tree.Get(key); ok {
		last := v.(uint16)
		if int16(seq-last) <= 0 {
			return true
		}
	}
	d.tree, _, _ = d.tree.Insert(key, seq)
	return false
}
