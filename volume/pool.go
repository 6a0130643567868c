package volume

import "github.com/exanodes/exanodes/nbdlist"

// pool bounds the number of sub-I/Os a Volume has outstanding at
// once, built directly on nbdlist.Root: every element starts on the
// free list as one permit; acquire takes an index off free (blocking
// when the pool is exhausted, the back-pressure spec §4.9 asks for),
// release reposts that same index, mirroring the
// TakeIndex/PostIndex handle pattern blockdevice/sysdisk already uses
// for in-place element reuse.
type pool struct {
	root *nbdlist.Root[struct{}]
}

func newPool(capacity int) *pool {
	return &pool{root: nbdlist.NewRoot[struct{}](capacity)}
}

func (p *pool) acquire() int {
	idx, _ := p.root.TakeIndex(p.root.Free(), true)
	return idx
}

func (p *pool) release(idx int) {
	p.root.PostIndex(p.root.Free(), idx)
}
