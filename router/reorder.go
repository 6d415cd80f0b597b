package router

import (
	"errors"
	"sort"
)

// ErrReorderOverflow is returned when more chunks are held back than the reorder window allows.
var ErrReorderOverflow = errors.New("reorder window exceeded")

// reorderBuffer releases sequenced chunks in order. Sequence numbers start at 1.
type reorderBuffer struct {
	next    uint64
	max     int
	pending map[uint64][]byte
}

func newReorderBuffer(max int) *reorderBuffer {
	return &reorderBuffer{next: 1, max: max, pending: make(map[uint64][]byte)}
}

// add stores a chunk and returns the chunks that are now in order. Duplicates are ignored.
func (b *reorderBuffer) add(seq uint64, payload []byte) ([][]byte, error) {
	if seq < b.next {
		return nil, nil
	}
	if seq > b.next {
		if _, dup := b.pending[seq]; dup {
			return nil, nil
		}
		if len(b.pending) >= b.max {
			return nil, ErrReorderOverflow
		}
		b.pending[seq] = payload
		return nil, nil
	}

	ready := [][]byte{payload}
	b.next++
	for {
		p, ok := b.pending[b.next]
		if !ok {
			break
		}
		delete(b.pending, b.next)
		ready = append(ready, p)
		b.next++
	}
	return ready, nil
}

// held returns the sequence numbers waiting for a gap to fill, in order.
func (b *reorderBuffer) held() []uint64 {
	seqs := make([]uint64, 0, len(b.pending))
	for seq := range b.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}
