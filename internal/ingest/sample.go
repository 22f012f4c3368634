package ingest

import (
	"math/rand/v2"
	"sort"
)

// reservoir keeps a uniform sample of k rows from a stream of unknown
// length. A fixed seed makes the sample reproducible.
type reservoir struct {
	k     int64
	seen  int64
	rng   *rand.Rand
	items []sampledRow
}

type sampledRow struct {
	index  int64
	values []string
}

func newReservoir(k int64, seed uint64) *reservoir {
	return &reservoir{
		k:     k,
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		items: make([]sampledRow, 0, min(k, 1<<16)),
	}
}

func (r *reservoir) offer(values []string) {
	index := r.seen
	r.seen++
	if r.k <= 0 {
		return
	}
	if int64(len(r.items)) < r.k {
		r.items = append(r.items, sampledRow{index: index, values: values})
		return
	}
	if j := r.rng.Int64N(r.seen); j < r.k {
		r.items[j] = sampledRow{index: index, values: values}
	}
}

// rows returns the sample in source order.
func (r *reservoir) rows() [][]string {
	sort.Slice(r.items, func(i, j int) bool { return r.items[i].index < r.items[j].index })
	out := make([][]string, 0, len(r.items))
	for _, item := range r.items {
		out = append(out, item.values)
	}
	return out
}
