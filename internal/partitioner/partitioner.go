// Package partitioner routes diffs to workers by key. The assignment is a
// pure function of the key and the worker count, so identical keys land on
// the same worker across the whole run and across a recovery.
package partitioner

import (
	"hash/fnv"

	"github.com/Tabbuchauhan/pathway/diff"
)

// Partitioner splits diff batches across a fixed number of workers using
// FNV-1a over the diff key.
type Partitioner struct {
	workers int
}

// New creates a partitioner for the given worker count.
func New(workers int) *Partitioner {
	if workers < 1 {
		workers = 1
	}
	return &Partitioner{workers: workers}
}

// Workers returns the worker count the partitioner routes across.
func (p *Partitioner) Workers() int { return p.workers }

// Owner returns the worker owning the given key.
func (p *Partitioner) Owner(key string) int {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int(h.Sum64() % uint64(p.workers))
}

// Split partitions a batch into one (possibly empty) batch per worker,
// preserving the input order within each partition.
func (p *Partitioner) Split(in diff.Batch) []diff.Batch {
	out := make([]diff.Batch, p.workers)
	for _, d := range in {
		w := p.Owner(d.Key)
		out[w] = append(out[w], d)
	}
	return out
}
