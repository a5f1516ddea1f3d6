package diff

import "sort"

// Collection is a materialized view: per key, the signed multiplicity of
// every value observed so far. A collection is exactly the running sum of
// all diffs applied to it, so diff conservation can be checked against it
// directly.
type Collection struct {
	counts map[string]map[string]int64 // key -> value -> multiplicity
}

// NewCollection creates an empty collection.
func NewCollection() *Collection {
	return &Collection{counts: make(map[string]map[string]int64)}
}

// Apply folds a single diff into the collection. Driving any (key, value)
// multiplicity below zero returns ErrNegativeMultiplicity and leaves the
// collection unchanged.
func (c *Collection) Apply(d Diff) error {
	if d.Mult == 0 {
		return nil
	}
	vals := c.counts[d.Key]
	cur := vals[string(d.Value)]
	next := cur + d.Mult
	if next < 0 {
		return ErrNegativeMultiplicity
	}
	if vals == nil {
		vals = make(map[string]int64)
		c.counts[d.Key] = vals
	}
	if next == 0 {
		delete(vals, string(d.Value))
		if len(vals) == 0 {
			delete(c.counts, d.Key)
		}
		return nil
	}
	vals[string(d.Value)] = next
	return nil
}

// ApplyBatch folds a batch into the collection. Multiplicities are summed
// per (key, value) first, so a retraction and a matching insertion within
// the same batch cancel regardless of their relative order.
func (c *Collection) ApplyBatch(b Batch) error {
	type kv struct{ key, value string }
	sums := make(map[kv]int64, len(b))
	order := make([]kv, 0, len(b))
	times := make(map[kv]Timestamp, len(b))
	for _, d := range b {
		k := kv{d.Key, string(d.Value)}
		if _, seen := sums[k]; !seen {
			order = append(order, k)
		}
		sums[k] += d.Mult
		times[k] = d.Time
	}
	for _, k := range order {
		if err := c.Apply(Diff{Key: k.key, Value: []byte(k.value), Mult: sums[k], Time: times[k]}); err != nil {
			return err
		}
	}
	return nil
}

// Multiplicity returns the current multiplicity of (key, value).
func (c *Collection) Multiplicity(key string, value []byte) int64 {
	return c.counts[key][string(value)]
}

// Values returns the distinct values currently present for key, sorted for
// deterministic iteration.
func (c *Collection) Values(key string) [][]byte {
	vals := c.counts[key]
	if len(vals) == 0 {
		return nil
	}
	keys := make([]string, 0, len(vals))
	for v := range vals {
		keys = append(keys, v)
	}
	sort.Strings(keys)
	out := make([][]byte, len(keys))
	for i, v := range keys {
		out[i] = []byte(v)
	}
	return out
}

// Keys returns the keys with at least one present value, sorted.
func (c *Collection) Keys() []string {
	keys := make([]string, 0, len(c.counts))
	for k := range c.counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of keys with at least one present value.
func (c *Collection) Len() int {
	return len(c.counts)
}
