package operator

import (
	"bytes"
	"sort"

	"github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/Tabbuchauhan/pathway/diff"
)

// keyIndex is the per-key accumulated state of a stateful operator: for
// every key, the signed multiplicity of each distinct value. Value bytes
// are used directly as map keys (Go strings carry arbitrary bytes).
type keyIndex map[string]map[string]int64

// add folds (key, value, mult) into the index and returns the value's new
// multiplicity. Empty entries are removed so eviction is automatic.
func (ix keyIndex) add(key string, value []byte, mult int64) int64 {
	vals := ix[key]
	if vals == nil {
		vals = make(map[string]int64)
		ix[key] = vals
	}
	next := vals[string(value)] + mult
	if next == 0 {
		delete(vals, string(value))
		if len(vals) == 0 {
			delete(ix, key)
		}
		return 0
	}
	vals[string(value)] = next
	return next
}

// values returns the group contents for key, sorted by value bytes so
// reduce functions see deterministic input.
func (ix keyIndex) values(key string) []ValueCount {
	vals := ix[key]
	if len(vals) == 0 {
		return nil
	}
	sorted := make([]string, 0, len(vals))
	for v := range vals {
		sorted = append(sorted, v)
	}
	sort.Strings(sorted)
	out := make([]ValueCount, len(sorted))
	for i, v := range sorted {
		out[i] = ValueCount{Value: []byte(v), Count: vals[v]}
	}
	return out
}

// consolidate sums multiplicities per (key, value) within a batch,
// preserving first-seen order and the latest timestamp. Stateful operators
// consolidate their input so a retraction ordered before its matching
// insertion inside one batch nets out instead of tripping the negative
// multiplicity check.
func consolidate(in diff.Batch) diff.Batch {
	if len(in) <= 1 {
		return in
	}
	type kv struct{ key, value string }
	sums := make(map[kv]int64, len(in))
	times := make(map[kv]diff.Timestamp, len(in))
	order := make([]kv, 0, len(in))
	for _, d := range in {
		k := kv{d.Key, string(d.Value)}
		if _, seen := sums[k]; !seen {
			order = append(order, k)
		}
		sums[k] += d.Mult
		if d.Time > times[k] {
			times[k] = d.Time
		}
	}
	out := make(diff.Batch, 0, len(order))
	for _, k := range order {
		if sums[k] == 0 {
			continue
		}
		out = append(out, diff.Diff{Key: k.key, Value: []byte(k.value), Mult: sums[k], Time: times[k]})
	}
	return out
}

var stateHandle = &codec.MsgpackHandle{}

func encodeState(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, stateHandle).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeState(b []byte, v any) error {
	return codec.NewDecoder(bytes.NewReader(b), stateHandle).Decode(v)
}
