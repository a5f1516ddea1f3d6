package operator

import (
	"bytes"
	"fmt"

	"github.com/Tabbuchauhan/pathway/diff"
)

// reduceOp is an incremental group-reduce. Per key it keeps the group's
// value multiset and the last emitted result; on input it recomputes only
// the touched groups and emits a retraction of the stale result followed
// by an insertion of the fresh one.
type reduceOp struct {
	fn     ReduceFunc
	groups keyIndex
	// last emitted result per key; presence means a result is live downstream.
	results map[string][]byte
}

func newReduceOp(fn ReduceFunc) *reduceOp {
	return &reduceOp{fn: fn, groups: make(keyIndex), results: make(map[string][]byte)}
}

func (o *reduceOp) Kind() Kind { return KindReduce }

func (o *reduceOp) Accept(_ int, in diff.Batch) (diff.Batch, error) {
	in = consolidate(in)

	touched := make(map[string]diff.Timestamp)
	for _, d := range in {
		if o.groups.add(d.Key, d.Value, d.Mult) < 0 {
			return nil, fmt.Errorf("reduce %s: %w", d.Key, diff.ErrNegativeMultiplicity)
		}
		if d.Time > touched[d.Key] {
			touched[d.Key] = d.Time
		}
	}

	var out diff.Batch
	// Iterate in input order for deterministic output.
	emitted := make(map[string]bool, len(touched))
	for _, d := range in {
		key := d.Key
		if emitted[key] {
			continue
		}
		emitted[key] = true
		ts := touched[key]

		prev, had := o.results[key]
		vals := o.groups.values(key)
		if len(vals) == 0 {
			// Group emptied: retract the previous result, emit nothing new.
			if had {
				out = append(out, diff.Diff{Key: key, Value: prev, Mult: -1, Time: ts})
				delete(o.results, key)
			}
			continue
		}

		next, err := o.fn(key, vals)
		if err != nil {
			return nil, fmt.Errorf("reduce %s: %w", key, err)
		}
		if had && bytes.Equal(prev, next) {
			continue
		}
		if had {
			out = append(out, diff.Diff{Key: key, Value: prev, Mult: -1, Time: ts})
		}
		out = append(out, diff.Diff{Key: key, Value: next, Mult: 1, Time: ts})
		o.results[key] = next
	}
	return out, nil
}

func (o *reduceOp) AdvanceTo(diff.Timestamp) (diff.Batch, error) { return nil, nil }

type reduceState struct {
	Groups  keyIndex          `codec:"groups"`
	Results map[string][]byte `codec:"results"`
}

func (o *reduceOp) Snapshot() ([]byte, error) {
	return encodeState(reduceState{Groups: o.groups, Results: o.results})
}

func (o *reduceOp) Restore(state []byte) error {
	var s reduceState
	if err := decodeState(state, &s); err != nil {
		return fmt.Errorf("reduce: restore: %w", err)
	}
	if s.Groups == nil {
		s.Groups = make(keyIndex)
	}
	if s.Results == nil {
		s.Results = make(map[string][]byte)
	}
	o.groups, o.results = s.Groups, s.Results
	return nil
}
