package operator

import (
	"fmt"
	"sort"

	"github.com/Tabbuchauhan/pathway/diff"
)

// windowOp is a tumbling window aggregate. Input diffs are buffered per
// window start; when the input frontier passes a window's end the window's
// groups are reduced, the results emitted, and the buffer evicted. A diff
// for an evicted window is late data: rejected or diverted to the side
// output, never merged.
type windowOp struct {
	spec     WindowSpec
	windows  map[diff.Timestamp]keyIndex // window start -> buffered groups
	frontier diff.Timestamp              // inputs below this are complete
	late     diff.Batch                  // pending side output
}

func newWindowOp(spec WindowSpec) *windowOp {
	return &windowOp{spec: spec, windows: make(map[diff.Timestamp]keyIndex)}
}

func (o *windowOp) Kind() Kind { return KindWindow }

// windowStart aligns a timestamp down to its window boundary.
func (o *windowOp) windowStart(ts diff.Timestamp) diff.Timestamp {
	return ts / o.spec.Size * o.spec.Size
}

// consolidateWindows sums multiplicities per (key, value, window). Plain
// consolidation merges by (key, value) alone, which would fold two
// occurrences of the same value from different windows into one window's
// buffer; the window boundary has to stay part of the identity.
func (o *windowOp) consolidateWindows(in diff.Batch) diff.Batch {
	if len(in) <= 1 {
		return in
	}
	type kvw struct {
		key, value string
		start      diff.Timestamp
	}
	sums := make(map[kvw]int64, len(in))
	times := make(map[kvw]diff.Timestamp, len(in))
	order := make([]kvw, 0, len(in))
	for _, d := range in {
		k := kvw{d.Key, string(d.Value), o.windowStart(d.Time)}
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

func (o *windowOp) Accept(_ int, in diff.Batch) (diff.Batch, error) {
	for _, d := range o.consolidateWindows(in) {
		start := o.windowStart(d.Time)
		if start+o.spec.Size <= o.frontier {
			// The window already closed and was evicted.
			if o.spec.Late == LateSideOutput {
				o.late = append(o.late, d)
				continue
			}
			return nil, fmt.Errorf("window [%d,%d) key %s: %w",
				start, start+o.spec.Size, d.Key, ErrLateData)
		}
		buf := o.windows[start]
		if buf == nil {
			buf = make(keyIndex)
			o.windows[start] = buf
		}
		if buf.add(d.Key, d.Value, d.Mult) < 0 {
			return nil, fmt.Errorf("window %s: %w", d.Key, diff.ErrNegativeMultiplicity)
		}
	}
	return nil, nil
}

// AdvanceTo closes every window whose end the frontier has passed: the
// aggregate per key is emitted once, stamped with the closing frontier,
// and the window's buffered state is evicted.
func (o *windowOp) AdvanceTo(frontier diff.Timestamp) (diff.Batch, error) {
	if frontier < o.frontier {
		return nil, fmt.Errorf("window: frontier moved backwards from %d to %d", o.frontier, frontier)
	}
	o.frontier = frontier

	starts := make([]diff.Timestamp, 0, len(o.windows))
	for start := range o.windows {
		if start+o.spec.Size <= frontier {
			starts = append(starts, start)
		}
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	var out diff.Batch
	for _, start := range starts {
		buf := o.windows[start]
		keys := make([]string, 0, len(buf))
		for k := range buf {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			res, err := o.spec.Reduce(key, buf.values(key))
			if err != nil {
				return nil, fmt.Errorf("window [%d,%d) key %s: %w", start, start+o.spec.Size, key, err)
			}
			out = append(out, diff.Diff{Key: key, Value: res, Mult: 1, Time: frontier})
		}
		delete(o.windows, start)
	}
	return out, nil
}

// TakeLate drains the side output accumulated under LateSideOutput.
func (o *windowOp) TakeLate() diff.Batch {
	late := o.late
	o.late = nil
	return late
}

type windowState struct {
	Windows  map[uint64]keyIndex `codec:"windows"`
	Frontier uint64              `codec:"frontier"`
	Late     diff.Batch          `codec:"late"`
}

func (o *windowOp) Snapshot() ([]byte, error) {
	ws := make(map[uint64]keyIndex, len(o.windows))
	for start, buf := range o.windows {
		ws[uint64(start)] = buf
	}
	return encodeState(windowState{Windows: ws, Frontier: uint64(o.frontier), Late: o.late})
}

func (o *windowOp) Restore(state []byte) error {
	var s windowState
	if err := decodeState(state, &s); err != nil {
		return fmt.Errorf("window: restore: %w", err)
	}
	o.windows = make(map[diff.Timestamp]keyIndex, len(s.Windows))
	for start, buf := range s.Windows {
		o.windows[diff.Timestamp(start)] = buf
	}
	o.frontier = diff.Timestamp(s.Frontier)
	o.late = s.Late
	return nil
}
