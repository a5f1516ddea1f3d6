package operator

import (
	"fmt"

	"github.com/Tabbuchauhan/pathway/diff"
)

// joinOp is an incremental binary equi-join. Each side keeps a per-key
// index of its accumulated values; an input delta on one side joins
// against the other side's index only for the keys it touches.
//
// Feeding port 0 before port 1 within an epoch yields exactly
// dL><R + L><dR + dL><dR, because the left index already contains dL when
// the right delta arrives.
type joinOp struct {
	fn    JoinFunc
	left  keyIndex
	right keyIndex
}

func newJoinOp(fn JoinFunc) *joinOp {
	return &joinOp{fn: fn, left: make(keyIndex), right: make(keyIndex)}
}

func (o *joinOp) Kind() Kind { return KindJoin }

func (o *joinOp) Accept(port int, in diff.Batch) (diff.Batch, error) {
	if port != 0 && port != 1 {
		return nil, fmt.Errorf("join: invalid input port %d", port)
	}
	own, other := o.left, o.right
	if port == 1 {
		own, other = o.right, o.left
	}

	var out diff.Batch
	for _, d := range consolidate(in) {
		for _, m := range other.values(d.Key) {
			left, right := d.Value, m.Value
			if port == 1 {
				left, right = m.Value, d.Value
			}
			joined, err := o.fn(d.Key, left, right)
			if err != nil {
				return nil, fmt.Errorf("join %s: %w", d.Key, err)
			}
			out = append(out, diff.Diff{Key: d.Key, Value: joined, Mult: d.Mult * m.Count, Time: d.Time})
		}
		if own.add(d.Key, d.Value, d.Mult) < 0 {
			return nil, fmt.Errorf("join %s: %w", d.Key, diff.ErrNegativeMultiplicity)
		}
	}
	return out, nil
}

func (o *joinOp) AdvanceTo(diff.Timestamp) (diff.Batch, error) { return nil, nil }

type joinState struct {
	Left  keyIndex `codec:"left"`
	Right keyIndex `codec:"right"`
}

func (o *joinOp) Snapshot() ([]byte, error) {
	return encodeState(joinState{Left: o.left, Right: o.right})
}

func (o *joinOp) Restore(state []byte) error {
	var s joinState
	if err := decodeState(state, &s); err != nil {
		return fmt.Errorf("join: restore: %w", err)
	}
	if s.Left == nil {
		s.Left = make(keyIndex)
	}
	if s.Right == nil {
		s.Right = make(keyIndex)
	}
	o.left, o.right = s.Left, s.Right
	return nil
}
