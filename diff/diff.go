// Package diff defines the change-record substrate the engine computes
// over: signed-multiplicity diffs, timestamped batches, and materialized
// collections built by accumulating diffs.
package diff

import (
	"errors"
	"fmt"
)

var (
	// ErrNegativeMultiplicity is returned when applying a diff would drive a
	// key's accumulated multiplicity below zero. This is an operator
	// invariant violation and is fatal for the enclosing epoch.
	ErrNegativeMultiplicity = errors.New("diff: negative multiplicity cannot be reconciled")
)

// Timestamp is a logical time identifying the epoch a diff belongs to.
// Epochs advance monotonically per source partition.
type Timestamp uint64

// Diff is a single change record: the multiplicity of (Key, Value) in the
// collection changed by Mult at logical time Time. An update is modeled as
// a retraction of the old value plus an insertion of the new value at the
// same timestamp.
type Diff struct {
	Key   string    `json:"key"`
	Value []byte    `json:"value,omitempty"`
	Mult  int64     `json:"mult"`
	Time  Timestamp `json:"time"`
}

func (d Diff) String() string {
	return fmt.Sprintf("(%s, %q, %+d, t%d)", d.Key, d.Value, d.Mult, d.Time)
}

// Batch is an ordered slice of diffs. Order is meaningful only within a
// single source partition; across partitions only timestamps order diffs.
type Batch []Diff

// MaxTime returns the largest timestamp in the batch, or zero for an empty
// batch.
func (b Batch) MaxTime() Timestamp {
	var max Timestamp
	for _, d := range b {
		if d.Time > max {
			max = d.Time
		}
	}
	return max
}

// Clone returns a copy of the batch. Value byte slices are shared; diffs
// are treated as immutable once emitted.
func (b Batch) Clone() Batch {
	if b == nil {
		return nil
	}
	out := make(Batch, len(b))
	copy(out, b)
	return out
}

// Stamp returns a copy of the batch with every diff's timestamp set to ts.
func (b Batch) Stamp(ts Timestamp) Batch {
	out := make(Batch, len(b))
	for i, d := range b {
		d.Time = ts
		out[i] = d
	}
	return out
}
