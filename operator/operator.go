// Package operator implements the incremental operator set. Every
// operator consumes diff batches and produces diff batches, touching only
// the per-key state relevant to the diffs it receives; no operator ever
// recomputes a full collection.
package operator

import (
	"errors"
	"fmt"

	"github.com/Tabbuchauhan/pathway/diff"
)

var (
	// ErrLateData is returned by a window operator handed a diff whose
	// window has already been evicted, under the reject policy.
	ErrLateData = errors.New("operator: diff arrived after its window closed")
	// ErrUnknownKind is returned when building an operator from a spec with
	// an unrecognized kind.
	ErrUnknownKind = errors.New("operator: unknown operator kind")
)

// Kind enumerates the closed set of operator kinds. The set is fixed at
// graph-build time and dispatched exhaustively in Spec.Build.
type Kind uint8

const (
	KindMap Kind = iota + 1
	KindFilter
	KindProject
	KindJoin
	KindReduce
	KindWindow
)

func (k Kind) String() string {
	switch k {
	case KindMap:
		return "map"
	case KindFilter:
		return "filter"
	case KindProject:
		return "project"
	case KindJoin:
		return "join"
	case KindReduce:
		return "reduce"
	case KindWindow:
		return "window"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// MapFunc rewrites a record, possibly changing its key.
type MapFunc func(key string, value []byte) (string, []byte, error)

// FilterFunc decides whether a record passes through.
type FilterFunc func(key string, value []byte) (bool, error)

// ProjectFunc rewrites a record's value, keeping its key.
type ProjectFunc func(value []byte) ([]byte, error)

// JoinFunc combines a left and a right value sharing the same key.
type JoinFunc func(key string, left, right []byte) ([]byte, error)

// ValueCount is one distinct value in a group together with its current
// multiplicity. Multiplicities are always positive when handed to a
// ReduceFunc.
type ValueCount struct {
	Value []byte
	Count int64
}

// ReduceFunc folds the current contents of a group into a single result
// value. Values arrive sorted, so the result must be deterministic.
type ReduceFunc func(key string, values []ValueCount) ([]byte, error)

// LatePolicy controls what a window operator does with diffs for already
// evicted windows. Late data is never silently merged.
type LatePolicy uint8

const (
	// LateReject fails the enclosing epoch.
	LateReject LatePolicy = iota
	// LateSideOutput diverts late diffs to a side output drained by the
	// caller.
	LateSideOutput
)

// WindowSpec configures a tumbling window aggregate: windows cover
// [start, start+Size) in epoch time and close when the input frontier
// passes their end.
type WindowSpec struct {
	Size   diff.Timestamp
	Reduce ReduceFunc
	Late   LatePolicy
}

// Operator is a single operator instance owning its state shard. Instances
// are single-threaded; workers never share them.
//
// Accept runs to completion for the batch it receives. For binary
// operators the port selects the input (0 = left, 1 = right) and ports
// must be fed in ascending order within an epoch.
type Operator interface {
	Kind() Kind

	// Accept folds an input batch into operator state and returns the
	// output diffs it produces.
	Accept(port int, in diff.Batch) (diff.Batch, error)

	// AdvanceTo tells the operator that all inputs with timestamps below
	// frontier have been delivered. Time-dependent operators may emit
	// output and evict state; stateless operators return nil.
	AdvanceTo(frontier diff.Timestamp) (diff.Batch, error)

	// Snapshot serializes the operator's state as of the last completed
	// epoch.
	Snapshot() ([]byte, error)

	// Restore replaces the operator's state with a previous snapshot.
	Restore(state []byte) error
}

// Spec is the closed tagged variant describing one operator in a dataflow
// graph. Exactly the fields for Kind must be set.
type Spec struct {
	Kind    Kind
	Map     MapFunc
	Filter  FilterFunc
	Project ProjectFunc
	Join    JoinFunc
	Reduce  ReduceFunc
	Window  *WindowSpec
}

// Build constructs a fresh operator instance from the spec. Each worker
// builds its own instance so state is never shared.
func (s Spec) Build() (Operator, error) {
	switch s.Kind {
	case KindMap:
		if s.Map == nil {
			return nil, fmt.Errorf("operator: map spec missing function")
		}
		return &mapOp{fn: s.Map}, nil
	case KindFilter:
		if s.Filter == nil {
			return nil, fmt.Errorf("operator: filter spec missing predicate")
		}
		return &filterOp{fn: s.Filter}, nil
	case KindProject:
		if s.Project == nil {
			return nil, fmt.Errorf("operator: project spec missing function")
		}
		return &projectOp{fn: s.Project}, nil
	case KindJoin:
		if s.Join == nil {
			return nil, fmt.Errorf("operator: join spec missing function")
		}
		return newJoinOp(s.Join), nil
	case KindReduce:
		if s.Reduce == nil {
			return nil, fmt.Errorf("operator: reduce spec missing function")
		}
		return newReduceOp(s.Reduce), nil
	case KindWindow:
		if s.Window == nil || s.Window.Reduce == nil || s.Window.Size == 0 {
			return nil, fmt.Errorf("operator: window spec incomplete")
		}
		return newWindowOp(*s.Window), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, s.Kind)
	}
}

// Keyed reports whether the operator kind keeps per-key state, requiring
// identical keys to be routed to the same worker.
func (s Spec) Keyed() bool {
	switch s.Kind {
	case KindJoin, KindReduce, KindWindow:
		return true
	default:
		return false
	}
}

// mapOp, filterOp and projectOp are the stateless kinds. They carry no
// state, so their snapshots are empty.

type mapOp struct{ fn MapFunc }

func (o *mapOp) Kind() Kind { return KindMap }

func (o *mapOp) Accept(_ int, in diff.Batch) (diff.Batch, error) {
	out := make(diff.Batch, 0, len(in))
	for _, d := range in {
		k, v, err := o.fn(d.Key, d.Value)
		if err != nil {
			return nil, fmt.Errorf("map %s: %w", d.Key, err)
		}
		out = append(out, diff.Diff{Key: k, Value: v, Mult: d.Mult, Time: d.Time})
	}
	return out, nil
}

func (o *mapOp) AdvanceTo(diff.Timestamp) (diff.Batch, error) { return nil, nil }
func (o *mapOp) Snapshot() ([]byte, error)                    { return nil, nil }
func (o *mapOp) Restore([]byte) error                         { return nil }

type filterOp struct{ fn FilterFunc }

func (o *filterOp) Kind() Kind { return KindFilter }

func (o *filterOp) Accept(_ int, in diff.Batch) (diff.Batch, error) {
	var out diff.Batch
	for _, d := range in {
		keep, err := o.fn(d.Key, d.Value)
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", d.Key, err)
		}
		if keep {
			out = append(out, d)
		}
	}
	return out, nil
}

func (o *filterOp) AdvanceTo(diff.Timestamp) (diff.Batch, error) { return nil, nil }
func (o *filterOp) Snapshot() ([]byte, error)                    { return nil, nil }
func (o *filterOp) Restore([]byte) error                         { return nil }

type projectOp struct{ fn ProjectFunc }

func (o *projectOp) Kind() Kind { return KindProject }

func (o *projectOp) Accept(_ int, in diff.Batch) (diff.Batch, error) {
	out := make(diff.Batch, 0, len(in))
	for _, d := range in {
		v, err := o.fn(d.Value)
		if err != nil {
			return nil, fmt.Errorf("project %s: %w", d.Key, err)
		}
		out = append(out, diff.Diff{Key: d.Key, Value: v, Mult: d.Mult, Time: d.Time})
	}
	return out, nil
}

func (o *projectOp) AdvanceTo(diff.Timestamp) (diff.Batch, error) { return nil, nil }
func (o *projectOp) Snapshot() ([]byte, error)                    { return nil, nil }
func (o *projectOp) Restore([]byte) error                         { return nil }
