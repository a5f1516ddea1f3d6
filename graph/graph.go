// Package graph represents a dataflow as an arena of nodes addressed by
// index, with edges stored as index pairs. The arena form keeps the graph
// acyclic-by-construction, free of ownership cycles, and cheap to traverse
// for progress computation.
package graph

import (
	"errors"
	"fmt"

	"github.com/Tabbuchauhan/pathway/operator"
)

var (
	// ErrInvalidGraph is wrapped by all validation failures.
	ErrInvalidGraph = errors.New("graph: invalid dataflow graph")
)

// NodeID addresses a node in the arena.
type NodeID int

// EdgeID addresses an edge in the arena.
type EdgeID int

// NodeType distinguishes ingestion, computation and egress nodes.
type NodeType uint8

const (
	NodeSource NodeType = iota + 1
	NodeOperator
	NodeSink
)

func (t NodeType) String() string {
	switch t {
	case NodeSource:
		return "source"
	case NodeOperator:
		return "operator"
	case NodeSink:
		return "sink"
	default:
		return fmt.Sprintf("type(%d)", t)
	}
}

// Node is one slot in the arena. Operator nodes carry the closed operator
// spec; source and sink nodes name the connector that feeds or drains them.
type Node struct {
	ID   NodeID
	Type NodeType
	Name string
	Spec operator.Spec // set for NodeOperator
	// Connector is the configured connector name for sources and sinks.
	Connector string
	// LateSink is an optional sink node receiving a window's late side
	// output.
	LateSink NodeID
}

// Keyed reports whether the node's operator needs key-partitioned input.
func (n Node) Keyed() bool {
	return n.Type == NodeOperator && n.Spec.Keyed()
}

// Edge connects From's output to To's input. Port selects the input slot
// on multi-input operators (join: 0 = left, 1 = right).
type Edge struct {
	ID   EdgeID
	From NodeID
	To   NodeID
	Port int
}

// Graph is the immutable arena produced by a Builder.
type Graph struct {
	Nodes []Node
	Edges []Edge

	in  map[NodeID][]Edge
	out map[NodeID][]Edge
}

// In returns the edges feeding node n, ordered by input port.
func (g *Graph) In(n NodeID) []Edge { return g.in[n] }

// Out returns the edges leaving node n.
func (g *Graph) Out(n NodeID) []Edge { return g.out[n] }

// Node returns the node for id.
func (g *Graph) Node(id NodeID) Node { return g.Nodes[id] }

// Sources returns all source node ids in arena order.
func (g *Graph) Sources() []NodeID {
	var out []NodeID
	for _, n := range g.Nodes {
		if n.Type == NodeSource {
			out = append(out, n.ID)
		}
	}
	return out
}

// Sinks returns all sink node ids in arena order.
func (g *Graph) Sinks() []NodeID {
	var out []NodeID
	for _, n := range g.Nodes {
		if n.Type == NodeSink {
			out = append(out, n.ID)
		}
	}
	return out
}

// TopoOrder returns node ids in a deterministic topological order.
// Builders only ever append edges from existing nodes, so arena order is
// already topological; this also re-checks acyclicity for graphs built by
// hand.
func (g *Graph) TopoOrder() ([]NodeID, error) {
	indeg := make([]int, len(g.Nodes))
	for _, e := range g.Edges {
		indeg[e.To]++
	}
	var queue []NodeID
	for id := range g.Nodes {
		if indeg[id] == 0 {
			queue = append(queue, NodeID(id))
		}
	}
	var order []NodeID
	for len(queue) > 0 {
		// Take the smallest id for determinism.
		min := 0
		for i := range queue {
			if queue[i] < queue[min] {
				min = i
			}
		}
		n := queue[min]
		queue = append(queue[:min], queue[min+1:]...)
		order = append(order, n)
		for _, e := range g.out[n] {
			indeg[e.To]--
			if indeg[e.To] == 0 {
				queue = append(queue, e.To)
			}
		}
	}
	if len(order) != len(g.Nodes) {
		return nil, fmt.Errorf("%w: cycle detected", ErrInvalidGraph)
	}
	return order, nil
}

// isLateSink reports whether some window routes its side output to id.
func (g *Graph) isLateSink(id NodeID) bool {
	for _, n := range g.Nodes {
		if n.LateSink == id {
			return true
		}
	}
	return false
}

// Validate checks structural invariants: every edge endpoint exists,
// sources have no inputs, sinks have exactly one input and no outputs,
// joins have exactly two inputs on ports 0 and 1, all other operators have
// exactly one input, and the graph is acyclic.
func (g *Graph) Validate() error {
	for _, e := range g.Edges {
		if int(e.From) >= len(g.Nodes) || int(e.To) >= len(g.Nodes) || e.From < 0 || e.To < 0 {
			return fmt.Errorf("%w: edge %d references missing node", ErrInvalidGraph, e.ID)
		}
	}
	for _, n := range g.Nodes {
		in, out := g.in[n.ID], g.out[n.ID]
		switch n.Type {
		case NodeSource:
			if len(in) != 0 {
				return fmt.Errorf("%w: source %q has inputs", ErrInvalidGraph, n.Name)
			}
			if n.Connector == "" {
				return fmt.Errorf("%w: source %q has no connector", ErrInvalidGraph, n.Name)
			}
		case NodeSink:
			if len(in) > 1 {
				return fmt.Errorf("%w: sink %q needs at most one input, has %d", ErrInvalidGraph, n.Name, len(in))
			}
			if len(in) == 0 && !g.isLateSink(n.ID) {
				return fmt.Errorf("%w: sink %q has no input", ErrInvalidGraph, n.Name)
			}
			if len(out) != 0 {
				return fmt.Errorf("%w: sink %q has outputs", ErrInvalidGraph, n.Name)
			}
			if n.Connector == "" {
				return fmt.Errorf("%w: sink %q has no connector", ErrInvalidGraph, n.Name)
			}
		case NodeOperator:
			want := 1
			if n.Spec.Kind == operator.KindJoin {
				want = 2
			}
			if len(in) != want {
				return fmt.Errorf("%w: %s %q needs %d inputs, has %d",
					ErrInvalidGraph, n.Spec.Kind, n.Name, want, len(in))
			}
			for i, e := range in {
				if e.Port != i {
					return fmt.Errorf("%w: %s %q has gap in input ports", ErrInvalidGraph, n.Spec.Kind, n.Name)
				}
			}
		default:
			return fmt.Errorf("%w: node %d has no type", ErrInvalidGraph, n.ID)
		}
	}
	if _, err := g.TopoOrder(); err != nil {
		return err
	}
	return nil
}
