package graph

import (
	"fmt"
	"sort"

	"github.com/Tabbuchauhan/pathway/operator"
)

// Builder assembles a dataflow graph. Nodes are appended to the arena and
// referenced by the returned ids, so a builder can only ever produce an
// acyclic graph; Build re-validates everything.
type Builder struct {
	nodes []Node
	edges []Edge
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) addNode(n Node) NodeID {
	n.ID = NodeID(len(b.nodes))
	if n.LateSink == 0 {
		n.LateSink = -1
	}
	b.nodes = append(b.nodes, n)
	return n.ID
}

func (b *Builder) addEdge(from, to NodeID, port int) {
	b.edges = append(b.edges, Edge{ID: EdgeID(len(b.edges)), From: from, To: to, Port: port})
}

// Source adds an ingestion node fed by the named connector.
func (b *Builder) Source(name, connector string) NodeID {
	return b.addNode(Node{Type: NodeSource, Name: name, Connector: connector, LateSink: -1})
}

// Map adds a map operator downstream of parent.
func (b *Builder) Map(name string, parent NodeID, fn operator.MapFunc) NodeID {
	id := b.addNode(Node{Type: NodeOperator, Name: name, Spec: operator.Spec{Kind: operator.KindMap, Map: fn}, LateSink: -1})
	b.addEdge(parent, id, 0)
	return id
}

// Filter adds a filter operator downstream of parent.
func (b *Builder) Filter(name string, parent NodeID, fn operator.FilterFunc) NodeID {
	id := b.addNode(Node{Type: NodeOperator, Name: name, Spec: operator.Spec{Kind: operator.KindFilter, Filter: fn}, LateSink: -1})
	b.addEdge(parent, id, 0)
	return id
}

// Project adds a stateless projection downstream of parent.
func (b *Builder) Project(name string, parent NodeID, fn operator.ProjectFunc) NodeID {
	id := b.addNode(Node{Type: NodeOperator, Name: name, Spec: operator.Spec{Kind: operator.KindProject, Project: fn}, LateSink: -1})
	b.addEdge(parent, id, 0)
	return id
}

// Join adds an incremental equi-join of left (port 0) and right (port 1).
func (b *Builder) Join(name string, left, right NodeID, fn operator.JoinFunc) NodeID {
	id := b.addNode(Node{Type: NodeOperator, Name: name, Spec: operator.Spec{Kind: operator.KindJoin, Join: fn}, LateSink: -1})
	b.addEdge(left, id, 0)
	b.addEdge(right, id, 1)
	return id
}

// Reduce adds an incremental group-reduce downstream of parent.
func (b *Builder) Reduce(name string, parent NodeID, fn operator.ReduceFunc) NodeID {
	id := b.addNode(Node{Type: NodeOperator, Name: name, Spec: operator.Spec{Kind: operator.KindReduce, Reduce: fn}, LateSink: -1})
	b.addEdge(parent, id, 0)
	return id
}

// Window adds a tumbling window aggregate downstream of parent.
func (b *Builder) Window(name string, parent NodeID, spec operator.WindowSpec) NodeID {
	id := b.addNode(Node{Type: NodeOperator, Name: name, Spec: operator.Spec{Kind: operator.KindWindow, Window: &spec}, LateSink: -1})
	b.addEdge(parent, id, 0)
	return id
}

// Sink adds an egress node writing parent's output to the named connector.
func (b *Builder) Sink(name string, parent NodeID, connector string) NodeID {
	id := b.addNode(Node{Type: NodeSink, Name: name, Connector: connector, LateSink: -1})
	b.addEdge(parent, id, 0)
	return id
}

// DeadLetter adds a sink node with no upstream edge. It only validates
// when some window routes its late side output to it via LateSink.
func (b *Builder) DeadLetter(name, connector string) NodeID {
	return b.addNode(Node{Type: NodeSink, Name: name, Connector: connector, LateSink: -1})
}

// LateSink routes the late side output of a window operator to sink. The
// window's spec must use the side-output late policy.
func (b *Builder) LateSink(window, sink NodeID) error {
	if int(window) >= len(b.nodes) || int(sink) >= len(b.nodes) {
		return fmt.Errorf("%w: late sink references missing node", ErrInvalidGraph)
	}
	w := &b.nodes[window]
	if w.Type != NodeOperator || w.Spec.Kind != operator.KindWindow {
		return fmt.Errorf("%w: late sink parent %q is not a window", ErrInvalidGraph, w.Name)
	}
	if w.Spec.Window.Late != operator.LateSideOutput {
		return fmt.Errorf("%w: window %q does not use the side-output late policy", ErrInvalidGraph, w.Name)
	}
	if b.nodes[sink].Type != NodeSink {
		return fmt.Errorf("%w: late sink target %q is not a sink", ErrInvalidGraph, b.nodes[sink].Name)
	}
	w.LateSink = sink
	return nil
}

// Build finalizes and validates the graph.
func (b *Builder) Build() (*Graph, error) {
	g := &Graph{
		Nodes: append([]Node(nil), b.nodes...),
		Edges: append([]Edge(nil), b.edges...),
		in:    make(map[NodeID][]Edge),
		out:   make(map[NodeID][]Edge),
	}
	for _, e := range g.Edges {
		g.in[e.To] = append(g.in[e.To], e)
		g.out[e.From] = append(g.out[e.From], e)
	}
	for id := range g.in {
		edges := g.in[id]
		sort.Slice(edges, func(i, j int) bool { return edges[i].Port < edges[j].Port })
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}
