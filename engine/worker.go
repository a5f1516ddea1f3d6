package engine

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Tabbuchauhan/pathway/checkpoint"
	"github.com/Tabbuchauhan/pathway/diff"
	"github.com/Tabbuchauhan/pathway/graph"
	"github.com/Tabbuchauhan/pathway/internal/partitioner"
	"github.com/Tabbuchauhan/pathway/operator"
)

// exchangeMsg is one worker's share of a keyed edge's batch for one epoch.
type exchangeMsg struct {
	from  int
	batch diff.Batch
}

// exchange carries keyed-edge batches between workers: one channel per
// (edge, destination worker). Every worker sends exactly one message per
// keyed edge per epoch, so capacity equal to the worker count makes every
// send non-blocking and the all-to-all deadlock free.
type exchange map[graph.EdgeID][]chan exchangeMsg

func newExchange(g *graph.Graph, workers int) exchange {
	ex := exchange{}
	for _, e := range g.Edges {
		if g.Node(e.To).Keyed() {
			chans := make([]chan exchangeMsg, workers)
			for i := range chans {
				chans[i] = make(chan exchangeMsg, workers)
			}
			ex[e.ID] = chans
		}
	}
	return ex
}

// epochTask tells a worker to run one epoch over its share of source data.
type epochTask struct {
	epoch   diff.Timestamp
	sources map[graph.NodeID]diff.Batch
}

// epochResult carries a worker's per-sink output for one epoch.
type epochResult struct {
	worker int
	sinks  map[graph.NodeID]diff.Batch
	err    error
}

type snapshotReply struct {
	states map[string][]byte
	err    error
}

type restoreReq struct {
	states map[graph.NodeID][]byte
	reply  chan error
}

// worker owns one replica of every operator, holding the state shard for
// the keys it owns. It is single-threaded: the coordinator drives it with
// one command at a time.
type worker struct {
	id     int
	g      *graph.Graph
	order  []graph.NodeID
	part   *partitioner.Partitioner
	ops    map[graph.NodeID]operator.Operator
	ex     exchange
	logger zerolog.Logger

	// keyedEdges lists keyed edge ids in processing order; a worker that
	// fails mid-epoch still exchanges empty batches for the rest so its
	// peers never block.
	keyedEdges []graph.EdgeID

	tasks     chan epochTask
	results   chan<- epochResult
	snapshots chan chan snapshotReply
	restores  chan restoreReq
	quit      chan struct{}
	done      chan struct{}
}

func newWorker(id int, g *graph.Graph, order []graph.NodeID, part *partitioner.Partitioner,
	ex exchange, results chan<- epochResult, logger zerolog.Logger) (*worker, error) {

	ops := map[graph.NodeID]operator.Operator{}
	var keyedEdges []graph.EdgeID
	for _, nodeID := range order {
		node := g.Node(nodeID)
		if node.Type != graph.NodeOperator {
			continue
		}
		op, err := node.Spec.Build()
		if err != nil {
			return nil, fmt.Errorf("engine: node %d (%s): %w", nodeID, node.Name, err)
		}
		ops[nodeID] = op
		if node.Keyed() {
			for _, e := range g.In(nodeID) {
				keyedEdges = append(keyedEdges, e.ID)
			}
		}
	}
	return &worker{
		id:         id,
		g:          g,
		order:      order,
		part:       part,
		ops:        ops,
		ex:         ex,
		keyedEdges: keyedEdges,
		logger:     logger.With().Int("worker", id).Logger(),
		tasks:      make(chan epochTask, 1),
		results:    results,
		snapshots:  make(chan chan snapshotReply, 1),
		restores:   make(chan restoreReq, 1),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

func (w *worker) run() {
	defer close(w.done)
	for {
		select {
		case task := <-w.tasks:
			w.results <- w.runEpoch(task)
		case reply := <-w.snapshots:
			reply <- w.snapshot()
		case req := <-w.restores:
			req.reply <- w.restore(req.states)
		case <-w.quit:
			return
		}
	}
}

// runEpoch walks the graph in topological order. Inputs to keyed operators
// are shuffled through the exchange so each key's state lives on exactly
// one worker; everything else stays worker-local.
func (w *worker) runEpoch(task epochTask) epochResult {
	outputs := map[graph.NodeID]diff.Batch{}
	late := map[graph.NodeID]diff.Batch{}
	shuffled := 0

	fail := func(err error) epochResult {
		// Keep peers unblocked: exchange empty shares for every keyed
		// edge this worker did not reach.
		for ; shuffled < len(w.keyedEdges); shuffled++ {
			w.shuffle(w.keyedEdges[shuffled], nil)
		}
		w.logger.Error().Err(err).Uint64("epoch", uint64(task.epoch)).Msg("epoch failed")
		return epochResult{worker: w.id, err: err}
	}

	for _, nodeID := range w.order {
		node := w.g.Node(nodeID)
		switch node.Type {
		case graph.NodeSource:
			outputs[nodeID] = task.sources[nodeID]

		case graph.NodeOperator:
			op := w.ops[nodeID]
			var out diff.Batch

			if node.Spec.Kind == operator.KindWindow {
				flushed, err := op.AdvanceTo(task.epoch)
				if err != nil {
					return fail(err)
				}
				out = append(out, flushed...)
			}

			for _, e := range w.g.In(nodeID) {
				in := outputs[e.From]
				if node.Keyed() {
					in = w.shuffle(e.ID, in)
					shuffled++
				}
				produced, err := op.Accept(e.Port, in)
				if err != nil {
					return fail(fmt.Errorf("node %d (%s): %w", nodeID, node.Name, err))
				}
				out = append(out, produced...)
			}

			if node.LateSink >= 0 {
				if lc, ok := op.(interface{ TakeLate() diff.Batch }); ok {
					late[node.LateSink] = append(late[node.LateSink], lc.TakeLate()...)
				}
			}
			outputs[nodeID] = out
		}
	}

	sinks := map[graph.NodeID]diff.Batch{}
	for _, sinkID := range w.g.Sinks() {
		var in diff.Batch
		for _, e := range w.g.In(sinkID) {
			in = append(in, outputs[e.From]...)
		}
		in = append(in, late[sinkID]...)
		if len(in) > 0 {
			sinks[sinkID] = in
		}
	}
	return epochResult{worker: w.id, sinks: sinks}
}

// shuffle splits a batch by key ownership, hands every peer its share and
// collects the shares owned by this worker, merged in worker order so the
// result is deterministic.
func (w *worker) shuffle(edge graph.EdgeID, in diff.Batch) diff.Batch {
	parts := w.part.Split(in)
	for dest, ch := range w.ex[edge] {
		ch <- exchangeMsg{from: w.id, batch: parts[dest]}
	}
	shares := make([]diff.Batch, w.part.Workers())
	for i := 0; i < w.part.Workers(); i++ {
		msg := <-w.ex[edge][w.id]
		shares[msg.from] = msg.batch
	}
	var out diff.Batch
	for _, share := range shares {
		out = append(out, share...)
	}
	return out
}

func (w *worker) snapshot() snapshotReply {
	states := map[string][]byte{}
	for nodeID, op := range w.ops {
		blob, err := op.Snapshot()
		if err != nil {
			return snapshotReply{err: fmt.Errorf("engine: snapshot node %d: %w", nodeID, err)}
		}
		if len(blob) > 0 {
			states[checkpoint.StateKey(int(nodeID), w.id)] = blob
		}
	}
	return snapshotReply{states: states}
}

func (w *worker) restore(states map[graph.NodeID][]byte) error {
	for nodeID, blob := range states {
		op, ok := w.ops[nodeID]
		if !ok {
			return fmt.Errorf("engine: restore: no operator at node %d", nodeID)
		}
		if err := op.Restore(blob); err != nil {
			return fmt.Errorf("engine: restore node %d: %w", nodeID, err)
		}
	}
	return nil
}
