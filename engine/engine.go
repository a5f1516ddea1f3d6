// Package engine runs a dataflow graph: a coordinator drives N partitioned
// workers through epoch-synchronous rounds, tracks frontiers, and gates
// sink delivery and checkpointing on epoch closure.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tabbuchauhan/pathway/checkpoint"
	"github.com/Tabbuchauhan/pathway/connector"
	"github.com/Tabbuchauhan/pathway/diff"
	"github.com/Tabbuchauhan/pathway/graph"
	"github.com/Tabbuchauhan/pathway/internal/capacity"
	"github.com/Tabbuchauhan/pathway/internal/logger"
	"github.com/Tabbuchauhan/pathway/internal/partitioner"
	"github.com/Tabbuchauhan/pathway/internal/progress"
)

var (
	// ErrMissingConnector means a graph node names a connector the engine
	// was not given.
	ErrMissingConnector = errors.New("engine: graph references unknown connector")
	// ErrWorkerMismatch means a checkpoint was taken with a different
	// worker count than the engine runs with now.
	ErrWorkerMismatch = errors.New("engine: checkpoint worker count mismatch")
)

const defaultBatchSize = 256

// Config tunes one engine run.
type Config struct {
	// Workers is the requested worker count; the capacity gate may clamp
	// it. Values above the ceiling run with the ceiling, never fail.
	Workers    int
	Capability capacity.Capability

	// BatchSize caps diffs per source partition poll.
	BatchSize int

	// CheckpointEvery takes a checkpoint after that many closed epochs,
	// CheckpointInterval after that much wall time, whichever comes
	// first. Zero disables that trigger; with both zero no periodic
	// checkpoints are taken, though a final one still is on shutdown
	// when a checkpoint store is configured.
	CheckpointEvery    int
	CheckpointInterval time.Duration

	// MaxEpochs stops the run after that many epochs. Zero means run
	// until the context is done or the sources drain.
	MaxEpochs int

	// StopWhenIdle stops the run once every source reported idle for
	// IdleRounds consecutive epochs. The extra rounds let open windows
	// flush before shutdown.
	StopWhenIdle bool
	IdleRounds   int
}

// Status is a point-in-time view for the status server.
type Status struct {
	Epoch           diff.Timestamp            `json:"epoch"`
	ClosedEpoch     diff.Timestamp            `json:"closed_epoch"`
	Workers         int                       `json:"workers"`
	Frontiers       map[int]diff.Timestamp    `json:"frontiers"`
	Acked           map[string]diff.Timestamp `json:"acked"`
	CheckpointID    string                    `json:"checkpoint_id,omitempty"`
	CheckpointEpoch diff.Timestamp            `json:"checkpoint_epoch,omitempty"`
}

// Engine executes one dataflow graph.
type Engine struct {
	cfg     Config
	g       *graph.Graph
	order   []graph.NodeID
	part    *partitioner.Partitioner
	tracker *progress.Tracker
	logger  zerolog.Logger

	workers []*worker
	results chan epochResult

	sources map[graph.NodeID]connector.Source
	sinks   map[graph.NodeID]connector.Sink
	ckpt    *checkpoint.Manager

	// pending buffers sink batches per epoch until the epoch closes.
	pending map[graph.NodeID]map[diff.Timestamp]diff.Batch

	mu      sync.Mutex
	status  Status
	offsets map[string]map[int][]byte
	acked   map[graph.NodeID]diff.Timestamp
	started bool
}

// New builds an engine over a validated graph. sources and sinks are keyed
// by connector name as referenced from graph nodes; ckpt may be nil to run
// without persistence.
func New(g *graph.Graph, cfg Config, sources map[string]connector.Source,
	sinks map[string]connector.Sink, ckpt *checkpoint.Manager) (*Engine, error) {

	if err := g.Validate(); err != nil {
		return nil, err
	}
	order, err := g.TopoOrder()
	if err != nil {
		return nil, err
	}

	log := logger.GetLogger("engine")
	workers, err := capacity.AllowedWorkerCount(cfg.Workers, cfg.Capability)
	if err != nil {
		return nil, err
	}
	if workers != cfg.Workers {
		log.Warn().Int("requested", cfg.Workers).Int("allowed", workers).
			Msg("worker count clamped to capability ceiling")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.IdleRounds <= 0 {
		cfg.IdleRounds = 3
	}

	e := &Engine{
		cfg:     cfg,
		g:       g,
		order:   order,
		part:    partitioner.New(workers),
		tracker: progress.NewTracker(log),
		logger:  log,
		results: make(chan epochResult, workers),
		sources: map[graph.NodeID]connector.Source{},
		sinks:   map[graph.NodeID]connector.Sink{},
		ckpt:    ckpt,
		pending: map[graph.NodeID]map[diff.Timestamp]diff.Batch{},
		offsets: map[string]map[int][]byte{},
		acked:   map[graph.NodeID]diff.Timestamp{},
	}
	e.status.Workers = workers

	for _, id := range g.Sources() {
		node := g.Node(id)
		src, ok := sources[node.Connector]
		if !ok {
			return nil, fmt.Errorf("%w: source %q", ErrMissingConnector, node.Connector)
		}
		e.sources[id] = src
	}
	for _, id := range g.Sinks() {
		node := g.Node(id)
		snk, ok := sinks[node.Connector]
		if !ok {
			return nil, fmt.Errorf("%w: sink %q", ErrMissingConnector, node.Connector)
		}
		e.sinks[id] = snk
		e.pending[id] = map[diff.Timestamp]diff.Batch{}
	}

	ex := newExchange(g, workers)
	for i := 0; i < workers; i++ {
		w, err := newWorker(i, g, order, e.part, ex, e.results, log)
		if err != nil {
			return nil, err
		}
		e.workers = append(e.workers, w)
	}
	return e, nil
}

// Workers returns the effective worker count after the capacity gate.
func (e *Engine) Workers() int { return len(e.workers) }

// Status returns a snapshot of engine progress.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.status
	st.Frontiers = make(map[int]diff.Timestamp, len(e.status.Frontiers))
	for k, v := range e.status.Frontiers {
		st.Frontiers[k] = v
	}
	st.Acked = make(map[string]diff.Timestamp, len(e.acked))
	for id, ts := range e.acked {
		st.Acked[e.g.Node(id).Name] = ts
	}
	return st
}

// Run executes the dataflow until the context is done, MaxEpochs is
// reached, or the sources drain with StopWhenIdle set. It recovers from
// the latest checkpoint when one exists.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine: already ran")
	}
	e.started = true
	e.mu.Unlock()

	startEpoch := diff.Timestamp(1)
	var manifest *checkpoint.Manifest
	if e.ckpt != nil {
		man, err := e.ckpt.Latest()
		switch {
		case errors.Is(err, checkpoint.ErrNoCheckpoint):
			// cold start
		case err != nil:
			return err
		default:
			manifest = &man
			startEpoch = man.Epoch + 1
			e.logger.Info().Str("checkpoint", man.ID).Uint64("epoch", uint64(man.Epoch)).
				Msg("recovering from checkpoint")
		}
	}

	if err := e.openConnectors(ctx, manifest); err != nil {
		return err
	}
	defer e.closeConnectors()

	for _, edge := range e.g.Edges {
		e.tracker.RegisterEdge(int(edge.ID), len(e.workers), startEpoch)
	}

	for _, w := range e.workers {
		go w.run()
	}
	defer e.stopWorkers()

	if manifest != nil {
		if err := e.restoreWorkers(*manifest); err != nil {
			return err
		}
	}

	epoch := startEpoch
	idleStreak := 0
	rounds := 0
	lastCheckpoint := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			break
		}
		if e.cfg.MaxEpochs > 0 && rounds >= e.cfg.MaxEpochs {
			break
		}

		shares, idle, err := e.ingest(ctx, epoch)
		if err != nil {
			return err
		}

		if err := e.round(epoch, shares); err != nil {
			return err
		}

		closed, ok := e.tracker.ClosedEpoch()
		if ok {
			if err := e.deliver(ctx, closed); err != nil {
				return err
			}
		}
		e.updateStatus(epoch, closed)

		rounds++
		due := (e.cfg.CheckpointEvery > 0 && rounds%e.cfg.CheckpointEvery == 0) ||
			(e.cfg.CheckpointInterval > 0 && time.Since(lastCheckpoint) >= e.cfg.CheckpointInterval)
		if e.ckpt != nil && due {
			if err := e.takeCheckpoint(closed); err != nil {
				return err
			}
			lastCheckpoint = time.Now()
		}

		if idle {
			idleStreak++
		} else {
			idleStreak = 0
		}
		if e.cfg.StopWhenIdle && idleStreak >= e.cfg.IdleRounds {
			e.logger.Info().Uint64("epoch", uint64(epoch)).Msg("sources idle, stopping")
			break
		}
		epoch++
	}

	if e.ckpt != nil {
		closed, ok := e.tracker.ClosedEpoch()
		if ok {
			if err := e.takeCheckpoint(closed); err != nil {
				return err
			}
		}
	}
	return ctx.Err()
}

// ingest polls every source partition once, stamps diffs that carry no
// event time with the current epoch, and routes the result to its owning
// worker. Returns one share map per worker.
func (e *Engine) ingest(ctx context.Context, epoch diff.Timestamp) ([]map[graph.NodeID]diff.Batch, bool, error) {
	shares := make([]map[graph.NodeID]diff.Batch, len(e.workers))
	for i := range shares {
		shares[i] = map[graph.NodeID]diff.Batch{}
	}
	idle := true

	for _, id := range e.g.Sources() {
		src := e.sources[id]
		var merged diff.Batch
		for p := 0; p < src.Partitions(); p++ {
			var batch diff.Batch
			var off connector.Offset
			err := connector.WithRetry(ctx, e.logger, func() error {
				var perr error
				batch, off, perr = src.Poll(ctx, p, e.cfg.BatchSize)
				return perr
			})
			if errors.Is(err, connector.ErrIdle) {
				continue
			}
			if err != nil {
				return nil, false, fmt.Errorf("engine: poll source %q: %w", src.Name(), err)
			}
			idle = false
			merged = append(merged, batch...)
			e.mu.Lock()
			if e.offsets[src.Name()] == nil {
				e.offsets[src.Name()] = map[int][]byte{}
			}
			e.offsets[src.Name()][p] = append([]byte(nil), off...)
			e.mu.Unlock()
		}
		for i := range merged {
			if merged[i].Time == 0 {
				merged[i].Time = epoch
			}
		}
		for w, share := range e.part.Split(merged) {
			if len(share) > 0 {
				shares[w][id] = share
			}
		}
	}
	return shares, idle, nil
}

// round dispatches one epoch to every worker, collects their results,
// buffers sink output and advances the frontier on every edge.
func (e *Engine) round(epoch diff.Timestamp, shares []map[graph.NodeID]diff.Batch) error {
	for i, w := range e.workers {
		w.tasks <- epochTask{epoch: epoch, sources: shares[i]}
	}

	byWorker := make([]map[graph.NodeID]diff.Batch, len(e.workers))
	var firstErr error
	for range e.workers {
		res := <-e.results
		if res.err != nil && firstErr == nil {
			firstErr = res.err
		}
		byWorker[res.worker] = res.sinks
	}
	if firstErr != nil {
		return firstErr
	}

	// Merge sink output in worker order so delivery is deterministic.
	for _, sinkID := range e.g.Sinks() {
		var merged diff.Batch
		for _, sinks := range byWorker {
			merged = append(merged, sinks[sinkID]...)
		}
		if len(merged) > 0 {
			e.pending[sinkID][epoch] = merged
		}
	}

	for _, edge := range e.g.Edges {
		for w := range e.workers {
			if err := e.tracker.Report(int(edge.ID), w, epoch+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// deliver hands every sink its buffered batches for epochs up to and
// including closed, in epoch order. Epochs a recovered manifest already
// acknowledged are dropped, not re-sent.
func (e *Engine) deliver(ctx context.Context, closed diff.Timestamp) error {
	for _, sinkID := range e.g.Sinks() {
		buf := e.pending[sinkID]
		epochs := make([]diff.Timestamp, 0, len(buf))
		for ep := range buf {
			if ep <= closed {
				epochs = append(epochs, ep)
			}
		}
		sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })

		snk := e.sinks[sinkID]
		for _, ep := range epochs {
			batch := buf[ep]
			delete(buf, ep)
			e.mu.Lock()
			acked := e.acked[sinkID]
			e.mu.Unlock()
			if ep <= acked {
				continue
			}
			err := connector.WithRetry(ctx, e.logger, func() error {
				return snk.Write(ctx, ep, batch)
			})
			if err != nil {
				return fmt.Errorf("engine: deliver epoch %d to sink %q: %w", ep, snk.Name(), err)
			}
			e.mu.Lock()
			e.acked[sinkID] = ep
			e.mu.Unlock()
		}
	}
	return nil
}

// takeCheckpoint snapshots every worker's operator states together with
// source offsets and sink acknowledgments at a closed epoch.
func (e *Engine) takeCheckpoint(closed diff.Timestamp) error {
	states := map[string][]byte{}
	replies := make([]chan snapshotReply, len(e.workers))
	for i, w := range e.workers {
		replies[i] = make(chan snapshotReply, 1)
		w.snapshots <- replies[i]
	}
	for _, ch := range replies {
		reply := <-ch
		if reply.err != nil {
			return reply.err
		}
		for k, v := range reply.states {
			states[k] = v
		}
	}

	e.mu.Lock()
	offsets := make(map[string]map[int][]byte, len(e.offsets))
	for name, parts := range e.offsets {
		offsets[name] = make(map[int][]byte, len(parts))
		for p, off := range parts {
			offsets[name][p] = append([]byte(nil), off...)
		}
	}
	acked := make(map[string]diff.Timestamp, len(e.acked))
	for id, ts := range e.acked {
		acked[e.sinks[id].Name()] = ts
	}
	e.mu.Unlock()

	man, err := e.ckpt.Save(checkpoint.Snapshot{
		Epoch:     closed,
		Operators: states,
		Offsets:   offsets,
		Acked:     acked,
	})
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.status.CheckpointID = man.ID
	e.status.CheckpointEpoch = man.Epoch
	e.mu.Unlock()
	return nil
}

// restoreWorkers pushes checkpointed operator blobs back into the worker
// replicas that owned them.
func (e *Engine) restoreWorkers(man checkpoint.Manifest) error {
	perWorker := make([]map[graph.NodeID][]byte, len(e.workers))
	for i := range perWorker {
		perWorker[i] = map[graph.NodeID][]byte{}
	}
	for key := range man.Operators {
		var node, workerID int
		if _, err := fmt.Sscanf(key, "%d/%d", &node, &workerID); err != nil {
			return fmt.Errorf("%w: bad state key %q", checkpoint.ErrManifestCorrupt, key)
		}
		if workerID < 0 || workerID >= len(e.workers) {
			return fmt.Errorf("%w: state for worker %d, running %d", ErrWorkerMismatch, workerID, len(e.workers))
		}
		blob, err := e.ckpt.OperatorState(man, key)
		if err != nil {
			return err
		}
		perWorker[workerID][graph.NodeID(node)] = blob
	}

	for i, w := range e.workers {
		if len(perWorker[i]) == 0 {
			continue
		}
		reply := make(chan error, 1)
		w.restores <- restoreReq{states: perWorker[i], reply: reply}
		if err := <-reply; err != nil {
			return err
		}
	}

	e.mu.Lock()
	for name, parts := range man.Offsets {
		e.offsets[name] = map[int][]byte{}
		for p, off := range parts {
			e.offsets[name][p] = append([]byte(nil), off...)
		}
	}
	for _, sinkID := range e.g.Sinks() {
		if ts, ok := man.Acked[e.sinks[sinkID].Name()]; ok {
			e.acked[sinkID] = ts
		}
	}
	e.status.CheckpointID = man.ID
	e.status.CheckpointEpoch = man.Epoch
	e.mu.Unlock()
	return nil
}

// openConnectors seeks sources to recovered offsets before opening them,
// then opens sources and sinks.
func (e *Engine) openConnectors(ctx context.Context, man *checkpoint.Manifest) error {
	for _, id := range e.g.Sources() {
		src := e.sources[id]
		if man != nil {
			for p, off := range man.Offsets[src.Name()] {
				if err := src.Seek(p, off); err != nil {
					return fmt.Errorf("engine: seek source %q partition %d: %w", src.Name(), p, err)
				}
			}
		}
		if err := src.Open(ctx); err != nil {
			return err
		}
		if !src.ExactlyOnce() {
			e.logger.Warn().Str("source", src.Name()).Msg("source is not exactly-once; pipeline degrades to at-least-once")
		}
	}
	for _, id := range e.g.Sinks() {
		if err := e.sinks[id].Open(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) closeConnectors() {
	for _, src := range e.sources {
		if err := src.Close(); err != nil {
			e.logger.Warn().Err(err).Str("source", src.Name()).Msg("close failed")
		}
	}
	for _, snk := range e.sinks {
		if err := snk.Close(); err != nil {
			e.logger.Warn().Err(err).Str("sink", snk.Name()).Msg("close failed")
		}
	}
}

func (e *Engine) stopWorkers() {
	for _, w := range e.workers {
		close(w.quit)
	}
	for _, w := range e.workers {
		<-w.done
	}
}

func (e *Engine) updateStatus(epoch, closed diff.Timestamp) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status.Epoch = epoch
	e.status.ClosedEpoch = closed
	e.status.Frontiers = e.tracker.Frontiers()
}
