// Package progress tracks, per dataflow edge and per reporting peer, the
// frontier of not-yet-complete timestamps and derives epoch closure from
// the pointwise minimum across all peers.
package progress

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Tabbuchauhan/pathway/diff"
)

var (
	// ErrFrontierRegression is a protocol violation: a peer reported a
	// frontier below one it already reported. Fatal, never absorbed.
	ErrFrontierRegression = errors.New("progress: frontier moved backwards")
	// ErrUnknownEdge is returned for reports on an unregistered edge.
	ErrUnknownEdge = errors.New("progress: unknown edge")
	// ErrUnknownPeer is returned for reports from an unregistered peer.
	ErrUnknownPeer = errors.New("progress: unknown peer")
)

// Tracker computes per-edge frontiers as the pointwise minimum over the
// frontiers reported by each peer working that edge. A peer reporting
// frontier T declares it has finished emitting diffs at timestamps < T.
type Tracker struct {
	mu     sync.RWMutex
	logger zerolog.Logger

	// frontiers[edge][peer] is the peer's last report for that edge.
	frontiers map[int][]diff.Timestamp
}

// NewTracker creates a tracker with no registered edges.
func NewTracker(logger zerolog.Logger) *Tracker {
	return &Tracker{
		logger:    logger,
		frontiers: make(map[int][]diff.Timestamp),
	}
}

// RegisterEdge registers an edge with the given number of reporting peers,
// all starting at the initial frontier. Peers are dense indices: workers
// first, then source partitions for ingestion edges.
func (t *Tracker) RegisterEdge(edge int, peers int, initial diff.Timestamp) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fs := make([]diff.Timestamp, peers)
	for i := range fs {
		fs[i] = initial
	}
	t.frontiers[edge] = fs
}

// Report records that peer has finished emitting diffs below ts on edge.
// Frontiers are monotonic: equal reports are idempotent, lower reports are
// a fatal protocol violation.
func (t *Tracker) Report(edge, peer int, ts diff.Timestamp) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	fs, ok := t.frontiers[edge]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownEdge, edge)
	}
	if peer < 0 || peer >= len(fs) {
		return fmt.Errorf("%w: edge %d peer %d", ErrUnknownPeer, edge, peer)
	}
	if ts < fs[peer] {
		return fmt.Errorf("%w: edge %d peer %d reported %d after %d",
			ErrFrontierRegression, edge, peer, ts, fs[peer])
	}
	if ts > fs[peer] {
		t.logger.Trace().Int("edge", edge).Int("peer", peer).Uint64("frontier", uint64(ts)).Msg("frontier advanced")
	}
	fs[peer] = ts
	return nil
}

// EdgeFrontier returns the pointwise minimum frontier of an edge.
func (t *Tracker) EdgeFrontier(edge int) (diff.Timestamp, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fs, ok := t.frontiers[edge]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownEdge, edge)
	}
	return minOf(fs), nil
}

// InputFrontier returns the minimum frontier across a set of edges: the
// input frontier of the node those edges feed.
func (t *Tracker) InputFrontier(edges []int) (diff.Timestamp, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	first := true
	var min diff.Timestamp
	for _, e := range edges {
		fs, ok := t.frontiers[e]
		if !ok {
			return 0, fmt.Errorf("%w: %d", ErrUnknownEdge, e)
		}
		m := minOf(fs)
		if first || m < min {
			min, first = m, false
		}
	}
	return min, nil
}

// GlobalFrontier returns the minimum frontier across every edge.
func (t *Tracker) GlobalFrontier() diff.Timestamp {
	t.mu.RLock()
	defer t.mu.RUnlock()
	first := true
	var min diff.Timestamp
	for _, fs := range t.frontiers {
		m := minOf(fs)
		if first || m < min {
			min, first = m, false
		}
	}
	return min
}

// ClosedEpoch returns the highest epoch E such that every frontier has
// advanced past E, and whether any epoch is closed at all.
func (t *Tracker) ClosedEpoch() (diff.Timestamp, bool) {
	g := t.GlobalFrontier()
	if g == 0 {
		return 0, false
	}
	return g - 1, true
}

// Frontiers returns a snapshot of every edge's frontier, keyed by edge id.
func (t *Tracker) Frontiers() map[int]diff.Timestamp {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[int]diff.Timestamp, len(t.frontiers))
	for e, fs := range t.frontiers {
		out[e] = minOf(fs)
	}
	return out
}

func minOf(fs []diff.Timestamp) diff.Timestamp {
	if len(fs) == 0 {
		return 0
	}
	min := fs[0]
	for _, f := range fs[1:] {
		if f < min {
			min = f
		}
	}
	return min
}
