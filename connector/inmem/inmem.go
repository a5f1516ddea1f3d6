// Package inmem provides scripted in-memory connectors. They exercise the
// full source/sink protocol (partitions, offsets, seek, epoch replay)
// without external systems, which the engine tests depend on.
package inmem

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/Tabbuchauhan/pathway/connector"
	"github.com/Tabbuchauhan/pathway/diff"
)

// Source replays pre-scripted batches, one queue per partition. A Poll
// never crosses a scripted batch boundary but takes at most max diffs, so
// an oversized batch is drained across several polls. Offsets encode a
// (batch, position) pair and Seek rewinds to any previously returned one.
type Source struct {
	name string

	mu     sync.Mutex
	script [][]diff.Batch // partition -> scripted batches
	cursor []int          // partition -> next batch index
	pos    []int          // partition -> next diff within the current batch
}

// NewSource builds a scripted source. script[p] is the ordered batch
// sequence for partition p.
func NewSource(name string, script [][]diff.Batch) *Source {
	return &Source{
		name:   name,
		script: script,
		cursor: make([]int, len(script)),
		pos:    make([]int, len(script)),
	}
}

func (s *Source) Name() string { return s.name }

func (s *Source) Open(ctx context.Context) error { return nil }

func (s *Source) Close() error { return nil }

func (s *Source) Partitions() int { return len(s.script) }

func (s *Source) ExactlyOnce() bool { return true }

// Append schedules another batch on a partition. Safe to call while the
// engine is polling.
func (s *Source) Append(partition int, batch diff.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script[partition] = append(s.script[partition], batch)
}

func (s *Source) Poll(ctx context.Context, partition, max int) (diff.Batch, connector.Offset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if partition < 0 || partition >= len(s.script) {
		return nil, nil, fmt.Errorf("inmem source %q: no partition %d", s.name, partition)
	}
	idx, pos := s.cursor[partition], s.pos[partition]
	if idx >= len(s.script[partition]) {
		return nil, nil, connector.ErrIdle
	}
	rest := s.script[partition][idx][pos:]
	if max > 0 && len(rest) > max {
		rest = rest[:max]
	}
	batch := rest.Clone()
	pos += len(rest)
	if pos >= len(s.script[partition][idx]) {
		idx, pos = idx+1, 0
	}
	s.cursor[partition], s.pos[partition] = idx, pos
	return batch, encodeOffset(idx, pos), nil
}

func (s *Source) Seek(partition int, off connector.Offset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if partition < 0 || partition >= len(s.script) {
		return fmt.Errorf("inmem source %q: no partition %d", s.name, partition)
	}
	idx, pos, err := decodeOffset(off)
	if err != nil {
		return err
	}
	batches := s.script[partition]
	switch {
	case idx > len(batches):
		return connector.ErrOffsetGap
	case idx == len(batches) && pos != 0:
		return connector.ErrOffsetGap
	case idx < len(batches) && pos > len(batches[idx]):
		return connector.ErrOffsetGap
	}
	s.cursor[partition], s.pos[partition] = idx, pos
	return nil
}

func encodeOffset(idx, pos int) connector.Offset {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(idx))
	binary.BigEndian.PutUint64(buf[8:], uint64(pos))
	return buf[:]
}

func decodeOffset(off connector.Offset) (idx, pos int, err error) {
	if len(off) == 0 {
		return 0, 0, nil
	}
	if len(off) != 16 {
		return 0, 0, connector.ErrOffsetGap
	}
	idx = int(binary.BigEndian.Uint64(off[:8]))
	pos = int(binary.BigEndian.Uint64(off[8:]))
	return idx, pos, nil
}

// Sink collects delivered epochs in memory and deduplicates replays by
// epoch id, making it exactly-once. It also folds every accepted epoch
// into a materialized view, so tests can check the running sum of diffs
// directly.
type Sink struct {
	name string

	mu     sync.Mutex
	epochs map[diff.Timestamp]diff.Batch
	view   *diff.Collection
	writes int
}

// NewSink builds a collecting sink.
func NewSink(name string) *Sink {
	return &Sink{
		name:   name,
		epochs: map[diff.Timestamp]diff.Batch{},
		view:   diff.NewCollection(),
	}
}

func (s *Sink) Name() string { return s.name }

func (s *Sink) Open(ctx context.Context) error { return nil }

func (s *Sink) Close() error { return nil }

func (s *Sink) ExactlyOnce() bool { return true }

func (s *Sink) Write(ctx context.Context, epoch diff.Timestamp, batch diff.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if _, seen := s.epochs[epoch]; seen {
		return nil // replayed epoch, already durable
	}
	if err := s.view.ApplyBatch(batch); err != nil {
		return err
	}
	s.epochs[epoch] = batch.Clone()
	return nil
}

// Materialized runs fn against the sink's materialized view under lock.
func (s *Sink) Materialized(fn func(view *diff.Collection)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.view)
}

// Epoch returns the batch delivered for one epoch.
func (s *Sink) Epoch(epoch diff.Timestamp) (diff.Batch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.epochs[epoch]
	return b, ok
}

// All returns every delivered diff in epoch order.
func (s *Sink) All() diff.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	epochs := make([]diff.Timestamp, 0, len(s.epochs))
	for e := range s.epochs {
		epochs = append(epochs, e)
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })
	var out diff.Batch
	for _, e := range epochs {
		out = append(out, s.epochs[e]...)
	}
	return out
}

// Writes reports how many Write calls arrived, replays included.
func (s *Sink) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}
