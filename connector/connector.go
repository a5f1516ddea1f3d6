// Package connector defines the uniform contract between the engine and
// external systems: sources emit timestamped diff batches with replayable
// offsets, sinks consume diff batches for closed epochs with delivery
// acknowledgment.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"github.com/Tabbuchauhan/pathway/diff"
)

var (
	// ErrIdle signals a source partition with no data available right now.
	ErrIdle = errors.New("connector: no data available")
	// ErrOffsetGap is a protocol violation: a source cannot resume exactly
	// at the requested offset. Fatal; resuming past a gap silently skips
	// data.
	ErrOffsetGap = errors.New("connector: offset gap, cannot resume exactly")
	// ErrTransient marks errors worth retrying at the connector boundary
	// (network hiccups, throttling). Anything not wrapped in it surfaces
	// immediately.
	ErrTransient = errors.New("connector: transient error")
	// ErrUnknownKind is returned by the factories for unregistered kinds.
	ErrUnknownKind = errors.New("connector: unknown connector kind")
)

// Transient wraps err so the retry layer recognizes it as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Offset is an opaque, source-defined cursor uniquely identifying how much
// of a partition has been consumed. It must be re-derivable into a replay
// position by the source that produced it.
type Offset []byte

// Source is the ingestion contract. A source may expose several
// independent partitions, each with its own monotonic offset. Order within
// a partition is preserved end to end; across partitions only timestamps
// order diffs.
type Source interface {
	Name() string
	Open(ctx context.Context) error
	Close() error

	// Partitions returns the number of independent partitions.
	Partitions() int

	// Poll returns the next batch from a partition, capped at max diffs,
	// together with the offset positioned after the batch. ErrIdle means
	// no data right now.
	Poll(ctx context.Context, partition, max int) (diff.Batch, Offset, error)

	// Seek repositions a partition for replay from a previously returned
	// offset. ErrOffsetGap if exact resumption is impossible.
	Seek(partition int, off Offset) error

	// ExactlyOnce reports whether offsets are durable and resumable; a
	// false value downgrades the pipeline to at-least-once.
	ExactlyOnce() bool
}

// Sink is the egress contract. The engine hands a sink only diffs of
// closed epochs, in epoch order, and may hand the same epoch again after a
// recovery: tolerating that replay (by epoch id) is the sink's obligation.
type Sink interface {
	Name() string
	Open(ctx context.Context) error
	Close() error

	// Write delivers one closed epoch's diffs. A nil return acknowledges
	// durable delivery.
	Write(ctx context.Context, epoch diff.Timestamp, batch diff.Batch) error

	// ExactlyOnce reports whether replayed epochs are deduplicated.
	ExactlyOnce() bool
}

// Config describes one connector instance: a registered kind plus a
// recognized-options map the kind's factory interprets.
type Config struct {
	Name    string            `koanf:"name" json:"name"`
	Kind    string            `koanf:"kind" json:"kind"`
	Options map[string]string `koanf:"config" json:"config"`
}

// Option returns a required option value or an error naming it.
func (c Config) Option(key string) (string, error) {
	v, ok := c.Options[key]
	if !ok || v == "" {
		return "", fmt.Errorf("connector %q: missing option %q", c.Name, key)
	}
	return v, nil
}

// SourceFactory builds a source from its configuration.
type SourceFactory func(cfg Config) (Source, error)

// SinkFactory builds a sink from its configuration.
type SinkFactory func(cfg Config) (Sink, error)

var (
	factoryMu     sync.RWMutex
	sourceFactory = map[string]SourceFactory{}
	sinkFactory   = map[string]SinkFactory{}
)

// RegisterSource registers a source kind. Connector packages register
// themselves from init, so importing a package enables its kind.
func RegisterSource(kind string, f SourceFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sourceFactory[kind] = f
}

// RegisterSink registers a sink kind.
func RegisterSink(kind string, f SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactory[kind] = f
}

// NewSource builds a source from config.
func NewSource(cfg Config) (Source, error) {
	factoryMu.RLock()
	f, ok := sourceFactory[cfg.Kind]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: source %q", ErrUnknownKind, cfg.Kind)
	}
	return f(cfg)
}

// NewSink builds a sink from config.
func NewSink(cfg Config) (Sink, error) {
	factoryMu.RLock()
	f, ok := sinkFactory[cfg.Kind]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: sink %q", ErrUnknownKind, cfg.Kind)
	}
	return f(cfg)
}

// WithRetry runs fn, retrying with exponential backoff while it returns a
// transient error. Everything else stops the retry loop and surfaces.
func WithRetry(ctx context.Context, logger zerolog.Logger, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(100*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, ErrTransient) }),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn().Err(err).Uint("attempt", n+1).Msg("retrying transient connector error")
		}),
	)
}

// EncodeDiff serializes a diff as the JSON wire envelope used by the file
// and message-queue connectors.
func EncodeDiff(d diff.Diff) ([]byte, error) {
	return json.Marshal(d)
}

// DecodeDiff parses the JSON wire envelope. A missing mult defaults to an
// insertion.
func DecodeDiff(data []byte) (diff.Diff, error) {
	var d diff.Diff
	if err := json.Unmarshal(data, &d); err != nil {
		return diff.Diff{}, fmt.Errorf("connector: decode diff: %w", err)
	}
	if d.Mult == 0 {
		d.Mult = 1
	}
	return d, nil
}
