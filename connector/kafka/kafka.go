// Package kafka provides Kafka connectors on franz-go. The source consumes
// assigned partitions directly (no consumer group) so every partition has
// an explicit, replayable offset; the sink produces the diff envelope with
// the diff key as the record key.
package kafka

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/Tabbuchauhan/pathway/connector"
	"github.com/Tabbuchauhan/pathway/diff"
	"github.com/Tabbuchauhan/pathway/internal/logger"
)

func init() {
	connector.RegisterSource("kafka", func(cfg connector.Config) (connector.Source, error) {
		return newSource(cfg)
	})
	connector.RegisterSink("kafka", func(cfg connector.Config) (connector.Sink, error) {
		return newSink(cfg)
	})
}

const pollTimeout = 200 * time.Millisecond

// Source consumes one topic with a fixed partition count. One client per
// partition keeps Poll strictly partition-local.
type Source struct {
	name    string
	brokers string
	topic   string
	parts   int
	logger  zerolog.Logger

	start   []int64 // -1 = beginning
	clients []*kgo.Client
}

func newSource(cfg connector.Config) (*Source, error) {
	brokers, err := cfg.Option("bootstrap_servers")
	if err != nil {
		return nil, err
	}
	topic, err := cfg.Option("topic")
	if err != nil {
		return nil, err
	}
	partsStr, err := cfg.Option("partitions")
	if err != nil {
		return nil, err
	}
	parts, err := strconv.Atoi(partsStr)
	if err != nil || parts <= 0 {
		return nil, fmt.Errorf("kafka source %q: bad partitions %q", cfg.Name, partsStr)
	}
	start := make([]int64, parts)
	for i := range start {
		start[i] = -1
	}
	return &Source{
		name:    cfg.Name,
		brokers: brokers,
		topic:   topic,
		parts:   parts,
		start:   start,
		logger:  logger.GetLogger("connector.kafka"),
	}, nil
}

func (s *Source) Name() string      { return s.name }
func (s *Source) Partitions() int   { return s.parts }
func (s *Source) ExactlyOnce() bool { return true }

// Seek records the Kafka offset to resume a partition from. Must be called
// before Open.
func (s *Source) Seek(partition int, off connector.Offset) error {
	if partition < 0 || partition >= s.parts {
		return fmt.Errorf("kafka source %q: no partition %d", s.name, partition)
	}
	if len(off) == 0 {
		s.start[partition] = -1
		return nil
	}
	if len(off) != 8 {
		return connector.ErrOffsetGap
	}
	s.start[partition] = int64(binary.BigEndian.Uint64(off))
	return nil
}

func (s *Source) Open(ctx context.Context) error {
	s.clients = make([]*kgo.Client, s.parts)
	for p := 0; p < s.parts; p++ {
		at := kgo.NewOffset().AtStart()
		if s.start[p] >= 0 {
			at = kgo.NewOffset().At(s.start[p])
		}
		client, err := kgo.NewClient(
			kgo.SeedBrokers(s.brokers),
			kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
				s.topic: {int32(p): at},
			}),
		)
		if err != nil {
			s.closeClients()
			return fmt.Errorf("kafka source %q: %w", s.name, err)
		}
		s.clients[p] = client
	}
	s.logger.Debug().Str("topic", s.topic).Int("partitions", s.parts).Msg("kafka source open")
	return nil
}

func (s *Source) Close() error {
	s.closeClients()
	return nil
}

func (s *Source) closeClients() {
	for _, c := range s.clients {
		if c != nil {
			c.Close()
		}
	}
	s.clients = nil
}

func (s *Source) Poll(ctx context.Context, partition, max int) (diff.Batch, connector.Offset, error) {
	if partition < 0 || partition >= len(s.clients) {
		return nil, nil, fmt.Errorf("kafka source %q: no partition %d", s.name, partition)
	}
	if max <= 0 {
		max = 256
	}
	// A short deadline turns "nothing buffered" into ErrIdle instead of
	// blocking the whole ingest round.
	pollCtx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	fetches := s.clients[partition].PollRecords(pollCtx, max)
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			continue
		}
		return nil, nil, connector.Transient(fmt.Errorf("kafka source %q: topic %s partition %d: %w",
			s.name, fe.Topic, fe.Partition, fe.Err))
	}

	var batch diff.Batch
	var last int64 = -1
	var iterErr error
	fetches.EachRecord(func(r *kgo.Record) {
		if iterErr != nil {
			return
		}
		d, err := connector.DecodeDiff(r.Value)
		if err != nil {
			iterErr = err
			return
		}
		if d.Key == "" {
			d.Key = string(r.Key)
		}
		batch = append(batch, d)
		last = r.Offset
	})
	if iterErr != nil {
		return nil, nil, iterErr
	}
	if len(batch) == 0 {
		return nil, nil, connector.ErrIdle
	}
	var off [8]byte
	binary.BigEndian.PutUint64(off[:], uint64(last+1))
	return batch, off[:], nil
}

// Sink produces every diff of a closed epoch as one record. Kafka cannot
// deduplicate a replayed epoch, so delivery is at-least-once; downstream
// consumers key on the epoch header.
type Sink struct {
	name    string
	brokers string
	topic   string
	logger  zerolog.Logger

	client *kgo.Client
}

func newSink(cfg connector.Config) (*Sink, error) {
	brokers, err := cfg.Option("bootstrap_servers")
	if err != nil {
		return nil, err
	}
	topic, err := cfg.Option("topic")
	if err != nil {
		return nil, err
	}
	return &Sink{
		name:    cfg.Name,
		brokers: brokers,
		topic:   topic,
		logger:  logger.GetLogger("connector.kafka"),
	}, nil
}

func (s *Sink) Name() string      { return s.name }
func (s *Sink) ExactlyOnce() bool { return false }

func (s *Sink) Open(ctx context.Context) error {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(s.brokers),
		kgo.DefaultProduceTopic(s.topic),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return fmt.Errorf("kafka sink %q: %w", s.name, err)
	}
	s.client = client
	return nil
}

func (s *Sink) Close() error {
	if s.client != nil {
		s.client.Close()
	}
	return nil
}

func (s *Sink) Write(ctx context.Context, epoch diff.Timestamp, batch diff.Batch) error {
	records := make([]*kgo.Record, 0, len(batch))
	epochHeader := kgo.RecordHeader{
		Key:   "epoch",
		Value: []byte(strconv.FormatUint(uint64(epoch), 10)),
	}
	for _, d := range batch {
		value, err := connector.EncodeDiff(d)
		if err != nil {
			return err
		}
		records = append(records, &kgo.Record{
			Key:     []byte(d.Key),
			Value:   value,
			Headers: []kgo.RecordHeader{epochHeader},
		})
	}
	if len(records) == 0 {
		return nil
	}
	if err := s.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return connector.Transient(fmt.Errorf("kafka sink %q: %w", s.name, err))
	}
	s.logger.Debug().Uint64("epoch", uint64(epoch)).Int("records", len(records)).Msg("produced epoch")
	return nil
}
