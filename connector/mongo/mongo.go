// Package mongo provides MongoDB connectors. The source follows a
// collection's change stream with the resume token as the replay offset;
// the sink applies diffs as keyed upserts and deletes, which makes
// replayed epochs idempotent.
package mongo

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Tabbuchauhan/pathway/connector"
	"github.com/Tabbuchauhan/pathway/diff"
	"github.com/Tabbuchauhan/pathway/internal/logger"
)

func init() {
	connector.RegisterSource("mongo", func(cfg connector.Config) (connector.Source, error) {
		return newSource(cfg)
	})
	connector.RegisterSink("mongo", func(cfg connector.Config) (connector.Sink, error) {
		return newSink(cfg)
	})
}

func clientOptions(cfg connector.Config) (uri, db, col string, err error) {
	if uri, err = cfg.Option("uri"); err != nil {
		return
	}
	if db, err = cfg.Option("database"); err != nil {
		return
	}
	col, err = cfg.Option("collection")
	return
}

// Source tails one collection's change stream. A change stream is a single
// totally ordered feed, so the source exposes exactly one partition.
type Source struct {
	name   string
	uri    string
	db     string
	col    string
	logger zerolog.Logger

	resume bson.Raw
	client *mongo.Client
	stream *mongo.ChangeStream
}

func newSource(cfg connector.Config) (*Source, error) {
	uri, db, col, err := clientOptions(cfg)
	if err != nil {
		return nil, err
	}
	return &Source{
		name:   cfg.Name,
		uri:    uri,
		db:     db,
		col:    col,
		logger: logger.GetLogger("connector.mongo"),
	}, nil
}

func (s *Source) Name() string      { return s.name }
func (s *Source) Partitions() int   { return 1 }
func (s *Source) ExactlyOnce() bool { return true }

// Seek records the resume token to continue the change stream from. Must
// be called before Open.
func (s *Source) Seek(partition int, off connector.Offset) error {
	if partition != 0 {
		return fmt.Errorf("mongo source %q: no partition %d", s.name, partition)
	}
	if len(off) == 0 {
		s.resume = nil
		return nil
	}
	s.resume = bson.Raw(off)
	return nil
}

func (s *Source) Open(ctx context.Context) error {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(s.uri))
	if err != nil {
		return connector.Transient(fmt.Errorf("mongo source %q: %w", s.name, err))
	}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if s.resume != nil {
		opts = opts.SetResumeAfter(s.resume)
	}
	stream, err := client.Database(s.db).Collection(s.col).Watch(ctx, mongo.Pipeline{}, opts)
	if err != nil {
		client.Disconnect(ctx)
		// An expired resume token means the oplog no longer covers the
		// requested position.
		if s.resume != nil {
			return connector.ErrOffsetGap
		}
		return connector.Transient(fmt.Errorf("mongo source %q: %w", s.name, err))
	}
	s.client = client
	s.stream = stream
	s.logger.Debug().Str("database", s.db).Str("collection", s.col).Msg("mongo change stream open")
	return nil
}

func (s *Source) Close() error {
	ctx := context.Background()
	if s.stream != nil {
		s.stream.Close(ctx)
	}
	if s.client != nil {
		return s.client.Disconnect(ctx)
	}
	return nil
}

type changeEvent struct {
	OperationType string   `bson:"operationType"`
	DocumentKey   bson.Raw `bson:"documentKey"`
	FullDocument  bson.Raw `bson:"fullDocument"`
}

func (s *Source) Poll(ctx context.Context, partition, max int) (diff.Batch, connector.Offset, error) {
	if partition != 0 {
		return nil, nil, fmt.Errorf("mongo source %q: no partition %d", s.name, partition)
	}
	if max <= 0 {
		max = 256
	}
	var batch diff.Batch
	for len(batch) < max && s.stream.TryNext(ctx) {
		var ev changeEvent
		if err := s.stream.Decode(&ev); err != nil {
			return nil, nil, fmt.Errorf("mongo source %q: decode event: %w", s.name, err)
		}
		d, ok, err := s.toDiff(ev)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			batch = append(batch, d)
		}
	}
	if err := s.stream.Err(); err != nil {
		return nil, nil, connector.Transient(fmt.Errorf("mongo source %q: %w", s.name, err))
	}
	if len(batch) == 0 {
		return nil, nil, connector.ErrIdle
	}
	token := s.stream.ResumeToken()
	return batch, connector.Offset(append([]byte(nil), token...)), nil
}

// toDiff maps an oplog event to a diff: inserts, updates and replaces
// carry the post-image with mult +1, deletes carry mult -1. Updates are
// upsert-shaped because change streams do not expose the pre-image.
func (s *Source) toDiff(ev changeEvent) (diff.Diff, bool, error) {
	key := ev.DocumentKey.Lookup("_id").String()
	switch ev.OperationType {
	case "insert", "update", "replace":
		value, err := bson.MarshalExtJSON(ev.FullDocument, false, false)
		if err != nil {
			return diff.Diff{}, false, fmt.Errorf("mongo source %q: marshal document: %w", s.name, err)
		}
		return diff.Diff{Key: key, Value: value, Mult: 1}, true, nil
	case "delete":
		return diff.Diff{Key: key, Mult: -1}, true, nil
	default:
		// drop/rename/invalidate carry no row data
		s.logger.Debug().Str("op", ev.OperationType).Msg("skipping non-document event")
		return diff.Diff{}, false, nil
	}
}

// Sink materializes diffs into a collection: positive mult upserts the
// value document under the diff key, negative mult deletes it.
type Sink struct {
	name   string
	uri    string
	db     string
	col    string
	logger zerolog.Logger

	client     *mongo.Client
	collection *mongo.Collection
}

func newSink(cfg connector.Config) (*Sink, error) {
	uri, db, col, err := clientOptions(cfg)
	if err != nil {
		return nil, err
	}
	return &Sink{
		name:   cfg.Name,
		uri:    uri,
		db:     db,
		col:    col,
		logger: logger.GetLogger("connector.mongo"),
	}, nil
}

func (s *Sink) Name() string      { return s.name }
func (s *Sink) ExactlyOnce() bool { return true }

func (s *Sink) Open(ctx context.Context) error {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(s.uri))
	if err != nil {
		return connector.Transient(fmt.Errorf("mongo sink %q: %w", s.name, err))
	}
	s.client = client
	s.collection = client.Database(s.db).Collection(s.col)
	return nil
}

func (s *Sink) Close() error {
	if s.client != nil {
		return s.client.Disconnect(context.Background())
	}
	return nil
}

func (s *Sink) Write(ctx context.Context, epoch diff.Timestamp, batch diff.Batch) error {
	for _, d := range batch {
		filter := bson.D{{Key: "_id", Value: d.Key}}
		if d.Mult < 0 {
			if _, err := s.collection.DeleteOne(ctx, filter); err != nil {
				return connector.Transient(fmt.Errorf("mongo sink %q: delete %q: %w", s.name, d.Key, err))
			}
			continue
		}
		var doc bson.M
		if err := bson.UnmarshalExtJSON(d.Value, false, &doc); err != nil {
			// Not a document payload, store it verbatim.
			doc = bson.M{"value": string(d.Value)}
		}
		doc["_id"] = d.Key
		_, err := s.collection.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
		if err != nil {
			return connector.Transient(fmt.Errorf("mongo sink %q: upsert %q: %w", s.name, d.Key, err))
		}
	}
	s.logger.Debug().Uint64("epoch", uint64(epoch)).Int("diffs", len(batch)).Msg("applied epoch")
	return nil
}
