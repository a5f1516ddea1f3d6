// Package elastic provides an Elasticsearch sink. Each diff key maps to a
// document id, so positive mult indexes the value and negative mult
// deletes the document; replayed epochs converge to the same index state.
package elastic

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/rs/zerolog"

	"github.com/Tabbuchauhan/pathway/connector"
	"github.com/Tabbuchauhan/pathway/diff"
	"github.com/Tabbuchauhan/pathway/internal/logger"
)

func init() {
	connector.RegisterSink("elastic", func(cfg connector.Config) (connector.Sink, error) {
		return NewSink(cfg)
	})
}

// Sink indexes diffs into one Elasticsearch index.
type Sink struct {
	name   string
	index  string
	logger zerolog.Logger

	config elasticsearch.Config
	client *elasticsearch.Client
}

// NewSink builds an Elasticsearch sink from its configuration. Recognized
// options: url (comma separated), index_name, and optionally api_key and
// cloud_id.
func NewSink(cfg connector.Config) (*Sink, error) {
	index, err := cfg.Option("index_name")
	if err != nil {
		return nil, err
	}
	esCfg := elasticsearch.Config{
		APIKey:  cfg.Options["api_key"],
		CloudID: cfg.Options["cloud_id"],
	}
	if urls := cfg.Options["url"]; urls != "" {
		esCfg.Addresses = strings.Split(urls, ",")
	}
	if len(esCfg.Addresses) == 0 && esCfg.CloudID == "" {
		return nil, fmt.Errorf("connector %q: missing option %q", cfg.Name, "url")
	}
	return &Sink{
		name:   cfg.Name,
		index:  index,
		config: esCfg,
		logger: logger.GetLogger("connector.elastic"),
	}, nil
}

func (s *Sink) Name() string      { return s.name }
func (s *Sink) ExactlyOnce() bool { return true }

func (s *Sink) Open(ctx context.Context) error {
	client, err := elasticsearch.NewClient(s.config)
	if err != nil {
		return fmt.Errorf("elastic sink %q: %w", s.name, err)
	}
	s.client = client
	return nil
}

func (s *Sink) Close() error { return nil }

func (s *Sink) Write(ctx context.Context, epoch diff.Timestamp, batch diff.Batch) error {
	for _, d := range batch {
		var res *esapi.Response
		var err error
		if d.Mult < 0 {
			res, err = s.client.Delete(s.index, d.Key,
				s.client.Delete.WithContext(ctx))
		} else {
			res, err = s.client.Index(s.index,
				bytes.NewReader(d.Value),
				s.client.Index.WithDocumentID(d.Key),
				s.client.Index.WithContext(ctx))
		}
		if err != nil {
			return connector.Transient(fmt.Errorf("elastic sink %q: %w", s.name, err))
		}
		failed := res.IsError() && !(d.Mult < 0 && res.StatusCode == 404)
		res.Body.Close()
		if failed {
			return connector.Transient(fmt.Errorf("elastic sink %q: doc %q: %s", s.name, d.Key, res.Status()))
		}
	}
	s.logger.Debug().Uint64("epoch", uint64(epoch)).Int("diffs", len(batch)).Msg("indexed epoch")
	return nil
}
