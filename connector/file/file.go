// Package file provides JSONL file connectors. The source reads one diff
// per line with byte offsets as replay positions; the sink writes one file
// per closed epoch so replays overwrite instead of duplicating.
package file

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/Tabbuchauhan/pathway/connector"
	"github.com/Tabbuchauhan/pathway/diff"
	"github.com/Tabbuchauhan/pathway/internal/logger"
)

func init() {
	connector.RegisterSource("file", func(cfg connector.Config) (connector.Source, error) {
		path, err := cfg.Option("path")
		if err != nil {
			return nil, err
		}
		return NewSource(cfg.Name, path), nil
	})
	connector.RegisterSink("file", func(cfg connector.Config) (connector.Sink, error) {
		dir, err := cfg.Option("dir")
		if err != nil {
			return nil, err
		}
		return NewSink(cfg.Name, dir), nil
	})
}

// Source reads diffs line by line from a JSONL file. It is a single
// partition; the offset is the byte position after the last consumed line.
type Source struct {
	name   string
	path   string
	logger zerolog.Logger

	file   *os.File
	reader *bufio.Reader
	pos    int64
	seek   int64
	sought bool
}

// NewSource builds a file source over path.
func NewSource(name, path string) *Source {
	return &Source{name: name, path: path, logger: logger.GetLogger("connector.file")}
}

func (s *Source) Name() string      { return s.name }
func (s *Source) Partitions() int   { return 1 }
func (s *Source) ExactlyOnce() bool { return true }

func (s *Source) Open(ctx context.Context) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("file source %q: %w", s.name, err)
	}
	if s.sought {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return err
		}
		if s.seek > info.Size() {
			f.Close()
			return connector.ErrOffsetGap
		}
		if _, err := f.Seek(s.seek, io.SeekStart); err != nil {
			f.Close()
			return err
		}
		s.pos = s.seek
	}
	s.file = f
	s.reader = bufio.NewReader(f)
	s.logger.Debug().Str("path", s.path).Int64("pos", s.pos).Msg("opened file source")
	return nil
}

func (s *Source) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// Seek records the byte offset to resume from. Must be called before Open.
func (s *Source) Seek(partition int, off connector.Offset) error {
	if partition != 0 {
		return fmt.Errorf("file source %q: no partition %d", s.name, partition)
	}
	if len(off) == 0 {
		s.seek, s.sought = 0, true
		return nil
	}
	if len(off) != 8 {
		return connector.ErrOffsetGap
	}
	s.seek, s.sought = int64(binary.BigEndian.Uint64(off)), true
	return nil
}

func (s *Source) Poll(ctx context.Context, partition, max int) (diff.Batch, connector.Offset, error) {
	if partition != 0 {
		return nil, nil, fmt.Errorf("file source %q: no partition %d", s.name, partition)
	}
	if max <= 0 {
		max = 256
	}
	var batch diff.Batch
	for len(batch) < max {
		line, err := s.reader.ReadBytes('\n')
		if err == io.EOF && len(line) == 0 {
			break
		}
		if err != nil && err != io.EOF {
			return nil, nil, fmt.Errorf("file source %q: %w", s.name, err)
		}
		s.pos += int64(len(line))
		if len(trimNewline(line)) == 0 {
			if err == io.EOF {
				break
			}
			continue
		}
		d, derr := connector.DecodeDiff(trimNewline(line))
		if derr != nil {
			return nil, nil, derr
		}
		batch = append(batch, d)
		if err == io.EOF {
			break
		}
	}
	if len(batch) == 0 {
		return nil, nil, connector.ErrIdle
	}
	var off [8]byte
	binary.BigEndian.PutUint64(off[:], uint64(s.pos))
	return batch, off[:], nil
}

func trimNewline(line []byte) []byte {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}

// Sink writes each closed epoch to its own file named by epoch id. A
// replayed epoch rewrites the same file, so delivery is idempotent.
type Sink struct {
	name   string
	dir    string
	logger zerolog.Logger
}

// NewSink builds a file sink writing under dir.
func NewSink(name, dir string) *Sink {
	return &Sink{name: name, dir: dir, logger: logger.GetLogger("connector.file")}
}

func (s *Sink) Name() string      { return s.name }
func (s *Sink) ExactlyOnce() bool { return true }

func (s *Sink) Open(ctx context.Context) error {
	return os.MkdirAll(s.dir, 0o755)
}

func (s *Sink) Close() error { return nil }

func (s *Sink) Write(ctx context.Context, epoch diff.Timestamp, batch diff.Batch) error {
	path := filepath.Join(s.dir, fmt.Sprintf("epoch-%020d.jsonl", epoch))
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("file sink %q: %w", s.name, err)
	}
	w := bufio.NewWriter(f)
	for _, d := range batch {
		line, err := connector.EncodeDiff(d)
		if err != nil {
			f.Close()
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	// Rename last so readers never observe a half-written epoch file.
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	s.logger.Debug().Uint64("epoch", uint64(epoch)).Int("diffs", len(batch)).Msg("wrote epoch file")
	return nil
}
