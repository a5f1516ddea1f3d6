package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tabbuchauhan/pathway/connector"
	"github.com/Tabbuchauhan/pathway/diff"
)

func writeLines(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.jsonl")
	data := ""
	for _, l := range lines {
		data += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func TestSource_ReadsDiffsWithByteOffsets(t *testing.T) {
	path := writeLines(t,
		`{"key":"a","value":"MQ==","mult":1,"time":1}`,
		`{"key":"b","value":"Mg==","mult":-1,"time":2}`,
	)
	src := NewSource("orders", path)
	require.NoError(t, src.Open(context.Background()))
	defer src.Close()

	batch, off, err := src.Poll(context.Background(), 0, 100)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "a", batch[0].Key)
	assert.Equal(t, int64(-1), batch[1].Mult)
	assert.NotEmpty(t, off)

	_, _, err = src.Poll(context.Background(), 0, 100)
	assert.ErrorIs(t, err, connector.ErrIdle)
}

func TestSource_SeekResumesMidFile(t *testing.T) {
	path := writeLines(t,
		`{"key":"a","mult":1,"time":1}`,
		`{"key":"b","mult":1,"time":2}`,
	)

	first := NewSource("orders", path)
	require.NoError(t, first.Open(context.Background()))
	batch, off, err := first.Poll(context.Background(), 0, 1)
	require.NoError(t, err)
	require.Equal(t, "a", batch[0].Key)
	require.NoError(t, first.Close())

	// A fresh instance seeks to the stored offset and sees only "b".
	second := NewSource("orders", path)
	require.NoError(t, second.Seek(0, off))
	require.NoError(t, second.Open(context.Background()))
	defer second.Close()
	batch, _, err = second.Poll(context.Background(), 0, 100)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "b", batch[0].Key)
}

func TestSource_SeekPastEOFIsGap(t *testing.T) {
	path := writeLines(t, `{"key":"a","mult":1,"time":1}`)
	src := NewSource("orders", path)
	require.NoError(t, src.Seek(0, connector.Offset{0, 0, 0, 0, 0, 0, 0, 255}))
	assert.ErrorIs(t, src.Open(context.Background()), connector.ErrOffsetGap)
}

func TestSink_EpochFilesAreIdempotent(t *testing.T) {
	dir := t.TempDir()
	sink := NewSink("out", dir)
	require.NoError(t, sink.Open(context.Background()))

	batch := diff.Batch{{Key: "k", Value: []byte("v"), Mult: 1, Time: 3}}
	require.NoError(t, sink.Write(context.Background(), 3, batch))
	require.NoError(t, sink.Write(context.Background(), 3, batch)) // replay

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "replay rewrites the same epoch file")

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	d, err := connector.DecodeDiff(data[:len(data)-1])
	require.NoError(t, err)
	assert.Equal(t, batch[0], d)
}

func TestFactory_Registered(t *testing.T) {
	src, err := connector.NewSource(connector.Config{
		Name: "in", Kind: "file", Options: map[string]string{"path": "/tmp/in.jsonl"},
	})
	require.NoError(t, err)
	assert.Equal(t, "in", src.Name())

	_, err = connector.NewSink(connector.Config{Name: "out", Kind: "file"})
	assert.ErrorContains(t, err, `missing option "dir"`)
}
