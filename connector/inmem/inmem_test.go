package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tabbuchauhan/pathway/connector"
	"github.com/Tabbuchauhan/pathway/diff"
)

func TestSource_PollAndSeek(t *testing.T) {
	b1 := diff.Batch{{Key: "a", Value: []byte("1"), Mult: 1, Time: 1}}
	b2 := diff.Batch{{Key: "b", Value: []byte("2"), Mult: 1, Time: 2}}
	src := NewSource("script", [][]diff.Batch{{b1, b2}})
	require.NoError(t, src.Open(context.Background()))

	got, off1, err := src.Poll(context.Background(), 0, 100)
	require.NoError(t, err)
	assert.Equal(t, b1, got)

	got, _, err = src.Poll(context.Background(), 0, 100)
	require.NoError(t, err)
	assert.Equal(t, b2, got)

	_, _, err = src.Poll(context.Background(), 0, 100)
	assert.ErrorIs(t, err, connector.ErrIdle)

	// Rewind to just after the first batch and re-read the second.
	require.NoError(t, src.Seek(0, off1))
	got, _, err = src.Poll(context.Background(), 0, 100)
	require.NoError(t, err)
	assert.Equal(t, b2, got)
}

func TestSource_SeekPastEndIsGap(t *testing.T) {
	src := NewSource("script", [][]diff.Batch{{}})
	err := src.Seek(0, encodeOffset(5, 0))
	assert.ErrorIs(t, err, connector.ErrOffsetGap)
}

// A batch wider than the poll cap is drained across polls, each returning
// at most max diffs, and a mid-batch offset seeks back to the exact diff.
func TestSource_PollHonorsCap(t *testing.T) {
	big := diff.Batch{
		{Key: "a", Mult: 1, Time: 1},
		{Key: "b", Mult: 1, Time: 1},
		{Key: "c", Mult: 1, Time: 1},
		{Key: "d", Mult: 1, Time: 1},
		{Key: "e", Mult: 1, Time: 1},
	}
	src := NewSource("script", [][]diff.Batch{{big}})

	got, off, err := src.Poll(context.Background(), 0, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Key)
	assert.Equal(t, "b", got[1].Key)

	got, _, err = src.Poll(context.Background(), 0, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].Key)

	got, _, err = src.Poll(context.Background(), 0, 2)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e", got[0].Key)

	_, _, err = src.Poll(context.Background(), 0, 2)
	assert.ErrorIs(t, err, connector.ErrIdle)

	// Rewind into the middle of the batch and re-read from "c".
	require.NoError(t, src.Seek(0, off))
	got, _, err = src.Poll(context.Background(), 0, 100)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].Key)
}

func TestSource_AppendWhileRunning(t *testing.T) {
	src := NewSource("script", [][]diff.Batch{{}})
	_, _, err := src.Poll(context.Background(), 0, 100)
	require.ErrorIs(t, err, connector.ErrIdle)

	src.Append(0, diff.Batch{{Key: "late", Mult: 1, Time: 9}})
	got, _, err := src.Poll(context.Background(), 0, 100)
	require.NoError(t, err)
	assert.Equal(t, "late", got[0].Key)
}

func TestSink_DeduplicatesReplayedEpochs(t *testing.T) {
	sink := NewSink("collect")
	batch := diff.Batch{{Key: "k", Value: []byte("v"), Mult: 1, Time: 4}}
	require.NoError(t, sink.Write(context.Background(), 4, batch))
	require.NoError(t, sink.Write(context.Background(), 4, batch)) // replay

	assert.Equal(t, 2, sink.Writes())
	got, ok := sink.Epoch(4)
	require.True(t, ok)
	assert.Equal(t, batch, got)
	assert.Len(t, sink.All(), 1, "replayed epoch stored once")
}
