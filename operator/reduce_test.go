package operator

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tabbuchauhan/pathway/diff"
)

// countReduce aggregates a group into its total multiplicity.
func countReduce(_ string, values []ValueCount) ([]byte, error) {
	var n int64
	for _, v := range values {
		n += v.Count
	}
	return []byte(strconv.FormatInt(n, 10)), nil
}

func TestReduceOp_EmitsRetractionsOnChange(t *testing.T) {
	op := newReduceOp(countReduce)

	out, err := op.Accept(0, diff.Batch{{Key: "k", Value: []byte("a"), Mult: 1, Time: 1}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, diff.Diff{Key: "k", Value: []byte("1"), Mult: 1, Time: 1}, out[0])

	out, err = op.Accept(0, diff.Batch{{Key: "k", Value: []byte("b"), Mult: 2, Time: 2}})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, diff.Diff{Key: "k", Value: []byte("1"), Mult: -1, Time: 2}, out[0])
	assert.Equal(t, diff.Diff{Key: "k", Value: []byte("3"), Mult: 1, Time: 2}, out[1])
}

func TestReduceOp_StableResultEmitsNothing(t *testing.T) {
	op := newReduceOp(countReduce)

	_, err := op.Accept(0, diff.Batch{{Key: "k", Value: []byte("a"), Mult: 1, Time: 1}})
	require.NoError(t, err)

	// Swap the value, keep the count: the aggregate is unchanged.
	out, err := op.Accept(0, diff.Batch{
		{Key: "k", Value: []byte("a"), Mult: -1, Time: 2},
		{Key: "k", Value: []byte("b"), Mult: 1, Time: 2},
	})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestReduceOp_GroupEmptied(t *testing.T) {
	op := newReduceOp(countReduce)

	_, err := op.Accept(0, diff.Batch{{Key: "k", Value: []byte("a"), Mult: 1, Time: 1}})
	require.NoError(t, err)

	out, err := op.Accept(0, diff.Batch{{Key: "k", Value: []byte("a"), Mult: -1, Time: 2}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, diff.Diff{Key: "k", Value: []byte("1"), Mult: -1, Time: 2}, out[0])

	// All per-key state is evicted once the group empties.
	assert.Empty(t, op.results)
	assert.Empty(t, op.groups)
}

func TestReduceOp_TouchesOnlyAffectedKeys(t *testing.T) {
	op := newReduceOp(countReduce)

	_, err := op.Accept(0, diff.Batch{
		{Key: "a", Value: []byte("x"), Mult: 1, Time: 1},
		{Key: "b", Value: []byte("y"), Mult: 1, Time: 1},
	})
	require.NoError(t, err)

	out, err := op.Accept(0, diff.Batch{{Key: "a", Value: []byte("x"), Mult: 1, Time: 2}})
	require.NoError(t, err)
	for _, d := range out {
		assert.Equal(t, "a", d.Key, "untouched groups must not re-emit")
	}
}

func TestReduceOp_NegativeMultiplicityFatal(t *testing.T) {
	op := newReduceOp(countReduce)
	_, err := op.Accept(0, diff.Batch{{Key: "k", Value: []byte("a"), Mult: -2, Time: 1}})
	assert.ErrorIs(t, err, diff.ErrNegativeMultiplicity)
}

func TestReduceOp_SnapshotRestore(t *testing.T) {
	op := newReduceOp(countReduce)
	_, err := op.Accept(0, diff.Batch{{Key: "k", Value: []byte("a"), Mult: 2, Time: 1}})
	require.NoError(t, err)

	snap, err := op.Snapshot()
	require.NoError(t, err)

	restored := newReduceOp(countReduce)
	require.NoError(t, restored.Restore(snap))

	// Incremental behavior continues from the snapshot: the old result is
	// retracted, not re-emitted from scratch.
	out, err := restored.Accept(0, diff.Batch{{Key: "k", Value: []byte("b"), Mult: 1, Time: 5}})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, diff.Diff{Key: "k", Value: []byte("2"), Mult: -1, Time: 5}, out[0])
	assert.Equal(t, diff.Diff{Key: "k", Value: []byte("3"), Mult: 1, Time: 5}, out[1])
}
