package progress

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tabbuchauhan/pathway/diff"
)

func newTestTracker() *Tracker {
	return NewTracker(zerolog.Nop())
}

func TestTracker_PointwiseMinimum(t *testing.T) {
	tr := newTestTracker()
	tr.RegisterEdge(0, 3, 0)

	require.NoError(t, tr.Report(0, 0, 5))
	require.NoError(t, tr.Report(0, 1, 3))
	require.NoError(t, tr.Report(0, 2, 7))

	f, err := tr.EdgeFrontier(0)
	require.NoError(t, err)
	assert.Equal(t, diff.Timestamp(3), f, "edge frontier is the slowest peer")

	require.NoError(t, tr.Report(0, 1, 6))
	f, _ = tr.EdgeFrontier(0)
	assert.Equal(t, diff.Timestamp(5), f)
}

func TestTracker_RegressionFatal(t *testing.T) {
	tr := newTestTracker()
	tr.RegisterEdge(0, 1, 0)

	require.NoError(t, tr.Report(0, 0, 4))
	// Equal re-report is idempotent.
	require.NoError(t, tr.Report(0, 0, 4))
	// Lower is a protocol violation.
	err := tr.Report(0, 0, 3)
	assert.ErrorIs(t, err, ErrFrontierRegression)
}

func TestTracker_UnknownEdgeAndPeer(t *testing.T) {
	tr := newTestTracker()
	tr.RegisterEdge(1, 2, 0)

	assert.ErrorIs(t, tr.Report(9, 0, 1), ErrUnknownEdge)
	assert.ErrorIs(t, tr.Report(1, 5, 1), ErrUnknownPeer)
	_, err := tr.EdgeFrontier(9)
	assert.ErrorIs(t, err, ErrUnknownEdge)
}

func TestTracker_EpochClosure(t *testing.T) {
	tr := newTestTracker()
	tr.RegisterEdge(0, 2, 0)
	tr.RegisterEdge(1, 2, 0)

	_, closed := tr.ClosedEpoch()
	assert.False(t, closed, "nothing closed before any report")

	// All peers on all edges past epoch 0.
	for edge := 0; edge < 2; edge++ {
		for peer := 0; peer < 2; peer++ {
			require.NoError(t, tr.Report(edge, peer, 1))
		}
	}
	e, closed := tr.ClosedEpoch()
	require.True(t, closed)
	assert.Equal(t, diff.Timestamp(0), e)

	// One straggler holds the whole dataflow back.
	require.NoError(t, tr.Report(0, 0, 10))
	require.NoError(t, tr.Report(0, 1, 10))
	require.NoError(t, tr.Report(1, 0, 10))
	e, _ = tr.ClosedEpoch()
	assert.Equal(t, diff.Timestamp(0), e)

	require.NoError(t, tr.Report(1, 1, 10))
	e, _ = tr.ClosedEpoch()
	assert.Equal(t, diff.Timestamp(9), e)
}

func TestTracker_InputFrontier(t *testing.T) {
	tr := newTestTracker()
	tr.RegisterEdge(0, 1, 0)
	tr.RegisterEdge(1, 1, 0)

	require.NoError(t, tr.Report(0, 0, 8))
	require.NoError(t, tr.Report(1, 0, 2))

	f, err := tr.InputFrontier([]int{0, 1})
	require.NoError(t, err)
	assert.Equal(t, diff.Timestamp(2), f)
}

func TestTracker_InitialFrontierAfterRecovery(t *testing.T) {
	// After restoring from a checkpoint at epoch 5, edges start at 6 and a
	// report of anything lower is a regression.
	tr := newTestTracker()
	tr.RegisterEdge(0, 1, 6)

	f, _ := tr.EdgeFrontier(0)
	assert.Equal(t, diff.Timestamp(6), f)
	assert.ErrorIs(t, tr.Report(0, 0, 5), ErrFrontierRegression)
}
