package operator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tabbuchauhan/pathway/diff"
)

func TestSpec_BuildExhaustive(t *testing.T) {
	specs := []Spec{
		{Kind: KindMap, Map: func(k string, v []byte) (string, []byte, error) { return k, v, nil }},
		{Kind: KindFilter, Filter: func(string, []byte) (bool, error) { return true, nil }},
		{Kind: KindProject, Project: func(v []byte) ([]byte, error) { return v, nil }},
		{Kind: KindJoin, Join: func(_ string, l, r []byte) ([]byte, error) { return append(l, r...), nil }},
		{Kind: KindReduce, Reduce: countReduce},
		{Kind: KindWindow, Window: &WindowSpec{Size: 5, Reduce: countReduce}},
	}
	for _, s := range specs {
		op, err := s.Build()
		require.NoError(t, err, s.Kind.String())
		assert.Equal(t, s.Kind, op.Kind())
	}

	_, err := Spec{Kind: Kind(99)}.Build()
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = Spec{Kind: KindMap}.Build()
	assert.Error(t, err, "missing function must be rejected at build time")
}

func TestSpec_Keyed(t *testing.T) {
	assert.False(t, Spec{Kind: KindMap}.Keyed())
	assert.False(t, Spec{Kind: KindFilter}.Keyed())
	assert.False(t, Spec{Kind: KindProject}.Keyed())
	assert.True(t, Spec{Kind: KindJoin}.Keyed())
	assert.True(t, Spec{Kind: KindReduce}.Keyed())
	assert.True(t, Spec{Kind: KindWindow}.Keyed())
}

func TestMapOp_RewritesKeyAndValue(t *testing.T) {
	op, err := Spec{Kind: KindMap, Map: func(k string, v []byte) (string, []byte, error) {
		return "u:" + k, []byte(strings.ToUpper(string(v))), nil
	}}.Build()
	require.NoError(t, err)

	out, err := op.Accept(0, diff.Batch{
		{Key: "a", Value: []byte("x"), Mult: 1, Time: 1},
		{Key: "b", Value: []byte("y"), Mult: -2, Time: 1},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, diff.Diff{Key: "u:a", Value: []byte("X"), Mult: 1, Time: 1}, out[0])
	assert.Equal(t, diff.Diff{Key: "u:b", Value: []byte("Y"), Mult: -2, Time: 1}, out[1])
}

func TestFilterOp_DropsWithoutMutating(t *testing.T) {
	op, err := Spec{Kind: KindFilter, Filter: func(k string, _ []byte) (bool, error) {
		return k != "drop", nil
	}}.Build()
	require.NoError(t, err)

	out, err := op.Accept(0, diff.Batch{
		{Key: "keep", Value: []byte("1"), Mult: 1, Time: 3},
		{Key: "drop", Value: []byte("2"), Mult: 1, Time: 3},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "keep", out[0].Key)
}

func TestProjectOp_KeepsKeyAndMultiplicity(t *testing.T) {
	op, err := Spec{Kind: KindProject, Project: func(v []byte) ([]byte, error) {
		return v[:1], nil
	}}.Build()
	require.NoError(t, err)

	out, err := op.Accept(0, diff.Batch{{Key: "k", Value: []byte("abc"), Mult: -1, Time: 7}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, diff.Diff{Key: "k", Value: []byte("a"), Mult: -1, Time: 7}, out[0])
}

func TestStatelessOps_EmptySnapshot(t *testing.T) {
	for _, s := range []Spec{
		{Kind: KindMap, Map: func(k string, v []byte) (string, []byte, error) { return k, v, nil }},
		{Kind: KindFilter, Filter: func(string, []byte) (bool, error) { return true, nil }},
		{Kind: KindProject, Project: func(v []byte) ([]byte, error) { return v, nil }},
	} {
		op, err := s.Build()
		require.NoError(t, err)
		snap, err := op.Snapshot()
		require.NoError(t, err)
		assert.Empty(t, snap)
		assert.NoError(t, op.Restore(snap))
	}
}
