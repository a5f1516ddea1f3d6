package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tabbuchauhan/pathway/diff"
	"github.com/Tabbuchauhan/pathway/internal/storage"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	kv, err := storage.OpenBadger(&storage.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return NewManager(kv)
}

func snapshotAt(epoch diff.Timestamp) Snapshot {
	return Snapshot{
		Epoch: epoch,
		Operators: map[string][]byte{
			StateKey(2, 0): []byte("state-2-0"),
			StateKey(2, 1): []byte("state-2-1"),
		},
		Offsets: map[string]map[int][]byte{
			"orders": {0: []byte("off-0")},
		},
		Acked: map[string]diff.Timestamp{"out": epoch - 1},
	}
}

func TestManager_SaveAndRecover(t *testing.T) {
	m := newManager(t)

	_, err := m.Latest()
	assert.ErrorIs(t, err, ErrNoCheckpoint)

	saved, err := m.Save(snapshotAt(5))
	require.NoError(t, err)
	require.NotEmpty(t, saved.ID)

	got, err := m.Latest()
	require.NoError(t, err)
	assert.Equal(t, saved.ID, got.ID)
	assert.Equal(t, diff.Timestamp(5), got.Epoch)
	assert.Equal(t, []byte("off-0"), got.Offsets["orders"][0])
	assert.Equal(t, diff.Timestamp(4), got.Acked["out"])

	blob, err := m.OperatorState(got, StateKey(2, 1))
	require.NoError(t, err)
	assert.Equal(t, []byte("state-2-1"), blob)

	// Stateless operators have no blob; that is not an error.
	blob, err = m.OperatorState(got, StateKey(9, 0))
	require.NoError(t, err)
	assert.Nil(t, blob)
}

func TestManager_LatestPointerMovesForward(t *testing.T) {
	m := newManager(t)

	first, err := m.Save(snapshotAt(3))
	require.NoError(t, err)
	second, err := m.Save(snapshotAt(7))
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	got, err := m.Latest()
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
	assert.Equal(t, diff.Timestamp(7), got.Epoch)
}

func TestManager_RetainsTwoCheckpoints(t *testing.T) {
	m := newManager(t)

	var ids []string
	for e := diff.Timestamp(1); e <= 4; e++ {
		man, err := m.Save(snapshotAt(e))
		require.NoError(t, err)
		ids = append(ids, man.ID)
	}

	// The two newest survive, the older two are gone.
	for _, id := range ids[2:] {
		_, err := m.load(id)
		assert.NoError(t, err)
	}
	for _, id := range ids[:2] {
		_, err := m.load(id)
		assert.ErrorIs(t, err, ErrManifestCorrupt)
	}
}

// A checkpoint whose manifest no longer parses is dead weight: the next
// gc reclaims it, unless the latest pointer still names it.
func TestManager_GCRemovesUnreadableCheckpoint(t *testing.T) {
	kv, err := storage.OpenBadger(&storage.Config{})
	require.NoError(t, err)
	defer kv.Close()
	m := NewManager(kv)

	_, err = m.Save(snapshotAt(1))
	require.NoError(t, err)

	// A half-written checkpoint left behind by a crash before the swap.
	require.NoError(t, kv.Set([]byte("ckpt/stray/manifest"), []byte("{broken")))
	require.NoError(t, kv.Set([]byte("ckpt/stray/op/0/0"), []byte("blob")))

	latest, err := m.Save(snapshotAt(2))
	require.NoError(t, err)

	_, err = kv.Get([]byte("ckpt/stray/manifest"))
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)
	_, err = kv.Get([]byte("ckpt/stray/op/0/0"))
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)

	got, err := m.Latest()
	require.NoError(t, err)
	assert.Equal(t, latest.ID, got.ID)
}

func TestManager_CorruptManifestIsFatal(t *testing.T) {
	kv, err := storage.OpenBadger(&storage.Config{})
	require.NoError(t, err)
	defer kv.Close()
	m := NewManager(kv)

	man, err := m.Save(snapshotAt(2))
	require.NoError(t, err)

	require.NoError(t, kv.Set([]byte("ckpt/"+man.ID+"/manifest"), []byte("{broken")))
	_, err = m.Latest()
	assert.ErrorIs(t, err, ErrManifestCorrupt)

	// A dangling latest pointer is equally fatal.
	require.NoError(t, kv.Set([]byte("ckpt/latest"), []byte("no-such-id")))
	_, err = m.Latest()
	assert.ErrorIs(t, err, ErrManifestCorrupt)
}
