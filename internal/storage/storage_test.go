package storage

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openBackends(t *testing.T) map[string]KV {
	t.Helper()
	badger, err := OpenBadger(&Config{})
	require.NoError(t, err)
	bolt, err := OpenBolt(&Config{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() {
		badger.Close()
		bolt.Close()
	})
	return map[string]KV{"badger": badger, "bolt": bolt}
}

func TestKV_SetGetDelete(t *testing.T) {
	for name, kv := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := kv.Get([]byte("missing"))
			assert.ErrorIs(t, err, ErrKeyNotFound)

			require.NoError(t, kv.Set([]byte("k"), []byte("v")))
			got, err := kv.Get([]byte("k"))
			require.NoError(t, err)
			assert.Equal(t, []byte("v"), got)

			require.NoError(t, kv.Delete([]byte("k")))
			_, err = kv.Get([]byte("k"))
			assert.ErrorIs(t, err, ErrKeyNotFound)
		})
	}
}

func TestKV_ScanAndDeletePrefix(t *testing.T) {
	for name, kv := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				require.NoError(t, kv.Set([]byte(fmt.Sprintf("ckpt/%d", i)), []byte{byte(i)}))
			}
			require.NoError(t, kv.Set([]byte("other/x"), []byte("y")))

			var keys []string
			require.NoError(t, kv.Scan([]byte("ckpt/"), func(k, v []byte) error {
				keys = append(keys, string(k))
				return nil
			}))
			assert.Len(t, keys, 5)
			assert.Equal(t, "ckpt/0", keys[0], "scan is in key order")

			require.NoError(t, kv.DeletePrefix([]byte("ckpt/")))
			count := 0
			require.NoError(t, kv.Scan([]byte("ckpt/"), func(k, v []byte) error {
				count++
				return nil
			}))
			assert.Zero(t, count)

			// Keys outside the prefix survive.
			_, err := kv.Get([]byte("other/x"))
			assert.NoError(t, err)
		})
	}
}

func TestOpen_BackendSelection(t *testing.T) {
	kv, err := Open("badger", &Config{})
	require.NoError(t, err)
	kv.Close()

	kv, err = Open("bolt", &Config{Dir: t.TempDir()})
	require.NoError(t, err)
	kv.Close()

	_, err = Open("rocksdb", &Config{})
	assert.Error(t, err)
}
