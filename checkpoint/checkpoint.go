// Package checkpoint persists consistent engine snapshots. A checkpoint is
// only ever taken at a closed epoch: operator state blobs and the manifest
// are written under a fresh id, synced, and only then does the latest
// pointer swap to it, so a crash at any point leaves the previous
// checkpoint intact.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Tabbuchauhan/pathway/diff"
	"github.com/Tabbuchauhan/pathway/internal/logger"
	"github.com/Tabbuchauhan/pathway/internal/storage"
)

var (
	// ErrNoCheckpoint means recovery was asked for but no checkpoint has
	// ever completed.
	ErrNoCheckpoint = errors.New("checkpoint: no checkpoint available")
	// ErrManifestCorrupt means the latest pointer names a manifest that
	// cannot be read back. Fatal; silently starting empty would violate
	// exactly-once.
	ErrManifestCorrupt = errors.New("checkpoint: manifest corrupt")
	// ErrDuplicateCheckpoint means a checkpoint id collided with an
	// existing one. Ids are random, so a collision indicates reuse of a
	// store by two engines.
	ErrDuplicateCheckpoint = errors.New("checkpoint: duplicate checkpoint id")
)

const (
	latestKey = "ckpt/latest"
	keep      = 2
)

// StateKey names one operator replica's blob inside a checkpoint.
func StateKey(node, worker int) string {
	return fmt.Sprintf("%d/%d", node, worker)
}

// Manifest records everything needed to resume from a checkpoint: which
// epoch it captured, where each operator blob lives, source replay
// offsets, and how far each sink had acknowledged.
type Manifest struct {
	ID        string                    `json:"id"`
	Epoch     diff.Timestamp            `json:"epoch"`
	CreatedAt time.Time                 `json:"created_at"`
	Operators map[string]string         `json:"operators"` // state key -> blob key
	Offsets   map[string]map[int][]byte `json:"offsets"`   // source -> partition -> offset
	Acked     map[string]diff.Timestamp `json:"acked"`     // sink -> last delivered epoch
}

// Snapshot is the engine-side input to Save.
type Snapshot struct {
	Epoch     diff.Timestamp
	Operators map[string][]byte // state key -> encoded operator state
	Offsets   map[string]map[int][]byte
	Acked     map[string]diff.Timestamp
}

// Manager writes and reads checkpoints on a KV store.
type Manager struct {
	kv     storage.KV
	logger zerolog.Logger
}

// NewManager builds a checkpoint manager over kv.
func NewManager(kv storage.KV) *Manager {
	return &Manager{kv: kv, logger: logger.GetLogger("checkpoint")}
}

// Save persists a snapshot and makes it the latest checkpoint. Blobs and
// manifest are durable before the pointer moves; old checkpoints beyond
// the retention count are removed afterwards.
func (m *Manager) Save(snap Snapshot) (Manifest, error) {
	man := Manifest{
		ID:        uuid.NewString(),
		Epoch:     snap.Epoch,
		CreatedAt: time.Now().UTC(),
		Operators: map[string]string{},
		Offsets:   snap.Offsets,
		Acked:     snap.Acked,
	}
	if _, err := m.kv.Get(manifestKey(man.ID)); !errors.Is(err, storage.ErrKeyNotFound) {
		if err == nil {
			return Manifest{}, fmt.Errorf("%w: %s", ErrDuplicateCheckpoint, man.ID)
		}
		return Manifest{}, err
	}

	for key, blob := range snap.Operators {
		blobKey := fmt.Sprintf("ckpt/%s/op/%s", man.ID, key)
		if err := m.kv.Set([]byte(blobKey), blob); err != nil {
			return Manifest{}, fmt.Errorf("checkpoint: write blob %s: %w", key, err)
		}
		man.Operators[key] = blobKey
	}

	data, err := json.Marshal(man)
	if err != nil {
		return Manifest{}, err
	}
	if err := m.kv.Set(manifestKey(man.ID), data); err != nil {
		return Manifest{}, fmt.Errorf("checkpoint: write manifest: %w", err)
	}
	if err := m.kv.Sync(); err != nil {
		return Manifest{}, fmt.Errorf("checkpoint: sync: %w", err)
	}

	// The swap is the commit point.
	if err := m.kv.Set([]byte(latestKey), []byte(man.ID)); err != nil {
		return Manifest{}, fmt.Errorf("checkpoint: swap latest: %w", err)
	}
	if err := m.kv.Sync(); err != nil {
		return Manifest{}, fmt.Errorf("checkpoint: sync latest: %w", err)
	}
	m.logger.Info().Str("id", man.ID).Uint64("epoch", uint64(man.Epoch)).Msg("checkpoint complete")

	if err := m.gc(); err != nil {
		// Retention failure leaves extra data behind, not inconsistency.
		m.logger.Warn().Err(err).Msg("checkpoint gc failed")
	}
	return man, nil
}

// Latest returns the manifest the latest pointer names.
func (m *Manager) Latest() (Manifest, error) {
	id, err := m.kv.Get([]byte(latestKey))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return Manifest{}, ErrNoCheckpoint
	}
	if err != nil {
		return Manifest{}, err
	}
	return m.load(string(id))
}

// OperatorState reads one operator replica's blob out of a manifest.
// Returns nil when the manifest has no blob for that replica, which is
// normal for stateless operators.
func (m *Manager) OperatorState(man Manifest, key string) ([]byte, error) {
	blobKey, ok := man.Operators[key]
	if !ok {
		return nil, nil
	}
	blob, err := m.kv.Get([]byte(blobKey))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: missing blob %s", ErrManifestCorrupt, blobKey)
	}
	return blob, err
}

func (m *Manager) load(id string) (Manifest, error) {
	data, err := m.kv.Get(manifestKey(id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return Manifest{}, fmt.Errorf("%w: manifest %s missing", ErrManifestCorrupt, id)
	}
	if err != nil {
		return Manifest{}, err
	}
	var man Manifest
	if err := json.Unmarshal(data, &man); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrManifestCorrupt, err)
	}
	if man.ID != id {
		return Manifest{}, fmt.Errorf("%w: manifest id %s under key %s", ErrManifestCorrupt, man.ID, id)
	}
	return man, nil
}

// gc removes all but the newest checkpoints. The one named by the latest
// pointer is always kept.
func (m *Manager) gc() error {
	latest, err := m.kv.Get([]byte(latestKey))
	if err != nil {
		return err
	}
	type entry struct {
		id string
		at time.Time
	}
	var all []entry
	var unreadable []string
	err = m.kv.Scan([]byte("ckpt/"), func(k, v []byte) error {
		if !isManifestKey(k) {
			return nil
		}
		var man Manifest
		if err := json.Unmarshal(v, &man); err != nil {
			unreadable = append(unreadable, manifestID(k))
			return nil
		}
		all = append(all, entry{id: man.ID, at: man.CreatedAt})
		return nil
	})
	if err != nil {
		return err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.After(all[j].at) })
	for i, e := range all {
		if i < keep || e.id == string(latest) {
			continue
		}
		if err := m.kv.DeletePrefix([]byte("ckpt/" + e.id + "/")); err != nil {
			return err
		}
		m.logger.Debug().Str("id", e.id).Msg("removed old checkpoint")
	}
	// An unreadable manifest can never be loaded again; reclaim its
	// checkpoint unless the latest pointer still names it, in which case
	// recovery must see the corruption instead of an empty store.
	for _, id := range unreadable {
		if id == "" || id == string(latest) {
			continue
		}
		if err := m.kv.DeletePrefix([]byte("ckpt/" + id + "/")); err != nil {
			return err
		}
		m.logger.Warn().Str("id", id).Msg("removed unreadable checkpoint")
	}
	return nil
}

// manifestID extracts the checkpoint id from a manifest key, or "" when
// the key does not have the ckpt/<id>/manifest shape.
func manifestID(k []byte) string {
	s := strings.TrimSuffix(strings.TrimPrefix(string(k), "ckpt/"), "/manifest")
	if s == "" || strings.Contains(s, "/") {
		return ""
	}
	return s
}

func manifestKey(id string) []byte {
	return []byte("ckpt/" + id + "/manifest")
}

func isManifestKey(k []byte) bool {
	const suffix = "/manifest"
	return len(k) > len(suffix) && string(k[len(k)-len(suffix):]) == suffix
}
