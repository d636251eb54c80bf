package storagenode

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jacktea/chunkvault/pkg/blob"
	"github.com/jacktea/chunkvault/pkg/node"
	"github.com/jacktea/chunkvault/pkg/xerrors"
)

// Index maps a region position to the blob that holds it.
type Index interface {
	Put(ctx context.Context, seed node.Seed, index uint32, id blob.ID) error
	Lookup(ctx context.Context, seed node.Seed, index uint32) (blob.ID, bool, error)
	Close() error
}

type regionKey struct {
	seed  node.Seed
	index uint32
}

// MemoryIndex is an in-memory Index.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[regionKey]blob.ID
}

// NewMemoryIndex returns an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[regionKey]blob.ID)}
}

func (m *MemoryIndex) Put(ctx context.Context, seed node.Seed, index uint32, id blob.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[regionKey{seed, index}] = id
	return nil
}

func (m *MemoryIndex) Lookup(ctx context.Context, seed node.Seed, index uint32) (blob.ID, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.entries[regionKey{seed, index}]
	return id, ok, nil
}

func (m *MemoryIndex) Close() error { return nil }

var bucketRegion = []byte("region")

// BoltIndex persists the region index in BoltDB.
type BoltIndex struct {
	db *bolt.DB
}

// OpenBoltIndex opens (or creates) the index at path.
func OpenBoltIndex(path string) (*BoltIndex, error) {
	if path == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "storagenode.OpenBoltIndex", "path is required")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "storagenode.OpenBoltIndex", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRegion)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltIndex{db: db}, nil
}

func (b *BoltIndex) Put(ctx context.Context, seed node.Seed, index uint32, id blob.ID) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRegion).Put(regionKeyBytes(seed, index), []byte(id))
	})
}

func (b *BoltIndex) Lookup(ctx context.Context, seed node.Seed, index uint32) (blob.ID, bool, error) {
	var id blob.ID
	err := b.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketRegion).Get(regionKeyBytes(seed, index)); v != nil {
			id = blob.ID(v)
		}
		return nil
	})
	return id, id != "", err
}

func (b *BoltIndex) Close() error { return b.db.Close() }

func regionKeyBytes(seed node.Seed, index uint32) []byte {
	key := make([]byte, 0, len(seed)+5)
	key = append(key, seed...)
	key = append(key, 0)
	return binary.BigEndian.AppendUint32(key, index)
}
