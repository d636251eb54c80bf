// Package blob keeps chunk payloads on a storage node, addressed by content.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/jacktea/chunkvault/pkg/xerrors"
)

// ID is the hex SHA-256 of a blob's content.
type ID string

// IDOf computes the content address of data.
func IDOf(data []byte) ID {
	sum := sha256.Sum256(data)
	return ID(hex.EncodeToString(sum[:]))
}

// Valid reports whether id is a well-formed content address.
func (id ID) Valid() bool {
	if len(id) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(string(id))
	return err == nil
}

// Store is the minimal interface a storage node needs.
type Store interface {
	// Put stores data and returns its ID. created is false when the blob
	// already existed.
	Put(ctx context.Context, data []byte) (id ID, created bool, err error)
	Get(ctx context.Context, id ID) ([]byte, error)
	Delete(ctx context.Context, id ID) error
	Exists(ctx context.Context, id ID) (bool, error)
	// Count returns the number of stored blobs.
	Count(ctx context.Context) (int, error)
}

// MemoryStore keeps blobs in a map.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[ID][]byte
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[ID][]byte)}
}

func (m *MemoryStore) Put(ctx context.Context, data []byte) (ID, bool, error) {
	id := IDOf(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[id]; ok {
		return id, false, nil
	}
	m.blobs[id] = append([]byte(nil), data...)
	return id, true, nil
}

func (m *MemoryStore) Get(ctx context.Context, id ID) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[id]
	if !ok {
		return nil, xerrors.E(xerrors.KindNotFound, "blob.Get", string(id))
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) Delete(ctx context.Context, id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[id]; !ok {
		return xerrors.E(xerrors.KindNotFound, "blob.Delete", string(id))
	}
	delete(m.blobs, id)
	return nil
}

func (m *MemoryStore) Exists(ctx context.Context, id ID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[id]
	return ok, nil
}

func (m *MemoryStore) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs), nil
}
