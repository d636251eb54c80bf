package meta

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jacktea/chunkvault/pkg/node"
	"github.com/jacktea/chunkvault/pkg/xerrors"
)

// Holder is one node that accepted a chunk.
type Holder struct {
	Node node.ID `json:"node"`
	Key  string  `json:"key"`
	Hash string  `json:"hash"`
}

// ChunkRecord lists where a chunk of a stored file lives.
type ChunkRecord struct {
	Seed    node.Seed `json:"seed"`
	Index   uint32    `json:"index"`
	Holders []Holder  `json:"holders"`
}

// ExpectedHash returns the hash recorded by the first holder. All holders
// agree by construction.
func (c ChunkRecord) ExpectedHash() string {
	if len(c.Holders) == 0 {
		return ""
	}
	return c.Holders[0].Hash
}

// VerificationEntry is the ground-truth hash of one chunk in a region.
type VerificationEntry struct {
	Seed  node.Seed `json:"seed"`
	Index uint32    `json:"index"`
	Hash  string    `json:"hash"`
}

// Manifest describes a stored file.
type Manifest struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	ChunkCount uint32    `json:"chunk_count"`
	ChunkSize  uint32    `json:"chunk_size"`
	Seed       node.Seed `json:"seed"`
	Sealed     bool      `json:"sealed"`
	CreatedAt  time.Time `json:"created_at"`
}

// AllocationRecord is the persisted audit state of a (validator, node) pair.
type AllocationRecord struct {
	Validator  node.ID   `json:"validator"`
	Node       node.ID   `json:"node"`
	Seed       node.Seed `json:"seed"`
	ByteBudget uint64    `json:"byte_budget"`
	ChunkSize  uint32    `json:"chunk_size"`
	// BaseChunks is the stake-derived allocation of the latest cycle.
	BaseChunks uint32 `json:"base_chunks"`
	// NextChunks is the optimistic allocation; it grows faster than trust.
	NextChunks uint32 `json:"next_chunks"`
	// VerifiedChunks is the audited floor. Consumers of trust read this.
	VerifiedChunks uint32    `json:"verified_chunks"`
	Score          float64   `json:"score"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store is the verification store shared by the pipelines and the audit
// loop. Every method is atomic per key; a reader observes a whole record or
// none.
type Store interface {
	PutChunk(ctx context.Context, rec ChunkRecord) error
	Chunk(ctx context.Context, seed node.Seed, index uint32) (ChunkRecord, error)
	PutExpected(ctx context.Context, entry VerificationEntry) error
	ExpectedHash(ctx context.Context, seed node.Seed, index uint32) (string, error)

	PutManifest(ctx context.Context, m Manifest) error
	Manifest(ctx context.Context, id string) (Manifest, error)
	Manifests(ctx context.Context) ([]Manifest, error)
	DeleteManifest(ctx context.Context, id string) error

	PutAllocation(ctx context.Context, rec AllocationRecord) error
	Allocation(ctx context.Context, validator, n node.ID) (AllocationRecord, error)
	Allocations(ctx context.Context, validator node.ID) ([]AllocationRecord, error)
	// UpdateAllocation applies fn to the current record atomically. fn sees
	// a zero record with the keys filled in when none exists yet.
	UpdateAllocation(ctx context.Context, validator, n node.ID, fn func(*AllocationRecord) error) (AllocationRecord, error)

	Close() error
}

type chunkKey struct {
	seed  node.Seed
	index uint32
}

type allocKey struct {
	validator node.ID
	node      node.ID
}

// MemoryStore is a simple in-memory implementation for tests.
type MemoryStore struct {
	mu          sync.RWMutex
	chunks      map[chunkKey]ChunkRecord
	hashes      map[chunkKey]string
	manifests   map[string]Manifest
	allocations map[allocKey]AllocationRecord
}

// NewMemoryStore creates an empty verification store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chunks:      make(map[chunkKey]ChunkRecord),
		hashes:      make(map[chunkKey]string),
		manifests:   make(map[string]Manifest),
		allocations: make(map[allocKey]AllocationRecord),
	}
}

func (m *MemoryStore) PutChunk(ctx context.Context, rec ChunkRecord) error {
	if err := validateChunk(rec); err != nil {
		return err
	}
	rec.Holders = append([]Holder(nil), rec.Holders...)
	key := chunkKey{rec.Seed, rec.Index}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks[key] = rec
	m.hashes[key] = rec.ExpectedHash()
	return nil
}

func (m *MemoryStore) Chunk(ctx context.Context, seed node.Seed, index uint32) (ChunkRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.chunks[chunkKey{seed, index}]
	if !ok {
		return ChunkRecord{}, xerrors.E(xerrors.KindNotFound, "MemoryStore.Chunk", string(seed))
	}
	rec.Holders = append([]Holder(nil), rec.Holders...)
	return rec, nil
}

func (m *MemoryStore) PutExpected(ctx context.Context, entry VerificationEntry) error {
	if entry.Hash == "" {
		return xerrors.E(xerrors.KindInvalid, "MemoryStore.PutExpected", "empty hash")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hashes[chunkKey{entry.Seed, entry.Index}] = entry.Hash
	return nil
}

func (m *MemoryStore) ExpectedHash(ctx context.Context, seed node.Seed, index uint32) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hashes[chunkKey{seed, index}]
	if !ok {
		return "", xerrors.E(xerrors.KindNotFound, "MemoryStore.ExpectedHash", string(seed))
	}
	return h, nil
}

func (m *MemoryStore) PutManifest(ctx context.Context, man Manifest) error {
	if man.ID == "" {
		return xerrors.E(xerrors.KindInvalid, "MemoryStore.PutManifest", "empty id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manifests[man.ID] = man
	return nil
}

func (m *MemoryStore) Manifest(ctx context.Context, id string) (Manifest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	man, ok := m.manifests[id]
	if !ok {
		return Manifest{}, xerrors.E(xerrors.KindNotFound, "MemoryStore.Manifest", id)
	}
	return man, nil
}

func (m *MemoryStore) Manifests(ctx context.Context) ([]Manifest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Manifest, 0, len(m.manifests))
	for _, man := range m.manifests {
		out = append(out, man)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeleteManifest(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.manifests[id]; !ok {
		return xerrors.E(xerrors.KindNotFound, "MemoryStore.DeleteManifest", id)
	}
	delete(m.manifests, id)
	return nil
}

func (m *MemoryStore) PutAllocation(ctx context.Context, rec AllocationRecord) error {
	if rec.Validator == "" || rec.Node == "" {
		return xerrors.E(xerrors.KindInvalid, "MemoryStore.PutAllocation", "missing key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocations[allocKey{rec.Validator, rec.Node}] = rec
	return nil
}

func (m *MemoryStore) Allocation(ctx context.Context, validator, n node.ID) (AllocationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.allocations[allocKey{validator, n}]
	if !ok {
		return AllocationRecord{}, xerrors.E(xerrors.KindNotFound, "MemoryStore.Allocation", string(n))
	}
	return rec, nil
}

func (m *MemoryStore) Allocations(ctx context.Context, validator node.ID) ([]AllocationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []AllocationRecord
	for key, rec := range m.allocations {
		if key.validator == validator {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return out, nil
}

func (m *MemoryStore) UpdateAllocation(ctx context.Context, validator, n node.ID, fn func(*AllocationRecord) error) (AllocationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := allocKey{validator, n}
	rec, ok := m.allocations[key]
	if !ok {
		rec = AllocationRecord{Validator: validator, Node: n}
	}
	if err := fn(&rec); err != nil {
		return AllocationRecord{}, err
	}
	rec.Validator, rec.Node = validator, n
	m.allocations[key] = rec
	return rec, nil
}

func (m *MemoryStore) Close() error { return nil }

func validateChunk(rec ChunkRecord) error {
	if len(rec.Holders) == 0 {
		return xerrors.Chunk(xerrors.KindInvalid, "meta.PutChunk", string(rec.Seed), rec.Index, nil)
	}
	want := rec.Holders[0].Hash
	for _, h := range rec.Holders {
		if h.Hash == "" || h.Hash != want {
			return xerrors.Chunk(xerrors.KindInvalid, "meta.PutChunk", "holder hashes disagree", rec.Index, nil)
		}
	}
	return nil
}
