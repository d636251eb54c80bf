package meta

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jacktea/chunkvault/pkg/node"
	"github.com/jacktea/chunkvault/pkg/xerrors"
)

var (
	bucketMeta        = []byte("meta")
	bucketChunks      = []byte("chunks")
	bucketHashes      = []byte("hashes")
	bucketManifests   = []byte("manifests")
	bucketAllocations = []byte("allocations")

	metaSchemaKey = []byte("schema")
)

const schemaVersion = 1

// BoltConfig configures the BoltDB-backed store.
type BoltConfig struct {
	Path    string
	NoSync  bool
	Timeout time.Duration
}

// BoltStore persists the verification store in BoltDB.
type BoltStore struct {
	cfg BoltConfig
	db  *bolt.DB
}

// NewBoltStore opens (or creates) a Bolt-backed verification store.
func NewBoltStore(cfg BoltConfig) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "meta.NewBoltStore", "path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	opts := bolt.Options{
		Timeout: cfg.Timeout,
		NoSync:  cfg.NoSync,
	}
	db, err := bolt.Open(cfg.Path, 0o600, &opts)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "meta.NewBoltStore", cfg.Path, err)
	}
	store := &BoltStore{cfg: cfg, db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (b *BoltStore) init() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMeta, bucketChunks, bucketHashes, bucketManifests, bucketAllocations} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("boltdb: create bucket %s: %w", bucket, err)
			}
		}
		meta := tx.Bucket(bucketMeta)
		cur := decodeUint64(meta.Get(metaSchemaKey))
		switch {
		case cur == 0:
			return meta.Put(metaSchemaKey, encodeUint64(schemaVersion))
		case cur > schemaVersion:
			return xerrors.E(xerrors.KindInvalid, "meta.BoltStore", fmt.Sprintf("schema %d is newer than %d", cur, schemaVersion))
		}
		return nil
	})
}

func (b *BoltStore) PutChunk(ctx context.Context, rec ChunkRecord) error {
	if err := validateChunk(rec); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := chunkKeyBytes(rec.Seed, rec.Index)
	// The record and its ground-truth hash land in one transaction.
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketChunks).Put(key, data); err != nil {
			return err
		}
		return tx.Bucket(bucketHashes).Put(key, []byte(rec.ExpectedHash()))
	})
}

func (b *BoltStore) Chunk(ctx context.Context, seed node.Seed, index uint32) (ChunkRecord, error) {
	var rec ChunkRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketChunks).Get(chunkKeyBytes(seed, index))
		if data == nil {
			return xerrors.Chunk(xerrors.KindNotFound, "BoltStore.Chunk", string(seed), index, nil)
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

func (b *BoltStore) PutExpected(ctx context.Context, entry VerificationEntry) error {
	if entry.Hash == "" {
		return xerrors.E(xerrors.KindInvalid, "BoltStore.PutExpected", "empty hash")
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHashes).Put(chunkKeyBytes(entry.Seed, entry.Index), []byte(entry.Hash))
	})
}

func (b *BoltStore) ExpectedHash(ctx context.Context, seed node.Seed, index uint32) (string, error) {
	var hash string
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketHashes).Get(chunkKeyBytes(seed, index))
		if data == nil {
			return xerrors.Chunk(xerrors.KindNotFound, "BoltStore.ExpectedHash", string(seed), index, nil)
		}
		hash = string(data)
		return nil
	})
	return hash, err
}

func (b *BoltStore) PutManifest(ctx context.Context, m Manifest) error {
	if m.ID == "" {
		return xerrors.E(xerrors.KindInvalid, "BoltStore.PutManifest", "empty id")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketManifests).Put([]byte(m.ID), data)
	})
}

func (b *BoltStore) Manifest(ctx context.Context, id string) (Manifest, error) {
	var m Manifest
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketManifests).Get([]byte(id))
		if data == nil {
			return xerrors.E(xerrors.KindNotFound, "BoltStore.Manifest", id)
		}
		return json.Unmarshal(data, &m)
	})
	return m, err
}

func (b *BoltStore) Manifests(ctx context.Context) ([]Manifest, error) {
	var out []Manifest
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketManifests).ForEach(func(k, v []byte) error {
			var m Manifest
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			out = append(out, m)
			return nil
		})
	})
	return out, err
}

func (b *BoltStore) DeleteManifest(ctx context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketManifests)
		if bkt.Get([]byte(id)) == nil {
			return xerrors.E(xerrors.KindNotFound, "BoltStore.DeleteManifest", id)
		}
		return bkt.Delete([]byte(id))
	})
}

func (b *BoltStore) PutAllocation(ctx context.Context, rec AllocationRecord) error {
	if rec.Validator == "" || rec.Node == "" {
		return xerrors.E(xerrors.KindInvalid, "BoltStore.PutAllocation", "missing key")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAllocations).Put(allocKeyBytes(rec.Validator, rec.Node), data)
	})
}

func (b *BoltStore) Allocation(ctx context.Context, validator, n node.ID) (AllocationRecord, error) {
	var rec AllocationRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAllocations).Get(allocKeyBytes(validator, n))
		if data == nil {
			return xerrors.E(xerrors.KindNotFound, "BoltStore.Allocation", string(n))
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

func (b *BoltStore) Allocations(ctx context.Context, validator node.ID) ([]AllocationRecord, error) {
	prefix := append([]byte(validator), 0)
	var out []AllocationRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAllocations).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec AllocationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (b *BoltStore) UpdateAllocation(ctx context.Context, validator, n node.ID, fn func(*AllocationRecord) error) (AllocationRecord, error) {
	var rec AllocationRecord
	key := allocKeyBytes(validator, n)
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketAllocations)
		rec = AllocationRecord{Validator: validator, Node: n}
		if data := bkt.Get(key); data != nil {
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
		}
		if err := fn(&rec); err != nil {
			return err
		}
		rec.Validator, rec.Node = validator, n
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return bkt.Put(key, data)
	})
	if err != nil {
		return AllocationRecord{}, err
	}
	return rec, nil
}

func (b *BoltStore) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// chunkKeyBytes orders chunks of a region by index: seed, 0x00, index.
func chunkKeyBytes(seed node.Seed, index uint32) []byte {
	key := make([]byte, 0, len(seed)+5)
	key = append(key, seed...)
	key = append(key, 0)
	return binary.BigEndian.AppendUint32(key, index)
}

func allocKeyBytes(validator, n node.ID) []byte {
	key := make([]byte, 0, len(validator)+len(n)+1)
	key = append(key, validator...)
	key = append(key, 0)
	return append(key, n...)
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
