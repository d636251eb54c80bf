// Package storagenode answers store and retrieve calls for one node.
package storagenode

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/jacktea/chunkvault/pkg/blob"
	"github.com/jacktea/chunkvault/pkg/node"
	"github.com/jacktea/chunkvault/pkg/rpc"
	"github.com/jacktea/chunkvault/pkg/xerrors"
)

// Options configures a Node.
type Options struct {
	// MaxChunks caps the number of distinct blobs kept. Zero means no cap.
	MaxChunks int
	Logger    *zap.Logger
}

// Node implements rpc.Handler on top of a blob store and a region index.
type Node struct {
	blobs blob.Store
	index Index
	opts  Options
	log   *zap.Logger

	mu      sync.Mutex
	count   int
	pending int
	counted bool
}

// New builds a node handler.
func New(blobs blob.Store, index Index, opts Options) (*Node, error) {
	if blobs == nil {
		return nil, xerrors.E(xerrors.KindInvalid, "storagenode.New", "blob store is required")
	}
	if index == nil {
		index = NewMemoryIndex()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Node{blobs: blobs, index: index, opts: opts, log: log}, nil
}

// HandleStore keeps the payload and answers with its blob ID, or with the
// sentinel key when the node is full or the payload is empty.
func (n *Node) HandleStore(ctx context.Context, req rpc.StoreRequest) (rpc.StoreResponse, error) {
	if len(req.Payload) == 0 {
		return rpc.StoreResponse{Key: rpc.SentinelKey}, nil
	}
	full, err := n.reserve(ctx)
	if err != nil {
		return rpc.StoreResponse{}, err
	}
	if full {
		exists, err := n.blobs.Exists(ctx, blob.IDOf(req.Payload))
		if err != nil {
			return rpc.StoreResponse{}, err
		}
		if !exists {
			n.log.Debug("capacity exhausted", zap.Int("max_chunks", n.opts.MaxChunks))
			return rpc.StoreResponse{Key: rpc.SentinelKey}, nil
		}
	}
	id, created, err := n.blobs.Put(ctx, req.Payload)
	n.settle(!full, created && err == nil)
	if err != nil {
		return rpc.StoreResponse{}, err
	}
	return rpc.StoreResponse{Key: string(id)}, nil
}

// HandleRetrieve serves by placement key, or by region position when
// req.ByIndex is set. Unknown chunks yield an empty payload.
func (n *Node) HandleRetrieve(ctx context.Context, req rpc.RetrieveRequest) (rpc.RetrieveResponse, error) {
	id := blob.ID(req.Key)
	if req.ByIndex {
		found, ok, err := n.index.Lookup(ctx, req.Seed, req.Index)
		if err != nil {
			return rpc.RetrieveResponse{}, err
		}
		if !ok {
			return rpc.RetrieveResponse{}, nil
		}
		id = found
	}
	if !id.Valid() {
		return rpc.RetrieveResponse{}, nil
	}
	data, err := n.blobs.Get(ctx, id)
	if xerrors.Is(err, xerrors.KindNotFound) {
		return rpc.RetrieveResponse{}, nil
	}
	if err != nil {
		return rpc.RetrieveResponse{}, err
	}
	return rpc.RetrieveResponse{Payload: data}, nil
}

// PutRegion stores data at a region position and returns its SHA-256 hex,
// which is the expected hash a validator audits against.
func (n *Node) PutRegion(ctx context.Context, seed node.Seed, index uint32, data []byte) (string, error) {
	if len(data) == 0 {
		return "", xerrors.Chunk(xerrors.KindInvalid, "storagenode.PutRegion", string(seed), index, nil)
	}
	if _, err := n.reserve(ctx); err != nil {
		return "", err
	}
	id, created, err := n.blobs.Put(ctx, data)
	n.settle(true, created && err == nil)
	if err != nil {
		return "", err
	}
	if err := n.index.Put(ctx, seed, index, id); err != nil {
		return "", err
	}
	return string(id), nil
}

// Chunks returns the number of blobs held.
func (n *Node) Chunks(ctx context.Context) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.ensureCount(ctx); err != nil {
		return 0, err
	}
	return n.count, nil
}

// reserve takes a slot for one write, or reports full when the cap leaves
// none. Blob writes happen outside n.mu; pending keeps the cap exact.
func (n *Node) reserve(ctx context.Context) (full bool, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.ensureCount(ctx); err != nil {
		return false, err
	}
	if n.opts.MaxChunks > 0 && n.count+n.pending >= n.opts.MaxChunks {
		return true, nil
	}
	n.pending++
	return false, nil
}

func (n *Node) settle(reserved, created bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if reserved {
		n.pending--
	}
	if created {
		n.count++
	}
}

func (n *Node) ensureCount(ctx context.Context) error {
	if n.counted {
		return nil
	}
	count, err := n.blobs.Count(ctx)
	if err != nil {
		return err
	}
	n.count, n.counted = count, true
	return nil
}
