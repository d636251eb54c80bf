package storagenode

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jacktea/chunkvault/pkg/blob"
	"github.com/jacktea/chunkvault/pkg/rpc"
)

func TestStoreThenRetrieveByKey(t *testing.T) {
	ctx := context.Background()
	n, err := New(blob.NewMemoryStore(), nil, Options{})
	require.NoError(t, err)

	resp, err := n.HandleStore(ctx, rpc.StoreRequest{Payload: []byte("hello")})
	require.NoError(t, err)
	require.False(t, rpc.IsSentinel(resp.Key))

	got, err := n.HandleRetrieve(ctx, rpc.RetrieveRequest{Key: resp.Key})
	require.NoError(t, err)
	require.Equal(t, "hello", string(got.Payload))

	got, err = n.HandleRetrieve(ctx, rpc.RetrieveRequest{Key: "nope"})
	require.NoError(t, err)
	require.Empty(t, got.Payload)

	resp, err = n.HandleStore(ctx, rpc.StoreRequest{})
	require.NoError(t, err)
	require.True(t, rpc.IsSentinel(resp.Key))
}

func TestCapacityReturnsSentinel(t *testing.T) {
	ctx := context.Background()
	n, err := New(blob.NewMemoryStore(), nil, Options{MaxChunks: 2})
	require.NoError(t, err)

	for _, p := range []string{"a", "b"} {
		resp, err := n.HandleStore(ctx, rpc.StoreRequest{Payload: []byte(p)})
		require.NoError(t, err)
		require.False(t, rpc.IsSentinel(resp.Key))
	}
	resp, err := n.HandleStore(ctx, rpc.StoreRequest{Payload: []byte("c")})
	require.NoError(t, err)
	require.True(t, rpc.IsSentinel(resp.Key))

	// re-storing held content does not need room
	resp, err = n.HandleStore(ctx, rpc.StoreRequest{Payload: []byte("a")})
	require.NoError(t, err)
	require.False(t, rpc.IsSentinel(resp.Key))

	count, err := n.Chunks(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestRegionRetrieveByIndex(t *testing.T) {
	ctx := context.Background()
	index, err := OpenBoltIndex(filepath.Join(t.TempDir(), "region.db"))
	require.NoError(t, err)
	defer index.Close()
	store, err := blob.NewPathStore(t.TempDir())
	require.NoError(t, err)
	n, err := New(store, index, Options{})
	require.NoError(t, err)

	hash, err := n.PutRegion(ctx, "nodeval", 5, []byte("region-chunk"))
	require.NoError(t, err)
	sum := sha256.Sum256([]byte("region-chunk"))
	require.Equal(t, hex.EncodeToString(sum[:]), hash)

	got, err := n.HandleRetrieve(ctx, rpc.RetrieveRequest{Seed: "nodeval", Index: 5, ByIndex: true})
	require.NoError(t, err)
	require.Equal(t, "region-chunk", string(got.Payload))

	got, err = n.HandleRetrieve(ctx, rpc.RetrieveRequest{Seed: "nodeval", Index: 6, ByIndex: true})
	require.NoError(t, err)
	require.Empty(t, got.Payload)

	_, err = n.PutRegion(ctx, "nodeval", 7, nil)
	require.Error(t, err)
}

// gatedStore blocks Put of the payload "slow" until release is closed.
type gatedStore struct {
	*blob.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Put(ctx context.Context, data []byte) (blob.ID, bool, error) {
	if string(data) == "slow" {
		close(g.entered)
		<-g.release
	}
	return g.MemoryStore.Put(ctx, data)
}

func TestStoresDoNotWaitOnSlowWrites(t *testing.T) {
	ctx := context.Background()
	gate := &gatedStore{MemoryStore: blob.NewMemoryStore(), entered: make(chan struct{}), release: make(chan struct{})}
	n, err := New(gate, nil, Options{MaxChunks: 2})
	require.NoError(t, err)

	slow := make(chan rpc.StoreResponse, 1)
	go func() {
		resp, _ := n.HandleStore(ctx, rpc.StoreRequest{Payload: []byte("slow")})
		slow <- resp
	}()
	<-gate.entered

	done := make(chan rpc.StoreResponse, 1)
	go func() {
		resp, _ := n.HandleStore(ctx, rpc.StoreRequest{Payload: []byte("fast")})
		done <- resp
	}()
	select {
	case resp := <-done:
		require.False(t, rpc.IsSentinel(resp.Key))
	case <-time.After(5 * time.Second):
		t.Fatal("store blocked behind a slow write")
	}

	// the in-flight write still holds its slot
	resp, err := n.HandleStore(ctx, rpc.StoreRequest{Payload: []byte("third")})
	require.NoError(t, err)
	require.True(t, rpc.IsSentinel(resp.Key))

	close(gate.release)
	require.False(t, rpc.IsSentinel((<-slow).Key))
	count, err := n.Chunks(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestNewRequiresBlobStore(t *testing.T) {
	_, err := New(nil, nil, Options{})
	require.Error(t, err)
}
