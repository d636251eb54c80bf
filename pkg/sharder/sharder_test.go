package sharder

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/jacktea/chunkvault/pkg/blob"
	"github.com/jacktea/chunkvault/pkg/encryption"
	"github.com/jacktea/chunkvault/pkg/meta"
	"github.com/jacktea/chunkvault/pkg/node"
	"github.com/jacktea/chunkvault/pkg/retry"
	"github.com/jacktea/chunkvault/pkg/rpc"
	"github.com/jacktea/chunkvault/pkg/rpc/memnet"
	"github.com/jacktea/chunkvault/pkg/storagenode"
	"github.com/jacktea/chunkvault/pkg/xerrors"
)

type cluster struct {
	net       *memnet.Network
	nodes     []node.Node
	store     *meta.MemoryStore
	placer    *Placer
	assembler *Assembler
	metrics   *Metrics
}

func newCluster(t *testing.T, n int) *cluster {
	t.Helper()
	net := memnet.New()
	nodes := make([]node.Node, 0, n)
	for i := 0; i < n; i++ {
		id := node.ID(fmt.Sprintf("node-%d", i))
		h, err := storagenode.New(blob.NewMemoryStore(), nil, storagenode.Options{})
		require.NoError(t, err)
		net.Add(id, h)
		nodes = append(nodes, node.Node{ID: id})
	}
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	store := meta.NewMemoryStore()
	return &cluster{
		net:       net,
		nodes:     nodes,
		store:     store,
		placer:    &Placer{Client: net, Store: store, Metrics: metrics},
		assembler: &Assembler{Client: net, Store: store, Metrics: metrics},
		metrics:   metrics,
	}
}

func fastPolicy() retry.Policy { return retry.Policy{MaxRounds: 3, Interval: time.Millisecond} }

func placeOpts(chunkSize, redundancy int) PlaceOptions {
	return PlaceOptions{
		Filename:   "payload.bin",
		ChunkSize:  chunkSize,
		Redundancy: redundancy,
		Retry:      fastPolicy(),
		Rand:       rand.New(rand.NewSource(7)),
	}
}

func randomBytes(n int, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func (c *cluster) roundTrip(t *testing.T, payload []byte, opts PlaceOptions) []byte {
	t.Helper()
	ctx := context.Background()
	m, err := c.placer.Place(ctx, bytes.NewReader(payload), c.nodes, opts)
	require.NoError(t, err)
	var out bytes.Buffer
	_, err = c.assembler.Assemble(ctx, m.ID, &out, AssembleOptions{Retry: fastPolicy(), Encryption: opts.Encryption})
	require.NoError(t, err)
	return out.Bytes()
}

func TestRoundTrip(t *testing.T) {
	testcases := []struct {
		size, chunk, redundancy int
	}{
		{size: 0, chunk: 16, redundancy: 1},
		{size: 1, chunk: 16, redundancy: 1},
		{size: 15, chunk: 16, redundancy: 2},
		{size: 16, chunk: 16, redundancy: 2},
		{size: 5*16 + 7, chunk: 16, redundancy: 3},
		{size: 4096, chunk: 1000, redundancy: 2},
	}
	for _, tc := range testcases {
		tc := tc
		t.Run(fmt.Sprintf("size=%d/chunk=%d/r=%d", tc.size, tc.chunk, tc.redundancy), func(t *testing.T) {
			c := newCluster(t, 5)
			payload := randomBytes(tc.size, int64(tc.size))
			got := c.roundTrip(t, payload, placeOpts(tc.chunk, tc.redundancy))
			require.True(t, bytes.Equal(payload, got), "round trip mismatch")
		})
	}
}

func TestRoundTripSealed(t *testing.T) {
	c := newCluster(t, 3)
	opts := placeOpts(32, 2)
	opts.Encryption = encryption.Options{Method: encryption.MethodAES256CTR, Key: bytes.Repeat([]byte{9}, 32)}
	payload := randomBytes(100, 1)
	require.Equal(t, payload, c.roundTrip(t, payload, opts))

	m, err := c.placer.Place(context.Background(), bytes.NewReader(payload), c.nodes, opts)
	require.NoError(t, err)
	require.True(t, m.Sealed)
	_, err = c.assembler.Assemble(context.Background(), m.ID, &bytes.Buffer{}, AssembleOptions{Retry: fastPolicy()})
	require.True(t, xerrors.Is(err, xerrors.KindInvalid), "err = %v", err)
}

func TestFiveChunksTwoHoldersFourNodes(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 4)
	payload := randomBytes(500, 5)

	m, err := c.placer.Place(ctx, bytes.NewReader(payload), c.nodes, placeOpts(100, 2))
	require.NoError(t, err)
	require.Equal(t, uint32(5), m.ChunkCount)
	require.Equal(t, int64(500), m.Size)
	require.Equal(t, Hash(payload), m.ID)

	for i := uint32(0); i < 5; i++ {
		rec, err := c.store.Chunk(ctx, m.Seed, i)
		require.NoError(t, err)
		require.Len(t, rec.Holders, 2)
		require.NotEqual(t, rec.Holders[0].Node, rec.Holders[1].Node)
		hash, err := c.store.ExpectedHash(ctx, m.Seed, i)
		require.NoError(t, err)
		require.Equal(t, Hash(payload[i*100:(i+1)*100]), hash)
		require.Equal(t, hash, rec.Holders[0].Hash)
	}

	// one round per chunk: every node was a candidate exactly once per chunk
	total := 0
	for _, n := range c.nodes {
		calls := c.net.Calls(n.ID).Store
		require.Equal(t, 5, calls)
		total += calls
	}
	require.Equal(t, 20, total)
	require.Equal(t, 5.0, testutil.ToFloat64(c.metrics.chunksPlaced))
	require.Equal(t, 0.0, testutil.ToFloat64(c.metrics.underReplicated))
}

type declineHandler struct{}

func (declineHandler) HandleStore(ctx context.Context, req rpc.StoreRequest) (rpc.StoreResponse, error) {
	return rpc.StoreResponse{Key: rpc.SentinelKey}, nil
}

func (declineHandler) HandleRetrieve(ctx context.Context, req rpc.RetrieveRequest) (rpc.RetrieveResponse, error) {
	return rpc.RetrieveResponse{}, nil
}

func TestCandidatesNeverRepeatAcrossRounds(t *testing.T) {
	c := newCluster(t, 5)
	for _, n := range c.nodes {
		c.net.Add(n.ID, declineHandler{})
	}
	_, err := c.placer.Place(context.Background(), bytes.NewReader([]byte("x")), c.nodes, placeOpts(16, 2))
	require.True(t, xerrors.Is(err, xerrors.KindNetworkCongested), "err = %v", err)
	idx, ok := xerrors.ChunkIndex(err)
	require.True(t, ok)
	require.Equal(t, uint32(0), idx)
	for _, n := range c.nodes {
		require.Equal(t, 1, c.net.Calls(n.ID).Store, "node %s", n.ID)
	}
}

func TestNetworkCongestedLeavesNoManifest(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 1)
	h, err := storagenode.New(blob.NewMemoryStore(), nil, storagenode.Options{MaxChunks: 1})
	require.NoError(t, err)
	c.net.Add(c.nodes[0].ID, h)

	_, err = c.placer.Place(ctx, bytes.NewReader(randomBytes(32, 3)), c.nodes, placeOpts(16, 1))
	require.True(t, xerrors.Is(err, xerrors.KindNetworkCongested), "err = %v", err)
	idx, _ := xerrors.ChunkIndex(err)
	require.Equal(t, uint32(1), idx)

	manifests, err := c.store.Manifests(ctx)
	require.NoError(t, err)
	require.Empty(t, manifests)
	// the first chunk stays placed
	count, err := h.Chunks(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	_, err = c.placer.Place(ctx, bytes.NewReader([]byte("y")), nil, placeOpts(16, 1))
	require.True(t, xerrors.Is(err, xerrors.KindNetworkCongested))
}

func TestPartialPlacementIsAccepted(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 3)
	c.net.Add(c.nodes[1].ID, declineHandler{})
	c.net.SetDown(c.nodes[2].ID, true)

	m, err := c.placer.Place(ctx, bytes.NewReader([]byte("lonely")), c.nodes, placeOpts(16, 2))
	require.NoError(t, err)
	rec, err := c.store.Chunk(ctx, m.Seed, 0)
	require.NoError(t, err)
	require.Len(t, rec.Holders, 1)
	require.Equal(t, c.nodes[0].ID, rec.Holders[0].Node)
	require.Equal(t, 1.0, testutil.ToFloat64(c.metrics.underReplicated))
}

func TestRedundancyTolerance(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 3)
	payload := randomBytes(200, 11)
	m, err := c.placer.Place(ctx, bytes.NewReader(payload), c.nodes, placeOpts(50, 3))
	require.NoError(t, err)

	// every chunk lives on all three nodes; two may fail
	c.net.SetDown(c.nodes[0].ID, true)
	c.net.SetDown(c.nodes[2].ID, true)
	var out bytes.Buffer
	_, err = c.assembler.Assemble(ctx, m.ID, &out, AssembleOptions{Retry: fastPolicy()})
	require.NoError(t, err)
	require.Equal(t, payload, out.Bytes())

	c.net.SetDown(c.nodes[1].ID, true)
	c.net.ResetCalls()
	out.Reset()
	_, err = c.assembler.Assemble(ctx, m.ID, &out, AssembleOptions{Retry: fastPolicy()})
	require.True(t, xerrors.Is(err, xerrors.KindChunkUnavailable), "err = %v", err)
	idx, ok := xerrors.ChunkIndex(err)
	require.True(t, ok)
	require.Equal(t, uint32(0), idx)
	// three rounds against each holder
	require.Equal(t, 3, c.net.Calls(c.nodes[1].ID).Retrieve)
}

func TestCorruptHolderFallsBack(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 2)
	payload := randomBytes(64, 21)
	m, err := c.placer.Place(ctx, bytes.NewReader(payload), c.nodes, placeOpts(64, 2))
	require.NoError(t, err)

	c.net.Corrupt(c.nodes[0].ID, memnet.FlipFirstByte)
	var out bytes.Buffer
	_, err = c.assembler.Assemble(ctx, m.ID, &out, AssembleOptions{Retry: fastPolicy()})
	require.NoError(t, err)
	require.Equal(t, payload, out.Bytes())

	c.net.Corrupt(c.nodes[1].ID, memnet.FlipFirstByte)
	_, err = c.assembler.Assemble(ctx, m.ID, &bytes.Buffer{}, AssembleOptions{Retry: fastPolicy()})
	require.True(t, xerrors.Is(err, xerrors.KindChunkUnavailable), "err = %v", err)
	require.GreaterOrEqual(t, testutil.ToFloat64(c.metrics.hashMismatches), 4.0)
}

func TestMissingChunkRecordIsManifestCorrupt(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 2)
	m, err := c.placer.Place(ctx, bytes.NewReader(randomBytes(40, 2)), c.nodes, placeOpts(20, 1))
	require.NoError(t, err)
	require.Equal(t, uint32(2), m.ChunkCount)

	m.ChunkCount = 3
	require.NoError(t, c.store.PutManifest(ctx, m))
	c.net.ResetCalls()
	_, err = c.assembler.Assemble(ctx, m.ID, &bytes.Buffer{}, AssembleOptions{Retry: fastPolicy()})
	require.True(t, xerrors.Is(err, xerrors.KindManifestCorrupt), "err = %v", err)
	idx, _ := xerrors.ChunkIndex(err)
	require.Equal(t, uint32(2), idx)
}

func TestAssembleUnknownFile(t *testing.T) {
	c := newCluster(t, 1)
	_, err := c.assembler.Assemble(context.Background(), "nope", &bytes.Buffer{}, AssembleOptions{})
	require.True(t, xerrors.Is(err, xerrors.KindNotFound))
}

type countingWriter struct {
	writes []int
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.writes = append(w.writes, len(p))
	return len(p), nil
}

func TestAssembleStreamsOneChunkAtATime(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 2)
	m, err := c.placer.Place(ctx, bytes.NewReader(randomBytes(250, 4)), c.nodes, placeOpts(100, 1))
	require.NoError(t, err)
	w := &countingWriter{}
	_, err = c.assembler.Assemble(ctx, m.ID, w, AssembleOptions{Retry: fastPolicy()})
	require.NoError(t, err)
	require.Equal(t, []int{100, 100, 50}, w.writes)
}

func TestPlaceCancelled(t *testing.T) {
	c := newCluster(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.placer.Place(ctx, bytes.NewReader([]byte("abc")), c.nodes, placeOpts(16, 1))
	require.ErrorIs(t, err, context.Canceled)
	manifests, _ := c.store.Manifests(context.Background())
	require.Empty(t, manifests)
}

func TestDraw(t *testing.T) {
	rng := newLockedRand(rand.New(rand.NewSource(1)))
	pool := []int{0, 1, 2, 3, 4}
	seen := map[int]bool{}
	for _, k := range []int{2, 2, 2} {
		for _, v := range rng.draw(&pool, k) {
			require.False(t, seen[v], "value %d drawn twice", v)
			seen[v] = true
		}
	}
	require.Len(t, seen, 5)
	require.Empty(t, pool)
}
