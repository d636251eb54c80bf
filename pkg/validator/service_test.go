package validator

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/jacktea/chunkvault/pkg/blob"
	"github.com/jacktea/chunkvault/pkg/encryption"
	"github.com/jacktea/chunkvault/pkg/meta"
	"github.com/jacktea/chunkvault/pkg/node"
	"github.com/jacktea/chunkvault/pkg/rpc/memnet"
	"github.com/jacktea/chunkvault/pkg/storagenode"
	"github.com/jacktea/chunkvault/pkg/xerrors"
)

func newService(t *testing.T, n int, mutate func(*Config)) (*Service, *memnet.Network, *meta.MemoryStore) {
	t.Helper()
	net := memnet.New()
	nodes := make([]node.Node, 0, n)
	for i := 0; i < n; i++ {
		id := node.ID(fmt.Sprintf("n%d", i))
		h, err := storagenode.New(blob.NewMemoryStore(), nil, storagenode.Options{})
		require.NoError(t, err)
		net.Add(id, h)
		nodes = append(nodes, node.Node{ID: id, Stake: float64(i)})
	}
	cfg := Config{
		Validator:     "val",
		ChunkSize:     64,
		Redundancy:    2,
		Rounds:        3,
		RoundInterval: time.Millisecond,
		RPCTimeout:    time.Second,
		Budget:        1e7,
		LivenessTTL:   -1,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	store := meta.NewMemoryStore()
	svc, err := New(cfg, Deps{
		Snapshot:   node.StaticSnapshot(nodes),
		Client:     net,
		Store:      store,
		Registerer: prometheus.NewRegistry(),
		Rand:       rand.New(rand.NewSource(3)),
	})
	require.NoError(t, err)
	return svc, net, store
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{}, Deps{})
	require.True(t, xerrors.Is(err, xerrors.KindInvalid))

	_, err = New(Config{Validator: "v", Encryption: encryption.Options{Method: "rot13"}}, Deps{
		Snapshot: node.StaticSnapshot{}, Client: memnet.New(), Store: meta.NewMemoryStore(),
	})
	require.True(t, xerrors.Is(err, xerrors.KindInvalid))
}

func TestStoreAndRetrieve(t *testing.T) {
	svc, _, _ := newService(t, 4, nil)
	ctx := context.Background()
	payload := bytes.Repeat([]byte("chunkvault "), 50)

	m, err := svc.StoreFile(ctx, "notes.txt", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "notes.txt", m.Filename)
	require.Equal(t, int64(len(payload)), m.Size)

	var out bytes.Buffer
	got, err := svc.RetrieveFile(ctx, m.ID, &out)
	require.NoError(t, err)
	require.Equal(t, m, got)
	require.Equal(t, payload, out.Bytes())

	byName, err := svc.ManifestByName(ctx, "notes.txt")
	require.NoError(t, err)
	require.Equal(t, m.ID, byName.ID)

	list, err := svc.Manifests(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, svc.DeleteManifest(ctx, m.ID))
	_, err = svc.Manifest(ctx, m.ID)
	require.True(t, xerrors.Is(err, xerrors.KindNotFound))
	_, err = svc.ManifestByName(ctx, "notes.txt")
	require.True(t, xerrors.Is(err, xerrors.KindNotFound))
}

func TestStoreSkipsDownNodes(t *testing.T) {
	svc, net, store := newService(t, 4, nil)
	net.SetDown("n0", true)
	net.SetDown("n1", true)

	m, err := svc.StoreFile(context.Background(), "x", strings.NewReader(strings.Repeat("a", 200)))
	require.NoError(t, err)
	require.Zero(t, net.Calls("n0").Store)
	for i := uint32(0); i < m.ChunkCount; i++ {
		rec, err := store.Chunk(context.Background(), m.Seed, i)
		require.NoError(t, err)
		require.Len(t, rec.Holders, 2)
	}
}

func TestStoreWithoutActiveNodes(t *testing.T) {
	svc, net, _ := newService(t, 2, nil)
	net.SetDown("n0", true)
	net.SetDown("n1", true)
	_, err := svc.StoreFile(context.Background(), "x", strings.NewReader("data"))
	require.True(t, xerrors.Is(err, xerrors.KindNetworkCongested))
}

func TestSealedRoundTrip(t *testing.T) {
	svc, _, _ := newService(t, 3, func(c *Config) {
		c.Encryption = encryption.Options{Method: encryption.MethodAES256CTR, Key: encryption.ParseKey("secret")}
	})
	ctx := context.Background()
	m, err := svc.StoreFile(ctx, "s", strings.NewReader(strings.Repeat("sealed", 40)))
	require.NoError(t, err)
	require.True(t, m.Sealed)

	var out bytes.Buffer
	_, err = svc.RetrieveFile(ctx, m.ID, &out)
	require.NoError(t, err)
	require.Equal(t, strings.Repeat("sealed", 40), out.String())
}

func TestAllocateBootstrapsAudit(t *testing.T) {
	svc, _, _ := newService(t, 3, nil)
	ctx := context.Background()
	allocs, err := svc.Allocate(ctx)
	require.NoError(t, err)
	require.Len(t, allocs, 3)
	// stake 0, 1, 2 weighted by stake+1
	require.Less(t, allocs[0].ChunkCount, allocs[2].ChunkCount)

	recs, err := svc.Allocations(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		require.Equal(t, allocs[i].Node, rec.Node)
		require.Equal(t, allocs[i].ChunkCount, rec.NextChunks)
		require.Zero(t, rec.VerifiedChunks)
	}
}

func TestBudgetFromDisk(t *testing.T) {
	svc, _, _ := newService(t, 1, func(c *Config) {
		c.Budget = 0
		c.DataDir = t.TempDir()
		c.Threshold = 0.5
	})
	budget, err := svc.Budget()
	require.NoError(t, err)
	require.Greater(t, budget, 0.0)
}

func TestImportHashes(t *testing.T) {
	svc, _, store := newService(t, 1, nil)
	input := `{"seed":"n0val","index":0,"hash":"aa"}

{"seed":"n0val","index":1,"hash":"bb"}
`
	n, err := svc.ImportHashes(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	hash, err := store.ExpectedHash(context.Background(), "n0val", 1)
	require.NoError(t, err)
	require.Equal(t, "bb", hash)

	n, err = svc.ImportHashes(context.Background(), strings.NewReader("{\"seed\":\"s\",\"index\":0,\"hash\":\"cc\"}\nnot json\n"))
	require.Equal(t, 1, n)
	require.True(t, xerrors.Is(err, xerrors.KindInvalid))

	_, err = svc.ImportHashes(context.Background(), strings.NewReader(`{"index":3}`))
	require.True(t, xerrors.Is(err, xerrors.KindInvalid))
}

func TestRunAuditStopsOnCancel(t *testing.T) {
	svc, _, _ := newService(t, 2, func(c *Config) { c.Audit.Interval = time.Millisecond })
	ctx, cancel := context.WithCancel(context.Background())
	_, err := svc.Allocate(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- svc.RunAudit(ctx) }()
	require.Eventually(t, func() bool { return svc.Auditor().Cycles() > 0 }, 5*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestAuditPassesForImportedRegion(t *testing.T) {
	ctx := context.Background()
	net := memnet.New()
	h, err := storagenode.New(blob.NewMemoryStore(), nil, storagenode.Options{})
	require.NoError(t, err)
	net.Add("n0", h)
	store := meta.NewMemoryStore()
	svc, err := New(Config{
		Validator:   "val",
		ChunkSize:   64,
		Budget:      100,
		RPCTimeout:  time.Second,
		LivenessTTL: -1,
	}, Deps{
		Snapshot: node.StaticSnapshot{{ID: "n0"}},
		Client:   net,
		Store:    store,
		Rand:     rand.New(rand.NewSource(5)),
	})
	require.NoError(t, err)

	allocs, err := svc.Allocate(ctx)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	seed := allocs[0].Seed

	var region strings.Builder
	for i := uint32(0); i < allocs[0].ChunkCount; i++ {
		fmt.Fprintf(&region, "{\"seed\":%q,\"index\":%d,\"data\":\"Y2h1bms=\"}\n", seed, i)
	}
	var hashes bytes.Buffer
	loaded, err := h.ImportRegion(ctx, strings.NewReader(region.String()), storagenode.ImportOptions{Hashes: &hashes})
	require.NoError(t, err)
	require.Equal(t, int(allocs[0].ChunkCount), loaded)

	imported, err := svc.ImportHashes(ctx, &hashes)
	require.NoError(t, err)
	require.Equal(t, loaded, imported)

	report, err := svc.Auditor().Cycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Successes)
	require.Zero(t, report.Failures)

	recs, err := svc.Allocations(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NotZero(t, recs[0].VerifiedChunks)
	require.Equal(t, recs[0].NextChunks, recs[0].VerifiedChunks)
}
