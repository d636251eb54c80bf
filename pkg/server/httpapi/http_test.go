package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/jacktea/chunkvault/pkg/blob"
	"github.com/jacktea/chunkvault/pkg/meta"
	"github.com/jacktea/chunkvault/pkg/node"
	"github.com/jacktea/chunkvault/pkg/rpc/memnet"
	"github.com/jacktea/chunkvault/pkg/server/middleware"
	"github.com/jacktea/chunkvault/pkg/storagenode"
	"github.com/jacktea/chunkvault/pkg/validator"
	"github.com/jacktea/chunkvault/pkg/xerrors"
)

func newServer(t *testing.T, opts Options) (*Server, *memnet.Network) {
	t.Helper()
	net := memnet.New()
	var nodes []node.Node
	for i := 0; i < 3; i++ {
		id := node.ID(fmt.Sprintf("n%d", i))
		h, err := storagenode.New(blob.NewMemoryStore(), nil, storagenode.Options{})
		require.NoError(t, err)
		net.Add(id, h)
		nodes = append(nodes, node.Node{ID: id, Stake: 1})
	}
	reg := prometheus.NewRegistry()
	svc, err := validator.New(validator.Config{
		Validator:     "val",
		ChunkSize:     16,
		Rounds:        2,
		RoundInterval: time.Millisecond,
		Budget:        1e6,
		LivenessTTL:   -1,
	}, validator.Deps{
		Snapshot:   node.StaticSnapshot(nodes),
		Client:     net,
		Store:      meta.NewMemoryStore(),
		Registerer: reg,
	})
	require.NoError(t, err)
	_, err = svc.Allocate(context.Background())
	require.NoError(t, err)
	return &Server{Service: svc, Gatherer: reg, Opts: opts}, net
}

func do(t *testing.T, h http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, target, body))
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

func TestHTTPAPIStoreAndRetrieve(t *testing.T) {
	srv, _ := newServer(t, Options{})
	h := srv.Handler()
	payload := strings.Repeat("hello chunkvault ", 10)

	rr := do(t, h, http.MethodPost, "/store?filename=greeting.txt", strings.NewReader(payload))
	require.Equal(t, http.StatusCreated, rr.Code)
	var stored storeResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stored))
	require.Equal(t, "greeting.txt", stored.Filename)
	require.Equal(t, int64(len(payload)), stored.Size)
	require.Equal(t, uint32((len(payload)+15)/16), stored.Chunks)

	rr = do(t, h, http.MethodGet, "/retrieve/"+stored.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, payload, rr.Body.String())
	require.Equal(t, `attachment; filename=greeting.txt`, rr.Header().Get("Content-Disposition"))
	require.Empty(t, rr.Result().Trailer.Get(ErrorTrailer))

	rr = do(t, h, http.MethodGet, "/manifests", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list []meta.Manifest
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list, 1)

	rr = do(t, h, http.MethodGet, "/manifests/"+stored.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, http.MethodDelete, "/manifests/"+stored.ID, nil)
	require.Equal(t, http.StatusNoContent, rr.Code)
	rr = do(t, h, http.MethodGet, "/retrieve/"+stored.ID, nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, xerrors.KindNotFound.String(), decodeError(t, rr).Kind)
}

func TestHTTPAPIStoreErrors(t *testing.T) {
	srv, net := newServer(t, Options{MaxUploadBytes: 8})
	h := srv.Handler()

	rr := do(t, h, http.MethodPost, "/store", strings.NewReader("x"))
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/store?filename=big", strings.NewReader(strings.Repeat("x", 64)))
	require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)

	for _, id := range []node.ID{"n0", "n1", "n2"} {
		net.SetDown(id, true)
	}
	rr = do(t, h, http.MethodPost, "/store?filename=x", strings.NewReader("data"))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Equal(t, xerrors.KindNetworkCongested.String(), decodeError(t, rr).Kind)
}

func TestHTTPAPIRetrieveUnavailableBeforeFirstByte(t *testing.T) {
	srv, net := newServer(t, Options{})
	h := srv.Handler()
	rr := do(t, h, http.MethodPost, "/store?filename=f", strings.NewReader("abcdef"))
	require.Equal(t, http.StatusCreated, rr.Code)
	var stored storeResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stored))

	for _, id := range []node.ID{"n0", "n1", "n2"} {
		net.SetDown(id, true)
	}
	rr = do(t, h, http.MethodGet, "/retrieve/"+stored.ID, nil)
	require.Equal(t, http.StatusBadGateway, rr.Code)
	body := decodeError(t, rr)
	require.Equal(t, xerrors.KindChunkUnavailable.String(), body.Kind)
	require.NotNil(t, body.Chunk)
	require.Equal(t, uint32(0), *body.Chunk)
}

// halfService streams one chunk and then fails.
type halfService struct {
	Service
}

func (halfService) Manifest(ctx context.Context, id string) (meta.Manifest, error) {
	return meta.Manifest{ID: id, Filename: "half.bin", Size: 8}, nil
}

func (halfService) RetrieveFile(ctx context.Context, id string, w io.Writer) (meta.Manifest, error) {
	if _, err := w.Write([]byte("abcd")); err != nil {
		return meta.Manifest{}, err
	}
	return meta.Manifest{}, xerrors.Chunk(xerrors.KindChunkUnavailable, "test", id, 1, nil)
}

func TestHTTPAPIRetrieveMidStreamTrailer(t *testing.T) {
	srv := &Server{Service: halfService{}}
	rr := do(t, srv.Handler(), http.MethodGet, "/retrieve/f", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "abcd", rr.Body.String())
	require.Contains(t, rr.Result().Trailer.Get(ErrorTrailer), "chunk unavailable")
	require.Equal(t, "8", rr.Header().Get("X-Chunkvault-Size"))
}

func TestHTTPAPIAllocationsAndMetrics(t *testing.T) {
	srv, _ := newServer(t, Options{})
	h := srv.Handler()

	rr := do(t, h, http.MethodGet, "/allocations", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var allocs []allocationView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &allocs))
	require.Len(t, allocs, 3)
	require.Equal(t, "n0", allocs[0].Node)
	require.NotZero(t, allocs[0].NextChunks)

	rr = do(t, h, http.MethodPost, "/store?filename=m", bytes.NewReader([]byte("metrics")))
	require.Equal(t, http.StatusCreated, rr.Code)
	rr = do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "chunkvault_store_chunks_placed_total")
}

func TestHTTPAPIAuthMiddleware(t *testing.T) {
	srv, _ := newServer(t, Options{APIKey: "secret"})
	handler := srv.Handler()
	req := httptest.NewRequest(http.MethodGet, "/manifests", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	req.Header.Set("Authorization", "Bearer secret")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 after auth, got %d", rr.Code)
	}
	rr = do(t, handler, http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz should skip auth, got %d", rr.Code)
	}
}

func TestHTTPAPIRateLimit(t *testing.T) {
	now := time.Unix(0, 0)
	opts := Options{
		RateLimit: middleware.RateLimitOptions{
			Requests: 1,
			Window:   time.Second,
			Now: func() time.Time {
				return now
			},
		},
	}
	srv, _ := newServer(t, opts)
	handler := srv.Handler()
	rr := do(t, handler, http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected first request ok, got %d", rr.Code)
	}
	rr = do(t, handler, http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected rate limit, got %d", rr.Code)
	}
	now = now.Add(time.Second)
	rr = do(t, handler, http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected request after refill ok, got %d", rr.Code)
	}
}
