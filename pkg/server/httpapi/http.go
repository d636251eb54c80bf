// Package httpapi exposes the validator's operations over HTTP+JSON.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jacktea/chunkvault/pkg/alloc"
	"github.com/jacktea/chunkvault/pkg/logging"
	"github.com/jacktea/chunkvault/pkg/meta"
	"github.com/jacktea/chunkvault/pkg/server/middleware"
	"github.com/jacktea/chunkvault/pkg/xerrors"
)

// ErrorTrailer carries the failure of a retrieve that had already started
// streaming.
const ErrorTrailer = "X-Chunkvault-Error"

// Service is the validator surface served over HTTP.
type Service interface {
	StoreFile(ctx context.Context, filename string, r io.Reader) (meta.Manifest, error)
	RetrieveFile(ctx context.Context, id string, w io.Writer) (meta.Manifest, error)
	Manifest(ctx context.Context, id string) (meta.Manifest, error)
	Manifests(ctx context.Context) ([]meta.Manifest, error)
	DeleteManifest(ctx context.Context, id string) error
	Allocations(ctx context.Context) ([]meta.AllocationRecord, error)
}

// Server exposes Service over a simple HTTP+JSON API.
type Server struct {
	Service Service
	Log     *zap.Logger
	// Gatherer backs /metrics. nil leaves the route out.
	Gatherer prometheus.Gatherer
	Opts     Options
}

// Options configure auth, upload size and rate limiting.
type Options struct {
	APIKey    string
	RateLimit middleware.RateLimitOptions
	// MaxUploadBytes caps POST /store bodies. Zero means no cap.
	MaxUploadBytes int64
}

// Start begins listening on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler returns the routed and wrapped handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }).Methods(http.MethodGet)
	r.HandleFunc("/store", s.handleStore).Methods(http.MethodPost)
	r.HandleFunc("/retrieve/{id}", s.handleRetrieve).Methods(http.MethodGet)
	r.HandleFunc("/manifests", s.handleManifests).Methods(http.MethodGet)
	r.HandleFunc("/manifests/{id}", s.handleManifest).Methods(http.MethodGet)
	r.HandleFunc("/manifests/{id}", s.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/allocations", s.handleAllocations).Methods(http.MethodGet)
	if s.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return middleware.Wrap(r,
		middleware.AccessLog(s.Log),
		middleware.APIKeyAuth(s.Opts.APIKey, "/healthz"),
		middleware.RateLimit(s.Opts.RateLimit),
	)
}

type storeResponse struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Chunks   uint32 `json:"chunks"`
	Size     int64  `json:"size"`
}

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		httpError(w, xerrors.E(xerrors.KindInvalid, "httpapi.store", "filename query parameter is required"))
		return
	}
	body := io.Reader(r.Body)
	if s.Opts.MaxUploadBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.Opts.MaxUploadBytes)
	}
	m, err := s.Service.StoreFile(r.Context(), filename, body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "upload too large", http.StatusRequestEntityTooLarge)
			return
		}
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, storeResponse{ID: m.ID, Filename: m.Filename, Chunks: m.ChunkCount, Size: m.Size})
}

// streamWriter sends the response headers with the first chunk so an
// error before any byte still gets a proper status.
type streamWriter struct {
	w       http.ResponseWriter
	m       meta.Manifest
	started bool
}

func (s *streamWriter) Write(p []byte) (int, error) {
	if !s.started {
		s.started = true
		h := s.w.Header()
		h.Set("Content-Type", "application/octet-stream")
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": s.m.Filename}))
		h.Set("X-Chunkvault-Size", strconv.FormatInt(s.m.Size, 10))
		h.Set("Trailer", ErrorTrailer)
		s.w.WriteHeader(http.StatusOK)
	}
	n, err := s.w.Write(p)
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return n, err
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	m, err := s.Service.Manifest(ctx, id)
	if err != nil {
		httpError(w, err)
		return
	}
	sw := &streamWriter{w: w, m: m}
	if _, err := s.Service.RetrieveFile(ctx, id, sw); err != nil {
		if !sw.started {
			httpError(w, err)
			return
		}
		w.Header().Set(ErrorTrailer, err.Error())
		logging.OrNop(s.Log).Warn("retrieve failed mid-stream", zap.String("file", id), zap.Error(err))
		return
	}
	if !sw.started {
		// empty file
		sw.Write(nil)
	}
}

func (s *Server) handleManifests(w http.ResponseWriter, r *http.Request) {
	list, err := s.Service.Manifests(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	if list == nil {
		list = []meta.Manifest{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	m, err := s.Service.Manifest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.Service.DeleteManifest(r.Context(), mux.Vars(r)["id"]); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type allocationView struct {
	Node           string  `json:"node"`
	Seed           string  `json:"seed"`
	ByteBudget     uint64  `json:"byte_budget"`
	Budget         string  `json:"budget"`
	BaseChunks     uint32  `json:"base_chunks"`
	NextChunks     uint32  `json:"next_chunks"`
	VerifiedChunks uint32  `json:"verified_chunks"`
	Score          float64 `json:"score"`
}

func (s *Server) handleAllocations(w http.ResponseWriter, r *http.Request) {
	recs, err := s.Service.Allocations(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	out := make([]allocationView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, allocationView{
			Node:           string(rec.Node),
			Seed:           string(rec.Seed),
			ByteBudget:     rec.ByteBudget,
			Budget:         alloc.HumanSize(float64(rec.ByteBudget)),
			BaseChunks:     rec.BaseChunks,
			NextChunks:     rec.NextChunks,
			VerifiedChunks: rec.VerifiedChunks,
			Score:          rec.Score,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type errorBody struct {
	Error string  `json:"error"`
	Kind  string  `json:"kind"`
	Chunk *uint32 `json:"chunk,omitempty"`
}

func httpError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error(), Kind: xerrors.KindOf(err).String()}
	if idx, ok := xerrors.ChunkIndex(err); ok {
		body.Chunk = &idx
	}
	writeJSON(w, xerrors.HTTPStatus(err), body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
