// Package s3gw serves stored files through a minimal S3-compatible API.
package s3gw

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/johannesboyne/gofakes3"
	"go.uber.org/zap"

	"github.com/jacktea/chunkvault/pkg/meta"
	"github.com/jacktea/chunkvault/pkg/server/middleware"
)

// DefaultBucket names the bucket when none is configured.
const DefaultBucket = "chunkvault"

// Options configure the S3 gateway.
type Options struct {
	Bucket    string
	APIKey    string
	RateLimit middleware.RateLimitOptions
}

// Service is the validator surface the gateway needs.
type Service interface {
	StoreFile(ctx context.Context, filename string, r io.Reader) (meta.Manifest, error)
	RetrieveFile(ctx context.Context, id string, w io.Writer) (meta.Manifest, error)
	ManifestByName(ctx context.Context, filename string) (meta.Manifest, error)
	Manifests(ctx context.Context) ([]meta.Manifest, error)
	DeleteManifest(ctx context.Context, id string) error
}

// Server exposes Service as a single S3 bucket.
type Server struct {
	Service Service
	Opt     Options
	Log     *zap.Logger

	handlerOnce sync.Once
	handler     http.Handler
}

// Start listens on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.httpHandler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpHandler().ServeHTTP(w, r)
}

func (s *Server) bucket() string {
	if s.Opt.Bucket == "" {
		return DefaultBucket
	}
	return s.Opt.Bucket
}

func (s *Server) httpHandler() http.Handler {
	s.handlerOnce.Do(func() {
		backend := NewBackend(s.Service, s.bucket(), s.Log)
		s3 := gofakes3.New(backend).Server()
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.ensureContentLength(r)
			s.rewriteBucketPath(r)
			s3.ServeHTTP(&partialWriter{ResponseWriter: w}, r)
		})
		s.handler = middleware.Wrap(handler,
			middleware.AccessLog(s.Log),
			middleware.APIKeyAuth(s.Opt.APIKey),
			middleware.RateLimit(s.Opt.RateLimit),
		)
	})
	return s.handler
}

// rewriteBucketPath lets clients address objects without the bucket prefix.
func (s *Server) rewriteBucketPath(r *http.Request) {
	bucket := s.bucket()
	trimmed := strings.TrimPrefix(r.URL.Path, "/")
	if trimmed == "" {
		if !isListRequest(r) {
			return
		}
		r.URL.Path = "/" + bucket
		r.URL.RawPath = r.URL.Path
		return
	}
	if trimmed == bucket || strings.HasPrefix(trimmed, bucket+"/") {
		return
	}
	newPath := path.Join("/", bucket, trimmed)
	r.URL.Path = newPath
	r.URL.RawPath = newPath
}

var listParams = []string{"list-type", "prefix", "max-keys", "continuation-token", "delimiter", "marker", "start-after"}

// isListRequest reports whether a request on the service root asks for an
// object listing rather than the bucket list.
func isListRequest(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	q := r.URL.Query()
	for _, p := range listParams {
		if q.Has(p) {
			return true
		}
	}
	return false
}

// partialWriter answers 206 when a range was served. gofakes3 sets
// Content-Range but leaves the status at 200.
type partialWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (p *partialWriter) WriteHeader(code int) {
	if p.wroteHeader {
		return
	}
	p.wroteHeader = true
	if code == http.StatusOK && p.Header().Get("Content-Range") != "" {
		code = http.StatusPartialContent
	}
	p.ResponseWriter.WriteHeader(code)
}

func (p *partialWriter) Write(b []byte) (int, error) {
	if !p.wroteHeader {
		p.WriteHeader(http.StatusOK)
	}
	return p.ResponseWriter.Write(b)
}

func (p *partialWriter) Flush() {
	if f, ok := p.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (p *partialWriter) Unwrap() http.ResponseWriter { return p.ResponseWriter }

func (s *Server) ensureContentLength(r *http.Request) {
	if r.Header.Get("Content-Length") != "" || r.ContentLength < 0 {
		return
	}
	r.Header.Set("Content-Length", strconv.FormatInt(r.ContentLength, 10))
}
