package s3gw

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/johannesboyne/gofakes3"
	"go.uber.org/zap"

	"github.com/jacktea/chunkvault/pkg/logging"
	"github.com/jacktea/chunkvault/pkg/meta"
	"github.com/jacktea/chunkvault/pkg/xerrors"
)

// errRangeDone stops a retrieve once the requested range is written.
var errRangeDone = errors.New("range complete")

// Backend implements gofakes3.Backend with one bucket whose objects are
// stored files keyed by filename. The newest file wins when names repeat.
type Backend struct {
	svc     Service
	bucket  string
	created time.Time
	log     *zap.Logger
}

var _ gofakes3.Backend = (*Backend)(nil)

// NewBackend serves svc as bucket.
func NewBackend(svc Service, bucket string, log *zap.Logger) *Backend {
	return &Backend{svc: svc, bucket: bucket, created: time.Now(), log: logging.OrNop(log)}
}

func (b *Backend) ListBuckets() ([]gofakes3.BucketInfo, error) {
	return []gofakes3.BucketInfo{{Name: b.bucket, CreationDate: gofakes3.NewContentTime(b.created)}}, nil
}

func (b *Backend) ListBucket(name string, prefix *gofakes3.Prefix, page gofakes3.ListBucketPage) (*gofakes3.ObjectList, error) {
	if err := b.ensureBucket(name); err != nil {
		return nil, err
	}
	if prefix == nil {
		prefix = &gofakes3.Prefix{}
	}
	objects, err := b.listObjects(context.Background())
	if err != nil {
		return nil, err
	}
	limit := int(page.MaxKeys)
	if limit <= 0 {
		limit = gofakes3.DefaultMaxBucketKeys
	}
	results := gofakes3.NewObjectList()
	seenPrefixes := make(map[string]struct{})
	var lastKey string
	count := 0
	for _, m := range objects {
		if page.Marker != "" && m.Filename <= page.Marker {
			continue
		}
		match := gofakes3.PrefixMatch{Key: m.Filename, MatchedPart: m.Filename}
		if (prefix.HasPrefix || prefix.HasDelimiter) && !prefix.Match(m.Filename, &match) {
			continue
		}
		key := m.Filename
		if match.CommonPrefix {
			if _, ok := seenPrefixes[match.MatchedPart]; ok {
				continue
			}
			seenPrefixes[match.MatchedPart] = struct{}{}
			key = match.MatchedPart
		}
		if count == limit {
			results.IsTruncated = true
			break
		}
		if match.CommonPrefix {
			results.AddPrefix(key)
		} else {
			results.Add(content(m))
		}
		lastKey = key
		count++
	}
	if results.IsTruncated {
		results.NextMarker = lastKey
	}
	return results, nil
}

func (b *Backend) CreateBucket(name string) error {
	if err := gofakes3.ValidateBucketName(name); err != nil {
		return err
	}
	if name == b.bucket {
		return gofakes3.ResourceError(gofakes3.ErrBucketAlreadyExists, name)
	}
	return gofakes3.ErrNotImplemented
}

func (b *Backend) BucketExists(name string) (bool, error) {
	return name == b.bucket, nil
}

// DeleteBucket succeeds only when no files are stored. The bucket itself
// always exists.
func (b *Backend) DeleteBucket(name string) error {
	if err := b.ensureBucket(name); err != nil {
		return err
	}
	objects, err := b.listObjects(context.Background())
	if err != nil {
		return err
	}
	if len(objects) > 0 {
		return gofakes3.ResourceError(gofakes3.ErrBucketNotEmpty, name)
	}
	return nil
}

func (b *Backend) ForceDeleteBucket(name string) error {
	if err := b.ensureBucket(name); err != nil {
		return err
	}
	ctx := context.Background()
	all, err := b.svc.Manifests(ctx)
	if err != nil {
		return err
	}
	for _, m := range all {
		if err := b.svc.DeleteManifest(ctx, m.ID); err != nil && !xerrors.Is(err, xerrors.KindNotFound) {
			return err
		}
	}
	return nil
}

func (b *Backend) GetObject(bucket, object string, rangeRequest *gofakes3.ObjectRangeRequest) (*gofakes3.Object, error) {
	m, err := b.lookup(bucket, object)
	if err != nil {
		return nil, err
	}
	var rng *gofakes3.ObjectRange
	if rangeRequest != nil {
		if rng, err = rangeRequest.Range(m.Size); err != nil {
			return nil, err
		}
	}
	obj := b.object(object, m, rng)
	obj.Contents = b.stream(m, rng)
	return obj, nil
}

func (b *Backend) HeadObject(bucket, object string) (*gofakes3.Object, error) {
	m, err := b.lookup(bucket, object)
	if err != nil {
		return nil, err
	}
	obj := b.object(object, m, nil)
	obj.Contents = http.NoBody
	return obj, nil
}

// DeleteObject removes every file stored under the key.
func (b *Backend) DeleteObject(bucket, object string) (gofakes3.ObjectDeleteResult, error) {
	if err := b.ensureBucket(bucket); err != nil {
		return gofakes3.ObjectDeleteResult{}, err
	}
	ctx := context.Background()
	all, err := b.svc.Manifests(ctx)
	if err != nil {
		return gofakes3.ObjectDeleteResult{}, err
	}
	for _, m := range all {
		if m.Filename != object {
			continue
		}
		if err := b.svc.DeleteManifest(ctx, m.ID); err != nil && !xerrors.Is(err, xerrors.KindNotFound) {
			return gofakes3.ObjectDeleteResult{}, err
		}
	}
	return gofakes3.ObjectDeleteResult{}, nil
}

func (b *Backend) PutObject(bucket, key string, _ map[string]string, input io.Reader, _ int64, conditions *gofakes3.PutConditions) (gofakes3.PutObjectResult, error) {
	if err := b.ensureBucket(bucket); err != nil {
		return gofakes3.PutObjectResult{}, err
	}
	ctx := context.Background()
	if conditions != nil {
		info := &gofakes3.ConditionalObjectInfo{}
		if m, err := b.svc.ManifestByName(ctx, key); err == nil {
			info.Exists, info.Hash = true, hashOf(m)
		} else if !xerrors.Is(err, xerrors.KindNotFound) {
			return gofakes3.PutObjectResult{}, err
		}
		if err := gofakes3.CheckPutConditions(conditions, info); err != nil {
			return gofakes3.PutObjectResult{}, err
		}
	}
	m, err := b.svc.StoreFile(ctx, key, input)
	if err != nil {
		return gofakes3.PutObjectResult{}, err
	}
	b.log.Debug("object stored", zap.String("key", key), zap.String("file", m.ID))
	return gofakes3.PutObjectResult{}, nil
}

func (b *Backend) DeleteMulti(bucket string, objects ...string) (gofakes3.MultiDeleteResult, error) {
	if err := b.ensureBucket(bucket); err != nil {
		return gofakes3.MultiDeleteResult{}, err
	}
	var result gofakes3.MultiDeleteResult
	for _, key := range objects {
		if _, err := b.DeleteObject(bucket, key); err != nil {
			result.Error = append(result.Error, gofakes3.ErrorResultFromError(err))
		} else {
			result.Deleted = append(result.Deleted, gofakes3.ObjectID{Key: key})
		}
	}
	return result, result.AsError()
}

// CopyObject re-stores the source bytes under the destination key.
func (b *Backend) CopyObject(srcBucket, srcKey, dstBucket, dstKey string, _ map[string]string) (gofakes3.CopyObjectResult, error) {
	src, err := b.lookup(srcBucket, srcKey)
	if err != nil {
		return gofakes3.CopyObjectResult{}, err
	}
	if err := b.ensureBucket(dstBucket); err != nil {
		return gofakes3.CopyObjectResult{}, err
	}
	body := b.stream(src, nil)
	defer body.Close()
	dst, err := b.svc.StoreFile(context.Background(), dstKey, body)
	if err != nil {
		return gofakes3.CopyObjectResult{}, err
	}
	return gofakes3.CopyObjectResult{
		ETag:         gofakes3.FormatETag(hashOf(dst)),
		LastModified: gofakes3.NewContentTime(dst.CreatedAt),
	}, nil
}

func (b *Backend) ensureBucket(name string) error {
	if name != b.bucket {
		return gofakes3.BucketNotFound(name)
	}
	return nil
}

func (b *Backend) lookup(bucket, key string) (meta.Manifest, error) {
	if err := b.ensureBucket(bucket); err != nil {
		return meta.Manifest{}, err
	}
	m, err := b.svc.ManifestByName(context.Background(), key)
	if xerrors.Is(err, xerrors.KindNotFound) {
		return meta.Manifest{}, gofakes3.KeyNotFound(key)
	}
	return m, err
}

// listObjects returns the newest manifest per filename, sorted by name.
func (b *Backend) listObjects(ctx context.Context) ([]meta.Manifest, error) {
	all, err := b.svc.Manifests(ctx)
	if err != nil {
		return nil, err
	}
	newest := make(map[string]meta.Manifest, len(all))
	for _, m := range all {
		if m.Filename == "" {
			continue
		}
		if cur, ok := newest[m.Filename]; !ok || m.CreatedAt.After(cur.CreatedAt) {
			newest[m.Filename] = m
		}
	}
	out := make([]meta.Manifest, 0, len(newest))
	for _, m := range newest {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

func (b *Backend) object(key string, m meta.Manifest, rng *gofakes3.ObjectRange) *gofakes3.Object {
	return &gofakes3.Object{
		Name: key,
		Metadata: map[string]string{
			"Last-Modified":             m.CreatedAt.UTC().Format(http.TimeFormat),
			"X-Amz-Meta-Chunkvault-Id":  m.ID,
			"X-Amz-Meta-Chunkvault-Len": strconv.FormatUint(uint64(m.ChunkCount), 10),
		},
		Size:  m.Size,
		Hash:  hashOf(m),
		Range: rng,
	}
}

func content(m meta.Manifest) *gofakes3.Content {
	return &gofakes3.Content{
		Key:          m.Filename,
		LastModified: gofakes3.NewContentTime(m.CreatedAt),
		Size:         m.Size,
		ETag:         gofakes3.FormatETag(hashOf(m)),
	}
}

func hashOf(m meta.Manifest) []byte {
	h, err := hex.DecodeString(m.ID)
	if err != nil {
		return []byte(m.ID)
	}
	return h
}

// stream runs the retrieve pipeline into a pipe. Closing the body cancels
// the retrieve.
func (b *Backend) stream(m meta.Manifest, rng *gofakes3.ObjectRange) io.ReadCloser {
	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	w := &rangeWriter{w: pw, remaining: m.Size}
	if rng != nil {
		w.skip, w.remaining = rng.Start, rng.Length
	}
	go func() {
		_, err := b.svc.RetrieveFile(ctx, m.ID, w)
		if errors.Is(err, errRangeDone) {
			err = nil
		}
		if err != nil && ctx.Err() == nil {
			b.log.Warn("object stream failed", zap.String("key", m.Filename), zap.Error(err))
		}
		pw.CloseWithError(err)
	}()
	return &pipeBody{PipeReader: pr, cancel: cancel}
}

type pipeBody struct {
	*io.PipeReader
	cancel context.CancelFunc
}

func (p *pipeBody) Close() error {
	p.cancel()
	return p.PipeReader.Close()
}

// rangeWriter drops the first skip bytes and stops after remaining more.
type rangeWriter struct {
	w         io.Writer
	skip      int64
	remaining int64
}

func (r *rangeWriter) Write(p []byte) (int, error) {
	n := len(p)
	if r.skip > 0 {
		if int64(len(p)) <= r.skip {
			r.skip -= int64(len(p))
			return n, nil
		}
		p = p[r.skip:]
		r.skip = 0
	}
	if r.remaining <= 0 {
		return 0, errRangeDone
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	written, err := r.w.Write(p)
	r.remaining -= int64(written)
	if err != nil {
		return 0, err
	}
	if r.remaining == 0 {
		return n, errRangeDone
	}
	return n, nil
}
