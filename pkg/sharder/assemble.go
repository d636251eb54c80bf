package sharder

import (
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/jacktea/chunkvault/pkg/encryption"
	"github.com/jacktea/chunkvault/pkg/fanout"
	"github.com/jacktea/chunkvault/pkg/logging"
	"github.com/jacktea/chunkvault/pkg/meta"
	"github.com/jacktea/chunkvault/pkg/node"
	"github.com/jacktea/chunkvault/pkg/retry"
	"github.com/jacktea/chunkvault/pkg/rpc"
	"github.com/jacktea/chunkvault/pkg/xerrors"
)

var errNoVerifiedHolder = errors.New("no holder returned verifying bytes")

// AssembleOptions controls one retrieve operation.
type AssembleOptions struct {
	Retry       retry.Policy
	Parallelism int
	// Timeout bounds each retrieve call.
	Timeout    time.Duration
	Encryption encryption.Options
	// Nodes resolves holder IDs to addresses. Holders missing from it are
	// contacted by ID alone.
	Nodes []node.Node
}

// Assembler runs the retrieve pipeline.
type Assembler struct {
	Client  rpc.Client
	Store   meta.Store
	Logger  *zap.Logger
	Metrics *Metrics
}

// Assemble streams the file id into w in chunk order, holding at most one
// chunk in memory. A missing chunk record fails with ManifestCorrupt; a
// chunk no holder can serve fails with ChunkUnavailable carrying its index.
// Bytes already written to w stay written.
func (a *Assembler) Assemble(ctx context.Context, id string, w io.Writer, opts AssembleOptions) (meta.Manifest, error) {
	const op = "Assembler.Assemble"
	if opts.Retry.MaxRounds <= 0 {
		opts.Retry = retry.DefaultPolicy
	}
	m, err := a.Store.Manifest(ctx, id)
	if err != nil {
		return meta.Manifest{}, err
	}
	if m.Sealed && !opts.Encryption.Enabled() {
		return m, xerrors.E(xerrors.KindInvalid, op, "file is sealed and no key is configured")
	}
	log := logging.OrNop(a.Logger).With(zap.String("file", id))
	client := rpc.Timeout(a.Client, opts.Timeout)
	addrs := make(map[node.ID]node.Node, len(opts.Nodes))
	for _, n := range opts.Nodes {
		addrs[n.ID] = n
	}

	for index := uint32(0); index < m.ChunkCount; index++ {
		rec, err := a.Store.Chunk(ctx, m.Seed, index)
		if xerrors.Is(err, xerrors.KindNotFound) {
			return m, xerrors.Chunk(xerrors.KindManifestCorrupt, op, id, index, err)
		}
		if err != nil {
			return m, err
		}
		expected := rec.ExpectedHash()
		if expected == "" {
			return m, xerrors.Chunk(xerrors.KindManifestCorrupt, op, id, index, errors.New("chunk has no holders"))
		}
		payload, err := a.fetch(ctx, client, log, rec, expected, addrs, opts)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return m, ctxErr
		}
		if err != nil {
			return m, xerrors.Chunk(xerrors.KindChunkUnavailable, op, id, index, err)
		}
		plain := payload
		if m.Sealed {
			if plain, err = encryption.Open(opts.Encryption, payload); err != nil {
				return m, xerrors.Chunk(xerrors.KindManifestCorrupt, op, id, index, err)
			}
		}
		if _, err := w.Write(plain); err != nil {
			return m, xerrors.Chunk(xerrors.KindInternal, op, "write output", index, err)
		}
		a.Metrics.retrieved()
	}
	return m, nil
}

// fetch polls every holder in parallel each round and returns the first
// response whose hash matches expected.
func (a *Assembler) fetch(ctx context.Context, client rpc.Client, log *zap.Logger, rec meta.ChunkRecord, expected string, addrs map[node.ID]node.Node, opts AssembleOptions) ([]byte, error) {
	var payload []byte
	err := retry.Rounds(ctx, opts.Retry, func(ctx context.Context, round int) (bool, error) {
		_, data, ok := fanout.First(ctx, opts.Parallelism, len(rec.Holders), func(ctx context.Context, i int) ([]byte, bool) {
			h := rec.Holders[i]
			target, known := addrs[h.Node]
			if !known {
				target = node.Node{ID: h.Node}
			}
			resp, err := client.Retrieve(ctx, target, rpc.RetrieveRequest{Key: h.Key})
			if err != nil {
				if ctx.Err() == nil {
					log.Debug("holder unreachable", zap.String("node", string(h.Node)), zap.Uint32("chunk", rec.Index), zap.Error(err))
				}
				return nil, false
			}
			if len(resp.Payload) == 0 {
				return nil, false
			}
			if Hash(resp.Payload) != expected {
				a.Metrics.mismatch()
				log.Warn("holder returned corrupt chunk", zap.String("node", string(h.Node)), zap.Uint32("chunk", rec.Index))
				return nil, false
			}
			return resp.Payload, true
		})
		if !ok {
			return false, errNoVerifiedHolder
		}
		if round > 0 {
			log.Debug("chunk recovered after retry", zap.Uint32("chunk", rec.Index), zap.Int("round", round))
		}
		payload = data
		return true, nil
	})
	return payload, err
}
