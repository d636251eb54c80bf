package sharder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
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

var (
	errSentinel     = errors.New("node declined the chunk")
	errNoCandidates = errors.New("every active node was tried")
)

// PlaceOptions controls one store operation.
type PlaceOptions struct {
	Filename   string
	ChunkSize  int
	Redundancy int
	Retry      retry.Policy
	// Parallelism caps concurrent store calls within a round.
	Parallelism int
	// Timeout bounds each store call.
	Timeout    time.Duration
	Encryption encryption.Options
	// Rand drives candidate selection. nil uses a time-seeded source.
	Rand *rand.Rand
}

func (o PlaceOptions) normalize() PlaceOptions {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Redundancy <= 0 {
		o.Redundancy = DefaultRedundancy
	}
	if o.Retry.MaxRounds <= 0 {
		o.Retry = retry.DefaultPolicy
	}
	return o
}

// Placer runs the store pipeline.
type Placer struct {
	Client  rpc.Client
	Store   meta.Store
	Logger  *zap.Logger
	Metrics *Metrics
}

// Place reads r to the end, placing every chunk on up to opts.Redundancy of
// nodes, and returns the manifest of the stored file. The manifest is only
// persisted after the last chunk, so a failed or cancelled store leaves no
// retrievable handle. Chunks placed before a failure stay on their holders.
func (p *Placer) Place(ctx context.Context, r io.Reader, nodes []node.Node, opts PlaceOptions) (meta.Manifest, error) {
	const op = "Placer.Place"
	opts = opts.normalize()
	if err := opts.Encryption.Validate(); err != nil {
		return meta.Manifest{}, err
	}
	if len(nodes) == 0 {
		return meta.Manifest{}, xerrors.E(xerrors.KindNetworkCongested, op, "no active nodes")
	}
	log := logging.OrNop(p.Logger)
	client := rpc.Timeout(p.Client, opts.Timeout)
	rng := newLockedRand(opts.Rand)

	seed := node.Seed(uuid.NewString())
	fileHash := sha256.New()
	buf := make([]byte, opts.ChunkSize)
	var (
		index uint32
		size  int64
	)
	for {
		if err := ctx.Err(); err != nil {
			return meta.Manifest{}, err
		}
		n, last, err := readChunk(r, buf)
		if err != nil {
			return meta.Manifest{}, xerrors.Wrap(xerrors.KindInvalid, op, "read input", err)
		}
		if n > 0 {
			chunk := buf[:n]
			fileHash.Write(chunk)
			payload, err := encryption.Seal(opts.Encryption, chunk)
			if err != nil {
				return meta.Manifest{}, err
			}
			holders, err := p.placeChunk(ctx, client, rng, log, index, payload, nodes, opts)
			if err != nil {
				return meta.Manifest{}, err
			}
			if err := p.Store.PutChunk(ctx, meta.ChunkRecord{Seed: seed, Index: index, Holders: holders}); err != nil {
				return meta.Manifest{}, err
			}
			index++
			size += int64(n)
		}
		if last {
			break
		}
	}

	m := meta.Manifest{
		ID:         hex.EncodeToString(fileHash.Sum(nil)),
		Filename:   opts.Filename,
		Size:       size,
		ChunkCount: index,
		ChunkSize:  uint32(opts.ChunkSize),
		Seed:       seed,
		Sealed:     opts.Encryption.Enabled(),
		CreatedAt:  time.Now().UTC(),
	}
	if err := p.Store.PutManifest(ctx, m); err != nil {
		return meta.Manifest{}, err
	}
	log.Info("file stored", zap.String("file", m.ID), zap.String("filename", m.Filename),
		zap.Uint32("chunks", m.ChunkCount), zap.Int64("size", m.Size))
	return m, nil
}

// placeChunk returns at most opts.Redundancy holders, the first successes
// in draw order.
func (p *Placer) placeChunk(ctx context.Context, client rpc.Client, rng *lockedRand, log *zap.Logger, index uint32, payload []byte, nodes []node.Node, opts PlaceOptions) ([]meta.Holder, error) {
	const op = "Placer.placeChunk"
	hash := Hash(payload)
	want := opts.Redundancy
	untried := make([]int, len(nodes))
	for i := range untried {
		untried[i] = i
	}

	var (
		holders []meta.Holder
		surplus int
	)
	err := retry.Rounds(ctx, opts.Retry, func(ctx context.Context, round int) (bool, error) {
		if len(untried) == 0 {
			return false, retry.Permanent(errNoCandidates)
		}
		candidates := rng.draw(&untried, 2*want)
		keys := make([]string, len(candidates))
		errs := make([]error, len(candidates))
		fanout.Each(ctx, opts.Parallelism, len(candidates), func(ctx context.Context, i int) {
			resp, err := client.Store(ctx, nodes[candidates[i]], rpc.StoreRequest{Payload: payload})
			keys[i], errs[i] = resp.Key, err
		})

		var roundErr error
		for i, c := range candidates {
			target := nodes[c]
			switch {
			case errs[i] != nil:
				p.Metrics.storeFailure("error")
				roundErr = multierr.Append(roundErr, fmt.Errorf("%s: %w", target.ID, errs[i]))
			case rpc.IsSentinel(keys[i]):
				p.Metrics.storeFailure("sentinel")
				roundErr = multierr.Append(roundErr, fmt.Errorf("%s: %w", target.ID, errSentinel))
			case len(holders) < want:
				holders = append(holders, meta.Holder{Node: target.ID, Key: keys[i], Hash: hash})
			default:
				surplus++
			}
		}
		if roundErr != nil {
			log.Debug("placement round had failures", zap.Uint32("chunk", index), zap.Int("round", round),
				zap.Int("holders", len(holders)), zap.Error(roundErr))
		}
		if len(holders) >= want {
			return true, nil
		}
		return false, roundErr
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if surplus > 0 {
		log.Debug("surplus placements left unrecorded", zap.Uint32("chunk", index), zap.Int("surplus", surplus))
	}
	if len(holders) == 0 {
		return nil, xerrors.Chunk(xerrors.KindNetworkCongested, op, "no holder accepted the chunk", index, err)
	}
	if len(holders) < want {
		log.Warn("chunk under-replicated", zap.Uint32("chunk", index), zap.Int("holders", len(holders)), zap.Int("want", want))
	}
	p.Metrics.placed(len(holders), want)
	return holders, nil
}
