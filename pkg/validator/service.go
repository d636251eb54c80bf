// Package validator assembles the allocator, the store and retrieve
// pipelines and the audit loop around one set of collaborators.
package validator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jacktea/chunkvault/pkg/alloc"
	"github.com/jacktea/chunkvault/pkg/audit"
	"github.com/jacktea/chunkvault/pkg/encryption"
	"github.com/jacktea/chunkvault/pkg/liveness"
	"github.com/jacktea/chunkvault/pkg/logging"
	"github.com/jacktea/chunkvault/pkg/meta"
	"github.com/jacktea/chunkvault/pkg/node"
	"github.com/jacktea/chunkvault/pkg/retry"
	"github.com/jacktea/chunkvault/pkg/rpc"
	"github.com/jacktea/chunkvault/pkg/sharder"
	"github.com/jacktea/chunkvault/pkg/xerrors"
)

// Config holds the tunables read at startup.
type Config struct {
	Validator     node.ID
	ChunkSize     int
	Redundancy    int
	Rounds        int
	RoundInterval time.Duration
	RPCTimeout    time.Duration
	Parallelism   int

	// Budget is the byte budget F. Zero derives it from the free space
	// under DataDir times Threshold.
	Budget    float64
	DataDir   string
	Threshold float64

	Encryption  encryption.Options
	LivenessTTL time.Duration
	Audit       AuditConfig
}

// AuditConfig tunes the audit loop.
type AuditConfig struct {
	Interval    time.Duration
	ReportEvery int
	Alpha       float64
	Floor       uint32
}

// Deps are the collaborators a Service runs against.
type Deps struct {
	Snapshot node.Snapshot
	Client   rpc.Client
	Store    meta.Store
	Reporter audit.Reporter
	Logger   *zap.Logger
	// Registerer receives the pipeline and audit collectors. nil skips
	// metrics.
	Registerer prometheus.Registerer
	// Rand seeds placement and sampling. nil uses the clock.
	Rand *rand.Rand
}

// Service is the validator's context object.
type Service struct {
	cfg       Config
	snapshot  node.Snapshot
	store     meta.Store
	log       *zap.Logger
	prober    *liveness.Prober
	placer    *sharder.Placer
	assembler *sharder.Assembler
	auditor   *audit.Auditor

	randMu sync.Mutex
	rand   *rand.Rand
}

// New validates cfg and wires the components.
func New(cfg Config, deps Deps) (*Service, error) {
	const op = "validator.New"
	if cfg.Validator == "" {
		return nil, xerrors.E(xerrors.KindInvalid, op, "validator id is required")
	}
	if deps.Snapshot == nil || deps.Client == nil || deps.Store == nil {
		return nil, xerrors.E(xerrors.KindInvalid, op, "snapshot, client and store are required")
	}
	if err := cfg.Encryption.Validate(); err != nil {
		return nil, err
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = sharder.DefaultChunkSize
	}
	if cfg.Redundancy <= 0 {
		cfg.Redundancy = sharder.DefaultRedundancy
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = alloc.DefaultThreshold
	}
	log := logging.OrNop(deps.Logger)

	var (
		storeMetrics *sharder.Metrics
		auditMetrics *audit.Metrics
		err          error
	)
	if deps.Registerer != nil {
		if storeMetrics, err = sharder.NewMetrics(deps.Registerer); err != nil {
			return nil, xerrors.Wrap(xerrors.KindInternal, op, "metrics", err)
		}
		if auditMetrics, err = audit.NewMetrics(deps.Registerer); err != nil {
			return nil, xerrors.Wrap(xerrors.KindInternal, op, "metrics", err)
		}
	}
	rng := deps.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	auditor, err := audit.NewAuditor(audit.Options{
		Validator:   cfg.Validator,
		Snapshot:    deps.Snapshot,
		Client:      deps.Client,
		Store:       deps.Store,
		Reporter:    deps.Reporter,
		Interval:    cfg.Audit.Interval,
		ReportEvery: cfg.Audit.ReportEvery,
		Alpha:       cfg.Audit.Alpha,
		Floor:       cfg.Audit.Floor,
		Parallelism: cfg.Parallelism,
		Timeout:     cfg.RPCTimeout,
		Rand:        rand.New(rand.NewSource(rng.Int63())),
		Logger:      log.Named("audit"),
		Metrics:     auditMetrics,
	})
	if err != nil {
		return nil, err
	}

	return &Service{
		cfg:      cfg,
		snapshot: deps.Snapshot,
		store:    deps.Store,
		log:      log,
		prober: liveness.NewProber(deps.Client, liveness.Options{
			TTL:         cfg.LivenessTTL,
			Parallelism: cfg.Parallelism,
			Timeout:     cfg.RPCTimeout,
			Logger:      log.Named("liveness"),
		}),
		placer: &sharder.Placer{
			Client: deps.Client, Store: deps.Store, Logger: log.Named("store"), Metrics: storeMetrics,
		},
		assembler: &sharder.Assembler{
			Client: deps.Client, Store: deps.Store, Logger: log.Named("retrieve"), Metrics: storeMetrics,
		},
		auditor: auditor,
		rand:    rng,
	}, nil
}

func (s *Service) policy() retry.Policy {
	return retry.Policy{MaxRounds: s.cfg.Rounds, Interval: s.cfg.RoundInterval}
}

func (s *Service) nodes(ctx context.Context) ([]node.Node, error) {
	nodes, err := s.snapshot.Nodes(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "validator.nodes", "snapshot", err)
	}
	return nodes, nil
}

// Budget returns the configured byte budget, or the free-space derived one.
func (s *Service) Budget() (float64, error) {
	if s.cfg.Budget > 0 {
		return s.cfg.Budget, nil
	}
	dir := s.cfg.DataDir
	if dir == "" {
		dir = "."
	}
	return alloc.FillBudget(dir, s.cfg.Threshold)
}

// Allocate computes the allocation table for the current snapshot and seeds
// the audit records from it.
func (s *Service) Allocate(ctx context.Context) ([]alloc.Allocation, error) {
	nodes, err := s.nodes(ctx)
	if err != nil {
		return nil, err
	}
	budget, err := s.Budget()
	if err != nil {
		return nil, err
	}
	allocs, err := alloc.Allocator{Validator: s.cfg.Validator, ChunkSize: uint32(s.cfg.ChunkSize)}.Compute(nodes, budget)
	if err != nil {
		return nil, err
	}
	if err := s.auditor.Bootstrap(ctx, allocs); err != nil {
		return nil, err
	}
	for _, a := range allocs {
		s.log.Debug("allocation", zap.String("node", string(a.Node)), zap.Float64("stake", a.Stake),
			zap.String("size", alloc.HumanSize(float64(a.ByteBudget))), zap.Uint32("chunks", a.ChunkCount))
	}
	s.log.Info("allocated", zap.Int("nodes", len(allocs)), zap.String("budget", alloc.HumanSize(budget)))
	return allocs, nil
}

// StoreFile places r on the active nodes and returns the file's manifest.
func (s *Service) StoreFile(ctx context.Context, filename string, r io.Reader) (meta.Manifest, error) {
	nodes, err := s.nodes(ctx)
	if err != nil {
		return meta.Manifest{}, err
	}
	active := s.prober.Active(ctx, nodes)
	if len(active) < len(nodes) {
		s.log.Debug("inactive nodes skipped", zap.Int("active", len(active)), zap.Int("known", len(nodes)))
	}
	return s.placer.Place(ctx, r, active, sharder.PlaceOptions{
		Filename:    filename,
		ChunkSize:   s.cfg.ChunkSize,
		Redundancy:  s.cfg.Redundancy,
		Retry:       s.policy(),
		Parallelism: s.cfg.Parallelism,
		Timeout:     s.cfg.RPCTimeout,
		Encryption:  s.cfg.Encryption,
		Rand:        rand.New(rand.NewSource(s.seed())),
	})
}

func (s *Service) seed() int64 {
	s.randMu.Lock()
	defer s.randMu.Unlock()
	return s.rand.Int63()
}

// RetrieveFile streams file id into w in chunk order.
func (s *Service) RetrieveFile(ctx context.Context, id string, w io.Writer) (meta.Manifest, error) {
	nodes, err := s.nodes(ctx)
	if err != nil {
		return meta.Manifest{}, err
	}
	return s.assembler.Assemble(ctx, id, w, sharder.AssembleOptions{
		Retry:       s.policy(),
		Parallelism: s.cfg.Parallelism,
		Timeout:     s.cfg.RPCTimeout,
		Encryption:  s.cfg.Encryption,
		Nodes:       nodes,
	})
}

func (s *Service) Manifest(ctx context.Context, id string) (meta.Manifest, error) {
	return s.store.Manifest(ctx, id)
}

func (s *Service) Manifests(ctx context.Context) ([]meta.Manifest, error) {
	return s.store.Manifests(ctx)
}

// ManifestByName returns the newest manifest stored under filename.
func (s *Service) ManifestByName(ctx context.Context, filename string) (meta.Manifest, error) {
	all, err := s.store.Manifests(ctx)
	if err != nil {
		return meta.Manifest{}, err
	}
	var (
		found meta.Manifest
		ok    bool
	)
	for _, m := range all {
		if m.Filename != filename {
			continue
		}
		if !ok || m.CreatedAt.After(found.CreatedAt) {
			found, ok = m, true
		}
	}
	if !ok {
		return meta.Manifest{}, xerrors.E(xerrors.KindNotFound, "validator.ManifestByName", filename)
	}
	return found, nil
}

// DeleteManifest forgets a stored file. Chunks stay on their holders.
func (s *Service) DeleteManifest(ctx context.Context, id string) error {
	return s.store.DeleteManifest(ctx, id)
}

// Allocations lists this validator's allocation records by node.
func (s *Service) Allocations(ctx context.Context) ([]meta.AllocationRecord, error) {
	recs, err := s.store.Allocations(ctx, s.cfg.Validator)
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Node < recs[j].Node })
	return recs, nil
}

func (s *Service) Auditor() *audit.Auditor { return s.auditor }

// RunAudit runs the audit loop until ctx is cancelled.
func (s *Service) RunAudit(ctx context.Context) error {
	return s.auditor.Run(ctx)
}

// ImportHashes loads verification entries, one JSON object per line, as
// written by the offline region generator. It returns the number loaded.
func (s *Service) ImportHashes(ctx context.Context, r io.Reader) (int, error) {
	const op = "validator.ImportHashes"
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var count, line int
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var entry meta.VerificationEntry
		if err := json.Unmarshal([]byte(text), &entry); err != nil {
			return count, xerrors.Wrap(xerrors.KindInvalid, op, fmt.Sprintf("line %d", line), err)
		}
		if entry.Seed == "" || entry.Hash == "" {
			return count, xerrors.E(xerrors.KindInvalid, op, fmt.Sprintf("line %d: seed and hash are required", line))
		}
		if err := s.store.PutExpected(ctx, entry); err != nil {
			return count, err
		}
		count++
	}
	if err := sc.Err(); err != nil {
		return count, xerrors.Wrap(xerrors.KindInvalid, op, "read", err)
	}
	return count, nil
}
