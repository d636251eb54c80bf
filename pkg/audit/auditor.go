// Package audit periodically challenges storage nodes for chunks of their
// regions and adjusts their allocations from the answers.
package audit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/jacktea/chunkvault/pkg/alloc"
	"github.com/jacktea/chunkvault/pkg/fanout"
	"github.com/jacktea/chunkvault/pkg/logging"
	"github.com/jacktea/chunkvault/pkg/meta"
	"github.com/jacktea/chunkvault/pkg/node"
	"github.com/jacktea/chunkvault/pkg/rpc"
	"github.com/jacktea/chunkvault/pkg/sharder"
	"github.com/jacktea/chunkvault/pkg/xerrors"
)

// State is the audit loop's position.
type State int32

const (
	StateIdle State = iota
	StateSelectTarget
	StateChallenge
	StateVerify
	StateAdjust
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateSelectTarget:
		return "select_target"
	case StateChallenge:
		return "challenge"
	case StateVerify:
		return "verify"
	case StateAdjust:
		return "adjust"
	case StateShutdown:
		return "shutdown"
	default:
		return "idle"
	}
}

// Options configures an Auditor.
type Options struct {
	Validator node.ID
	Snapshot  node.Snapshot
	Client    rpc.Client
	Store     meta.Store
	Reporter  Reporter

	// Interval is the pause between cycles.
	Interval time.Duration
	// ReportEvery submits normalized weights every N cycles.
	ReportEvery int
	Alpha       float64
	Floor       uint32
	Parallelism int
	// Timeout bounds each challenge call.
	Timeout time.Duration
	Rand    *rand.Rand
	Logger  *zap.Logger
	Metrics *Metrics
	Now     func() time.Time
}

// Outcome is the audit of one node in one cycle.
type Outcome struct {
	Node     node.ID
	Index    uint32
	Result   Result
	Err      error
	Next     uint32
	Verified uint32
}

// CycleReport summarizes one pass over the node set.
type CycleReport struct {
	Started    time.Time
	Duration   time.Duration
	Outcomes   []Outcome
	Successes  int
	Failures   int
	SoftMisses int
}

// Auditor runs the audit state machine.
type Auditor struct {
	opts   Options
	client rpc.Client
	log    *zap.Logger
	state  atomic.Int32
	cycles atomic.Int64

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewAuditor wires the collaborators of the audit loop.
func NewAuditor(opts Options) (*Auditor, error) {
	if opts.Validator == "" || opts.Snapshot == nil || opts.Client == nil || opts.Store == nil {
		return nil, xerrors.E(xerrors.KindInvalid, "audit.NewAuditor", "validator, snapshot, client and store are required")
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.ReportEvery <= 0 {
		opts.ReportEvery = 1000
	}
	if opts.Alpha <= 0 || opts.Alpha >= 1 {
		opts.Alpha = DefaultAlpha
	}
	if opts.Floor == 0 {
		opts.Floor = DefaultFloor
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	a := &Auditor{
		opts:   opts,
		client: rpc.Timeout(opts.Client, opts.Timeout),
		log:    logging.OrNop(opts.Logger),
		rng:    rng,
	}
	return a, nil
}

// State reports the current state.
func (a *Auditor) State() State { return State(a.state.Load()) }

func (a *Auditor) setState(s State) { a.state.Store(int32(s)) }

// Bootstrap seeds allocation records from allocator output. New nodes start
// with next = base chunks and nothing verified; known nodes keep their
// audited state and take the new budget.
func (a *Auditor) Bootstrap(ctx context.Context, allocs []alloc.Allocation) error {
	now := a.opts.Now().UTC()
	for _, al := range allocs {
		if err := al.Validate(); err != nil {
			return err
		}
		if al.Validator != a.opts.Validator {
			return xerrors.E(xerrors.KindInvalid, "Auditor.Bootstrap", fmt.Sprintf("allocation for validator %s", al.Validator))
		}
		rec, err := a.opts.Store.UpdateAllocation(ctx, al.Validator, al.Node, func(rec *meta.AllocationRecord) error {
			if rec.CreatedAt.IsZero() {
				rec.CreatedAt = now
				rec.NextChunks = al.ChunkCount
				rec.VerifiedChunks = 0
				rec.Score = 1
			}
			rec.Seed = al.Seed
			rec.ByteBudget = al.ByteBudget
			rec.ChunkSize = al.ChunkSize
			rec.BaseChunks = al.ChunkCount
			rec.UpdatedAt = now
			return nil
		})
		if err != nil {
			return err
		}
		a.opts.Metrics.record(rec)
	}
	return nil
}

// challenge is the in-flight audit of one node.
type challenge struct {
	node    node.Node
	rec     meta.AllocationRecord
	index   uint32
	outcome Outcome
	err     error
}

// Cycle audits every node of the current snapshot once. An internal error
// (snapshot or store failure) aborts the cycle before any allocation is
// touched. Node failures only affect that node's record.
func (a *Auditor) Cycle(ctx context.Context) (CycleReport, error) {
	report := CycleReport{Started: a.opts.Now()}
	defer func() {
		report.Duration = a.opts.Now().Sub(report.Started)
		a.opts.Metrics.cycleDone(report.Duration)
		if a.State() != StateShutdown {
			a.setState(StateIdle)
		}
	}()

	a.setState(StateSelectTarget)
	nodes, err := a.opts.Snapshot.Nodes(ctx)
	if err != nil {
		return report, xerrors.Wrap(xerrors.KindInternal, "Auditor.Cycle", "snapshot", err)
	}
	challenges := make([]*challenge, len(nodes))
	for i, n := range nodes {
		c := &challenge{node: n, outcome: Outcome{Node: n.ID}}
		challenges[i] = c
		rec, err := a.opts.Store.Allocation(ctx, a.opts.Validator, n.ID)
		if xerrors.Is(err, xerrors.KindNotFound) {
			c.outcome.Result = ResultSkipped
			continue
		}
		if err != nil {
			return report, err
		}
		trusted := rec.VerifiedChunks
		if trusted == 0 {
			trusted = rec.BaseChunks
		}
		if trusted == 0 {
			c.outcome.Result = ResultSkipped
			continue
		}
		if rec.Seed == "" {
			rec.Seed = node.PairingSeed(n.ID, a.opts.Validator)
		}
		c.rec = rec
		c.index = a.pick(trusted)
		c.outcome.Index = c.index
		c.outcome.Result = ResultFailure
	}

	a.setState(StateChallenge)
	fanout.Each(ctx, a.opts.Parallelism, len(challenges), func(ctx context.Context, i int) {
		c := challenges[i]
		if c.rec.Node == "" {
			return
		}
		a.challenge(ctx, c)
	})
	var internal error
	for _, c := range challenges {
		internal = multierr.Append(internal, c.err)
	}
	if internal != nil {
		return report, xerrors.Wrap(xerrors.KindInternal, "Auditor.Cycle", "challenge", internal)
	}
	if err := ctx.Err(); err != nil {
		a.setState(StateShutdown)
		return report, err
	}

	// Adjust runs to completion once started so no record is left
	// half-updated by a shutdown.
	a.setState(StateAdjust)
	adjustCtx := context.WithoutCancel(ctx)
	for _, c := range challenges {
		out := c.outcome
		switch out.Result {
		case ResultSuccess:
			report.Successes++
		case ResultFailure:
			report.Failures++
		case ResultSoftMiss:
			report.SoftMisses++
		}
		a.opts.Metrics.outcome(out.Result)
		if out.Result == ResultSuccess || out.Result == ResultFailure {
			rec, err := a.opts.Store.UpdateAllocation(adjustCtx, a.opts.Validator, c.node.ID, func(rec *meta.AllocationRecord) error {
				Apply(rec, out.Result, a.opts.Alpha, a.opts.Floor)
				rec.UpdatedAt = a.opts.Now().UTC()
				return nil
			})
			if err != nil {
				a.log.Error("adjust failed", zap.String("node", string(c.node.ID)), zap.Error(err))
			} else {
				out.Next, out.Verified = rec.NextChunks, rec.VerifiedChunks
				a.opts.Metrics.record(rec)
			}
		} else {
			out.Next, out.Verified = c.rec.NextChunks, c.rec.VerifiedChunks
		}
		a.logOutcome(out)
		report.Outcomes = append(report.Outcomes, out)
	}
	return report, nil
}

func (a *Auditor) pick(n uint32) uint32 {
	a.rngMu.Lock()
	defer a.rngMu.Unlock()
	return uint32(a.rng.Int63n(int64(n)))
}

func (a *Auditor) challenge(ctx context.Context, c *challenge) {
	expected, err := a.opts.Store.ExpectedHash(ctx, c.rec.Seed, c.index)
	if xerrors.Is(err, xerrors.KindNotFound) {
		c.outcome.Result = ResultSoftMiss
		c.outcome.Err = xerrors.Chunk(xerrors.KindAuditSoftMiss, "Auditor.challenge", string(c.node.ID), c.index, nil)
		return
	}
	if err != nil {
		if ctx.Err() == nil {
			c.err = err
		}
		return
	}

	resp, err := a.client.Retrieve(ctx, c.node, rpc.RetrieveRequest{Seed: c.rec.Seed, Index: c.index, ByIndex: true})
	switch {
	case err != nil:
		c.outcome.Err = xerrors.Chunk(xerrors.KindAuditFailure, "Auditor.challenge", string(c.node.ID), c.index, err)
	case len(resp.Payload) == 0:
		c.outcome.Err = xerrors.Chunk(xerrors.KindAuditFailure, "Auditor.challenge", string(c.node.ID), c.index, errors.New("empty response"))
	case sharder.Hash(resp.Payload) != expected:
		c.outcome.Err = xerrors.Chunk(xerrors.KindAuditFailure, "Auditor.challenge", string(c.node.ID), c.index, errors.New("hash mismatch"))
	default:
		c.outcome.Result = ResultSuccess
	}
}

func (a *Auditor) logOutcome(out Outcome) {
	fields := []zap.Field{
		zap.String("node", string(out.Node)),
		zap.Uint32("chunk", out.Index),
		zap.Stringer("result", out.Result),
		zap.Uint32("next", out.Next),
		zap.Uint32("verified", out.Verified),
	}
	if out.Err != nil {
		fields = append(fields, zap.Error(out.Err))
	}
	if out.Result == ResultSoftMiss {
		a.log.Info("no expected hash for sampled chunk", fields...)
		return
	}
	a.log.Debug("audit", fields...)
}

// Weights returns the L1-normalized scores of every audited node, ordered
// by node ID.
func (a *Auditor) Weights(ctx context.Context) ([]Weight, error) {
	recs, err := a.opts.Store.Allocations(ctx, a.opts.Validator)
	if err != nil {
		return nil, err
	}
	scores := make([]float64, len(recs))
	for i, rec := range recs {
		scores[i] = rec.Score
	}
	norm := Normalize(scores)
	out := make([]Weight, len(recs))
	for i, rec := range recs {
		out[i] = Weight{Node: rec.Node, Weight: norm[i]}
	}
	return out, nil
}

// Run loops cycles until ctx is cancelled. Cycle errors are logged and the
// next cycle proceeds. Every ReportEvery cycles the weights go to the
// reporter.
func (a *Auditor) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			a.setState(StateShutdown)
			return nil
		case <-timer.C:
		}

		report, err := a.Cycle(ctx)
		if ctx.Err() != nil {
			a.setState(StateShutdown)
			return nil
		}
		if err != nil {
			a.log.Warn("audit cycle aborted", zap.Error(err))
		} else {
			a.log.Info("audit cycle", zap.Int("success", report.Successes), zap.Int("failure", report.Failures),
				zap.Int("soft_miss", report.SoftMisses), zap.Duration("took", report.Duration))
		}
		if n := a.cycles.Add(1); n%int64(a.opts.ReportEvery) == 0 {
			a.report(ctx)
		}
		timer.Reset(a.opts.Interval)
	}
}

// Cycles returns the number of cycles Run has completed.
func (a *Auditor) Cycles() int64 { return a.cycles.Load() }

func (a *Auditor) report(ctx context.Context) {
	if a.opts.Reporter == nil {
		return
	}
	weights, err := a.Weights(ctx)
	if err == nil {
		err = a.opts.Reporter.SubmitWeights(ctx, weights)
	}
	if err != nil {
		a.log.Warn("weight submission failed", zap.Error(err))
	}
}
