// Package liveness narrows a node snapshot to the nodes that answer pings.
package liveness

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/jacktea/chunkvault/pkg/fanout"
	"github.com/jacktea/chunkvault/pkg/logging"
	"github.com/jacktea/chunkvault/pkg/node"
	"github.com/jacktea/chunkvault/pkg/retry"
	"github.com/jacktea/chunkvault/pkg/rpc"
)

const (
	defaultTTL      = 30 * time.Second
	defaultCapacity = 4096
)

// Options tunes a Prober.
type Options struct {
	// TTL is how long a ping result is reused. Negative disables caching.
	TTL         time.Duration
	Parallelism int
	// Timeout bounds each ping.
	Timeout time.Duration
	Retry   retry.Policy
	Logger  *zap.Logger
}

// Prober pings nodes and remembers the answers for a while.
type Prober struct {
	client rpc.Client
	opts   Options
	log    *zap.Logger
	cache  *expirable.LRU[node.ID, bool]
}

// NewProber builds a prober over client.
func NewProber(client rpc.Client, opts Options) *Prober {
	if opts.TTL == 0 {
		opts.TTL = defaultTTL
	}
	if opts.Retry.MaxRounds == 0 {
		opts.Retry = retry.Policy{MaxRounds: 1}
	}
	p := &Prober{
		client: rpc.Timeout(client, opts.Timeout),
		opts:   opts,
		log:    logging.OrNop(opts.Logger),
	}
	if opts.TTL > 0 {
		p.cache = expirable.NewLRU[node.ID, bool](defaultCapacity, nil, opts.TTL)
	}
	return p
}

// Active returns the nodes that answered a ping, in input order.
func (p *Prober) Active(ctx context.Context, nodes []node.Node) []node.Node {
	alive := make([]bool, len(nodes))
	fanout.Each(ctx, p.opts.Parallelism, len(nodes), func(ctx context.Context, i int) {
		alive[i] = p.alive(ctx, nodes[i])
	})
	out := make([]node.Node, 0, len(nodes))
	for i, n := range nodes {
		if alive[i] {
			out = append(out, n)
		}
	}
	if len(out) < len(nodes) {
		p.log.Debug("inactive nodes skipped", zap.Int("active", len(out)), zap.Int("total", len(nodes)))
	}
	return out
}

// Forget drops the cached result for id so the next Active call pings it.
func (p *Prober) Forget(id node.ID) {
	if p.cache != nil {
		p.cache.Remove(id)
	}
}

func (p *Prober) alive(ctx context.Context, n node.Node) bool {
	if p.cache != nil {
		if ok, hit := p.cache.Get(n.ID); hit {
			return ok
		}
	}
	err := retry.Rounds(ctx, p.opts.Retry, func(ctx context.Context, round int) (bool, error) {
		if err := p.client.Ping(ctx, n); err != nil {
			return false, err
		}
		return true, nil
	})
	if ctx.Err() != nil {
		// a cancelled probe says nothing about the node
		return false
	}
	ok := err == nil
	if !ok {
		p.log.Debug("ping failed", zap.String("node", string(n.ID)), zap.Error(err))
	}
	if p.cache != nil {
		p.cache.Add(n.ID, ok)
	}
	return ok
}
