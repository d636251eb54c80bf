// Package memnet is an in-process rpc.Client for tests and local demos. It
// dispatches calls straight to registered handlers and can inject faults.
package memnet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jacktea/chunkvault/pkg/node"
	"github.com/jacktea/chunkvault/pkg/rpc"
)

// ErrDown is returned for calls to a node marked down.
var ErrDown = errors.New("memnet: node is down")

// Counters tracks calls made to one node.
type Counters struct {
	Ping     int
	Store    int
	Retrieve int
}

type peer struct {
	handler rpc.Handler
	down    bool
	latency time.Duration
	corrupt func([]byte) []byte
	calls   Counters
}

// Network routes calls by node ID.
type Network struct {
	mu    sync.Mutex
	peers map[node.ID]*peer
}

// New returns an empty network.
func New() *Network {
	return &Network{peers: make(map[node.ID]*peer)}
}

// Add registers handler under id, replacing any previous one.
func (n *Network) Add(id node.ID, handler rpc.Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[id] = &peer{handler: handler}
}

// SetDown makes every call to id fail with ErrDown.
func (n *Network) SetDown(id node.ID, down bool) {
	n.withPeer(id, func(p *peer) { p.down = down })
}

// SetLatency delays every call to id by d, or until the caller's context
// is done.
func (n *Network) SetLatency(id node.ID, d time.Duration) {
	n.withPeer(id, func(p *peer) { p.latency = d })
}

// Corrupt rewrites every payload id returns from Retrieve. A nil fn clears
// the fault.
func (n *Network) Corrupt(id node.ID, fn func([]byte) []byte) {
	n.withPeer(id, func(p *peer) { p.corrupt = fn })
}

// Calls returns the call counters for id.
func (n *Network) Calls(id node.ID) Counters {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.peers[id]; ok {
		return p.calls
	}
	return Counters{}
}

// ResetCalls zeroes every counter.
func (n *Network) ResetCalls() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.peers {
		p.calls = Counters{}
	}
}

func (n *Network) withPeer(id node.ID, fn func(*peer)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.peers[id]; ok {
		fn(p)
	}
}

// enter counts the call and returns the handler state to use for it.
func (n *Network) enter(ctx context.Context, id node.ID, count func(*Counters)) (rpc.Handler, func([]byte) []byte, error) {
	n.mu.Lock()
	p, ok := n.peers[id]
	if !ok {
		n.mu.Unlock()
		return nil, nil, fmt.Errorf("memnet: unknown node %s", id)
	}
	count(&p.calls)
	handler, down, latency, corrupt := p.handler, p.down, p.latency, p.corrupt
	n.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if down {
		return nil, nil, ErrDown
	}
	return handler, corrupt, nil
}

func (n *Network) Ping(ctx context.Context, target node.Node) error {
	_, _, err := n.enter(ctx, target.ID, func(c *Counters) { c.Ping++ })
	return err
}

func (n *Network) Store(ctx context.Context, target node.Node, req rpc.StoreRequest) (rpc.StoreResponse, error) {
	handler, _, err := n.enter(ctx, target.ID, func(c *Counters) { c.Store++ })
	if err != nil {
		return rpc.StoreResponse{}, err
	}
	req.Payload = append([]byte(nil), req.Payload...)
	return handler.HandleStore(ctx, req)
}

func (n *Network) Retrieve(ctx context.Context, target node.Node, req rpc.RetrieveRequest) (rpc.RetrieveResponse, error) {
	handler, corrupt, err := n.enter(ctx, target.ID, func(c *Counters) { c.Retrieve++ })
	if err != nil {
		return rpc.RetrieveResponse{}, err
	}
	resp, err := handler.HandleRetrieve(ctx, req)
	if err != nil {
		return resp, err
	}
	resp.Payload = append([]byte(nil), resp.Payload...)
	if corrupt != nil && len(resp.Payload) > 0 {
		resp.Payload = corrupt(resp.Payload)
	}
	return resp, nil
}

// FlipFirstByte is a Corrupt function that inverts the first byte.
func FlipFirstByte(b []byte) []byte {
	if len(b) > 0 {
		b[0] ^= 0xff
	}
	return b
}
