// Package rpc defines the calls a validator makes on storage nodes. The
// transport is pluggable: pkg/rpc/p2p speaks libp2p streams and
// pkg/rpc/memnet dispatches in-process.
package rpc

import (
	"context"
	"time"

	"github.com/jacktea/chunkvault/pkg/node"
)

// SentinelKey is the placement key a node returns when it did not keep the
// payload.
const SentinelKey = ""

// IsSentinel reports whether key signals a failed placement.
func IsSentinel(key string) bool { return key == SentinelKey }

// StoreRequest asks a node to keep one chunk.
type StoreRequest struct {
	Payload []byte
}

// StoreResponse carries the node-chosen placement key.
type StoreResponse struct {
	Key string
}

// RetrieveRequest addresses a chunk either by placement key or, when
// ByIndex is set, by its position in a node/validator region.
type RetrieveRequest struct {
	Key     string
	Seed    node.Seed
	Index   uint32
	ByIndex bool
}

// RetrieveResponse holds the returned bytes. An empty payload means the
// node has nothing for the request.
type RetrieveResponse struct {
	Payload []byte
}

// Client issues calls to storage nodes. Every call is bounded by ctx.
type Client interface {
	Ping(ctx context.Context, n node.Node) error
	Store(ctx context.Context, n node.Node, req StoreRequest) (StoreResponse, error)
	Retrieve(ctx context.Context, n node.Node, req RetrieveRequest) (RetrieveResponse, error)
}

// Handler is the node side of Client.
type Handler interface {
	HandleStore(ctx context.Context, req StoreRequest) (StoreResponse, error)
	HandleRetrieve(ctx context.Context, req RetrieveRequest) (RetrieveResponse, error)
}

// Timeout bounds every call made through c by d. A non-positive d returns c
// unchanged.
func Timeout(c Client, d time.Duration) Client {
	if d <= 0 {
		return c
	}
	return timeoutClient{next: c, d: d}
}

type timeoutClient struct {
	next Client
	d    time.Duration
}

func (t timeoutClient) Ping(ctx context.Context, n node.Node) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.next.Ping(ctx, n)
}

func (t timeoutClient) Store(ctx context.Context, n node.Node, req StoreRequest) (StoreResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.next.Store(ctx, n, req)
}

func (t timeoutClient) Retrieve(ctx context.Context, n node.Node, req RetrieveRequest) (RetrieveResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.next.Retrieve(ctx, n, req)
}
