// Package p2p carries rpc calls over libp2p streams, one stream per call.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/jacktea/chunkvault/pkg/node"
	"github.com/jacktea/chunkvault/pkg/rpc"
)

const (
	PingProtocol     protocol.ID = "/chunkvault/ping/1.0.0"
	StoreProtocol    protocol.ID = "/chunkvault/store/1.0.0"
	RetrieveProtocol protocol.ID = "/chunkvault/retrieve/1.0.0"

	defaultHandlerTimeout = 45 * time.Second
)

// LoadIdentity reads a marshalled libp2p private key from path, creating a
// new Ed25519 key there when the file does not exist. A stable key keeps the
// node's peer ID across restarts.
func LoadIdentity(path string) (crypto.PrivKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return crypto.UnmarshalPrivateKey(data)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, err
	}
	data, err = crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, err
	}
	return priv, nil
}

// ServerOptions configures a Server.
type ServerOptions struct {
	ListenAddrs []string
	Identity    crypto.PrivKey
	// HandlerTimeout bounds one call on the server side.
	HandlerTimeout time.Duration
	Logger         *zap.Logger
}

// Server exposes an rpc.Handler on a libp2p host.
type Server struct {
	host    host.Host
	handler rpc.Handler
	opts    ServerOptions
	log     *zap.Logger
}

// NewServer starts a libp2p host listening on opts.ListenAddrs.
func NewServer(handler rpc.Handler, opts ServerOptions) (*Server, error) {
	if handler == nil {
		return nil, errors.New("p2p: handler is required")
	}
	if len(opts.ListenAddrs) == 0 {
		return nil, errors.New("p2p: no listen addrs provided")
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = defaultHandlerTimeout
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	libOpts := []libp2p.Option{libp2p.ListenAddrStrings(opts.ListenAddrs...)}
	if opts.Identity != nil {
		libOpts = append(libOpts, libp2p.Identity(opts.Identity))
	}
	h, err := libp2p.New(libOpts...)
	if err != nil {
		return nil, err
	}
	s := &Server{host: h, handler: handler, opts: opts, log: log}
	h.SetStreamHandler(PingProtocol, s.handlePing)
	h.SetStreamHandler(StoreProtocol, s.handleStore)
	h.SetStreamHandler(RetrieveProtocol, s.handleRetrieve)
	return s, nil
}

// ID returns the host's peer ID.
func (s *Server) ID() peer.ID { return s.host.ID() }

// Addrs returns dialable addresses including the /p2p/ component.
func (s *Server) Addrs() []string {
	suffix, err := multiaddr.NewMultiaddr("/p2p/" + s.host.ID().String())
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(s.host.Addrs()))
	for _, addr := range s.host.Addrs() {
		out = append(out, addr.Encapsulate(suffix).String())
	}
	return out
}

// Close shuts the host down.
func (s *Server) Close() error {
	if s == nil || s.host == nil {
		return nil
	}
	return s.host.Close()
}

func (s *Server) handlePing(stream network.Stream) {
	defer stream.Close()
	_ = stream.SetDeadline(time.Now().Add(s.opts.HandlerTimeout))
	if _, _, err := rpc.ReadFrame(stream); err != nil {
		return
	}
	_ = rpc.WriteFrame(stream, rpc.Header{}, nil)
}

func (s *Server) handleStore(stream network.Stream) {
	defer stream.Close()
	_ = stream.SetDeadline(time.Now().Add(s.opts.HandlerTimeout))
	_, body, err := rpc.ReadFrame(stream)
	if err != nil {
		_ = rpc.WriteFrame(stream, rpc.Header{Error: err.Error()}, nil)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.HandlerTimeout)
	defer cancel()
	resp, err := s.handler.HandleStore(ctx, rpc.StoreRequest{Payload: body})
	hdr := rpc.Header{Key: resp.Key}
	if err != nil {
		s.log.Debug("store failed", zap.Stringer("peer", stream.Conn().RemotePeer()), zap.Error(err))
		hdr = rpc.Header{Error: err.Error()}
	}
	if err := rpc.WriteFrame(stream, hdr, nil); err != nil {
		s.log.Warn("store response write failed", zap.Error(err))
	}
}

func (s *Server) handleRetrieve(stream network.Stream) {
	defer stream.Close()
	_ = stream.SetDeadline(time.Now().Add(s.opts.HandlerTimeout))
	hdr, _, err := rpc.ReadFrame(stream)
	if err != nil {
		_ = rpc.WriteFrame(stream, rpc.Header{Error: err.Error()}, nil)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.HandlerTimeout)
	defer cancel()
	resp, err := s.handler.HandleRetrieve(ctx, rpc.RetrieveFromHeader(hdr))
	if err != nil {
		s.log.Debug("retrieve failed", zap.Stringer("peer", stream.Conn().RemotePeer()), zap.Error(err))
		_ = rpc.WriteFrame(stream, rpc.Header{Error: err.Error()}, nil)
		return
	}
	if err := rpc.WriteFrame(stream, rpc.Header{}, resp.Payload); err != nil {
		s.log.Warn("retrieve response write failed", zap.Error(err))
	}
}

// Client dials storage nodes from a dedicated libp2p host.
type Client struct {
	host host.Host
}

// NewClient creates a host that does not listen.
func NewClient(opts ...libp2p.Option) (*Client, error) {
	opts = append([]libp2p.Option{libp2p.NoListenAddrs}, opts...)
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	return &Client{host: h}, nil
}

// Close shuts the client host down.
func (c *Client) Close() error { return c.host.Close() }

func (c *Client) Ping(ctx context.Context, n node.Node) error {
	_, _, err := c.call(ctx, n, PingProtocol, rpc.Header{}, nil)
	return err
}

func (c *Client) Store(ctx context.Context, n node.Node, req rpc.StoreRequest) (rpc.StoreResponse, error) {
	hdr, _, err := c.call(ctx, n, StoreProtocol, rpc.Header{}, req.Payload)
	if err != nil {
		return rpc.StoreResponse{}, err
	}
	return rpc.StoreResponse{Key: hdr.Key}, nil
}

func (c *Client) Retrieve(ctx context.Context, n node.Node, req rpc.RetrieveRequest) (rpc.RetrieveResponse, error) {
	_, body, err := c.call(ctx, n, RetrieveProtocol, rpc.RetrieveHeader(req), nil)
	if err != nil {
		return rpc.RetrieveResponse{}, err
	}
	return rpc.RetrieveResponse{Payload: body}, nil
}

func (c *Client) call(ctx context.Context, n node.Node, proto protocol.ID, hdr rpc.Header, body []byte) (rpc.Header, []byte, error) {
	addr, err := multiaddr.NewMultiaddr(n.Addr)
	if err != nil {
		return rpc.Header{}, nil, fmt.Errorf("p2p: node %s: %w", n.ID, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return rpc.Header{}, nil, fmt.Errorf("p2p: node %s: %w", n.ID, err)
	}
	if err := c.host.Connect(ctx, *info); err != nil {
		return rpc.Header{}, nil, err
	}
	stream, err := c.host.NewStream(ctx, info.ID, proto)
	if err != nil {
		return rpc.Header{}, nil, err
	}
	defer stream.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = stream.Reset() })
	defer stop()

	if err := rpc.WriteFrame(stream, hdr, body); err != nil {
		return rpc.Header{}, nil, err
	}
	if err := stream.CloseWrite(); err != nil {
		return rpc.Header{}, nil, err
	}
	resp, payload, err := rpc.ReadFrame(stream)
	if err != nil {
		if ctx.Err() != nil {
			return rpc.Header{}, nil, ctx.Err()
		}
		return rpc.Header{}, nil, err
	}
	if resp.Error != "" {
		return rpc.Header{}, nil, fmt.Errorf("p2p: node %s: %s", n.ID, resp.Error)
	}
	return resp, payload, nil
}
