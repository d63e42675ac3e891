// Package client talks to chunk nodes over crpc. A Client serves as the
// catalog, the topology and a chunk source of a filesystem.FileSystem.
package client

import (
	"bytes"
	"chunkfs/datamodel/node"
	"chunkfs/datamodel/object"
	"chunkfs/datamodel/recipe"
	"chunkfs/filesystem"
	"chunkfs/fserr"
	"chunkfs/net/crpc"
	"chunkfs/oid"
	"chunkfs/source"
	"chunkfs/swarm/protocol"
	"context"
	"io"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
)

var (
	_ filesystem.Catalog = (*Client)(nil)
	_ node.Topology      = (*Client)(nil)
	_ source.ChunkSource = (*Client)(nil)
)

// Client is a lazily connected connection to one node. It reconnects on the
// next call after the connection breaks.
type Client struct {
	address  string
	accepted []protocol.Encoding

	mu  sync.Mutex
	rpc *crpc.Client
}

// New creates a client for the node at address (host:port). No connection
// is made until the first call or Connect.
func New(address string, accepted ...protocol.Encoding) *Client {
	if len(accepted) == 0 {
		accepted = protocol.Encodings
	}
	return &Client{
		address:  address,
		accepted: accepted,
	}
}

// Dial creates a client and connects it.
func Dial(ctx context.Context, address string) (*Client, error) {
	c := New(address)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) Address() string {
	return c.address
}

func (c *Client) connection(ctx context.Context) (*crpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rpc != nil && !c.rpc.IsShutdown() {
		return c.rpc, nil
	}

	rpc, err := crpc.Dial(ctx, "tcp", c.address)
	if err != nil {
		return nil, fserr.IOFailure.Wrap(err)
	}
	log.Debugf("client: connected to %s", c.address)
	c.rpc = rpc
	return rpc, nil
}

func (c *Client) Connect(ctx context.Context) error {
	_, err := c.connection(ctx)
	return err
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rpc != nil && !c.rpc.IsShutdown()
}

// NetworkIdentity returns the host part of the node address.
func (c *Client) NetworkIdentity() string {
	if h, _, err := net.SplitHostPort(c.address); err == nil {
		return h
	}
	return c.address
}

func (c *Client) call(ctx context.Context, method string, args any, reply any) error {
	rpc, err := c.connection(ctx)
	if err != nil {
		return err
	}
	return fserr.IO(rpc.Call(ctx, method, args, reply))
}

func (c *Client) Ping(ctx context.Context, self string) (*node.Descriptor, error) {
	res := &protocol.PingResponse{}
	if err := c.call(ctx, protocol.MethodPing, &protocol.PingRequest{NodeID: self}, res); err != nil {
		return nil, err
	}
	return &res.Node, nil
}

func (c *Client) FetchRecipe(ctx context.Context, path string) (*recipe.Recipe, error) {
	res := &protocol.RecipeResponse{}
	if err := c.call(ctx, protocol.MethodGetRecipe, &protocol.PathRequest{Path: path}, res); err != nil {
		return nil, err
	}
	if res.Recipe == nil {
		return nil, fserr.Corrupted.New("no recipe for %s in the response", path)
	}
	return res.Recipe, nil
}

func (c *Client) FetchMetadata(ctx context.Context, path string) (*object.Metadata, error) {
	res := &protocol.MetadataResponse{}
	if err := c.call(ctx, protocol.MethodGetMetadata, &protocol.PathRequest{Path: path}, res); err != nil {
		return nil, err
	}
	return &res.Metadata, nil
}

func (c *Client) FetchListing(ctx context.Context, path string) ([]object.Metadata, error) {
	res := &protocol.ListingResponse{}
	if err := c.call(ctx, protocol.MethodGetListing, &protocol.PathRequest{Path: path}, res); err != nil {
		return nil, err
	}
	return res.Children, nil
}

func (c *Client) ResolveNode(ctx context.Context, id string) (*node.Descriptor, error) {
	res := &protocol.NodeResponse{}
	if err := c.call(ctx, protocol.MethodGetNode, &protocol.NodeRequest{NodeID: id}, res); err != nil {
		return nil, err
	}
	return &res.Node, nil
}

// FetchChunk downloads the whole chunk and checks it against hash before
// handing out a reader over it.
func (c *Client) FetchChunk(ctx context.Context, objectPath string, hash oid.Oid) (io.ReadCloser, error) {
	req := &protocol.ChunkRequest{
		Path:     objectPath,
		Hash:     hash,
		Accepted: c.accepted,
	}
	res := &protocol.ChunkResponse{}
	if err := c.call(ctx, protocol.MethodFetchChunk, req, res); err != nil {
		return nil, err
	}

	data, err := protocol.DecodeChunk(res.Data, res.Encoding, res.Size)
	if err != nil {
		return nil, fserr.IOFailure.Wrap(err)
	}
	if !oid.Sum(oid.OidTypeChunk, data).Equal(hash) {
		return nil, fserr.IOFailure.New("chunk %s from %s fails its hash check", hash.String(), c.address)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpc == nil {
		return nil
	}
	err := c.rpc.Close()
	c.rpc = nil
	if err == crpc.ErrShutdown {
		return nil
	}
	return err
}
