// Package server implements the RPC handlers of a chunk node.
package server

import (
	"chunkfs/datamodel/node"
	"chunkfs/filesystem"
	"chunkfs/fserr"
	"chunkfs/oid"
	"chunkfs/swarm/protocol"
	"context"

	log "github.com/sirupsen/logrus"
)

// ChunkStore is the read side of a chunk store.
type ChunkStore interface {
	// Get returns the chunk bytes after checking them against their address.
	Get(o oid.Oid) ([]byte, error)
}

// ChunkService answers catalog, topology and chunk requests.
type ChunkService struct {
	self     func() node.Descriptor
	catalog  filesystem.Catalog
	nodes    node.NodeIndex
	chunks   ChunkStore
	encoding protocol.Encoding
}

// New creates the service. self reports the descriptor of the serving node;
// chunks are sent with encoding when the caller accepts it.
func New(self func() node.Descriptor, catalog filesystem.Catalog, nodes node.NodeIndex, chunks ChunkStore, encoding protocol.Encoding) *ChunkService {
	return &ChunkService{
		self:     self,
		catalog:  catalog,
		nodes:    nodes,
		chunks:   chunks,
		encoding: encoding,
	}
}

// RPC: Ping
func (s *ChunkService) Ping(ctx context.Context, req *protocol.PingRequest, res *protocol.PingResponse) error {
	if req.NodeID != "" {
		log.Debugf("Received Ping from %s", req.NodeID)
	}
	res.Node = s.self()
	return nil
}

// RPC: GetRecipe
func (s *ChunkService) GetRecipe(ctx context.Context, req *protocol.PathRequest, res *protocol.RecipeResponse) error {
	rec, err := s.catalog.FetchRecipe(ctx, req.Path)
	if err != nil {
		return err
	}
	res.Recipe = rec
	return nil
}

// RPC: GetMetadata
func (s *ChunkService) GetMetadata(ctx context.Context, req *protocol.PathRequest, res *protocol.MetadataResponse) error {
	md, err := s.catalog.FetchMetadata(ctx, req.Path)
	if err != nil {
		return err
	}
	res.Metadata = *md
	return nil
}

// RPC: GetListing
func (s *ChunkService) GetListing(ctx context.Context, req *protocol.PathRequest, res *protocol.ListingResponse) error {
	children, err := s.catalog.FetchListing(ctx, req.Path)
	if err != nil {
		return err
	}
	res.Children = children
	return nil
}

// RPC: GetNode
func (s *ChunkService) GetNode(ctx context.Context, req *protocol.NodeRequest, res *protocol.NodeResponse) error {
	if self := s.self(); req.NodeID == self.ID {
		res.Node = self
		return nil
	}
	d, err := s.nodes.Get(req.NodeID)
	if err != nil {
		return err
	}
	res.Node = *d
	return nil
}

// RPC: FetchChunk
func (s *ChunkService) FetchChunk(ctx context.Context, req *protocol.ChunkRequest, res *protocol.ChunkResponse) error {
	if req.Hash.IsZero() {
		return fserr.InvalidArgument.New("chunk request without a hash")
	}

	data, err := s.chunks.Get(req.Hash)
	if err != nil {
		log.Warnf("FetchChunk %s of %s: %v", req.Hash.String(), req.Path, err)
		return err
	}

	enc, payload, err := protocol.EncodeChunk(data, protocol.Negotiate(s.encoding, req.Accepted))
	if err != nil {
		return err
	}

	res.Encoding = enc
	res.Size = int64(len(data))
	res.Data = payload
	log.Debugf("FetchChunk %s: %d bytes as %s (%d on the wire)", req.Hash.String(), len(data), enc, len(payload))
	return nil
}
