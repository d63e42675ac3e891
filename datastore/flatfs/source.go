package flatfs

import (
	"chunkfs/oid"
	"chunkfs/source"
	"context"
	"io"
)

var _ source.ChunkSource = (*Source)(nil)

// Source serves chunks straight from a local FlatFS.
type Source struct {
	store    *FlatFS
	identity string
}

// NewSource exposes store as a chunk source reachable at identity, usually
// the host name of this machine.
func NewSource(store *FlatFS, identity string) *Source {
	return &Source{store: store, identity: identity}
}

func (s *Source) Connect(ctx context.Context) error { return nil }

func (s *Source) IsConnected() bool { return true }

func (s *Source) NetworkIdentity() string { return s.identity }

// FetchChunk streams the chunk file. Chunks are addressed by content only.
func (s *Source) FetchChunk(ctx context.Context, objectPath string, hash oid.Oid) (io.ReadCloser, error) {
	return s.store.Open(hash)
}
