// Package source holds the per-node chunk sources and picks one per chunk.
//
// A Registry maps node IDs to ChunkSources. Two keys are reserved: LocalKey
// names a source co-located with the caller, DefaultKey a source that can
// serve any chunk. The local entry is either given explicitly or discovered
// once, when the registry is built, by testing each source's network
// identity for local residency.
package source

import (
	"chunkfs/datamodel/recipe"
	"chunkfs/fserr"
	"chunkfs/oid"
	"context"
	"io"
	"sort"

	log "github.com/sirupsen/logrus"
)

const (
	LocalKey   = "LOCAL_NODE"
	DefaultKey = "DEFAULT_NODE"
)

// ChunkSource fetches raw chunk bytes from one node.
// Implementations must tolerate redundant Connect calls.
type ChunkSource interface {
	// Connect establishes the connection if it is not established yet.
	Connect(ctx context.Context) error

	// IsConnected reports whether Connect succeeded and the connection is usable.
	IsConnected() bool

	// FetchChunk opens a stream over the bytes of the chunk with the given hash,
	// belonging to the object at objectPath. The caller closes the stream.
	FetchChunk(ctx context.Context, objectPath string, hash oid.Oid) (io.ReadCloser, error)

	// NetworkIdentity returns the host (name or IP literal) the source talks to.
	NetworkIdentity() string
}

// Registry maps node IDs to chunk sources. It is read-only after NewRegistry.
type Registry struct {
	sources    map[string]ChunkSource
	local      ChunkSource
	localNodes map[string]bool
}

type registryOptions struct {
	isLocal   func(host string) bool
	nodeNames map[string][]string
}

type Option func(*registryOptions)

// WithLocalityCheck replaces the test deciding whether a host is the local machine.
func WithLocalityCheck(isLocal func(host string) bool) Option {
	return func(o *registryOptions) {
		o.isLocal = isLocal
	}
}

// WithNodeNames supplies the network names of nodes, keyed by node ID. A node
// with a name equal to the local identity is treated as local.
func WithNodeNames(names map[string][]string) Option {
	return func(o *registryOptions) {
		o.nodeNames = names
	}
}

// NewRegistry builds a registry over sources. The map is copied.
func NewRegistry(sources map[string]ChunkSource, opts ...Option) *Registry {
	o := &registryOptions{
		isLocal: IsLocalHost,
	}
	for _, opt := range opts {
		opt(o)
	}

	r := &Registry{
		sources:    make(map[string]ChunkSource, len(sources)),
		localNodes: make(map[string]bool),
	}
	for k, v := range sources {
		if v != nil {
			r.sources[k] = v
		}
	}

	r.local = r.sources[LocalKey]
	if r.local == nil {
		r.local = r.findLocal(o.isLocal)
	}

	if r.local != nil {
		identity := r.local.NetworkIdentity()
		r.localNodes[identity] = true
		for id, src := range r.sources {
			if id == LocalKey || id == DefaultKey {
				continue
			}
			if src == r.local || src.NetworkIdentity() == identity {
				r.localNodes[id] = true
			}
		}
		for id, names := range o.nodeNames {
			for _, name := range names {
				if name == identity {
					r.localNodes[id] = true
					break
				}
			}
		}
		log.Debugf("source.Registry: local source at %s serves nodes %v", identity, keys(r.localNodes))
	}

	return r
}

// findLocal tests each source, in key order, for local residency.
func (r *Registry) findLocal(isLocal func(string) bool) ChunkSource {
	for _, id := range keys(r.sources) {
		src := r.sources[id]
		host := src.NetworkIdentity()
		if host != "" && isLocal(host) {
			log.Debugf("source.Registry: %s (%s) is local", id, host)
			return src
		}
	}
	return nil
}

// Len returns the number of registered sources, not counting a discovered local source.
func (r *Registry) Len() int {
	return len(r.sources)
}

// Local returns the local source, or nil.
func (r *Registry) Local() ChunkSource {
	return r.local
}

// Get returns the source registered under key.
func (r *Registry) Get(key string) (ChunkSource, bool) {
	s, ok := r.sources[key]
	return s, ok
}

// IsLocalNode reports whether the node with the given ID is served by the local source.
func (r *Registry) IsLocalNode(id string) bool {
	return r.local != nil && r.localNodes[id]
}

// Select picks the source for c and connects it if needed:
// the only source, else the local source if it hosts c, else the first hosting
// node with a source, else the default source.
func (r *Registry) Select(ctx context.Context, c recipe.Chunk) (ChunkSource, error) {
	src, how := r.pick(c)
	if src == nil {
		return nil, fserr.IOFailure.Wrap(fserr.ErrNoSourceAvailable)
	}

	log.Debugf("source.Select: chunk %s at %d -> %s (%s)", c.Hash.String(), c.Offset, src.NetworkIdentity(), how)

	if !src.IsConnected() {
		if err := src.Connect(ctx); err != nil {
			return nil, fserr.IOFailure.Wrap(err)
		}
	}
	return src, nil
}

func (r *Registry) pick(c recipe.Chunk) (ChunkSource, string) {
	if len(r.sources) == 1 {
		for _, src := range r.sources {
			return src, "only"
		}
	}

	if r.local != nil {
		for _, id := range c.Nodes {
			if r.localNodes[id] {
				return r.local, "local"
			}
		}
	}

	for _, id := range c.Nodes {
		if src, ok := r.sources[id]; ok {
			return src, "holder " + id
		}
	}

	if src, ok := r.sources[DefaultKey]; ok {
		return src, "default"
	}

	return nil, ""
}

func keys[V any](m map[string]V) []string {
	res := make([]string, 0, len(m))
	for k := range m {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}
