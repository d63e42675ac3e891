// Package filesystem is the read-only client over a chunked file catalog.
//
// A FileSystem answers metadata queries from a Catalog through TTL caches and
// opens cursors that stream chunk data from the sources of a source.Registry.
package filesystem

import (
	"chunkfs/cache"
	"chunkfs/datamodel/node"
	"chunkfs/datamodel/object"
	"chunkfs/datamodel/recipe"
	"chunkfs/fserr"
	"chunkfs/location"
	"chunkfs/source"
	"chunkfs/stream"
	"context"
	"path"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultBlockSize    = 1024 * 1024
	DefaultLocalCluster = "local"
)

// Catalog serves object metadata and recipes. Absent paths fail with
// fserr.NotFound, transport errors with fserr.IOFailure.
type Catalog interface {
	FetchRecipe(ctx context.Context, path string) (*recipe.Recipe, error)
	FetchMetadata(ctx context.Context, path string) (*object.Metadata, error)
	FetchListing(ctx context.Context, path string) ([]object.Metadata, error)
}

// Status is the result of Stat and List.
type Status struct {
	object.Metadata
	BlockSize int64  // Block size reported for the object
	LocalPath string // Path of the object on a local mount, empty if it has none
}

type options struct {
	topology     node.Topology
	resolverCfg  location.Config
	ttl          time.Duration
	blockSize    int64
	localCluster string
	localMount   string
	registryOpts []source.Option
	cacheOpts    []cache.Option
}

type Option func(*options)

// WithTopology sets the topology used to resolve block locations. Without
// one, node IDs are used as network names.
func WithTopology(t node.Topology) Option {
	return func(o *options) { o.topology = t }
}

func WithResolverConfig(cfg location.Config) Option {
	return func(o *options) { o.resolverCfg = cfg }
}

// WithCacheTTL sets the metadata cache TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

func WithBlockSize(size int64) Option {
	return func(o *options) { o.blockSize = size }
}

// WithLocalCluster makes Stat report a LocalPath under mount for files whose
// first path element is cluster.
func WithLocalCluster(cluster, mount string) Option {
	return func(o *options) {
		o.localCluster = cluster
		o.localMount = mount
	}
}

func WithRegistryOptions(opts ...source.Option) Option {
	return func(o *options) { o.registryOpts = append(o.registryOpts, opts...) }
}

func WithCacheOptions(opts ...cache.Option) Option {
	return func(o *options) { o.cacheOpts = append(o.cacheOpts, opts...) }
}

// FileSystem is safe for concurrent use. Cursors it returns are not.
type FileSystem struct {
	catalog      Catalog
	registry     *source.Registry
	resolver     *location.Resolver
	cache        *cache.MetadataCache
	blockSize    int64
	localCluster string
	localMount   string
	closed       atomic.Bool
}

// New creates a client over catalog, reading chunks from sources keyed by node
// ID, source.LocalKey or source.DefaultKey.
func New(catalog Catalog, sources map[string]source.ChunkSource, opts ...Option) (*FileSystem, error) {
	if catalog == nil {
		return nil, fserr.InvalidArgument.New("no catalog")
	}

	o := &options{
		resolverCfg:  location.DefaultConfig(),
		ttl:          cache.DefaultTTL,
		blockSize:    DefaultBlockSize,
		localCluster: DefaultLocalCluster,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.blockSize <= 0 {
		return nil, fserr.InvalidArgument.New("block size %d", o.blockSize)
	}

	resolver, err := location.NewResolver(o.topology, o.resolverCfg)
	if err != nil {
		return nil, err
	}

	fs := &FileSystem{
		catalog:      catalog,
		registry:     source.NewRegistry(sources, o.registryOpts...),
		resolver:     resolver,
		cache:        cache.NewMetadataCache(o.ttl, o.cacheOpts...),
		blockSize:    o.blockSize,
		localCluster: o.localCluster,
		localMount:   o.localMount,
	}
	log.Debugf("filesystem.New: %d sources, block size %d, cache ttl %s", fs.registry.Len(), fs.blockSize, o.ttl)
	return fs, nil
}

func (fs *FileSystem) check(p string) (string, error) {
	if fs.closed.Load() {
		return "", fserr.Closed("file system")
	}
	if p == "" {
		return "", fserr.InvalidArgument.New("empty path")
	}
	return object.CleanPath(p), nil
}

func (fs *FileSystem) recipe(ctx context.Context, p string) (*recipe.Recipe, error) {
	return fs.cache.Recipes.Get(ctx, p, func(ctx context.Context) (*recipe.Recipe, error) {
		return fs.catalog.FetchRecipe(ctx, p)
	})
}

// Open returns a cursor at offset 0 of the file at p.
func (fs *FileSystem) Open(ctx context.Context, p string) (*stream.Cursor, error) {
	p, err := fs.check(p)
	if err != nil {
		return nil, err
	}

	rec, err := fs.recipe(ctx, p)
	if err != nil {
		return nil, err
	}
	if rec.Metadata().IsDirectory {
		return nil, fserr.InvalidArgument.New("%s is a directory", p)
	}
	return stream.NewCursor(ctx, rec, fs.registry)
}

// Stat returns the status of p. Only the root status is cached.
func (fs *FileSystem) Stat(ctx context.Context, p string) (*Status, error) {
	p, err := fs.check(p)
	if err != nil {
		return nil, err
	}

	var md object.Metadata
	if object.IsRoot(p) {
		md, err = fs.cache.Root.Get(ctx, cache.RootKey, func(ctx context.Context) (object.Metadata, error) {
			return fs.fetchMetadata(ctx, p)
		})
	} else {
		md, err = fs.fetchMetadata(ctx, p)
	}
	if err != nil {
		return nil, err
	}

	st := fs.status(md)
	return &st, nil
}

func (fs *FileSystem) fetchMetadata(ctx context.Context, p string) (object.Metadata, error) {
	md, err := fs.catalog.FetchMetadata(ctx, p)
	if err != nil {
		return object.Metadata{}, err
	}
	return *md, nil
}

func (fs *FileSystem) status(md object.Metadata) Status {
	return Status{
		Metadata:  md,
		BlockSize: fs.blockSize,
		LocalPath: fs.localPath(md),
	}
}

// localPath maps /<local cluster>/rest to <local mount>/rest.
func (fs *FileSystem) localPath(md object.Metadata) string {
	if md.IsDirectory || fs.localMount == "" || fs.localCluster == "" {
		return ""
	}

	rest := strings.TrimPrefix(object.CleanPath(md.Path), "/")
	first, rest, _ := strings.Cut(rest, "/")
	if first != fs.localCluster || rest == "" {
		return ""
	}
	return path.Join(fs.localMount, rest)
}

// List returns the status of the children of directory p in catalog order.
func (fs *FileSystem) List(ctx context.Context, p string) ([]Status, error) {
	p, err := fs.check(p)
	if err != nil {
		return nil, err
	}

	children, err := fs.cache.Listings.Get(ctx, p, func(ctx context.Context) ([]object.Metadata, error) {
		return fs.catalog.FetchListing(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	res := make([]Status, 0, len(children))
	for _, md := range children {
		res = append(res, fs.status(md))
	}
	return res, nil
}

// GetBlockLocations returns the nodes holding each chunk of [start, start+length) of p.
func (fs *FileSystem) GetBlockLocations(ctx context.Context, p string, start, length int64) ([]location.Location, error) {
	p, err := fs.check(p)
	if err != nil {
		return nil, err
	}
	if start < 0 || length < 0 {
		return nil, fserr.InvalidArgument.New("range [%d, +%d) of %s", start, length, p)
	}

	rec, err := fs.recipe(ctx, p)
	if err != nil {
		return nil, err
	}
	return fs.resolver.Locations(ctx, rec, start, length)
}

func (fs *FileSystem) DefaultBlockSize() int64 {
	return fs.blockSize
}

// Close drops all cached metadata. Sources are owned by the caller and stay open.
func (fs *FileSystem) Close() error {
	if fs.closed.Swap(true) {
		return nil
	}
	fs.cache.Close()
	return nil
}
