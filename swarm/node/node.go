package node

import (
	"chunkfs/config"
	"chunkfs/datamodel/node"
	"chunkfs/datamodel/object"
	"chunkfs/datamodel/recipe"
	"chunkfs/filesystem"
	"chunkfs/fserr"
	"chunkfs/net/crpc"
	"chunkfs/net/mpubsub"
	"chunkfs/oid"
	"chunkfs/swarm/client"
	"chunkfs/swarm/protocol"
	"chunkfs/swarm/server"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	log "github.com/sirupsen/logrus"
)

// RecipeStore is a catalog that accepts new recipes.
type RecipeStore interface {
	filesystem.Catalog
	Put(rec *recipe.Recipe) error
}

// ChunkStore is a content-addressed chunk store.
type ChunkStore interface {
	server.ChunkStore
	Put(data []byte) (*oid.Oid, error)
}

type Node struct {
	// Storage
	Recipes RecipeStore
	Nodes   node.NodeIndex
	Chunks  ChunkStore

	// Networking
	RpcServer *crpc.Server
	PubSub    *mpubsub.PubSub // nil when discovery is disabled

	// RPC and PubSub implementations
	Service   *server.ChunkService
	Discovery *Discovery

	self  node.Descriptor // Fixed after New
	peers []string

	// Helpers
	sg singleflight.Group
}

func New(cfg *config.Config, recipes RecipeStore, nodes node.NodeIndex, chunks ChunkStore, rpcServer *crpc.Server, pubsub *mpubsub.PubSub) (*Node, error) {
	if cfg.Node.ID == "" {
		return nil, fserr.InvalidArgument.New("node.id is not configured")
	}
	encoding, err := protocol.ParseEncoding(cfg.Service.Encoding)
	if err != nil {
		return nil, fserr.InvalidArgument.Wrap(err)
	}

	n := &Node{
		Recipes:   recipes,
		Nodes:     nodes,
		Chunks:    chunks,
		RpcServer: rpcServer,
		PubSub:    pubsub,
		peers:     cfg.Service.Peers,
	}

	n.self = node.Descriptor{
		ID:             cfg.Node.ID,
		Names:          cfg.Node.Names,
		ServiceAddress: cfg.Service.AdvertisedAddress,
		LastSeen:       time.Now(),
	}

	// Figure out the addresses on which the RpcServer is listening
	addrs := serviceAddresses(rpcServer.Addr())
	if len(addrs) == 0 {
		return nil, errors.New("no listening addresses found")
	}
	if n.self.ServiceAddress == "" {
		n.self.ServiceAddress = addrs[0].String()
	}
	if len(n.self.Names) == 0 {
		for _, a := range addrs {
			n.self.Names = append(n.self.Names, a.IP.String())
		}
		if hostname, err := os.Hostname(); err == nil {
			n.self.Names = append(n.self.Names, hostname)
		}
	}

	if _, err := n.Nodes.Put(&n.self); err != nil {
		return nil, fmt.Errorf("failed to register node %s: %w", n.self.ID, err)
	}

	// Set up RPC Server
	n.Service = server.New(n.Self, recipes, nodes, chunks, encoding)
	if err := n.RpcServer.RegisterName(protocol.ServiceName, n.Service); err != nil {
		return nil, err
	}

	// Set up PubSub
	if n.PubSub != nil {
		n.Discovery = &Discovery{node: n}
		if err := n.PubSub.Register(n.Discovery); err != nil {
			return nil, err
		}
	}

	log.Infof("I am %s (%v), serving on %s", n.self.ID, n.self.Names, n.self.ServiceAddress)

	return n, nil
}

// serviceAddresses returns the non-loopback TCP addresses of a listener, or
// the loopback ones when there is nothing else.
func serviceAddresses(addrs []net.Addr) []*net.TCPAddr {
	var public, loopback []*net.TCPAddr
	for _, addr := range addrs {
		tcpAddr, ok := addr.(*net.TCPAddr)
		if !ok {
			continue
		}
		if tcpAddr.IP.IsLoopback() {
			loopback = append(loopback, tcpAddr)
		} else {
			public = append(public, tcpAddr)
		}
	}
	if len(public) == 0 {
		return loopback
	}
	return public
}

// Self returns the descriptor of this node.
func (n *Node) Self() node.Descriptor {
	return n.self
}

// remember stores the descriptor of another node. It reports whether the
// node was unknown before.
func (n *Node) remember(d node.Descriptor) (bool, error) {
	if d.ID == "" || d.ID == n.Self().ID {
		return false, nil
	}
	_, err := n.Nodes.Get(d.ID)
	isNew := fserr.NotFound.Has(err)

	d.LastSeen = time.Now()
	if _, err := n.Nodes.Put(&d); err != nil {
		return false, fmt.Errorf("failed to store node %s: %w", d.ID, err)
	}
	return isNew, nil
}

// Ingest stores the content of r as the file at path, cut in chunks of
// chunkSize bytes hosted by this node.
func (n *Node) Ingest(path string, r io.Reader, chunkSize int64) (*recipe.Recipe, error) {
	return Ingest(n.Recipes, n.Chunks, n.Self().ID, path, r, chunkSize)
}

// Ingest cuts the content of r in chunks of chunkSize bytes, stores them in
// chunks and records the file at path in recipes with owner as the hosting
// node of every chunk.
func Ingest(recipes RecipeStore, chunks ChunkStore, owner string, path string, r io.Reader, chunkSize int64) (*recipe.Recipe, error) {
	if chunkSize <= 0 {
		return nil, fserr.InvalidArgument.New("chunk size %d", chunkSize)
	}
	if owner == "" {
		return nil, fserr.InvalidArgument.New("no owner for %s", path)
	}
	path = object.CleanPath(path)
	if path == "" || object.IsRoot(path) {
		return nil, fserr.InvalidArgument.New("cannot ingest into %q", path)
	}

	buf := make([]byte, chunkSize)
	var list []recipe.Chunk
	var size int64
	for {
		m, err := io.ReadFull(r, buf)
		if m > 0 {
			o, perr := chunks.Put(buf[:m])
			if perr != nil {
				return nil, perr
			}
			list = append(list, recipe.Chunk{
				Offset: size,
				Length: chunkSize,
				Hash:   *o,
				Nodes:  []string{owner},
			})
			size += int64(m)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fserr.IO(err)
		}
	}

	rec, err := recipe.New(object.Metadata{Path: path, Size: size, LastModified: time.Now()}, chunkSize, list)
	if err != nil {
		return nil, err
	}
	if err := recipes.Put(rec); err != nil {
		return nil, err
	}

	log.Infof("Ingested %s: %d bytes in %d chunks", path, size, len(list))
	return rec, nil
}

// Join pings the node at address and records its descriptor. Concurrent
// joins of one address share a single call.
func (n *Node) Join(ctx context.Context, address string) (*node.Descriptor, error) {
	v, err, _ := n.sg.Do(address, func() (any, error) {
		c := client.New(address)
		defer c.Close()

		d, err := c.Ping(ctx, n.Self().ID)
		if err != nil {
			return nil, fmt.Errorf("failed to join %s: %w", address, err)
		}
		if d.ServiceAddress == "" {
			d.ServiceAddress = address
		}
		if _, err := n.remember(*d); err != nil {
			return nil, err
		}
		log.Infof("Joined %s at %s", d.ID, address)
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*node.Descriptor), nil
}

// announce publishes this node to the discovery group.
func (n *Node) announce(reply bool) {
	if n.PubSub == nil {
		return
	}
	msg := &protocol.Announcement{Node: n.Self(), Reply: reply}
	if err := n.PubSub.Publish(protocol.MethodAnnounce, msg); err != nil {
		log.Errorf("Failed to publish announcement: %v", err)
	}
}

// Run serves until ctx is cancelled. Configured peers are joined and the
// node is announced once at startup; failures there are logged only.
func (n *Node) Run(ctx context.Context) error {
	wg, cctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return n.RpcServer.Serve(cctx)
	})

	if n.PubSub != nil {
		wg.Go(func() error {
			return n.PubSub.Listen(cctx)
		})
		n.announce(false)
	}

	for _, peer := range n.peers {
		wg.Go(func() error {
			if _, err := n.Join(cctx, peer); err != nil {
				log.Warnf("%v", err)
			}
			return nil
		})
	}

	return wg.Wait()
}
