package commands

import (
	"chunkfs/config"
	"chunkfs/datastore/flatfs"
	"chunkfs/datastore/leveldb"
	"chunkfs/net/crpc"
	"chunkfs/net/mpubsub"
	"chunkfs/swarm/node"
	"context"
	"io"
	"net"
	"os"
)

// stores holds the on-disk state of a node.
type stores struct {
	recipes *leveldb.RecipeIndex
	nodes   *leveldb.NodeIndex
	chunks  *flatfs.FlatFS
}

func openStores(cfg *config.Config) (*stores, error) {
	chunks, err := flatfs.New(cfg.DataStore.ChunkPath)
	if err != nil {
		return nil, err
	}

	recipes, err := leveldb.NewRecipeIndex(cfg.DataStore.RecipePath)
	if err != nil {
		return nil, err
	}

	nodes, err := leveldb.NewNodeIndex(cfg.DataStore.NodePath)
	if err != nil {
		recipes.Close()
		return nil, err
	}

	return &stores{recipes: recipes, nodes: nodes, chunks: chunks}, nil
}

func (s *stores) Close() {
	if err := s.recipes.Close(); err != nil {
		log.Errorf("Failed to close recipe index: %v", err)
	}
	if err := s.nodes.Close(); err != nil {
		log.Errorf("Failed to close node index: %v", err)
	}
	if err := s.chunks.Close(); err != nil {
		log.Errorf("Failed to close chunk store: %v", err)
	}
}

// RunServe serves the node until ctx is cancelled.
func RunServe(ctx context.Context, cfg *config.Config) {
	st, err := openStores(cfg)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer st.Close()

	// Create the CRPC server and listener
	rpcl, err := net.Listen("tcp", cfg.Service.Listen)
	if err != nil {
		log.Fatalf("Failed to create RPC listener: %v", err)
	}
	rsrv := crpc.NewServer(rpcl)

	var pubsub *mpubsub.PubSub
	if cfg.Discovery.Multicast != "" {
		pubsub, err = mpubsub.Join(cfg.Discovery.Multicast)
		if err != nil {
			log.Fatalf("Failed to join discovery group: %v", err)
		}
		defer pubsub.Close()
	}

	n, err := node.New(cfg, st.recipes, st.nodes, st.chunks, rsrv, pubsub)
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}

	if err := n.Run(ctx); err != nil {
		log.Fatalf("Failed to run node: %v", err)
	}
	log.Info("Node stopped")
}

// RunImport stores a local file (or stdin for "-") in the node's own
// storage. The node must not be serving.
func RunImport(ctx context.Context, cfg *config.Config, src, dst string, chunkSize int64) {
	st, err := openStores(cfg)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer st.Close()

	if err := importFile(st, cfg.Node.ID, src, dst, chunkSize); err != nil {
		log.Fatalf("Failed to import %s: %v", src, err)
	}
}

func importFile(st *stores, owner, src, dst string, chunkSize int64) error {
	var r io.Reader = os.Stdin
	if src != "-" {
		f, err := os.Open(src)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	_, err := node.Ingest(st.recipes, st.chunks, owner, dst, r, chunkSize)
	return err
}
