package node

import (
	"bytes"
	"chunkfs/config"
	"chunkfs/datastore/flatfs"
	"chunkfs/datastore/leveldb"
	"chunkfs/fserr"
	"chunkfs/net/crpc"
	"chunkfs/swarm/client"
	"chunkfs/swarm/protocol"
	"context"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func newNode(t *testing.T, id string, peers ...string) *Node {
	t.Helper()
	dir := t.TempDir()

	recipes, err := leveldb.NewRecipeIndex(filepath.Join(dir, "recipes"))
	if err != nil {
		t.Fatal(err)
	}
	nodes, err := leveldb.NewNodeIndex(filepath.Join(dir, "nodes"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		recipes.Close()
		nodes.Close()
	})
	chunks, err := flatfs.New(filepath.Join(dir, "chunks"))
	if err != nil {
		t.Fatal(err)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.NewEmptyConfig("")
	cfg.Node.ID = id
	cfg.Service.Peers = peers

	n, err := New(cfg, recipes, nodes, chunks, crpc.NewServer(l), nil)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

// run serves n until the test ends.
func run(t *testing.T, n *Node) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
}

func TestNewDerivesDescriptor(t *testing.T) {
	n := newNode(t, "n1")
	self := n.Self()
	if self.ServiceAddress == "" || len(self.Names) == 0 || self.Names[0] != "127.0.0.1" {
		t.Fatalf("unexpected descriptor %+v", self)
	}
	d, err := n.Nodes.Get("n1")
	if err != nil || d.ServiceAddress != self.ServiceAddress {
		t.Fatalf("node should register itself, got %v %+v", err, d)
	}

	cfg := config.NewEmptyConfig("")
	if _, err := New(cfg, n.Recipes, n.Nodes, n.Chunks, n.RpcServer, nil); !fserr.InvalidArgument.Has(err) {
		t.Fatalf("expected InvalidArgument without an id, got %v", err)
	}
}

func TestIngest(t *testing.T) {
	n := newNode(t, "n1")
	data := bytes.Repeat([]byte("0123456789"), 25)

	rec, err := n.Ingest("docs/readme", bytes.NewReader(data), 100)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Metadata().Path != "/docs/readme" || rec.Size() != 250 || rec.NumChunks() != 3 {
		t.Fatalf("unexpected recipe %s: size %d, %d chunks", rec.Metadata().Path, rec.Size(), rec.NumChunks())
	}
	if owners := rec.Chunk(2).Nodes; len(owners) != 1 || owners[0] != "n1" {
		t.Fatalf("chunks should be owned by the ingesting node, got %v", owners)
	}
	got, err := n.Chunks.Get(rec.Chunk(1).Hash)
	if err != nil || !bytes.Equal(got, data[100:200]) {
		t.Fatalf("chunk 1 not stored: %v", err)
	}

	empty, err := n.Ingest("/empty", bytes.NewReader(nil), 100)
	if err != nil || empty.Size() != 0 || empty.NumChunks() != 0 {
		t.Fatalf("unexpected empty ingest %v", err)
	}

	if _, err := n.Ingest("/", bytes.NewReader(data), 100); !fserr.InvalidArgument.Has(err) {
		t.Fatalf("expected InvalidArgument for the root, got %v", err)
	}
	if _, err := n.Ingest("/x", bytes.NewReader(data), 0); !fserr.InvalidArgument.Has(err) {
		t.Fatalf("expected InvalidArgument for a zero chunk size, got %v", err)
	}
}

func TestServeAndJoin(t *testing.T) {
	n1 := newNode(t, "n1")
	data := bytes.Repeat([]byte{1, 2, 3}, 1000)
	if _, err := n1.Ingest("/f", bytes.NewReader(data), 1024); err != nil {
		t.Fatal(err)
	}
	run(t, n1)

	n2 := newNode(t, "n2", n1.Self().ServiceAddress)
	run(t, n2)

	// n2 joins n1 at startup
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := n2.Nodes.Get("n1"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("n2 did not join n1")
		}
		time.Sleep(10 * time.Millisecond)
	}

	c := client.New(n1.Self().ServiceAddress)
	defer c.Close()
	rec, err := c.FetchRecipe(context.Background(), "/f")
	if err != nil {
		t.Fatal(err)
	}
	rc, err := c.FetchChunk(context.Background(), "/f", rec.Chunk(2).Hash)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if !bytes.Equal(got, data[2048:]) {
		t.Fatal("chunk content mismatch")
	}

	if _, err := n2.Join(context.Background(), "127.0.0.1:1"); err == nil {
		t.Fatal("expected an error joining a closed port")
	}
}

func TestDiscoveryAnnounce(t *testing.T) {
	n := newNode(t, "n1")
	d := &Discovery{node: n}

	d.Announce(&protocol.Announcement{Node: n.Self()})
	ids, err := n.Nodes.Enumerate()
	if err != nil || len(ids) != 1 {
		t.Fatalf("own announcement must be ignored, got %v %v", ids, err)
	}

	peer := n.Self()
	peer.ID = "n9"
	peer.ServiceAddress = "10.0.0.9:41010"
	d.Announce(&protocol.Announcement{Node: peer})

	got, err := n.Nodes.Get("n9")
	if err != nil || got.ServiceAddress != "10.0.0.9:41010" || got.LastSeen.IsZero() {
		t.Fatalf("announced node not recorded: %v %+v", err, got)
	}
}
