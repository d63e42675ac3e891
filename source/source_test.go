package source

import (
	"chunkfs/datamodel/recipe"
	"chunkfs/fserr"
	"chunkfs/source/sourcetest"
	"context"
	"errors"
	"testing"
)

func noneLocal(string) bool { return false }

func testChunk(nodes ...string) recipe.Chunk {
	return recipe.Chunk{Offset: 0, Length: 10, Nodes: nodes}
}

func TestSelectSingleSource(t *testing.T) {
	only := sourcetest.New("10.0.0.9")
	r := NewRegistry(map[string]ChunkSource{"X": only}, WithLocalityCheck(noneLocal))

	src, err := r.Select(context.Background(), testChunk("A", "B"))
	if err != nil {
		t.Fatal(err)
	}
	if src != only {
		t.Fatal("expected the only registered source")
	}
	if only.Connects() != 1 || !only.IsConnected() {
		t.Fatalf("expected one connect, got %d", only.Connects())
	}

	// Already connected, no redundant connect
	if _, err := r.Select(context.Background(), testChunk("A")); err != nil {
		t.Fatal(err)
	}
	if only.Connects() != 1 {
		t.Fatalf("expected no reconnect, got %d connects", only.Connects())
	}
}

func TestSelectPrefersHolderThenLocal(t *testing.T) {
	b := sourcetest.New("10.0.0.2")
	x := sourcetest.New("10.0.0.3")

	r := NewRegistry(map[string]ChunkSource{"B": b, "X": x}, WithLocalityCheck(noneLocal))
	src, err := r.Select(context.Background(), testChunk("A", "B"))
	if err != nil {
		t.Fatal(err)
	}
	if src != b {
		t.Fatalf("expected B, got %s", src.NetworkIdentity())
	}

	// A local source matching A's identity wins over the registered holder B
	local := sourcetest.New("A")
	r = NewRegistry(map[string]ChunkSource{"B": b, LocalKey: local}, WithLocalityCheck(noneLocal))
	src, err = r.Select(context.Background(), testChunk("A", "B"))
	if err != nil {
		t.Fatal(err)
	}
	if src != local {
		t.Fatalf("expected the local source, got %s", src.NetworkIdentity())
	}
}

func TestSelectLocalByNodeNames(t *testing.T) {
	b := sourcetest.New("10.0.0.2")
	local := sourcetest.New("10.0.0.1")

	r := NewRegistry(
		map[string]ChunkSource{"B": b, LocalKey: local},
		WithLocalityCheck(noneLocal),
		WithNodeNames(map[string][]string{"A": {"node-a.example", "10.0.0.1"}}),
	)
	if !r.IsLocalNode("A") || r.IsLocalNode("B") {
		t.Fatal("unexpected local node mapping")
	}

	src, err := r.Select(context.Background(), testChunk("B", "A"))
	if err != nil {
		t.Fatal(err)
	}
	if src != local {
		t.Fatalf("expected the local source, got %s", src.NetworkIdentity())
	}
}

func TestLocalDiscoveredOnceAtConstruction(t *testing.T) {
	a := sourcetest.New("host-a")
	b := sourcetest.New("host-b")

	checks := 0
	isLocal := func(host string) bool {
		checks++
		return host == "host-b"
	}

	r := NewRegistry(map[string]ChunkSource{"A": a, "B": b}, WithLocalityCheck(isLocal))
	if r.Local() != b {
		t.Fatal("expected B to be discovered as local")
	}
	after := checks

	for i := 0; i < 10; i++ {
		src, err := r.Select(context.Background(), testChunk("A", "B"))
		if err != nil {
			t.Fatal(err)
		}
		if src != b {
			t.Fatalf("expected local B, got %s", src.NetworkIdentity())
		}
	}
	if checks != after {
		t.Fatalf("locality re-tested per chunk: %d checks after construction", checks-after)
	}
}

func TestSelectDefaultAndNoSource(t *testing.T) {
	def := sourcetest.New("gateway")
	other := sourcetest.New("10.0.0.5")

	r := NewRegistry(map[string]ChunkSource{DefaultKey: def, "Z": other}, WithLocalityCheck(noneLocal))
	src, err := r.Select(context.Background(), testChunk("A", "B"))
	if err != nil {
		t.Fatal(err)
	}
	if src != def {
		t.Fatal("expected the default source")
	}

	r = NewRegistry(map[string]ChunkSource{"Y": other, "Z": sourcetest.New("10.0.0.6")}, WithLocalityCheck(noneLocal))
	_, err = r.Select(context.Background(), testChunk("A", "B"))
	if !fserr.IOFailure.Has(err) || !errors.Is(err, fserr.ErrNoSourceAvailable) {
		t.Fatalf("expected NoSourceAvailable, got %v", err)
	}

	r = NewRegistry(nil, WithLocalityCheck(noneLocal))
	if _, err := r.Select(context.Background(), testChunk("A")); !errors.Is(err, fserr.ErrNoSourceAvailable) {
		t.Fatalf("expected NoSourceAvailable on an empty registry, got %v", err)
	}
}

func TestSelectConnectFailure(t *testing.T) {
	a := sourcetest.New("10.0.0.1")
	cause := errors.New("connection refused")
	a.FailConnect(cause)

	r := NewRegistry(map[string]ChunkSource{"A": a}, WithLocalityCheck(noneLocal))
	_, err := r.Select(context.Background(), testChunk("A"))
	if !fserr.IOFailure.Has(err) || !errors.Is(err, cause) {
		t.Fatalf("expected IOFailure wrapping the cause, got %v", err)
	}
}

func TestIsLocalHost(t *testing.T) {
	for _, host := range []string{"127.0.0.1", "localhost", "[::1]:41010", "127.0.0.1:80"} {
		if !IsLocalHost(host) {
			t.Fatalf("%s should be local", host)
		}
	}
	for _, host := range []string{"", "192.0.2.77"} {
		if IsLocalHost(host) {
			t.Fatalf("%s should not be local", host)
		}
	}
}
