package location

import (
	"chunkfs/datamodel/node"
	"chunkfs/datamodel/recipe"
	"chunkfs/fserr"
	"chunkfs/source/sourcetest"
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeTopology struct {
	nodes   map[string]*node.Descriptor
	lookups atomic.Int32
	delay   time.Duration
}

func (f *fakeTopology) ResolveNode(ctx context.Context, id string) (*node.Descriptor, error) {
	f.lookups.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	d, ok := f.nodes[id]
	if !ok {
		return nil, fserr.NotFound.New("node %s", id)
	}
	return d, nil
}

func newTopology(descs ...*node.Descriptor) *fakeTopology {
	t := &fakeTopology{nodes: make(map[string]*node.Descriptor)}
	for _, d := range descs {
		t.nodes[d.ID] = d
	}
	return t
}

func TestIsIPLiteral(t *testing.T) {
	cases := map[string]bool{
		"10.1.2.3":       true,
		"10.1.2.3:41010": true,
		"::1":            true,
		"[fe80::1]:8080": true,
		"node1.example":  false,
		"node1:41010":    false,
		"":               false,
		"300.1.1.1":      false,
	}
	for name, want := range cases {
		if got := IsIPLiteral(name); got != want {
			t.Errorf("IsIPLiteral(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestMatchesPattern(t *testing.T) {
	re, err := CompilePattern(`10\..*|192\.168\..*`)
	if err != nil {
		t.Fatal(err)
	}
	if !MatchesPattern(re, "10.0.0.1") || !MatchesPattern(re, "192.168.1.1") {
		t.Fatal("expected full match")
	}
	if MatchesPattern(re, "110.0.0.1") {
		t.Fatal("partial match must not count")
	}

	none, err := CompilePattern("")
	if err != nil || none != nil {
		t.Fatal("empty pattern should compile to nil")
	}
	if MatchesPattern(none, "anything") {
		t.Fatal("nil pattern matches nothing")
	}

	if _, err := CompilePattern("("); err == nil {
		t.Fatal("expected a compile error")
	}
}

func TestEndpointTiers(t *testing.T) {
	r, err := NewResolver(nil, Config{
		HostnamePattern: `.*\.prod`,
		IPPattern:       `10\..*`,
		IPAntiPattern:   `10\.9\..*`,
	})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name  string
		desc  node.Descriptor
		want  Endpoint
		fails bool
	}{
		{
			name: "advertised address",
			desc: node.Descriptor{ID: "a", Names: []string{"10.0.0.1"}, ServiceAddress: "gw.example:9000"},
			want: Endpoint{Name: "gw.example:9000", Host: "gw.example"},
		},
		{
			name: "patterns",
			desc: node.Descriptor{ID: "b", Names: []string{"b.dev", "10.9.0.1", "b.prod", "10.0.0.2"}},
			want: Endpoint{Name: "10.0.0.2", Host: "b.prod"},
		},
		{
			name: "no match falls back to first",
			desc: node.Descriptor{ID: "c", Names: []string{"c.dev", "172.16.0.1", "c.test", "172.16.0.2"}},
			want: Endpoint{Name: "172.16.0.1", Host: "c.dev"},
		},
		{
			name: "no hostname",
			desc: node.Descriptor{ID: "d", Names: []string{"10.0.0.4"}},
			want: Endpoint{Name: "10.0.0.4", Host: "10.0.0.4"},
		},
		{
			name: "no ip",
			desc: node.Descriptor{ID: "e", Names: []string{"e.prod"}},
			want: Endpoint{Name: "e.prod", Host: "e.prod"},
		},
		{
			name:  "no names",
			desc:  node.Descriptor{ID: "f"},
			fails: true,
		},
	}

	for _, tc := range cases {
		got, err := r.Endpoint(&tc.desc)
		if tc.fails {
			if !fserr.NotFound.Has(err) {
				t.Errorf("%s: expected NotFound, got %v", tc.name, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tc.name, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s: got %+v, want %+v", tc.name, got, tc.want)
		}
	}
}

func TestServicePort(t *testing.T) {
	r, err := NewResolver(nil, Config{IPPattern: ".*", ServicePort: 41010})
	if err != nil {
		t.Fatal(err)
	}

	ep, err := r.Endpoint(&node.Descriptor{ID: "a", Names: []string{"10.0.0.1"}})
	if err != nil {
		t.Fatal(err)
	}
	if ep.Name != "10.0.0.1:41010" || ep.Host != "10.0.0.1" {
		t.Fatalf("unexpected endpoint %+v", ep)
	}

	ep, err = r.Endpoint(&node.Descriptor{ID: "b", Names: []string{"fe80::1"}})
	if err != nil {
		t.Fatal(err)
	}
	if ep.Name != "[fe80::1]:41010" {
		t.Fatalf("unexpected endpoint %+v", ep)
	}

	if _, err := NewResolver(nil, Config{ServicePort: 70000}); !fserr.InvalidArgument.Has(err) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
	if _, err := NewResolver(nil, Config{IPPattern: "["}); !fserr.InvalidArgument.Has(err) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestResolveNodeMemoized(t *testing.T) {
	topo := newTopology(&node.Descriptor{ID: "A", Names: []string{"10.0.0.1", "a.example"}})
	topo.delay = 20 * time.Millisecond

	r, err := NewResolver(topo, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ep, err := r.ResolveNode(context.Background(), "A")
			if err != nil {
				t.Error(err)
				return
			}
			if ep.Name != "10.0.0.1" || ep.Host != "a.example" {
				t.Errorf("unexpected endpoint %+v", ep)
			}
		}()
	}
	wg.Wait()

	if _, err := r.ResolveNode(context.Background(), "A"); err != nil {
		t.Fatal(err)
	}
	if n := topo.lookups.Load(); n != 1 {
		t.Fatalf("expected a single topology lookup, got %d", n)
	}

	// Failures are retried
	if _, err := r.ResolveNode(context.Background(), "missing"); !fserr.NotFound.Has(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if _, err := r.ResolveNode(context.Background(), "missing"); !fserr.NotFound.Has(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if n := topo.lookups.Load(); n != 3 {
		t.Fatalf("expected failed lookups not to be memoized, got %d lookups", n)
	}
}

func testRecipe(t *testing.T, size int, chunkSize int64, nodes func(int) []string) *recipe.Recipe {
	t.Helper()
	rec, err := sourcetest.Split("/data/file", sourcetest.Content(size), chunkSize, nodes)
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestLocationsCoverRange(t *testing.T) {
	topo := newTopology(
		&node.Descriptor{ID: "A", Names: []string{"10.0.0.1", "a.example"}},
		&node.Descriptor{ID: "B", Names: []string{"10.0.0.2", "b.example"}},
		&node.Descriptor{ID: "C", Names: []string{"10.0.0.3", "c.example"}},
	)
	r, err := NewResolver(topo, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	owners := [][]string{{"B", "A"}, {"C"}, {"A", "C", "A"}}
	rec := testRecipe(t, 250, 100, func(i int) []string { return owners[i] })

	locs, err := r.Locations(context.Background(), rec, 0, rec.Size())
	if err != nil {
		t.Fatal(err)
	}
	if len(locs) != 3 {
		t.Fatalf("expected 3 locations, got %d", len(locs))
	}

	var next, total int64
	for _, l := range locs {
		if l.Offset != next {
			t.Fatalf("gap at %d: %v", next, l)
		}
		next = l.Offset + l.Length
		total += l.Length
	}
	if total != rec.Size() {
		t.Fatalf("lengths sum to %d, want %d", total, rec.Size())
	}

	if !reflect.DeepEqual(locs[0].Names, []string{"10.0.0.1", "10.0.0.2"}) {
		t.Fatalf("unexpected names %v", locs[0].Names)
	}
	if !reflect.DeepEqual(locs[0].Hosts, []string{"a.example", "b.example"}) {
		t.Fatalf("unexpected hosts %v", locs[0].Hosts)
	}
	if !reflect.DeepEqual(locs[0].Topology, []string{"/default-rack/10.0.0.1", "/default-rack/10.0.0.2"}) {
		t.Fatalf("unexpected topology %v", locs[0].Topology)
	}
	if !reflect.DeepEqual(locs[2].Names, []string{"10.0.0.1", "10.0.0.3"}) {
		t.Fatalf("duplicates must be removed: %v", locs[2].Names)
	}
	if locs[2].Length != 50 {
		t.Fatalf("last location should stop at the file size, got length %d", locs[2].Length)
	}
}

func TestLocationsClipped(t *testing.T) {
	r, err := NewResolver(nil, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	rec := testRecipe(t, 250, 100, func(int) []string { return []string{"10.0.0.1"} })

	locs, err := r.Locations(context.Background(), rec, 150, 60)
	if err != nil {
		t.Fatal(err)
	}
	if len(locs) != 2 || locs[0].Offset != 150 || locs[0].Length != 50 || locs[1].Offset != 200 || locs[1].Length != 10 {
		t.Fatalf("unexpected locations %v", locs)
	}

	locs, err = r.Locations(context.Background(), rec, 90, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(locs) != 3 || locs[0].Offset != 90 || locs[0].Length != 10 || locs[2].Offset+locs[2].Length != 250 {
		t.Fatalf("unexpected locations %v", locs)
	}

	locs, err = r.Locations(context.Background(), rec, 250, 10)
	if err != nil || len(locs) != 0 {
		t.Fatalf("expected no locations past the end, got %v, %v", locs, err)
	}

	if _, err := r.Locations(context.Background(), rec, -1, 10); !fserr.InvalidArgument.Has(err) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
	if _, err := r.Locations(context.Background(), rec, 0, -1); !fserr.InvalidArgument.Has(err) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestLocationsSkipUnknownNodes(t *testing.T) {
	topo := newTopology(&node.Descriptor{ID: "A", Names: []string{"10.0.0.1"}})
	r, err := NewResolver(topo, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	rec := testRecipe(t, 100, 100, func(int) []string { return []string{"ghost", "A"} })

	locs, err := r.Locations(context.Background(), rec, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(locs) != 1 || !reflect.DeepEqual(locs[0].Names, []string{"10.0.0.1"}) {
		t.Fatalf("unexpected locations %v", locs)
	}
}
