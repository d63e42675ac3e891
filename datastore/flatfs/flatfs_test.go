package flatfs

import (
	"bytes"
	"chunkfs/fserr"
	"chunkfs/oid"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestPutGet(t *testing.T) {
	f, err := New(filepath.Join(t.TempDir(), "chunks"))
	if err != nil {
		t.Fatal(err)
	}

	data := []byte("hello chunk")
	o, err := f.Put(data)
	if err != nil {
		t.Fatal(err)
	}
	if !o.Equal(*oid.Sum(oid.OidTypeChunk, data)) {
		t.Fatal("chunk must be stored under its content address")
	}

	// Idempotent
	if _, err := f.Put(data); err != nil {
		t.Fatal(err)
	}

	got, err := f.Get(*o)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("content mismatch")
	}

	oids, err := f.Enumerate()
	if err != nil {
		t.Fatal(err)
	}
	if len(oids) != 1 || !oids[0].Equal(*o) {
		t.Fatalf("unexpected enumeration %v", oids)
	}

	if err := f.Delete(*o); err != nil {
		t.Fatal(err)
	}
	if ok, _ := f.Has(*o); ok {
		t.Fatal("chunk still present after delete")
	}
	if _, err := f.Get(*o); !fserr.NotFound.Has(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if err := f.Delete(*o); err != nil {
		t.Fatalf("deleting a missing chunk should succeed, got %v", err)
	}
}

func TestCorruptedChunk(t *testing.T) {
	f, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	o, err := f.Put([]byte("original"))
	if err != nil {
		t.Fatal(err)
	}

	_, filePath := f.oidToPath(*o)
	if err := os.WriteFile(filePath, []byte("tampered"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Get(*o); !fserr.Corrupted.Has(err) {
		t.Fatalf("expected Corrupted, got %v", err)
	}
}

func TestSource(t *testing.T) {
	f, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	data := bytes.Repeat([]byte{7}, 1000)
	o, err := f.Put(data)
	if err != nil {
		t.Fatal(err)
	}

	src := NewSource(f, "localhost")
	if err := src.Connect(context.Background()); err != nil || !src.IsConnected() {
		t.Fatal("local source is always connected")
	}

	rc, err := src.FetchChunk(context.Background(), "/any", *o)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("content mismatch")
	}

	if _, err := src.FetchChunk(context.Background(), "/any", *oid.Sum(oid.OidTypeChunk, []byte("missing"))); !fserr.NotFound.Has(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
