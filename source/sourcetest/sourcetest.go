// Package sourcetest provides an in-memory ChunkSource with call counters.
package sourcetest

import (
	"bytes"
	"chunkfs/datamodel/object"
	"chunkfs/datamodel/recipe"
	"chunkfs/fserr"
	"chunkfs/oid"
	"context"
	"errors"
	"io"
	"sync"
)

var ErrFetch = errors.New("sourcetest: fetch failed")

// Source serves chunks from memory and counts every call.
type Source struct {
	Identity string

	mu         sync.Mutex
	chunks     map[oid.Oid][]byte
	connected  bool
	connects   int
	fetches    int
	closes     int
	failFetch  bool
	connectErr error
}

func New(identity string) *Source {
	return &Source{
		Identity: identity,
		chunks:   make(map[oid.Oid][]byte),
	}
}

// Put stores data under hash.
func (s *Source) Put(hash oid.Oid, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[hash] = data
}

// FailFetches makes subsequent fetches fail.
func (s *Source) FailFetches(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failFetch = fail
}

// FailConnect makes subsequent connects fail with err.
func (s *Source) FailConnect(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectErr = err
}

func (s *Source) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if s.connectErr != nil {
		return s.connectErr
	}
	s.connected = true
	return nil
}

func (s *Source) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Source) NetworkIdentity() string {
	return s.Identity
}

func (s *Source) FetchChunk(ctx context.Context, objectPath string, hash oid.Oid) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.failFetch {
		return nil, ErrFetch
	}
	data, ok := s.chunks[hash]
	if !ok {
		return nil, fserr.NotFound.New("chunk %s", hash.String())
	}
	return &chunkReader{Reader: bytes.NewReader(data), src: s}, nil
}

// Fetches returns the number of FetchChunk calls.
func (s *Source) Fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

// Closes returns the number of closed chunk streams.
func (s *Source) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// Connects returns the number of Connect calls.
func (s *Source) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

type chunkReader struct {
	*bytes.Reader
	src    *Source
	closed bool
}

func (r *chunkReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.src.mu.Lock()
	r.src.closes++
	r.src.mu.Unlock()
	return nil
}

// Split cuts content into chunks of chunkSize bytes, stores each chunk in
// every given source, and returns the recipe. nodes(i) gives the hosting
// node IDs of chunk i.
func Split(path string, content []byte, chunkSize int64, nodes func(i int) []string, sources ...*Source) (*recipe.Recipe, error) {
	var chunks []recipe.Chunk
	for i, off := 0, int64(0); off < int64(len(content)); i, off = i+1, off+chunkSize {
		end := min(off+chunkSize, int64(len(content)))
		data := content[off:end]
		hash := oid.Sum(oid.OidTypeChunk, data)
		for _, s := range sources {
			s.Put(*hash, data)
		}
		var owners []string
		if nodes != nil {
			owners = nodes(i)
		}
		chunks = append(chunks, recipe.Chunk{
			Offset: off,
			Length: chunkSize,
			Hash:   *hash,
			Nodes:  owners,
		})
	}
	return recipe.New(object.Metadata{Path: path, Size: int64(len(content))}, chunkSize, chunks)
}

// Content returns n bytes where byte i equals i modulo 251.
func Content(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}
