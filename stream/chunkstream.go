// Package stream implements buffered streams over chunks and the file read
// cursor built on top of them.
package stream

import (
	"bufio"
	"chunkfs/fserr"
	"context"
	"fmt"
	"io"
)

const defaultBufferSize = 64 * 1024

// Opener returns a fresh byte stream over the whole chunk, positioned at its start.
type Opener func(ctx context.Context) (io.ReadCloser, error)

// ChunkStream is a buffered read position inside one chunk of a file.
type ChunkStream struct {
	ctx   context.Context
	open  Opener
	rc    io.ReadCloser
	br    *bufio.Reader
	start int64 // File offset of the chunk
	size  int64 // Effective length of the chunk
	pos   int64 // Position relative to start
	opens int
}

// NewChunkStream opens the chunk at file offset start holding size bytes.
func NewChunkStream(ctx context.Context, start, size int64, open Opener) (*ChunkStream, error) {
	if start < 0 || size < 0 {
		return nil, fserr.InvalidArgument.New("chunk at %d with size %d", start, size)
	}

	s := &ChunkStream{
		ctx:   ctx,
		open:  open,
		start: start,
		size:  size,
	}
	if err := s.reopen(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ChunkStream) reopen() error {
	if s.rc != nil {
		s.rc.Close()
		s.rc = nil
	}

	rc, err := s.open(s.ctx)
	if err != nil {
		return fserr.IO(err)
	}
	s.opens++
	s.rc = rc
	if s.br == nil {
		s.br = bufio.NewReaderSize(rc, defaultBufferSize)
	} else {
		s.br.Reset(rc)
	}
	s.pos = 0
	return nil
}

// Start returns the file offset of the chunk.
func (s *ChunkStream) Start() int64 { return s.start }

// Size returns the effective length of the chunk.
func (s *ChunkStream) Size() int64 { return s.size }

// Offset returns the position relative to the chunk start.
func (s *ChunkStream) Offset() int64 { return s.pos }

// Opens returns how many times the underlying stream was opened.
func (s *ChunkStream) Opens() int { return s.opens }

// ContainsOffset reports whether the file offset lies inside the chunk.
func (s *ChunkStream) ContainsOffset(offset int64) bool {
	return offset >= s.start && offset < s.start+s.size
}

// Available returns the number of bytes that can be read without blocking.
func (s *ChunkStream) Available() int {
	if s.br == nil {
		return 0
	}
	return int(min(int64(s.br.Buffered()), s.size-s.pos))
}

// Seek moves to position rel inside the chunk. Moving forward discards
// bytes, moving backward reopens the chunk.
func (s *ChunkStream) Seek(rel int64) error {
	if s.rc == nil {
		return fserr.Closed("chunk stream")
	}
	if rel < 0 || rel > s.size {
		return fserr.InvalidArgument.New("position %d outside chunk of %d bytes", rel, s.size)
	}
	if rel < s.pos {
		if err := s.reopen(); err != nil {
			return err
		}
	}

	for s.pos < rel {
		n, err := s.br.Discard(int(min(rel-s.pos, 1<<30)))
		s.pos += int64(n)
		if err != nil {
			break
		}
	}
	if s.pos != rel {
		return fserr.IOFailure.Wrap(fmt.Errorf("%w %d in chunk at %d, stream is at %d", fserr.ErrPositionMismatch, rel, s.start, s.pos))
	}
	return nil
}

// Read reads up to len(p) bytes, never past the chunk end.
func (s *ChunkStream) Read(p []byte) (int, error) {
	if s.rc == nil {
		return 0, fserr.Closed("chunk stream")
	}
	if s.pos >= s.size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	if rem := s.size - s.pos; int64(len(p)) > rem {
		p = p[:rem]
	}

	n, err := s.br.Read(p)
	s.pos += int64(n)
	if err == io.EOF {
		if n > 0 {
			return n, nil
		}
		return 0, fserr.IOFailure.Wrap(fmt.Errorf("chunk at %d ended after %d of %d bytes: %w", s.start, s.pos, s.size, io.ErrUnexpectedEOF))
	}
	if err != nil {
		return n, fserr.IO(err)
	}
	return n, nil
}

// Close releases the underlying stream. It is safe to call more than once.
func (s *ChunkStream) Close() error {
	if s.rc == nil {
		return nil
	}
	err := s.rc.Close()
	s.rc = nil
	s.br = nil
	return err
}
