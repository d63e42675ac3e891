package stream

import (
	"chunkfs/datamodel/recipe"
	"chunkfs/fserr"
	"chunkfs/source"
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Cursor is a seekable read position over one file. At most one chunk
// stream is open at a time. Cursor is not safe for concurrent use.
//
// A single Read never returns bytes from more than one chunk. Use ReadFully
// or io.ReadFull to fill a buffer across chunk boundaries.
type Cursor struct {
	ctx      context.Context
	log      *log.Entry
	rec      *recipe.Recipe
	registry *source.Registry
	stream   *ChunkStream
	offset   int64
	size     int64
	opens    int
	closed   bool
}

var (
	_ io.ReadSeekCloser = (*Cursor)(nil)
	_ io.ReaderAt       = (*Cursor)(nil)
	_ io.ByteReader     = (*Cursor)(nil)
)

// NewCursor creates a cursor at offset 0 of rec. Chunks are fetched from the
// sources picked by registry; ctx bounds every fetch made by the cursor.
func NewCursor(ctx context.Context, rec *recipe.Recipe, registry *source.Registry) (*Cursor, error) {
	if rec == nil || registry == nil {
		return nil, fserr.InvalidArgument.New("cursor needs a recipe and a source registry")
	}

	return &Cursor{
		ctx: ctx,
		log: log.WithFields(log.Fields{
			"cursor": uuid.New().String(),
			"path":   rec.Path(),
		}),
		rec:      rec,
		registry: registry,
		size:     rec.Size(),
	}, nil
}

func (c *Cursor) checkOpen() error {
	if c.closed {
		return fserr.Closed("cursor")
	}
	return nil
}

// Size returns the file size, 0 once closed.
func (c *Cursor) Size() int64 {
	return c.size
}

// Pos returns the current offset.
func (c *Cursor) Pos() int64 {
	return c.offset
}

// Opens returns how many chunk streams the cursor has opened.
func (c *Cursor) Opens() int {
	return c.opens
}

// SeekTo moves the cursor to pos, clamped to the file size. The chunk under
// the new offset is loaded by the next read.
func (c *Cursor) SeekTo(pos int64) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if pos < 0 {
		return fserr.InvalidArgument.New("negative position %d", pos)
	}
	c.offset = min(pos, c.size)
	return nil
}

// Seek implements io.Seeker on top of SeekTo.
func (c *Cursor) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = c.offset + offset
	case io.SeekEnd:
		pos = c.size + offset
	default:
		return c.offset, fserr.InvalidArgument.New("whence %d", whence)
	}
	if err := c.SeekTo(pos); err != nil {
		return c.offset, err
	}
	return c.offset, nil
}

// Available returns the number of bytes readable at the current offset
// without blocking.
func (c *Cursor) Available() int {
	s := c.stream
	if c.closed || s == nil || !s.ContainsOffset(c.offset) {
		return 0
	}
	at := s.Start() + s.Offset()
	if at > c.offset {
		return 0
	}
	return max(0, s.Available()-int(c.offset-at))
}

// loadChunk makes the open chunk stream cover the current offset, positioned on it.
func (c *Cursor) loadChunk() error {
	if c.stream != nil && !c.stream.ContainsOffset(c.offset) {
		c.closeStream()
	}

	if c.stream == nil {
		chunk, err := c.rec.ChunkAt(c.offset)
		if err != nil {
			return err
		}
		src, err := c.registry.Select(c.ctx, chunk)
		if err != nil {
			return err
		}

		path := c.rec.Path()
		open := func(ctx context.Context) (io.ReadCloser, error) {
			return src.FetchChunk(ctx, path, chunk.Hash)
		}
		s, err := NewChunkStream(c.ctx, chunk.Offset, c.rec.EffectiveLength(chunk), open)
		if err != nil {
			return err
		}
		c.stream = s
		c.opens++
		c.log.Debugf("opened chunk %s [%d, %d) from %s", chunk.Hash.String(), s.Start(), s.Start()+s.Size(), src.NetworkIdentity())
	}

	// A stream that failed to reposition is dropped so the next read opens
	// the chunk afresh.
	if err := c.stream.Seek(c.offset - c.stream.Start()); err != nil {
		c.closeStream()
		return err
	}
	return nil
}

func (c *Cursor) closeStream() {
	if c.stream == nil {
		return
	}
	if err := c.stream.Close(); err != nil {
		c.log.Warnf("failed to close chunk at %d: %v", c.stream.Start(), err)
	} else {
		c.log.Debugf("closed chunk at %d", c.stream.Start())
	}
	c.stream = nil
}

// Read reads up to len(p) bytes from the chunk covering the current offset.
func (c *Cursor) Read(p []byte) (int, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	if c.offset >= c.size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	if err := c.loadChunk(); err != nil {
		return 0, err
	}

	end := c.stream.Start() + c.stream.Size()
	n := min(int64(len(p)), c.size-c.offset, end-c.offset)
	read, err := c.stream.Read(p[:n])
	c.offset += int64(read)
	if err == io.EOF && read == 0 {
		return 0, fserr.IOFailure.Wrap(fmt.Errorf("chunk at %d ended early: %w", c.stream.Start(), io.ErrUnexpectedEOF))
	}
	return read, err
}

// ReadByte reads a single byte.
func (c *Cursor) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := c.Read(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadFully fills p, reading across chunks. Running out of data before p is
// full is an IOFailure.
func (c *Cursor) ReadFully(p []byte) error {
	for done := 0; done < len(p); {
		n, err := c.Read(p[done:])
		done += n
		if err == io.EOF {
			return fserr.IOFailure.Wrap(fmt.Errorf("read %d of %d bytes at %d: %w", done, len(p), c.offset, io.ErrUnexpectedEOF))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadFullyAt fills p with the bytes at offset off. The cursor position is
// restored afterwards.
func (c *Cursor) ReadFullyAt(off int64, p []byte) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if off < 0 {
		return fserr.InvalidArgument.New("negative offset %d", off)
	}

	old := c.offset
	defer func() { c.offset = old }()

	if err := c.SeekTo(off); err != nil {
		return err
	}
	if c.offset != off {
		return fserr.IOFailure.Wrap(fmt.Errorf("%w %d in %s of %d bytes", fserr.ErrPositionMismatch, off, c.rec.Path(), c.size))
	}
	return c.ReadFully(p)
}

// ReadAt implements io.ReaderAt. The cursor position is restored afterwards.
func (c *Cursor) ReadAt(p []byte, off int64) (int, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, fserr.InvalidArgument.New("negative offset %d", off)
	}

	old := c.offset
	defer func() { c.offset = old }()

	if err := c.SeekTo(off); err != nil {
		return 0, err
	}
	n, err := io.ReadFull(c, p)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

// Skip advances the offset by up to n bytes and returns the distance moved.
// The open chunk stream is left as is.
func (c *Cursor) Skip(n int64) (int64, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, nil
	}
	n = min(n, c.size-c.offset)
	c.offset += n
	return n, nil
}

// Close releases the open chunk stream. Sources stay connected since the
// registry shares them between cursors.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.closeStream()
	c.registry = nil
	c.size = 0
	c.offset = 0
	c.log.Debugf("closed after %d chunk opens", c.opens)
	return nil
}
