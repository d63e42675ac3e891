// Package recipe implements the chunk catalogue of a file.
//
// A Recipe lists the content-addressed chunks of one object in offset order.
// The chunks partition [0, size) exactly; a Recipe that does not is rejected
// when it is built or decoded, never when it is read.
package recipe

import (
	"chunkfs/datamodel/object"
	"chunkfs/fserr"
	"chunkfs/oid"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// Chunk is a contiguous, content-addressed byte range of a file.
type Chunk struct {
	_      struct{} `cbor:",toarray"`
	Offset int64    // Offset of the chunk within the file
	Length int64    // Declared length. The last chunk may extend past the file size
	Hash   oid.Oid  // Content address of the chunk data (OidTypeChunk)
	Nodes  []string // Hosting node IDs in preference order
}

// End returns the offset right after the declared chunk range.
func (c *Chunk) End() int64 {
	return c.Offset + c.Length
}

func (c *Chunk) clone() Chunk {
	d := *c
	d.Nodes = append([]string(nil), c.Nodes...)
	return d
}

// Recipe is the immutable chunk catalogue of a file.
type Recipe struct {
	metadata  object.Metadata
	chunkSize int64
	chunks    []Chunk
	nodeIDs   []string
}

// New validates the chunk list against md.Size and builds a Recipe.
// chunkSize is a hint used as the block size of the file; 0 means unknown.
func New(md object.Metadata, chunkSize int64, chunks []Chunk) (*Recipe, error) {
	if md.Size < 0 {
		return nil, fserr.Corrupted.New("%s: negative size %d", md.Path, md.Size)
	}
	if chunkSize < 0 {
		return nil, fserr.Corrupted.New("%s: negative chunk size %d", md.Path, chunkSize)
	}

	var next int64
	for i := range chunks {
		c := &chunks[i]
		if c.Length <= 0 {
			return nil, fserr.Corrupted.New("%s: chunk %d has length %d", md.Path, i, c.Length)
		}
		if c.Offset != next {
			if c.Offset > next {
				return nil, fserr.Corrupted.New("%s: gap before chunk %d: [%d, %d)", md.Path, i, next, c.Offset)
			}
			return nil, fserr.Corrupted.New("%s: chunk %d at %d overlaps previous chunk ending at %d", md.Path, i, c.Offset, next)
		}
		if c.Offset >= md.Size {
			return nil, fserr.Corrupted.New("%s: chunk %d starts at %d, beyond size %d", md.Path, i, c.Offset, md.Size)
		}
		next = c.End()
	}
	if next < md.Size {
		return nil, fserr.Corrupted.New("%s: chunks cover [0, %d) of %d bytes", md.Path, next, md.Size)
	}

	r := &Recipe{
		metadata:  md,
		chunkSize: chunkSize,
		chunks:    make([]Chunk, len(chunks)),
	}

	seen := make(map[string]struct{})
	for i := range chunks {
		r.chunks[i] = chunks[i].clone()
		for _, id := range chunks[i].Nodes {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				r.nodeIDs = append(r.nodeIDs, id)
			}
		}
	}

	return r, nil
}

func (r *Recipe) Metadata() object.Metadata {
	return r.metadata
}

func (r *Recipe) Path() string {
	return r.metadata.Path
}

func (r *Recipe) Size() int64 {
	return r.metadata.Size
}

// ChunkSize returns the chunk size hint, 0 if unknown.
func (r *Recipe) ChunkSize() int64 {
	return r.chunkSize
}

func (r *Recipe) NumChunks() int {
	return len(r.chunks)
}

// Chunk returns a copy of the i-th chunk.
func (r *Recipe) Chunk(i int) Chunk {
	return r.chunks[i].clone()
}

// ChunkAt returns the chunk covering offset.
func (r *Recipe) ChunkAt(offset int64) (Chunk, error) {
	i, err := r.indexAt(offset)
	if err != nil {
		return Chunk{}, err
	}
	return r.chunks[i].clone(), nil
}

func (r *Recipe) indexAt(offset int64) (int, error) {
	if offset < 0 {
		return 0, fserr.InvalidArgument.New("negative offset %d", offset)
	}
	if offset >= r.metadata.Size {
		return 0, fserr.OutOfRange.New("offset %d is beyond size %d of %s", offset, r.metadata.Size, r.metadata.Path)
	}

	// First chunk starting after offset, the one before covers it
	i := sort.Search(len(r.chunks), func(i int) bool {
		return r.chunks[i].Offset > offset
	})
	return i - 1, nil
}

// EffectiveLength returns the number of file bytes held by c.
func (r *Recipe) EffectiveLength(c Chunk) int64 {
	return min(c.Length, r.metadata.Size-c.Offset)
}

// HostingNodes returns the IDs of the nodes holding c, in stored order.
func (r *Recipe) HostingNodes(c Chunk) []string {
	return append([]string(nil), c.Nodes...)
}

// NodeIDs returns the distinct hosting node IDs of all chunks in first-seen order.
func (r *Recipe) NodeIDs() []string {
	return append([]string(nil), r.nodeIDs...)
}

// ChunksInRange returns the chunks overlapping [start, start+length), in offset order.
func (r *Recipe) ChunksInRange(start, length int64) ([]Chunk, error) {
	if start < 0 {
		return nil, fserr.InvalidArgument.New("negative start %d", start)
	}
	if length < 0 {
		return nil, fserr.InvalidArgument.New("negative length %d", length)
	}

	end := min(start+length, r.metadata.Size)
	if start >= end {
		return nil, nil
	}

	first, err := r.indexAt(start)
	if err != nil {
		return nil, err
	}

	var res []Chunk
	for i := first; i < len(r.chunks) && r.chunks[i].Offset < end; i++ {
		res = append(res, r.chunks[i].clone())
	}
	return res, nil
}

type wireRecipe struct {
	Metadata  object.Metadata `cbor:"1,keyasint"`
	ChunkSize int64           `cbor:"2,keyasint,omitempty"`
	Chunks    []Chunk         `cbor:"3,keyasint,omitempty"`
}

func (r *Recipe) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(&wireRecipe{
		Metadata:  r.metadata,
		ChunkSize: r.chunkSize,
		Chunks:    r.chunks,
	})
}

// UnmarshalCBOR decodes and validates a recipe.
func (r *Recipe) UnmarshalCBOR(data []byte) error {
	w := &wireRecipe{}
	if err := cbor.Unmarshal(data, w); err != nil {
		return fserr.Corrupted.Wrap(err)
	}

	nr, err := New(w.Metadata, w.ChunkSize, w.Chunks)
	if err != nil {
		return err
	}
	*r = *nr
	return nil
}
