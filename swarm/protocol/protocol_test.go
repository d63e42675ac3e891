package protocol

import (
	"bytes"
	"chunkfs/datamodel/object"
	"chunkfs/datamodel/recipe"
	"chunkfs/oid"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

func TestEncodeDecodeChunk(t *testing.T) {
	compressible := bytes.Repeat([]byte("chunkfs "), 512)
	random := oid.Sum(oid.OidTypeChunk, []byte("seed")).Hash()

	for _, enc := range Encodings {
		for _, data := range [][]byte{compressible, random[:], nil} {
			used, payload, err := EncodeChunk(data, enc)
			if err != nil {
				t.Fatalf("%s: %v", enc, err)
			}
			got, err := DecodeChunk(payload, used, int64(len(data)))
			if err != nil {
				t.Fatalf("%s: %v", enc, err)
			}
			if !bytes.Equal(got, data) {
				t.Fatalf("%s: round trip mismatch", enc)
			}
		}
	}

	used, payload, err := EncodeChunk(compressible, EncodingZstd)
	if err != nil || used != EncodingZstd || len(payload) >= len(compressible) {
		t.Fatalf("zstd should shrink repetitive data: %s, %d bytes, %v", used, len(payload), err)
	}
	if _, err := DecodeChunk(payload, used, int64(len(compressible))+1); err == nil {
		t.Fatal("expected a size mismatch")
	}
}

func TestNegotiate(t *testing.T) {
	if Negotiate(EncodingLZ4, []Encoding{EncodingZstd}) != EncodingNone {
		t.Fatal("unaccepted encoding must fall back to none")
	}
	if Negotiate(EncodingLZ4, Encodings) != EncodingLZ4 {
		t.Fatal("expected lz4")
	}
	if _, err := ParseEncoding("brotli"); err == nil {
		t.Fatal("expected an error")
	}
}

func TestRecipeResponseValidates(t *testing.T) {
	hash := oid.Sum(oid.OidTypeChunk, []byte("x"))
	rec, err := recipe.New(object.Metadata{Path: "/a", Size: 10}, 10, []recipe.Chunk{{Offset: 0, Length: 10, Hash: *hash, Nodes: []string{"n1"}}})
	if err != nil {
		t.Fatal(err)
	}

	data, err := cbor.Marshal(&RecipeResponse{Recipe: rec})
	if err != nil {
		t.Fatal(err)
	}
	resp := &RecipeResponse{}
	if err := cbor.Unmarshal(data, resp); err != nil {
		t.Fatal(err)
	}
	if resp.Recipe.Size() != 10 || resp.Recipe.NumChunks() != 1 || resp.Recipe.NodeIDs()[0] != "n1" {
		t.Fatal("recipe did not survive the wire")
	}
}
