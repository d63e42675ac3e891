package protocol

import (
	"errors"
	"fmt"
	"slices"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Encoding identifies how chunk bytes are compressed on the wire.
type Encoding uint8

const (
	EncodingNone Encoding = 0
	EncodingLZ4  Encoding = 1
	EncodingZstd Encoding = 2
)

// Encodings lists every supported encoding in order of preference.
var Encodings = []Encoding{EncodingZstd, EncodingLZ4, EncodingNone}

var errIncompressible = errors.New("data is incompressible")

func (e Encoding) String() string {
	switch e {
	case EncodingNone:
		return "none"
	case EncodingLZ4:
		return "lz4"
	case EncodingZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(e))
	}
}

func ParseEncoding(name string) (Encoding, error) {
	switch name {
	case "none", "":
		return EncodingNone, nil
	case "lz4":
		return EncodingLZ4, nil
	case "zstd":
		return EncodingZstd, nil
	default:
		return 0, fmt.Errorf("unknown encoding: %q", name)
	}
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("protocol: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("protocol: zstd decoder initialization failed: " + err.Error())
	}
}

// Negotiate picks the preferred encoding among the accepted ones. An empty
// list accepts only EncodingNone.
func Negotiate(preferred Encoding, accepted []Encoding) Encoding {
	if slices.Contains(accepted, preferred) {
		return preferred
	}
	return EncodingNone
}

// EncodeChunk compresses data with enc. Data that does not shrink is sent as is.
func EncodeChunk(data []byte, enc Encoding) (Encoding, []byte, error) {
	var out []byte
	var err error

	switch enc {
	case EncodingNone:
		return EncodingNone, data, nil
	case EncodingLZ4:
		out, err = compressLZ4(data)
	case EncodingZstd:
		out = zstdEncoder.EncodeAll(data, nil)
		if len(out) >= len(data) {
			err = errIncompressible
		}
	default:
		return 0, nil, fmt.Errorf("unsupported encoding: %s", enc)
	}

	if errors.Is(err, errIncompressible) {
		return EncodingNone, data, nil
	}
	if err != nil {
		return 0, nil, err
	}
	return enc, out, nil
}

// DecodeChunk reverses EncodeChunk and checks the decoded size.
func DecodeChunk(data []byte, enc Encoding, size int64) ([]byte, error) {
	var out []byte
	var err error

	switch enc {
	case EncodingNone:
		out = data
	case EncodingLZ4:
		out = make([]byte, size)
		var n int
		n, err = lz4.UncompressBlock(data, out)
		out = out[:max(n, 0)]
	case EncodingZstd:
		out, err = zstdDecoder.DecodeAll(data, make([]byte, 0, size))
	default:
		return nil, fmt.Errorf("unsupported encoding: %s", enc)
	}

	if err != nil {
		return nil, fmt.Errorf("%s decode: %w", enc, err)
	}
	if int64(len(out)) != size {
		return nil, fmt.Errorf("%s decode: got %d bytes, expected %d", enc, len(out), size)
	}
	return out, nil
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 || n >= len(data) {
		return nil, errIncompressible
	}
	return dst[:n], nil
}
