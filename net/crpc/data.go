package crpc

import (
	"chunkfs/fserr"
	"fmt"
)

type RequestHeader struct {
	Seq    uint64 `cbor:"1,keyasint,omitempty"`
	Method string `cbor:"2,keyasint,omitempty"`
}

type ResponseHeader struct {
	Seq  uint64    `cbor:"1,keyasint,omitempty"`
	Err  string    `cbor:"2,keyasint,omitempty"`
	Code ErrorCode `cbor:"3,keyasint,omitempty"` // Class of Err
}

// ErrorCode carries the fserr class of a failed call across the wire.
type ErrorCode uint8

const (
	CodeUnknown ErrorCode = iota
	CodeInvalidArgument
	CodeNotFound
	CodeOutOfRange
	CodeIOFailure
	CodeCorrupted
)

func codeOf(err error) ErrorCode {
	switch {
	case fserr.InvalidArgument.Has(err):
		return CodeInvalidArgument
	case fserr.NotFound.Has(err):
		return CodeNotFound
	case fserr.OutOfRange.Has(err):
		return CodeOutOfRange
	case fserr.IOFailure.Has(err):
		return CodeIOFailure
	case fserr.Corrupted.Has(err):
		return CodeCorrupted
	default:
		return CodeUnknown
	}
}

// ServerError is an error returned by the remote method.
type ServerError struct {
	Code    ErrorCode
	Message string
}

func (e *ServerError) Error() string {
	return e.Message
}

// classify wraps a server error into the fserr class it had on the server.
// Unclassified errors become IOFailure.
func (e *ServerError) classify() error {
	switch e.Code {
	case CodeInvalidArgument:
		return fserr.InvalidArgument.Wrap(e)
	case CodeNotFound:
		return fserr.NotFound.Wrap(e)
	case CodeOutOfRange:
		return fserr.OutOfRange.Wrap(e)
	case CodeCorrupted:
		return fserr.Corrupted.Wrap(e)
	default:
		return fserr.IOFailure.Wrap(e)
	}
}

func (c ErrorCode) String() string {
	switch c {
	case CodeInvalidArgument:
		return "invalid argument"
	case CodeNotFound:
		return "not found"
	case CodeOutOfRange:
		return "out of range"
	case CodeIOFailure:
		return "io failure"
	case CodeCorrupted:
		return "corrupted"
	default:
		return fmt.Sprintf("code(%d)", uint8(c))
	}
}
