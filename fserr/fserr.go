// Package fserr defines the error classes shared by the chunkfs packages.
//
// Every error returned across a package boundary belongs to exactly one class.
// Callers test the class with Has, e.g. fserr.NotFound.Has(err), and match
// sentinels with errors.Is. End of data is reported as io.EOF and is not
// classified.
package fserr

import (
	"errors"

	"github.com/zeebo/errs"
)

var (
	// InvalidArgument marks negative offsets or lengths and missing inputs.
	// It is returned before any network activity.
	InvalidArgument = errs.Class("invalid argument")

	// NotFound marks an absent object or path. Never cached.
	NotFound = errs.Class("not found")

	// OutOfRange marks a chunk lookup at or beyond the end of a recipe.
	OutOfRange = errs.Class("out of range")

	// IOFailure marks transport errors, position mismatches and missing sources.
	IOFailure = errs.Class("io failure")

	// Corrupted marks a recipe whose chunks do not partition the file.
	Corrupted = errs.Class("corrupted recipe")
)

var (
	ErrClosed            = errors.New("closed")
	ErrNoSourceAvailable = errors.New("no source available for chunk")
	ErrPositionMismatch  = errors.New("cannot find position")
)

// Closed returns the error reported by operations issued after Close.
func Closed(what string) error {
	return IOFailure.Wrap(&closedError{what: what})
}

type closedError struct {
	what string
}

func (e *closedError) Error() string { return e.what + " is closed" }
func (e *closedError) Unwrap() error { return ErrClosed }

// IO returns err unchanged if it already belongs to a class, and wraps it as
// IOFailure otherwise. A nil err stays nil.
func IO(err error) error {
	if err == nil {
		return nil
	}
	for _, c := range []*errs.Class{&InvalidArgument, &NotFound, &OutOfRange, &IOFailure, &Corrupted} {
		if c.Has(err) {
			return err
		}
	}
	return IOFailure.Wrap(err)
}
