// Package cxerr defines the sentinel errors shared by the blob store, turn
// store, and wire dispatcher, and the HTTP-style wire codes (spec §7) that
// each maps to.
//
// The pattern mirrors storage.ErrKeyNotFound in the storage package: a
// package-level sentinel that callers compare with errors.Is, plus enough
// structure here to recover the numeric code a handler must put on an ERROR
// frame without re-deriving it from the error string.
package cxerr

import (
	"errors"
	"fmt"
)

// Sentinel errors. Wrap these with fmt.Errorf("...: %w", ErrX) to add
// context while keeping errors.Is(err, ErrX) working.
var (
	ErrBadRequest      = errors.New("bad request")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnprocessable   = errors.New("unprocessable")
	ErrFailedDependency = errors.New("failed dependency")
	ErrInternal        = errors.New("internal error")

	// ErrCorruption is a non-retriable internal error raised when on-disk
	// content fails its CRC or content-hash check outside of recovery
	// (recovery itself treats a bad CRC as a truncation point, not this
	// error — see blobstore/turnstore Open).
	ErrCorruption = fmt.Errorf("%w: corruption detected", ErrInternal)
)

// Code is the HTTP-style wire code from spec §7.
type Code uint32

const (
	CodeBadRequest      Code = 400
	CodeNotFound        Code = 404
	CodeConflict        Code = 409
	CodeUnprocessable   Code = 422
	CodeFailedDependency Code = 424
	CodeInternal        Code = 500
)

// CodeFor maps an error to its wire code by walking the errors.Is chain
// against the package sentinels. Unrecognized errors map to CodeInternal so
// that an unexpected failure never leaks as a misleadingly specific 4xx.
func CodeFor(err error) Code {
	switch {
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrUnprocessable):
		return CodeUnprocessable
	case errors.Is(err, ErrFailedDependency):
		return CodeFailedDependency
	default:
		return CodeInternal
	}
}
