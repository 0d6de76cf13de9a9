// Package sink abstracts "append bytes to a durable target" over a local
// filesystem or S3-compatible object storage. A Sink probes keys and opens
// handles; a Handle is the single open shard target. Each shard file is a
// JSON array: the opening bracket is written by Open (create/overwrite) and
// the closing bracket arrives as the trailing bytes of Close.
package sink

import (
	"context"
	"errors"
)

// Mode selects how Open treats a pre-existing object at the key.
type Mode int

const (
	// ModeCreate opens a fresh shard and fails if the key already exists.
	ModeCreate Mode = iota
	// ModeAppend reopens an existing local shard and resumes writing
	// before the closing bracket.
	ModeAppend
	// ModeOverwrite truncates any existing content.
	ModeOverwrite
)

func (m Mode) String() string {
	switch m {
	case ModeAppend:
		return "append"
	case ModeOverwrite:
		return "overwrite"
	default:
		return "create"
	}
}

var (
	// ErrNotArray means an append-mode target does not end with the
	// closing-bracket window this writer leaves behind. The trailing-byte
	// inspection is a heuristic tied to the exact bytes written on last
	// close and is brittle to files edited by another process.
	ErrNotArray = errors.New("existing file does not end with a JSON array close")

	// ErrAppendUnsupported is returned by backends that cannot resume an
	// existing object.
	ErrAppendUnsupported = errors.New("backend does not support append")
)

// Sink is the backend contract for shard storage.
type Sink interface {
	// Exists probes whether an object is already stored at key.
	Exists(ctx context.Context, key string) (bool, error)
	// Open opens a writable handle for key. At most one handle may be
	// open per sink at a time; the caller owns it exclusively.
	Open(ctx context.Context, key string, mode Mode) (Handle, error)
}

// Handle is one open shard target.
type Handle interface {
	// Write appends p. It does not return until the underlying medium
	// has accepted the bytes; the caller must not begin the next item
	// before Write returns.
	Write(ctx context.Context, p []byte) error
	// Close writes trailing (the closing bracket plus newline) and
	// releases the handle. For remote objects, a nil return means the
	// upload has been fully acknowledged by the store, not merely
	// buffered locally.
	Close(ctx context.Context, trailing []byte) error
	// NeedsSeparator reports whether the next item must be preceded by a
	// comma. True only for append-mode handles over a non-empty array.
	NeedsSeparator() bool
}
