package writer

import "errors"

// ErrClosed is returned by Push once the writer has been closed, either by
// Close or by a fatal I/O error.
var ErrClosed = errors.New("writer is closed")

// ValidationError is a recoverable per-item failure: the item was rejected by
// the configured schema. The writer remains usable and shard state is
// untouched.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "item validation: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// SerializationError is a recoverable per-item failure: the item could not be
// marshaled to JSON. Same scope as ValidationError.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string { return "serialize item: " + e.Err.Error() }
func (e *SerializationError) Unwrap() error { return e.Err }

// Recoverable reports whether err is scoped to a single item, leaving the
// writer usable for subsequent pushes. Everything else returned by Push is
// fatal: the writer is destroyed and further pushes return ErrClosed.
func Recoverable(err error) bool {
	var ve *ValidationError
	var se *SerializationError
	return errors.As(err, &ve) || errors.As(err, &se)
}
