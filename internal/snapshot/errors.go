package snapshot

import (
	"errors"
	"fmt"
)

// ErrUnsupportedVersion is returned by Decode for unknown document versions.
var ErrUnsupportedVersion = errors.New("unsupported snapshot version")

// SerializationError reports a value that cannot be canonicalized or parsed.
//
// At decode time it is row-scoped: Decode records it in Snapshot.Problems and
// keeps going. Index is the row position inside its collection, or -1 when the
// whole collection array was unreadable.
type SerializationError struct {
	Collection Collection
	Index      int
	Key        string
	Field      string
	Err        error
}

func (e *SerializationError) Error() string {
	where := string(e.Collection)
	if e.Key != "" {
		where += " " + e.Key
	} else if e.Index >= 0 {
		where += fmt.Sprintf("[%d]", e.Index)
	}
	if e.Field != "" {
		return fmt.Sprintf("serialization: %s: field %q: %v", where, e.Field, e.Err)
	}
	return fmt.Sprintf("serialization: %s: %v", where, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// IsSerializationError returns true if err wraps a SerializationError.
func IsSerializationError(err error) bool {
	var se *SerializationError
	return errors.As(err, &se)
}
