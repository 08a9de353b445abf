package runtime

import (
	"errors"
	"fmt"
)

// Error is the single failure category surfaced by the adapter. Transient
// marks connection-level failures worth one bounded retry round; scheduling
// and image errors are fatal and surface immediately.
type Error struct {
	Op        string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("runtime %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Transient
}
