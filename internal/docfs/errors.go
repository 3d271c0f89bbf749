package docfs

import (
	"errors"
	"fmt"
)

// errNoResult marks a provider mutation that returned nothing.
var errNoResult = errors.New("provider returned nothing")

// IOError reports a failed provider operation. It wraps creation failures
// and freshness timeouts during listing.
type IOError struct {
	Op   string
	Name string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Name, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// IsIOFailure reports whether err is or wraps an *IOError.
func IsIOFailure(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr)
}

// AssertionError reports a violated post-condition. It indicates the
// provider or the tree is in a state this package cannot recover from.
type AssertionError struct {
	Msg string
}

func (e *AssertionError) Error() string {
	return "assertion failed: " + e.Msg
}
