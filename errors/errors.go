package errors

import (
	"fmt"
)

// CodedError is any error that can report the errno code it corresponds to.
type CodedError interface {
	error
	Errno() Errno
}

// Code extracts the errno code from an error. Errors that don't carry one are
// reported as EIO, and nil is EOK.
func Code(err error) Errno {
	if err == nil {
		return EOK
	}

	// Walk the chain by hand instead of using errors.As, since this package
	// shadows the standard library's name.
	for current := err; current != nil; {
		if coded, ok := current.(CodedError); ok {
			return coded.Errno()
		}

		unwrapper, ok := current.(interface{ Unwrap() error })
		if !ok {
			break
		}
		current = unwrapper.Unwrap()
	}
	return EIO
}

// Describe formats an errno code with its symbolic message, e.g. for CLI output.
func Describe(code Errno) string {
	return fmt.Sprintf("%s (errno %d)", StrError(code), int(code))
}
