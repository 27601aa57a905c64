package inodefs

import (
	"fmt"

	"github.com/dargueta/inodefs/errors"
	"github.com/hashicorp/go-multierror"
)

// DriverError is the error type returned by every layer of the file system. It
// carries an errno code and can be narrowed with a message or chained to a
// lower-level cause without losing the ability to match it with errors.Is.
type DriverError interface {
	error
	Errno() errors.Errno
	WithMessage(message string) DriverError
	Wrap(err error) DriverError
}

type baseError struct {
	errno   errors.Errno
	message string
}

func newBaseError(errno errors.Errno) baseError {
	return baseError{errno: errno, message: errors.StrError(errno)}
}

func newBaseErrorWithMessage(errno errors.Errno, message string) baseError {
	return baseError{
		errno:   errno,
		message: fmt.Sprintf("%s: %s", errors.StrError(errno), message),
	}
}

var ErrInvalidArgument = newBaseError(errors.EINVAL)
var ErrNoSpaceOnDevice = newBaseError(errors.ENOSPC)
var ErrDirectoryFull = newBaseErrorWithMessage(errors.ENFILE, "directory is full")
var ErrNotFound = newBaseError(errors.ENOENT)
var ErrModeViolation = newBaseErrorWithMessage(
	errors.EBADF, "operation not allowed by the handle's open mode")
var ErrChainCorruption = newBaseErrorWithMessage(
	errors.EUCLEAN, "block pointer chain is corrupted")
var ErrBusy = newBaseError(errors.EBUSY)
var ErrNameTooLong = newBaseError(errors.ENAMETOOLONG)
var ErrFileTooLarge = newBaseError(errors.EFBIG)
var ErrIOFailed = newBaseError(errors.EIO)
var ErrIllegalSeek = newBaseError(errors.ESPIPE)
var ErrNoData = newBaseError(errors.ENODATA)
var ErrExists = newBaseError(errors.EEXIST)
var ErrNotPermitted = newBaseError(errors.EPERM)
var ErrAlreadyInProgress = newBaseError(errors.EALREADY)
var ErrInvalidFileDescriptor = newBaseErrorWithMessage(errors.EBADF, "handle is closed")

func (e baseError) Error() string {
	return e.message
}

func (e baseError) Errno() errors.Errno {
	return e.errno
}

func (e baseError) WithMessage(message string) DriverError {
	return customDriverError{
		errno:         e.errno,
		message:       fmt.Sprintf("%s: %s", e.message, message),
		originalError: e,
	}
}

func (e baseError) Wrap(err error) DriverError {
	return customDriverError{
		errno:         e.errno,
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

// -----------------------------------------------------------------------------

type customDriverError struct {
	errno         errors.Errno
	message       string
	originalError error
}

// Error implements the `error` object interface. When called, it returns a string
// describing the error.
func (e customDriverError) Error() string {
	return e.message
}

func (e customDriverError) Errno() errors.Errno {
	return e.errno
}

func (e customDriverError) WithMessage(message string) DriverError {
	return customDriverError{
		errno:         e.errno,
		message:       fmt.Sprintf("%s: %s", e.message, message),
		originalError: e,
	}
}

func (e customDriverError) Wrap(err error) DriverError {
	return customDriverError{
		errno:         e.errno,
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

func (e customDriverError) Unwrap() error {
	return e.originalError
}

// CastToDriverError converts an arbitrary error into a DriverError. Errors that
// already are one pass through unchanged; anything else is treated as an I/O
// failure with the original error attached.
func CastToDriverError(err error) DriverError {
	if err == nil {
		return nil
	}
	if driverErr, ok := err.(DriverError); ok {
		return driverErr
	}
	return ErrIOFailed.Wrap(err)
}
