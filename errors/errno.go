// This is a compatibility shim for POSIX-defined errno codes across platforms.
// The syscall package doesn't define all the values we need on all systems,
// particularly things like EUCLEAN.

package errors

import (
	"fmt"
)

type Errno int

var errorMessagesByCode map[Errno]string

const (
	EOK Errno = iota
	EPERM
	ENOENT
	EIO
	EBADF
	EBUSY
	EEXIST
	EINVAL
	ENFILE
	EFBIG
	ENOSPC
	ESPIPE
	ENAMETOOLONG
	ENODATA
	EALREADY
	EUCLEAN
)

func init() {
	errorMessagesByCode = make(map[Errno]string, 16)
	errorMessagesByCode[EOK] = "Success"
	errorMessagesByCode[EPERM] = "Operation not permitted"
	errorMessagesByCode[ENOENT] = "No such file or directory"
	errorMessagesByCode[EIO] = "Input/output error"
	errorMessagesByCode[EBADF] = "Bad file descriptor"
	errorMessagesByCode[EBUSY] = "Device or resource busy"
	errorMessagesByCode[EEXIST] = "File exists"
	errorMessagesByCode[EINVAL] = "Invalid argument"
	errorMessagesByCode[ENFILE] = "Too many open files in system"
	errorMessagesByCode[EFBIG] = "File too large"
	errorMessagesByCode[ENOSPC] = "No space left on device"
	errorMessagesByCode[ESPIPE] = "Illegal seek"
	errorMessagesByCode[ENAMETOOLONG] = "File name too long"
	errorMessagesByCode[ENODATA] = "No data available"
	errorMessagesByCode[EALREADY] = "Operation already in progress"
	errorMessagesByCode[EUCLEAN] = "Structure needs cleaning"
}

// StrError returns the standard message for an errno code.
func StrError(code Errno) string {
	message, ok := errorMessagesByCode[code]
	if ok {
		return message
	}
	return fmt.Sprintf("error %d not recognized.", int(code))
}

func (code Errno) String() string {
	return StrError(code)
}
