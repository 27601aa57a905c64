package inodefs

import "fmt"

// OpenMode determines what I/O operations a file handle allows.
type OpenMode int

const (
	// ModeRead opens an existing file for reading. Any number of readers may
	// have the same file open at once.
	ModeRead OpenMode = iota
	// ModeWrite opens a file for writing, creating it if needed and truncating
	// any existing content. Writers have exclusive access to the file.
	ModeWrite
	// ModeAppend is like ModeWrite except existing content is kept, and every
	// write goes to the end of the file.
	ModeAppend
)

// ParseOpenMode converts the traditional mode strings "r", "w", and "a" into
// an OpenMode.
func ParseOpenMode(mode string) (OpenMode, error) {
	switch mode {
	case "r":
		return ModeRead, nil
	case "w":
		return ModeWrite, nil
	case "a":
		return ModeAppend, nil
	default:
		return ModeRead, ErrInvalidArgument.WithMessage(
			fmt.Sprintf("unrecognized open mode %q, expected \"r\", \"w\", or \"a\"", mode))
	}
}

func (mode OpenMode) String() string {
	switch mode {
	case ModeRead:
		return "r"
	case ModeWrite:
		return "w"
	case ModeAppend:
		return "a"
	default:
		return fmt.Sprintf("OpenMode(%d)", int(mode))
	}
}

// CanRead returns true if handles opened with this mode may be read from.
func (mode OpenMode) CanRead() bool {
	return mode == ModeRead
}

// CanWrite returns true if handles opened with this mode may be written to.
func (mode OpenMode) CanWrite() bool {
	return mode == ModeWrite || mode == ModeAppend
}
