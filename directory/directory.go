// Package directory implements the volume's single flat namespace, mapping file
// names to inode numbers.
//
// There is exactly one directory entry per inode, so the entry's index is the
// inode number. Entry 0 is always the root directory "/", whose contents are
// the encoded directory itself.
package directory

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/dargueta/inodefs"
)

// MaxNameLength is the longest a file name can be, in bytes.
const MaxNameLength = 30

// RootName is the name of entry 0.
const RootName = "/"

const lengthFieldSize = 4

// EncodedSize gives the number of bytes an encoded directory with `capacity`
// entries takes up.
func EncodedSize(capacity int) int {
	return capacity * (lengthFieldSize + MaxNameLength)
}

// Entry is a single allocated slot in the directory.
type Entry struct {
	Inumber int
	Name    string
}

// Directory is the in-memory copy of the directory. It's safe for concurrent
// use.
type Directory struct {
	names []string
	lock  sync.RWMutex
}

// New creates an empty directory with room for `capacity` files, including the
// root.
func New(capacity int) *Directory {
	if capacity < 1 {
		capacity = 1
	}
	names := make([]string, capacity)
	names[0] = RootName
	return &Directory{names: names}
}

// Reset discards every entry and resizes the directory to hold `capacity`
// files, including the root.
func (dir *Directory) Reset(capacity int) {
	if capacity < 1 {
		capacity = 1
	}

	dir.lock.Lock()
	defer dir.lock.Unlock()
	dir.names = make([]string, capacity)
	dir.names[0] = RootName
}

// Capacity gives the total number of entries, allocated or not.
func (dir *Directory) Capacity() int {
	dir.lock.RLock()
	defer dir.lock.RUnlock()
	return len(dir.names)
}

// Decode replaces the contents of the directory with the encoded form in `data`,
// as produced by Encode. Entry 0 is always the root, regardless of what `data`
// says.
//
// The encoding is every entry's name length as a big-endian uint32, followed by
// every entry's name padded with null bytes to MaxNameLength.
func (dir *Directory) Decode(data []byte) error {
	dir.lock.Lock()
	defer dir.lock.Unlock()

	capacity := len(dir.names)
	if len(data) < EncodedSize(capacity) {
		return inodefs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"directory with %d entries needs %d bytes, got %d",
				capacity,
				EncodedSize(capacity),
				len(data),
			),
		)
	}

	names := make([]string, capacity)
	namesStart := capacity * lengthFieldSize
	for i := range names {
		length := binary.BigEndian.Uint32(data[i*lengthFieldSize:])
		if length > MaxNameLength {
			return inodefs.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("entry %d has invalid name length %d", i, length))
		}

		nameStart := namesStart + i*MaxNameLength
		names[i] = string(data[nameStart : nameStart+int(length)])
	}

	names[0] = RootName
	dir.names = names
	return nil
}

// Encode serializes the directory into the format Decode reads.
func (dir *Directory) Encode() []byte {
	dir.lock.RLock()
	defer dir.lock.RUnlock()

	capacity := len(dir.names)
	data := make([]byte, EncodedSize(capacity))
	namesStart := capacity * lengthFieldSize
	for i, name := range dir.names {
		binary.BigEndian.PutUint32(data[i*lengthFieldSize:], uint32(len(name)))
		copy(data[namesStart+i*MaxNameLength:], name)
	}
	return data
}

func validateName(name string) error {
	if name == "" {
		return inodefs.ErrInvalidArgument.WithMessage("file name can't be empty")
	}
	if len(name) > MaxNameLength {
		return inodefs.ErrNameTooLong.WithMessage(
			fmt.Sprintf("%q is %d bytes, limit is %d", name, len(name), MaxNameLength))
	}
	return nil
}

// Allocate assigns the lowest free inode number to `name` and returns it. It
// fails with [inodefs.ErrDirectoryFull] if every entry is in use.
func (dir *Directory) Allocate(name string) (int, error) {
	if err := validateName(name); err != nil {
		return -1, err
	}

	dir.lock.Lock()
	defer dir.lock.Unlock()

	free := -1
	for i, existing := range dir.names {
		if existing == name {
			return -1, inodefs.ErrExists.WithMessage(
				fmt.Sprintf("%q is already inode %d", name, i))
		}
		if existing == "" && free < 0 {
			free = i
		}
	}

	if free < 0 {
		return -1, inodefs.ErrDirectoryFull
	}
	dir.names[free] = name
	return free, nil
}

// Release frees the entry for `inumber`. The root can't be released.
func (dir *Directory) Release(inumber int) error {
	dir.lock.Lock()
	defer dir.lock.Unlock()

	if inumber <= 0 || inumber >= len(dir.names) {
		return inodefs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("can't release inode %d: not in [1, %d)", inumber, len(dir.names)))
	}
	if dir.names[inumber] == "" {
		return inodefs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("inode %d isn't allocated", inumber))
	}

	dir.names[inumber] = ""
	return nil
}

// Lookup returns the inode number of `name`.
func (dir *Directory) Lookup(name string) (int, error) {
	dir.lock.RLock()
	defer dir.lock.RUnlock()

	if name != "" {
		for i, existing := range dir.names {
			if existing == name {
				return i, nil
			}
		}
	}
	return -1, inodefs.ErrNotFound.WithMessage(fmt.Sprintf("no file named %q", name))
}

// Name gives the name of the file using `inumber`, or an empty string if the
// entry is free.
func (dir *Directory) Name(inumber int) string {
	dir.lock.RLock()
	defer dir.lock.RUnlock()

	if inumber < 0 || inumber >= len(dir.names) {
		return ""
	}
	return dir.names[inumber]
}

// Entries lists every allocated entry in inode order. The root is always first.
func (dir *Directory) Entries() []Entry {
	dir.lock.RLock()
	defer dir.lock.RUnlock()

	entries := make([]Entry, 0, len(dir.names))
	for i, name := range dir.names {
		if name != "" {
			entries = append(entries, Entry{Inumber: i, Name: name})
		}
	}
	return entries
}

// FreeEntries gives the number of unallocated entries.
func (dir *Directory) FreeEntries() int {
	dir.lock.RLock()
	defer dir.lock.RUnlock()

	count := 0
	for _, name := range dir.names {
		if name == "" {
			count++
		}
	}
	return count
}
