// Package filetable tracks every open file on a volume and enforces the
// single-writer, multiple-reader rule for each inode.
//
// A file may be open by any number of readers, or by exactly one writer. A
// caller that can't be admitted blocks in Acquire until a handle on the file is
// released.
package filetable

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dargueta/inodefs"
	"github.com/dargueta/inodefs/directory"
	"github.com/dargueta/inodefs/inode"
)

// ErrClosed is returned when opening a file through a table that's been shut
// down.
var ErrClosed = inodefs.ErrInvalidArgument.WithMessage("volume is not mounted")

// FileHandle is one open file. It holds a private copy of the file's inode
// which is written back to the inode table on release (for writers) and at the
// end of every write.
//
// The fields must only be accessed while holding the handle's lock. Handles
// returned by Acquire are unlocked.
type FileHandle struct {
	Inode   *inode.Inode
	Inumber int
	Mode    inodefs.OpenMode
	// SeekPtr is the offset of the next byte to read or write.
	SeekPtr int64
	// Poisoned is set when the inode's block map turns out to be inconsistent.
	// No more I/O is possible on the handle, but it still has to be released.
	Poisoned bool

	refCount int
	lock     sync.Mutex
}

func (handle *FileHandle) Lock() {
	handle.lock.Lock()
}

func (handle *FileHandle) Unlock() {
	handle.lock.Unlock()
}

// Table is the set of open files on a volume. All methods are safe for
// concurrent use.
type Table struct {
	device    inodefs.BlockDevice
	directory *directory.Directory
	handles   map[*FileHandle]struct{}
	lock      sync.Mutex
	released  *sync.Cond
	closed    bool
}

// New creates an empty table for a volume whose inodes live on `device`.
func New(device inodefs.BlockDevice, dir *directory.Directory) *Table {
	table := &Table{
		device:    device,
		directory: dir,
		handles:   make(map[*FileHandle]struct{}),
	}
	table.released = sync.NewCond(&table.lock)
	return table
}

func canAdmit(state inode.State, mode inodefs.OpenMode) bool {
	switch state {
	case inode.Unused, inode.Used:
		return true
	case inode.Reading:
		return mode == inodefs.ModeRead
	default:
		return false
	}
}

// Acquire opens the file called `name`, creating it if it doesn't exist and
// `mode` allows writing. If the file is open in a conflicting mode, Acquire
// waits until it isn't.
//
// The inode's reference count and state are updated on disk before returning.
func (table *Table) Acquire(name string, mode inodefs.OpenMode) (*FileHandle, error) {
	return table.acquire(name, mode, mode.CanWrite())
}

// AcquireExisting opens an existing file for exclusive writing without
// creating it. It fails with [inodefs.ErrNotFound] if the file doesn't exist,
// including when it's deleted while waiting for other handles to close.
func (table *Table) AcquireExisting(name string) (*FileHandle, error) {
	return table.acquire(name, inodefs.ModeWrite, false)
}

func (table *Table) acquire(
	name string, mode inodefs.OpenMode, create bool,
) (*FileHandle, error) {
	table.lock.Lock()
	defer table.lock.Unlock()

	for {
		if table.closed {
			return nil, ErrClosed
		}

		inumber, err := table.directory.Lookup(name)
		if err != nil {
			if !errors.Is(err, inodefs.ErrNotFound) || !create {
				return nil, err
			}
			return table.create(name, mode)
		}

		node, err := inode.Load(table.device, inumber)
		if err != nil {
			return nil, err
		}

		if canAdmit(node.State, mode) {
			return table.admit(node, inumber, mode)
		}
		// The file may be deleted or recreated while we wait, so start over
		// from the lookup once woken.
		table.released.Wait()
	}
}

// create makes a new file for writing. The caller must hold the lock.
func (table *Table) create(name string, mode inodefs.OpenMode) (*FileHandle, error) {
	inumber, err := table.directory.Allocate(name)
	if err != nil {
		return nil, err
	}

	handle, err := table.admit(inode.New(), inumber, mode)
	if err != nil {
		table.directory.Release(inumber)
		return nil, err
	}
	return handle, nil
}

// admit registers a new handle on an inode. The caller must hold the lock.
func (table *Table) admit(
	node *inode.Inode, inumber int, mode inodefs.OpenMode,
) (*FileHandle, error) {
	if mode.CanWrite() {
		node.State = inode.Writing
	} else {
		node.State = inode.Reading
	}
	node.RefCount++

	err := node.Persist(table.device, inumber)
	if err != nil {
		return nil, err
	}

	handle := &FileHandle{
		Inode:    node.Clone(),
		Inumber:  inumber,
		Mode:     mode,
		refCount: 1,
	}
	table.handles[handle] = struct{}{}
	return handle, nil
}

// Dup adds a reference to an open handle. The handle stays open until Release
// has been called once for each reference.
func (table *Table) Dup(handle *FileHandle) error {
	table.lock.Lock()
	defer table.lock.Unlock()

	if _, ok := table.handles[handle]; !ok {
		return inodefs.ErrInvalidFileDescriptor
	}
	handle.refCount++
	return nil
}

// Release drops a reference to `handle`. When the last reference is gone, the
// handle is removed from the table and the inode is updated: a writer's block
// map and length are copied into it, its reference count goes down, and waiting
// callers of Acquire are woken.
//
// The boolean is false if the handle isn't in the table, e.g. because it was
// already released. The caller must hold the handle's lock.
func (table *Table) Release(handle *FileHandle) (bool, error) {
	table.lock.Lock()
	defer table.lock.Unlock()

	if _, ok := table.handles[handle]; !ok {
		return false, nil
	}
	if handle.refCount > 1 {
		handle.refCount--
		return true, nil
	}

	handle.refCount = 0
	delete(table.handles, handle)
	defer table.released.Broadcast()

	node, err := inode.Load(table.device, handle.Inumber)
	if err != nil {
		return true, err
	}

	if handle.Mode.CanWrite() {
		copyBlockMap(node, handle.Inode)
	}

	if node.RefCount > 0 {
		node.RefCount--
	}
	if node.RefCount == 0 {
		node.State = inode.Unused
	} else {
		// Writers are always the only holder, so whoever is left is reading.
		node.State = inode.Reading
	}
	return true, node.Persist(table.device, handle.Inumber)
}

func copyBlockMap(dest, src *inode.Inode) {
	dest.Length = src.Length
	dest.Direct = src.Direct
	dest.Indirect = src.Indirect
}

// Persist writes the length and block map of a writer's copy of the inode to
// the inode table. The reference count and state on disk are left alone. The
// caller must hold the handle's lock.
func (table *Table) Persist(handle *FileHandle) error {
	if !handle.Mode.CanWrite() {
		return inodefs.ErrModeViolation.WithMessage("can't persist a read-only handle")
	}

	table.lock.Lock()
	defer table.lock.Unlock()

	node, err := inode.Load(table.device, handle.Inumber)
	if err != nil {
		return err
	}
	copyBlockMap(node, handle.Inode)
	return node.Persist(table.device, handle.Inumber)
}

// LoadInode reads inode `inumber` while holding the table lock, so the result
// is never a partially updated record.
func (table *Table) LoadInode(inumber int) (*inode.Inode, error) {
	table.lock.Lock()
	defer table.lock.Unlock()
	return inode.Load(table.device, inumber)
}

// IsEmpty determines if there are no open files.
func (table *Table) IsEmpty() bool {
	table.lock.Lock()
	defer table.lock.Unlock()
	return len(table.handles) == 0
}

// OpenCount gives the number of open handles, not counting duplicates.
func (table *Table) OpenCount() int {
	table.lock.Lock()
	defer table.lock.Unlock()
	return len(table.handles)
}

// ReleaseAndUnlink closes `handle` and deletes its file in one step, so no
// other caller can open the file in between. The handle must be the file's only
// one, opened for writing, and the file must already be empty. The caller must
// hold the handle's lock.
func (table *Table) ReleaseAndUnlink(handle *FileHandle) error {
	table.lock.Lock()
	defer table.lock.Unlock()

	if _, ok := table.handles[handle]; !ok {
		return inodefs.ErrInvalidFileDescriptor
	}
	if !handle.Mode.CanWrite() || handle.refCount != 1 {
		return inodefs.ErrBusy.WithMessage(
			fmt.Sprintf("inode %d isn't held exclusively", handle.Inumber))
	}

	handle.refCount = 0
	delete(table.handles, handle)
	defer table.released.Broadcast()

	err := table.directory.Release(handle.Inumber)
	if err != nil {
		return err
	}

	cleared := inode.New()
	cleared.State = inode.Unused
	return cleared.Persist(table.device, handle.Inumber)
}

// WithEmpty runs `action` while holding the table lock, so no file can be
// opened or closed until it returns. It fails with [inodefs.ErrBusy] without
// calling `action` if any files are open, or with [ErrClosed] after Shutdown.
func (table *Table) WithEmpty(action func() error) error {
	table.lock.Lock()
	defer table.lock.Unlock()
	return table.withEmpty(action)
}

func (table *Table) withEmpty(action func() error) error {
	if table.closed {
		return ErrClosed
	}
	if len(table.handles) != 0 {
		return inodefs.ErrBusy.WithMessage(
			fmt.Sprintf("%d files are open", len(table.handles)))
	}
	defer table.released.Broadcast()
	return action()
}

// Shutdown runs `action` like WithEmpty, then closes the table if it succeeded.
// Callers waiting in Acquire are woken, and every later Acquire fails with
// [ErrClosed].
func (table *Table) Shutdown(action func() error) error {
	table.lock.Lock()
	defer table.lock.Unlock()

	err := table.withEmpty(action)
	if err != nil {
		return err
	}
	table.closed = true
	return nil
}

// Recover resets the reference count and open state of inodes [0, totalInodes),
// for use when mounting a volume that wasn't cleanly unmounted. It returns the
// number of inodes that were changed. The table must be empty.
func (table *Table) Recover(totalInodes int) (int, error) {
	changed := 0
	err := table.WithEmpty(func() error {
		for inumber := 0; inumber < totalInodes; inumber++ {
			node, err := inode.Load(table.device, inumber)
			if err != nil {
				return err
			}
			if node.RefCount == 0 && node.State != inode.Reading && node.State != inode.Writing {
				continue
			}

			node.RefCount = 0
			node.State = inode.Unused
			err = node.Persist(table.device, inumber)
			if err != nil {
				return err
			}
			changed++
		}
		return nil
	})
	return changed, err
}
