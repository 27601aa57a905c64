package filesystem

import (
	"errors"
	"fmt"
	"io"

	"github.com/dargueta/inodefs"
	"github.com/dargueta/inodefs/directory"
	"github.com/dargueta/inodefs/filetable"
	"github.com/dargueta/inodefs/inode"
)

// Handle is an open file. It implements [io.Reader], [io.Writer], [io.Seeker],
// and [io.Closer]. Operations on a single handle are serialized, so concurrent
// callers never see a half-updated seek pointer.
type Handle struct {
	fs   *FileSystem
	file *filetable.FileHandle
	// closed is guarded by the lock on `file`.
	closed bool
}

// Open opens the file called `name`. `mode` is one of "r", "w", or "a":
//
//   - "r" opens an existing file for reading.
//   - "w" opens a file for writing, creating it if needed. Existing content is
//     discarded.
//   - "a" opens a file for writing, creating it if needed. Every write goes to
//     the end of the file.
//
// Any number of handles may read a file at once, but a writer has exclusive
// access. Open blocks until the file can be opened in the requested mode.
func (fs *FileSystem) Open(name, mode string) (*Handle, error) {
	openMode, err := inodefs.ParseOpenMode(mode)
	if err != nil {
		return nil, err
	}
	return fs.OpenMode(name, openMode)
}

// OpenMode is like Open but takes an already-parsed mode.
func (fs *FileSystem) OpenMode(name string, mode inodefs.OpenMode) (*Handle, error) {
	if err := fs.checkMounted(); err != nil {
		return nil, err
	}
	if name == directory.RootName && mode.CanWrite() {
		return nil, inodefs.ErrNotPermitted.WithMessage(
			"the root directory can only be opened for reading")
	}
	return fs.open(name, mode)
}

func (fs *FileSystem) open(name string, mode inodefs.OpenMode) (*Handle, error) {
	file, err := fs.table.Acquire(name, mode)
	if err != nil {
		return nil, err
	}

	handle := &Handle{fs: fs, file: file}
	file.Lock()
	defer file.Unlock()

	switch mode {
	case inodefs.ModeWrite:
		err = fs.truncate(file)
	case inodefs.ModeAppend:
		file.SeekPtr = int64(file.Inode.Length)
	}

	if err != nil {
		fs.table.Release(file)
		return nil, err
	}
	return handle, nil
}

// truncate frees every block in an open file. The caller must hold the lock on
// `file`.
func (fs *FileSystem) truncate(file *filetable.FileHandle) error {
	if file.Inode.RefCount != 1 {
		return inodefs.ErrBusy.WithMessage(
			fmt.Sprintf(
				"can't truncate inode %d with %d open handles",
				file.Inumber,
				file.Inode.RefCount,
			),
		)
	}
	if file.Inode.Length == 0 && file.Inode.Direct[0] == inode.Unset {
		return nil
	}

	err := fs.deallocate(file.Inode)
	if err != nil {
		return err
	}
	file.SeekPtr = 0
	return fs.table.Persist(file)
}

// Close releases the handle. Once every handle created with Dup from the same
// Open call is closed, the file can be opened by others again.
func (fs *FileSystem) Close(handle *Handle) error {
	return handle.Close()
}

// Size gives the current length of the file, in bytes.
func (fs *FileSystem) Size(handle *Handle) (int64, error) {
	return handle.Size()
}

// Read reads from the file at the handle's seek pointer.
func (fs *FileSystem) Read(handle *Handle, buffer []byte) (int, error) {
	return handle.Read(buffer)
}

// Write writes to the file at the handle's seek pointer.
func (fs *FileSystem) Write(handle *Handle, data []byte) (int, error) {
	return handle.Write(data)
}

// Seek moves the handle's seek pointer.
func (fs *FileSystem) Seek(handle *Handle, offset int64, whence int) (int64, error) {
	return handle.Seek(offset, whence)
}

// checkUsable verifies the handle can be used for I/O. The caller must hold the
// file lock.
func (handle *Handle) checkUsable() error {
	if handle.closed {
		return inodefs.ErrInvalidFileDescriptor
	}
	if err := handle.fs.checkMounted(); err != nil {
		return err
	}
	if handle.file.Poisoned {
		return inodefs.ErrChainCorruption.WithMessage(
			fmt.Sprintf("inode %d is corrupted, handle can only be closed", handle.file.Inumber))
	}
	return nil
}

// Name gives the name the file was opened under, or an empty string if it's
// been deleted.
func (handle *Handle) Name() string {
	return handle.fs.directory.Name(handle.file.Inumber)
}

// Inumber gives the inode number of the open file.
func (handle *Handle) Inumber() int {
	return handle.file.Inumber
}

// Mode gives the mode the file was opened in.
func (handle *Handle) Mode() inodefs.OpenMode {
	return handle.file.Mode
}

// Dup creates a new handle on the same open file, sharing its seek pointer. The
// file stays open until all handles are closed.
func (handle *Handle) Dup() (*Handle, error) {
	handle.file.Lock()
	defer handle.file.Unlock()

	if handle.closed {
		return nil, inodefs.ErrInvalidFileDescriptor
	}
	err := handle.fs.table.Dup(handle.file)
	if err != nil {
		return nil, err
	}
	return &Handle{fs: handle.fs, file: handle.file}, nil
}

// Close releases the handle. Closing it again fails with
// [inodefs.ErrInvalidFileDescriptor].
func (handle *Handle) Close() error {
	handle.file.Lock()
	defer handle.file.Unlock()

	if handle.closed {
		return inodefs.ErrInvalidFileDescriptor
	}

	found, err := handle.fs.table.Release(handle.file)
	handle.closed = true
	if err != nil {
		return err
	}
	if !found {
		return inodefs.ErrInvalidFileDescriptor
	}
	return nil
}

// Size gives the current length of the file, in bytes.
func (handle *Handle) Size() (int64, error) {
	handle.file.Lock()
	defer handle.file.Unlock()

	if handle.closed {
		return 0, inodefs.ErrInvalidFileDescriptor
	}
	return int64(handle.file.Inode.Length), nil
}

// Read implements [io.Reader]. It reads up to len(buffer) bytes starting at the
// seek pointer, stopping early at the end of the file. If the seek pointer is
// already at the end of the file, it returns 0 and [io.EOF].
//
// Handles opened for writing can't be read from.
func (handle *Handle) Read(buffer []byte) (int, error) {
	handle.file.Lock()
	defer handle.file.Unlock()

	if err := handle.checkUsable(); err != nil {
		return 0, err
	}
	if !handle.file.Mode.CanRead() {
		return 0, inodefs.ErrModeViolation.WithMessage(
			fmt.Sprintf("can't read from a handle opened with mode %q", handle.file.Mode))
	}
	if len(buffer) == 0 {
		return 0, nil
	}

	storage := handle.fs.storage
	file := handle.file
	length := int64(file.Inode.Length)
	blockBuffer := make([]byte, storage.BytesPerBlock())
	blockSize := int64(len(blockBuffer))

	total := 0
	for total < len(buffer) && file.SeekPtr < length {
		block, err := file.Inode.ResolveBlock(storage, file.SeekPtr)
		if err != nil {
			return total, err
		}
		if block == inode.Unset {
			break
		}

		err = storage.ReadBlock(uint(block), blockBuffer)
		if err != nil {
			return total, err
		}

		offsetInBlock := file.SeekPtr % blockSize
		count := minInt64(
			blockSize-offsetInBlock,
			int64(len(buffer)-total),
			length-file.SeekPtr,
		)
		copy(buffer[total:], blockBuffer[offsetInBlock:offsetInBlock+count])

		total += int(count)
		file.SeekPtr += count
	}

	if total == 0 {
		return 0, io.EOF
	}
	return total, nil
}

// Write implements [io.Writer]. It writes `data` starting at the seek pointer,
// or at the end of the file for handles opened in append mode, allocating
// blocks as needed.
//
// If the volume runs out of space or the file reaches its maximum size, Write
// returns the number of bytes written so far along with the error. Either way,
// the inode is persisted before returning.
//
// Handles opened for reading can't be written to.
func (handle *Handle) Write(data []byte) (int, error) {
	handle.file.Lock()
	defer handle.file.Unlock()

	if err := handle.checkUsable(); err != nil {
		return 0, err
	}
	if !handle.file.Mode.CanWrite() {
		return 0, inodefs.ErrModeViolation.WithMessage(
			fmt.Sprintf("can't write to a handle opened with mode %q", handle.file.Mode))
	}

	file := handle.file
	if file.Mode == inodefs.ModeAppend {
		file.SeekPtr = int64(file.Inode.Length)
	}

	total, writeErr := handle.writeBlocks(data)
	persistErr := handle.fs.table.Persist(file)
	if writeErr != nil {
		return total, writeErr
	}
	return total, persistErr
}

// writeBlocks does the actual work for Write. The caller must hold the lock.
func (handle *Handle) writeBlocks(data []byte) (int, error) {
	fs := handle.fs
	file := handle.file
	blockBuffer := make([]byte, fs.storage.BytesPerBlock())
	blockSize := int64(len(blockBuffer))

	total := 0
	for total < len(data) {
		if file.SeekPtr >= inode.MaxFileSize {
			return total, inodefs.ErrFileTooLarge.WithMessage(
				fmt.Sprintf("files can't be larger than %d bytes", inode.MaxFileSize))
		}

		offsetInBlock := file.SeekPtr % blockSize
		count := minInt64(blockSize-offsetInBlock, int64(len(data)-total))

		block, err := file.Inode.ResolveBlock(fs.storage, file.SeekPtr)
		if err != nil {
			return total, err
		}

		if block == inode.Unset {
			// Newly allocated blocks are zero-filled, no need to read them.
			block, err = handle.allocateBlock()
			if err != nil {
				return total, err
			}
			for i := range blockBuffer {
				blockBuffer[i] = 0
			}
		} else if count < blockSize {
			err = fs.storage.ReadBlock(uint(block), blockBuffer)
			if err != nil {
				return total, err
			}
		}

		copy(blockBuffer[offsetInBlock:], data[total:total+int(count)])
		err = fs.storage.WriteBlock(uint(block), blockBuffer)
		if err != nil {
			return total, err
		}

		total += int(count)
		file.SeekPtr += count
		if file.SeekPtr > int64(file.Inode.Length) {
			file.Inode.Length = int32(file.SeekPtr)
		}
	}
	return total, nil
}

// allocateBlock gets a free block and binds it at the seek pointer, allocating
// an index block first if needed. If the block map turns out to be corrupted,
// the handle is poisoned.
func (handle *Handle) allocateBlock() (inode.BlockPointer, error) {
	fs := handle.fs
	file := handle.file

	rawBlock, err := fs.superblock.AllocateBlock()
	if err != nil {
		return inode.Unset, err
	}
	block := inode.BlockPointer(rawBlock)

	err = file.Inode.BindBlock(fs.storage, file.SeekPtr, block)
	if errors.Is(err, inode.ErrIndirectUnset) {
		err = handle.allocateIndexBlock()
		if err == nil {
			err = file.Inode.BindBlock(fs.storage, file.SeekPtr, block)
		}
	}

	if err != nil {
		fs.superblock.FreeBlock(rawBlock)
		if errors.Is(err, inodefs.ErrChainCorruption) {
			file.Poisoned = true
			fs.logger.Printf(
				"inode %d: corrupted block map at offset %d: %s",
				file.Inumber,
				file.SeekPtr,
				err,
			)
		}
		return inode.Unset, err
	}
	return block, nil
}

func (handle *Handle) allocateIndexBlock() error {
	fs := handle.fs

	rawBlock, err := fs.superblock.AllocateBlock()
	if err != nil {
		return err
	}

	err = handle.file.Inode.BindIndexBlock(fs.storage, inode.BlockPointer(rawBlock))
	if err != nil {
		fs.superblock.FreeBlock(rawBlock)
		return err
	}
	return nil
}

// Seek implements [io.Seeker]. The new position must be within [0, Size()]; in
// particular, seeking past the end of the file isn't allowed.
func (handle *Handle) Seek(offset int64, whence int) (int64, error) {
	handle.file.Lock()
	defer handle.file.Unlock()

	if err := handle.checkUsable(); err != nil {
		return 0, err
	}

	file := handle.file
	length := int64(file.Inode.Length)

	var position int64
	switch whence {
	case inodefs.SeekStart:
		position = offset
	case inodefs.SeekCurrent:
		position = file.SeekPtr + offset
	case inodefs.SeekEnd:
		position = length + offset
	default:
		return file.SeekPtr, inodefs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("invalid whence value %d", whence))
	}

	if position < 0 || position > length {
		return file.SeekPtr, inodefs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("can't seek to %d: not in [0, %d]", position, length))
	}
	file.SeekPtr = position
	return position, nil
}

func minInt64(first int64, rest ...int64) int64 {
	result := first
	for _, value := range rest {
		if value < result {
			result = value
		}
	}
	return result
}
