// Package filesystem ties the superblock, inode table, directory, and open file
// table together into a mountable volume with a file-oriented API.
package filesystem

import (
	"fmt"
	"log"
	"sync/atomic"

	"github.com/dargueta/inodefs"
	"github.com/dargueta/inodefs/blockcache"
	"github.com/dargueta/inodefs/directory"
	"github.com/dargueta/inodefs/filetable"
	"github.com/dargueta/inodefs/inode"
	"github.com/dargueta/inodefs/superblock"
	"github.com/hashicorp/go-multierror"
)

// MaxFileCount is the largest number of files (including the root directory) a
// volume can be formatted for. The encoded directory must fit in the root file.
const MaxFileCount = inode.MaxFileSize / (directory.MaxNameLength + 4)

// The root directory is always stored in inode 0.
const rootInumber = 0

// ErrNotMounted is returned by every operation on a volume after Unmount.
var ErrNotMounted = filetable.ErrClosed

// FileSystem is a mounted volume. All methods are safe for concurrent use.
type FileSystem struct {
	device     inodefs.BlockDevice
	cache      *blockcache.BlockCache
	storage    inodefs.BlockDevice
	superblock *superblock.SuperBlock
	directory  *directory.Directory
	table      *filetable.Table
	logger     *log.Logger
	unmounted  atomic.Bool
}

// Mount opens the volume on `device`, formatting it with the default number of
// files if it doesn't contain a valid volume already.
//
// Inodes left open by a previous session that was never unmounted are reset so
// they can be opened again.
func Mount(device inodefs.BlockDevice, opts ...Option) (*FileSystem, error) {
	settings := defaultOptions()
	for _, opt := range opts {
		opt(&settings)
	}

	fs := &FileSystem{
		device:  device,
		storage: device,
		logger:  settings.logger,
	}
	if settings.useCache {
		fs.cache = blockcache.New(device)
		fs.storage = fs.cache
	}

	sb, formatted, err := superblock.Initialize(fs.storage, device.TotalBlocks())
	if err != nil {
		return nil, err
	}
	fs.superblock = sb

	totalInodes := int(sb.TotalInodes())
	if totalInodes > MaxFileCount {
		return nil, inodefs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"volume has %d inodes, but at most %d are supported",
				totalInodes,
				MaxFileCount,
			),
		)
	}

	if formatted {
		fs.logger.Printf(
			"no valid volume found, formatted %d blocks for %d files",
			sb.TotalBlocks(),
			totalInodes,
		)
	}

	fs.directory = directory.New(totalInodes)
	fs.table = filetable.New(fs.storage, fs.directory)

	recovered, err := fs.table.Recover(totalInodes)
	if err != nil {
		return nil, err
	}
	if recovered > 0 {
		fs.logger.Printf("reset open state of %d inodes left by an unclean unmount", recovered)
	}

	err = fs.loadDirectory()
	if err != nil {
		return nil, err
	}

	fs.logger.Printf(
		"mounted volume: %d blocks, %d files, %d in use",
		sb.TotalBlocks(),
		totalInodes,
		totalInodes-fs.directory.FreeEntries(),
	)
	return fs, nil
}

// loadDirectory reads the directory from the root file. A fresh volume has an
// empty root file, in which case the directory only contains the root.
func (fs *FileSystem) loadDirectory() error {
	handle, err := fs.open(directory.RootName, inodefs.ModeRead)
	if err != nil {
		return err
	}
	defer handle.Close()

	size, err := handle.Size()
	if err != nil || size == 0 {
		return err
	}

	data := make([]byte, size)
	_, err = handle.Read(data)
	if err != nil {
		return err
	}
	return fs.directory.Decode(data)
}

func (fs *FileSystem) checkMounted() error {
	if fs.unmounted.Load() {
		return ErrNotMounted
	}
	return nil
}

// rootFileBlocks gives the number of blocks, including any index block, needed
// to store the directory of a volume with `fileCount` files.
func rootFileBlocks(fileCount int) uint {
	dataBlocks := uint(directory.EncodedSize(fileCount)+inodefs.DefaultBlockSize-1) /
		inodefs.DefaultBlockSize
	if dataBlocks > inode.DirectPointers {
		return dataBlocks + 1
	}
	return dataBlocks
}

// Format erases the volume and rebuilds it with room for `fileCount` files,
// including the root directory. It fails with [inodefs.ErrBusy] if any files are
// open, and with [inodefs.ErrInvalidArgument] if `fileCount` isn't positive or
// the volume is too small to hold that many files.
//
// The new (empty) directory isn't persisted until the next Sync.
func (fs *FileSystem) Format(fileCount int) error {
	if err := fs.checkMounted(); err != nil {
		return err
	}
	if fileCount <= 0 || fileCount > MaxFileCount {
		return inodefs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("file count must be in [1, %d], got %d", MaxFileCount, fileCount))
	}

	totalBlocks := fs.superblock.TotalBlocks()
	dataBlocks := int(totalBlocks) - int(superblock.FirstDataBlock(uint(fileCount)))
	if dataBlocks < int(rootFileBlocks(fileCount)) {
		return inodefs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"%d blocks is too small for %d files: only %d data blocks left",
				totalBlocks,
				fileCount,
				dataBlocks,
			),
		)
	}

	err := fs.table.WithEmpty(func() error {
		err := fs.superblock.Format(fileCount)
		if err != nil {
			return err
		}
		fs.directory.Reset(fileCount)
		return nil
	})
	if err != nil {
		return err
	}

	fs.logger.Printf("formatted volume for %d files", fileCount)
	return nil
}

// Sync writes the directory to the root file, then writes the superblock, then
// flushes every modified block to the device.
func (fs *FileSystem) Sync() error {
	if err := fs.checkMounted(); err != nil {
		return err
	}
	return fs.sync()
}

func (fs *FileSystem) sync() error {
	root, err := fs.open(directory.RootName, inodefs.ModeWrite)
	if err != nil {
		return err
	}

	_, err = root.Write(fs.directory.Encode())
	return fs.finishSync(err, root.Close())
}

// syncExclusive is sync for callers that already have exclusive access to the
// whole volume, i.e. from inside WithEmpty. It writes the root file without
// going through the file table.
func (fs *FileSystem) syncExclusive() error {
	node, err := inode.Load(fs.storage, rootInumber)
	if err != nil {
		return err
	}

	root := &Handle{
		fs:   fs,
		file: &filetable.FileHandle{Inode: node, Mode: inodefs.ModeWrite},
	}
	root.file.Lock()
	defer root.file.Unlock()

	err = fs.deallocate(node)
	if err == nil {
		_, err = root.writeBlocks(fs.directory.Encode())
	}
	return fs.finishSync(err, node.Persist(fs.storage, rootInumber))
}

// finishSync writes the superblock and flushes the device after the directory
// has been written, combining any errors with `errs`.
func (fs *FileSystem) finishSync(errs ...error) error {
	var result *multierror.Error
	result = multierror.Append(result, errs...)
	result = multierror.Append(result, fs.superblock.Sync())
	result = multierror.Append(result, fs.flush())

	err := result.ErrorOrNil()
	if err != nil {
		fs.logger.Printf("sync failed: %s", err)
		return inodefs.ErrIOFailed.Wrap(err)
	}
	fs.logger.Printf("synced volume")
	return nil
}

func (fs *FileSystem) flush() error {
	if fs.cache != nil {
		return fs.cache.Flush()
	}
	if flusher, ok := fs.device.(inodefs.Flusher); ok {
		return flusher.Flush()
	}
	return nil
}

// Unmount syncs the volume and detaches it from its device. The device itself
// isn't closed. It fails with [inodefs.ErrBusy] if any files are open.
func (fs *FileSystem) Unmount() error {
	if err := fs.checkMounted(); err != nil {
		return err
	}

	err := fs.table.Shutdown(fs.syncExclusive)
	if err != nil {
		return err
	}
	fs.unmounted.Store(true)
	fs.logger.Printf("unmounted volume")
	return nil
}

// Delete removes the file called `name` and returns all of its blocks to the
// free list. If the file is open, Delete waits until it's closed.
func (fs *FileSystem) Delete(name string) error {
	if err := fs.checkMounted(); err != nil {
		return err
	}
	if name == directory.RootName {
		return inodefs.ErrInvalidArgument.WithMessage("can't delete the root directory")
	}

	file, err := fs.table.AcquireExisting(name)
	if err != nil {
		return err
	}
	file.Lock()
	defer file.Unlock()

	err = fs.truncate(file)
	if err != nil {
		fs.table.Release(file)
		return err
	}
	return fs.table.ReleaseAndUnlink(file)
}

// deallocate frees every block bound to `node`, including its index block, and
// resets it to an empty file. The caller is responsible for persisting it.
func (fs *FileSystem) deallocate(node *inode.Inode) error {
	var result *multierror.Error

	indexBlock := node.Indirect
	rawIndex, err := node.ReleaseIndexBlock(fs.storage)
	if err != nil {
		return err
	}

	if rawIndex != nil {
		for _, pointer := range inode.IndexSlots(rawIndex) {
			if pointer != inode.Unset {
				result = multierror.Append(result, fs.superblock.FreeBlock(uint32(pointer)))
			}
		}
		result = multierror.Append(result, fs.superblock.FreeBlock(uint32(indexBlock)))
	}

	for _, pointer := range node.Direct {
		if pointer != inode.Unset {
			result = multierror.Append(result, fs.superblock.FreeBlock(uint32(pointer)))
		}
	}

	node.Reset()
	return result.ErrorOrNil()
}

// Stat returns information about the file called `name`.
func (fs *FileSystem) Stat(name string) (inodefs.FileInfo, error) {
	if err := fs.checkMounted(); err != nil {
		return inodefs.FileInfo{}, err
	}

	inumber, err := fs.directory.Lookup(name)
	if err != nil {
		return inodefs.FileInfo{}, err
	}
	return fs.stat(name, inumber)
}

func (fs *FileSystem) stat(name string, inumber int) (inodefs.FileInfo, error) {
	node, err := fs.table.LoadInode(inumber)
	if err != nil {
		return inodefs.FileInfo{}, err
	}

	blocks, err := node.Blocks(fs.storage)
	if err != nil {
		return inodefs.FileInfo{}, err
	}

	return inodefs.FileInfo{
		Name:     name,
		Inumber:  inumber,
		Size:     int64(node.Length),
		Blocks:   len(blocks),
		RefCount: int(node.RefCount),
		State:    node.State.String(),
	}, nil
}

// List returns information about every file in the directory, in inode order.
// The root directory is always first.
func (fs *FileSystem) List() ([]inodefs.FileInfo, error) {
	if err := fs.checkMounted(); err != nil {
		return nil, err
	}

	entries := fs.directory.Entries()
	infos := make([]inodefs.FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := fs.stat(entry.Name, entry.Inumber)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// StatVolume returns usage statistics for the volume.
func (fs *FileSystem) StatVolume() (inodefs.VolumeStat, error) {
	if err := fs.checkMounted(); err != nil {
		return inodefs.VolumeStat{}, err
	}

	freeBlocks, err := fs.superblock.CountFree()
	if err != nil {
		return inodefs.VolumeStat{}, err
	}

	return inodefs.VolumeStat{
		BlockSize:      fs.storage.BytesPerBlock(),
		TotalBlocks:    fs.superblock.TotalBlocks(),
		FirstDataBlock: fs.superblock.FirstDataBlock(),
		BlocksFree:     freeBlocks,
		TotalInodes:    fs.superblock.TotalInodes(),
		InodesFree:     uint(fs.directory.FreeEntries()),
		MaxNameLength:  directory.MaxNameLength,
		MaxFileSize:    inode.MaxFileSize,
	}, nil
}
