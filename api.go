package inodefs

import (
	"io"
)

// DefaultBlockSize is the size of a block on every volume, in bytes.
const DefaultBlockSize = 512

// BlockDevice is the raw storage a volume lives on: a fixed number of
// fixed-size blocks addressed by index.
//
// `buffer` must always be exactly BytesPerBlock() bytes long. Implementations
// must return an error for indexes outside [0, TotalBlocks()).
type BlockDevice interface {
	BytesPerBlock() uint
	TotalBlocks() uint
	ReadBlock(index uint, buffer []byte) error
	WriteBlock(index uint, buffer []byte) error
}

// Flusher is implemented by devices that buffer writes, such as a block cache.
// Flush must write all pending changes to the backing storage.
type Flusher interface {
	Flush() error
}

// Whence values for seeking. These are the same as the ones in the io package
// so callers can use either.
const (
	SeekStart   = io.SeekStart
	SeekCurrent = io.SeekCurrent
	SeekEnd     = io.SeekEnd
)

// FileInfo describes a single file in the volume's directory.
type FileInfo struct {
	Name    string `csv:"name"`
	Inumber int    `csv:"inode"`
	Size    int64  `csv:"size"`
	// Blocks is the number of data blocks bound to the file. It doesn't include
	// the index block, if the file has one.
	Blocks   int    `csv:"blocks"`
	RefCount int    `csv:"refs"`
	State    string `csv:"state"`
}

// VolumeStat gives usage statistics for a mounted volume. It's the analogue of
// statvfs(3).
type VolumeStat struct {
	BlockSize      uint
	TotalBlocks    uint
	FirstDataBlock uint
	BlocksFree     uint
	TotalInodes    uint
	InodesFree     uint
	MaxNameLength  uint
	MaxFileSize    int64
}
