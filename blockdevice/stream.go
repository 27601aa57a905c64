// Package blockdevice provides [inodefs.BlockDevice] implementations backed by
// ordinary byte streams: disk image files, or byte slices in memory.
package blockdevice

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dargueta/inodefs"
	"github.com/xaionaro-go/bytesextra"
)

// Stream is an abstraction layer around a stream to make it look like a block
// device, e.g. a file that can only be read from or written to in units of its
// fundamental size, a "block".
//
// Stream is safe for concurrent use. A seek followed by a read or write is a
// single critical section.
type Stream struct {
	bytesPerBlock uint
	totalBlocks   uint
	// startOffset is an offset from the beginning of the stream, in bytes, that
	// will be considered the beginning of block 0 for the device. This is useful
	// for skipping over headers or other volumes stored on the same image.
	startOffset int64
	stream      io.ReadWriteSeeker
	lock        sync.Mutex
}

// New wraps a stream. The stream must already be at least
// `startOffset + totalBlocks * bytesPerBlock` bytes long.
func New(
	stream io.ReadWriteSeeker, totalBlocks uint, bytesPerBlock uint, startOffset int64,
) *Stream {
	return &Stream{
		bytesPerBlock: bytesPerBlock,
		totalBlocks:   totalBlocks,
		startOffset:   startOffset,
		stream:        stream,
	}
}

// NewSectorDevice is a constructor that creates a new Stream with 512-byte
// blocks that starts from an offset of 0.
func NewSectorDevice(stream io.ReadWriteSeeker, totalBlocks uint) *Stream {
	return New(stream, totalBlocks, inodefs.DefaultBlockSize, 0)
}

// NewMemory creates a zero-filled device of `totalBlocks` 512-byte blocks held
// entirely in memory.
func NewMemory(totalBlocks uint) *Stream {
	backing := make([]byte, totalBlocks*inodefs.DefaultBlockSize)
	return NewSectorDevice(bytesextra.NewReadWriteSeeker(backing), totalBlocks)
}

// NewMemoryFromBytes creates an in-memory device on top of an existing image.
// Writes to the device modify `image` directly. The length of `image` must be
// a multiple of `bytesPerBlock`.
func NewMemoryFromBytes(image []byte, bytesPerBlock uint) (*Stream, error) {
	if bytesPerBlock == 0 || uint(len(image))%bytesPerBlock != 0 {
		return nil, inodefs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"image size %d is not a multiple of the block size %d",
				len(image),
				bytesPerBlock,
			),
		)
	}
	totalBlocks := uint(len(image)) / bytesPerBlock
	return New(bytesextra.NewReadWriteSeeker(image), totalBlocks, bytesPerBlock, 0), nil
}

// OpenImage opens a disk image file on the host. If `totalBlocks` is 0 the
// size is inferred from the file, otherwise the file is created if needed and
// resized to exactly `totalBlocks` 512-byte blocks.
func OpenImage(path string, totalBlocks uint) (*Stream, error) {
	flags := os.O_RDWR
	if totalBlocks > 0 {
		flags |= os.O_CREATE
	}

	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, inodefs.ErrIOFailed.Wrap(err)
	}

	if totalBlocks == 0 {
		totalBlocks, err = DetermineBlockCount(file, inodefs.DefaultBlockSize)
		if err != nil {
			file.Close()
			return nil, inodefs.ErrIOFailed.Wrap(err)
		}
	} else {
		err = file.Truncate(int64(totalBlocks) * inodefs.DefaultBlockSize)
		if err != nil {
			file.Close()
			return nil, inodefs.ErrIOFailed.Wrap(err)
		}
	}
	return NewSectorDevice(file, totalBlocks), nil
}

// DetermineBlockCount gives the total number of blocks in a stream, rounded down
// to the nearest block.
func DetermineBlockCount(stream io.Seeker, blockSize uint) (uint, error) {
	offset, err := stream.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	return uint(offset / int64(blockSize)), nil
}

// BytesPerBlock gives the size of a block on this device, in bytes.
func (device *Stream) BytesPerBlock() uint {
	return device.bytesPerBlock
}

// TotalBlocks gives the number of blocks on this device.
func (device *Stream) TotalBlocks() uint {
	return device.totalBlocks
}

// BlockIndexToFileOffset converts a block index into a byte offset into the
// backing I/O stream.
func (device *Stream) BlockIndexToFileOffset(index uint) (int64, error) {
	if index >= device.totalBlocks {
		return -1, inodefs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"invalid block index %d: not in range [0, %d)",
				index,
				device.totalBlocks,
			),
		)
	}
	return device.startOffset + (int64(index) * int64(device.bytesPerBlock)), nil
}

// checkIOBounds checks to see if `buffer` can be transferred to or from the
// block at `index`.
func (device *Stream) checkIOBounds(index uint, buffer []byte) error {
	if uint(len(buffer)) != device.bytesPerBlock {
		return inodefs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"buffer must be exactly one block (%d B), got %d",
				device.bytesPerBlock,
				len(buffer),
			),
		)
	}
	_, err := device.BlockIndexToFileOffset(index)
	return err
}

// seekToBlock positions the stream pointer at the byte offset where the given
// block starts. The caller must hold the lock.
func (device *Stream) seekToBlock(index uint) error {
	offset, err := device.BlockIndexToFileOffset(index)
	if err != nil {
		return err
	}
	_, err = device.stream.Seek(offset, io.SeekStart)
	return err
}

// ReadBlock reads one whole block into `buffer`.
func (device *Stream) ReadBlock(index uint, buffer []byte) error {
	err := device.checkIOBounds(index, buffer)
	if err != nil {
		return err
	}

	device.lock.Lock()
	defer device.lock.Unlock()

	err = device.seekToBlock(index)
	if err != nil {
		return inodefs.ErrIOFailed.Wrap(err)
	}

	_, err = io.ReadFull(device.stream, buffer)
	if err != nil {
		return inodefs.ErrIOFailed.Wrap(
			fmt.Errorf("reading block %d: %w", index, err))
	}
	return nil
}

// WriteBlock writes `buffer` to the block at `index`. `buffer` must be exactly
// one block long.
func (device *Stream) WriteBlock(index uint, buffer []byte) error {
	err := device.checkIOBounds(index, buffer)
	if err != nil {
		return err
	}

	device.lock.Lock()
	defer device.lock.Unlock()

	err = device.seekToBlock(index)
	if err != nil {
		return inodefs.ErrIOFailed.Wrap(err)
	}

	_, err = device.stream.Write(buffer)
	if err != nil {
		return inodefs.ErrIOFailed.Wrap(
			fmt.Errorf("writing block %d: %w", index, err))
	}
	return nil
}

// Flush syncs the backing stream to stable storage if it supports it, e.g. an
// [os.File].
func (device *Stream) Flush() error {
	syncer, ok := device.stream.(interface{ Sync() error })
	if !ok {
		return nil
	}

	device.lock.Lock()
	defer device.lock.Unlock()
	if err := syncer.Sync(); err != nil {
		return inodefs.ErrIOFailed.Wrap(err)
	}
	return nil
}

// Close closes the backing stream if it's closable.
func (device *Stream) Close() error {
	closer, ok := device.stream.(io.Closer)
	if !ok {
		return nil
	}
	return closer.Close()
}
