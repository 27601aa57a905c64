// Package blockcache provides a write-back cache that sits between a volume and
// its block device. It is itself an [inodefs.BlockDevice], so the layers above
// it don't need to know whether they're talking to the cache or the device.
//
// All block indices begin at 0.

package blockcache

import (
	"fmt"
	"sync"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/inodefs"
)

// BlockCache keeps a copy of every block it has touched. Blocks are fetched
// from the backing device on first access and written back only on Flush.
//
// It is safe for concurrent use.
type BlockCache struct {
	device        inodefs.BlockDevice
	loadedBlocks  bitmap.Bitmap
	dirtyBlocks   bitmap.Bitmap
	bytesPerBlock uint
	totalBlocks   uint
	data          []byte
	lock          sync.Mutex
}

// New creates a cache on top of `device`. Nothing is read from the device until
// a block is first accessed.
func New(device inodefs.BlockDevice) *BlockCache {
	bytesPerBlock := device.BytesPerBlock()
	totalBlocks := device.TotalBlocks()

	return &BlockCache{
		device:        device,
		loadedBlocks:  bitmap.New(int(totalBlocks)),
		dirtyBlocks:   bitmap.New(int(totalBlocks)),
		data:          make([]byte, int(bytesPerBlock*totalBlocks)),
		bytesPerBlock: bytesPerBlock,
		totalBlocks:   totalBlocks,
	}
}

// BytesPerBlock returns the size of a single block, in bytes.
func (cache *BlockCache) BytesPerBlock() uint {
	return cache.bytesPerBlock
}

// TotalBlocks returns the size of the cache, in blocks. This is always the same
// as the size of the backing device.
func (cache *BlockCache) TotalBlocks() uint {
	return cache.totalBlocks
}

// checkBounds verifies that `buffer` can be transferred to or from block
// `index`. If not, it returns an error describing the exact conditions.
func (cache *BlockCache) checkBounds(index uint, buffer []byte) error {
	if index >= cache.totalBlocks {
		return inodefs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"invalid block index %d: not in range [0, %d)",
				index,
				cache.totalBlocks,
			),
		)
	}
	if uint(len(buffer)) != cache.bytesPerBlock {
		return inodefs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"buffer must be exactly one block (%d B), got %d",
				cache.bytesPerBlock,
				len(buffer),
			),
		)
	}
	return nil
}

// slice returns the cache's storage for a single block. The caller must hold
// the lock.
func (cache *BlockCache) slice(index uint) []byte {
	start := index * cache.bytesPerBlock
	return cache.data[start : start+cache.bytesPerBlock]
}

// loadBlock ensures the block is present in the cache, fetching it from the
// device if needed. The caller must hold the lock.
func (cache *BlockCache) loadBlock(index uint) error {
	// Dirty blocks are present by definition, so we only need to check one
	// bitmap.
	if cache.loadedBlocks.Get(int(index)) {
		return nil
	}

	err := cache.device.ReadBlock(index, cache.slice(index))
	if err != nil {
		return inodefs.CastToDriverError(err).WithMessage(
			fmt.Sprintf("failed to load block %d from device", index))
	}

	cache.loadedBlocks.Set(int(index), true)
	cache.dirtyBlocks.Set(int(index), false)
	return nil
}

// ReadBlock copies a block into `buffer`, loading it from the device first if
// it isn't in the cache yet.
func (cache *BlockCache) ReadBlock(index uint, buffer []byte) error {
	err := cache.checkBounds(index, buffer)
	if err != nil {
		return err
	}

	cache.lock.Lock()
	defer cache.lock.Unlock()

	err = cache.loadBlock(index)
	if err != nil {
		return err
	}
	copy(buffer, cache.slice(index))
	return nil
}

// WriteBlock replaces the cached copy of a block and marks it dirty. The device
// isn't touched until the next Flush.
func (cache *BlockCache) WriteBlock(index uint, buffer []byte) error {
	err := cache.checkBounds(index, buffer)
	if err != nil {
		return err
	}

	cache.lock.Lock()
	defer cache.lock.Unlock()

	copy(cache.slice(index), buffer)

	// The whole block was overwritten so there's no need to fetch it first.
	cache.loadedBlocks.Set(int(index), true)
	cache.dirtyBlocks.Set(int(index), true)
	return nil
}

// Flush writes out all dirty blocks (and only dirty blocks) to the device and
// marks them as clean. If the device itself buffers writes, it's flushed too.
func (cache *BlockCache) Flush() error {
	cache.lock.Lock()
	defer cache.lock.Unlock()

	for index := uint(0); index < cache.totalBlocks; index++ {
		// Skip if the block is clean. This also skips over blocks that aren't
		// loaded, since missing blocks are considered clean.
		if !cache.dirtyBlocks.Get(int(index)) {
			continue
		}

		err := cache.device.WriteBlock(index, cache.slice(index))
		if err != nil {
			return inodefs.CastToDriverError(err).WithMessage(
				fmt.Sprintf("failed to flush block %d to device", index))
		}
		cache.dirtyBlocks.Set(int(index), false)
	}

	if flusher, ok := cache.device.(inodefs.Flusher); ok {
		return flusher.Flush()
	}
	return nil
}

// DirtyBlocks returns the number of blocks that have been modified since the
// last flush.
func (cache *BlockCache) DirtyBlocks() uint {
	cache.lock.Lock()
	defer cache.lock.Unlock()

	count := uint(0)
	for index := 0; index < int(cache.totalBlocks); index++ {
		if cache.dirtyBlocks.Get(index) {
			count++
		}
	}
	return count
}
