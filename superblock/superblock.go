// Package superblock manages block 0 of a volume and the list of free blocks.
//
// Free blocks form a singly linked list threaded through the blocks themselves:
// the first four bytes of a free block hold the index of the next free block,
// and the rest of the block is zero. The superblock records the head of the
// list, so allocation pops from the head and freeing pushes onto it.
package superblock

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/dargueta/inodefs"
	"github.com/dargueta/inodefs/inode"
	"github.com/noxer/bytewriter"
)

// DefaultInodeCount is the number of inodes a volume is formatted with when
// it's first mounted and has no valid superblock.
const DefaultInodeCount = 64

// EmptyFreeList marks the end of the free list. If it's the head of the list
// there are no free blocks left.
const EmptyFreeList = 0xFFFFFFFF

// MinTotalBlocks is the smallest device a volume can be created on: the
// superblock, one block of inodes, and one data block.
const MinTotalBlocks = 3

// MaxTotalBlocks is the largest device a volume can be created on. Inodes use
// signed 16-bit block pointers so higher blocks can't be addressed.
const MaxTotalBlocks = int(inode.MaxBlockPointer) + 1

// HeaderSize is the number of meaningful bytes at the start of block 0.
const HeaderSize = 12

// Header is the on-disk contents of the superblock.
type Header struct {
	TotalBlocks  uint32
	TotalInodes  uint32
	FreeListHead uint32
}

// Encode writes the header into the beginning of `buffer` in big-endian order.
func (header *Header) Encode(buffer []byte) error {
	writer := bytewriter.New(buffer)
	err := binary.Write(writer, binary.BigEndian, header)
	if err != nil {
		return inodefs.ErrInvalidArgument.Wrap(err)
	}
	return nil
}

// DecodeHeader reads a header from the beginning of `buffer`.
func DecodeHeader(buffer []byte) (Header, error) {
	if len(buffer) < HeaderSize {
		return Header{}, inodefs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("superblock needs %d bytes, got %d", HeaderSize, len(buffer)))
	}
	return Header{
		TotalBlocks:  binary.BigEndian.Uint32(buffer[0:4]),
		TotalInodes:  binary.BigEndian.Uint32(buffer[4:8]),
		FreeListHead: binary.BigEndian.Uint32(buffer[8:12]),
	}, nil
}

// FirstDataBlock gives the index of the first block after the inode table for
// a volume with `totalInodes` inodes.
func FirstDataBlock(totalInodes uint) uint {
	return inode.TableStart + inode.TableBlocks(totalInodes)
}

// SuperBlock is the in-memory copy of the superblock along with the free list
// operations. All methods are safe for concurrent use.
type SuperBlock struct {
	header Header
	device inodefs.BlockDevice
	lock   sync.Mutex
}

// Initialize reads the superblock from `device`. If it doesn't describe a valid
// volume of `expectedTotalBlocks` blocks, the device is formatted with
// DefaultInodeCountFor(expectedTotalBlocks) inodes and the second return value
// is true.
func Initialize(
	device inodefs.BlockDevice, expectedTotalBlocks uint,
) (*SuperBlock, bool, error) {
	if device.BytesPerBlock() != inodefs.DefaultBlockSize {
		return nil, false, inodefs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"block size must be %d, got %d",
				inodefs.DefaultBlockSize,
				device.BytesPerBlock(),
			),
		)
	}
	if expectedTotalBlocks < MinTotalBlocks ||
		expectedTotalBlocks > uint(MaxTotalBlocks) ||
		expectedTotalBlocks > device.TotalBlocks() {
		return nil, false, inodefs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"volume size must be in [%d, %d] and fit on the device (%d blocks), got %d",
				MinTotalBlocks,
				MaxTotalBlocks,
				device.TotalBlocks(),
				expectedTotalBlocks,
			),
		)
	}

	buffer := make([]byte, device.BytesPerBlock())
	err := device.ReadBlock(0, buffer)
	if err != nil {
		return nil, false, inodefs.CastToDriverError(err).WithMessage("reading superblock")
	}

	header, err := DecodeHeader(buffer)
	if err != nil {
		return nil, false, err
	}

	sb := &SuperBlock{header: header, device: device}
	if sb.isValidFor(expectedTotalBlocks) {
		return sb, false, nil
	}

	sb.header = Header{TotalBlocks: uint32(expectedTotalBlocks)}
	err = sb.Format(DefaultInodeCountFor(expectedTotalBlocks))
	if err != nil {
		return nil, false, err
	}
	return sb, true, nil
}

// DefaultInodeCountFor gives the number of inodes a blank device of
// `totalBlocks` blocks is formatted with. Small devices get fewer than
// DefaultInodeCount so some room is left for data.
func DefaultInodeCountFor(totalBlocks uint) int {
	count := DefaultInodeCount
	for count > inode.PerBlock && FirstDataBlock(uint(count)) >= totalBlocks {
		count -= inode.PerBlock
	}
	return count
}

func (sb *SuperBlock) isValidFor(expectedTotalBlocks uint) bool {
	header := sb.header
	if uint(header.TotalBlocks) != expectedTotalBlocks || header.TotalInodes == 0 {
		return false
	}

	firstData := FirstDataBlock(uint(header.TotalInodes))
	if firstData > uint(header.TotalBlocks) {
		return false
	}
	if header.FreeListHead == EmptyFreeList {
		return true
	}
	return uint(header.FreeListHead) >= firstData &&
		header.FreeListHead < header.TotalBlocks
}

// TotalBlocks gives the size of the volume, in blocks.
func (sb *SuperBlock) TotalBlocks() uint {
	sb.lock.Lock()
	defer sb.lock.Unlock()
	return uint(sb.header.TotalBlocks)
}

// TotalInodes gives the number of inodes in the inode table.
func (sb *SuperBlock) TotalInodes() uint {
	sb.lock.Lock()
	defer sb.lock.Unlock()
	return uint(sb.header.TotalInodes)
}

// FirstDataBlock gives the index of the first block after the inode table.
func (sb *SuperBlock) FirstDataBlock() uint {
	sb.lock.Lock()
	defer sb.lock.Unlock()
	return FirstDataBlock(uint(sb.header.TotalInodes))
}

// Header returns a copy of the current in-memory header.
func (sb *SuperBlock) Header() Header {
	sb.lock.Lock()
	defer sb.lock.Unlock()
	return sb.header
}

// Format rebuilds the volume with `fileCount` inodes. Every inode is reset to
// unused and every block after the inode table is put on the free list in
// ascending order. All file data is lost.
func (sb *SuperBlock) Format(fileCount int) error {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	totalBlocks := uint(sb.header.TotalBlocks)
	if fileCount <= 0 {
		return inodefs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("file count must be positive, got %d", fileCount))
	}

	firstData := FirstDataBlock(uint(fileCount))
	if firstData >= totalBlocks {
		return inodefs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"%d inodes need %d blocks, leaving no room for data on a %d-block volume",
				fileCount,
				firstData-inode.TableStart,
				totalBlocks,
			),
		)
	}

	err := inode.InitializeTable(sb.device, uint(fileCount))
	if err != nil {
		return err
	}

	block := make([]byte, sb.device.BytesPerBlock())
	for i := firstData; i < totalBlocks; i++ {
		next := uint32(i + 1)
		if i+1 == totalBlocks {
			next = EmptyFreeList
		}
		binary.BigEndian.PutUint32(block, next)

		err = sb.device.WriteBlock(i, block)
		if err != nil {
			return inodefs.CastToDriverError(err).WithMessage(
				fmt.Sprintf("linking free block %d", i))
		}
	}

	sb.header.TotalInodes = uint32(fileCount)
	sb.header.FreeListHead = uint32(firstData)
	return sb.writeHeader()
}

// Sync writes the in-memory header to block 0.
func (sb *SuperBlock) Sync() error {
	sb.lock.Lock()
	defer sb.lock.Unlock()
	return sb.writeHeader()
}

func (sb *SuperBlock) writeHeader() error {
	buffer := make([]byte, sb.device.BytesPerBlock())
	err := sb.header.Encode(buffer)
	if err != nil {
		return err
	}

	err = sb.device.WriteBlock(0, buffer)
	if err != nil {
		return inodefs.CastToDriverError(err).WithMessage("writing superblock")
	}
	return nil
}

// isDataBlock determines if `index` is a block that can legitimately be on the
// free list or hold file data. The caller must hold the lock.
func (sb *SuperBlock) isDataBlock(index uint32) bool {
	firstData := FirstDataBlock(uint(sb.header.TotalInodes))
	return uint(index) >= firstData && index < sb.header.TotalBlocks
}

// AllocateBlock removes the block at the head of the free list and returns its
// index. The block is zero-filled. It fails with [inodefs.ErrNoSpaceOnDevice]
// if there are no free blocks.
//
// The header isn't persisted; call Sync for that.
func (sb *SuperBlock) AllocateBlock() (uint32, error) {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	head := sb.header.FreeListHead
	if head == EmptyFreeList {
		return 0, inodefs.ErrNoSpaceOnDevice
	}
	if !sb.isDataBlock(head) {
		return 0, inodefs.ErrChainCorruption.WithMessage(
			fmt.Sprintf("free list head %d is outside the data region", head))
	}

	block := make([]byte, sb.device.BytesPerBlock())
	err := sb.device.ReadBlock(uint(head), block)
	if err != nil {
		return 0, inodefs.CastToDriverError(err).WithMessage(
			fmt.Sprintf("reading free block %d", head))
	}

	next := binary.BigEndian.Uint32(block)
	if next != EmptyFreeList && !sb.isDataBlock(next) {
		return 0, inodefs.ErrChainCorruption.WithMessage(
			fmt.Sprintf("free block %d links to invalid block %d", head, next))
	}

	for i := range block {
		block[i] = 0
	}
	err = sb.device.WriteBlock(uint(head), block)
	if err != nil {
		return 0, inodefs.CastToDriverError(err).WithMessage(
			fmt.Sprintf("clearing allocated block %d", head))
	}

	sb.header.FreeListHead = next
	return head, nil
}

// FreeBlock zeroes block `index` and pushes it onto the free list. Only blocks
// after the inode table can be freed.
//
// The header isn't persisted; call Sync for that.
func (sb *SuperBlock) FreeBlock(index uint32) error {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	if !sb.isDataBlock(index) {
		return inodefs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"can't free block %d: not in [%d, %d)",
				index,
				FirstDataBlock(uint(sb.header.TotalInodes)),
				sb.header.TotalBlocks,
			),
		)
	}

	block := make([]byte, sb.device.BytesPerBlock())
	binary.BigEndian.PutUint32(block, sb.header.FreeListHead)
	err := sb.device.WriteBlock(uint(index), block)
	if err != nil {
		return inodefs.CastToDriverError(err).WithMessage(
			fmt.Sprintf("freeing block %d", index))
	}

	sb.header.FreeListHead = index
	return nil
}

// WalkFreeList calls `visit` with the index of every block on the free list, in
// list order. It stops at the first error returned by `visit`. A link leaving
// the data region or a list longer than the volume (i.e. a cycle) is reported
// as [inodefs.ErrChainCorruption].
func (sb *SuperBlock) WalkFreeList(visit func(index uint32) error) error {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	block := make([]byte, sb.device.BytesPerBlock())
	current := sb.header.FreeListHead
	for steps := uint32(0); current != EmptyFreeList; steps++ {
		if steps >= sb.header.TotalBlocks {
			return inodefs.ErrChainCorruption.WithMessage("free list contains a cycle")
		}
		if !sb.isDataBlock(current) {
			return inodefs.ErrChainCorruption.WithMessage(
				fmt.Sprintf("free list contains invalid block %d", current))
		}

		err := visit(current)
		if err != nil {
			return err
		}

		err = sb.device.ReadBlock(uint(current), block)
		if err != nil {
			return inodefs.CastToDriverError(err).WithMessage(
				fmt.Sprintf("reading free block %d", current))
		}
		current = binary.BigEndian.Uint32(block)
	}
	return nil
}

// CountFree gives the number of blocks on the free list.
func (sb *SuperBlock) CountFree() (uint, error) {
	count := uint(0)
	err := sb.WalkFreeList(func(uint32) error {
		count++
		return nil
	})
	return count, err
}
