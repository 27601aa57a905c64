/*
Package inode implements the on-disk inode record and its block map.

Each inode is 32 bytes, so sixteen of them fit in a block. The inode table
starts at block 1, immediately after the superblock. A record has the following
layout, with all integers big-endian:

	offset  size  field
	0       4     length of the file, in bytes
	4       2     number of open handles referring to the inode
	6       2     state (unused, used, reading, writing)
	8       22    eleven direct block pointers
	30      2     pointer to the index block

The index block holds 256 more pointers, for logical blocks 11 and up. A pointer
of -1 is unset. Direct pointers are always bound in order, and the index block
is only allocated once all of them are in use.
*/
package inode

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dargueta/inodefs"
	"github.com/noxer/bytewriter"
)

// Size is the size of one on-disk inode record, in bytes.
const Size = 32

// PerBlock is the number of inode records stored in a single block.
const PerBlock = inodefs.DefaultBlockSize / Size

// TableStart is the index of the first block of the inode table.
const TableStart = 1

// DirectPointers is the number of block pointers stored in the inode itself.
const DirectPointers = 11

// PointerSize is the size of a block pointer, in bytes.
const PointerSize = 2

// SlotsPerIndexBlock is the number of block pointers in an index block.
const SlotsPerIndexBlock = inodefs.DefaultBlockSize / PointerSize

// MaxFileBlocks is the maximum number of data blocks a single file can have.
const MaxFileBlocks = DirectPointers + SlotsPerIndexBlock

// MaxFileSize is the largest possible file, in bytes.
const MaxFileSize = MaxFileBlocks * inodefs.DefaultBlockSize

// BlockPointer is the index of a physical block on the device, as stored in an
// inode or index block.
type BlockPointer int16

// Unset is the value of a block pointer that doesn't point anywhere.
const Unset BlockPointer = -1

// MaxBlockPointer is the highest block index a pointer can hold.
const MaxBlockPointer = BlockPointer(1<<15 - 1)

type State int16

const (
	// Unused inodes have no open handles.
	Unused State = iota
	// Used inodes are allocated but not being read or written.
	Used
	// Reading inodes have one or more open read handles.
	Reading
	// Writing inodes have exactly one open write handle.
	Writing
)

func (state State) String() string {
	switch state {
	case Unused:
		return "unused"
	case Used:
		return "used"
	case Reading:
		return "reading"
	case Writing:
		return "writing"
	default:
		return fmt.Sprintf("State(%d)", int16(state))
	}
}

// Results of the block binding operations. All of them except ErrIndirectUnset
// mean the block map is inconsistent with what the caller expected, and match
// [inodefs.ErrChainCorruption].
var ErrAlreadyBound = inodefs.ErrChainCorruption.WithMessage("block pointer is already bound")
var ErrGapInChain = inodefs.ErrChainCorruption.WithMessage("preceding direct pointer is unset")
var ErrPrematureIndirect = inodefs.ErrChainCorruption.WithMessage(
	"can't bind an index block until all direct pointers are bound")

// ErrIndirectUnset is returned when binding a block past the direct pointers
// before an index block has been bound. The caller should allocate one with
// BindIndexBlock and try again.
var ErrIndirectUnset = inodefs.ErrNoData.WithMessage("index block not allocated")

// Inode is an in-memory copy of an on-disk inode record. Changes aren't visible
// to anyone else until it's persisted.
type Inode struct {
	Length   int32
	RefCount int16
	State    State
	Direct   [DirectPointers]BlockPointer
	Indirect BlockPointer
}

// New creates an empty inode for a newly created file.
func New() *Inode {
	inode := &Inode{State: Used}
	inode.clearPointers()
	return inode
}

func (inode *Inode) clearPointers() {
	for i := range inode.Direct {
		inode.Direct[i] = Unset
	}
	inode.Indirect = Unset
}

// Reset discards the inode's block map and sets its length to 0. It doesn't
// free any blocks; that's the caller's job.
func (inode *Inode) Reset() {
	inode.Length = 0
	inode.clearPointers()
}

// Clone returns an independent copy of the inode.
func (inode *Inode) Clone() *Inode {
	clone := *inode
	return &clone
}

// Location gives the block an inode is stored in and the byte offset of its
// record within that block.
func Location(inumber int) (uint, uint) {
	return TableStart + uint(inumber/PerBlock), uint(inumber%PerBlock) * Size
}

// TableBlocks gives the number of blocks needed to store `totalInodes` records.
func TableBlocks(totalInodes uint) uint {
	return (totalInodes + PerBlock - 1) / PerBlock
}

// Encode serializes the inode into the first Size bytes of `buffer`.
func (inode *Inode) Encode(buffer []byte) error {
	writer := bytewriter.New(buffer)
	err := binary.Write(writer, binary.BigEndian, inode)
	if err != nil {
		return inodefs.ErrInvalidArgument.Wrap(err)
	}
	return nil
}

// Decode deserializes an inode from the first Size bytes of `buffer`.
func Decode(buffer []byte) (*Inode, error) {
	if len(buffer) < Size {
		return nil, inodefs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("inode record must be %d bytes, got %d", Size, len(buffer)))
	}

	inode := &Inode{}
	err := binary.Read(bytes.NewReader(buffer[:Size]), binary.BigEndian, inode)
	if err != nil {
		return nil, inodefs.ErrIOFailed.Wrap(err)
	}
	return inode, nil
}

// Load reads inode `inumber` from the inode table.
func Load(device inodefs.BlockDevice, inumber int) (*Inode, error) {
	if inumber < 0 {
		return nil, inodefs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("invalid inode number %d", inumber))
	}

	blockIndex, offset := Location(inumber)
	buffer := make([]byte, device.BytesPerBlock())
	err := device.ReadBlock(blockIndex, buffer)
	if err != nil {
		return nil, inodefs.CastToDriverError(err).WithMessage(
			fmt.Sprintf("reading inode %d from block %d", inumber, blockIndex))
	}
	return Decode(buffer[offset : offset+Size])
}

// Persist writes the inode to slot `inumber` of the inode table. The block is
// re-read first so the other inodes sharing it aren't clobbered.
func (inode *Inode) Persist(device inodefs.BlockDevice, inumber int) error {
	if inumber < 0 {
		return inodefs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("invalid inode number %d", inumber))
	}

	blockIndex, offset := Location(inumber)
	buffer := make([]byte, device.BytesPerBlock())
	err := device.ReadBlock(blockIndex, buffer)
	if err != nil {
		return inodefs.CastToDriverError(err).WithMessage(
			fmt.Sprintf("reading inode block %d to persist inode %d", blockIndex, inumber))
	}

	err = inode.Encode(buffer[offset : offset+Size])
	if err != nil {
		return err
	}
	return device.WriteBlock(blockIndex, buffer)
}

// InitializeTable overwrites the whole inode table with empty, unused inodes.
func InitializeTable(device inodefs.BlockDevice, totalInodes uint) error {
	blank := New()
	blank.State = Unused

	record := make([]byte, Size)
	if err := blank.Encode(record); err != nil {
		return err
	}

	buffer := bytes.Repeat(record, int(device.BytesPerBlock())/Size)
	for i := uint(0); i < TableBlocks(totalInodes); i++ {
		err := device.WriteBlock(TableStart+i, buffer)
		if err != nil {
			return inodefs.CastToDriverError(err).WithMessage(
				fmt.Sprintf("initializing inode block %d", TableStart+i))
		}
	}
	return nil
}
