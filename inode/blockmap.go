package inode

import (
	"encoding/binary"
	"fmt"

	"github.com/dargueta/inodefs"
)

// logicalBlock converts a byte offset into the file to the index of the block
// containing it.
func logicalBlock(offset int64) (int64, error) {
	if offset < 0 {
		return 0, inodefs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("negative file offset %d", offset))
	}
	return offset / inodefs.DefaultBlockSize, nil
}

func readIndexBlock(device inodefs.BlockDevice, block BlockPointer) ([]byte, error) {
	buffer := make([]byte, device.BytesPerBlock())
	err := device.ReadBlock(uint(block), buffer)
	if err != nil {
		return nil, inodefs.CastToDriverError(err).WithMessage(
			fmt.Sprintf("reading index block %d", block))
	}
	return buffer, nil
}

func getSlot(indexBlock []byte, slot int64) BlockPointer {
	return BlockPointer(binary.BigEndian.Uint16(indexBlock[slot*PointerSize:]))
}

func setSlot(indexBlock []byte, slot int64, block BlockPointer) {
	binary.BigEndian.PutUint16(indexBlock[slot*PointerSize:], uint16(block))
}

// IndexSlots decodes every pointer in a raw index block, including unset ones.
func IndexSlots(indexBlock []byte) []BlockPointer {
	slots := make([]BlockPointer, len(indexBlock)/PointerSize)
	for i := range slots {
		slots[i] = getSlot(indexBlock, int64(i))
	}
	return slots
}

// ResolveBlock returns the physical block holding the byte at `offset`, or
// Unset if no block has been bound there yet.
func (inode *Inode) ResolveBlock(device inodefs.BlockDevice, offset int64) (BlockPointer, error) {
	index, err := logicalBlock(offset)
	if err != nil {
		return Unset, err
	}

	if index < DirectPointers {
		return inode.Direct[index], nil
	}
	if inode.Indirect == Unset || index >= MaxFileBlocks {
		return Unset, nil
	}

	indexBlock, err := readIndexBlock(device, inode.Indirect)
	if err != nil {
		return Unset, err
	}
	return getSlot(indexBlock, index-DirectPointers), nil
}

// BindBlock records `block` as the physical block holding the byte at `offset`.
//
// Binding past the direct pointers fails with ErrIndirectUnset if no index
// block has been bound yet. Binding over an existing pointer fails with
// ErrAlreadyBound, and binding a direct pointer whose predecessor is unset
// fails with ErrGapInChain.
//
// Changes to the inode itself aren't persisted, but the index block is.
func (inode *Inode) BindBlock(device inodefs.BlockDevice, offset int64, block BlockPointer) error {
	index, err := logicalBlock(offset)
	if err != nil {
		return err
	}
	if block < 0 {
		return inodefs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("can't bind invalid block %d", block))
	}

	if index < DirectPointers {
		if inode.Direct[index] != Unset {
			return ErrAlreadyBound.WithMessage(
				fmt.Sprintf("direct pointer %d -> block %d", index, inode.Direct[index]))
		}
		if index > 0 && inode.Direct[index-1] == Unset {
			return ErrGapInChain.WithMessage(fmt.Sprintf("binding direct pointer %d", index))
		}
		inode.Direct[index] = block
		return nil
	}

	if index >= MaxFileBlocks {
		return inodefs.ErrFileTooLarge.WithMessage(
			fmt.Sprintf("offset %d is past the maximum file size %d", offset, MaxFileSize))
	}
	if inode.Indirect == Unset {
		return ErrIndirectUnset
	}

	indexBlock, err := readIndexBlock(device, inode.Indirect)
	if err != nil {
		return err
	}

	slot := index - DirectPointers
	if current := getSlot(indexBlock, slot); current != Unset {
		return ErrAlreadyBound.WithMessage(
			fmt.Sprintf("index slot %d -> block %d", slot, current))
	}

	setSlot(indexBlock, slot, block)
	return device.WriteBlock(uint(inode.Indirect), indexBlock)
}

// BindIndexBlock makes `block` the inode's index block, with every slot unset.
// It fails with ErrPrematureIndirect unless all direct pointers are bound, and
// with ErrAlreadyBound if there's already an index block.
func (inode *Inode) BindIndexBlock(device inodefs.BlockDevice, block BlockPointer) error {
	if block < 0 {
		return inodefs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("can't bind invalid block %d as an index block", block))
	}
	for i, pointer := range inode.Direct {
		if pointer == Unset {
			return ErrPrematureIndirect.WithMessage(
				fmt.Sprintf("direct pointer %d is unset", i))
		}
	}
	if inode.Indirect != Unset {
		return ErrAlreadyBound.WithMessage(
			fmt.Sprintf("index block is already %d", inode.Indirect))
	}

	indexBlock := make([]byte, device.BytesPerBlock())
	for i := int64(0); i < int64(len(indexBlock)/PointerSize); i++ {
		setSlot(indexBlock, i, Unset)
	}

	err := device.WriteBlock(uint(block), indexBlock)
	if err != nil {
		return inodefs.CastToDriverError(err).WithMessage(
			fmt.Sprintf("initializing index block %d", block))
	}
	inode.Indirect = block
	return nil
}

// ReleaseIndexBlock unbinds the index block and returns its raw contents so the
// caller can free the blocks it points to (and the index block itself, which is
// the previous value of Indirect). It returns nil if there's no index block.
func (inode *Inode) ReleaseIndexBlock(device inodefs.BlockDevice) ([]byte, error) {
	if inode.Indirect == Unset {
		return nil, nil
	}

	indexBlock, err := readIndexBlock(device, inode.Indirect)
	if err != nil {
		return nil, err
	}
	inode.Indirect = Unset
	return indexBlock, nil
}

// Blocks returns every bound data block in logical order. The index block isn't
// included.
func (inode *Inode) Blocks(device inodefs.BlockDevice) ([]BlockPointer, error) {
	blocks := make([]BlockPointer, 0, DirectPointers)
	for _, pointer := range inode.Direct {
		if pointer != Unset {
			blocks = append(blocks, pointer)
		}
	}
	if inode.Indirect == Unset {
		return blocks, nil
	}

	indexBlock, err := readIndexBlock(device, inode.Indirect)
	if err != nil {
		return nil, err
	}
	for _, pointer := range IndexSlots(indexBlock) {
		if pointer != Unset {
			blocks = append(blocks, pointer)
		}
	}
	return blocks, nil
}
