package filesystem

import (
	"fmt"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/inodefs"
	"github.com/dargueta/inodefs/inode"
	"github.com/hashicorp/go-multierror"
)

// checker accumulates the state of a consistency check.
type checker struct {
	fs             *FileSystem
	firstDataBlock uint
	totalBlocks    uint
	// claimed has a bit set for every block on the free list or owned by a file.
	claimed  bitmap.Bitmap
	problems *multierror.Error
}

func (c *checker) report(format string, args ...any) {
	c.problems = multierror.Append(
		c.problems, inodefs.ErrChainCorruption.WithMessage(fmt.Sprintf(format, args...)))
}

// claim marks `block` as used by `owner`, reporting it if it's out of range or
// already used by something else.
func (c *checker) claim(block uint, owner string) {
	if block < c.firstDataBlock || block >= c.totalBlocks {
		c.report("%s refers to block %d outside the data region [%d, %d)",
			owner, block, c.firstDataBlock, c.totalBlocks)
		return
	}
	if c.claimed.Get(int(block)) {
		c.report("block %d claimed by %s is already in use", block, owner)
		return
	}
	c.claimed.Set(int(block), true)
}

// Check scans the whole volume for structural problems: blocks that are both
// free and in use or used by more than one file, blocks that are neither free
// nor in use, gaps in block maps, and file lengths that don't match their
// blocks. It returns nil if the volume is consistent, or an error listing every
// problem found; each of them matches [inodefs.ErrChainCorruption].
//
// Check fails with [inodefs.ErrBusy] if any files are open.
func (fs *FileSystem) Check() error {
	if err := fs.checkMounted(); err != nil {
		return err
	}

	var ioErr error
	var problems *multierror.Error
	err := fs.table.WithEmpty(func() error {
		c := &checker{
			fs:             fs,
			firstDataBlock: fs.superblock.FirstDataBlock(),
			totalBlocks:    fs.superblock.TotalBlocks(),
			claimed:        bitmap.New(int(fs.superblock.TotalBlocks())),
		}

		ioErr = c.run()
		problems = c.problems
		return nil
	})
	if err != nil {
		return err
	}
	if ioErr != nil {
		return ioErr
	}

	if problems.ErrorOrNil() != nil {
		fs.logger.Printf("consistency check found %d problems", len(problems.Errors))
		return problems
	}
	return nil
}

func (c *checker) run() error {
	err := c.fs.superblock.WalkFreeList(func(index uint32) error {
		c.claim(uint(index), "free list")
		return nil
	})
	if err != nil {
		// A broken free list is a problem to report, not a reason to stop.
		c.problems = multierror.Append(c.problems, err)
	}

	totalInodes := int(c.fs.superblock.TotalInodes())
	for inumber := 0; inumber < totalInodes; inumber++ {
		err = c.checkInode(inumber)
		if err != nil {
			return err
		}
	}

	for block := c.firstDataBlock; block < c.totalBlocks; block++ {
		if !c.claimed.Get(int(block)) {
			c.report("block %d is neither free nor in use", block)
		}
	}
	return nil
}

func (c *checker) checkInode(inumber int) error {
	node, err := inode.Load(c.fs.storage, inumber)
	if err != nil {
		return err
	}

	owner := fmt.Sprintf("inode %d", inumber)
	name := c.fs.directory.Name(inumber)
	if name != "" {
		owner = fmt.Sprintf("inode %d (%q)", inumber, name)
	}

	if node.RefCount != 0 || node.State == inode.Reading || node.State == inode.Writing {
		c.report("%s has %d references and state %s with no open files",
			owner, node.RefCount, node.State)
	}

	blockCount := 0
	gapAt := -1
	for i, pointer := range node.Direct {
		if pointer == inode.Unset {
			if gapAt < 0 {
				gapAt = i
			}
			continue
		}
		if gapAt >= 0 {
			c.report("%s has direct pointer %d set after unset pointer %d", owner, i, gapAt)
		}
		c.claim(uint(pointer), owner)
		blockCount++
	}

	if node.Indirect != inode.Unset {
		if gapAt >= 0 {
			c.report("%s has an index block but direct pointer %d is unset", owner, gapAt)
		}
		c.claim(uint(node.Indirect), owner+" index block")

		// Don't follow an index pointer we've already decided is bogus.
		if uint(node.Indirect) >= c.firstDataBlock && uint(node.Indirect) < c.totalBlocks {
			raw := make([]byte, c.fs.storage.BytesPerBlock())
			err = c.fs.storage.ReadBlock(uint(node.Indirect), raw)
			if err != nil {
				return err
			}
			for _, pointer := range inode.IndexSlots(raw) {
				if pointer != inode.Unset {
					c.claim(uint(pointer), owner)
					blockCount++
				}
			}
		}
	}

	if name == "" && (blockCount > 0 || node.Length != 0) {
		c.report("%s isn't in the directory but has %d bytes in %d blocks",
			owner, node.Length, blockCount)
		return nil
	}

	blockSize := int64(c.fs.storage.BytesPerBlock())
	expectedBlocks := (int64(node.Length) + blockSize - 1) / blockSize
	if node.Length < 0 || int64(blockCount) != expectedBlocks {
		c.report("%s is %d bytes long but has %d blocks, expected %d",
			owner, node.Length, blockCount, expectedBlocks)
	}
	return nil
}
