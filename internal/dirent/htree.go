package dirent

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/xv6fs-go/xv6fs/internal/alloc"
	"github.com/xv6fs-go/xv6fs/internal/blockdev"
	"github.com/xv6fs-go/xv6fs/internal/inode"
	"github.com/xv6fs-go/xv6fs/internal/journal"
	"github.com/xv6fs-go/xv6fs/internal/layout"
	"github.com/xv6fs-go/xv6fs/internal/xv6err"
)

// htreeEntrySize is the wire size of one {hashKey, block} pair in a root or
// index block.
const htreeEntrySize = 8

// htreeCapacity is the number of {hashKey, block} pairs a root or index
// block can hold after its 4-byte count header.
const htreeCapacity = (layout.BlockSize - 4) / htreeEntrySize

// leafCapacity is the number of Entry records packed into one leaf block.
// A directory whose bucket overflows this is a known limitation of this
// fixed-depth H-tree: Link returns ErrNoSpace rather than chaining a
// second leaf for the same bucket.
const leafCapacity = layout.BlockSize / EntrySize

// HTree is the hashed-index Directory strategy for large directories. The
// inode's logical block 0 (addrs[0]) holds the root; root and index
// entries reference index/leaf blocks by raw physical block number,
// allocated through alloc but outside the inode's own addrs array -- they
// are reachable only by walking the tree, a tradeoff documented in
// DESIGN.md.
type HTree struct {
	dev   blockdev.Device
	sb    *layout.Superblock
	alloc *alloc.Allocator
	inum  uint32
	d     *inode.Disk
	h     *journal.Handle
}

// NewHTree wraps the directory data of d (inode inum) as an HTree
// directory.
func NewHTree(dev blockdev.Device, sb *layout.Superblock, a *alloc.Allocator, inum uint32, d *inode.Disk, h *journal.Handle) *HTree {
	return &HTree{dev: dev, sb: sb, alloc: a, inum: inum, d: d, h: h}
}

// ConvertToHTree migrates inum's directory data from the Linear layout to
// a freshly built HTree index backed by the same inode, freeing the old
// linear data blocks via inode.Itrunc and recording the switch in
// d.Major. Callers must already hold inum's write lock and pass the
// journal handle of the transaction performing the link that triggered
// the conversion.
func ConvertToHTree(dev blockdev.Device, sb *layout.Superblock, a *alloc.Allocator, inum uint32, d *inode.Disk, h *journal.Handle) (*HTree, error) {
	old := NewLinear(dev, sb, a, inum, d, h)

	type oldEntry struct {
		inum uint32
		name string
	}
	var entries []oldEntry
	if err := old.Iterate(0, func(inum uint32, name string, offset uint32) bool {
		entries = append(entries, oldEntry{inum, name})
		return true
	}); err != nil {
		return nil, err
	}

	if err := inode.Itrunc(dev, sb, inum, d, a, h); err != nil {
		return nil, err
	}
	d.Major = KindHTree
	if err := inode.Iupdate(dev, sb, inum, d, h); err != nil {
		return nil, err
	}

	t := NewHTree(dev, sb, a, inum, d, h)
	for _, e := range entries {
		if err := t.Link(e.name, e.inum); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func bucketHash(name string) uint32 {
	sum := fnv.New32a()
	sum.Write([]byte(name))
	return sum.Sum32() % htreeCapacity
}

func (t *HTree) rootBlock() (uint32, error) {
	if t.d.Addrs[0] != 0 {
		return t.d.Addrs[0], nil
	}
	bno, err := t.alloc.Balloc(t.h)
	if err != nil {
		return 0, err
	}
	t.d.Addrs[0] = bno
	return bno, nil
}

func readCount(data []byte) uint32 {
	return binary.LittleEndian.Uint32(data[0:4])
}

func writeCount(data []byte, n uint32) {
	binary.LittleEndian.PutUint32(data[0:4], n)
}

func readPair(data []byte, i int) (uint32, uint32) {
	off := 4 + i*htreeEntrySize
	return binary.LittleEndian.Uint32(data[off : off+4]), binary.LittleEndian.Uint32(data[off+4 : off+8])
}

func writePair(data []byte, i int, hashKey, block uint32) {
	off := 4 + i*htreeEntrySize
	binary.LittleEndian.PutUint32(data[off:off+4], hashKey)
	binary.LittleEndian.PutUint32(data[off+4:off+8], block)
}

// findOrCreateChild scans parent block's entries for hashKey; returns the
// child block number, allocating both a fresh child block and a new entry
// in parent if create is true and no match exists.
func (t *HTree) findOrCreateChild(parentBlock uint32, hashKey uint32, create bool) (uint32, error) {
	buf, err := t.dev.ReadBlock(parentBlock)
	if err != nil {
		return 0, xv6err.ErrIO.Wrap(err)
	}
	data := buf.Bytes()
	n := readCount(data)
	for i := uint32(0); i < n; i++ {
		k, block := readPair(data, int(i))
		if k == hashKey {
			return block, nil
		}
	}
	if !create {
		return 0, xv6err.ErrNotFound
	}
	if n >= htreeCapacity {
		return 0, xv6err.ErrNoSpace.WithMessage("htree bucket table full")
	}
	child, err := t.alloc.Balloc(t.h)
	if err != nil {
		return 0, err
	}
	writePair(data, int(n), hashKey, child)
	writeCount(data, n+1)
	t.dev.MarkDirty(buf)
	if t.h != nil {
		t.h.LogWrite(buf.BlockNum)
	}
	return child, nil
}

func (t *HTree) leafEntry(leafBlock uint32, i int) (Entry, *blockdev.Buffer, error) {
	buf, err := t.dev.ReadBlock(leafBlock)
	if err != nil {
		return Entry{}, nil, xv6err.ErrIO.Wrap(err)
	}
	var e Entry
	off := i * EntrySize
	e.UnmarshalBinary(buf.Bytes()[off : off+EntrySize])
	return e, buf, nil
}

func (t *HTree) Lookup(name string) (uint32, uint32, error) {
	if t.d.Addrs[0] == 0 {
		return 0, 0, xv6err.ErrNotFound
	}
	hashKey := bucketHash(name)
	indexBlock, err := t.findOrCreateChild(t.d.Addrs[0], hashKey, false)
	if err == xv6err.ErrNotFound {
		return 0, 0, xv6err.ErrNotFound
	}
	if err != nil {
		return 0, 0, err
	}
	leafBlock, err := t.findOrCreateChild(indexBlock, hashKey, false)
	if err == xv6err.ErrNotFound {
		return 0, 0, xv6err.ErrNotFound
	}
	if err != nil {
		return 0, 0, err
	}
	for i := 0; i < leafCapacity; i++ {
		e, _, err := t.leafEntry(leafBlock, i)
		if err != nil {
			return 0, 0, err
		}
		if e.Inum != 0 && e.NameString() == name {
			return e.Inum, leafBlock*leafCapacity + uint32(i), nil
		}
	}
	return 0, 0, xv6err.ErrNotFound
}

func (t *HTree) Link(name string, inum uint32) error {
	var e Entry
	if err := e.SetName(name); err != nil {
		return err
	}
	e.Inum = inum

	rootBlock, err := t.rootBlock()
	if err != nil {
		return err
	}
	hashKey := bucketHash(name)
	indexBlock, err := t.findOrCreateChild(rootBlock, hashKey, true)
	if err != nil {
		return err
	}
	leafBlock, err := t.findOrCreateChild(indexBlock, hashKey, true)
	if err != nil {
		return err
	}

	for i := 0; i < leafCapacity; i++ {
		existing, buf, err := t.leafEntry(leafBlock, i)
		if err != nil {
			return err
		}
		if existing.Inum == 0 {
			copy(buf.Bytes()[i*EntrySize:(i+1)*EntrySize], e.MarshalBinary())
			t.dev.MarkDirty(buf)
			if t.h != nil {
				t.h.LogWrite(buf.BlockNum)
			}
			return nil
		}
	}
	return xv6err.ErrNoSpace.WithMessage("htree leaf full")
}

func (t *HTree) Unlink(offset uint32) error {
	leafBlock := offset / leafCapacity
	i := int(offset % leafCapacity)
	buf, err := t.dev.ReadBlock(leafBlock)
	if err != nil {
		return xv6err.ErrIO.Wrap(err)
	}
	var empty Entry
	copy(buf.Bytes()[i*EntrySize:(i+1)*EntrySize], empty.MarshalBinary())
	t.dev.MarkDirty(buf)
	if t.h != nil {
		t.h.LogWrite(buf.BlockNum)
	}
	return nil
}

// IsEmpty walks every leaf reachable from the root and index blocks.
func (t *HTree) IsEmpty() (bool, error) {
	empty := true
	err := t.walkLeaves(func(leafBlock uint32) error {
		for i := 0; i < leafCapacity; i++ {
			e, _, err := t.leafEntry(leafBlock, i)
			if err != nil {
				return err
			}
			if e.Inum == 0 {
				continue
			}
			name := e.NameString()
			if name == "." || name == ".." {
				continue
			}
			empty = false
		}
		return nil
	})
	return empty, err
}

func (t *HTree) Iterate(startOffset uint32, fn func(inum uint32, name string, offset uint32) bool) error {
	stop := false
	return t.walkLeaves(func(leafBlock uint32) error {
		if stop {
			return nil
		}
		for i := 0; i < leafCapacity; i++ {
			off := leafBlock*leafCapacity + uint32(i)
			if off < startOffset {
				continue
			}
			e, _, err := t.leafEntry(leafBlock, i)
			if err != nil {
				return err
			}
			if e.Inum == 0 {
				continue
			}
			if !fn(e.Inum, e.NameString(), off+1) {
				stop = true
				return nil
			}
		}
		return nil
	})
}

func (t *HTree) walkLeaves(fn func(leafBlock uint32) error) error {
	if t.d.Addrs[0] == 0 {
		return nil
	}
	rootBuf, err := t.dev.ReadBlock(t.d.Addrs[0])
	if err != nil {
		return xv6err.ErrIO.Wrap(err)
	}
	rootData := rootBuf.Bytes()
	rootN := readCount(rootData)
	for i := uint32(0); i < rootN; i++ {
		_, indexBlock := readPair(rootData, int(i))
		indexBuf, err := t.dev.ReadBlock(indexBlock)
		if err != nil {
			return xv6err.ErrIO.Wrap(err)
		}
		indexData := indexBuf.Bytes()
		indexN := readCount(indexData)
		for j := uint32(0); j < indexN; j++ {
			_, leafBlock := readPair(indexData, int(j))
			if err := fn(leafBlock); err != nil {
				return err
			}
		}
	}
	return nil
}
