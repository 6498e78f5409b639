// Package bmap translates a (inode, logical block index) pair into a
// physical block number, allocating indirection blocks on demand, per
// spec.md section 4.7.
package bmap

import (
	"encoding/binary"

	"github.com/xv6fs-go/xv6fs/internal/alloc"
	"github.com/xv6fs-go/xv6fs/internal/blockdev"
	"github.com/xv6fs-go/xv6fs/internal/inode"
	"github.com/xv6fs-go/xv6fs/internal/journal"
	"github.com/xv6fs-go/xv6fs/internal/layout"
	"github.com/xv6fs-go/xv6fs/internal/xv6err"
)

// Map returns the physical block number holding logical block l of d,
// allocating any zero pointer encountered along the way (including
// indirection blocks) through a. Newly written indirection blocks are
// marked dirty and registered with h.
func Map(dev blockdev.Device, a *alloc.Allocator, d *inode.Disk, l uint32, h *journal.Handle) (uint32, error) {
	switch {
	case l < layout.NDirect:
		return mapDirect(dev, a, d, int(l), h)

	case l < layout.NDirect+layout.NIndirect:
		indBlock, err := ensure(dev, a, &d.Addrs[layout.NDirect], h)
		if err != nil {
			return 0, err
		}
		return mapWithin(dev, a, indBlock, int(l-layout.NDirect), h)

	case l < layout.NDirect+layout.NIndirect+layout.NIndirect*layout.NIndirect:
		rel := l - layout.NDirect - layout.NIndirect
		outerIdx := int(rel / layout.NIndirect)
		innerIdx := int(rel % layout.NIndirect)

		dindBlock, err := ensure(dev, a, &d.Addrs[layout.NDirect+1], h)
		if err != nil {
			return 0, err
		}

		var innerPtr uint32
		buf, err := dev.ReadBlock(dindBlock)
		if err != nil {
			return 0, xv6err.ErrIO.Wrap(err)
		}
		innerPtr = readEntry(buf.Bytes(), outerIdx)
		if innerPtr == 0 {
			bno, err := a.Balloc(h)
			if err != nil {
				return 0, err
			}
			writeEntry(buf.Bytes(), outerIdx, bno)
			dev.MarkDirty(buf)
			if h != nil {
				h.LogWrite(buf.BlockNum)
			}
			innerPtr = bno
		}
		return mapWithin(dev, a, innerPtr, innerIdx, h)

	default:
		return 0, xv6err.ErrIO.WithMessage("logical block index out of range")
	}
}

// MapReadOnly returns the physical block number holding logical block l of
// d without allocating anything; a hole (unallocated pointer anywhere along
// the path) returns physical 0, meaning "read as zeros".
func MapReadOnly(dev blockdev.Device, d *inode.Disk, l uint32) (uint32, error) {
	switch {
	case l < layout.NDirect:
		return d.Addrs[l], nil

	case l < layout.NDirect+layout.NIndirect:
		indBlock := d.Addrs[layout.NDirect]
		if indBlock == 0 {
			return 0, nil
		}
		buf, err := dev.ReadBlock(indBlock)
		if err != nil {
			return 0, xv6err.ErrIO.Wrap(err)
		}
		return readEntry(buf.Bytes(), int(l-layout.NDirect)), nil

	case l < layout.NDirect+layout.NIndirect+layout.NIndirect*layout.NIndirect:
		rel := l - layout.NDirect - layout.NIndirect
		dindBlock := d.Addrs[layout.NDirect+1]
		if dindBlock == 0 {
			return 0, nil
		}
		buf, err := dev.ReadBlock(dindBlock)
		if err != nil {
			return 0, xv6err.ErrIO.Wrap(err)
		}
		innerPtr := readEntry(buf.Bytes(), int(rel/layout.NIndirect))
		if innerPtr == 0 {
			return 0, nil
		}
		innerBuf, err := dev.ReadBlock(innerPtr)
		if err != nil {
			return 0, xv6err.ErrIO.Wrap(err)
		}
		return readEntry(innerBuf.Bytes(), int(rel%layout.NIndirect)), nil

	default:
		return 0, xv6err.ErrIO.WithMessage("logical block index out of range")
	}
}

func mapDirect(dev blockdev.Device, a *alloc.Allocator, d *inode.Disk, idx int, h *journal.Handle) (uint32, error) {
	if d.Addrs[idx] == 0 {
		bno, err := a.Balloc(h)
		if err != nil {
			return 0, err
		}
		d.Addrs[idx] = bno
	}
	return d.Addrs[idx], nil
}

// ensure returns *ptr, allocating a fresh zeroed block into it first if it
// is currently zero.
func ensure(dev blockdev.Device, a *alloc.Allocator, ptr *uint32, h *journal.Handle) (uint32, error) {
	if *ptr != 0 {
		return *ptr, nil
	}
	bno, err := a.Balloc(h)
	if err != nil {
		return 0, err
	}
	*ptr = bno
	return bno, nil
}

// mapWithin reads indirection block indBlock, returning the physical block
// at entry idx, allocating and persisting it first if it is zero.
func mapWithin(dev blockdev.Device, a *alloc.Allocator, indBlock uint32, idx int, h *journal.Handle) (uint32, error) {
	buf, err := dev.ReadBlock(indBlock)
	if err != nil {
		return 0, xv6err.ErrIO.Wrap(err)
	}
	ptr := readEntry(buf.Bytes(), idx)
	if ptr != 0 {
		return ptr, nil
	}

	bno, err := a.Balloc(h)
	if err != nil {
		return 0, err
	}
	writeEntry(buf.Bytes(), idx, bno)
	dev.MarkDirty(buf)
	if h != nil {
		h.LogWrite(buf.BlockNum)
	}
	return bno, nil
}

func readEntry(data []byte, idx int) uint32 {
	return binary.LittleEndian.Uint32(data[4*idx : 4*idx+4])
}

func writeEntry(data []byte, idx int, v uint32) {
	binary.LittleEndian.PutUint32(data[4*idx:4*idx+4], v)
}
