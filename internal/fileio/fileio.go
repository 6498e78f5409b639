// Package fileio implements byte-granular read/write over the block-map
// engine, per spec.md section 4.8.
package fileio

import (
	"github.com/xv6fs-go/xv6fs/internal/alloc"
	"github.com/xv6fs-go/xv6fs/internal/blockdev"
	"github.com/xv6fs-go/xv6fs/internal/bmap"
	"github.com/xv6fs-go/xv6fs/internal/inode"
	"github.com/xv6fs-go/xv6fs/internal/journal"
	"github.com/xv6fs-go/xv6fs/internal/layout"
	"github.com/xv6fs-go/xv6fs/internal/xv6err"
)

// writeBudget is the per-call bound on blocks a single Writei call may
// zero-fill or write, from spec.md section 4.8: (MaxOpBlocks - 4) / 2.
const writeBudget = (layout.MaxOpBlocks - 4) / 2

// Readi copies up to len(buf) bytes starting at off from the file described
// by d into buf, clamped so off+n never exceeds d.Size, and returns the
// number of bytes actually copied. An off beyond d.Size is an error.
func Readi(dev blockdev.Device, d *inode.Disk, buf []byte, off uint32) (int, error) {
	if off > d.Size {
		return 0, xv6err.ErrInvalid.WithMessage("read offset beyond end of file")
	}

	n := uint32(len(buf))
	if off+n < off {
		return 0, xv6err.ErrInvalid.WithMessage("read range overflow")
	}
	if off+n > d.Size {
		n = d.Size - off
	}

	var total uint32
	for total < n {
		cur := off + total
		l := cur / layout.BlockSize
		within := cur % layout.BlockSize

		phys, err := bmap.MapReadOnly(dev, d, l)
		if err != nil {
			return int(total), err
		}

		chunk := layout.BlockSize - within
		if remain := n - total; chunk > remain {
			chunk = remain
		}

		if phys == 0 {
			for i := uint32(0); i < chunk; i++ {
				buf[total+i] = 0
			}
		} else {
			src, err := dev.ReadBlock(phys)
			if err != nil {
				return int(total), xv6err.ErrIO.Wrap(err)
			}
			copy(buf[total:total+chunk], src.Bytes()[within:within+chunk])
		}
		total += chunk
	}
	return int(total), nil
}

// Writei writes buf's contents to the file described by d at offset off,
// zero-filling any gap if off > d.Size, updating d.Size on growth and
// persisting d via Iupdate before returning. Both the zero-fill and the
// data write are bounded to writeBudget blocks per call; when that budget
// is exhausted, Writei returns the partial byte count with a nil error --
// callers must loop until the full request is satisfied.
func Writei(dev blockdev.Device, sb *layout.Superblock, a *alloc.Allocator, d *inode.Disk, buf []byte, off uint32, inum uint32, h *journal.Handle) (int, error) {
	if uint64(off)+uint64(len(buf)) > uint64(layout.MaxFile)*layout.BlockSize {
		return 0, xv6err.ErrNoSpace.WithMessage("file too large")
	}

	budget := writeBudget

	if off > d.Size {
		gapEnd := off
		cur := d.Size
		for cur < gapEnd && budget > 0 {
			l := cur / layout.BlockSize
			within := cur % layout.BlockSize
			phys, err := bmap.Map(dev, a, d, l, h)
			if err != nil {
				return 0, err
			}
			chunk := layout.BlockSize - within
			if remain := gapEnd - cur; chunk > remain {
				chunk = remain
			}
			zeroBlock(dev, phys, within, chunk, h)
			cur += chunk
			budget--
		}
		if cur < gapEnd {
			// Budget exhausted before the gap was fully zeroed; record how
			// far the zero-fill got so the next call resumes mid-gap
			// instead of re-zeroing the same blocks forever.
			d.Size = cur
			return 0, inode.Iupdate(dev, sb, inum, d, h)
		}
	}

	n := uint32(len(buf))
	var total uint32
	for total < n && budget > 0 {
		cur := off + total
		l := cur / layout.BlockSize
		within := cur % layout.BlockSize

		phys, err := bmap.Map(dev, a, d, l, h)
		if err != nil {
			return int(total), err
		}

		chunk := layout.BlockSize - within
		if remain := n - total; chunk > remain {
			chunk = remain
		}

		dst, err := dev.ReadBlock(phys)
		if err != nil {
			return int(total), xv6err.ErrIO.Wrap(err)
		}
		copy(dst.Bytes()[within:within+chunk], buf[total:total+chunk])
		dev.MarkDirty(dst)
		if h != nil {
			h.LogWrite(dst.BlockNum)
		}

		total += chunk
		budget--
	}

	if off+total > d.Size {
		d.Size = off + total
	}
	if err := inode.Iupdate(dev, sb, inum, d, h); err != nil {
		return int(total), err
	}
	return int(total), nil
}

func zeroBlock(dev blockdev.Device, phys uint32, within, chunk uint32, h *journal.Handle) {
	buf, err := dev.ReadBlock(phys)
	if err != nil {
		return
	}
	data := buf.Bytes()
	for i := uint32(0); i < chunk; i++ {
		data[within+i] = 0
	}
	dev.MarkDirty(buf)
	if h != nil {
		h.LogWrite(buf.BlockNum)
	}
}
