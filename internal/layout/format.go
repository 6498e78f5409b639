package layout

import (
	"github.com/noxer/bytewriter"

	"github.com/xv6fs-go/xv6fs/internal/blockdev"
	"github.com/xv6fs-go/xv6fs/internal/xv6err"
)

// FormatOptions configures a fresh volume, the same way the teacher's
// disko.FSStat configures a driver's Format call.
type FormatOptions struct {
	TotalBlocks uint32
	NInodes     uint32
	NLog        uint32
}

// Format lays out a fresh volume onto dev: a zeroed boot block, the
// superblock, a zeroed journal header, a zeroed inode table, and a zeroed
// bitmap with the metadata region's own blocks marked in-use. Returns the
// Superblock written.
func Format(dev blockdev.Device, opts FormatOptions) (*Superblock, error) {
	sb, err := Geometry(opts.TotalBlocks, opts.NInodes, opts.NLog)
	if err != nil {
		return nil, err
	}

	if err := writeZeroRange(dev, 0, sb.Size-sb.NBlocks); err != nil {
		return nil, err
	}

	if err := WriteSuperblock(dev, sb); err != nil {
		return nil, err
	}

	if err := markMetadataBlocksUsed(dev, sb); err != nil {
		return nil, err
	}

	return sb, nil
}

func inodeTableBlocks(sb *Superblock) uint32 {
	return sb.BmapStart - sb.InodeStart
}

// writeZeroRange zeroes blocks [start, end) using a bytewriter.Writer over
// each block's buffer, the same idiom the teacher's unixv1 formatter uses
// to lay out a superblock region in one pass.
func writeZeroRange(dev blockdev.Device, start, end uint32) error {
	zero := ZeroBlock()
	for bno := start; bno < end; bno++ {
		buf, err := dev.ReadBlock(bno)
		if err != nil {
			return xv6err.ErrIO.Wrap(err)
		}
		w := bytewriter.New(buf.Bytes())
		if _, err := w.Write(zero); err != nil {
			return xv6err.ErrIO.Wrap(err)
		}
		dev.MarkDirty(buf)
	}
	return dev.Flush()
}

// markMetadataBlocksUsed sets the bitmap bit for every block before the
// start of the data region, so balloc never hands one of them out.
func markMetadataBlocksUsed(dev blockdev.Device, sb *Superblock) error {
	dataStart := sb.BmapStart + (sb.Size-sb.BmapStart-sb.NBlocks)
	for bno := uint32(0); bno < dataStart; bno++ {
		bitBlock := sb.BmapStart + bno/BPB
		buf, err := dev.ReadBlock(bitBlock)
		if err != nil {
			return xv6err.ErrIO.Wrap(err)
		}
		byteOff := (bno % BPB) / 8
		bit := byte(1) << (bno % 8)
		buf.Bytes()[byteOff] |= bit
		dev.MarkDirty(buf)
	}
	return dev.Flush()
}
