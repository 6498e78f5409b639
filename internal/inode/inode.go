// Package inode implements the on-disk inode table described in spec.md
// section 4.5: packed fixed-size records, allocation, update, and
// truncation. The wire shape is modeled on the teacher's
// drivers/unixv6.RawInode (a packed struct of on-disk fields decoded
// field-by-field), generalized from UnixV6's 8 direct pointers to the
// direct/single-indirect/double-indirect shape spec.md requires.
package inode

import (
	"encoding/binary"

	"github.com/xv6fs-go/xv6fs/internal/alloc"
	"github.com/xv6fs-go/xv6fs/internal/blockdev"
	"github.com/xv6fs-go/xv6fs/internal/journal"
	"github.com/xv6fs-go/xv6fs/internal/layout"
	"github.com/xv6fs-go/xv6fs/internal/xv6err"
)

// DiskSize is the fixed wire size of one Disk record, in bytes. Kept in
// sync with layout.Geometry's diskInodeSize literal.
const DiskSize = 64

// NAddrs is len(Disk.Addrs): NDirect direct pointers, one single-indirect,
// one double-indirect.
const NAddrs = layout.NDirect + 2

// IPB is the number of inodes packed into one block.
const IPB = layout.BlockSize / DiskSize

// Disk is the fixed-size on-disk inode record.
type Disk struct {
	Type  uint16
	Major uint16
	Minor uint16
	Nlink uint16
	Size  uint32
	Addrs [NAddrs]uint32
}

// MarshalBinary serializes d into exactly DiskSize bytes.
func (d *Disk) MarshalBinary() ([]byte, error) {
	buf := make([]byte, DiskSize)
	order := binary.LittleEndian
	order.PutUint16(buf[0:2], d.Type)
	order.PutUint16(buf[2:4], d.Major)
	order.PutUint16(buf[4:6], d.Minor)
	order.PutUint16(buf[6:8], d.Nlink)
	order.PutUint32(buf[8:12], d.Size)
	for i, a := range d.Addrs {
		off := 12 + 4*i
		order.PutUint32(buf[off:off+4], a)
	}
	return buf, nil
}

// UnmarshalBinary reads one Disk record out of its DiskSize-byte slot.
func (d *Disk) UnmarshalBinary(data []byte) error {
	if len(data) < DiskSize {
		return xv6err.ErrIO.WithMessage("short read of inode record")
	}
	order := binary.LittleEndian
	d.Type = order.Uint16(data[0:2])
	d.Major = order.Uint16(data[2:4])
	d.Minor = order.Uint16(data[4:6])
	d.Nlink = order.Uint16(data[6:8])
	d.Size = order.Uint32(data[8:12])
	for i := range d.Addrs {
		off := 12 + 4*i
		d.Addrs[i] = order.Uint32(data[off : off+4])
	}
	return nil
}

// blockFor returns the inode-table block number holding inum.
func blockFor(sb *layout.Superblock, inum uint32) uint32 {
	return sb.InodeStart + inum/IPB
}

// offsetFor returns the byte offset of inum's record within its block.
func offsetFor(inum uint32) int {
	return int(inum%IPB) * DiskSize
}

// Read loads inum's record from dev.
func Read(dev blockdev.Device, sb *layout.Superblock, inum uint32) (*Disk, error) {
	buf, err := dev.ReadBlock(blockFor(sb, inum))
	if err != nil {
		return nil, xv6err.ErrIO.Wrap(err)
	}
	off := offsetFor(inum)
	d := &Disk{}
	if err := d.UnmarshalBinary(buf.Bytes()[off : off+DiskSize]); err != nil {
		return nil, err
	}
	return d, nil
}

// Iupdate serializes d into its slot for inum, marks the block dirty, and
// registers it with h.
func Iupdate(dev blockdev.Device, sb *layout.Superblock, inum uint32, d *Disk, h *journal.Handle) error {
	buf, err := dev.ReadBlock(blockFor(sb, inum))
	if err != nil {
		return xv6err.ErrIO.Wrap(err)
	}
	raw, _ := d.MarshalBinary()
	off := offsetFor(inum)
	copy(buf.Bytes()[off:off+DiskSize], raw)
	dev.MarkDirty(buf)
	if h != nil {
		h.LogWrite(buf.BlockNum)
	}
	return nil
}

// Ialloc scans the inode table for a free (Type == TFree) slot, reinitializes
// it as typ, writes it via h, and returns its inode number and record.
func Ialloc(dev blockdev.Device, sb *layout.Superblock, typ uint16, h *journal.Handle) (uint32, *Disk, error) {
	for inum := uint32(1); inum < sb.NInodes; inum++ {
		d, err := Read(dev, sb, inum)
		if err != nil {
			return 0, nil, err
		}
		if d.Type != layout.TFree {
			continue
		}
		*d = Disk{Type: typ, Nlink: 1}
		if err := Iupdate(dev, sb, inum, d, h); err != nil {
			return 0, nil, err
		}
		return inum, d, nil
	}
	return 0, nil, xv6err.ErrNoSpace.WithMessage("no free inodes")
}

// FreeCount scans the inode table and returns how many slots are
// Type == layout.TFree, the inode-table counterpart to alloc.FreeCount.
func FreeCount(dev blockdev.Device, sb *layout.Superblock) (uint32, error) {
	var free uint32
	for inum := uint32(1); inum < sb.NInodes; inum++ {
		d, err := Read(dev, sb, inum)
		if err != nil {
			return 0, err
		}
		if d.Type == layout.TFree {
			free++
		}
	}
	return free, nil
}

// Itrunc frees every data block reachable from d's address list (direct,
// single-indirect, double-indirect) via a, sets Size to 0, and writes d back
// through Iupdate. It does not itself enforce the "last reference" condition;
// callers (internal/icache) are responsible for that.
func Itrunc(dev blockdev.Device, sb *layout.Superblock, inum uint32, d *Disk, a *alloc.Allocator, h *journal.Handle) error {
	for i := 0; i < layout.NDirect; i++ {
		if d.Addrs[i] != 0 {
			if err := a.Bfree(d.Addrs[i], h); err != nil {
				return err
			}
			d.Addrs[i] = 0
		}
	}

	if d.Addrs[layout.NDirect] != 0 {
		if err := freeIndirect(dev, d.Addrs[layout.NDirect], a, h); err != nil {
			return err
		}
		if err := a.Bfree(d.Addrs[layout.NDirect], h); err != nil {
			return err
		}
		d.Addrs[layout.NDirect] = 0
	}

	if d.Addrs[layout.NDirect+1] != 0 {
		dindBlock := d.Addrs[layout.NDirect+1]
		buf, err := dev.ReadBlock(dindBlock)
		if err != nil {
			return xv6err.ErrIO.Wrap(err)
		}
		entries := readIndirectEntries(buf.Bytes())
		for _, ind := range entries {
			if ind == 0 {
				continue
			}
			if err := freeIndirect(dev, ind, a, h); err != nil {
				return err
			}
			if err := a.Bfree(ind, h); err != nil {
				return err
			}
		}
		if err := a.Bfree(dindBlock, h); err != nil {
			return err
		}
		d.Addrs[layout.NDirect+1] = 0
	}

	d.Size = 0
	return Iupdate(dev, sb, inum, d, h)
}

func freeIndirect(dev blockdev.Device, indBlock uint32, a *alloc.Allocator, h *journal.Handle) error {
	buf, err := dev.ReadBlock(indBlock)
	if err != nil {
		return xv6err.ErrIO.Wrap(err)
	}
	for _, bno := range readIndirectEntries(buf.Bytes()) {
		if bno == 0 {
			continue
		}
		if err := a.Bfree(bno, h); err != nil {
			return err
		}
	}
	return nil
}

func readIndirectEntries(data []byte) []uint32 {
	order := binary.LittleEndian
	entries := make([]uint32, layout.NIndirect)
	for i := range entries {
		entries[i] = order.Uint32(data[4*i : 4*i+4])
	}
	return entries
}
