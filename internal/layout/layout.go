// Package layout describes the on-disk geometry shared by every other
// package: block size, the fixed constants from spec.md section 6, and the
// Superblock record that pins down a volume's layout at format time.
package layout

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/xv6fs-go/xv6fs/internal/blockdev"
	"github.com/xv6fs-go/xv6fs/internal/xv6err"
)

const (
	// BlockSize is the fixed size of one block, in bytes.
	BlockSize = 4096
	// NDirect is the number of direct block pointers in an inode.
	NDirect = 11
	// NIndirect is the number of block-pointer entries in one indirection
	// block (BlockSize / sizeof(uint32)).
	NIndirect = BlockSize / 4
	// MaxFile is the largest file size, in blocks, addressable through
	// NDirect direct pointers, one single-indirect, and one double-indirect.
	MaxFile = NDirect + NIndirect + NIndirect*NIndirect
	// DirSiz is the fixed length of a directory entry's name field.
	DirSiz = 14
	// MaxOpBlocks is the worst-case number of blocks a single high-level
	// operation may dirty in one transaction.
	MaxOpBlocks = 10
	// LogSize is the journal's pending-block-set capacity.
	LogSize = 3 * MaxOpBlocks
	// NInode is the number of slots in the in-memory inode cache.
	NInode = 300
	// BPB is the number of bits described by one bitmap block.
	BPB = BlockSize * 8

	// SuperblockNum is the fixed block number of the superblock.
	SuperblockNum = 1
	// LogStart is the fixed first block of the journal.
	LogStart = 2

	// TFree marks an inode slot as unallocated.
	TFree = 0
	// TFile identifies a regular file inode.
	TFile = 1
	// TDir identifies a directory inode.
	TDir = 2
	// TLnk identifies a symbolic link inode.
	TLnk = 3
)

// Superblock is the immutable-after-format geometry of a volume. Every
// other component reads it by shared reference; nothing mutates it once
// ReadSuperblock or Format returns.
type Superblock struct {
	Size       uint32 // total blocks on the volume
	NBlocks    uint32 // data blocks
	NInodes    uint32 // total inode slots
	NLog       uint32 // journal block count
	LogStart   uint32 // first journal block (== LogStart const)
	InodeStart uint32 // first inode-table block
	BmapStart  uint32 // first bitmap block
}

const superblockWireSize = 7 * 4

// MarshalBinary serializes the superblock into exactly one block's worth of
// little-endian fields, zero-padded.
func (sb *Superblock) MarshalBinary() ([]byte, error) {
	buf := make([]byte, BlockSize)
	order := binary.LittleEndian
	order.PutUint32(buf[0:4], sb.Size)
	order.PutUint32(buf[4:8], sb.NBlocks)
	order.PutUint32(buf[8:12], sb.NInodes)
	order.PutUint32(buf[12:16], sb.NLog)
	order.PutUint32(buf[16:20], sb.LogStart)
	order.PutUint32(buf[20:24], sb.InodeStart)
	order.PutUint32(buf[24:28], sb.BmapStart)
	return buf, nil
}

// UnmarshalBinary reads a superblock out of one block's worth of bytes.
func (sb *Superblock) UnmarshalBinary(data []byte) error {
	if len(data) < superblockWireSize {
		return xv6err.ErrIO.WithMessage("short read of superblock")
	}
	order := binary.LittleEndian
	sb.Size = order.Uint32(data[0:4])
	sb.NBlocks = order.Uint32(data[4:8])
	sb.NInodes = order.Uint32(data[8:12])
	sb.NLog = order.Uint32(data[12:16])
	sb.LogStart = order.Uint32(data[16:20])
	sb.InodeStart = order.Uint32(data[20:24])
	sb.BmapStart = order.Uint32(data[24:28])
	return nil
}

// ReadSuperblock reads and decodes block 1 from dev.
func ReadSuperblock(dev blockdev.Device) (*Superblock, error) {
	buf, err := dev.ReadBlock(SuperblockNum)
	if err != nil {
		return nil, xv6err.ErrIO.Wrap(err)
	}
	sb := &Superblock{}
	if err := sb.UnmarshalBinary(buf.Bytes()); err != nil {
		return nil, err
	}
	if sb.LogStart != LogStart {
		return nil, xv6err.ErrIO.WithMessage(
			fmt.Sprintf("corrupt superblock: logstart == %d, want %d", sb.LogStart, LogStart))
	}
	return sb, nil
}

// WriteSuperblock serializes sb and writes it to block 1, marking it dirty.
func WriteSuperblock(dev blockdev.Device, sb *Superblock) error {
	buf, err := dev.ReadBlock(SuperblockNum)
	if err != nil {
		return xv6err.ErrIO.Wrap(err)
	}
	raw, _ := sb.MarshalBinary()
	copy(buf.Bytes(), raw)
	dev.MarkDirty(buf)
	return dev.Flush()
}

// Geometry computes the derived layout fields (log start is fixed, inode
// table and bitmap start blocks follow from the requested sizes) for
// FormatOptions and returns a ready-to-write Superblock.
func Geometry(totalBlocks, nInodes, nLog uint32) (*Superblock, error) {
	if totalBlocks < 8 {
		return nil, xv6err.ErrInvalid.WithMessage("volume too small")
	}

	diskInodeSize := uint32(64) // kept in sync with inode.DiskSize
	ipb := BlockSize / diskInodeSize
	inodeBlocks := (nInodes + ipb - 1) / ipb

	inodeStart := LogStart + nLog
	// The bitmap follows the inode table.
	bmapStart := inodeStart + inodeBlocks

	// The bitmap is indexed by absolute block number, so it holds one bit
	// per block of the whole volume: one bitmap block per BPB blocks. The
	// loop checks that the bitmap fits before the end of the volume.
	bmapBlocks := uint32(1)
	for {
		dataStart := bmapStart + bmapBlocks
		if dataStart > totalBlocks {
			return nil, xv6err.ErrInvalid.WithMessage("volume too small for requested inode/log counts")
		}
		needed := (totalBlocks + BPB - 1) / BPB
		if needed == 0 {
			needed = 1
		}
		if needed == bmapBlocks {
			break
		}
		bmapBlocks = needed
	}

	dataStart := bmapStart + bmapBlocks
	return &Superblock{
		Size:       totalBlocks,
		NBlocks:    totalBlocks - dataStart,
		NInodes:    nInodes,
		NLog:       nLog,
		LogStart:   LogStart,
		InodeStart: inodeStart,
		BmapStart:  bmapStart,
	}, nil
}

// ZeroBlock returns a freshly allocated, zero-filled block-sized buffer.
func ZeroBlock() []byte {
	return bytes.Repeat([]byte{0}, BlockSize)
}
