// Package dirent implements the directory layer described in spec.md
// section 4.9: a name-to-inode mapping built either as a linear array of
// fixed-size entries or, for large directories, an H-tree hash index. Both
// strategies satisfy the same Directory interface so internal/ops never
// needs to know which one backs a given directory.
package dirent

import (
	"bytes"
	"encoding/binary"

	"github.com/xv6fs-go/xv6fs/internal/xv6err"
)

// Kind distinguishes which Directory strategy backs a given directory
// inode. It is persisted in inode.Disk.Major, a field directories have no
// other use for (it only carries device-node major numbers), so the choice
// survives across Iget/Iput instead of being re-derived from Size on every
// call.
const (
	KindLinear uint16 = 0
	KindHTree  uint16 = 1
)

// EntrySize is the fixed wire size of one Entry: a uint32 inode number
// followed by a DirSiz-byte, null-padded name.
const EntrySize = 4 + DirSiz

// DirSiz is the fixed length of a directory entry's name field.
const DirSiz = 14

// Entry is one directory leaf record. Inum == 0 marks a free slot.
type Entry struct {
	Inum uint32
	Name [DirSiz]byte
}

// NameString returns the null-trimmed name as a string.
func (e *Entry) NameString() string {
	n := bytes.IndexByte(e.Name[:], 0)
	if n < 0 {
		n = DirSiz
	}
	return string(e.Name[:n])
}

// SetName copies name into e.Name, zero-padded. A name of DirSiz bytes or
// longer is an error.
func (e *Entry) SetName(name string) error {
	if len(name) >= DirSiz {
		return xv6err.ErrNoSpace.WithMessage("name too long")
	}
	var buf [DirSiz]byte
	copy(buf[:], name)
	e.Name = buf
	return nil
}

// MarshalBinary serializes e into EntrySize bytes.
func (e *Entry) MarshalBinary() []byte {
	buf := make([]byte, EntrySize)
	binary.LittleEndian.PutUint32(buf[0:4], e.Inum)
	copy(buf[4:], e.Name[:])
	return buf
}

// UnmarshalBinary reads one Entry out of its EntrySize-byte slot.
func (e *Entry) UnmarshalBinary(data []byte) {
	e.Inum = binary.LittleEndian.Uint32(data[0:4])
	copy(e.Name[:], data[4:4+DirSiz])
}

// Directory is the contract both the linear and H-tree strategies satisfy.
type Directory interface {
	// Lookup returns the inode number bound to name and an offset naming its
	// Entry that Unlink accepts (a byte offset for Linear, a leaf slot index
	// for HTree), or xv6err.ErrNotFound.
	Lookup(name string) (inum uint32, offset uint32, err error)

	// Link binds name to inum, reusing the first free slot found by
	// scanning, or appending a new one if none is free.
	Link(name string, inum uint32) error

	// Unlink zeroes the Entry at offset.
	Unlink(offset uint32) error

	// IsEmpty reports whether every entry besides "." and ".." is free.
	IsEmpty() (bool, error)

	// Iterate calls fn for every occupied entry in order, starting at
	// startOffset, until fn returns false or entries are exhausted. The
	// offset passed to fn is the one at which a later Iterate resumes after
	// this entry.
	Iterate(startOffset uint32, fn func(inum uint32, name string, offset uint32) bool) error
}
