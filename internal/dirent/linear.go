package dirent

import (
	"github.com/xv6fs-go/xv6fs/internal/alloc"
	"github.com/xv6fs-go/xv6fs/internal/blockdev"
	"github.com/xv6fs-go/xv6fs/internal/fileio"
	"github.com/xv6fs-go/xv6fs/internal/inode"
	"github.com/xv6fs-go/xv6fs/internal/journal"
	"github.com/xv6fs-go/xv6fs/internal/layout"
	"github.com/xv6fs-go/xv6fs/internal/xv6err"
)

// Linear is the default Directory strategy: a packed array of Entry
// records, scanned start to end.
type Linear struct {
	dev   blockdev.Device
	sb    *layout.Superblock
	alloc *alloc.Allocator
	inum  uint32
	d     *inode.Disk
	h     *journal.Handle
}

// NewLinear wraps the directory data of d (inode inum) as a Linear
// directory. Mutating calls (Link, Unlink) register their writes with h.
func NewLinear(dev blockdev.Device, sb *layout.Superblock, a *alloc.Allocator, inum uint32, d *inode.Disk, h *journal.Handle) *Linear {
	return &Linear{dev: dev, sb: sb, alloc: a, inum: inum, d: d, h: h}
}

func (l *Linear) readEntry(off uint32) (Entry, error) {
	var raw [EntrySize]byte
	n, err := fileio.Readi(l.dev, l.d, raw[:], off)
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if n < EntrySize {
		return e, nil
	}
	e.UnmarshalBinary(raw[:])
	return e, nil
}

func (l *Linear) writeEntry(off uint32, e Entry) error {
	_, err := fileio.Writei(l.dev, l.sb, l.alloc, l.d, e.MarshalBinary(), off, l.inum, l.h)
	return err
}

func (l *Linear) Lookup(name string) (uint32, uint32, error) {
	count := l.d.Size / EntrySize
	for i := uint32(0); i < count; i++ {
		off := i * EntrySize
		e, err := l.readEntry(off)
		if err != nil {
			return 0, 0, err
		}
		if e.Inum != 0 && e.NameString() == name {
			return e.Inum, off, nil
		}
	}
	return 0, 0, xv6err.ErrNotFound
}

func (l *Linear) Link(name string, inum uint32) error {
	var e Entry
	if err := e.SetName(name); err != nil {
		return err
	}
	e.Inum = inum

	count := l.d.Size / EntrySize
	for i := uint32(0); i < count; i++ {
		off := i * EntrySize
		existing, err := l.readEntry(off)
		if err != nil {
			return err
		}
		if existing.Inum == 0 {
			return l.writeEntry(off, e)
		}
	}
	return l.writeEntry(l.d.Size, e)
}

func (l *Linear) Unlink(offset uint32) error {
	return l.writeEntry(offset, Entry{})
}

func (l *Linear) IsEmpty() (bool, error) {
	count := l.d.Size / EntrySize
	for i := uint32(0); i < count; i++ {
		e, err := l.readEntry(i * EntrySize)
		if err != nil {
			return false, err
		}
		if e.Inum == 0 {
			continue
		}
		name := e.NameString()
		if name == "." || name == ".." {
			continue
		}
		return false, nil
	}
	return true, nil
}

func (l *Linear) Iterate(startOffset uint32, fn func(inum uint32, name string, offset uint32) bool) error {
	count := l.d.Size / EntrySize
	start := startOffset / EntrySize
	for i := start; i < count; i++ {
		off := i * EntrySize
		e, err := l.readEntry(off)
		if err != nil {
			return err
		}
		if e.Inum == 0 {
			continue
		}
		if !fn(e.Inum, e.NameString(), off+EntrySize) {
			return nil
		}
	}
	return nil
}
