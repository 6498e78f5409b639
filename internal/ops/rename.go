package ops

import (
	"github.com/xv6fs-go/xv6fs/internal/dirent"
	"github.com/xv6fs-go/xv6fs/internal/icache"
	"github.com/xv6fs-go/xv6fs/internal/journal"
	"github.com/xv6fs-go/xv6fs/internal/layout"
	"github.com/xv6fs-go/xv6fs/internal/xv6err"
)

// Rename moves name1 from parent1 to name2 under parent2, honoring
// RenameNoReplace and RenameExchange. Per spec.md section 9's resolution
// of the "target == source" Open Question, a rename that would move an
// entry onto itself is treated as a no-op.
func (fs *Filesystem) Rename(parent1 uint32, name1 string, parent2 uint32, name2 string, flags RenameFlags) error {
	h := fs.Jrnl.BeginOp()
	defer h.EndOp()

	first, second, swapped := canonicalOrder(parent1, parent2)

	var refA, refB *icache.Ref
	var err error
	if parent1 == parent2 {
		refA, err = fs.Icache.Iget(parent1)
		if err != nil {
			return err
		}
		defer fs.Icache.Iput(refA, h)
		if err := refA.Ilock(); err != nil {
			return err
		}
		defer refA.Iunlock()
		refB = refA
	} else {
		refA, err = fs.Icache.Iget(first)
		if err != nil {
			return err
		}
		defer fs.Icache.Iput(refA, h)
		if err := refA.Ilock(); err != nil {
			return err
		}
		defer refA.Iunlock()

		refB, err = fs.Icache.Iget(second)
		if err != nil {
			return err
		}
		defer fs.Icache.Iput(refB, h)
		if err := refB.Ilock(); err != nil {
			return err
		}
		defer refB.Iunlock()
	}

	p1ref, p2ref := refA, refB
	if swapped {
		p1ref, p2ref = refB, refA
	}

	if p1ref.Internals().Type != layout.TDir || p2ref.Internals().Type != layout.TDir {
		return xv6err.ErrNotADirectory
	}

	dir1 := fs.directoryFor(p1ref, h)
	srcInum, srcOffset, err := dir1.Lookup(name1)
	if err != nil {
		return err
	}

	var dir2 dirent.Directory
	if parent1 == parent2 {
		dir2 = dir1
	} else {
		dir2 = fs.directoryFor(p2ref, h)
	}

	dstInum, dstOffset, dstErr := dir2.Lookup(name2)
	targetExists := dstErr == nil

	if targetExists && dstInum == srcInum && parent1 == parent2 {
		// Renaming an entry onto itself: no-op.
		return nil
	}

	if flags&RenameExchange != 0 {
		if !targetExists {
			return xv6err.ErrNotFound
		}
		return fs.renameExchange(h, p1ref, dir1, name1, srcInum, srcOffset, p2ref, dir2, name2, dstInum, dstOffset)
	}

	if targetExists {
		if flags&RenameNoReplace != 0 {
			return xv6err.ErrExists
		}
		return fs.renameReplace(h, p1ref, dir1, name1, srcInum, srcOffset, p2ref, dir2, name2, dstInum, dstOffset, parent1, parent2)
	}

	return fs.renameMove(h, p1ref, p1ref, name1, srcInum, srcOffset, p2ref, dir2, name2, parent1, parent2)
}

func (fs *Filesystem) renameMove(h *journal.Handle, p1ref, _ *icache.Ref, name1 string, srcInum, srcOffset uint32, p2ref *icache.Ref, dir2 dirent.Directory, name2 string, parent1, parent2 uint32) error {
	dir1 := fs.directoryFor(p1ref, h)
	if err := dir1.Unlink(srcOffset); err != nil {
		return err
	}

	srcRef, err := fs.Icache.Iget(srcInum)
	if err != nil {
		return err
	}
	defer fs.Icache.Iput(srcRef, h)
	if err := srcRef.Ilock(); err != nil {
		return err
	}
	defer srcRef.Iunlock()

	if srcRef.Internals().Type == layout.TDir && parent1 != parent2 {
		p1ref.Internals().Nlink--
		if err := p1ref.Iupdate(h); err != nil {
			return err
		}
		p2ref.Internals().Nlink++
		if err := p2ref.Iupdate(h); err != nil {
			return err
		}
		moved := fs.directoryFor(srcRef, h)
		if _, offset, err := moved.Lookup(".."); err == nil {
			if err := moved.Unlink(offset); err != nil {
				return err
			}
		}
		if err := moved.Link("..", parent2); err != nil {
			return err
		}
	}

	if err := dir2.Link(name2, srcInum); err != nil {
		return err
	}
	fs.logProvenance(h, "rename", srcInum, true)
	return nil
}

func (fs *Filesystem) renameReplace(h *journal.Handle, p1ref *icache.Ref, dir1 dirent.Directory, name1 string, srcInum, srcOffset uint32, p2ref *icache.Ref, dir2 dirent.Directory, name2 string, dstInum, dstOffset uint32, parent1, parent2 uint32) error {
	dstRef, err := fs.Icache.Iget(dstInum)
	if err != nil {
		return err
	}
	defer fs.Icache.Iput(dstRef, h)
	if err := dstRef.Ilock(); err != nil {
		return err
	}
	defer dstRef.Iunlock()

	if dstRef.Internals().Type == layout.TDir {
		empty, err := fs.directoryFor(dstRef, h).IsEmpty()
		if err != nil {
			return err
		}
		if !empty {
			return xv6err.ErrDirectoryNotEmpty
		}
	}

	if err := dir2.Unlink(dstOffset); err != nil {
		return err
	}
	dstRef.Internals().Nlink--
	if err := dstRef.Iupdate(h); err != nil {
		return err
	}

	return fs.renameMove(h, p1ref, p1ref, name1, srcInum, srcOffset, p2ref, dir2, name2, parent1, parent2)
}

func (fs *Filesystem) renameExchange(h *journal.Handle, p1ref *icache.Ref, dir1 dirent.Directory, name1 string, srcInum, srcOffset uint32, p2ref *icache.Ref, dir2 dirent.Directory, name2 string, dstInum, dstOffset uint32) error {
	if err := dir1.Unlink(srcOffset); err != nil {
		return err
	}
	if err := dir2.Unlink(dstOffset); err != nil {
		return err
	}
	if err := dir1.Link(name1, dstInum); err != nil {
		return err
	}
	if err := dir2.Link(name2, srcInum); err != nil {
		return err
	}
	fs.logProvenance(h, "rename-exchange", srcInum, true)
	return nil
}
