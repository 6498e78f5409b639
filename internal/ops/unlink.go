package ops

import (
	"github.com/xv6fs-go/xv6fs/internal/layout"
	"github.com/xv6fs-go/xv6fs/internal/xv6err"
)

// Unlink removes name from parent. Actual inode destruction is deferred to
// the last Iput, per spec.md section 4.6/4.10.
func (fs *Filesystem) Unlink(parent uint32, name string) error {
	return fs.removeEntry(parent, name, false)
}

// Rmdir removes the empty directory named name from parent.
func (fs *Filesystem) Rmdir(parent uint32, name string) error {
	return fs.removeEntry(parent, name, true)
}

func (fs *Filesystem) removeEntry(parent uint32, name string, wantDir bool) error {
	if name == "." || name == ".." {
		return xv6err.ErrInvalid.WithMessage("cannot remove . or ..")
	}

	h := fs.Jrnl.BeginOp()
	defer h.EndOp()

	pref, err := fs.Icache.Iget(parent)
	if err != nil {
		return err
	}
	defer fs.Icache.Iput(pref, h)
	if err := pref.Ilock(); err != nil {
		return err
	}
	defer pref.Iunlock()

	if pref.Internals().Type != layout.TDir {
		return xv6err.ErrNotADirectory
	}

	parentDir := fs.directoryFor(pref, h)
	childInum, offset, err := parentDir.Lookup(name)
	if err != nil {
		return err
	}

	cref, err := fs.Icache.Iget(childInum)
	if err != nil {
		return err
	}
	defer fs.Icache.Iput(cref, h)
	if err := cref.Ilock(); err != nil {
		return err
	}
	defer cref.Iunlock()

	isDir := cref.Internals().Type == layout.TDir
	if wantDir && !isDir {
		return xv6err.ErrNotADirectory
	}
	if !wantDir && isDir {
		return xv6err.ErrIsADirectory
	}

	if isDir {
		empty, err := fs.directoryFor(cref, h).IsEmpty()
		if err != nil {
			return err
		}
		if !empty {
			return xv6err.ErrDirectoryNotEmpty
		}
	}

	if err := parentDir.Unlink(offset); err != nil {
		return err
	}

	if isDir {
		pref.Internals().Nlink--
		if err := pref.Iupdate(h); err != nil {
			return err
		}
	}

	cref.Internals().Nlink--
	if err := cref.Iupdate(h); err != nil {
		return err
	}

	fs.logProvenance(h, "unlink", childInum, true)
	return nil
}
