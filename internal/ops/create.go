package ops

import (
	"github.com/xv6fs-go/xv6fs/internal/fileio"
	"github.com/xv6fs-go/xv6fs/internal/inode"
	"github.com/xv6fs-go/xv6fs/internal/layout"
	"github.com/xv6fs-go/xv6fs/internal/xv6err"
)

// Create allocates a new inode of typ under parent, named name, per
// spec.md section 4.10. For typ == layout.TDir the new inode is seeded
// with "." and ".." entries (resolving the Open Question from spec.md
// section 9 in favor of doing this in ops, not in inode.Ialloc) before it
// is linked into its parent.
func (fs *Filesystem) Create(parent uint32, name string, typ uint16) (Attr, error) {
	h := fs.Jrnl.BeginOp()
	defer h.EndOp()

	pref, err := fs.Icache.Iget(parent)
	if err != nil {
		return Attr{}, err
	}
	defer fs.Icache.Iput(pref, h)
	if err := pref.Ilock(); err != nil {
		return Attr{}, err
	}
	defer pref.Iunlock()

	if pref.Internals().Type != layout.TDir {
		return Attr{}, xv6err.ErrNotADirectory
	}

	if _, _, err := fs.directoryFor(pref, h).Lookup(name); err == nil {
		return Attr{}, xv6err.ErrExists
	}

	childInum, childDisk, err := inode.Ialloc(fs.Dev, fs.Sb, typ, h)
	if err != nil {
		return Attr{}, err
	}

	cref, err := fs.Icache.Iget(childInum)
	if err != nil {
		return Attr{}, err
	}
	defer fs.Icache.Iput(cref, h)
	if err := cref.Ilock(); err != nil {
		return Attr{}, err
	}
	defer cref.Iunlock()
	*cref.Internals() = *childDisk

	if typ == layout.TDir {
		cref.Internals().Nlink = 2
		childDir := fs.directoryFor(cref, h)
		if err := childDir.Link(".", childInum); err != nil {
			return Attr{}, err
		}
		if err := childDir.Link("..", parent); err != nil {
			return Attr{}, err
		}
		if err := cref.Iupdate(h); err != nil {
			return Attr{}, err
		}

		pref.Internals().Nlink++
		if err := pref.Iupdate(h); err != nil {
			return Attr{}, err
		}
	}

	if err := fs.directoryFor(pref, h).Link(name, childInum); err != nil {
		return Attr{}, err
	}

	fs.logProvenance(h, "create", childInum, true)
	return attrFromDisk(childInum, cref.Internals()), nil
}

// Mkdir is Create specialized to T_DIR.
func (fs *Filesystem) Mkdir(parent uint32, name string) (Attr, error) {
	return fs.Create(parent, name, layout.TDir)
}

// Symlink creates a T_LNK inode under parent named name whose data is a
// little-endian u32 length prefix followed by the raw target path bytes.
func (fs *Filesystem) Symlink(parent uint32, name, target string) (Attr, error) {
	attr, err := fs.Create(parent, name, layout.TLnk)
	if err != nil {
		return Attr{}, err
	}

	payload := make([]byte, 4+len(target))
	le32put(payload[0:4], uint32(len(target)))
	copy(payload[4:], target)

	if _, err := fs.Write(attr.Inum, payload, 0); err != nil {
		return Attr{}, err
	}
	return fs.GetAttr(attr.Inum)
}

// ReadLink returns a symlink inode's target path.
func (fs *Filesystem) ReadLink(ino uint32) (string, error) {
	ref, err := fs.Icache.Iget(ino)
	if err != nil {
		return "", err
	}
	defer fs.Icache.Iput(ref, nil)
	if err := ref.IRLock(); err != nil {
		return "", err
	}
	defer ref.IRUnlock()

	d := ref.Internals()
	if d.Type != layout.TLnk {
		return "", xv6err.ErrInvalid.WithMessage("not a symlink")
	}
	var lenBuf [4]byte
	if _, err := fileio.Readi(fs.Dev, d, lenBuf[:], 0); err != nil {
		return "", err
	}
	n := le32get(lenBuf[:])
	target := make([]byte, n)
	if _, err := fileio.Readi(fs.Dev, d, target, 4); err != nil {
		return "", err
	}
	return string(target), nil
}

func le32put(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func le32get(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

