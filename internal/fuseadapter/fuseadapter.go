// Package fuseadapter is the one place that knows how to translate between
// go-fuse's lowlevel RawFileSystem callbacks and internal/ops.Filesystem.
// It is intentionally thin: every byte of FUSE protocol decode/encode
// lives inside github.com/hanwen/go-fuse/v2, exactly as spec.md section 1
// scopes the dispatcher out of the core. Grounded on the KarpelesLab-
// squashfs inode_fuse.go binding, which wires the same library for the
// same "filesystem engine exposed through FUSE" shape.
package fuseadapter

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/xv6fs-go/xv6fs/internal/layout"
	"github.com/xv6fs-go/xv6fs/internal/ops"
	"github.com/xv6fs-go/xv6fs/internal/xv6err"
)

// Adapter implements fuse.RawFileSystem over one Filesystem. Methods this
// type does not override fall back to DefaultRawFileSystem's no-ops.
type Adapter struct {
	fuse.RawFileSystem
	fs *ops.Filesystem
}

// New wraps fs as a fuse.RawFileSystem.
func New(fs *ops.Filesystem) *Adapter {
	return &Adapter{RawFileSystem: fuse.NewDefaultRawFileSystem(), fs: fs}
}

// toErrno projects an xv6err sentinel to the errno go-fuse expects; this is
// the only place in the repo that knows that mapping.
func toErrno(err error) fuse.Status {
	switch {
	case err == nil:
		return fuse.OK
	case isKind(err, xv6err.ErrNotFound):
		return fuse.ENOENT
	case isKind(err, xv6err.ErrNotADirectory):
		return fuse.Status(syscall.ENOTDIR)
	case isKind(err, xv6err.ErrIsADirectory):
		return fuse.Status(syscall.EISDIR)
	case isKind(err, xv6err.ErrDirectoryNotEmpty):
		return fuse.Status(syscall.ENOTEMPTY)
	case isKind(err, xv6err.ErrExists):
		return fuse.Status(syscall.EEXIST)
	case isKind(err, xv6err.ErrNoSpace):
		return fuse.Status(syscall.ENOSPC)
	case isKind(err, xv6err.ErrInvalid):
		return fuse.Status(syscall.EINVAL)
	default:
		return fuse.EIO
	}
}

func isKind(err error, k xv6err.Kind) bool {
	type iser interface{ Is(error) bool }
	if w, ok := err.(iser); ok {
		return w.Is(k)
	}
	return err == error(k)
}

func fillAttr(out *fuse.Attr, a ops.Attr) {
	out.Ino = uint64(a.Inum)
	out.Size = uint64(a.Size)
	out.Nlink = uint32(a.Nlink)
	out.Blksize = layout.BlockSize
	out.Mode = fuseMode(a.Type)
}

func fuseMode(typ uint16) uint32 {
	switch typ {
	case layout.TDir:
		return syscall.S_IFDIR | 0755
	case layout.TLnk:
		return syscall.S_IFLNK | 0777
	default:
		return syscall.S_IFREG | 0644
	}
}

func (a *Adapter) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	attr, err := a.fs.Lookup(uint32(header.NodeId), name)
	if err != nil {
		return toErrno(err)
	}
	out.NodeId = uint64(attr.Inum)
	out.Attr.Ino = uint64(attr.Inum)
	fillAttr(&out.Attr, attr)
	return fuse.OK
}

func (a *Adapter) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	attr, err := a.fs.GetAttr(uint32(input.NodeId))
	if err != nil {
		return toErrno(err)
	}
	fillAttr(&out.Attr, attr)
	return fuse.OK
}

func (a *Adapter) SetAttr(cancel <-chan struct{}, input *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	size := input.Size
	attr, err := a.fs.SetAttr(uint32(input.NodeId), uint32(size))
	if err != nil {
		return toErrno(err)
	}
	fillAttr(&out.Attr, attr)
	return fuse.OK
}

func (a *Adapter) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	truncate := input.Flags&uint32(syscall.O_TRUNC) != 0
	if _, err := a.fs.Open(uint32(input.NodeId), truncate); err != nil {
		return toErrno(err)
	}
	return fuse.OK
}

func (a *Adapter) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	n, err := a.fs.Read(uint32(input.NodeId), buf, uint32(input.Offset))
	if err != nil {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(buf[:n]), fuse.OK
}

func (a *Adapter) Write(cancel <-chan struct{}, input *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	n, err := a.fs.Write(uint32(input.NodeId), data, uint32(input.Offset))
	if err != nil {
		return uint32(n), toErrno(err)
	}
	return uint32(n), fuse.OK
}

func (a *Adapter) Mkdir(cancel <-chan struct{}, input *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	attr, err := a.fs.Mkdir(uint32(input.NodeId), name)
	if err != nil {
		return toErrno(err)
	}
	out.NodeId = uint64(attr.Inum)
	fillAttr(&out.Attr, attr)
	return fuse.OK
}

func (a *Adapter) Create(cancel <-chan struct{}, input *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	attr, err := a.fs.Create(uint32(input.NodeId), name, layout.TFile)
	if err != nil {
		return toErrno(err)
	}
	out.NodeId = uint64(attr.Inum)
	fillAttr(&out.EntryOut.Attr, attr)
	return fuse.OK
}

func (a *Adapter) Symlink(cancel <-chan struct{}, header *fuse.InHeader, pointedTo string, linkName string, out *fuse.EntryOut) fuse.Status {
	attr, err := a.fs.Symlink(uint32(header.NodeId), linkName, pointedTo)
	if err != nil {
		return toErrno(err)
	}
	out.NodeId = uint64(attr.Inum)
	fillAttr(&out.Attr, attr)
	return fuse.OK
}

func (a *Adapter) Readlink(cancel <-chan struct{}, header *fuse.InHeader) ([]byte, fuse.Status) {
	target, err := a.fs.ReadLink(uint32(header.NodeId))
	if err != nil {
		return nil, toErrno(err)
	}
	return []byte(target), fuse.OK
}

func (a *Adapter) Unlink(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	return toErrno(a.fs.Unlink(uint32(header.NodeId), name))
}

func (a *Adapter) Rmdir(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	return toErrno(a.fs.Rmdir(uint32(header.NodeId), name))
}

func (a *Adapter) Rename(cancel <-chan struct{}, input *fuse.RenameIn, oldName string, newName string) fuse.Status {
	var flags ops.RenameFlags
	if input.Flags&fuse.RENAME_NOREPLACE != 0 {
		flags |= ops.RenameNoReplace
	}
	if input.Flags&fuse.RENAME_EXCHANGE != 0 {
		flags |= ops.RenameExchange
	}
	err := a.fs.Rename(uint32(input.NodeId), oldName, uint32(input.Newdir), newName, flags)
	return toErrno(err)
}

func (a *Adapter) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	err := a.fs.Readdir(uint32(input.NodeId), uint32(input.Offset), func(e ops.DirEntry) bool {
		return out.AddDirEntry(fuse.DirEntry{Ino: uint64(e.Inum), Name: e.Name, Mode: fuseMode(e.Type)})
	})
	return toErrno(err)
}

func (a *Adapter) StatFs(cancel <-chan struct{}, input *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	res := a.fs.Statfs()
	out.Blocks = res.Blocks
	out.Bfree = res.BlocksFree
	out.Bavail = res.BlocksAvail
	out.Files = res.Files
	out.Ffree = res.FilesFree
	out.Bsize = uint32(res.BlockSize)
	out.NameLen = uint32(res.NameLen)
	out.Frsize = uint32(res.FragSize)
	return fuse.OK
}

func (a *Adapter) Fsync(cancel <-chan struct{}, input *fuse.FsyncIn) fuse.Status {
	return toErrno(a.fs.Fsync(uint32(input.NodeId)))
}

func (a *Adapter) FsyncDir(cancel <-chan struct{}, input *fuse.FsyncIn) fuse.Status {
	return toErrno(a.fs.Fsyncdir(uint32(input.NodeId)))
}

var _ = context.Background
