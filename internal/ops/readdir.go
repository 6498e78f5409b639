package ops

import (
	"github.com/xv6fs-go/xv6fs/internal/layout"
	"github.com/xv6fs-go/xv6fs/internal/xv6err"
)

// DirEntry is one entry yielded by Readdir.
type DirEntry struct {
	Inum       uint32
	Name       string
	Type       uint16
	NextOffset uint32
}

// Readdir walks ino's directory entries starting at offset, calling emit
// for each; emit returns false to stop early (e.g. the reply buffer is
// full), which Readdir honors by returning immediately.
func (fs *Filesystem) Readdir(ino uint32, offset uint32, emit func(DirEntry) bool) error {
	ref, err := fs.Icache.Iget(ino)
	if err != nil {
		return err
	}
	defer fs.Icache.Iput(ref, nil)
	if err := ref.IRLock(); err != nil {
		return err
	}
	defer ref.IRUnlock()

	if ref.Internals().Type != layout.TDir {
		return xv6err.ErrNotADirectory
	}

	dir := fs.directoryFor(ref, nil)
	return dir.Iterate(offset, func(inum uint32, name string, next uint32) bool {
		childRef, err := fs.Icache.Iget(inum)
		if err != nil {
			return false
		}
		var typ uint16
		if err := childRef.IRLock(); err == nil {
			typ = childRef.Internals().Type
			childRef.IRUnlock()
		}
		fs.Icache.Iput(childRef, nil)
		return emit(DirEntry{Inum: inum, Name: name, Type: typ, NextOffset: next})
	})
}
