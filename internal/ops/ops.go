// Package ops implements the high-level filesystem operations of spec.md
// section 4.10, each composed from the lower layers under one journal
// transaction. This is the one package a dispatcher (internal/fuseadapter,
// internal/netfs, or cmd/xv6fsctl) actually calls into.
package ops

import (
	"github.com/jacobsa/syncutil"

	"github.com/xv6fs-go/xv6fs/internal/alloc"
	"github.com/xv6fs-go/xv6fs/internal/blockdev"
	"github.com/xv6fs-go/xv6fs/internal/dirent"
	"github.com/xv6fs-go/xv6fs/internal/fileio"
	"github.com/xv6fs-go/xv6fs/internal/icache"
	"github.com/xv6fs-go/xv6fs/internal/inode"
	"github.com/xv6fs-go/xv6fs/internal/journal"
	"github.com/xv6fs-go/xv6fs/internal/layout"
	"github.com/xv6fs-go/xv6fs/internal/xv6err"
)

// RenameFlags mirrors the flags honored by Rename: NOREPLACE and EXCHANGE
// are mutually exclusive.
type RenameFlags uint8

const (
	RenameNoReplace RenameFlags = 1 << iota
	RenameExchange
)

// MountConfig carries the fields that become immutable once Mount returns:
// mount-time options that do not belong to any one inode or the volume
// geometry itself.
type MountConfig struct {
	// UseHTreeAbove migrates a directory from dirent.Linear to dirent.HTree
	// the first time a mutating call finds its entry count over this
	// threshold; 0 disables H-tree entirely and every directory stays
	// dirent.Linear.
	UseHTreeAbove uint32
	// ProvenanceInum names a reserved inode, allocated by Format, that
	// mutating operations append a log line to; 0 disables provenance
	// logging. Must match whatever value Format was given for this volume.
	ProvenanceInum uint32
}

// ProvenanceSink is the interface internal/provenance's Logger satisfies;
// kept here as a narrow interface so the per-operation methods in this
// file only need Append, not the rest of Logger. mount.go is the one file
// that imports internal/provenance directly, to construct the Logger this
// field holds once Mount knows cfg.ProvenanceInum.
type ProvenanceSink interface {
	Append(h *journal.Handle, op string, inum uint32, ok bool) error
}

// Filesystem is the assembled core: every lower layer plus the mount-time
// configuration, which no method changes after New. mu is an
// InvariantMutex whose checker panics if H-tree migration is configured
// while Sb is nil; no Filesystem method locks mu, so the checker does not
// run during operations and does not compare config against its value at
// Mount.
type Filesystem struct {
	Dev    blockdev.Device
	Sb     *layout.Superblock
	Alloc  *alloc.Allocator
	Jrnl   *journal.Journal
	Icache *icache.Cache

	Provenance ProvenanceSink

	mu     syncutil.InvariantMutex
	config MountConfig
}

// New assembles a Filesystem from its already-constructed layers.
func New(dev blockdev.Device, sb *layout.Superblock, a *alloc.Allocator, jrnl *journal.Journal, ic *icache.Cache, cfg MountConfig) *Filesystem {
	fs := &Filesystem{Dev: dev, Sb: sb, Alloc: a, Jrnl: jrnl, Icache: ic, config: cfg}
	fs.mu = syncutil.NewInvariantMutex(fs.checkInvariants)
	return fs
}

func (fs *Filesystem) checkInvariants() {
	if fs.config.UseHTreeAbove > 0 && fs.Sb == nil {
		panic("ops: Filesystem used before assembly completed")
	}
}

// Attr is the stat projection returned by GetAttr/Lookup/Create.
type Attr struct {
	Inum  uint32
	Type  uint16
	Nlink uint16
	Size  uint32
}

func attrFromDisk(inum uint32, d *inode.Disk) Attr {
	return Attr{Inum: inum, Type: d.Type, Nlink: d.Nlink, Size: d.Size}
}

// StatfsResult is the projection of the superblock and allocator state
// returned by Statfs.
type StatfsResult struct {
	Blocks, BlocksFree, BlocksAvail uint64
	Files, FilesFree                uint64
	BlockSize, NameLen, FragSize    uint64
}

// directoryFor picks the Directory strategy recorded in d.Major. A Linear
// directory mutated under a real transaction (h != nil) that has grown
// past UseHTreeAbove is migrated to HTree in place before use; read-only
// callers (h == nil, e.g. Lookup) never trigger a migration, since that
// would require writes outside any transaction.
func (fs *Filesystem) directoryFor(ref *icache.Ref, h *journal.Handle) dirent.Directory {
	d := ref.Internals()
	if d.Major == dirent.KindLinear && h != nil && fs.config.UseHTreeAbove > 0 &&
		d.Size/dirent.EntrySize > fs.config.UseHTreeAbove {
		if converted, err := dirent.ConvertToHTree(fs.Dev, fs.Sb, fs.Alloc, ref.Inum, d, h); err == nil {
			return converted
		}
	}
	if d.Major == dirent.KindHTree {
		return dirent.NewHTree(fs.Dev, fs.Sb, fs.Alloc, ref.Inum, d, h)
	}
	return dirent.NewLinear(fs.Dev, fs.Sb, fs.Alloc, ref.Inum, d, h)
}

// Lookup resolves name inside directory parent, returning the child's Attr.
func (fs *Filesystem) Lookup(parent uint32, name string) (Attr, error) {
	pref, err := fs.Icache.Iget(parent)
	if err != nil {
		return Attr{}, err
	}
	defer fs.Icache.Iput(pref, nil)

	if err := pref.IRLock(); err != nil {
		return Attr{}, err
	}
	defer pref.IRUnlock()
	if pref.Internals().Type != layout.TDir {
		return Attr{}, xv6err.ErrNotADirectory
	}

	childInum, _, err := fs.directoryFor(pref, nil).Lookup(name)
	if err != nil {
		return Attr{}, err
	}

	cref, err := fs.Icache.Iget(childInum)
	if err != nil {
		return Attr{}, err
	}
	defer fs.Icache.Iput(cref, nil)
	if err := cref.IRLock(); err != nil {
		return Attr{}, err
	}
	defer cref.IRUnlock()

	return attrFromDisk(childInum, cref.Internals()), nil
}

// GetAttr projects ino's current on-disk fields.
func (fs *Filesystem) GetAttr(ino uint32) (Attr, error) {
	ref, err := fs.Icache.Iget(ino)
	if err != nil {
		return Attr{}, err
	}
	defer fs.Icache.Iput(ref, nil)
	if err := ref.IRLock(); err != nil {
		return Attr{}, err
	}
	defer ref.IRUnlock()
	return attrFromDisk(ino, ref.Internals()), nil
}

// SetAttr applies a new size to ino. Size 0 frees all of ino's blocks via
// inode.Itrunc; any other size is only recorded in the inode's size field:
// blocks past it are not freed, and no blocks up to it are allocated or
// zeroed. Only size changes are modeled; ownership/mode bits are outside this
// core's scope (see spec.md section 1's external-collaborator boundary).
func (fs *Filesystem) SetAttr(ino uint32, size uint32) (Attr, error) {
	h := fs.Jrnl.BeginOp()
	defer h.EndOp()

	ref, err := fs.Icache.Iget(ino)
	if err != nil {
		return Attr{}, err
	}
	defer fs.Icache.Iput(ref, h)
	if err := ref.Ilock(); err != nil {
		return Attr{}, err
	}
	defer ref.Iunlock()

	d := ref.Internals()
	if size == 0 {
		if err := inode.Itrunc(fs.Dev, fs.Sb, ino, d, fs.Alloc, h); err != nil {
			return Attr{}, err
		}
	} else {
		d.Size = size
	}
	if err := ref.Iupdate(h); err != nil {
		return Attr{}, err
	}
	fs.logProvenance(h, "setattr", ino, true)
	return attrFromDisk(ino, d), nil
}

// Open validates that ino can be opened and, when truncate is requested,
// resets it to size 0 under its own transaction.
func (fs *Filesystem) Open(ino uint32, truncate bool) (Attr, error) {
	if !truncate {
		return fs.GetAttr(ino)
	}
	return fs.SetAttr(ino, 0)
}

// Read copies up to len(buf) bytes from ino starting at off.
func (fs *Filesystem) Read(ino uint32, buf []byte, off uint32) (int, error) {
	ref, err := fs.Icache.Iget(ino)
	if err != nil {
		return 0, err
	}
	defer fs.Icache.Iput(ref, nil)
	if err := ref.IRLock(); err != nil {
		return 0, err
	}
	defer ref.IRUnlock()
	return fileio.Readi(fs.Dev, ref.Internals(), buf, off)
}

// Write writes buf to ino at offset off, looping internally across
// fileio.Writei's per-call block budget until the whole request lands or
// an error occurs. O_APPEND is left to the caller per spec.md section 9:
// a caller wanting append semantics should read GetAttr(ino).Size first
// and pass that as off.
func (fs *Filesystem) Write(ino uint32, buf []byte, off uint32) (int, error) {
	var total int
	for total < len(buf) {
		h := fs.Jrnl.BeginOp()
		n, err := fs.writeOnce(ino, buf[total:], off+uint32(total), h)
		endErr := h.EndOp()
		if err != nil {
			return total, err
		}
		if endErr != nil {
			return total, endErr
		}
		if n == 0 {
			// No byte of buf landed in this transaction (its budget may
			// have gone to zero-filling a gap before off); try again in a
			// fresh transaction rather than spinning forever in this one.
			continue
		}
		total += n
	}
	fs.logProvenanceNoHandle("write", ino, true)
	return total, nil
}

func (fs *Filesystem) writeOnce(ino uint32, buf []byte, off uint32, h *journal.Handle) (int, error) {
	ref, err := fs.Icache.Iget(ino)
	if err != nil {
		return 0, err
	}
	defer fs.Icache.Iput(ref, h)
	if err := ref.Ilock(); err != nil {
		return 0, err
	}
	defer ref.Iunlock()
	return fileio.Writei(fs.Dev, fs.Sb, fs.Alloc, ref.Internals(), buf, off, ino, h)
}

// Statfs projects the superblock and free-block count onto standard
// fields.
func (fs *Filesystem) Statfs() StatfsResult {
	free := fs.Alloc.FreeCount()
	freeInodes, err := inode.FreeCount(fs.Dev, fs.Sb)
	if err != nil {
		freeInodes = 0
	}
	return StatfsResult{
		Blocks:      uint64(fs.Sb.NBlocks),
		BlocksFree:  uint64(free),
		BlocksAvail: uint64(free),
		Files:       uint64(fs.Sb.NInodes),
		FilesFree:   uint64(freeInodes),
		BlockSize:   layout.BlockSize,
		NameLen:     layout.DirSiz,
		FragSize:    layout.BlockSize,
	}
}

// Fsync and Fsyncdir both just force the journal to drain, since every
// mutation is already durable at transaction commit; there is no separate
// per-inode dirty buffer to flush beyond that.
func (fs *Filesystem) Fsync(ino uint32) error     { return fs.Jrnl.ForceCommit() }
func (fs *Filesystem) Fsyncdir(ino uint32) error  { return fs.Jrnl.ForceCommit() }

func (fs *Filesystem) logProvenance(h *journal.Handle, op string, inum uint32, ok bool) {
	if fs.Provenance == nil || fs.config.ProvenanceInum == 0 {
		return
	}
	_ = fs.Provenance.Append(h, op, inum, ok)
}

func (fs *Filesystem) logProvenanceNoHandle(op string, inum uint32, ok bool) {
	if fs.Provenance == nil || fs.config.ProvenanceInum == 0 {
		return
	}
	h := fs.Jrnl.BeginOp()
	_ = fs.Provenance.Append(h, op, inum, ok)
	_ = h.EndOp()
}

// canonicalOrder returns a, b sorted so locks taken in this order never
// deadlock against a concurrent Rename touching the same two directories
// the other way around.
func canonicalOrder(a, b uint32) (uint32, uint32, bool) {
	if a <= b {
		return a, b, false
	}
	return b, a, true
}

