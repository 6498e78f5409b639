// Package icache implements the fixed-capacity in-memory inode cache
// described in spec.md section 4.6: NInode slots, each guarded by its own
// reader/writer lock, with reference counting deciding when a slot may be
// reused. Modeled as an indexed arena per spec.md section 9's redesign note
// for "cyclic references between the inode cache and its slot locks" --
// a Ref is (cache pointer, slot index, inum); the lock lives inside the
// slot, not on the Ref.
package icache

import (
	"sync"

	"github.com/xv6fs-go/xv6fs/internal/alloc"
	"github.com/xv6fs-go/xv6fs/internal/blockdev"
	"github.com/xv6fs-go/xv6fs/internal/inode"
	"github.com/xv6fs-go/xv6fs/internal/journal"
	"github.com/xv6fs-go/xv6fs/internal/layout"
	"github.com/xv6fs-go/xv6fs/internal/xv6err"
)

type slot struct {
	rw sync.RWMutex

	// inum and nref are read/written only while Cache.metaMu is held, so that
	// iget's scan-and-claim step is atomic across all slots. valid is reset
	// under metaMu when a slot is claimed and otherwise read and written
	// while rw is held.
	inum  uint32
	nref  int
	valid bool

	internals inode.Disk
}

// Cache is the fixed NInode-slot inode cache.
type Cache struct {
	dev   blockdev.Device
	sb    *layout.Superblock
	alloc *alloc.Allocator
	jrnl  *journal.Journal

	metaMu sync.Mutex
	slots  [layout.NInode]*slot
}

// New creates an empty Cache over dev/sb, using a for truncation during Iput
// and jrnl to open its own transaction when Iput is called without one.
func New(dev blockdev.Device, sb *layout.Superblock, a *alloc.Allocator, jrnl *journal.Journal) *Cache {
	c := &Cache{dev: dev, sb: sb, alloc: a, jrnl: jrnl}
	for i := range c.slots {
		c.slots[i] = &slot{}
	}
	return c
}

// Ref is a live reference to a cached inode. The zero value is not valid;
// obtain one from Iget.
type Ref struct {
	c    *Cache
	s    *slot
	Inum uint32
}

// Iget returns a reference to inum, incrementing its reference count.
// Scanning for an existing match, and claiming a free slot when there is no
// match, happen under the same lock so two concurrent Iget callers can never
// seize the same free slot for different inums.
func (c *Cache) Iget(inum uint32) (*Ref, error) {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()

	var fallback *slot
	for _, s := range c.slots {
		if s.nref > 0 && s.inum == inum {
			s.nref++
			return &Ref{c: c, s: s, Inum: inum}, nil
		}
		if fallback == nil && s.nref == 0 {
			fallback = s
		}
	}

	if fallback == nil {
		return nil, xv6err.ErrIO.WithMessage("inode cache exhausted")
	}

	fallback.inum = inum
	fallback.nref = 1
	fallback.valid = false
	return &Ref{c: c, s: fallback, Inum: inum}, nil
}

// Ilock acquires the slot's writer lock and, on first use, loads the on-disk
// inode into internals. On error the lock is not held.
func (r *Ref) Ilock() error {
	r.s.rw.Lock()
	if err := r.ensureValid(); err != nil {
		r.s.rw.Unlock()
		return err
	}
	return nil
}

// Iunlock releases a lock taken by Ilock.
func (r *Ref) Iunlock() {
	r.s.rw.Unlock()
}

// IRLock acquires the slot's reader lock for read-only access, loading the
// on-disk inode on first use just as Ilock does. On error the lock is not
// held.
func (r *Ref) IRLock() error {
	r.s.rw.RLock()
	if r.s.valid {
		return nil
	}
	// Another reader may win the race to load; upgrade briefly.
	r.s.rw.RUnlock()
	r.s.rw.Lock()
	err := r.ensureValid()
	r.s.rw.Unlock()
	if err != nil {
		return err
	}
	r.s.rw.RLock()
	return nil
}

// IRUnlock releases a lock taken by IRLock.
func (r *Ref) IRUnlock() {
	r.s.rw.RUnlock()
}

func (r *Ref) ensureValid() error {
	if r.s.valid {
		return nil
	}
	d, err := inode.Read(r.c.dev, r.c.sb, r.Inum)
	if err != nil {
		return err
	}
	if d.Type == layout.TFree {
		return xv6err.ErrIO.WithMessage("load of free inode")
	}
	r.s.internals = *d
	r.s.valid = true
	return nil
}

// Internals returns a pointer to the slot's cached on-disk fields. Callers
// must hold Ilock or IRLock.
func (r *Ref) Internals() *inode.Disk {
	return &r.s.internals
}

// Iupdate writes the slot's current internals back to disk through h.
// Callers must hold Ilock.
func (r *Ref) Iupdate(h *journal.Handle) error {
	return inode.Iupdate(r.c.dev, r.c.sb, r.Inum, &r.s.internals, h)
}

// Iput drops one reference. If this was the last reference and the on-disk
// link count has dropped to zero, the inode is truncated and its type
// cleared before the slot becomes reusable. If h is nil and truncation is
// required, Iput opens its own transaction.
func (c *Cache) Iput(r *Ref, h *journal.Handle) error {
	// A reference that is not the last one is dropped without taking the
	// slot lock, so a caller may Iput a second reference to a slot it
	// already holds locked (a directory's "." entry).
	c.metaMu.Lock()
	if r.s.nref > 1 {
		r.s.nref--
		c.metaMu.Unlock()
		return nil
	}
	c.metaMu.Unlock()

	r.s.rw.Lock()
	needsTrunc := r.s.valid && r.s.internals.Nlink == 0 && r.refCountIsOne()
	if needsTrunc {
		ownHandle := h == nil
		if ownHandle {
			h = c.jrnl.BeginOp()
		}
		if err := inode.Itrunc(c.dev, c.sb, r.Inum, &r.s.internals, c.alloc, h); err != nil {
			r.s.rw.Unlock()
			if ownHandle {
				h.EndOp()
			}
			return err
		}
		r.s.internals.Type = layout.TFree
		if err := inode.Iupdate(c.dev, c.sb, r.Inum, &r.s.internals, h); err != nil {
			r.s.rw.Unlock()
			if ownHandle {
				h.EndOp()
			}
			return err
		}
		r.s.valid = false
		if ownHandle {
			if err := h.EndOp(); err != nil {
				r.s.rw.Unlock()
				return err
			}
		}
	}
	r.s.rw.Unlock()

	c.metaMu.Lock()
	r.s.nref--
	c.metaMu.Unlock()
	return nil
}

// refCountIsOne reports whether this is the only live reference to the
// slot, reading nref under metaMu. Iput's own decrement, made later under a
// separate acquisition of metaMu, is what actually makes the slot reusable.
func (r *Ref) refCountIsOne() bool {
	r.c.metaMu.Lock()
	defer r.c.metaMu.Unlock()
	return r.s.nref == 1
}
