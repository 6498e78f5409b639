package ops

import (
	"github.com/xv6fs-go/xv6fs/internal/alloc"
	"github.com/xv6fs-go/xv6fs/internal/blockdev"
	"github.com/xv6fs-go/xv6fs/internal/dirent"
	"github.com/xv6fs-go/xv6fs/internal/icache"
	"github.com/xv6fs-go/xv6fs/internal/inode"
	"github.com/xv6fs-go/xv6fs/internal/journal"
	"github.com/xv6fs-go/xv6fs/internal/layout"
	"github.com/xv6fs-go/xv6fs/internal/provenance"
)

// RootInum is the fixed inode number of a freshly formatted volume's root
// directory, matching scenario S1 of spec.md section 8.
const RootInum uint32 = 1

// Format lays out a brand-new volume on dev and seeds its root directory
// (inum RootInum, "." and ".." both pointing to itself), then assembles
// and returns a Filesystem ready to mount. Root bootstrapping happens
// directly against the freshly formatted blocks, with no journal handle,
// because there is no prior state a crash here could need to roll back to.
func Format(dev blockdev.Device, opts layout.FormatOptions, cfg MountConfig) (*Filesystem, error) {
	sb, err := layout.Format(dev, opts)
	if err != nil {
		return nil, err
	}

	rootInum, rootDisk, err := inode.Ialloc(dev, sb, layout.TDir, nil)
	if err != nil {
		return nil, err
	}
	if rootInum != RootInum {
		panic("ops: Format: root directory did not land at inode 1")
	}
	rootDisk.Nlink = 2
	bootstrapAlloc := alloc.New(dev, sb)
	root := dirent.NewLinear(dev, sb, bootstrapAlloc, rootInum, rootDisk, nil)
	if err := root.Link(".", rootInum); err != nil {
		return nil, err
	}
	if err := root.Link("..", rootInum); err != nil {
		return nil, err
	}
	if err := inode.Iupdate(dev, sb, rootInum, rootDisk, nil); err != nil {
		return nil, err
	}

	// Reserve the provenance log's inode right behind root, the only slot
	// Ialloc can hand out on a volume this fresh, and insist it landed where
	// cfg says the mounted Filesystem will expect it.
	if cfg.ProvenanceInum != 0 {
		provInum, provDisk, err := inode.Ialloc(dev, sb, layout.TFile, nil)
		if err != nil {
			return nil, err
		}
		if provInum != cfg.ProvenanceInum {
			panic("ops: Format: provenance inode did not land at the configured inum")
		}
		if err := inode.Iupdate(dev, sb, provInum, provDisk, nil); err != nil {
			return nil, err
		}
	}

	if err := dev.Flush(); err != nil {
		return nil, err
	}

	return Mount(dev, cfg)
}

// Mount recovers the journal (replaying any committed-but-unapplied
// transaction) and assembles the runtime layers over an already-formatted
// dev.
func Mount(dev blockdev.Device, cfg MountConfig) (*Filesystem, error) {
	sb, err := layout.ReadSuperblock(dev)
	if err != nil {
		return nil, err
	}
	jrnl, err := journal.New(dev, sb)
	if err != nil {
		return nil, err
	}
	a := alloc.New(dev, sb)
	ic := icache.New(dev, sb, a, jrnl)
	fs := New(dev, sb, a, jrnl, ic, cfg)
	if cfg.ProvenanceInum != 0 {
		fs.Provenance = provenance.New(dev, sb, a, ic, cfg.ProvenanceInum)
	}
	return fs, nil
}
