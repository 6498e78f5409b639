// Package provenance implements an append-only audit log over a reserved
// inode, per SPEC_FULL.md section 4.11: every mutating operation that
// completes successfully appends one line to it, inside the same journal
// transaction as the mutation it describes, except ops.Write, which appends
// its line in a transaction of its own once all of its data has landed.
package provenance

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/xv6fs-go/xv6fs/internal/alloc"
	"github.com/xv6fs-go/xv6fs/internal/blockdev"
	"github.com/xv6fs-go/xv6fs/internal/fileio"
	"github.com/xv6fs-go/xv6fs/internal/icache"
	"github.com/xv6fs-go/xv6fs/internal/journal"
	"github.com/xv6fs-go/xv6fs/internal/layout"
)

// Logger appends lines to a reserved inode. SessionID identifies one mount,
// so a replayed log can distinguish lines written across remounts without
// needing wall-clock precision for that purpose.
type Logger struct {
	Dev    blockdev.Device
	Sb     *layout.Superblock
	Alloc  *alloc.Allocator
	Icache *icache.Cache

	Inum      uint32
	SessionID uuid.UUID
}

// New creates a Logger bound to inum, tagging every line with a fresh
// session id for this mount.
func New(dev blockdev.Device, sb *layout.Superblock, a *alloc.Allocator, ic *icache.Cache, inum uint32) *Logger {
	return &Logger{Dev: dev, Sb: sb, Alloc: a, Icache: ic, Inum: inum, SessionID: uuid.New()}
}

// Append writes one CSV-ish line: timestamp, session id, op, inum, ok.
// The caller supplies h so the line lands in the same transaction as the
// operation it records.
func (l *Logger) Append(h *journal.Handle, op string, inum uint32, ok bool) error {
	if l == nil || l.Inum == 0 {
		return nil
	}

	ref, err := l.Icache.Iget(l.Inum)
	if err != nil {
		return err
	}
	defer l.Icache.Iput(ref, h)
	if err := ref.Ilock(); err != nil {
		return err
	}
	defer ref.Iunlock()

	line := fmt.Sprintf("%s,%s,%s,%d,%t\n", time.Now().UTC().Format(time.RFC3339), l.SessionID, op, inum, ok)
	d := ref.Internals()
	if _, err := fileio.Writei(l.Dev, l.Sb, l.Alloc, d, []byte(line), d.Size, l.Inum, h); err != nil {
		return err
	}
	return nil
}
