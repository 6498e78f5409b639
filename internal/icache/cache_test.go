package icache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xv6fs-go/xv6fs/internal/alloc"
	"github.com/xv6fs-go/xv6fs/internal/blockdev"
	"github.com/xv6fs-go/xv6fs/internal/icache"
	"github.com/xv6fs-go/xv6fs/internal/inode"
	"github.com/xv6fs-go/xv6fs/internal/journal"
	"github.com/xv6fs-go/xv6fs/internal/layout"
)

func freshCache(t *testing.T) (*icache.Cache, blockdev.Device, *layout.Superblock, *alloc.Allocator, *journal.Journal) {
	t.Helper()
	dev := blockdev.NewMemDevice(100)
	sb, err := layout.Format(dev, layout.FormatOptions{TotalBlocks: 100, NInodes: 32, NLog: 31})
	require.NoError(t, err)
	a := alloc.New(dev, sb)
	jrnl, err := journal.New(dev, sb)
	require.NoError(t, err)
	return icache.New(dev, sb, a, jrnl), dev, sb, a, jrnl
}

func TestIgetReturnsSameSlotForRepeatedInum(t *testing.T) {
	c, dev, sb, _, _ := freshCache(t)
	inum, _, err := inode.Ialloc(dev, sb, layout.TFile, nil)
	require.NoError(t, err)

	r1, err := c.Iget(inum)
	require.NoError(t, err)
	r2, err := c.Iget(inum)
	require.NoError(t, err)

	require.NoError(t, r1.Ilock())
	r1.Internals().Size = 42
	require.NoError(t, r1.Iupdate(nil))
	r1.Iunlock()

	require.NoError(t, r2.IRLock())
	assert.Equal(t, uint32(42), r2.Internals().Size)
	r2.IRUnlock()

	require.NoError(t, c.Iput(r1, nil))
	require.NoError(t, c.Iput(r2, nil))
}

func TestIputTruncatesOnLastReferenceWithZeroNlink(t *testing.T) {
	c, dev, sb, a, jrnl := freshCache(t)
	inum, _, err := inode.Ialloc(dev, sb, layout.TFile, nil)
	require.NoError(t, err)

	r, err := c.Iget(inum)
	require.NoError(t, err)
	require.NoError(t, r.Ilock())
	r.Internals().Nlink = 0
	bno, err := a.Balloc(nil)
	require.NoError(t, err)
	r.Internals().Addrs[0] = bno
	r.Internals().Size = layout.BlockSize
	require.NoError(t, r.Iupdate(nil))
	r.Iunlock()

	freeBefore := a.FreeCount()
	require.NoError(t, c.Iput(r, nil))
	assert.Equal(t, freeBefore+1, a.FreeCount())
	require.NoError(t, jrnl.ForceCommit())

	reopened, err := inode.Read(dev, sb, inum)
	require.NoError(t, err)
	assert.Equal(t, uint16(layout.TFree), reopened.Type)
}
