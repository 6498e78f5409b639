package fileio_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xv6fs-go/xv6fs/internal/alloc"
	"github.com/xv6fs-go/xv6fs/internal/blockdev"
	"github.com/xv6fs-go/xv6fs/internal/fileio"
	"github.com/xv6fs-go/xv6fs/internal/inode"
	"github.com/xv6fs-go/xv6fs/internal/layout"
)

func freshFile(t *testing.T) (blockdev.Device, *layout.Superblock, *alloc.Allocator, *inode.Disk, uint32) {
	t.Helper()
	dev := blockdev.NewMemDevice(200)
	sb, err := layout.Format(dev, layout.FormatOptions{TotalBlocks: 200, NInodes: 32, NLog: 31})
	require.NoError(t, err)
	a := alloc.New(dev, sb)
	inum, d, err := inode.Ialloc(dev, sb, layout.TFile, nil)
	require.NoError(t, err)
	return dev, sb, a, d, inum
}

// writeAll drives Writei to completion across as many budget-limited calls
// as it takes. A call can legitimately return n == 0 while still making
// progress -- e.g. a gap wider than writeBudget blocks needs several calls
// to zero-fill before any payload byte lands -- so progress is judged by
// d.Size advancing, not just by n. The iteration cap guards against a
// regression reintroducing the hang this is meant to catch.
func writeAll(t *testing.T, dev blockdev.Device, sb *layout.Superblock, a *alloc.Allocator, d *inode.Disk, inum uint32, data []byte, off uint32) {
	t.Helper()
	var total int
	for iterations := 0; total < len(data); iterations++ {
		if iterations > 10000 {
			t.Fatal("Writei made no progress across 10000 calls")
		}
		sizeBefore := d.Size
		n, err := fileio.Writei(dev, sb, a, d, data[total:], off+uint32(total), inum, nil)
		require.NoError(t, err)
		if n == 0 && d.Size == sizeBefore {
			t.Fatal("Writei made no progress")
		}
		total += n
	}
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	dev, sb, a, d, inum := freshFile(t)
	payload := []byte("the quick brown fox jumps over the lazy dog")

	writeAll(t, dev, sb, a, d, inum, payload, 0)
	assert.Equal(t, uint32(len(payload)), d.Size)

	buf := make([]byte, len(payload))
	n, err := fileio.Readi(dev, d, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf)
}

func TestWriteWithGapZeroFills(t *testing.T) {
	dev, sb, a, d, inum := freshFile(t)
	payload := []byte("tail")

	writeAll(t, dev, sb, a, d, inum, payload, layout.BlockSize+10)
	assert.Equal(t, layout.BlockSize+10+uint32(len(payload)), d.Size)

	buf := make([]byte, d.Size)
	n, err := fileio.Readi(dev, d, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, int(d.Size), n)
	for _, b := range buf[:layout.BlockSize+10] {
		assert.Equal(t, byte(0), b)
	}
	assert.Equal(t, payload, buf[layout.BlockSize+10:])
}

func TestWriteWithGapWiderThanBudgetResumes(t *testing.T) {
	dev, sb, a, d, inum := freshFile(t)
	payload := []byte("x")
	gap := uint32(24 * layout.BlockSize) // wider than writeBudget (3) blocks

	writeAll(t, dev, sb, a, d, inum, payload, gap)
	assert.Equal(t, gap+uint32(len(payload)), d.Size)

	buf := make([]byte, d.Size)
	n, err := fileio.Readi(dev, d, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, int(d.Size), n)
	for _, b := range buf[:gap] {
		assert.Equal(t, byte(0), b)
	}
	assert.Equal(t, payload, buf[gap:])
}

func TestReadBeyondEOFIsClamped(t *testing.T) {
	dev, sb, a, d, inum := freshFile(t)
	writeAll(t, dev, sb, a, d, inum, []byte("hi"), 0)

	buf := make([]byte, 100)
	n, err := fileio.Readi(dev, d, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestWriteSpanningMultipleBlocksAcrossCalls(t *testing.T) {
	dev, sb, a, d, inum := freshFile(t)
	payload := make([]byte, layout.BlockSize*3+17)
	for i := range payload {
		payload[i] = byte(i)
	}

	writeAll(t, dev, sb, a, d, inum, payload, 0)

	buf := make([]byte, len(payload))
	n, err := fileio.Readi(dev, d, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf)
}
