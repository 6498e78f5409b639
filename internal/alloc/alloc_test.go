package alloc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xv6fs-go/xv6fs/internal/alloc"
	"github.com/xv6fs-go/xv6fs/internal/blockdev"
	"github.com/xv6fs-go/xv6fs/internal/layout"
	"github.com/xv6fs-go/xv6fs/internal/xv6err"
)

func freshVolume(t *testing.T) (*blockdev.MemDevice, *layout.Superblock) {
	t.Helper()
	dev := blockdev.NewMemDevice(100)
	sb, err := layout.Format(dev, layout.FormatOptions{TotalBlocks: 100, NInodes: 32, NLog: 31})
	require.NoError(t, err)
	return dev, sb
}

func TestBallocNeverReturnsMetadataBlock(t *testing.T) {
	dev, sb := freshVolume(t)
	a := alloc.New(dev, sb)
	dataStart := sb.Size - sb.NBlocks

	var got []uint32
	for i := 0; i < 10; i++ {
		bno, err := a.Balloc(nil)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, bno, dataStart)
		assert.Less(t, bno, sb.Size)
		got = append(got, bno)
	}

	seen := map[uint32]bool{}
	for _, bno := range got {
		assert.False(t, seen[bno], "Balloc returned %d twice without an intervening Bfree", bno)
		seen[bno] = true
	}
}

func TestBallocZeroesTheBlock(t *testing.T) {
	dev, sb := freshVolume(t)
	a := alloc.New(dev, sb)

	bno, err := a.Balloc(nil)
	require.NoError(t, err)
	buf, err := dev.ReadBlock(bno)
	require.NoError(t, err)
	for _, b := range buf.Bytes() {
		assert.Equal(t, byte(0), b)
	}
}

func TestBfreeMakesBlockReallocatable(t *testing.T) {
	dev, sb := freshVolume(t)
	a := alloc.New(dev, sb)

	bno, err := a.Balloc(nil)
	require.NoError(t, err)
	require.NoError(t, a.Bfree(bno, nil))

	before := a.FreeCount()
	bno2, err := a.Balloc(nil)
	require.NoError(t, err)
	assert.Equal(t, before-1, a.FreeCount())
	_ = bno2
}

func TestBallocExhaustionReportsNoSpace(t *testing.T) {
	dev, sb := freshVolume(t)
	a := alloc.New(dev, sb)

	for i := uint32(0); i < sb.NBlocks; i++ {
		_, err := a.Balloc(nil)
		require.NoError(t, err)
	}
	_, err := a.Balloc(nil)
	assert.ErrorIs(t, err, xv6err.ErrNoSpace)
}
