package dirent_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xv6fs-go/xv6fs/internal/alloc"
	"github.com/xv6fs-go/xv6fs/internal/blockdev"
	"github.com/xv6fs-go/xv6fs/internal/dirent"
	"github.com/xv6fs-go/xv6fs/internal/inode"
	"github.com/xv6fs-go/xv6fs/internal/layout"
	"github.com/xv6fs-go/xv6fs/internal/xv6err"
)

type dirFactory func(dev blockdev.Device, sb *layout.Superblock, a *alloc.Allocator, inum uint32, d *inode.Disk) dirent.Directory

func strategies() map[string]dirFactory {
	return map[string]dirFactory{
		"linear": func(dev blockdev.Device, sb *layout.Superblock, a *alloc.Allocator, inum uint32, d *inode.Disk) dirent.Directory {
			return dirent.NewLinear(dev, sb, a, inum, d, nil)
		},
		"htree": func(dev blockdev.Device, sb *layout.Superblock, a *alloc.Allocator, inum uint32, d *inode.Disk) dirent.Directory {
			return dirent.NewHTree(dev, sb, a, inum, d, nil)
		},
	}
}

func freshDir(t *testing.T) (blockdev.Device, *layout.Superblock, *alloc.Allocator, *inode.Disk, uint32) {
	t.Helper()
	dev := blockdev.NewMemDevice(300)
	sb, err := layout.Format(dev, layout.FormatOptions{TotalBlocks: 300, NInodes: 32, NLog: 31})
	require.NoError(t, err)
	a := alloc.New(dev, sb)
	inum, d, err := inode.Ialloc(dev, sb, layout.TDir, nil)
	require.NoError(t, err)
	return dev, sb, a, d, inum
}

func TestLinkAndLookup(t *testing.T) {
	for name, mk := range strategies() {
		t.Run(name, func(t *testing.T) {
			dev, sb, a, d, inum := freshDir(t)
			dir := mk(dev, sb, a, inum, d)

			require.NoError(t, dir.Link("alpha", 10))
			require.NoError(t, dir.Link("beta", 11))

			got, _, err := dir.Lookup("alpha")
			require.NoError(t, err)
			assert.Equal(t, uint32(10), got)

			got, _, err = dir.Lookup("beta")
			require.NoError(t, err)
			assert.Equal(t, uint32(11), got)

			_, _, err = dir.Lookup("missing")
			assert.ErrorIs(t, err, xv6err.ErrNotFound)
		})
	}
}

func TestUnlinkFreesTheSlot(t *testing.T) {
	for name, mk := range strategies() {
		t.Run(name, func(t *testing.T) {
			dev, sb, a, d, inum := freshDir(t)
			dir := mk(dev, sb, a, inum, d)

			require.NoError(t, dir.Link("gamma", 20))
			_, offset, err := dir.Lookup("gamma")
			require.NoError(t, err)
			require.NoError(t, dir.Unlink(offset))

			_, _, err = dir.Lookup("gamma")
			assert.ErrorIs(t, err, xv6err.ErrNotFound)
		})
	}
}

func TestIsEmptyIgnoresDotEntries(t *testing.T) {
	for name, mk := range strategies() {
		t.Run(name, func(t *testing.T) {
			dev, sb, a, d, inum := freshDir(t)
			dir := mk(dev, sb, a, inum, d)

			require.NoError(t, dir.Link(".", inum))
			require.NoError(t, dir.Link("..", inum))

			empty, err := dir.IsEmpty()
			require.NoError(t, err)
			assert.True(t, empty)

			require.NoError(t, dir.Link("child", 30))
			empty, err = dir.IsEmpty()
			require.NoError(t, err)
			assert.False(t, empty)
		})
	}
}

func TestIterateVisitsEveryLiveEntry(t *testing.T) {
	for name, mk := range strategies() {
		t.Run(name, func(t *testing.T) {
			dev, sb, a, d, inum := freshDir(t)
			dir := mk(dev, sb, a, inum, d)

			want := map[string]uint32{}
			for i := 0; i < 8; i++ {
				n := fmt.Sprintf("f%d", i)
				want[n] = uint32(100 + i)
				require.NoError(t, dir.Link(n, uint32(100+i)))
			}

			got := map[string]uint32{}
			require.NoError(t, dir.Iterate(0, func(inum uint32, name string, offset uint32) bool {
				got[name] = inum
				return true
			}))
			assert.Equal(t, want, got)
		})
	}
}

func TestLinkReusesFreedSlot(t *testing.T) {
	dev, sb, a, d, inum := freshDir(t)
	dir := dirent.NewLinear(dev, sb, a, inum, d, nil)

	require.NoError(t, dir.Link("one", 1))
	_, offset, err := dir.Lookup("one")
	require.NoError(t, err)
	require.NoError(t, dir.Unlink(offset))

	sizeBefore := d.Size
	require.NoError(t, dir.Link("two", 2))
	assert.Equal(t, sizeBefore, d.Size, "Link should reuse the freed slot instead of growing")
}

func TestConvertToHTreePreservesEveryEntry(t *testing.T) {
	dev, sb, a, d, inum := freshDir(t)
	linear := dirent.NewLinear(dev, sb, a, inum, d, nil)

	require.NoError(t, linear.Link(".", inum))
	require.NoError(t, linear.Link("..", inum))
	want := map[string]uint32{".": inum, "..": inum}
	for i := 0; i < 12; i++ {
		name := fmt.Sprintf("entry%d", i)
		want[name] = uint32(200 + i)
		require.NoError(t, linear.Link(name, uint32(200+i)))
	}

	tree, err := dirent.ConvertToHTree(dev, sb, a, inum, d, nil)
	require.NoError(t, err)
	assert.Equal(t, dirent.KindHTree, d.Major)

	for name, inum := range want {
		got, _, err := tree.Lookup(name)
		require.NoError(t, err)
		assert.Equal(t, inum, got)
	}

	got := map[string]uint32{}
	require.NoError(t, tree.Iterate(0, func(inum uint32, name string, offset uint32) bool {
		got[name] = inum
		return true
	}))
	assert.Equal(t, want, got)
}
