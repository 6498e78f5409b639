package ops_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xv6fs-go/xv6fs/internal/blockdev"
	"github.com/xv6fs-go/xv6fs/internal/layout"
	"github.com/xv6fs-go/xv6fs/internal/ops"
	"github.com/xv6fs-go/xv6fs/internal/xv6err"
)

func freshFilesystem(t *testing.T) *ops.Filesystem {
	t.Helper()
	dev := blockdev.NewMemDevice(400)
	fs, err := ops.Format(dev, layout.FormatOptions{TotalBlocks: 400, NInodes: 64, NLog: 31}, ops.MountConfig{})
	require.NoError(t, err)
	return fs
}

func TestFormatSeedsRootDirectory(t *testing.T) {
	fs := freshFilesystem(t)

	attr, err := fs.GetAttr(ops.RootInum)
	require.NoError(t, err)
	assert.Equal(t, uint16(layout.TDir), attr.Type)

	self, err := fs.Lookup(ops.RootInum, ".")
	require.NoError(t, err)
	assert.Equal(t, ops.RootInum, self.Inum)

	parent, err := fs.Lookup(ops.RootInum, "..")
	require.NoError(t, err)
	assert.Equal(t, ops.RootInum, parent.Inum)
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	fs := freshFilesystem(t)

	attr, err := fs.Create(ops.RootInum, "hello.txt", layout.TFile)
	require.NoError(t, err)

	payload := []byte("hello, xv6fs")
	n, err := fs.Write(attr.Inum, payload, 0)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	buf := make([]byte, len(payload))
	n, err = fs.Read(attr.Inum, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf)

	found, err := fs.Lookup(ops.RootInum, "hello.txt")
	require.NoError(t, err)
	assert.Equal(t, attr.Inum, found.Inum)
}

func TestCreateDuplicateNameFails(t *testing.T) {
	fs := freshFilesystem(t)
	_, err := fs.Create(ops.RootInum, "dup", layout.TFile)
	require.NoError(t, err)
	_, err = fs.Create(ops.RootInum, "dup", layout.TFile)
	assert.ErrorIs(t, err, xv6err.ErrExists)
}

func TestMkdirAndNestedLookup(t *testing.T) {
	fs := freshFilesystem(t)
	dirAttr, err := fs.Mkdir(ops.RootInum, "sub")
	require.NoError(t, err)

	fileAttr, err := fs.Create(dirAttr.Inum, "leaf.txt", layout.TFile)
	require.NoError(t, err)

	found, err := fs.Lookup(dirAttr.Inum, "leaf.txt")
	require.NoError(t, err)
	assert.Equal(t, fileAttr.Inum, found.Inum)

	rootAttr, err := fs.GetAttr(ops.RootInum)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), rootAttr.Nlink, "mkdir under root bumps root's nlink via '..'")
}

func TestUnlinkRemovesEntry(t *testing.T) {
	fs := freshFilesystem(t)
	attr, err := fs.Create(ops.RootInum, "victim", layout.TFile)
	require.NoError(t, err)

	require.NoError(t, fs.Unlink(ops.RootInum, "victim"))
	_, err = fs.Lookup(ops.RootInum, "victim")
	assert.ErrorIs(t, err, xv6err.ErrNotFound)

	_, err = fs.GetAttr(attr.Inum)
	require.ErrorIs(t, err, xv6err.ErrIO, "Unlink held the last cache reference, so the inode is freed once Unlink returns")
}

func TestRmdirRejectsNonEmptyDirectory(t *testing.T) {
	fs := freshFilesystem(t)
	dirAttr, err := fs.Mkdir(ops.RootInum, "nonempty")
	require.NoError(t, err)
	_, err = fs.Create(dirAttr.Inum, "child", layout.TFile)
	require.NoError(t, err)

	err = fs.Rmdir(ops.RootInum, "nonempty")
	assert.ErrorIs(t, err, xv6err.ErrDirectoryNotEmpty)
}

func TestRenameMovesEntryBetweenDirectories(t *testing.T) {
	fs := freshFilesystem(t)
	srcDir, err := fs.Mkdir(ops.RootInum, "src")
	require.NoError(t, err)
	dstDir, err := fs.Mkdir(ops.RootInum, "dst")
	require.NoError(t, err)
	fileAttr, err := fs.Create(srcDir.Inum, "movable", layout.TFile)
	require.NoError(t, err)

	require.NoError(t, fs.Rename(srcDir.Inum, "movable", dstDir.Inum, "moved", 0))

	_, err = fs.Lookup(srcDir.Inum, "movable")
	assert.ErrorIs(t, err, xv6err.ErrNotFound)

	found, err := fs.Lookup(dstDir.Inum, "moved")
	require.NoError(t, err)
	assert.Equal(t, fileAttr.Inum, found.Inum)
}

func TestRenameOntoSelfIsNoop(t *testing.T) {
	fs := freshFilesystem(t)
	attr, err := fs.Create(ops.RootInum, "same", layout.TFile)
	require.NoError(t, err)

	require.NoError(t, fs.Rename(ops.RootInum, "same", ops.RootInum, "same", 0))

	found, err := fs.Lookup(ops.RootInum, "same")
	require.NoError(t, err)
	assert.Equal(t, attr.Inum, found.Inum)
}

func TestRenameNoReplaceFailsWhenTargetExists(t *testing.T) {
	fs := freshFilesystem(t)
	_, err := fs.Create(ops.RootInum, "a", layout.TFile)
	require.NoError(t, err)
	_, err = fs.Create(ops.RootInum, "b", layout.TFile)
	require.NoError(t, err)

	err = fs.Rename(ops.RootInum, "a", ops.RootInum, "b", ops.RenameNoReplace)
	assert.ErrorIs(t, err, xv6err.ErrExists)
}

func TestSymlinkReadLinkRoundTrip(t *testing.T) {
	fs := freshFilesystem(t)
	attr, err := fs.Symlink(ops.RootInum, "link", "/some/target")
	require.NoError(t, err)
	assert.Equal(t, uint16(layout.TLnk), attr.Type)

	target, err := fs.ReadLink(attr.Inum)
	require.NoError(t, err)
	assert.Equal(t, "/some/target", target)
}

func TestReaddirListsAllEntries(t *testing.T) {
	fs := freshFilesystem(t)
	for _, name := range []string{"one", "two", "three"} {
		_, err := fs.Create(ops.RootInum, name, layout.TFile)
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	err := fs.Readdir(ops.RootInum, 0, func(e ops.DirEntry) bool {
		seen[e.Name] = true
		return true
	})
	require.NoError(t, err)
	for _, name := range []string{".", "..", "one", "two", "three"} {
		assert.True(t, seen[name], "missing %q from readdir", name)
	}
}

func TestStatfsReflectsAllocation(t *testing.T) {
	fs := freshFilesystem(t)
	before := fs.Statfs()

	payload := make([]byte, layout.BlockSize*2)
	attr, err := fs.Create(ops.RootInum, "big", layout.TFile)
	require.NoError(t, err)
	_, err = fs.Write(attr.Inum, payload, 0)
	require.NoError(t, err)

	after := fs.Statfs()
	assert.Less(t, after.BlocksFree, before.BlocksFree)
}

func TestFsyncDrainsWithoutError(t *testing.T) {
	fs := freshFilesystem(t)
	_, err := fs.Create(ops.RootInum, "synced", layout.TFile)
	require.NoError(t, err)
	assert.NoError(t, fs.Fsync(ops.RootInum))
}

func TestDirectoryMigratesToHTreeAboveThresholdWithoutCorruption(t *testing.T) {
	dev := blockdev.NewMemDevice(400)
	fs, err := ops.Format(dev, layout.FormatOptions{TotalBlocks: 400, NInodes: 64, NLog: 31}, ops.MountConfig{UseHTreeAbove: 4})
	require.NoError(t, err)

	names := []string{"a", "b", "c", "d", "e", "f", "g"}
	created := map[string]uint32{}
	for _, name := range names {
		attr, err := fs.Create(ops.RootInum, name, layout.TFile)
		require.NoError(t, err)
		created[name] = attr.Inum
	}

	for name, inum := range created {
		found, err := fs.Lookup(ops.RootInum, name)
		require.NoError(t, err)
		assert.Equal(t, inum, found.Inum)
	}

	seen := map[string]bool{}
	require.NoError(t, fs.Readdir(ops.RootInum, 0, func(e ops.DirEntry) bool {
		seen[e.Name] = true
		return true
	}))
	for _, name := range append(names, ".", "..") {
		assert.True(t, seen[name], "missing %q from readdir after htree migration", name)
	}
}

func TestProvenanceLogIsAppendedOnMutation(t *testing.T) {
	dev := blockdev.NewMemDevice(400)
	fs, err := ops.Format(dev, layout.FormatOptions{TotalBlocks: 400, NInodes: 64, NLog: 31}, ops.MountConfig{ProvenanceInum: 2})
	require.NoError(t, err)
	require.NotNil(t, fs.Provenance, "Mount should wire a Logger when ProvenanceInum is set")

	_, err = fs.Create(ops.RootInum, "logged", layout.TFile)
	require.NoError(t, err)

	provAttr, err := fs.GetAttr(2)
	require.NoError(t, err)
	assert.Greater(t, provAttr.Size, uint32(0), "provenance inode should have accumulated at least one log line")
}

func TestSetAttrTruncateToZero(t *testing.T) {
	fs := freshFilesystem(t)
	attr, err := fs.Create(ops.RootInum, "shrinkme", layout.TFile)
	require.NoError(t, err)
	_, err = fs.Write(attr.Inum, []byte("some bytes"), 0)
	require.NoError(t, err)

	got, err := fs.SetAttr(attr.Inum, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), got.Size)
}
