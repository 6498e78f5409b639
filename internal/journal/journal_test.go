package journal_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xv6fs-go/xv6fs/internal/blockdev"
	"github.com/xv6fs-go/xv6fs/internal/journal"
	"github.com/xv6fs-go/xv6fs/internal/layout"
)

func freshVolume(t *testing.T) (*blockdev.MemDevice, *layout.Superblock) {
	t.Helper()
	dev := blockdev.NewMemDevice(100)
	sb, err := layout.Format(dev, layout.FormatOptions{TotalBlocks: 100, NInodes: 32, NLog: 31})
	require.NoError(t, err)
	return dev, sb
}

func TestCommitAppliesWriteToTarget(t *testing.T) {
	dev, sb := freshVolume(t)
	jrnl, err := journal.New(dev, sb)
	require.NoError(t, err)

	target := sb.BmapStart + sb.NLog // an arbitrary data-region block
	h := jrnl.BeginOp()
	buf, err := dev.ReadBlock(target)
	require.NoError(t, err)
	buf.Bytes()[0] = 0x42
	dev.MarkDirty(buf)
	h.LogWrite(target)
	require.NoError(t, h.EndOp())

	buf2, err := dev.ReadBlock(target)
	require.NoError(t, err)
	assert.Equal(t, byte(0x42), buf2.Bytes()[0])
}

func TestEndOpWithNoWritesDoesNotCommit(t *testing.T) {
	dev, sb := freshVolume(t)
	jrnl, err := journal.New(dev, sb)
	require.NoError(t, err)

	h := jrnl.BeginOp()
	require.NoError(t, h.EndOp())
	require.NoError(t, jrnl.ForceCommit())
}

func TestRecoveryReplaysAndResetsHeader(t *testing.T) {
	dev, sb := freshVolume(t)
	jrnl, err := journal.New(dev, sb)
	require.NoError(t, err)

	target := sb.BmapStart + sb.NLog + 1
	h := jrnl.BeginOp()
	buf, err := dev.ReadBlock(target)
	require.NoError(t, err)
	buf.Bytes()[0] = 0x7a
	dev.MarkDirty(buf)
	h.LogWrite(target)
	require.NoError(t, h.EndOp())

	// Recovery against an already-applied (n == 0) journal is a no-op.
	jrnl2, err := journal.New(dev, sb)
	require.NoError(t, err)
	require.NoError(t, jrnl2.ForceCommit())

	buf2, err := dev.ReadBlock(target)
	require.NoError(t, err)
	assert.Equal(t, byte(0x7a), buf2.Bytes()[0])

	// Simulate a crash after the commit header was published but before the
	// target was written: slot 0 holds new contents for target, n == 1.
	payload, err := dev.ReadBlock(sb.LogStart + 1)
	require.NoError(t, err)
	payload.Bytes()[0] = 0x5b
	dev.MarkDirty(payload)
	hdr, err := dev.ReadBlock(sb.LogStart)
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(hdr.Bytes()[0:4], 1)
	binary.LittleEndian.PutUint32(hdr.Bytes()[4:8], target)
	dev.MarkDirty(hdr)

	_, err = journal.New(dev, sb)
	require.NoError(t, err)

	buf3, err := dev.ReadBlock(target)
	require.NoError(t, err)
	assert.Equal(t, byte(0x5b), buf3.Bytes()[0])
	hdr2, err := dev.ReadBlock(sb.LogStart)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(hdr2.Bytes()[0:4]))
}

func TestConcurrentTransactionsSerializeThroughOneCommitter(t *testing.T) {
	dev, sb := freshVolume(t)
	jrnl, err := journal.New(dev, sb)
	require.NoError(t, err)

	base := sb.BmapStart + sb.NLog + 2
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func(i uint32) {
			h := jrnl.BeginOp()
			buf, err := dev.ReadBlock(base + i)
			if err == nil {
				buf.Bytes()[0] = byte(i + 1)
				dev.MarkDirty(buf)
				h.LogWrite(base + i)
			}
			h.EndOp()
			done <- struct{}{}
		}(uint32(i))
	}
	for i := 0; i < 4; i++ {
		<-done
	}

	for i := uint32(0); i < 4; i++ {
		buf, err := dev.ReadBlock(base + i)
		require.NoError(t, err)
		assert.Equal(t, byte(i+1), buf.Bytes()[0])
	}
}
