// Package blockdev presents a volume as an array of fixed-size blocks,
// generalizing the teacher's drivers/common.BlockStream /
// drivers/common/blockcache.BlockCache pair into the single read/mark-dirty/
// flush contract spec.md section 4.1 requires of the layer below the core.
package blockdev

import (
	"io"
	"os"
	"sync"

	"github.com/xaionaro-go/bytesextra"

	"github.com/xv6fs-go/xv6fs/internal/xv6err"
)

const blockSize = 4096

// Buffer is a buffered view of one block's current contents, as returned by
// Device.ReadBlock. Callers read and write Bytes() directly, then call
// Device.MarkDirty to schedule the block for eventual writeback.
type Buffer struct {
	BlockNum uint32

	mu    sync.Mutex
	data  []byte
	dirty bool
	pins  int
}

// Bytes returns the mutable backing slice for this block. It is exactly
// BlockSize bytes long.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Pin prevents the buffer from being considered for eviction; used by the
// journal to keep a block's in-memory image alive from log_write through
// commit.
func (b *Buffer) Pin() {
	b.mu.Lock()
	b.pins++
	b.mu.Unlock()
}

// Unpin releases one previously acquired Pin.
func (b *Buffer) Unpin() {
	b.mu.Lock()
	if b.pins > 0 {
		b.pins--
	}
	b.mu.Unlock()
}

// Device is the contract for the block device adapter described in spec.md
// section 4.1 / section 6. Implementations present a volume as an array of
// fixed-size blocks addressable by 0..size-1.
type Device interface {
	// ReadBlock returns a buffered view of the current contents of block
	// bno. Repeated calls for the same block return the same *Buffer; Flush
	// writes buffers back but does not evict them.
	ReadBlock(bno uint32) (*Buffer, error)
	// MarkDirty schedules buf for eventual writeback.
	MarkDirty(buf *Buffer)
	// Flush blocks until every earlier MarkDirty is durable.
	Flush() error
	// BlockSize returns the fixed block size of this device, in bytes.
	BlockSize() int
	// NumBlocks returns the total number of addressable blocks.
	NumBlocks() uint32
}

// cachingDevice is shared plumbing between the file-backed and memory-backed
// devices: a flat cache of *Buffer keyed by block number, loaded lazily and
// flushed in map iteration order, which is not bno order. This mirrors the teacher's BlockCache loaded/dirty
// bitmaps, generalized to per-block buffer pinning.
type cachingDevice struct {
	mu        sync.Mutex
	stream    io.ReadWriteSeeker
	numBlocks uint32
	buffers   map[uint32]*Buffer
}

func newCachingDevice(stream io.ReadWriteSeeker, numBlocks uint32) *cachingDevice {
	return &cachingDevice{
		stream:    stream,
		numBlocks: numBlocks,
		buffers:   make(map[uint32]*Buffer),
	}
}

func (d *cachingDevice) BlockSize() int    { return blockSize }
func (d *cachingDevice) NumBlocks() uint32 { return d.numBlocks }

func (d *cachingDevice) ReadBlock(bno uint32) (*Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if bno >= d.numBlocks {
		return nil, xv6err.ErrIO.WithMessage("block number out of range")
	}
	if buf, ok := d.buffers[bno]; ok {
		return buf, nil
	}

	data := make([]byte, blockSize)
	if _, err := d.stream.Seek(int64(bno)*blockSize, io.SeekStart); err != nil {
		return nil, xv6err.ErrIO.Wrap(err)
	}
	if _, err := io.ReadFull(d.stream, data); err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, xv6err.ErrIO.Wrap(err)
	}

	buf := &Buffer{BlockNum: bno, data: data}
	d.buffers[bno] = buf
	return buf, nil
}

func (d *cachingDevice) MarkDirty(buf *Buffer) {
	buf.mu.Lock()
	buf.dirty = true
	buf.mu.Unlock()
}

func (d *cachingDevice) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, buf := range d.buffers {
		buf.mu.Lock()
		dirty := buf.dirty
		buf.mu.Unlock()
		if !dirty {
			continue
		}

		if _, err := d.stream.Seek(int64(buf.BlockNum)*blockSize, io.SeekStart); err != nil {
			return xv6err.ErrIO.Wrap(err)
		}
		if _, err := d.stream.Write(buf.Bytes()); err != nil {
			return xv6err.ErrIO.Wrap(err)
		}

		buf.mu.Lock()
		buf.dirty = false
		buf.mu.Unlock()
	}

	if syncer, ok := d.stream.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			return xv6err.ErrIO.Wrap(err)
		}
	}
	return nil
}

// FileDevice is a Device backed by a real file (or block special file)
// opened read-write.
type FileDevice struct {
	*cachingDevice
	file *os.File
}

// OpenFileDevice opens path and presents it as a Device of numBlocks fixed
// size blocks.
func OpenFileDevice(path string, numBlocks uint32) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, xv6err.ErrIO.Wrap(err)
	}
	return &FileDevice{
		cachingDevice: newCachingDevice(f, numBlocks),
		file:          f,
	}, nil
}

// Close closes the underlying file after flushing pending writes.
func (d *FileDevice) Close() error {
	if err := d.Flush(); err != nil {
		return err
	}
	return d.file.Close()
}

// MemDevice is a Device backed entirely by memory, for tests.
type MemDevice struct {
	*cachingDevice
}

// NewMemDevice allocates a numBlocks-block in-memory volume, all zero.
func NewMemDevice(numBlocks uint32) *MemDevice {
	raw := make([]byte, int(numBlocks)*blockSize)
	stream := bytesextra.NewReadWriteSeeker(raw)
	return &MemDevice{cachingDevice: newCachingDevice(stream, numBlocks)}
}
