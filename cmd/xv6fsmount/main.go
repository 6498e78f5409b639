// Command xv6fsmount mounts an xv6fs volume as a FUSE filesystem using
// internal/fuseadapter, the Go-native counterpart to the teacher's
// image-manipulation commands.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/xv6fs-go/xv6fs/internal/blockdev"
	"github.com/xv6fs-go/xv6fs/internal/fuseadapter"
	"github.com/xv6fs-go/xv6fs/internal/layout"
	"github.com/xv6fs-go/xv6fs/internal/ops"
)

func main() {
	htreeAbove := flag.Uint64("htree-above", 0, "entry count threshold for switching a directory to H-tree")
	provenanceInode := flag.Uint64("provenance-inode", 0, "reserved inode for the provenance log, 0 to disable")
	debug := flag.Bool("debug", false, "enable go-fuse debug logging")
	flag.Parse()

	if flag.NArg() != 2 {
		log.Fatalf("usage: %s [flags] IMAGE_PATH MOUNT_POINT", os.Args[0])
	}
	imagePath := flag.Arg(0)
	mountPoint := flag.Arg(1)

	info, err := os.Stat(imagePath)
	if err != nil {
		log.Fatalf("xv6fsmount: %s", err)
	}
	blocks := uint32(info.Size() / layout.BlockSize)
	dev, err := blockdev.OpenFileDevice(imagePath, blocks)
	if err != nil {
		log.Fatalf("xv6fsmount: %s", err)
	}
	defer dev.Close()

	cfg := ops.MountConfig{
		UseHTreeAbove:  uint32(*htreeAbove),
		ProvenanceInum: uint32(*provenanceInode),
	}
	fs, err := ops.Mount(dev, cfg)
	if err != nil {
		log.Fatalf("xv6fsmount: mount: %s", err)
	}

	raw := fuseadapter.New(fs)
	server, err := fuse.NewServer(raw, mountPoint, &fuse.MountOptions{Debug: *debug})
	if err != nil {
		log.Fatalf("xv6fsmount: fuse mount: %s", err)
	}
	server.Serve()
}
