// Package netfs exposes an internal/ops.Filesystem over a byte stream, per
// SPEC_FULL.md section 4.12. It is deliberately a thin RPC shim over one
// Filesystem value, not a distributed filesystem: no replication, no
// multi-writer arbitration. Requests and responses are framed with
// encoding/gob, one goroutine per connection tracked by an errgroup.Group;
// no limit is set on how many connections are served at once.
package netfs

import (
	"encoding/gob"
	"errors"
	"io"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/xv6fs-go/xv6fs/internal/ops"
	"github.com/xv6fs-go/xv6fs/internal/xv6err"
)

func init() {
	gob.Register(Request{})
	gob.Register(Response{})
}

// Op names the Filesystem method a Request invokes.
type Op string

const (
	OpLookup   Op = "lookup"
	OpGetAttr  Op = "getattr"
	OpSetAttr  Op = "setattr"
	OpOpen     Op = "open"
	OpRead     Op = "read"
	OpWrite    Op = "write"
	OpCreate   Op = "create"
	OpMkdir    Op = "mkdir"
	OpSymlink  Op = "symlink"
	OpReadlink Op = "readlink"
	OpUnlink   Op = "unlink"
	OpRmdir    Op = "rmdir"
	OpRename   Op = "rename"
	OpReaddir  Op = "readdir"
	OpStatfs   Op = "statfs"
	OpFsync    Op = "fsync"
)

// Request is one gob-framed call against the server's Filesystem.
type Request struct {
	Op Op

	Ino, Parent, Parent2 uint32
	Name, Name2, Target  string
	Type                 uint16
	Offset               uint32
	Size                 uint32
	Data                 []byte
	Truncate             bool
	RenameFlags          ops.RenameFlags
}

// Response carries either a result or an error string; errors cross the
// wire as plain strings since xv6err.Kind values are themselves strings
// and round-trip through gob without a custom codec.
type Response struct {
	Attr     ops.Attr
	N        int
	Data     []byte
	Entries  []ops.DirEntry
	Target   string
	Statfs   ops.StatfsResult
	ErrKind  string
	ErrEmpty bool
}

// Server dispatches Requests against one Filesystem, accepting connections
// until the listener's Accept fails.
type Server struct {
	fs *ops.Filesystem
}

// NewServer wraps fs for network serving.
func NewServer(fs *ops.Filesystem) *Server {
	return &Server{fs: fs}
}

// Serve accepts connections from ln, handling each with its own goroutine
// under an errgroup.Group so a panic-free handler error surfaces through
// Serve's return rather than being silently dropped.
func (s *Server) Serve(ln net.Listener) error {
	var g errgroup.Group
	for {
		conn, err := ln.Accept()
		if err != nil {
			if werr := g.Wait(); werr != nil {
				return werr
			}
			return err
		}
		g.Go(func() error {
			return s.handleConn(conn)
		})
	}
}

func (s *Server) handleConn(conn net.Conn) error {
	defer conn.Close()
	dec := gob.NewDecoder(conn)
	enc := gob.NewEncoder(conn)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		resp := s.dispatch(req)
		if err := enc.Encode(&resp); err != nil {
			return err
		}
	}
}

func (s *Server) dispatch(req Request) Response {
	switch req.Op {
	case OpLookup:
		attr, err := s.fs.Lookup(req.Parent, req.Name)
		return respond(Response{Attr: attr}, err)
	case OpGetAttr:
		attr, err := s.fs.GetAttr(req.Ino)
		return respond(Response{Attr: attr}, err)
	case OpSetAttr:
		attr, err := s.fs.SetAttr(req.Ino, req.Size)
		return respond(Response{Attr: attr}, err)
	case OpOpen:
		attr, err := s.fs.Open(req.Ino, req.Truncate)
		return respond(Response{Attr: attr}, err)
	case OpRead:
		buf := make([]byte, req.Size)
		n, err := s.fs.Read(req.Ino, buf, req.Offset)
		return respond(Response{N: n, Data: buf[:n]}, err)
	case OpWrite:
		n, err := s.fs.Write(req.Ino, req.Data, req.Offset)
		return respond(Response{N: n}, err)
	case OpCreate:
		attr, err := s.fs.Create(req.Parent, req.Name, req.Type)
		return respond(Response{Attr: attr}, err)
	case OpMkdir:
		attr, err := s.fs.Mkdir(req.Parent, req.Name)
		return respond(Response{Attr: attr}, err)
	case OpSymlink:
		attr, err := s.fs.Symlink(req.Parent, req.Name, req.Target)
		return respond(Response{Attr: attr}, err)
	case OpReadlink:
		target, err := s.fs.ReadLink(req.Ino)
		return respond(Response{Target: target}, err)
	case OpUnlink:
		return respond(Response{}, s.fs.Unlink(req.Parent, req.Name))
	case OpRmdir:
		return respond(Response{}, s.fs.Rmdir(req.Parent, req.Name))
	case OpRename:
		err := s.fs.Rename(req.Parent, req.Name, req.Parent2, req.Name2, req.RenameFlags)
		return respond(Response{}, err)
	case OpReaddir:
		var entries []ops.DirEntry
		err := s.fs.Readdir(req.Ino, req.Offset, func(e ops.DirEntry) bool {
			entries = append(entries, e)
			return true
		})
		return respond(Response{Entries: entries}, err)
	case OpStatfs:
		return respond(Response{Statfs: s.fs.Statfs()}, nil)
	case OpFsync:
		return respond(Response{}, s.fs.Fsync(req.Ino))
	default:
		return Response{ErrKind: "invalid argument"}
	}
}

func respond(r Response, err error) Response {
	if err != nil {
		r.ErrKind = err.Error()
		for _, k := range []xv6err.Kind{
			xv6err.ErrNotFound, xv6err.ErrNotADirectory, xv6err.ErrIsADirectory,
			xv6err.ErrDirectoryNotEmpty, xv6err.ErrExists, xv6err.ErrNoSpace,
			xv6err.ErrIO, xv6err.ErrInvalid,
		} {
			if errors.Is(err, k) {
				r.ErrKind = k.Error()
				break
			}
		}
	} else {
		r.ErrEmpty = true
	}
	return r
}
