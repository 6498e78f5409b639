package netfs

import (
	"encoding/gob"
	"errors"
	"net"

	"github.com/xv6fs-go/xv6fs/internal/ops"
	"github.com/xv6fs-go/xv6fs/internal/xv6err"
)

// Client issues Requests against a Server over one long-lived net.Conn.
// Callers serialize their own access; Client does not pipeline.
type Client struct {
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder
}

// Dial connects to a netfs Server at addr.
func Dial(network, addr string) (*Client, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(req Request) (Response, error) {
	if err := c.enc.Encode(&req); err != nil {
		return Response{}, err
	}
	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		return Response{}, err
	}
	if resp.ErrKind != "" {
		return resp, decodeErr(resp.ErrKind)
	}
	return resp, nil
}

// decodeErr recovers one of xv6err's sentinel kinds from its wire string,
// falling back to a generic wrapped error for anything unrecognized.
func decodeErr(s string) error {
	for _, k := range []xv6err.Kind{
		xv6err.ErrNotFound, xv6err.ErrNotADirectory, xv6err.ErrIsADirectory,
		xv6err.ErrDirectoryNotEmpty, xv6err.ErrExists, xv6err.ErrNoSpace,
		xv6err.ErrIO, xv6err.ErrInvalid,
	} {
		if k.Error() == s {
			return k
		}
	}
	return errors.New(s)
}

func (c *Client) Lookup(parent uint32, name string) (ops.Attr, error) {
	resp, err := c.call(Request{Op: OpLookup, Parent: parent, Name: name})
	return resp.Attr, err
}

func (c *Client) GetAttr(ino uint32) (ops.Attr, error) {
	resp, err := c.call(Request{Op: OpGetAttr, Ino: ino})
	return resp.Attr, err
}

func (c *Client) SetAttr(ino, size uint32) (ops.Attr, error) {
	resp, err := c.call(Request{Op: OpSetAttr, Ino: ino, Size: size})
	return resp.Attr, err
}

func (c *Client) Open(ino uint32, truncate bool) (ops.Attr, error) {
	resp, err := c.call(Request{Op: OpOpen, Ino: ino, Truncate: truncate})
	return resp.Attr, err
}

func (c *Client) Read(ino uint32, buf []byte, off uint32) (int, error) {
	resp, err := c.call(Request{Op: OpRead, Ino: ino, Offset: off, Size: uint32(len(buf))})
	if err != nil {
		return 0, err
	}
	copy(buf, resp.Data)
	return resp.N, nil
}

func (c *Client) Write(ino uint32, buf []byte, off uint32) (int, error) {
	resp, err := c.call(Request{Op: OpWrite, Ino: ino, Data: buf, Offset: off})
	return resp.N, err
}

func (c *Client) Create(parent uint32, name string, typ uint16) (ops.Attr, error) {
	resp, err := c.call(Request{Op: OpCreate, Parent: parent, Name: name, Type: typ})
	return resp.Attr, err
}

func (c *Client) Mkdir(parent uint32, name string) (ops.Attr, error) {
	resp, err := c.call(Request{Op: OpMkdir, Parent: parent, Name: name})
	return resp.Attr, err
}

func (c *Client) Symlink(parent uint32, name, target string) (ops.Attr, error) {
	resp, err := c.call(Request{Op: OpSymlink, Parent: parent, Name: name, Target: target})
	return resp.Attr, err
}

func (c *Client) ReadLink(ino uint32) (string, error) {
	resp, err := c.call(Request{Op: OpReadlink, Ino: ino})
	return resp.Target, err
}

func (c *Client) Unlink(parent uint32, name string) error {
	_, err := c.call(Request{Op: OpUnlink, Parent: parent, Name: name})
	return err
}

func (c *Client) Rmdir(parent uint32, name string) error {
	_, err := c.call(Request{Op: OpRmdir, Parent: parent, Name: name})
	return err
}

func (c *Client) Rename(parent1 uint32, name1 string, parent2 uint32, name2 string, flags ops.RenameFlags) error {
	_, err := c.call(Request{Op: OpRename, Parent: parent1, Name: name1, Parent2: parent2, Name2: name2, RenameFlags: flags})
	return err
}

func (c *Client) Readdir(ino, offset uint32) ([]ops.DirEntry, error) {
	resp, err := c.call(Request{Op: OpReaddir, Ino: ino, Offset: offset})
	return resp.Entries, err
}

func (c *Client) Statfs() (ops.StatfsResult, error) {
	resp, err := c.call(Request{Op: OpStatfs})
	return resp.Statfs, err
}

func (c *Client) Fsync(ino uint32) error {
	_, err := c.call(Request{Op: OpFsync, Ino: ino})
	return err
}
