package rpcclient

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/vine-worker/pkg/transport"
)

// Open opens path on host and returns a file-scoped handle. Every
// subsequent call on that handle verifies the remote inode hasn't
// changed across a reconnect.
func (c *Client) Open(ctx context.Context, host, path, mode string, stop time.Time) (*OpenFile, error) {
	f := &OpenFile{Host: host}
	err := c.call(ctx, host, stop, true, nil, func(conn *transport.Conn) error {
		if err := conn.WriteLinef(stop, "open %s %s", path, mode); err != nil {
			return err
		}
		reply, err := conn.ReadLine(stop)
		if err != nil {
			return err
		}
		var handle int64
		var dev, ino, rdev uint64
		if _, err := fmt.Sscanf(reply, "%d %d %d %d", &handle, &dev, &ino, &rdev); err != nil {
			return fmt.Errorf("open: malformed reply %q: %w", reply, err)
		}
		f.Handle = handle
		f.Inode = Inode{Dev: dev, Ino: ino, Rdev: rdev}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rpcclient: open %q@%s: %w", path, host, err)
	}
	return f, nil
}

// Close flushes f's write-behind buffer and closes the remote handle.
func (c *Client) Close(ctx context.Context, f *OpenFile, stop time.Time) error {
	if err := c.flush(ctx, f, stop); err != nil {
		return err
	}
	return c.call(ctx, f.Host, stop, false, f, func(conn *transport.Conn) error {
		return conn.WriteLinef(stop, "close %d", f.Handle)
	})
}

// verifyInode re-checks the remote inode after a reconnect; ESTALE is
// never retried (§4.2). Called from call()'s own reconnect path, so it
// passes file=nil here to avoid re-verifying itself.
func (c *Client) verifyInode(ctx context.Context, f *OpenFile, stop time.Time) error {
	return c.call(ctx, f.Host, stop, false, nil, func(conn *transport.Conn) error {
		if err := conn.WriteLinef(stop, "stat_handle %d", f.Handle); err != nil {
			return err
		}
		reply, err := conn.ReadLine(stop)
		if err != nil {
			return err
		}
		var dev, ino, rdev uint64
		if _, err := fmt.Sscanf(reply, "%d %d %d", &dev, &ino, &rdev); err != nil {
			return fmt.Errorf("stat_handle: malformed reply %q: %w", reply, err)
		}
		if dev != f.Inode.Dev || ino != f.Inode.Ino || rdev != f.Inode.Rdev {
			return ErrStale
		}
		return nil
	})
}

// Pread reads up to n bytes at offset off with one pread round trip and
// returns the bytes the server sent. It does not read ahead: nothing is
// kept in f between calls, so every call goes to the server.
func (c *Client) Pread(ctx context.Context, f *OpenFile, off, n int64, stop time.Time) ([]byte, error) {
	var out []byte
	err := c.call(ctx, f.Host, stop, false, f, func(conn *transport.Conn) error {
		if err := conn.WriteLinef(stop, "pread %d %d %d", f.Handle, off, n); err != nil {
			return err
		}
		reply, err := conn.ReadLine(stop)
		if err != nil {
			return err
		}
		var gotLen int64
		if _, err := fmt.Sscanf(reply, "%d", &gotLen); err != nil {
			return fmt.Errorf("pread: malformed reply %q: %w", reply, err)
		}
		buf, err := conn.ReadExact(int(gotLen), stop)
		if err != nil {
			return err
		}
		out = buf
		return nil
	})
	return out, err
}

// Pwrite coalesces buf into f's write-behind buffer; flush occurs on
// Close, or when the buffer would be bypassed by a write larger than the
// configured block size (§4.2).
func (c *Client) Pwrite(ctx context.Context, f *OpenFile, off int64, buf []byte, stop time.Time) error {
	f.mu.Lock()
	if len(buf) >= c.bufferSize {
		f.mu.Unlock()
		return c.writeThrough(ctx, f, off, buf, stop)
	}
	f.writeBuf = append(f.writeBuf, buf...)
	shouldFlush := len(f.writeBuf) >= c.bufferSize
	f.mu.Unlock()
	if shouldFlush {
		return c.flush(ctx, f, stop)
	}
	return nil
}

func (c *Client) flush(ctx context.Context, f *OpenFile, stop time.Time) error {
	f.mu.Lock()
	buf := f.writeBuf
	f.writeBuf = nil
	f.mu.Unlock()
	if len(buf) == 0 {
		return nil
	}
	return c.writeThrough(ctx, f, 0, buf, stop)
}

func (c *Client) writeThrough(ctx context.Context, f *OpenFile, off int64, buf []byte, stop time.Time) error {
	return c.call(ctx, f.Host, stop, false, f, func(conn *transport.Conn) error {
		if err := conn.WriteLinef(stop, "pwrite %d %d %d", f.Handle, off, len(buf)); err != nil {
			return err
		}
		return conn.WriteExact(buf, stop)
	})
}

// StatResult is the remote metadata returned by Stat.
type StatResult struct {
	Size  int64
	Mode  uint32
	Inode Inode
}

// Stat retrieves metadata for path on host.
func (c *Client) Stat(ctx context.Context, host, path string, stop time.Time) (StatResult, error) {
	var sr StatResult
	err := c.call(ctx, host, stop, false, nil, func(conn *transport.Conn) error {
		if err := conn.WriteLinef(stop, "stat %s", path); err != nil {
			return err
		}
		reply, err := conn.ReadLine(stop)
		if err != nil {
			return err
		}
		var size int64
		var mode uint32
		var dev, ino, rdev uint64
		if _, err := fmt.Sscanf(reply, "%d %d %d %d %d", &size, &mode, &dev, &ino, &rdev); err != nil {
			return fmt.Errorf("stat: malformed reply %q: %w", reply, err)
		}
		sr = StatResult{Size: size, Mode: mode, Inode: Inode{Dev: dev, Ino: ino, Rdev: rdev}}
		return nil
	})
	return sr, err
}

// Mkdir creates path on host.
func (c *Client) Mkdir(ctx context.Context, host, path string, mode uint32, stop time.Time) error {
	return c.call(ctx, host, stop, false, nil, func(conn *transport.Conn) error {
		return conn.WriteLinef(stop, "mkdir %s 0%o", path, mode)
	})
}

// Rename renames oldPath to newPath on host.
func (c *Client) Rename(ctx context.Context, host, oldPath, newPath string, stop time.Time) error {
	return c.call(ctx, host, stop, false, nil, func(conn *transport.Conn) error {
		return conn.WriteLinef(stop, "rename %s %s", oldPath, newPath)
	})
}

// Setacl sets an access-control entry for subject on path.
func (c *Client) Setacl(ctx context.Context, host, path, subject, rights string, stop time.Time) error {
	return c.call(ctx, host, stop, false, nil, func(conn *transport.Conn) error {
		return conn.WriteLinef(stop, "setacl %s %s %s", path, subject, rights)
	})
}

// Getfile streams remotePath from host into the provided sink.
func (c *Client) Getfile(ctx context.Context, host, remotePath string, stop time.Time, sink func(size int64, conn *transport.Conn) error) error {
	return c.call(ctx, host, stop, false, nil, func(conn *transport.Conn) error {
		if err := conn.WriteLinef(stop, "getfile %s", remotePath); err != nil {
			return err
		}
		reply, err := conn.ReadLine(stop)
		if err != nil {
			return err
		}
		var size int64
		if _, err := fmt.Sscanf(reply, "%d", &size); err != nil {
			return fmt.Errorf("getfile: malformed reply %q: %w", reply, err)
		}
		return sink(size, conn)
	})
}

// Putfile streams size bytes from source to remotePath on host.
func (c *Client) Putfile(ctx context.Context, host, remotePath string, size int64, mode uint32, stop time.Time, source func(conn *transport.Conn) error) error {
	return c.call(ctx, host, stop, false, nil, func(conn *transport.Conn) error {
		if err := conn.WriteLinef(stop, "putfile %s %d 0%o", remotePath, size, mode); err != nil {
			return err
		}
		return source(conn)
	})
}

// BulkOp issues all "begin" phases of every vector entry before any
// "finish" phase, pipelining the round trips over the wire per §4.2's
// bulk I/O contract.
func (c *Client) BulkOp(ctx context.Context, vec []IOVec, stop time.Time) error {
	if len(vec) == 0 {
		return nil
	}
	host := vec[0].File.Host
	return c.call(ctx, host, stop, false, vec[0].File, func(conn *transport.Conn) error {
		for _, v := range vec {
			if err := conn.WriteLinef(stop, "%s %d %d %d %d %d", v.Op, v.File.Handle, v.Off, v.Len, v.StrideLen, v.StrideSkip); err != nil {
				return fmt.Errorf("bulkop: begin %s: %w", v.Op, err)
			}
		}
		for i, v := range vec {
			if v.Op == "pwrite" {
				if err := conn.WriteExact(v.Buf[:v.Len], stop); err != nil {
					return fmt.Errorf("bulkop: finish pwrite[%d]: %w", i, err)
				}
				continue
			}
			reply, err := conn.ReadLine(stop)
			if err != nil {
				return fmt.Errorf("bulkop: finish %s[%d]: %w", v.Op, i, err)
			}
			var n int64
			if _, err := fmt.Sscanf(reply, "%d", &n); err != nil {
				return fmt.Errorf("bulkop: finish %s[%d]: malformed reply %q: %w", v.Op, i, reply, err)
			}
			if _, err := conn.ReadExact(int(n), stop); err != nil {
				return fmt.Errorf("bulkop: finish %s[%d]: read payload: %w", v.Op, i, err)
			}
		}
		return nil
	})
}
