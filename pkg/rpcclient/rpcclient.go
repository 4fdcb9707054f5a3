// Package rpcclient implements the reliable RPC client of §4.2: a
// process-wide per-host connection pool whose idempotent calls survive
// transient disconnects via bounded exponential backoff, bound by a
// caller-supplied absolute deadline.
package rpcclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cuemby/vine-worker/pkg/transport"
)

// ErrStale is returned when a file-scoped call's reconnect detects that
// the remote inode changed underneath it (dev/ino/rdev mismatch).
var ErrStale = errors.New("rpcclient: remote file is stale (inode changed)")

// ErrAgain is returned by job-control RPCs (create/commit/kill/status/
// wait); by contract it is never retried.
var ErrAgain = errors.New("rpcclient: resource temporarily unavailable")

// Dialer opens a fresh connection to a host:port, performing whatever
// password/TLS handshake the caller configured. Kept as an interface so
// tests can substitute net.Pipe-backed fakes.
type Dialer func(ctx context.Context, hostPort string) (*transport.Conn, error)

// Inode identifies a remote file for the reconnect staleness check.
type Inode struct {
	Dev, Ino, Rdev uint64
}

// OpenFile is a file-scoped handle returned by Open; subsequent calls on
// it must verify the remote inode on reconnect.
type OpenFile struct {
	Host   string
	Handle int64
	Inode  Inode

	mu        sync.Mutex
	readAhead []byte
	writeBuf  []byte

	// lastGen is the pooledConn generation this handle was last used
	// against (0 meaning "never used yet"). call() compares it with the
	// connection's current generation to tell a fresh reconnect, which
	// needs an inode re-check, from the handle's first use against a
	// connection Open itself just established.
	lastGen uint64
}

// IOVec is one entry of a bulk I/O vector (§4.2 "bulk I/O").
type IOVec struct {
	Op         string // "pread" or "pwrite"
	File       *OpenFile
	Buf        []byte
	Len        int64
	Off        int64
	StrideLen  int64
	StrideSkip int64
}

type pooledConn struct {
	mu         sync.Mutex
	conn       *transport.Conn
	generation uint64
}

// Client holds the per-host connection table and the retry policy.
type Client struct {
	dial       Dialer
	bufferSize int

	mu    sync.Mutex
	conns map[string]*pooledConn
}

// New creates a Client. bufferSize is the default read-ahead/write-behind
// block size (64 KiB per §4.2 if 0 is passed).
func New(dial Dialer, bufferSize int) *Client {
	if bufferSize <= 0 {
		bufferSize = 64 * 1024
	}
	return &Client{dial: dial, bufferSize: bufferSize, conns: make(map[string]*pooledConn)}
}

// getConn returns host's pooled connection and its current generation,
// dialing a fresh one (and bumping the generation) if none is held. The
// second return value reports whether this call performed that dial, so
// callers can tell a just-reconnected link from a reused one.
func (c *Client) getConn(ctx context.Context, host string) (*pooledConn, bool, uint64, error) {
	c.mu.Lock()
	pc, ok := c.conns[host]
	if !ok {
		pc = &pooledConn{}
		c.conns[host] = pc
	}
	c.mu.Unlock()

	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.conn != nil {
		return pc, false, pc.generation, nil
	}
	conn, err := c.dial(ctx, host)
	if err != nil {
		return nil, false, 0, fmt.Errorf("rpcclient: connect %s: %w", host, err)
	}
	pc.conn = conn
	pc.generation++
	return pc, true, pc.generation, nil
}

func (c *Client) dropConn(host string) {
	c.mu.Lock()
	pc, ok := c.conns[host]
	c.mu.Unlock()
	if !ok {
		return
	}
	pc.mu.Lock()
	if pc.conn != nil {
		_ = pc.conn.Close()
		pc.conn = nil
	}
	pc.mu.Unlock()
}

// call runs op against host's pooled connection, retrying ECONNRESET-class
// transport errors with backoff starting at 1s doubling to a 60s cap,
// bounded by stop (§4.2's contract). job-control ops that return ErrAgain
// are never retried (the EAGAIN exemption, §9 preserved as observed).
//
// file is non-nil for calls scoped to an open remote handle. Each handle
// remembers the pooledConn generation it last ran against; when that
// generation has moved on since (the connection was dropped and redialed
// underneath it — a true reconnect, not the handle's first use right after
// Open dialed the connection itself), call verifies file's remote inode
// before running op, failing with the non-retryable ErrStale if the file
// changed out from under the handle (§4.2).
func (c *Client) call(ctx context.Context, host string, stop time.Time, jobControl bool, file *OpenFile, op func(*transport.Conn) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 60 * time.Second
	bo.Multiplier = 2
	bo.MaxElapsedTime = time.Until(stop)
	if bo.MaxElapsedTime < 0 {
		bo.MaxElapsedTime = 0
	}
	bctx := backoff.WithContext(bo, ctx)

	return backoff.Retry(func() error {
		pc, _, gen, err := c.getConn(ctx, host)
		if err != nil {
			return err
		}
		if file != nil {
			file.mu.Lock()
			prevGen := file.lastGen
			file.lastGen = gen
			file.mu.Unlock()
			if prevGen != 0 && prevGen != gen {
				if verr := c.verifyInode(ctx, file, stop); verr != nil {
					if errors.Is(verr, ErrStale) {
						return backoff.Permanent(verr)
					}
					return verr
				}
			}
		}
		pc.mu.Lock()
		opErr := op(pc.conn)
		pc.mu.Unlock()
		if opErr == nil {
			return nil
		}
		if errors.Is(opErr, ErrAgain) && jobControl {
			// EAGAIN on job-control RPCs is terminal by contract, not retried.
			return backoff.Permanent(opErr)
		}
		if errors.Is(opErr, ErrStale) {
			return backoff.Permanent(opErr)
		}
		// Any other transport-level failure is treated as the moral
		// equivalent of ECONNRESET: drop the connection and retry.
		c.dropConn(host)
		return opErr
	}, bctx)
}

// Close closes every pooled connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for host, pc := range c.conns {
		pc.mu.Lock()
		if pc.conn != nil {
			_ = pc.conn.Close()
		}
		pc.mu.Unlock()
		delete(c.conns, host)
	}
}
