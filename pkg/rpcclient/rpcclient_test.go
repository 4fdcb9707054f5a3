package rpcclient

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/vine-worker/pkg/transport"
)

// fakeServer serves one line-oriented request per ReadLine/handler call
// over a net.Pipe, standing in for a manager/worker transfer endpoint.
func fakeServer(t *testing.T, handle func(conn *transport.Conn)) (Dialer, func()) {
	t.Helper()
	client, server := net.Pipe()
	go handle(transport.New(server))
	dial := func(ctx context.Context, hostPort string) (*transport.Conn, error) {
		return transport.New(client), nil
	}
	return dial, func() { _ = client.Close(); _ = server.Close() }
}

func TestOpenClose(t *testing.T) {
	dial, cleanup := fakeServer(t, func(conn *transport.Conn) {
		line, err := conn.ReadLine(time.Now().Add(time.Second))
		require.NoError(t, err)
		require.Equal(t, "open foo.txt r", line)
		require.NoError(t, conn.WriteLinef(time.Now().Add(time.Second), "7 1 2 3"))

		line, err = conn.ReadLine(time.Now().Add(time.Second))
		require.NoError(t, err)
		require.Equal(t, "close 7", line)
	})
	defer cleanup()

	c := New(dial, 0)
	stop := time.Now().Add(2 * time.Second)
	f, err := c.Open(context.Background(), "host:1", "foo.txt", "r", stop)
	require.NoError(t, err)
	require.Equal(t, int64(7), f.Handle)
	require.Equal(t, Inode{Dev: 1, Ino: 2, Rdev: 3}, f.Inode)

	require.NoError(t, c.Close(context.Background(), f, stop))
}

func TestPreadPwrite(t *testing.T) {
	dial, cleanup := fakeServer(t, func(conn *transport.Conn) {
		stop := time.Now().Add(time.Second)
		line, err := conn.ReadLine(stop)
		require.NoError(t, err)
		require.Equal(t, "pread 9 0 5", line)
		require.NoError(t, conn.WriteLinef(stop, "5"))
		require.NoError(t, conn.WriteExact([]byte("hello"), stop))

		line, err = conn.ReadLine(stop)
		require.NoError(t, err)
		require.Equal(t, "pwrite 9 0 5", line)
		buf, err := conn.ReadExact(5, stop)
		require.NoError(t, err)
		require.Equal(t, "world", string(buf))
	})
	defer cleanup()

	c := New(dial, 1024)
	stop := time.Now().Add(2 * time.Second)
	f := &OpenFile{Host: "host:1", Handle: 9}

	out, err := c.Pread(context.Background(), f, 0, 5, stop)
	require.NoError(t, err)
	require.Equal(t, "hello", string(out))

	require.NoError(t, c.Pwrite(context.Background(), f, 0, []byte("world"), stop))
	require.NoError(t, c.flush(context.Background(), f, stop))
}

func TestPwriteCoalescesSmallWrites(t *testing.T) {
	dial, cleanup := fakeServer(t, func(conn *transport.Conn) {
		stop := time.Now().Add(time.Second)
		line, err := conn.ReadLine(stop)
		require.NoError(t, err)
		require.Equal(t, "pwrite 1 0 10", line)
		buf, err := conn.ReadExact(10, stop)
		require.NoError(t, err)
		require.Equal(t, "helloworld", string(buf))
	})
	defer cleanup()

	c := New(dial, 1024)
	stop := time.Now().Add(2 * time.Second)
	f := &OpenFile{Host: "host:1", Handle: 1}

	require.NoError(t, c.Pwrite(context.Background(), f, 0, []byte("hello"), stop))
	require.NoError(t, c.Pwrite(context.Background(), f, 5, []byte("world"), stop))
	require.NoError(t, c.flush(context.Background(), f, stop))
}

func TestMkdirRenameSetacl(t *testing.T) {
	var seen []string
	dial, cleanup := fakeServer(t, func(conn *transport.Conn) {
		stop := time.Now().Add(time.Second)
		for i := 0; i < 3; i++ {
			line, err := conn.ReadLine(stop)
			require.NoError(t, err)
			seen = append(seen, line)
		}
	})
	defer cleanup()

	c := New(dial, 0)
	stop := time.Now().Add(2 * time.Second)
	require.NoError(t, c.Mkdir(context.Background(), "host:1", "dir", 0755, stop))
	require.NoError(t, c.Rename(context.Background(), "host:1", "a", "b", stop))
	require.NoError(t, c.Setacl(context.Background(), "host:1", "a", "bob", "rwx", stop))

	require.Equal(t, []string{"mkdir dir 0755", "rename a b", "setacl a bob rwx"}, seen)
}

func TestBulkOpPipelinesBeginBeforeFinish(t *testing.T) {
	f1 := &OpenFile{Host: "host:1", Handle: 1}
	f2 := &OpenFile{Host: "host:1", Handle: 2}

	dial, cleanup := fakeServer(t, func(conn *transport.Conn) {
		stop := time.Now().Add(time.Second)

		line1, err := conn.ReadLine(stop)
		require.NoError(t, err)
		line2, err := conn.ReadLine(stop)
		require.NoError(t, err)
		require.Equal(t, "pread 1 0 5 0 0", line1)
		require.Equal(t, "pread 2 0 5 0 0", line2)

		require.NoError(t, conn.WriteLinef(stop, "5"))
		require.NoError(t, conn.WriteExact([]byte("aaaaa"), stop))
		require.NoError(t, conn.WriteLinef(stop, "5"))
		require.NoError(t, conn.WriteExact([]byte("bbbbb"), stop))
	})
	defer cleanup()

	c := New(dial, 0)
	stop := time.Now().Add(2 * time.Second)
	vec := []IOVec{
		{Op: "pread", File: f1, Len: 5},
		{Op: "pread", File: f2, Len: 5},
	}
	require.NoError(t, c.BulkOp(context.Background(), vec, stop))
}

func TestFileScopedCallVerifiesInodeOnReconnect(t *testing.T) {
	var dialCount int
	dial := func(ctx context.Context, hostPort string) (*transport.Conn, error) {
		dialCount++
		n := dialCount
		client, server := net.Pipe()
		go func() {
			conn := transport.New(server)
			stop := time.Now().Add(time.Second)
			if n == 1 {
				line, err := conn.ReadLine(stop)
				require.NoError(t, err)
				require.Equal(t, "open foo.txt r", line)
				require.NoError(t, conn.WriteLinef(stop, "7 1 2 3"))

				line, err = conn.ReadLine(stop)
				require.NoError(t, err)
				require.Equal(t, "pread 7 0 5", line)
				require.NoError(t, conn.WriteLinef(stop, "5"))
				require.NoError(t, conn.WriteExact([]byte("hello"), stop))
				return
			}
			// Second dial stands in for the server side of a reconnect: the
			// handle now resolves to a different inode.
			line, err := conn.ReadLine(stop)
			require.NoError(t, err)
			require.Equal(t, "stat_handle 7", line)
			require.NoError(t, conn.WriteLinef(stop, "9 9 9"))
		}()
		return transport.New(client), nil
	}

	c := New(dial, 0)
	stop := time.Now().Add(3 * time.Second)

	f, err := c.Open(context.Background(), "host:1", "foo.txt", "r", stop)
	require.NoError(t, err)

	// First use rides the same connection Open just dialed: no verification.
	_, err = c.Pread(context.Background(), f, 0, 5, stop)
	require.NoError(t, err)

	// Simulate the link dropping and being redialed before the next call.
	c.dropConn("host:1")

	_, err = c.Pread(context.Background(), f, 0, 5, stop)
	require.ErrorIs(t, err, ErrStale)
	require.Equal(t, 2, dialCount)
}

func TestCallRetriesAfterDialFailure(t *testing.T) {
	attempts := 0
	done := make(chan struct{})

	dial := func(ctx context.Context, hostPort string) (*transport.Conn, error) {
		attempts++
		if attempts == 1 {
			return nil, fmt.Errorf("transient dial failure")
		}
		client, server := net.Pipe()
		go func() {
			defer close(done)
			conn := transport.New(server)
			stop := time.Now().Add(time.Second)
			line, err := conn.ReadLine(stop)
			require.NoError(t, err)
			require.Equal(t, "mkdir d 0755", line)
		}()
		return transport.New(client), nil
	}

	c := New(dial, 0)
	stop := time.Now().Add(3 * time.Second)
	require.NoError(t, c.Mkdir(context.Background(), "host:1", "d", 0755, stop))
	require.GreaterOrEqual(t, attempts, 2)
	<-done
}
