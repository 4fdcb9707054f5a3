package worker

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/vine-worker/pkg/supervisor"
	"github.com/cuemby/vine-worker/pkg/transport"
)

func newTestWorker(t *testing.T) (*Worker, net.Conn) {
	t.Helper()
	root := t.TempDir()
	w, err := New(Config{
		WorkspaceRoot: root,
		Cores:         4,
		MemoryMB:      4096,
		DiskMB:        10240,
	})
	require.NoError(t, err)

	server, client := net.Pipe()
	w.conn = transport.New(client)
	t.Cleanup(func() { server.Close(); client.Close() })
	return w, server
}

func TestHandleTaskQueuesIt(t *testing.T) {
	w, server := newTestWorker(t)

	go func() {
		_, _ = server.Write([]byte("cmd 5\necho1\nend\n"))
	}()

	err := w.dispatchLine("task 42")
	require.NoError(t, err)

	w.mu.Lock()
	defer w.mu.Unlock()
	require.Len(t, w.queued, 1)
	require.Equal(t, int64(42), w.queued[0].TaskID)
	require.Equal(t, "echo1", w.queued[0].CommandLine)
}

func TestHandleKillAll(t *testing.T) {
	w, _ := newTestWorker(t)
	// KillAll on an empty process table is a no-op, not an error.
	w.handleKill(-1)
}

func TestScheduleQueuedForsakesOversizedRequest(t *testing.T) {
	w, _ := newTestWorker(t)
	t1 := &Task{
		TaskID:      1,
		CommandLine: "true",
		Request:     supervisor.Request{Cores: 9999},
	}
	w.mu.Lock()
	w.queued = append(w.queued, t1)
	w.mu.Unlock()

	w.scheduleQueued()

	w.mu.Lock()
	defer w.mu.Unlock()
	require.Empty(t, w.queued)
	require.Len(t, w.outbound, 1)
	require.Equal(t, int(supervisor.ResultForsaken), w.outbound[0].Result)
}

func TestScheduleQueuedRunsFittingTask(t *testing.T) {
	w, _ := newTestWorker(t)
	t1 := &Task{
		TaskID:      2,
		CommandLine: "true",
		Request:     supervisor.Request{Cores: 1, MemoryMB: 1, DiskMB: 1},
	}
	w.mu.Lock()
	w.queued = append(w.queued, t1)
	w.mu.Unlock()

	w.scheduleQueued()

	w.mu.Lock()
	_, running := w.pending[2]
	w.mu.Unlock()
	require.True(t, running)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		finished := w.super.Tick(time.Now(), w.measureDiskBytes)
		if len(finished) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	for _, p := range w.super.Tick(time.Now(), w.measureDiskBytes) {
		w.finishProcess(p)
	}
}

func TestScheduleQueuedClaimsWholeWorkerWhenUnspecified(t *testing.T) {
	w, _ := newTestWorker(t)
	t1 := &Task{
		TaskID:      3,
		CommandLine: "true",
	}
	w.mu.Lock()
	w.queued = append(w.queued, t1)
	w.mu.Unlock()

	w.scheduleQueued()

	require.Equal(t, int64(4), t1.Request.Cores)
	require.Equal(t, int64(4096), t1.Request.MemoryMB)
	require.Equal(t, int64(10240), t1.Request.DiskMB)

	w.mu.Lock()
	_, running := w.pending[3]
	w.mu.Unlock()
	require.True(t, running)

	for _, p := range w.super.Tick(time.Now(), w.measureDiskBytes) {
		w.finishProcess(p)
	}
}

func TestSendResultsDrainsOutbound(t *testing.T) {
	w, server := newTestWorker(t)

	stdout := filepath.Join(t.TempDir(), "stdout")
	require.NoError(t, os.WriteFile(stdout, []byte("hi"), 0644))

	w.mu.Lock()
	w.outbound = append(w.outbound, resultRecord{TaskID: 7, Result: int(supervisor.ResultSuccess), StdoutPath: stdout})
	w.mu.Unlock()

	stop := make(chan struct{})
	go func() {
		buf := make([]byte, 4096)
		for {
			select {
			case <-stop:
				return
			default:
			}
			server.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
			if _, err := server.Read(buf); err != nil {
				continue
			}
		}
	}()

	err := w.sendResults(1)
	close(stop)
	require.NoError(t, err)

	w.mu.Lock()
	defer w.mu.Unlock()
	require.Empty(t, w.outbound)
}

func TestHandleExitSetsFlag(t *testing.T) {
	w, _ := newTestWorker(t)
	require.NoError(t, w.dispatchLine("exit"))
	require.True(t, w.exiting)
}

func TestHandleReleaseReturnsSentinel(t *testing.T) {
	w, _ := newTestWorker(t)
	err := w.dispatchLine("release")
	require.ErrorIs(t, err, errReleased)
}
