package cache

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/vine-worker/internal/workspace"
)

type fakeFiller struct {
	mu      sync.Mutex
	calls   int
	content string
	fail    bool
}

func (f *fakeFiller) Materialize(tmpPath string, e *Entry) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fail {
		return os.ErrInvalid
	}
	time.Sleep(10 * time.Millisecond)
	return os.WriteFile(tmpPath, []byte(f.content), 0644)
}

type fakeReporter struct {
	mu      sync.Mutex
	updates []string
	invalid []string
}

func (r *fakeReporter) CacheUpdate(name string, size int64, transferTime time.Duration, start time.Time, transferID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, name)
}

func (r *fakeReporter) CacheInvalid(name, transferID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalid = append(r.invalid, name)
}

func newTestCache(t *testing.T, filler Materializer) (*Cache, *workspace.Workspace) {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	return New(ws, filler), ws
}

func TestEnsureSingleProducer(t *testing.T) {
	filler := &fakeFiller{content: "hello"}
	c, _ := newTestCache(t, filler)
	c.QueueTransfer("big", "http://example/big", 5, 0644, LevelTask, UnpackNone)

	status1 := c.Ensure("big", "xfer-1")
	status2 := c.Ensure("big", "xfer-1")
	require.Equal(t, StatusProcessing, status1)
	require.Equal(t, StatusProcessing, status2)

	report := &fakeReporter{}
	require.Eventually(t, func() bool {
		return c.Wait(report)
	}, time.Second, 5*time.Millisecond)

	filler.mu.Lock()
	defer filler.mu.Unlock()
	require.Equal(t, 1, filler.calls)
	require.Equal(t, StatusReady, c.Status("big"))
	require.Equal(t, []string{"big"}, report.updates)
}

func TestEnsureFailure(t *testing.T) {
	filler := &fakeFiller{fail: true}
	c, _ := newTestCache(t, filler)
	c.QueueTransfer("bad", "http://example/bad", 5, 0644, LevelTask, UnpackNone)
	c.Ensure("bad", "xfer-2")

	report := &fakeReporter{}
	require.Eventually(t, func() bool {
		return c.Wait(report)
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, StatusFailed, c.Status("bad"))
	require.Equal(t, []string{"bad"}, report.invalid)
}

func TestAddFileReady(t *testing.T) {
	c, ws := newTestCache(t, &fakeFiller{})
	require.NoError(t, os.WriteFile(ws.CachePath("direct"), []byte("data"), 0644))
	require.NoError(t, c.AddFile("direct", 4, 0644, LevelTask))
	require.Equal(t, StatusReady, c.Ensure("direct", ""))
}

func TestScanTrashesLeftoverTransferFile(t *testing.T) {
	c, ws := newTestCache(t, &fakeFiller{})
	require.NoError(t, os.WriteFile(ws.CachePath("crashed")+".transfer", []byte("partial"), 0644))

	report := &fakeReporter{}
	require.NoError(t, c.Scan(report))

	_, err := os.Stat(ws.CachePath("crashed") + ".transfer")
	require.True(t, os.IsNotExist(err))
	require.Empty(t, report.updates)

	entries, err := os.ReadDir(ws.Trash)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestRemoveMovesToTrash(t *testing.T) {
	c, ws := newTestCache(t, &fakeFiller{})
	require.NoError(t, os.WriteFile(ws.CachePath("gone"), []byte("x"), 0644))
	require.NoError(t, c.AddFile("gone", 1, 0644, LevelTask))
	require.NoError(t, c.Remove("gone"))
	_, err := os.Stat(ws.CachePath("gone"))
	require.True(t, os.IsNotExist(err))
}
