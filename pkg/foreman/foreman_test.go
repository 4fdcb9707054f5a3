package foreman

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/vine-worker/pkg/supervisor"
	"github.com/cuemby/vine-worker/pkg/worker"
)

func newTestForeman(t *testing.T) *Foreman {
	t.Helper()
	f, err := New(Config{
		Upstream: worker.Config{
			WorkspaceRoot: t.TempDir(),
			Cores:         2,
			MemoryMB:      2048,
			DiskMB:        4096,
		},
		ListenAddr: "127.0.0.1:0",
		DataDir:    t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestOffloadFailsWithNoDownstreamWorkers(t *testing.T) {
	f := newTestForeman(t)
	task := &worker.Task{TaskID: 1, CommandLine: "true", Request: supervisor.Request{Cores: 1}}
	require.False(t, f.offload(task))
}

func TestTaskStorePersistsAndClears(t *testing.T) {
	store, err := newTaskStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.put(unfinishedRecord{TaskID: 5, CommandLine: "echo hi"}))
	require.Equal(t, 1, store.count())

	recs, err := store.list()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, int64(5), recs[0].TaskID)

	require.NoError(t, store.delete(5))
	require.Equal(t, 0, store.count())
}

func TestResumeUnfinishedForsakesOrphans(t *testing.T) {
	f := newTestForeman(t)
	require.NoError(t, f.store.put(unfinishedRecord{TaskID: 9, CommandLine: "true"}))

	f.resumeUnfinished()

	require.Equal(t, 0, f.store.count())
}
