package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/vine-worker/pkg/resources"
)

func newTestSupervisor() *Supervisor {
	total := resources.Snapshot{
		Cores:  resources.Quantity{Total: 4},
		Memory: resources.Quantity{Total: 4096},
		Disk:   resources.Quantity{Total: 100000},
	}
	return New(total, 0, 100*time.Millisecond)
}

func TestStartAndReapSuccess(t *testing.T) {
	s := newTestSupervisor()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".taskvine.tmp"), 0755))

	p := &Process{
		TaskID:      1,
		CommandLine: "echo hello",
		SandboxDir:  dir,
		StdoutPath:  filepath.Join(dir, ".taskvine.stdout"),
		Request:     Request{Cores: 1, MemoryMB: 10, DiskMB: 10},
	}
	require.NoError(t, s.Start(p))
	require.Equal(t, StateRunning, p.State)

	require.Eventually(t, func() bool {
		finished := s.Tick(time.Now(), nil)
		return len(finished) == 1
	}, 2*time.Second, 10*time.Millisecond)

	out, err := os.ReadFile(p.StdoutPath)
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(out))

	inUse := s.InUse()
	require.Equal(t, int64(0), inUse.Cores.InUse)
}

func TestWallTimeKill(t *testing.T) {
	s := newTestSupervisor()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".taskvine.tmp"), 0755))

	p := &Process{
		TaskID:      2,
		CommandLine: "sleep 30",
		SandboxDir:  dir,
		StdoutPath:  filepath.Join(dir, ".taskvine.stdout"),
		Request:     Request{Cores: 1, MemoryMB: 10, DiskMB: 10, WallTime: 50 * time.Millisecond},
	}
	require.NoError(t, s.Start(p))

	require.Eventually(t, func() bool {
		finished := s.Tick(time.Now(), nil)
		return len(finished) == 1
	}, 6*time.Second, 50*time.Millisecond)

	require.Equal(t, ResultMaxWallTime, p.Result)
}

func TestFitsAndForsaken(t *testing.T) {
	s := newTestSupervisor()
	require.True(t, s.Fits(Request{Cores: 2, MemoryMB: 100, DiskMB: 100}))
	require.False(t, s.Fits(Request{Cores: 100}))
	require.False(t, s.FitsEmpty(Request{Cores: 100}))
}
