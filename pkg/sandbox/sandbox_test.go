package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/vine-worker/internal/workspace"
	"github.com/cuemby/vine-worker/pkg/cache"
)

type noopFiller struct{}

func (noopFiller) Materialize(tmpPath string, e *cache.Entry) error { return nil }

func newEnv(t *testing.T) (*workspace.Workspace, *cache.Cache, *Manager) {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	c := cache.New(ws, noopFiller{})
	m := New(ws, c, false)
	return ws, c, m
}

func TestStageInLinksInput(t *testing.T) {
	ws, c, m := newEnv(t)
	require.NoError(t, os.WriteFile(ws.CachePath("in.dat"), []byte("hello"), 0644))
	require.NoError(t, c.AddFile("in.dat", 5, 0644, cache.LevelTask))

	task := Task{
		TaskID:      2,
		InputMounts: []Mount{{CachedName: "in.dat", RemoteName: "in.dat"}},
	}
	outcome, dir, err := m.StageIn(task)
	require.NoError(t, err)
	require.Equal(t, OutcomeReady, outcome)

	got, err := os.ReadFile(filepath.Join(dir, "in.dat"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

func TestStageInRejectsPathEscape(t *testing.T) {
	ws, c, m := newEnv(t)
	require.NoError(t, os.WriteFile(ws.CachePath("in.dat"), []byte("x"), 0644))
	require.NoError(t, c.AddFile("in.dat", 1, 0644, cache.LevelTask))

	task := Task{
		TaskID:      3,
		InputMounts: []Mount{{CachedName: "in.dat", RemoteName: "../escape.dat"}},
	}
	_, _, err := m.StageIn(task)
	require.Error(t, err)
}

func TestStageOutRegistersOutput(t *testing.T) {
	ws, c, m := newEnv(t)
	task := Task{TaskID: 4, OutputMounts: []Mount{{CachedName: "out.dat", RemoteName: "out.dat"}}}
	sandboxDir := ws.SandboxDir(4, false)
	require.NoError(t, os.MkdirAll(sandboxDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(sandboxDir, "out.dat"), []byte("result"), 0644))

	missing, err := m.StageOut(task, sandboxDir)
	require.NoError(t, err)
	require.Empty(t, missing)
	require.Equal(t, cache.StatusReady, c.Status("out.dat"))
}

func TestStageOutReportsMissing(t *testing.T) {
	_, _, m := newEnv(t)
	task := Task{TaskID: 5, OutputMounts: []Mount{{CachedName: "out.dat", RemoteName: "out.dat"}}}
	sandboxDir := m.ws.SandboxDir(5, false)
	require.NoError(t, os.MkdirAll(sandboxDir, 0755))

	missing, err := m.StageOut(task, sandboxDir)
	require.NoError(t, err)
	require.Equal(t, []string{"out.dat"}, missing)
}
