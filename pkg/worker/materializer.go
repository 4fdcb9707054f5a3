package worker

import (
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/vine-worker/pkg/cache"
	"github.com/cuemby/vine-worker/pkg/peertransfer"
	"github.com/cuemby/vine-worker/pkg/supervisor"
)

// materializer implements cache.Materializer for a Worker: URL transfers
// are fetched with a literal curl subprocess (spec.md names curl
// directly), mini-tasks run through the same supervisor the worker uses
// for ordinary tasks.
type materializer struct {
	w *Worker
}

func (m *materializer) Materialize(tmpPath string, e *cache.Entry) error {
	switch e.Type {
	case cache.TypeTransfer:
		return m.fetchURL(tmpPath, e)
	case cache.TypeMiniTask:
		return m.runMiniTask(tmpPath, e)
	default:
		return fmt.Errorf("worker: materialize: unexpected pending type for %q", e.Name)
	}
}

func (m *materializer) fetchURL(tmpPath string, e *cache.Entry) error {
	u, err := url.Parse(e.Source)
	if err == nil && u.Scheme == "worker" {
		remoteName := strings.TrimPrefix(u.Path, "/")
		return peertransfer.Fetch(u.Host, m.w.cfg.Password, remoteName, tmpPath, 3600*time.Second)
	}

	cmd := exec.Command("curl", "-sSL", "-o", tmpPath, e.Source)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("curl fetch %q: %w: %s", e.Source, err, out)
	}
	return nil
}

func (m *materializer) runMiniTask(tmpPath string, e *cache.Entry) error {
	m.w.mu.Lock()
	task, ok := m.w.miniTasks[e.Name]
	m.w.mu.Unlock()
	if !ok {
		return fmt.Errorf("worker: no mini-task registered for %q", e.Name)
	}

	sandboxDir := m.w.ws.SandboxDir(task.TaskID, true)
	if err := os.MkdirAll(filepath.Join(sandboxDir, ".taskvine.tmp"), 0755); err != nil {
		return fmt.Errorf("mini-task sandbox: %w", err)
	}

	p := &supervisor.Process{
		TaskID:      task.TaskID,
		CommandLine: task.CommandLine,
		EnvVars:     task.EnvVars,
		SandboxDir:  sandboxDir,
		StdoutPath:  filepath.Join(sandboxDir, ".taskvine.stdout"),
		Request:     task.Request,
	}
	if err := m.w.super.Start(p); err != nil {
		return fmt.Errorf("mini-task start: %w", err)
	}

	deadline := time.Now().Add(5 * time.Minute)
	for time.Now().Before(deadline) {
		finished := m.w.super.Tick(time.Now(), m.w.measureDiskBytes)
		done := false
		for _, f := range finished {
			if f.TaskID == task.TaskID {
				done = true
			}
		}
		if done {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	if p.Result != supervisor.ResultSuccess {
		return fmt.Errorf("mini-task %d finished with result %s", task.TaskID, p.Result)
	}

	produced := filepath.Join(sandboxDir, e.Name)
	if err := os.Rename(produced, tmpPath); err != nil {
		return fmt.Errorf("mini-task: collect output %q: %w", e.Name, err)
	}
	_ = m.w.sandboxMgr.Delete(sandboxDir)

	m.w.mu.Lock()
	delete(m.w.miniTasks, e.Name)
	m.w.mu.Unlock()
	return nil
}
