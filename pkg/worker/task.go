package worker

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/vine-worker/pkg/sandbox"
	"github.com/cuemby/vine-worker/pkg/supervisor"
	"github.com/cuemby/vine-worker/pkg/transport"
)

// Task is the worker's full view of §3.1: the task-attribute block
// accumulated while reading a "task ID ... end" command, before it is
// queued to run.
type Task struct {
	TaskID          int64
	Category        string
	CommandLine     string
	EnvVars         []string
	InputMounts     []sandbox.Mount
	OutputMounts    []sandbox.Mount
	EmptyDirs       []string
	Request         supervisor.Request
	NeedsLibrary    string
	ProvidesLibrary string
}

// IsLibrary reports whether this task provides a library rather than
// running as an ordinary command or function task.
func (t *Task) IsLibrary() bool { return t.ProvidesLibrary != "" }

// IsFunction reports whether this task must be matched to a running
// library rather than forked directly.
func (t *Task) IsFunction() bool { return t.NeedsLibrary != "" }

// readTaskBlock consumes attribute lines following "task ID" until "end",
// building the corresponding Task (§6.1's task-attribute grammar).
func readTaskBlock(conn *transport.Conn, stop time.Time, taskID int64) (*Task, error) {
	t := &Task{TaskID: taskID}
	for {
		line, err := conn.ReadLine(stop)
		if err != nil {
			return nil, fmt.Errorf("worker: read task %d attribute: %w", taskID, err)
		}
		if line == "end" {
			return t, nil
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if err := applyTaskAttr(conn, stop, t, fields); err != nil {
			return nil, fmt.Errorf("worker: task %d: %w", taskID, err)
		}
	}
}

// WriteBlock serializes t as a "task ID ... end" block, the reverse of
// readTaskBlock. A foreman's embedded manager endpoint uses this to
// resubmit an upstream task to a downstream worker (§4.9).
func (t *Task) WriteBlock(conn *transport.Conn, stop time.Time) error {
	if err := conn.WriteLinef(stop, "task %d", t.TaskID); err != nil {
		return err
	}
	if t.Category != "" {
		if err := conn.WriteLinef(stop, "category %s", t.Category); err != nil {
			return err
		}
	}
	if err := conn.WriteLinef(stop, "cmd %d", len(t.CommandLine)); err != nil {
		return err
	}
	if err := conn.WriteExact([]byte(t.CommandLine), stop); err != nil {
		return err
	}
	for _, m := range t.InputMounts {
		if err := conn.WriteLinef(stop, "infile %s %s %d", m.CachedName, m.RemoteName, m.Flags); err != nil {
			return err
		}
	}
	for _, m := range t.OutputMounts {
		if err := conn.WriteLinef(stop, "outfile %s %s %d", m.CachedName, m.RemoteName, m.Flags); err != nil {
			return err
		}
	}
	for _, d := range t.EmptyDirs {
		if err := conn.WriteLinef(stop, "dir %s", d); err != nil {
			return err
		}
	}
	if t.Request.Cores > 0 {
		if err := conn.WriteLinef(stop, "cores %d", t.Request.Cores); err != nil {
			return err
		}
	}
	if t.Request.MemoryMB > 0 {
		if err := conn.WriteLinef(stop, "memory %d", t.Request.MemoryMB); err != nil {
			return err
		}
	}
	if t.Request.DiskMB > 0 {
		if err := conn.WriteLinef(stop, "disk %d", t.Request.DiskMB); err != nil {
			return err
		}
	}
	if t.Request.GPUs > 0 {
		if err := conn.WriteLinef(stop, "gpus %d", t.Request.GPUs); err != nil {
			return err
		}
	}
	if t.Request.WallTime > 0 {
		if err := conn.WriteLinef(stop, "wall_time %d", int64(t.Request.WallTime.Seconds())); err != nil {
			return err
		}
	}
	for _, e := range t.EnvVars {
		if err := conn.WriteLinef(stop, "env %d", len(e)); err != nil {
			return err
		}
		if err := conn.WriteExact([]byte(e), stop); err != nil {
			return err
		}
	}
	if t.NeedsLibrary != "" {
		if err := conn.WriteLinef(stop, "needs_library %s", t.NeedsLibrary); err != nil {
			return err
		}
	}
	if t.ProvidesLibrary != "" {
		if err := conn.WriteLinef(stop, "provides_library %s", t.ProvidesLibrary); err != nil {
			return err
		}
	}
	return conn.WriteLinef(stop, "end")
}

func applyTaskAttr(conn *transport.Conn, stop time.Time, t *Task, fields []string) error {
	key := fields[0]
	args := fields[1:]
	switch key {
	case "category":
		if len(args) < 1 {
			return fmt.Errorf("category: missing value")
		}
		t.Category = args[0]

	case "cmd":
		if len(args) < 1 {
			return fmt.Errorf("cmd: missing length")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("cmd: bad length %q: %w", args[0], err)
		}
		buf, err := conn.ReadExact(n, stop)
		if err != nil {
			return fmt.Errorf("cmd: read body: %w", err)
		}
		t.CommandLine = string(buf)

	case "infile", "outfile":
		if len(args) < 3 {
			return fmt.Errorf("%s: want CACHED REMOTE FLAGS", key)
		}
		flags, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("%s: bad flags %q: %w", key, args[2], err)
		}
		m := sandbox.Mount{CachedName: args[0], RemoteName: args[1], Flags: sandbox.MountFlag(flags)}
		if key == "infile" {
			t.InputMounts = append(t.InputMounts, m)
		} else {
			t.OutputMounts = append(t.OutputMounts, m)
		}

	case "dir":
		if len(args) < 1 {
			return fmt.Errorf("dir: missing path")
		}
		t.EmptyDirs = append(t.EmptyDirs, args[0])

	case "cores":
		t.Request.Cores = parseInt64(args)
	case "memory":
		t.Request.MemoryMB = parseInt64(args)
	case "disk":
		t.Request.DiskMB = parseInt64(args)
	case "gpus":
		t.Request.GPUs = parseInt64(args)
	case "wall_time":
		t.Request.WallTime = time.Duration(parseInt64(args)) * time.Second
	case "end_time":
		t.Request.EndTimeUS = parseInt64(args)

	case "env":
		if len(args) < 1 {
			return fmt.Errorf("env: missing length")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("env: bad length %q: %w", args[0], err)
		}
		buf, err := conn.ReadExact(n, stop)
		if err != nil {
			return fmt.Errorf("env: read body: %w", err)
		}
		t.EnvVars = append(t.EnvVars, string(buf))

	case "needs_library":
		if len(args) < 1 {
			return fmt.Errorf("needs_library: missing name")
		}
		t.NeedsLibrary = args[0]

	case "provides_library":
		if len(args) < 1 {
			return fmt.Errorf("provides_library: missing name")
		}
		t.ProvidesLibrary = args[0]
	}
	return nil
}

func parseInt64(args []string) int64 {
	if len(args) < 1 {
		return 0
	}
	n, _ := strconv.ParseInt(args[0], 10, 64)
	return n
}

// resourcesUnspecified reports whether all four resource dimensions were
// left at "unspecified" (<=0), which §3.1 says claims the whole worker.
func (t *Task) resourcesUnspecified() bool {
	return t.Request.Cores <= 0 && t.Request.MemoryMB <= 0 && t.Request.DiskMB <= 0 && t.Request.GPUs <= 0
}

// sandboxTask converts to the minimal view sandbox.Manager needs.
func (t *Task) sandboxTask() sandbox.Task {
	return sandbox.Task{
		TaskID:       t.TaskID,
		IsMiniTask:   false,
		InputMounts:  t.InputMounts,
		OutputMounts: t.OutputMounts,
		EmptyDirs:    t.EmptyDirs,
	}
}
