// Package workspace manages the on-disk layout a worker runs in:
// $workspace/cache, $workspace/temp, $workspace/trash, and the per-task
// t.<id>/m.<id> sandbox directories (spec.md §6.4).
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Workspace roots every path a worker touches. It is created once at
// startup and shared by cache, sandbox, and supervisor.
type Workspace struct {
	Root  string
	Cache string
	Temp  string
	Trash string
}

// New creates (or adopts) the standard directory layout under root.
func New(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root %q: %w", root, err)
	}
	w := &Workspace{
		Root:  abs,
		Cache: filepath.Join(abs, "cache"),
		Temp:  filepath.Join(abs, "temp"),
		Trash: filepath.Join(abs, "trash"),
	}
	for _, dir := range []string{w.Root, w.Cache, w.Temp, w.Trash} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create workspace dir %q: %w", dir, err)
		}
	}
	return w, nil
}

// SandboxDir returns the per-task directory name: t.<id> for ordinary
// tasks, m.<id> for mini-tasks.
func (w *Workspace) SandboxDir(taskID int64, miniTask bool) string {
	prefix := "t"
	if miniTask {
		prefix = "m"
	}
	return filepath.Join(w.Root, prefix+"."+strconv.FormatInt(taskID, 10))
}

// Trashed moves path into the trash directory under a name that will not
// collide with a concurrent trash of the same basename, and returns the new
// path. Callers are expected to reap the trash directory asynchronously.
func (w *Workspace) Trashed(path string) (string, error) {
	base := filepath.Base(path)
	dest := filepath.Join(w.Trash, fmt.Sprintf("%s.%d.%d", base, os.Getpid(), time.Now().UnixNano()))
	if err := os.Rename(path, dest); err != nil {
		return "", fmt.Errorf("trash %q: %w", path, err)
	}
	return dest, nil
}

// EmptyTrash deletes every entry currently staged in the trash directory.
// Called opportunistically from the worker's idle ticks; failures to
// remove an individual entry are not fatal.
func (w *Workspace) EmptyTrash() []error {
	entries, err := os.ReadDir(w.Trash)
	if err != nil {
		return []error{fmt.Errorf("read trash dir: %w", err)}
	}
	var errs []error
	for _, e := range entries {
		if rmErr := os.RemoveAll(filepath.Join(w.Trash, e.Name())); rmErr != nil {
			errs = append(errs, rmErr)
		}
	}
	return errs
}

// CachePath joins a cached_name onto the cache root. It does not validate
// the name; callers must run names through ValidateRelative first.
func (w *Workspace) CachePath(cachedName string) string {
	return filepath.Join(w.Cache, cachedName)
}

// ValidateRelative rejects any name that would escape its parent directory
// via ".." segments or an absolute prefix, per §7's sandbox isolation
// property.
func ValidateRelative(name string) error {
	if name == "" {
		return fmt.Errorf("empty name")
	}
	if filepath.IsAbs(name) {
		return fmt.Errorf("path escape: %q is absolute", name)
	}
	clean := filepath.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path escape: %q traverses above its root", name)
	}
	return nil
}
