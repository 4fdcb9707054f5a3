// Package sandbox creates and destroys per-task working directories,
// links required cache entries in as inputs, and moves produced outputs
// into the cache (§4.4).
package sandbox

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cuemby/vine-worker/internal/workspace"
	"github.com/cuemby/vine-worker/pkg/cache"
)

// MountFlag mirrors §3.1's input/output mount flags.
type MountFlag int

const (
	FlagNone         MountFlag = 0
	FlagUnpack       MountFlag = 1 << iota
	FlagPonchoUnpack MountFlag = 1 << iota
	FlagSymlink      MountFlag = 1 << iota
)

// Mount binds a cached_name to a path relative to the sandbox.
type Mount struct {
	CachedName string
	RemoteName string
	Flags      MountFlag
}

// Outcome is the result of a stagein attempt.
type Outcome int

const (
	OutcomeReady Outcome = iota
	OutcomeNeedsWait
	OutcomeFailed
)

// Manager creates, populates, and tears down sandbox directories.
type Manager struct {
	ws              *workspace.Workspace
	cache           *cache.Cache
	disableSymlinks bool
}

// New creates a sandbox Manager bound to ws and the shared cache.
// disableSymlinks corresponds to --disable-symlinks (§6.5): when set, a
// stagein that would otherwise fall back to a symlink fails instead.
func New(ws *workspace.Workspace, c *cache.Cache, disableSymlinks bool) *Manager {
	return &Manager{ws: ws, cache: c, disableSymlinks: disableSymlinks}
}

// Task is the minimal view of §3.1 that stagein/stageout need; the
// supervisor owns the full Task/Process types and passes this view in.
type Task struct {
	TaskID       int64
	IsMiniTask   bool
	InputMounts  []Mount
	OutputMounts []Mount
	EmptyDirs    []string
}

// StageIn prepares a sandbox directory for t: ensures every input mount is
// READY (kicking off materialization otherwise), creates empty-dir
// mounts, and hard-links (or symlinks) cache entries into place.
func (m *Manager) StageIn(t Task) (Outcome, string, error) {
	for _, mount := range t.InputMounts {
		status := m.cache.Ensure(mount.CachedName, "")
		switch status {
		case cache.StatusFailed:
			return OutcomeFailed, "", fmt.Errorf("sandbox: input %q is FAILED", mount.CachedName)
		case cache.StatusProcessing, cache.StatusPending:
			return OutcomeNeedsWait, "", nil
		}
	}

	sandboxDir := m.ws.SandboxDir(t.TaskID, t.IsMiniTask)
	if err := os.MkdirAll(sandboxDir, 0755); err != nil {
		return OutcomeFailed, "", fmt.Errorf("sandbox: mkdir %q: %w", sandboxDir, err)
	}
	tmpDir := filepath.Join(sandboxDir, ".taskvine.tmp")
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return OutcomeFailed, "", fmt.Errorf("sandbox: mkdir tmp %q: %w", tmpDir, err)
	}

	for _, dir := range t.EmptyDirs {
		if err := workspace.ValidateRelative(dir); err != nil {
			return OutcomeFailed, "", fmt.Errorf("sandbox: empty dir: %w", err)
		}
		if err := os.MkdirAll(filepath.Join(sandboxDir, dir), 0755); err != nil {
			return OutcomeFailed, "", fmt.Errorf("sandbox: create empty dir %q: %w", dir, err)
		}
	}

	for _, mount := range t.InputMounts {
		if err := workspace.ValidateRelative(mount.RemoteName); err != nil {
			return OutcomeFailed, "", fmt.Errorf("sandbox: refuse escaping mount: %w", err)
		}
		src := m.cache.Path(mount.CachedName)
		dst := filepath.Join(sandboxDir, mount.RemoteName)
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return OutcomeFailed, "", fmt.Errorf("sandbox: mkdir for mount %q: %w", mount.RemoteName, err)
		}
		if err := m.linkIn(src, dst, mount.Flags&FlagSymlink != 0); err != nil {
			return OutcomeFailed, "", fmt.Errorf("sandbox: stagein %q: %w", mount.RemoteName, err)
		}
	}

	return OutcomeReady, sandboxDir, nil
}

// linkIn recursively hard-links src into dst, falling back to a symlink
// when preferSymlink is set or hard-linking is not possible (e.g. across
// a filesystem boundary) and m.disableSymlinks is false.
func (m *Manager) linkIn(src, dst string, preferSymlink bool) error {
	info, err := os.Lstat(src)
	if err != nil {
		return fmt.Errorf("stat cache entry: %w", err)
	}

	if info.IsDir() {
		if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := m.linkIn(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name()), preferSymlink); err != nil {
				return err
			}
		}
		return nil
	}

	if preferSymlink {
		return os.Symlink(src, dst)
	}
	if err := os.Link(src, dst); err != nil {
		if m.disableSymlinks {
			return fmt.Errorf("hard-link failed and symlinks disabled: %w", err)
		}
		return os.Symlink(src, dst)
	}
	return nil
}

// StageOut moves each existing output mount's file into the cache and
// registers it, recording which outputs were missing.
func (m *Manager) StageOut(t Task, sandboxDir string) (missing []string, err error) {
	for _, mount := range t.OutputMounts {
		src := filepath.Join(sandboxDir, mount.RemoteName)
		if _, statErr := os.Lstat(src); statErr != nil {
			missing = append(missing, mount.RemoteName)
			continue
		}
		dst := m.ws.CachePath(mount.CachedName)
		if renameErr := os.Rename(src, dst); renameErr != nil {
			if copyErr := copyTree(src, dst); copyErr != nil {
				missing = append(missing, mount.RemoteName)
				continue
			}
		}
		info, statErr := os.Stat(dst)
		if statErr != nil {
			missing = append(missing, mount.RemoteName)
			continue
		}
		if addErr := m.cache.AddFile(mount.CachedName, info.Size(), info.Mode(), cache.LevelTask); addErr != nil {
			return missing, fmt.Errorf("sandbox: register output %q: %w", mount.CachedName, addErr)
		}
	}
	return missing, nil
}

// copyTree is the stageout fallback for a rename that fails because the
// sandbox and cache live on different filesystems (EXDEV).
func copyTree(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := copyTree(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
				return err
			}
		}
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// Delete moves the sandbox tree into the trash directory (§4.4
// sandbox_delete).
func (m *Manager) Delete(sandboxDir string) error {
	if _, err := os.Stat(sandboxDir); os.IsNotExist(err) {
		return nil
	}
	_, err := m.ws.Trashed(sandboxDir)
	return err
}
