package worker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/vine-worker/pkg/cache"
	"github.com/cuemby/vine-worker/pkg/supervisor"
	"github.com/cuemby/vine-worker/pkg/wireproto"
)

// errReleased is returned by dispatchLine for a "release" command: serve
// unwinds to DISCONNECT without treating the session as failed, and Run
// reconnects on its usual backoff (§6.1 "release").
var errReleased = errors.New("worker: released by manager")

// dispatchLine parses and executes one command off the manager link
// (§6.1). Multi-line commands (task/mini_task blocks, file/dir payloads)
// consume their own trailing bytes before returning.
func (w *Worker) dispatchLine(line string) error {
	msg, err := wireproto.Parse(line)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	switch msg.Verb {
	case wireproto.VerbTask:
		return w.handleTask(msg.TaskID)

	case wireproto.VerbMiniTask:
		return w.handleMiniTask(msg)

	case wireproto.VerbFile:
		return w.handleFile(msg)

	case wireproto.VerbDir:
		return w.handleDir(msg)

	case wireproto.VerbPutURL:
		w.cacheStore.QueueTransfer(msg.Name, msg.Source, msg.Size, os.FileMode(msg.Mode), cache.LevelTask, cache.UnpackNone)
		return nil

	case wireproto.VerbUnlink:
		if err := w.cacheStore.Remove(msg.Name); err != nil {
			w.log.Warn().Str("name", msg.Name).Err(err).Msg("unlink failed")
		}
		return nil

	case wireproto.VerbGetFile, wireproto.VerbGet:
		w.log.Warn().Str("verb", string(msg.Verb)).Msg("peer-transfer verb received on manager link, ignoring")
		return nil

	case wireproto.VerbKill:
		w.handleKill(msg.KillID)
		return nil

	case wireproto.VerbRelease:
		return errReleased

	case wireproto.VerbExit:
		w.exiting = true
		return nil

	case wireproto.VerbCheck:
		return w.sendResourceUpdate(time.Now().Add(5 * time.Second))

	case wireproto.VerbSendResults:
		return w.sendResults(msg.Count)

	case wireproto.VerbInfo, wireproto.VerbFeature, wireproto.VerbTransferAddr, wireproto.VerbTaskVine:
		w.log.Debug().Str("verb", string(msg.Verb)).Msg("ignoring manager-direction-only verb")
		return nil

	default:
		w.log.Debug().Str("verb", string(msg.Verb)).Msg("unexpected verb on manager link, ignoring")
		return nil
	}
}

// handleTask reads the attribute block following "task ID" and queues the
// resulting Task for FIFO scheduling.
func (w *Worker) handleTask(taskID int64) error {
	t, err := readTaskBlock(w.conn, time.Now().Add(30*time.Second), taskID)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.queued = append(w.queued, t)
	w.mu.Unlock()
	return nil
}

// handleMiniTask reads the attribute block for a cache-producing mini-task
// and registers it as a PENDING cache entry (§4.3, §4.7).
func (w *Worker) handleMiniTask(msg wireproto.Message) error {
	t, err := readTaskBlock(w.conn, time.Now().Add(30*time.Second), msg.TaskID)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.miniTasks[msg.Name] = t
	w.mu.Unlock()
	w.cacheStore.QueueMiniTask(msg.Name, os.FileMode(msg.Mode), cache.LevelTask)
	return nil
}

// handleFile reads SIZE bytes of file content the manager is pushing under
// cached name NAME and registers it as a READY cache entry (§6.1 "file").
func (w *Worker) handleFile(msg wireproto.Message) error {
	tmp := w.ws.CachePath(msg.Name) + ".incoming"
	if err := os.MkdirAll(filepath.Dir(tmp), 0755); err != nil {
		return fmt.Errorf("file: mkdir: %w", err)
	}
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(msg.Mode))
	if err != nil {
		return fmt.Errorf("file: create temp: %w", err)
	}
	stop := time.Now().Add(900 * time.Second)
	streamErr := w.conn.StreamToWriter(out, msg.Size, stop)
	closeErr := out.Close()
	if streamErr != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("file: stream %q: %w", msg.Name, streamErr)
	}
	if closeErr != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("file: close %q: %w", msg.Name, closeErr)
	}
	final := w.ws.CachePath(msg.Name)
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("file: commit %q: %w", msg.Name, err)
	}
	return w.cacheStore.AddFile(msg.Name, msg.Size, os.FileMode(msg.Mode), cache.LevelTask)
}

// handleDir reads a recursive directory tree (§6.2) the manager is pushing
// under cached name NAME and registers it as a READY cache entry.
func (w *Worker) handleDir(msg wireproto.Message) error {
	final := w.ws.CachePath(msg.Name)
	if err := os.MkdirAll(final, 0755); err != nil {
		return fmt.Errorf("dir: mkdir %q: %w", msg.Name, err)
	}
	stop := time.Now().Add(900 * time.Second)
	if err := w.conn.SetDeadline(stop); err != nil {
		return fmt.Errorf("dir: set deadline: %w", err)
	}
	if err := wireproto.ReadTree(w.conn.Reader(), final); err != nil {
		return fmt.Errorf("dir: read tree %q: %w", msg.Name, err)
	}
	size := w.measureDiskBytes(final)
	return w.cacheStore.AddFile(msg.Name, size, 0755, cache.LevelTask)
}

// handleKill kills one task (or all running tasks when killID is -1),
// per §6.1 "kill".
func (w *Worker) handleKill(killID int64) {
	if killID < 0 {
		w.super.KillAll(supervisor.ResultKilled)
		return
	}
	if p, ok := w.super.Process(killID); ok {
		w.super.Kill(p, supervisor.ResultKilled)
	}
}
