// Package cache implements the content-addressed local store of §3.3/§4.3:
// every cached_name materializes to exactly one path under
// $workspace/cache, with at most one producer per name at a time. The
// single-producer invariant and the "write to a temp name, rename on
// success" commit pattern are grounded on the locking/mmap-commit scheme
// in an upstream data-cache package from the example pack (see
// DESIGN.md).
package cache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/cuemby/vine-worker/internal/workspace"
)

// Type is the source of a cache entry's materialization.
type Type int

const (
	TypeFile Type = iota
	TypeTransfer
	TypeMiniTask
)

// Status is a cache entry's lifecycle state.
type Status int

const (
	StatusPending Status = iota
	StatusProcessing
	StatusReady
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusProcessing:
		return "PROCESSING"
	case StatusReady:
		return "READY"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// CacheLevel controls how long an entry survives across tasks/workflows.
type CacheLevel int

const (
	LevelTask CacheLevel = iota
	LevelWorkflow
	LevelWorker
	LevelForever
)

// UnpackFlag describes a post-fetch transform applied to a TRANSFER/FILE
// entry before it is committed into the cache.
type UnpackFlag int

const (
	UnpackNone UnpackFlag = iota
	UnpackTarGz
	UnpackGzip
	UnpackZip
)

// Entry is one name's accounting record; the Cache never hands out a
// mutable pointer to callers outside the package.
type Entry struct {
	Name          string
	Type          Type
	Source        string // URL for TRANSFER, "manager" for FILE, empty for MINI_TASK
	Status        Status
	SizeBytes     int64
	Mode          os.FileMode
	MTime         time.Time
	TransferTime  time.Duration
	CacheLevel    CacheLevel
	Unpack        UnpackFlag
	FailureReason string
}

// Reporter receives asynchronous cache-update / cache-invalid
// notifications; the worker main loop implements this to forward them to
// the manager link without the cache package depending on wireproto or
// transport directly.
type Reporter interface {
	CacheUpdate(name string, size int64, transferTime time.Duration, start time.Time, transferID string)
	CacheInvalid(name string, transferID string, reason string)
}

// Materializer performs the actual work of producing a PENDING entry's
// bytes (curl fetch, peer-transfer pull, or mini-task execution). Cache
// calls it in a background goroutine and only ever runs one per name.
type Materializer interface {
	Materialize(tmpPath string, e *Entry) error
}

type job struct {
	name       string
	transferID string
	start      time.Time
	done       chan struct{}
	err        error
}

// Cache is the content-addressed store. One Cache instance owns one
// workspace's cache directory for the lifetime of the worker process.
type Cache struct {
	ws   *workspace.Workspace
	fill Materializer

	mu      sync.Mutex
	cond    *sync.Cond
	entries map[string]*Entry
	inFlight map[string]*job
	finished []*job
}

// New creates a Cache rooted at ws.Cache. fill is consulted whenever a
// PENDING entry needs a background materialization.
func New(ws *workspace.Workspace, fill Materializer) *Cache {
	c := &Cache{
		ws:       ws,
		fill:     fill,
		entries:  make(map[string]*Entry),
		inFlight: make(map[string]*job),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// AddFile registers name as READY: its bytes were just streamed in by the
// manager (§6.1 "file"/"dir") and already live at the final cache path.
func (c *Cache) AddFile(name string, size int64, mode os.FileMode, level CacheLevel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = &Entry{
		Name:       name,
		Type:       TypeFile,
		Source:     "manager",
		Status:     StatusReady,
		SizeBytes:  size,
		Mode:       mode,
		MTime:      time.Now(),
		CacheLevel: level,
	}
	return c.writeSidecar(c.entries[name])
}

// QueueTransfer registers name as PENDING, to be fetched from url in the
// background the next time Ensure is called.
func (c *Cache) QueueTransfer(name, url string, size int64, mode os.FileMode, level CacheLevel, unpack UnpackFlag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = &Entry{
		Name:       name,
		Type:       TypeTransfer,
		Source:     url,
		Status:     StatusPending,
		SizeBytes:  size,
		Mode:       mode,
		CacheLevel: level,
		Unpack:     unpack,
	}
}

// QueueMiniTask registers name as PENDING, to be produced by running task
// through the normal supervisor the next time Ensure is called.
func (c *Cache) QueueMiniTask(name string, mode os.FileMode, level CacheLevel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = &Entry{
		Name:       name,
		Type:       TypeMiniTask,
		Status:     StatusPending,
		Mode:       mode,
		CacheLevel: level,
	}
}

// Ensure returns the entry's current status, kicking off a background
// materialization if it was PENDING. At most one producer ever runs per
// name: a second Ensure call while one is PROCESSING just observes that
// state (testable property 1, §8).
func (c *Cache) Ensure(name string, transferID string) Status {
	c.mu.Lock()
	e, ok := c.entries[name]
	if !ok {
		c.mu.Unlock()
		return StatusFailed
	}
	switch e.Status {
	case StatusReady, StatusProcessing, StatusFailed:
		status := e.Status
		c.mu.Unlock()
		return status
	}
	// PENDING: claim the single producer slot before releasing the lock.
	e.Status = StatusProcessing
	j := &job{name: name, transferID: transferID, start: time.Now(), done: make(chan struct{})}
	c.inFlight[name] = j
	c.mu.Unlock()

	go c.materialize(name, j)
	return StatusProcessing
}

func (c *Cache) materialize(name string, j *job) {
	c.mu.Lock()
	e := c.entries[name]
	c.mu.Unlock()

	tmpPath := c.ws.CachePath(name) + ".transfer"
	err := c.fill.Materialize(tmpPath, e)
	if err == nil {
		err = c.commit(tmpPath, e)
	} else {
		_ = os.RemoveAll(tmpPath)
	}

	c.mu.Lock()
	if err != nil {
		e.Status = StatusFailed
		e.FailureReason = err.Error()
	} else {
		e.Status = StatusReady
		e.MTime = time.Now()
		e.TransferTime = time.Since(j.start)
	}
	j.err = err
	delete(c.inFlight, name)
	c.finished = append(c.finished, j)
	c.mu.Unlock()
	close(j.done)
	c.cond.Broadcast()
}

// commit applies the entry's unpack rule (if any) and then atomically
// renames the temp path into its final cache location — the
// "rename-into-cache as commit" pattern kept verbatim from the original
// per spec.md §9.
func (c *Cache) commit(tmpPath string, e *Entry) error {
	final := c.ws.CachePath(e.Name)
	if e.Unpack == UnpackNone {
		if err := os.Rename(tmpPath, final); err != nil {
			return fmt.Errorf("cache: commit %q: %w", e.Name, err)
		}
		return c.finishCommit(e, final)
	}

	if err := unpackInto(tmpPath, final, e.Unpack); err != nil {
		return fmt.Errorf("cache: unpack %q: %w", e.Name, err)
	}
	_ = os.Remove(tmpPath)
	return c.finishCommit(e, final)
}

func (c *Cache) finishCommit(e *Entry, final string) error {
	info, err := os.Stat(final)
	if err != nil {
		return fmt.Errorf("cache: stat committed entry %q: %w", e.Name, err)
	}
	if info.IsDir() {
		e.SizeBytes = dirSize(final)
	} else {
		e.SizeBytes = info.Size()
		e.Mode = info.Mode()
	}
	return c.writeSidecar(e)
}

func dirSize(root string) int64 {
	var total int64
	_ = filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}

func unpackInto(tmpPath, final string, flag UnpackFlag) error {
	switch flag {
	case UnpackGzip:
		in, err := os.Open(tmpPath)
		if err != nil {
			return err
		}
		defer in.Close()
		gr, err := gzip.NewReader(in)
		if err != nil {
			return err
		}
		defer gr.Close()
		out, err := os.Create(final)
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, gr)
		return err
	case UnpackTarGz:
		return untarGz(tmpPath, final)
	case UnpackZip:
		return unzip(tmpPath, final)
	default:
		return os.Rename(tmpPath, final)
	}
}

// Remove moves both the data and its sidecar to trash (§4.3 remove).
func (c *Cache) Remove(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[name]; !ok {
		return fmt.Errorf("cache: remove: no such entry %q", name)
	}
	path := c.ws.CachePath(name)
	if _, err := os.Lstat(path); err == nil {
		if _, err := c.ws.Trashed(path); err != nil {
			return err
		}
	}
	meta := path + ".meta"
	if _, err := os.Lstat(meta); err == nil {
		_, _ = c.ws.Trashed(meta)
	}
	delete(c.entries, name)
	return nil
}

// Wait performs a non-blocking reap of at-most-one finished
// materialization, reporting cache-update or cache-invalid through report.
// It returns true iff it reaped something.
func (c *Cache) Wait(report Reporter) bool {
	c.mu.Lock()
	if len(c.finished) == 0 {
		c.mu.Unlock()
		return false
	}
	j := c.finished[0]
	c.finished = c.finished[1:]
	e := c.entries[j.name]
	c.mu.Unlock()

	if j.err != nil {
		report.CacheInvalid(j.name, j.transferID, j.err.Error())
	} else {
		report.CacheUpdate(j.name, e.SizeBytes, e.TransferTime, j.start, j.transferID)
	}
	return true
}

// Scan walks the cache directory on startup, parses .meta sidecars, and
// announces every READY entry to the manager (§4.3 scan).
func (c *Cache) Scan(report Reporter) error {
	entries, err := os.ReadDir(c.ws.Cache)
	if err != nil {
		return fmt.Errorf("cache: scan: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, de := range entries {
		name := de.Name()
		if filepath.Ext(name) == ".transfer" {
			// A crash mid-materialization leaves the temp name behind
			// (§9): reap it here instead of leaving it to rot forever.
			_, _ = c.ws.Trashed(c.ws.CachePath(name))
			continue
		}
		if filepath.Ext(name) == ".meta" {
			continue
		}
		e, err := c.readSidecar(name)
		if err != nil {
			continue // no sidecar: leave unregistered, a manager re-announce will repopulate it
		}
		e.Status = StatusReady
		c.entries[name] = e
		report.CacheUpdate(name, e.SizeBytes, 0, time.Now(), "")
	}
	return nil
}

// Status returns the current status of a name, or StatusFailed if unknown.
func (c *Cache) Status(name string) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		return StatusFailed
	}
	return e.Status
}

// Get returns a copy of the entry, for read-only inspection by sandbox
// stagein/stageout.
func (c *Cache) Get(name string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Path returns the on-disk path a READY entry materializes to.
func (c *Cache) Path(name string) string {
	return c.ws.CachePath(name)
}
