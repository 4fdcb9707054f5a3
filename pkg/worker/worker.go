// Package worker implements the §4.7 worker main loop: the
// CONNECT->ANNOUNCE->SERVE->DISCONNECT state machine that folds every
// global of the original into one Worker value, dispatching the §6.1
// command protocol over a single manager link and driving the cache,
// sandbox, supervisor, and library subsystems from one cooperative tick.
package worker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/vine-worker/internal/workspace"
	"github.com/cuemby/vine-worker/pkg/cache"
	"github.com/cuemby/vine-worker/pkg/catalog"
	"github.com/cuemby/vine-worker/pkg/library"
	vinelog "github.com/cuemby/vine-worker/pkg/log"
	"github.com/cuemby/vine-worker/pkg/metrics"
	"github.com/cuemby/vine-worker/pkg/resources"
	"github.com/cuemby/vine-worker/pkg/sandbox"
	"github.com/cuemby/vine-worker/pkg/supervisor"
	"github.com/cuemby/vine-worker/pkg/transport"
)

// Version is the protocol/software version string sent in the opening
// "taskvine" handshake line.
const Version = "1.0.0"

// Config holds every `vine_worker` flag relevant to the main loop (§6.5).
type Config struct {
	ManagerHost  string
	ManagerPort  int
	CatalogAddr  string
	ProjectRegex string

	// ManagerCandidates is an explicit "host:port" list (the CLI's
	// "HOST:PORT;HOST:PORT;..." positional form, §6.5). When ManagerHost
	// is unset, each connection attempt picks one entry uniformly at
	// random.
	ManagerCandidates []string

	WorkspaceRoot   string
	Cores           int64
	MemoryMB        int64
	DiskMB          int64
	GPUs            int
	DisableSymlinks bool

	Password  string
	TLSConfig *tls.Config

	Features      []string
	TransferAddr  string
	EndTime       time.Time
	SingleShot    bool
	IdleTimeout   time.Duration
	ConnectTimeout time.Duration
	CheckInterval time.Duration

	// Offload, when set, gives queued tasks to an external scheduler
	// (a foreman's embedded manager endpoint) instead of running them
	// under the local supervisor. It returns false to have the task
	// retried on a later tick (§4.9).
	Offload OffloadFunc
}

// OffloadFunc claims a queued task for execution elsewhere. See
// Config.Offload.
type OffloadFunc func(t *Task) bool

func (c Config) idleTimeout() time.Duration {
	if c.IdleTimeout > 0 {
		return c.IdleTimeout
	}
	return 900 * time.Second
}

func (c Config) connectTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return 900 * time.Second
}

// resultRecord is one outbound finished task awaiting a "send_results N"
// batch request from the manager.
type resultRecord struct {
	TaskID     int64
	Result     int
	ExitCode   int
	StdoutPath string
	StartUS    int64
	EndUS      int64
}

// Worker is the top-level value the worker process runs: every global of
// the original (total_resources, procs_table, current_transfers,
// features) is a field here instead.
type Worker struct {
	cfg Config
	log zerolog.Logger

	ws         *workspace.Workspace
	cacheStore *cache.Cache
	sandboxMgr *sandbox.Manager
	super      *supervisor.Supervisor
	libs       *library.Manager
	measurer   *resources.Measurer
	workerID   string

	conn *transport.Conn

	mu           sync.Mutex
	pending      map[int64]*Task // tasks started under the supervisor, keyed by ID
	queued       []*Task         // waiting to run, FIFO
	miniTasks    map[string]*Task
	outbound     []resultRecord
	announced     bool
	lastActivity  time.Time
	lastKeepalive time.Time
	lastTrashSweep time.Time
	exiting       bool // set once "exit" is dispatched; ends serve and Run both
}

// keepaliveInterval bounds how long the worker lets a manager link sit
// silent before proactively sending "alive" plus a resource update
// (§4.7 step 3: "Send periodic alive + resource update if manager has
// been silent").
const keepaliveInterval = 60 * time.Second

// trashSweepInterval bounds how often the workspace trash directory is
// swept during idle ticks (§6.4's trash/ staging area is reaped
// asynchronously, not synchronously with the unlink/delete that fills it).
const trashSweepInterval = 30 * time.Second

// New constructs a Worker. It creates (or adopts) the workspace directory
// layout immediately so cache.Scan can run before the first CONNECT.
func New(cfg Config) (*Worker, error) {
	ws, err := workspace.New(cfg.WorkspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("worker: workspace: %w", err)
	}

	w := &Worker{
		cfg:       cfg,
		ws:        ws,
		workerID:  uuid.NewString(),
		pending:   make(map[int64]*Task),
		miniTasks: make(map[string]*Task),
	}
	w.log = vinelog.WithWorkerID(w.workerID)

	w.cacheStore = cache.New(ws, &materializer{w: w})
	w.sandboxMgr = sandbox.New(ws, w.cacheStore, cfg.DisableSymlinks)
	w.measurer = resources.NewMeasurer(ws.Root, 3*time.Second)

	cores, memoryMB, diskMB := cfg.Cores, cfg.MemoryMB, cfg.DiskMB
	if cores <= 0 || memoryMB <= 0 || diskMB <= 0 {
		mctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		measuredCores, measuredMemMB, measuredDiskMB, merr := w.measurer.Measure(mctx)
		cancel()
		if merr != nil {
			w.log.Warn().Err(merr).Msg("resource auto-detection failed, falling back to configured values")
		} else {
			if cores <= 0 {
				cores = int64(measuredCores)
			}
			if memoryMB <= 0 {
				memoryMB = measuredMemMB
			}
			if diskMB <= 0 {
				diskMB = measuredDiskMB
			}
		}
	}

	total := resources.Snapshot{
		Cores:  resources.Quantity{Total: cores},
		Memory: resources.Quantity{Total: memoryMB},
		Disk:   resources.Quantity{Total: diskMB},
		GPUs:   resources.Quantity{Total: int64(cfg.GPUs)},
	}
	w.super = supervisor.New(total, cfg.GPUs, cfg.CheckInterval)
	w.libs = library.New()

	if err := w.cacheStore.Scan(w); err != nil {
		w.log.Warn().Err(err).Msg("cache scan failed, starting with empty cache accounting")
	}

	return w, nil
}

// Run drives the CONNECT->ANNOUNCE->SERVE->DISCONNECT loop until ctx is
// cancelled, or, in single-shot mode, after one manager connection.
func (w *Worker) Run(ctx context.Context) error {
	backoff := time.Second
	deadline := time.Now().Add(w.cfg.connectTimeout())

	for {
		if ctx.Err() != nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("worker: connect_timeout exceeded without reaching a manager")
		}

		err := w.connectAndServe(ctx)
		if err != nil {
			w.log.Warn().Err(err).Msg("manager session ended")
		}
		if w.exiting {
			return nil
		}
		if w.cfg.SingleShot {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 8*time.Second {
			backoff = 8 * time.Second
		}
	}
}

// connectAndServe performs one full CONNECT->ANNOUNCE->SERVE->DISCONNECT
// cycle against a single manager.
func (w *Worker) connectAndServe(ctx context.Context) error {
	addr, err := w.resolveManagerAddr(ctx)
	if err != nil {
		return fmt.Errorf("worker: resolve manager: %w", err)
	}

	idle := w.cfg.idleTimeout()
	dialDeadline := time.Now().Add(idle)
	d := net.Dialer{}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("worker: dial %s: %w", addr, err)
	}
	if w.cfg.TLSConfig != nil {
		raw, err = transport.WrapTLS(raw, w.cfg.TLSConfig, false)
		if err != nil {
			return fmt.Errorf("worker: tls handshake: %w", err)
		}
	}
	conn := transport.New(raw)
	defer conn.Close()

	if w.cfg.Password != "" {
		if err := conn.Authenticate(w.cfg.Password, dialDeadline); err != nil {
			return fmt.Errorf("worker: password auth: %w", err)
		}
	}

	w.conn = conn
	w.lastActivity = time.Now()
	w.lastKeepalive = time.Now()

	if err := w.announce(dialDeadline); err != nil {
		return fmt.Errorf("worker: announce: %w", err)
	}
	metrics.ManagerConnected.Set(1)
	defer metrics.ManagerConnected.Set(0)

	err = w.serve(ctx)
	w.disconnect()
	return err
}

func (w *Worker) resolveManagerAddr(ctx context.Context) (string, error) {
	if w.cfg.ManagerHost != "" {
		return fmt.Sprintf("%s:%d", w.cfg.ManagerHost, w.cfg.ManagerPort), nil
	}
	if len(w.cfg.ManagerCandidates) > 0 {
		return w.cfg.ManagerCandidates[rand.Intn(len(w.cfg.ManagerCandidates))], nil
	}
	if w.cfg.CatalogAddr == "" || w.cfg.ProjectRegex == "" {
		return "", fmt.Errorf("no manager host and no catalog/project configured")
	}
	pattern := w.cfg.ProjectRegex
	if _, err := regexp.Compile(pattern); err != nil {
		return "", fmt.Errorf("invalid project regex: %w", err)
	}
	q, err := catalog.NewQuery(w.cfg.CatalogAddr, pattern)
	if err != nil {
		return "", err
	}
	candidates, err := q.Fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("catalog query: %w", err)
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("no managers matched project %q", pattern)
	}
	return candidates[0].Address, nil
}

// announce sends the opening handshake: version/host/os/arch, worker-id,
// feature lines, peer-transfer address, and an initial resource update
// (§4.7 step 2).
func (w *Worker) announce(stop time.Time) error {
	host, _ := os.Hostname()
	if err := w.conn.WriteLinef(stop, "taskvine %s %s %s %s %s", Version, host, runtime.GOOS, runtime.GOARCH, Version); err != nil {
		return err
	}
	if err := w.conn.WriteLinef(stop, "info worker-id %s", w.workerID); err != nil {
		return err
	}
	if !w.cfg.EndTime.IsZero() {
		if err := w.conn.WriteLinef(stop, "info worker-end-time %d", w.cfg.EndTime.UnixMicro()); err != nil {
			return err
		}
	}
	for _, f := range w.cfg.Features {
		if err := w.conn.WriteLinef(stop, "feature %s", f); err != nil {
			return err
		}
	}
	if w.cfg.TransferAddr != "" {
		host, portStr, splitErr := net.SplitHostPort(w.cfg.TransferAddr)
		if splitErr == nil {
			var port int
			fmt.Sscanf(portStr, "%d", &port)
			if err := w.conn.WriteLinef(stop, "transfer-address %s %d", host, port); err != nil {
				return err
			}
		}
	}
	return w.sendResourceUpdate(stop)
}

func (w *Worker) sendResourceUpdate(stop time.Time) error {
	if err := w.conn.WriteLinef(stop, "alive"); err != nil {
		return err
	}
	inUse := w.super.InUse()
	lines := []struct {
		key   string
		total int64
		inuse int64
	}{
		{"cores", inUse.Cores.Total, inUse.Cores.InUse},
		{"memory", inUse.Memory.Total, inUse.Memory.InUse},
		{"disk", inUse.Disk.Total, inUse.Disk.InUse},
		{"gpus", inUse.GPUs.Total, inUse.GPUs.InUse},
	}
	for _, l := range lines {
		if err := w.conn.WriteLinef(stop, "info resource-%s %d %d", l.key, l.total, l.inuse); err != nil {
			return err
		}
	}
	return w.conn.WriteLinef(stop, "info end_of_resource_update 0")
}

// serve runs the SERVE state: a select/poll-equivalent loop with a 5s
// slice that dispatches incoming commands, reaps processes, advances the
// cache, enforces limits, starts queued tasks, and batches results
// (§4.7 step 3).
func (w *Worker) serve(ctx context.Context) error {
	const slice = 5 * time.Second
	idle := w.cfg.idleTimeout()

	for {
		if ctx.Err() != nil {
			return nil
		}

		stop := time.Now().Add(slice)
		line, err := w.conn.ReadLine(stop)
		if err != nil {
			if !isTimeout(err) {
				return fmt.Errorf("worker: manager link: %w", err)
			}
		} else {
			w.lastActivity = time.Now()
			if line == "end" {
				// stray terminator with nothing pending; ignore.
			} else if err := w.dispatchLine(line); err != nil {
				if errors.Is(err, errReleased) {
					return nil
				}
				return fmt.Errorf("worker: dispatch %q: %w", line, err)
			}
			if w.exiting {
				return nil
			}
		}

		w.tick()

		if w.cfg.ProjectRegex == "" && w.super.InUse().Cores.InUse == 0 && time.Since(w.lastActivity) > idle {
			_ = w.conn.WriteLinef(time.Now().Add(5*time.Second), "info idle-disconnecting %d", int64(idle.Seconds()))
			return fmt.Errorf("worker: idle_timeout exceeded")
		}
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	for e := err; e != nil; {
		if t, ok := e.(timeouter); ok && t.Timeout() {
			return true
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

// tick performs one non-dispatch pass of the loop: reap/enforce, cache
// progress, scheduling, and result batching.
func (w *Worker) tick() {
	finished := w.super.Tick(time.Now(), w.measureDiskBytes)
	for _, p := range finished {
		w.finishProcess(p)
	}

	for w.cacheStore.Wait(w) {
	}

	w.scheduleQueued()
	w.flushResults()
	w.maybeSendKeepalive()
	w.maybeSweepTrash()
}

// maybeSendKeepalive sends an unsolicited "alive" + resource update once
// the manager link has been silent for keepaliveInterval, so a quiet
// manager still sees this worker as live (§4.7 step 3).
func (w *Worker) maybeSendKeepalive() {
	if time.Since(w.lastKeepalive) < keepaliveInterval {
		return
	}
	if err := w.sendResourceUpdate(time.Now().Add(5 * time.Second)); err == nil {
		w.lastKeepalive = time.Now()
	}
}

// maybeSweepTrash reaps the workspace trash directory asynchronously to
// the unlink/stageout/sandbox-delete calls that fill it (§6.4).
func (w *Worker) maybeSweepTrash() {
	if time.Since(w.lastTrashSweep) < trashSweepInterval {
		return
	}
	w.lastTrashSweep = time.Now()
	for _, err := range w.ws.EmptyTrash() {
		w.log.Debug().Err(err).Msg("trash sweep")
	}
}

func (w *Worker) measureDiskBytes(sandboxDir string) int64 {
	var total int64
	_ = filepath.Walk(sandboxDir, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}

// CacheUpdate implements cache.Reporter, forwarding to the manager link.
func (w *Worker) CacheUpdate(name string, size int64, transferTime time.Duration, start time.Time, transferID string) {
	if w.conn == nil {
		return
	}
	_ = w.conn.WriteLinef(time.Now().Add(5*time.Second), "cache-update %s %d %d %d %s",
		name, size, transferTime.Microseconds(), start.UnixMicro(), transferID)
	metrics.CacheTransfersTotal.WithLabelValues("ok").Inc()
}

// CacheInvalid implements cache.Reporter.
func (w *Worker) CacheInvalid(name, transferID, reason string) {
	if w.conn == nil {
		return
	}
	_ = w.conn.WriteLinef(time.Now().Add(5*time.Second), "cache-invalid %s %d %s", name, len(reason), transferID)
	_ = w.conn.WriteExact([]byte(reason), time.Now().Add(5*time.Second))
	metrics.CacheTransfersTotal.WithLabelValues("failed").Inc()
}

// scheduleQueued starts as many waiting tasks as currently fit, FIFO,
// forsaking any whose request could never fit even an empty worker
// (§4.7).
func (w *Worker) scheduleQueued() {
	w.mu.Lock()
	queue := w.queued
	w.queued = nil
	w.mu.Unlock()

	var retry []*Task
	for _, t := range queue {
		if w.cfg.Offload != nil {
			if w.cfg.Offload(t) {
				continue
			}
			retry = append(retry, t)
			continue
		}
		if t.resourcesUnspecified() {
			// An all-unspecified request claims the whole worker (§3.1):
			// rewrite it to the supervisor's total capacity so Fits/Start
			// actually reserve it, instead of leaving a zero-valued
			// request that would let unrelated tasks schedule alongside it.
			total := w.super.TotalResources()
			t.Request.Cores = total.Cores
			t.Request.MemoryMB = total.MemoryMB
			t.Request.DiskMB = total.DiskMB
			t.Request.GPUs = total.GPUs
		} else if !w.super.FitsEmpty(t.Request) {
			w.reportForsaken(t)
			continue
		}
		if t.IsFunction() {
			if w.runFunctionTask(t) {
				continue
			}
			retry = append(retry, t)
			continue
		}
		if !w.super.Fits(t.Request) {
			retry = append(retry, t)
			continue
		}
		if !w.startTask(t) {
			retry = append(retry, t)
		}
	}

	w.mu.Lock()
	w.queued = append(retry, w.queued...)
	w.mu.Unlock()
}

func (w *Worker) reportForsaken(t *Task) {
	w.mu.Lock()
	w.outbound = append(w.outbound, resultRecord{
		TaskID:   t.TaskID,
		Result:   int(supervisor.ResultForsaken),
		ExitCode: -1,
	})
	w.mu.Unlock()
}

// startTask stages a task's inputs in and, if ready, forks it under the
// supervisor. It returns false if the task should be retried on a later
// tick (inputs still materializing).
func (w *Worker) startTask(t *Task) bool {
	outcome, sandboxDir, err := w.sandboxMgr.StageIn(t.sandboxTask())
	switch outcome {
	case sandbox.OutcomeNeedsWait:
		return false
	case sandbox.OutcomeFailed:
		w.completeWithResult(t, supervisor.ResultInputMissing, -1, "", time.Now(), time.Now())
		w.log.Warn().Int64("task_id", t.TaskID).Err(err).Msg("stagein failed")
		return true
	}

	p := &supervisor.Process{
		TaskID:      t.TaskID,
		CommandLine: t.CommandLine,
		EnvVars:     t.EnvVars,
		SandboxDir:  sandboxDir,
		StdoutPath:  filepath.Join(sandboxDir, ".taskvine.stdout"),
		Request:     t.Request,
		IsLibrary:   t.IsLibrary(),
	}
	if err := w.super.Start(p); err != nil {
		w.completeWithResult(t, supervisor.ResultResourceExhaustion, -1, "", time.Now(), time.Now())
		return true
	}

	w.mu.Lock()
	w.pending[t.TaskID] = t
	w.mu.Unlock()

	metrics.TasksRunning.Inc()

	if t.IsLibrary() {
		go w.registerLibrary(p, t)
	}
	return true
}

func (w *Worker) registerLibrary(p *supervisor.Process, t *Task) {
	_, err := w.libs.Register(context.Background(), p, 1, t.ProvidesLibrary)
	if err != nil {
		if errors.Is(err, library.ErrHandshakeMismatch) {
			w.log.Warn().Int64("task_id", t.TaskID).Err(err).Msg("library handshake name mismatch")
		} else {
			w.log.Warn().Int64("task_id", t.TaskID).Err(err).Msg("library handshake failed")
		}
		w.super.Kill(p, supervisor.ResultKilled)
		return
	}
}

// runFunctionTask matches a needs_library task to a running library
// instance and invokes it synchronously in a goroutine, returning true
// once dispatched (so the caller does not retry it as a normal task).
func (w *Worker) runFunctionTask(t *Task) bool {
	inst := w.libs.Match(t.NeedsLibrary)
	if inst == nil {
		return false
	}

	outcome, sandboxDir, err := w.sandboxMgr.StageIn(t.sandboxTask())
	if outcome == sandbox.OutcomeNeedsWait {
		return false
	}
	if outcome == sandbox.OutcomeFailed {
		w.completeWithResult(t, supervisor.ResultInputMissing, -1, "", time.Now(), time.Now())
		w.log.Warn().Int64("task_id", t.TaskID).Err(err).Msg("function task stagein failed")
		return true
	}

	inputName := ""
	if len(t.InputMounts) > 0 {
		inputName = t.InputMounts[0].RemoteName
	}

	metrics.TasksRunning.Inc()
	go func() {
		defer metrics.TasksRunning.Dec()
		start := time.Now()
		var input []byte
		var rerr error
		if inputName != "" {
			input, rerr = os.ReadFile(filepath.Join(sandboxDir, inputName))
		}
		if rerr != nil {
			w.completeWithResult(t, supervisor.ResultInputMissing, -1, sandboxDir, start, time.Now())
			return
		}
		resp, ierr := inst.Invoke(context.Background(), sandboxDir, input, time.Now().Add(t.Request.WallTime+30*time.Second))
		if ierr != nil {
			w.completeWithResult(t, supervisor.ResultOutputMissing, -1, sandboxDir, start, time.Now())
			return
		}
		for _, m := range t.OutputMounts {
			_ = library.WriteResponseToFile(filepath.Join(sandboxDir, m.RemoteName), resp)
		}
		missing, _ := w.sandboxMgr.StageOut(t.sandboxTask(), sandboxDir)
		_ = w.sandboxMgr.Delete(sandboxDir)
		result := supervisor.ResultSuccess
		if len(missing) > 0 {
			result = supervisor.ResultOutputMissing
		}
		w.completeWithResult(t, result, 0, sandboxDir, start, time.Now())
	}()
	return true
}

// TempDir returns the worker's scratch directory, for callers (a
// foreman's downstream result pump) that need to stage a file before
// handing it to CompleteOffloaded.
func (w *Worker) TempDir() string {
	return w.ws.Temp
}

// CompleteOffloaded enqueues a result for a task that an OffloadFunc
// claimed and ran elsewhere, feeding it into the normal
// available_results/send_results batching path as if the supervisor had
// reaped it locally (§4.9's "forward upstream as a result report").
func (w *Worker) CompleteOffloaded(taskID int64, result supervisor.Result, exitCode int, stdoutPath string, startUS, endUS int64) {
	w.mu.Lock()
	w.outbound = append(w.outbound, resultRecord{
		TaskID:     taskID,
		Result:     int(result),
		ExitCode:   exitCode,
		StdoutPath: stdoutPath,
		StartUS:    startUS,
		EndUS:      endUS,
	})
	w.mu.Unlock()
	metrics.TasksCompletedTotal.WithLabelValues(result.String()).Inc()
}

func (w *Worker) completeWithResult(t *Task, result supervisor.Result, exitCode int, sandboxDir string, start, end time.Time) {
	w.mu.Lock()
	w.outbound = append(w.outbound, resultRecord{
		TaskID:     t.TaskID,
		Result:     int(result),
		ExitCode:   exitCode,
		StdoutPath: filepath.Join(sandboxDir, ".taskvine.stdout"),
		StartUS:    start.UnixMicro(),
		EndUS:      end.UnixMicro(),
	})
	w.mu.Unlock()
	metrics.TasksCompletedTotal.WithLabelValues(result.String()).Inc()
}

// finishProcess runs stageout for a process the supervisor just reaped
// and enqueues its result.
func (w *Worker) finishProcess(p *supervisor.Process) {
	metrics.TasksRunning.Dec()
	metrics.TaskExecutionDuration.Observe(p.ExecutionEnd.Sub(p.ExecutionStart).Seconds())

	w.mu.Lock()
	t, ok := w.pending[p.TaskID]
	delete(w.pending, p.TaskID)
	w.mu.Unlock()

	result := p.Result
	if ok && !t.IsLibrary() {
		missing, err := w.sandboxMgr.StageOut(t.sandboxTask(), p.SandboxDir)
		if err == nil && len(missing) > 0 && result == supervisor.ResultSuccess {
			result = supervisor.ResultOutputMissing
		}
	}
	if ok {
		_ = w.sandboxMgr.Delete(p.SandboxDir)
	}
	if t != nil && t.IsLibrary() {
		w.libs.Remove(p.TaskID)
	}

	w.mu.Lock()
	w.outbound = append(w.outbound, resultRecord{
		TaskID:     p.TaskID,
		Result:     int(result),
		ExitCode:   p.ExitCode,
		StdoutPath: p.StdoutPath,
		StartUS:    p.ExecutionStart.UnixMicro(),
		EndUS:      p.ExecutionEnd.UnixMicro(),
	})
	w.mu.Unlock()
	metrics.TasksCompletedTotal.WithLabelValues(result.String()).Inc()
	w.super.Delete(p)
}

// flushResults sends "available_results" on the empty->non-empty
// transition and, once the manager replies with "send_results N", emits N
// result records followed by "end" (§4.7, §6.1).
func (w *Worker) flushResults() {
	w.mu.Lock()
	nonEmpty := len(w.outbound) > 0
	already := w.announced
	if nonEmpty && !already {
		w.announced = true
	}
	w.mu.Unlock()

	if nonEmpty && !already {
		_ = w.conn.WriteLinef(time.Now().Add(5*time.Second), "available_results")
	}
}

// sendResults emits up to n queued result records, then "end" (the
// manager's reply to "available_results").
func (w *Worker) sendResults(n int) error {
	w.mu.Lock()
	if n > len(w.outbound) {
		n = len(w.outbound)
	}
	batch := w.outbound[:n]
	w.outbound = w.outbound[n:]
	if len(w.outbound) == 0 {
		w.announced = false
	}
	w.mu.Unlock()

	for _, r := range batch {
		stop := time.Now().Add(30 * time.Second)
		data, _ := os.ReadFile(r.StdoutPath)
		if err := w.conn.WriteLinef(stop, "result %d %d %d %d %d %d", r.Result, r.ExitCode, len(data), r.StartUS, r.EndUS, r.TaskID); err != nil {
			return err
		}
		if err := w.conn.WriteExact(data, stop); err != nil {
			return err
		}
	}
	return w.conn.WriteLinef(time.Now().Add(5*time.Second), "end")
}

// Vacate marks the worker for a clean shutdown in response to a caught
// signal (§7: SIGINT/SIGTERM/SIGQUIT/SIGUSR1/SIGUSR2 set an abort flag).
// If a manager link is currently open it is told "info vacating SIG"
// before the caller cancels the Run context; the serve loop then unwinds
// through its normal DISCONNECT path.
func (w *Worker) Vacate(sig os.Signal) {
	w.mu.Lock()
	conn := w.conn
	w.exiting = true
	w.mu.Unlock()
	if conn == nil {
		return
	}
	num := 0
	if s, ok := sig.(syscall.Signal); ok {
		num = int(s)
	}
	_ = conn.WriteLinef(time.Now().Add(5*time.Second), "info vacating %d", num)
}

// disconnect kills every running task and empties the sandbox tree
// (everything except the cache), per DISCONNECT (§4.7 step 4).
func (w *Worker) disconnect() {
	w.super.KillAll(supervisor.ResultKilled)
	w.mu.Lock()
	for _, t := range w.pending {
		_ = w.sandboxMgr.Delete(w.ws.SandboxDir(t.TaskID, false))
	}
	w.pending = make(map[int64]*Task)
	w.queued = nil
	w.outbound = nil
	w.announced = false
	w.mu.Unlock()
	w.conn = nil
}
