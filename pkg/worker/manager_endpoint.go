package worker

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/vine-worker/pkg/resources"
	"github.com/cuemby/vine-worker/pkg/supervisor"
	"github.com/cuemby/vine-worker/pkg/transport"
	"github.com/cuemby/vine-worker/pkg/wireproto"
)

// spillStdout persists a downstream result's stdout bytes to a temp file,
// matching the StdoutPath contract resultRecord already uses for locally
// executed tasks.
func spillStdout(data []byte) (string, error) {
	f, err := os.CreateTemp("", "foreman-stdout-*")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", err
	}
	return f.Name(), nil
}

// DownstreamResult is one completed task reported back from a downstream
// worker, ready to be forwarded upstream.
type DownstreamResult struct {
	TaskID     int64
	Result     supervisor.Result
	ExitCode   int
	StdoutPath string
	StartUS    int64
	EndUS      int64
}

// downstreamWorker is one worker connected to a ManagerEndpoint: its
// advertised totals and the tasks currently assigned to it.
type downstreamWorker struct {
	id   string
	conn *transport.Conn

	mu       sync.Mutex
	total    resources.Snapshot
	assigned map[int64]*Task
}

func (dw *downstreamWorker) fits(r supervisor.Request) bool {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	var cores, mem, disk int64
	for _, t := range dw.assigned {
		cores += t.Request.Cores
		mem += t.Request.MemoryMB
		disk += t.Request.DiskMB
	}
	if r.Cores > 0 && cores+r.Cores > dw.total.Cores.Total {
		return false
	}
	if r.MemoryMB > 0 && mem+r.MemoryMB > dw.total.Memory.Total {
		return false
	}
	if r.DiskMB > 0 && disk+r.DiskMB > dw.total.Disk.Total {
		return false
	}
	return true
}

// ManagerEndpoint is the minimal downstream-facing manager a foreman runs
// (§4.9): it accepts ordinary worker connections, tracks their advertised
// resources, and lets a caller (Foreman) submit tasks to whichever
// connected worker currently fits them.
type ManagerEndpoint struct {
	log      zerolog.Logger
	listener net.Listener
	password string

	mu      sync.Mutex
	workers map[string]*downstreamWorker

	results chan DownstreamResult
}

// NewManagerEndpoint listens on addr (":0" picks an ephemeral port) and
// returns a ManagerEndpoint ready to Serve.
func NewManagerEndpoint(addr, password string, log zerolog.Logger) (*ManagerEndpoint, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("foreman: listen %s: %w", addr, err)
	}
	return &ManagerEndpoint{
		log:      log,
		listener: ln,
		password: password,
		workers:  make(map[string]*downstreamWorker),
		results:  make(chan DownstreamResult, 64),
	}, nil
}

// Addr returns the endpoint's listening address, for announcing a
// transfer-address or a catalog entry.
func (e *ManagerEndpoint) Addr() string {
	return e.listener.Addr().String()
}

// Results returns the channel of completed downstream tasks, ready to be
// forwarded upstream.
func (e *ManagerEndpoint) Results() <-chan DownstreamResult {
	return e.results
}

// Serve accepts downstream worker connections until ctx is cancelled.
func (e *ManagerEndpoint) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = e.listener.Close()
	}()
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("foreman: accept: %w", err)
		}
		go e.handle(ctx, conn)
	}
}

func (e *ManagerEndpoint) handle(ctx context.Context, raw net.Conn) {
	conn := transport.New(raw)
	defer conn.Close()

	stop := time.Now().Add(30 * time.Second)
	if e.password != "" {
		if err := conn.RespondAuth(e.password, stop); err != nil {
			e.log.Warn().Err(err).Msg("downstream worker auth failed")
			return
		}
	}

	dw, err := e.handshake(conn, stop)
	if err != nil {
		e.log.Warn().Err(err).Msg("downstream worker handshake failed")
		return
	}

	e.mu.Lock()
	e.workers[dw.id] = dw
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.workers, dw.id)
		e.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := conn.ReadLine(time.Now().Add(15 * time.Second))
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return
		}
		msg, err := wireproto.Parse(line)
		if err != nil {
			continue
		}
		switch msg.Verb {
		case wireproto.VerbAvailable:
			if err := e.drainResults(conn, dw); err != nil {
				return
			}
		case wireproto.VerbAlive, wireproto.VerbInfo, wireproto.VerbCacheUpdate, wireproto.VerbCacheInvalid:
			if msg.Verb == wireproto.VerbCacheInvalid && msg.ErrLen > 0 {
				_, _ = conn.ReadExact(int(msg.ErrLen), time.Now().Add(15*time.Second))
			}
		}
	}
}

// handshake reads the announce sequence a worker sends on connect
// (§4.7 step 2): the "taskvine" line, worker-id, optional features, and
// the initial resource update, up to "info end_of_resource_update".
func (e *ManagerEndpoint) handshake(conn *transport.Conn, stop time.Time) (*downstreamWorker, error) {
	dw := &downstreamWorker{conn: conn, assigned: make(map[int64]*Task)}

	line, err := conn.ReadLine(stop)
	if err != nil {
		return nil, fmt.Errorf("read handshake line: %w", err)
	}
	if _, err := wireproto.Parse(line); err != nil {
		return nil, fmt.Errorf("parse handshake line: %w", err)
	}

	for {
		line, err := conn.ReadLine(stop)
		if err != nil {
			return nil, fmt.Errorf("read handshake: %w", err)
		}
		msg, err := wireproto.Parse(line)
		if err != nil {
			continue
		}
		if msg.Verb != wireproto.VerbInfo {
			continue
		}
		switch msg.InfoKey {
		case "worker-id":
			dw.id = msg.InfoValue
		case "resource-cores":
			dw.total.Cores.Total, dw.total.Cores.InUse = parseTwo(msg.InfoValue)
		case "resource-memory":
			dw.total.Memory.Total, dw.total.Memory.InUse = parseTwo(msg.InfoValue)
		case "resource-disk":
			dw.total.Disk.Total, dw.total.Disk.InUse = parseTwo(msg.InfoValue)
		case "resource-gpus":
			dw.total.GPUs.Total, dw.total.GPUs.InUse = parseTwo(msg.InfoValue)
		case "end_of_resource_update":
			if dw.id == "" {
				return nil, fmt.Errorf("worker never announced a worker-id")
			}
			return dw, nil
		}
	}
}

func parseTwo(s string) (int64, int64) {
	var a, b int64
	_, _ = fmt.Sscanf(s, "%d %d", &a, &b)
	return a, b
}

// drainResults replies "send_results N" for every currently assigned
// task and reads back N results, pushing each onto e.results.
func (e *ManagerEndpoint) drainResults(conn *transport.Conn, dw *downstreamWorker) error {
	dw.mu.Lock()
	n := len(dw.assigned)
	dw.mu.Unlock()
	if n == 0 {
		return nil
	}

	stop := time.Now().Add(30 * time.Second)
	if err := conn.WriteLinef(stop, "send_results %d", n); err != nil {
		return err
	}

	for i := 0; i < n; i++ {
		line, err := conn.ReadLine(stop)
		if err != nil {
			return err
		}
		msg, err := wireproto.Parse(line)
		if err != nil || msg.Verb != wireproto.VerbResult {
			return fmt.Errorf("foreman: expected result line, got %q", line)
		}
		data, err := conn.ReadExact(int(msg.StdoutLen), stop)
		if err != nil {
			return err
		}
		dw.mu.Lock()
		delete(dw.assigned, msg.TaskID)
		dw.mu.Unlock()

		stdoutPath, werr := spillStdout(data)
		if werr != nil {
			e.log.Warn().Err(werr).Int64("task_id", msg.TaskID).Msg("failed to spill downstream stdout")
		}
		e.results <- DownstreamResult{
			TaskID:     msg.TaskID,
			Result:     supervisor.Result(msg.Result),
			ExitCode:   msg.ExitCode,
			StdoutPath: stdoutPath,
			StartUS:    msg.StartUS,
			EndUS:      msg.EndUS,
		}
	}

	end, err := conn.ReadLine(stop)
	if err != nil {
		return err
	}
	if end != "end" {
		return fmt.Errorf("foreman: expected end of result batch, got %q", end)
	}
	return nil
}

// Submit hands t to whichever connected downstream worker currently fits
// its request, FIFO over the worker map iteration order. It returns false
// if no worker currently fits; the caller is expected to retry later.
func (e *ManagerEndpoint) Submit(t *Task) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, dw := range e.workers {
		if !dw.fits(t.Request) {
			continue
		}
		stop := time.Now().Add(10 * time.Second)
		if err := t.WriteBlock(dw.conn, stop); err != nil {
			e.log.Warn().Err(err).Int64("task_id", t.TaskID).Str("worker", dw.id).Msg("failed to submit task downstream")
			continue
		}
		dw.mu.Lock()
		dw.assigned[t.TaskID] = t
		dw.mu.Unlock()
		return true
	}
	return false
}

// AggregateResources sums every connected downstream worker's advertised
// totals, minus what is currently committed to tasks assigned from this
// endpoint, per spec.md §4.9's foreman resource rollup.
func (e *ManagerEndpoint) AggregateResources() resources.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	var total resources.Snapshot
	for _, dw := range e.workers {
		dw.mu.Lock()
		total.Cores.Total += dw.total.Cores.Total
		total.Memory.Total += dw.total.Memory.Total
		total.Disk.Total += dw.total.Disk.Total
		total.GPUs.Total += dw.total.GPUs.Total
		for _, t := range dw.assigned {
			total.Cores.InUse += t.Request.Cores
			total.Memory.InUse += t.Request.MemoryMB
			total.Disk.InUse += t.Request.DiskMB
			total.GPUs.InUse += t.Request.GPUs
		}
		dw.mu.Unlock()
	}
	return total
}

// WorkerCount reports how many downstream workers are currently connected.
func (e *ManagerEndpoint) WorkerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.workers)
}
