package foreman

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	vinelog "github.com/cuemby/vine-worker/pkg/log"
	"github.com/cuemby/vine-worker/pkg/metrics"
	"github.com/cuemby/vine-worker/pkg/resources"
	"github.com/cuemby/vine-worker/pkg/supervisor"
	"github.com/cuemby/vine-worker/pkg/worker"
)

// Config holds everything needed to run a foreman: the usual worker
// config for its upstream connection, plus where its embedded manager
// endpoint listens and where its unfinished_tasks table lives.
type Config struct {
	Upstream   worker.Config
	ListenAddr string // downstream-facing manager endpoint address, e.g. ":9200"
	DataDir    string // directory for foreman.db (defaults to Upstream.WorkspaceRoot)
}

// Foreman is a worker that is also a manager to a pool of downstream
// workers (§4.9): tasks it accepts from its own upstream manager are
// resubmitted to whichever downstream worker fits them, rather than run
// under its own supervisor.
type Foreman struct {
	cfg      Config
	log      zerolog.Logger
	upstream *worker.Worker
	manager  *worker.ManagerEndpoint
	store    *taskStore
}

// New wires a Foreman's embedded manager endpoint and upstream worker
// together: the worker's Offload hook resubmits queued tasks downstream,
// and a background pump forwards downstream completions back upstream.
func New(cfg Config) (*Foreman, error) {
	log := vinelog.WithComponent("foreman")

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = cfg.Upstream.WorkspaceRoot
	}
	store, err := newTaskStore(dataDir)
	if err != nil {
		return nil, err
	}

	mgr, err := worker.NewManagerEndpoint(cfg.ListenAddr, cfg.Upstream.Password, vinelog.WithComponent("foreman-endpoint"))
	if err != nil {
		store.Close()
		return nil, err
	}

	f := &Foreman{cfg: cfg, log: log, manager: mgr, store: store}

	upstreamCfg := cfg.Upstream
	upstreamCfg.Offload = f.offload
	w, err := worker.New(upstreamCfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("foreman: build upstream worker: %w", err)
	}
	f.upstream = w

	return f, nil
}

// Addr returns the embedded manager endpoint's listening address, so
// operators can point downstream `vine_worker` processes at it.
func (f *Foreman) Addr() string {
	return f.manager.Addr()
}

// Run drives the embedded manager endpoint, the downstream-result pump,
// and the upstream worker loop until ctx is cancelled. It returns once
// the upstream worker connection ends (the same contract as
// worker.Worker.Run).
func (f *Foreman) Run(ctx context.Context) error {
	f.resumeUnfinished()

	endpointErr := make(chan error, 1)
	go func() { endpointErr <- f.manager.Serve(ctx) }()
	go f.pumpResults(ctx)
	go f.reportDownstreamGauge(ctx)

	err := f.upstream.Run(ctx)

	select {
	case e := <-endpointErr:
		if err == nil {
			err = e
		}
	default:
	}
	return err
}

// Close releases the foreman's persisted state. Call after Run returns.
func (f *Foreman) Close() error {
	return f.store.Close()
}

// Vacate forwards a caught shutdown signal (§7) to the foreman's upstream
// worker connection, the same as a leaf worker would handle it. Downstream
// workers are left to notice the closed listener on their own next
// connect attempt.
func (f *Foreman) Vacate(sig os.Signal) {
	f.upstream.Vacate(sig)
}

// AggregateResources reports the sum of every connected downstream
// worker's advertised capacity minus what this foreman has already
// committed to tasks running on them (spec.md §4.9's resource rollup).
func (f *Foreman) AggregateResources() resources.Snapshot {
	return f.manager.AggregateResources()
}

// offload is the upstream worker's OffloadFunc: it hands t to the
// embedded manager endpoint instead of running it locally, persisting an
// unfinished_tasks record on acceptance.
func (f *Foreman) offload(t *worker.Task) bool {
	if !f.manager.Submit(t) {
		return false
	}
	rec := unfinishedRecord{
		TaskID:      t.TaskID,
		CommandLine: t.CommandLine,
		AcceptedUS:  time.Now().UnixMicro(),
	}
	if err := f.store.put(rec); err != nil {
		f.log.Warn().Err(err).Int64("task_id", t.TaskID).Msg("failed to persist unfinished task record")
	}
	metrics.ForemanUnfinishedTasks.Set(float64(f.store.count()))
	return true
}

// pumpResults forwards every downstream completion into the upstream
// worker's ordinary result-batching path and clears its unfinished_tasks
// record.
func (f *Foreman) pumpResults(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-f.manager.Results():
			if !ok {
				return
			}
			f.upstream.CompleteOffloaded(r.TaskID, r.Result, r.ExitCode, r.StdoutPath, r.StartUS, r.EndUS)
			if err := f.store.delete(r.TaskID); err != nil {
				f.log.Warn().Err(err).Int64("task_id", r.TaskID).Msg("failed to clear unfinished task record")
			}
			metrics.ForemanUnfinishedTasks.Set(float64(f.store.count()))
		}
	}
}

// resumeUnfinished reports every task still recorded as unfinished from a
// prior process as FORSAKEN: a restarted foreman has lost its downstream
// TCP connections along with whatever state they held, so the honest
// answer to "is this task still running" is no, not a guess. The upstream
// manager will resubmit it elsewhere.
func (f *Foreman) resumeUnfinished() {
	recs, err := f.store.list()
	if err != nil {
		f.log.Warn().Err(err).Msg("failed to read unfinished_tasks on startup")
		return
	}
	for _, r := range recs {
		f.log.Warn().Int64("task_id", r.TaskID).Msg("forsaking task orphaned by foreman restart")
		f.upstream.CompleteOffloaded(r.TaskID, supervisor.ResultForsaken, -1, "", 0, 0)
		if err := f.store.delete(r.TaskID); err != nil {
			f.log.Warn().Err(err).Int64("task_id", r.TaskID).Msg("failed to clear orphaned unfinished task record")
		}
	}
}

func (f *Foreman) reportDownstreamGauge(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.ForemanDownstreamWorkers.Set(float64(f.manager.WorkerCount()))
		}
	}
}
