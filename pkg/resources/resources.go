// Package resources implements §3.4/§4.11's worker resource accounting:
// measured and reported snapshots of cores/memory/disk/gpus, a per-index
// GPU assignment table, and the Measurer that reads the machine's
// cores/memory/disk. The worker runs that measurement once at startup;
// it does not re-measure on a schedule.
package resources

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// Quantity is one resource dimension's total/inuse/smallest/largest per
// §3.4. smallest/largest track the min/max single-task allocation seen,
// which the manager uses to size its own scheduling hints; vine-worker
// neither sets them nor acts on them itself.
type Quantity struct {
	Total    int64
	InUse    int64
	Smallest int64
	Largest  int64
}

// Snapshot is one resource reading: cores, memory (MB), disk (MB), gpus.
type Snapshot struct {
	Cores  Quantity
	Memory Quantity
	Disk   Quantity
	GPUs   Quantity
}

// Normalize clamps InUse to Total for every dimension, enforcing the
// invariant that inuse <= total after any external override.
func (s *Snapshot) Normalize() {
	for _, q := range []*Quantity{&s.Cores, &s.Memory, &s.Disk, &s.GPUs} {
		if q.InUse > q.Total {
			q.InUse = q.Total
		}
	}
}

// Fits reports whether a request of the given size can be satisfied from
// this snapshot's currently free capacity.
func (s Snapshot) Fits(req Snapshot) bool {
	return s.Cores.Total-s.Cores.InUse >= req.Cores.Total &&
		s.Memory.Total-s.Memory.InUse >= req.Memory.Total &&
		s.Disk.Total-s.Disk.InUse >= req.Disk.Total &&
		s.GPUs.Total-s.GPUs.InUse >= req.GPUs.Total
}

// FitsEmpty reports whether the request could ever be satisfied even by a
// completely idle worker of this total capacity — used to decide whether a
// waiting task must be FORSAKEN (spec.md §4.7).
func (s Snapshot) FitsEmpty(req Snapshot) bool {
	return s.Cores.Total >= req.Cores.Total &&
		s.Memory.Total >= req.Memory.Total &&
		s.Disk.Total >= req.Disk.Total &&
		s.GPUs.Total >= req.GPUs.Total
}

// GPUTable tracks which task_id, if any, owns each GPU index. 0 means free.
type GPUTable struct {
	mu    sync.Mutex
	owner []int64
}

// NewGPUTable creates a table of n GPU indices, all initially free.
func NewGPUTable(n int) *GPUTable {
	return &GPUTable{owner: make([]int64, n)}
}

// Allocate claims n free indices for taskID, returning the indices
// assigned. Returns an error if fewer than n are free.
func (t *GPUTable) Allocate(taskID int64, n int) ([]int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var indices []int
	for i, owner := range t.owner {
		if owner == 0 {
			indices = append(indices, i)
			if len(indices) == n {
				break
			}
		}
	}
	if len(indices) < n {
		return nil, fmt.Errorf("resources: only %d of %d requested gpus free", len(indices), n)
	}
	for _, i := range indices {
		t.owner[i] = taskID
	}
	return indices, nil
}

// Release frees every index currently owned by taskID.
func (t *GPUTable) Release(taskID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, owner := range t.owner {
		if owner == taskID {
			t.owner[i] = 0
		}
	}
}

// Free returns the count of currently unassigned indices.
func (t *GPUTable) Free() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, owner := range t.owner {
		if owner == 0 {
			n++
		}
	}
	return n
}

// Measurer re-measures the local machine's cores/memory/disk, using
// gopsutil rather than shelling out to /proc. GPU count is manually
// configured (§6.5 --gpus), since portable GPU discovery is out of scope.
type Measurer struct {
	DiskPath       string
	MaxMeasureTime time.Duration
	lastDiskMB     int64
}

// NewMeasurer creates a Measurer that reports the total size of the
// filesystem holding diskPath (normally the workspace root), bounded by
// maxMeasureTime per call
// (default 3s, matching max_time_on_measurement in §4.11).
func NewMeasurer(diskPath string, maxMeasureTime time.Duration) *Measurer {
	if maxMeasureTime <= 0 {
		maxMeasureTime = 3 * time.Second
	}
	return &Measurer{DiskPath: diskPath, MaxMeasureTime: maxMeasureTime}
}

// Measure returns the measured cores/memory/disk totals. A disk
// measurement that does not complete within MaxMeasureTime falls back to
// the last successful reading, per the Open Question resolution in
// DESIGN.md.
func (m *Measurer) Measure(ctx context.Context) (cores int, memoryMB int64, diskMB int64, err error) {
	n, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("resources: measure cores: %w", err)
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("resources: measure memory: %w", err)
	}

	diskMB = m.measureDisk(ctx)

	return n, int64(vm.Total / (1024 * 1024)), diskMB, nil
}

func (m *Measurer) measureDisk(ctx context.Context) int64 {
	dctx, cancel := context.WithTimeout(ctx, m.MaxMeasureTime)
	defer cancel()

	type result struct {
		mb  int64
		err error
	}
	done := make(chan result, 1)
	go func() {
		usage, err := disk.UsageWithContext(dctx, m.DiskPath)
		if err != nil {
			done <- result{0, err}
			return
		}
		done <- result{int64(usage.Total / (1024 * 1024)), nil}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return m.lastDiskMB
		}
		m.lastDiskMB = r.mb
		return r.mb
	case <-dctx.Done():
		return m.lastDiskMB
	}
}
