// Package library implements the §4.6 library/function task subsystem: a
// running library process is a supervisor.Process whose stdin/stdout are
// pipes instead of files, handshaked once at startup and then invoked
// once per function task via a small framed text protocol.
package library

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cuemby/vine-worker/pkg/supervisor"
)

// HandshakeTimeout bounds how long a library process has to announce
// itself after exec (§4.6: "failure to handshake within 60s is fatal").
const HandshakeTimeout = 60 * time.Second

type handshakePayload struct {
	Name string `json:"name"`
}

// Instance is one running library process, matched against function
// tasks by name while functionsRunning stays below maxConcurrent.
type Instance struct {
	Name           string
	Process        *supervisor.Process
	MaxConcurrent  int64

	mu               sync.Mutex
	functionsRunning int64
	reader           *bufio.Reader
	handshaked       bool
}

// ErrHandshakeMismatch is returned when a library process's startup JSON
// names a library other than the one it was started to provide.
var ErrHandshakeMismatch = fmt.Errorf("library: handshake name mismatch")

// Manager tracks every running library instance for a worker.
type Manager struct {
	mu        sync.Mutex
	instances map[int64]*Instance // keyed by TaskID
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{instances: make(map[int64]*Instance)}
}

// Register performs the startup handshake for a freshly-started library
// process and, on success, adds it to the manager's table. expectedName is
// the library the process was started to provide; a handshake naming
// anything else fails with ErrHandshakeMismatch and is never added to the
// table.
func (m *Manager) Register(ctx context.Context, p *supervisor.Process, maxConcurrent int64, expectedName string) (*Instance, error) {
	inst := &Instance{
		Process:       p,
		MaxConcurrent: maxConcurrent,
		reader:        bufio.NewReader(p.ReadPipe),
	}
	if err := inst.handshake(ctx, expectedName); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.instances[p.TaskID] = inst
	m.mu.Unlock()
	return inst, nil
}

// Remove drops a library instance from the table, typically once its
// supervisor.Process has been reaped or killed.
func (m *Manager) Remove(taskID int64) {
	m.mu.Lock()
	delete(m.instances, taskID)
	m.mu.Unlock()
}

// Match finds a running, handshaked library serving name with spare
// invocation capacity, per §4.6's "functions_running < max_functions_running".
func (m *Manager) Match(name string) *Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.instances {
		inst.mu.Lock()
		ok := inst.handshaked && inst.Name == name && inst.functionsRunning < inst.MaxConcurrent
		inst.mu.Unlock()
		if ok {
			return inst
		}
	}
	return nil
}

// Count reports how many library instances are currently known.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}

func (inst *Instance) handshake(ctx context.Context, expectedName string) error {
	deadline := time.Now().Add(HandshakeTimeout)
	_ = inst.Process.ReadPipe.SetReadDeadline(deadline)

	lenLine, err := inst.reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("library: handshake length line: %w", err)
	}
	var n int
	if _, err := fmt.Sscanf(lenLine, "%d", &n); err != nil {
		return fmt.Errorf("library: malformed handshake length %q: %w", lenLine, err)
	}
	buf := make([]byte, n)
	if _, err := readFull(inst.reader, buf); err != nil {
		return fmt.Errorf("library: handshake body: %w", err)
	}
	var payload handshakePayload
	if err := json.Unmarshal(buf, &payload); err != nil {
		return fmt.Errorf("library: handshake JSON: %w", err)
	}
	_ = inst.Process.ReadPipe.SetReadDeadline(time.Time{})

	inst.mu.Lock()
	inst.Name = payload.Name
	inst.handshaked = true
	inst.mu.Unlock()

	if expectedName != "" && payload.Name != expectedName {
		return fmt.Errorf("%w: got %q, want %q", ErrHandshakeMismatch, payload.Name, expectedName)
	}
	return nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Invoke sends one function-task request to inst and returns the single
// response line it reads back, per §4.6's "FUNC LEN SANDBOX\n" framing.
func (inst *Instance) Invoke(ctx context.Context, sandboxDir string, input []byte, deadline time.Time) ([]byte, error) {
	inst.mu.Lock()
	inst.functionsRunning++
	inst.mu.Unlock()
	defer func() {
		inst.mu.Lock()
		inst.functionsRunning--
		inst.mu.Unlock()
	}()

	if !deadline.IsZero() {
		_ = inst.Process.WritePipe.SetWriteDeadline(deadline)
		_ = inst.Process.ReadPipe.SetReadDeadline(deadline)
		defer func() {
			_ = inst.Process.WritePipe.SetWriteDeadline(time.Time{})
			_ = inst.Process.ReadPipe.SetReadDeadline(time.Time{})
		}()
	}

	req := fmt.Sprintf("FUNC %d %s\n", len(input), sandboxDir)
	if _, err := inst.Process.WritePipe.Write([]byte(req)); err != nil {
		return nil, fmt.Errorf("library: write request header: %w", err)
	}
	if _, err := inst.Process.WritePipe.Write(input); err != nil {
		return nil, fmt.Errorf("library: write request body: %w", err)
	}
	if _, err := inst.Process.WritePipe.Write([]byte("\n")); err != nil {
		return nil, fmt.Errorf("library: write request terminator: %w", err)
	}

	line, err := inst.reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("library: read response: %w", err)
	}
	return []byte(line), nil
}

// WriteResponseToFile persists a function invocation's response to the
// task's declared output file, as §4.6 requires.
func WriteResponseToFile(path string, resp []byte) error {
	return os.WriteFile(path, resp, 0644)
}
