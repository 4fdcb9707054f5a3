// Package catalog implements the §4.8/§6.3 catalog protocol: UDP
// announce of manager summaries, and the worker-side TCP query, filter,
// shuffle-then-try candidate selection used for project-based discovery.
package catalog

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// DefaultLifetime is the announce TTL applied when a caller does not
// override it (§4.8).
const DefaultLifetime = 60 * time.Second

// badManagerTTL is how long a manager that refused a worker is skipped
// for (§4.8: "within the last 15s").
const badManagerTTL = 15 * time.Second

// Summary is one manager's announcement payload, keyed exactly as the
// wire nvpair record names them.
type Summary struct {
	Type                string
	Project             string
	Hostname            string
	Port                int
	Owner               string
	Uptime              int64
	Priority            int
	Capacity            int
	TasksWaiting        int
	TasksRunning        int
	TasksComplete       int
	WorkersInit         int
	WorkersReady        int
	WorkersBusy         int
	WorkersFull         int
	CoresTotal          int64
	MemoryTotalMB       int64
	DiskTotalMB         int64
	Version             string
	Lifetime            int64
	PreferredConnection string
}

// Encode renders s as the UDP "key value\n"-per-line payload (§6.3).
func (s Summary) Encode() []byte {
	var buf bytes.Buffer
	kv := func(k string, v any) { fmt.Fprintf(&buf, "%s %v\n", k, v) }
	kv("type", s.Type)
	kv("project", s.Project)
	kv("hostname", s.Hostname)
	kv("port", s.Port)
	kv("owner", s.Owner)
	kv("uptime", s.Uptime)
	kv("priority", s.Priority)
	kv("capacity", s.Capacity)
	kv("tasks_waiting", s.TasksWaiting)
	kv("tasks_running", s.TasksRunning)
	kv("tasks_complete", s.TasksComplete)
	kv("workers_init", s.WorkersInit)
	kv("workers_ready", s.WorkersReady)
	kv("workers_busy", s.WorkersBusy)
	kv("workers_full", s.WorkersFull)
	kv("cores_total", s.CoresTotal)
	kv("memory_total", s.MemoryTotalMB)
	kv("disk_total", s.DiskTotalMB)
	kv("version", s.Version)
	lifetime := s.Lifetime
	if lifetime == 0 {
		lifetime = int64(DefaultLifetime.Seconds())
	}
	kv("lifetime", lifetime)
	if s.PreferredConnection != "" {
		kv("preferred_connection", s.PreferredConnection)
	}
	return buf.Bytes()
}

// ParseSummary decodes one "key value\n"-per-line nvpair record.
func ParseSummary(record []byte) Summary {
	var s Summary
	sc := bufio.NewScanner(bytes.NewReader(record))
	for sc.Scan() {
		line := sc.Text()
		idx := strings.IndexByte(line, ' ')
		if idx < 0 {
			continue
		}
		key, val := line[:idx], line[idx+1:]
		switch key {
		case "type":
			s.Type = val
		case "project":
			s.Project = val
		case "hostname":
			s.Hostname = val
		case "port":
			s.Port, _ = strconv.Atoi(val)
		case "owner":
			s.Owner = val
		case "uptime":
			s.Uptime, _ = strconv.ParseInt(val, 10, 64)
		case "priority":
			s.Priority, _ = strconv.Atoi(val)
		case "capacity":
			s.Capacity, _ = strconv.Atoi(val)
		case "tasks_waiting":
			s.TasksWaiting, _ = strconv.Atoi(val)
		case "tasks_running":
			s.TasksRunning, _ = strconv.Atoi(val)
		case "tasks_complete":
			s.TasksComplete, _ = strconv.Atoi(val)
		case "workers_init":
			s.WorkersInit, _ = strconv.Atoi(val)
		case "workers_ready":
			s.WorkersReady, _ = strconv.Atoi(val)
		case "workers_busy":
			s.WorkersBusy, _ = strconv.Atoi(val)
		case "workers_full":
			s.WorkersFull, _ = strconv.Atoi(val)
		case "cores_total":
			s.CoresTotal, _ = strconv.ParseInt(val, 10, 64)
		case "memory_total":
			s.MemoryTotalMB, _ = strconv.ParseInt(val, 10, 64)
		case "disk_total":
			s.DiskTotalMB, _ = strconv.ParseInt(val, 10, 64)
		case "version":
			s.Version = val
		case "lifetime":
			s.Lifetime, _ = strconv.ParseInt(val, 10, 64)
		case "preferred_connection":
			s.PreferredConnection = val
		}
	}
	return s
}

// Announcer periodically sends a manager's Summary to a catalog host over
// UDP, repeating faster than the summary's own lifetime (§4.8).
type Announcer struct {
	CatalogAddr string
	Interval    time.Duration
}

// NewAnnouncer builds an Announcer targeting catalogAddr, defaulting the
// repeat interval to half the DefaultLifetime.
func NewAnnouncer(catalogAddr string) *Announcer {
	return &Announcer{CatalogAddr: catalogAddr, Interval: DefaultLifetime / 2}
}

// Run sends build() on every tick until ctx is cancelled.
func (a *Announcer) Run(ctx context.Context, build func() Summary) error {
	conn, err := net.Dial("udp", a.CatalogAddr)
	if err != nil {
		return fmt.Errorf("catalog: dial %s: %w", a.CatalogAddr, err)
	}
	defer conn.Close()

	if err := a.announceOnce(conn, build()); err != nil {
		return err
	}
	ticker := time.NewTicker(a.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.announceOnce(conn, build()); err != nil {
				return err
			}
		}
	}
}

func (a *Announcer) announceOnce(conn net.Conn, s Summary) error {
	_, err := conn.Write(s.Encode())
	return err
}

// Candidate is one manager selected for a connection attempt, with the
// address already resolved per its preferred_connection hint.
type Candidate struct {
	Summary Summary
	Address string
}

// Query holds the worker-side state for catalog-mediated discovery: the
// badManagers TTL set and the project filter.
type Query struct {
	CatalogAddr   string
	ProjectRegexp *regexp.Regexp

	badManagers *cache.Cache
}

// NewQuery compiles projectPattern and builds a Query against catalogAddr.
func NewQuery(catalogAddr, projectPattern string) (*Query, error) {
	re, err := regexp.Compile(projectPattern)
	if err != nil {
		return nil, fmt.Errorf("catalog: invalid project regex %q: %w", projectPattern, err)
	}
	return &Query{
		CatalogAddr:   catalogAddr,
		ProjectRegexp: re,
		badManagers:   cache.New(badManagerTTL, time.Minute),
	}, nil
}

// MarkRefused records that a manager refused a connection attempt, so it
// is skipped by Candidates for the next badManagerTTL.
func (q *Query) MarkRefused(managerKey string) {
	q.badManagers.Set(managerKey, struct{}{}, cache.DefaultExpiration)
}

func managerKey(s Summary) string {
	return fmt.Sprintf("%s:%d", s.Hostname, s.Port)
}

// Fetch performs a TCP query against the catalog and returns candidates
// matching type wq_master/vine_master and the project regex, shuffled
// (§4.8) with refused managers filtered out.
func (q *Query) Fetch(ctx context.Context) ([]Candidate, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", q.CatalogAddr)
	if err != nil {
		return nil, fmt.Errorf("catalog: query %s: %w", q.CatalogAddr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write([]byte("GET /query.json HTTP/1.0\n\n")); err != nil {
		return nil, fmt.Errorf("catalog: write query: %w", err)
	}

	var records [][]byte
	var current bytes.Buffer
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if current.Len() > 0 {
				records = append(records, append([]byte(nil), current.Bytes()...))
				current.Reset()
			}
			continue
		}
		current.WriteString(line)
		current.WriteByte('\n')
	}
	if current.Len() > 0 {
		records = append(records, current.Bytes())
	}

	var candidates []Candidate
	for _, rec := range records {
		s := ParseSummary(rec)
		if s.Type != "wq_master" && s.Type != "vine_master" {
			continue
		}
		if !q.ProjectRegexp.MatchString(s.Project) {
			continue
		}
		if _, refused := q.badManagers.Get(managerKey(s)); refused {
			continue
		}
		candidates = append(candidates, Candidate{Summary: s, Address: resolveAddress(s)})
	}

	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	return candidates, nil
}

// resolveAddress picks a connect address from a manager's
// preferred_connection hint (§4.7). by_hostname, by_ip, by_apparent_ip
// and an empty hint all resolve to hostname:port (the apparent-IP form
// needs information this package never learns from the nvpair summary
// alone); any other hint value is used as the host itself.
func resolveAddress(s Summary) string {
	switch s.PreferredConnection {
	case "by_hostname", "by_ip", "by_apparent_ip", "":
		return fmt.Sprintf("%s:%d", s.Hostname, s.Port)
	default:
		return fmt.Sprintf("%s:%d", s.PreferredConnection, s.Port)
	}
}
