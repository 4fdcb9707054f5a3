// Package config loads and resolves `vine_worker`'s CLI configuration
// (§6.5): cobra flags layered over an optional YAML defaults file,
// producing the worker.Config/foreman.Config values the rest of the
// program runs from. Mirrors the teacher's flag-registration style in
// cmd/warren/main.go, generalized with a YAML defaults layer per
// SPEC_FULL.md's ambient configuration stack.
package config

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/vine-worker/pkg/foreman"
	"github.com/cuemby/vine-worker/pkg/worker"
)

// FileDefaults is the shape of an optional `--config FILE` YAML document.
// Every field is optional; a flag explicitly set on the command line
// always overrides it. Field names match the CLI flags with underscores
// in place of dashes, except memory_mb (--memory), disk_mb (--disk) and
// workspace (--workspace).
type FileDefaults struct {
	Manager        string   `yaml:"manager"`
	Project        string   `yaml:"project"`
	Catalog        string   `yaml:"catalog"`
	Cores          int64    `yaml:"cores"`
	MemoryMB       int64    `yaml:"memory_mb"`
	DiskMB         int64    `yaml:"disk_mb"`
	GPUs           int      `yaml:"gpus"`
	WallTime       int64    `yaml:"wall_time"`
	IdleTimeout    int64    `yaml:"idle_timeout"`
	ConnectTimeout int64    `yaml:"connect_timeout"`
	PasswordFile   string   `yaml:"password_file"`
	SSL            bool     `yaml:"ssl"`
	Features       []string `yaml:"features"`
	SingleShot     bool     `yaml:"single_shot"`
	ParentDeath    bool     `yaml:"parent_death"`
	ConnectionMode string   `yaml:"connection_mode"`
	TransferPort   int      `yaml:"transfer_port"`
	DisableSymlinks bool    `yaml:"disable_symlinks"`
	Foreman        bool     `yaml:"foreman"`
	ForemanListen  string   `yaml:"foreman_listen"`
	WorkspaceRoot  string   `yaml:"workspace"`
	LogLevel       string   `yaml:"log_level"`
	LogJSON        bool     `yaml:"log_json"`
	MetricsAddr    string   `yaml:"metrics_addr"`
}

// LoadFile parses a YAML defaults file. A missing path is not an error —
// callers pass "" when --config was not given.
func LoadFile(path string) (*FileDefaults, error) {
	if path == "" {
		return &FileDefaults{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var fd FileDefaults
	if err := yaml.Unmarshal(data, &fd); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &fd, nil
}

// RegisterFlags adds every §6.5 flag to cmd, with the same defaults the
// original documents.
func RegisterFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("config", "", "YAML file of default settings")
	f.StringP("manager", "M", "", `manager "HOST:PORT" or "HOST:PORT;HOST:PORT;..." (mutually exclusive with --project)`)
	f.String("project", "", "regex of catalog project names to connect to, in place of --manager")
	f.String("catalog", "", "catalog server address (host:port) used to resolve --project")
	f.String("cores", "all", `cores to advertise, or "all" to auto-measure`)
	f.String("memory", "all", `memory in MB to advertise, or "all" to auto-measure`)
	f.String("disk", "all", `disk in MB to advertise, or "all" to auto-measure`)
	f.Int("gpus", 0, "gpus to advertise")
	f.Int64("wall-time", 0, "worker self-terminates after this many seconds (0 disables)")
	f.Int64P("timeout", "t", 0, "sets both --idle-timeout and --connect-timeout")
	f.Int64("idle-timeout", 900, "seconds without a task before disconnecting")
	f.Int64("connect-timeout", 900, "seconds to keep trying to reach a manager before giving up")
	f.StringP("password-file", "P", "", "file containing the shared secret")
	f.Bool("ssl", false, "require TLS on the manager link")
	f.StringArray("feature", nil, "advertise a custom capability (repeatable)")
	f.Bool("single-shot", false, "exit after the first successful manager disconnect")
	f.Bool("parent-death", false, "exit if the initial parent process exits")
	f.String("connection-mode", "by_ip", "connection hint: by_ip, by_hostname, or by_apparent_ip")
	f.Int("transfer-port", 0, "fixed port for the peer transfer server (0 picks any free port)")
	f.Bool("disable-symlinks", false, "forbid symlink fallback during sandbox stagein")
	f.Bool("foreman", false, "run as a foreman: expose a manager endpoint to downstream workers")
	f.String("foreman-listen", ":0", "address the embedded manager endpoint listens on in --foreman mode")
	f.String("workspace", "", "workspace root directory (defaults to a temp directory)")
	f.String("log-level", "info", "log level (debug, info, warn, error)")
	f.Bool("log-json", false, "emit structured JSON logs instead of console output")
	f.String("metrics-addr", "", "address to expose Prometheus metrics on (empty disables)")
}

// Resolved is the fully layered configuration: flags override file
// defaults, file defaults override the hardcoded flag defaults above.
type Resolved struct {
	ManagerCandidates []string
	Project           string
	CatalogAddr       string

	Cores    int64 // 0 means auto-measure
	MemoryMB int64
	DiskMB   int64
	GPUs     int

	WallTime       time.Duration
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
	Password       string
	SSL            bool
	Features       []string
	SingleShot     bool
	ParentDeath    bool
	ConnectionMode string
	TransferPort   int
	DisableSymlinks bool

	Foreman       bool
	ForemanListen string

	WorkspaceRoot string
	LogLevel      string
	LogJSON       bool
	MetricsAddr   string
}

// Resolve layers cmd's parsed flags over fd, applying §6.5's semantics
// (ManagerCandidates vs. Project are mutually exclusive, -t sets both
// timeouts, "all"/unspecified resource flags mean auto-measure).
func Resolve(cmd *cobra.Command, fd *FileDefaults) (Resolved, error) {
	f := cmd.Flags()
	str := func(name, fallback string) string {
		if f.Changed(name) {
			v, _ := f.GetString(name)
			return v
		}
		return fallback
	}
	strOr := func(flagVal, fileVal string) string {
		if flagVal != "" {
			return flagVal
		}
		return fileVal
	}

	manager := str("manager", fd.Manager)
	project := str("project", fd.Project)
	if manager != "" && project != "" {
		return Resolved{}, fmt.Errorf("config: --manager and --project are mutually exclusive")
	}

	r := Resolved{
		Project:     project,
		CatalogAddr: strOr(str("catalog", ""), fd.Catalog),
	}
	if manager != "" {
		r.ManagerCandidates = splitManagers(manager)
	}

	r.Cores = resolveQuantity(f, "cores", fd.Cores)
	r.MemoryMB = resolveQuantity(f, "memory", fd.MemoryMB)
	r.DiskMB = resolveQuantity(f, "disk", fd.DiskMB)

	r.GPUs = int(fd.GPUs)
	if f.Changed("gpus") {
		g, _ := f.GetInt("gpus")
		r.GPUs = g
	}

	wallTime := fd.WallTime
	if f.Changed("wall-time") {
		wallTime, _ = f.GetInt64("wall-time")
	}
	r.WallTime = time.Duration(wallTime) * time.Second

	idle := firstNonZero(fd.IdleTimeout, 900)
	connect := firstNonZero(fd.ConnectTimeout, 900)
	if f.Changed("idle-timeout") {
		idle, _ = f.GetInt64("idle-timeout")
	}
	if f.Changed("connect-timeout") {
		connect, _ = f.GetInt64("connect-timeout")
	}
	if f.Changed("timeout") {
		t, _ := f.GetInt64("timeout")
		idle, connect = t, t
	}
	r.IdleTimeout = time.Duration(idle) * time.Second
	r.ConnectTimeout = time.Duration(connect) * time.Second

	pwFile := strOr(str("password-file", ""), fd.PasswordFile)
	if pwFile != "" {
		pw, err := ReadPasswordFile(pwFile)
		if err != nil {
			return Resolved{}, err
		}
		r.Password = pw
	}

	r.SSL = boolChanged(f, "ssl", fd.SSL)
	r.SingleShot = boolChanged(f, "single-shot", fd.SingleShot)
	r.ParentDeath = boolChanged(f, "parent-death", fd.ParentDeath)
	r.DisableSymlinks = boolChanged(f, "disable-symlinks", fd.DisableSymlinks)
	r.Foreman = boolChanged(f, "foreman", fd.Foreman)
	r.LogJSON = boolChanged(f, "log-json", fd.LogJSON)

	r.ConnectionMode = strOr(str("connection-mode", ""), firstNonEmpty(fd.ConnectionMode, "by_ip"))
	r.ForemanListen = strOr(str("foreman-listen", ""), firstNonEmpty(fd.ForemanListen, ":0"))
	r.WorkspaceRoot = strOr(str("workspace", ""), fd.WorkspaceRoot)
	r.LogLevel = strOr(str("log-level", ""), firstNonEmpty(fd.LogLevel, "info"))
	r.MetricsAddr = strOr(str("metrics-addr", ""), fd.MetricsAddr)

	r.TransferPort = int(fd.TransferPort)
	if f.Changed("transfer-port") {
		r.TransferPort, _ = f.GetInt("transfer-port")
	}

	features, _ := f.GetStringArray("feature")
	r.Features = append(append([]string{}, fd.Features...), features...)

	return r, nil
}

func boolChanged(f interface {
	Changed(string) bool
	GetBool(string) (bool, error)
}, name string, fallback bool) bool {
	if !f.Changed(name) {
		return fallback
	}
	v, _ := f.GetBool(name)
	return v
}

func firstNonZero(v, fallback int64) int64 {
	if v != 0 {
		return v
	}
	return fallback
}

func firstNonEmpty(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

// resolveQuantity reads a --cores/--memory/--disk style flag whose value
// is either an integer or the literal "all" (meaning auto-measure, i.e.
// 0), falling back to a YAML-supplied default when the flag was not set.
func resolveQuantity(f interface {
	Changed(string) bool
	GetString(string) (string, error)
}, name string, fileDefault int64) int64 {
	if !f.Changed(name) {
		return fileDefault
	}
	v, _ := f.GetString(name)
	if v == "" || v == "all" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// splitManagers parses the "HOST:PORT;HOST:PORT;..." positional form
// (§6.5) and shuffles it, since the worker itself (worker.Config.
// ManagerCandidates) picks uniformly at random on every connect attempt
// anyway; shuffling here just avoids every worker in a pool preferring
// the first-listed manager before the worker package's own pick kicks in.
func splitManagers(spec string) []string {
	parts := strings.Split(spec, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// ReadPasswordFile reads a shared secret from path, trimming surrounding
// whitespace the way the original's read_password does.
func ReadPasswordFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: read password file %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// ToWorkerConfig builds a worker.Config from the resolved settings.
// The workspaceRoot argument is always used as the worker's workspace;
// r.WorkspaceRoot is not consulted here (the caller resolves it, creating
// a temp directory when it is empty).
func (r Resolved) ToWorkerConfig(workspaceRoot string, transferAddr string) worker.Config {
	cfg := worker.Config{
		CatalogAddr:       r.CatalogAddr,
		ProjectRegex:      r.Project,
		ManagerCandidates: r.ManagerCandidates,
		WorkspaceRoot:     workspaceRoot,
		Cores:             r.Cores,
		MemoryMB:          r.MemoryMB,
		DiskMB:            r.DiskMB,
		GPUs:              r.GPUs,
		DisableSymlinks:   r.DisableSymlinks,
		Password:          r.Password,
		Features:          r.Features,
		TransferAddr:      transferAddr,
		SingleShot:        r.SingleShot,
		IdleTimeout:       r.IdleTimeout,
		ConnectTimeout:    r.ConnectTimeout,
	}
	if len(cfg.ManagerCandidates) == 1 {
		host, port, ok := splitHostPort(cfg.ManagerCandidates[0])
		if ok {
			cfg.ManagerHost = host
			cfg.ManagerPort = port
			cfg.ManagerCandidates = nil
		}
	}
	if r.WallTime > 0 {
		cfg.EndTime = time.Now().Add(r.WallTime)
	}
	return cfg
}

// ToForemanConfig builds a foreman.Config layered on top of
// ToWorkerConfig, for --foreman mode.
func (r Resolved) ToForemanConfig(workspaceRoot, transferAddr string) foreman.Config {
	return foreman.Config{
		Upstream:   r.ToWorkerConfig(workspaceRoot, transferAddr),
		ListenAddr: r.ForemanListen,
	}
}

func splitHostPort(hostport string) (string, int, bool) {
	idx := strings.LastIndex(hostport, ":")
	if idx < 0 {
		return "", 0, false
	}
	port, err := strconv.Atoi(hostport[idx+1:])
	if err != nil {
		return "", 0, false
	}
	return hostport[:idx], port, true
}
