// Package peertransfer implements the worker-to-worker cache transfer
// server of §4.10: a standalone listener that answers "get CACHED_NAME"
// requests by streaming a cache entry over the recursive transfer
// protocol (§6.2), so a manager can direct one worker to pull an input
// from another worker's cache instead of refetching it from the original
// source.
package peertransfer

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/vine-worker/pkg/transport"
	"github.com/cuemby/vine-worker/pkg/wireproto"
)

// Config controls one Server instance.
type Config struct {
	ListenAddr string // e.g. "0.0.0.0:0"; caller picks a port from its configured range

	// CacheDir is the workspace cache directory; only names resolving
	// under it are servable.
	CacheDir string

	// Password, when non-empty, requires the same HMAC challenge as the
	// manager link (§4.1) before a "get" is honored.
	Password string

	// MaxConcurrent bounds simultaneous transfers; default 128 (§4.10).
	MaxConcurrent int

	// TransferTimeout bounds one connection's whole lifetime; default
	// 3600s (§4.10).
	TransferTimeout time.Duration
}

// Server is the peer transfer listener. §5 runs this as a separate OS
// process from the worker's own event loop (the original's literal
// fork()), started by cmd/vine_worker re-executing itself with a hidden
// subcommand, so a stalled transfer cannot block task scheduling.
type Server struct {
	cfg      Config
	log      zerolog.Logger
	listener net.Listener
	sem      chan struct{}
}

// New binds the listener. Callers read Addr() afterward to learn the
// port the OS assigned, for the worker's "transfer-address" announcement.
func New(cfg Config, log zerolog.Logger) (*Server, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 128
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = 3600 * time.Second
	}
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("peertransfer: listen %s: %w", cfg.ListenAddr, err)
	}
	return &Server{
		cfg:      cfg,
		log:      log,
		listener: ln,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
	}, nil
}

// Addr returns the listener's bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.listener.Close()
}

// Serve accepts connections until ctx is cancelled or the listener fails.
// Connections beyond MaxConcurrent are refused outright rather than
// queued, matching the original's fixed child-process cap.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()
	for {
		raw, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("peertransfer: accept: %w", err)
			}
		}
		select {
		case s.sem <- struct{}{}:
			go func() {
				defer func() { <-s.sem }()
				s.handle(raw)
			}()
		default:
			s.log.Warn().Str("remote", raw.RemoteAddr().String()).Msg("peer transfer concurrency cap reached, refusing connection")
			raw.Close()
		}
	}
}

func (s *Server) handle(raw net.Conn) {
	defer raw.Close()
	conn := transport.New(raw)
	stop := time.Now().Add(s.cfg.TransferTimeout)

	if s.cfg.Password != "" {
		if err := conn.RespondAuth(s.cfg.Password, stop); err != nil {
			s.log.Warn().Err(err).Str("remote", raw.RemoteAddr().String()).Msg("peer transfer auth failed")
			return
		}
	}

	line, err := conn.ReadLine(stop)
	if err != nil {
		s.log.Warn().Err(err).Msg("peer transfer: read request")
		return
	}
	msg, err := wireproto.Parse(line)
	if err != nil || msg.Verb != wireproto.VerbGet {
		s.log.Warn().Str("line", line).Msg("peer transfer: expected a get request")
		return
	}

	if err := s.serveName(conn, msg.Name, stop); err != nil {
		s.log.Warn().Err(err).Str("name", msg.Name).Msg("peer transfer: serve failed")
	}
}

func (s *Server) serveName(conn *transport.Conn, name string, stop time.Time) error {
	if strings.Contains(name, "..") {
		return conn.WriteLinef(stop, "missing")
	}
	full := filepath.Join(s.cfg.CacheDir, name)
	info, err := os.Lstat(full)
	if err != nil {
		return conn.WriteLinef(stop, "missing")
	}

	if info.IsDir() {
		reply := wireproto.Message{Verb: wireproto.VerbDir, Name: name}
		if err := conn.WriteLinef(stop, "%s", reply.Encode()); err != nil {
			return err
		}
		if err := conn.SetDeadline(stop); err != nil {
			return err
		}
		return wireproto.WriteTree(conn.Raw(), full)
	}

	f, err := os.Open(full)
	if err != nil {
		return conn.WriteLinef(stop, "missing")
	}
	defer f.Close()
	reply := wireproto.Message{Verb: wireproto.VerbFile, Name: name, Size: info.Size(), Mode: uint32(info.Mode().Perm())}
	if err := conn.WriteLinef(stop, "%s", reply.Encode()); err != nil {
		return err
	}
	return conn.StreamFromReader(f, info.Size(), stop)
}
