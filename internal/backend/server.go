package backend

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrServerClosed is returned by Start on a server that has been
// stopped.
var ErrServerClosed = errors.New("backend: server closed")

// Accept retry delays after a transient error such as EMFILE.
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// ServerConfig holds the dependencies for a Server.
type ServerConfig struct {
	Path    string // Unix socket path
	Handler Handler
	Logger  *slog.Logger
}

// Server accepts backend connections on a Unix socket and hands each
// one to the configured Handler.
type Server struct {
	path    string
	handler Handler
	logger  *slog.Logger

	mu      sync.Mutex
	ln      net.Listener
	conns   map[*Conn]struct{}
	stopped bool

	wg sync.WaitGroup // accept loop + one per connection
}

// NewServer creates a Server. Call Start to bind the socket.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		path:    cfg.Path,
		handler: cfg.Handler,
		logger:  logger.With("socket", cfg.Path),
		conns:   make(map[*Conn]struct{}),
	}
}

// Path returns the socket path.
func (s *Server) Path() string { return s.path }

// Start removes any stale socket file at the path, binds the listener
// and begins accepting connections in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrServerClosed
	}
	if s.ln != nil {
		return fmt.Errorf("backend server %s already started", s.path)
	}

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", s.path, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	s.ln = ln

	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.logger.Info("backend socket listening")
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	var delay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.isStopped() {
				return
			}
			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay = min(delay*2, maxAcceptDelay)
			}
			s.logger.Warn("backend accept failed, retrying", "error", err, "delay", delay)
			time.Sleep(delay)
			continue
		}
		delay = 0

		c := NewConn(nc, s.logger)

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			nc.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		s.logger.Debug("backend connection accepted", "backend", c.ID())
		go s.serve(c)
	}
}

func (s *Server) serve(c *Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()
	c.Serve(s.handler)
}

func (s *Server) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Connections returns the number of open connections, registered or
// not.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Stop closes every open connection, then the listener, then removes
// the socket file. A socket file that is already gone is not an error.
// Stop does not wait for connection goroutines; use Wait for that. It
// is safe to call more than once.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	ln := s.ln
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}

	var errs []error
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close listener: %w", err))
		}
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, fmt.Errorf("remove socket %s: %w", s.path, err))
	}

	s.logger.Info("backend socket closed", "connections_closed", len(conns))
	return errors.Join(errs...)
}

// Wait blocks until the accept loop and every connection goroutine
// have returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

// SocketPath derives a per-identity socket path. The owner session uses
// base unchanged; other identities get a sanitized suffix so sessions
// never collide.
func SocketPath(base, identity string, owner bool) string {
	if owner {
		return base
	}
	return base + "-" + sanitize(identity)
}

// sanitize keeps only ASCII letters and digits.
func sanitize(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
