package backend

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxLineSize bounds a single IPC line. A longer line is a framing
// error and ends the connection.
const maxLineSize = 1 << 20 // 1 MiB

// writeTimeout bounds how long a write to a backend may block the
// session.
const writeTimeout = 5 * time.Second

// Handler receives traffic from backend connections. Implementations
// must not block for long: calls arrive on the connection's read
// goroutine.
type Handler interface {
	// HandleLine is called for every non-empty, trimmed line.
	HandleLine(c *Conn, line string)

	// HandleGone is called exactly once when the connection ends,
	// whether by EOF, read error, or an explicit Close.
	HandleGone(c *Conn)
}

// Conn is one attached backend peer.
type Conn struct {
	id     string
	nc     net.Conn
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// NewConn wraps nc. The connection is assigned a UUIDv7 used in logs.
func NewConn(nc net.Conn, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Conn{
		id:     id.String(),
		nc:     nc,
		logger: logger.With("backend", id.String()),
		done:   make(chan struct{}),
	}
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string { return c.id }

// Done is closed once the connection has been closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send writes text to the peer as a framed message command.
func (c *Conn) Send(text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.nc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil && !errors.Is(err, net.ErrClosed) {
		c.logger.Debug("set write deadline failed", "error", err)
	}
	if _, err := c.nc.Write(FormatMessage(text)); err != nil {
		return fmt.Errorf("write to backend %s: %w", c.id, err)
	}
	return nil
}

// Close closes the underlying stream. It is safe to call more than
// once; the read loop observes the close and reports the connection
// gone.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.nc.Close()
		close(c.done)
	})
	return err
}

// Serve reads lines until the stream ends, then closes the connection
// and calls h.HandleGone exactly once. It blocks; run it on its own
// goroutine.
func (c *Conn) Serve(h Handler) {
	defer h.HandleGone(c)
	defer c.Close()

	scanner := bufio.NewScanner(c.nc)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		h.HandleLine(c, line)
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.logger.Warn("backend read failed", "error", err)
		return
	}
	c.logger.Debug("backend disconnected")
}
