// Package session binds one remote conversation identity to a state
// machine, a timer and a local backend socket.
//
// Each Session is a small actor: a single goroutine owns the current
// state, the backend stack and the timer, and every input (remote
// messages, backend lines, backend departures, timer expiry, start and
// stop) is posted to its inbox and processed in arrival order. Replies
// to the remote party go through a second goroutine so a slow transport
// never stalls event processing.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/parley/internal/backend"
	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/fsm"
)

var (
	// ErrNotStarted is returned by methods that require Start first.
	ErrNotStarted = errors.New("session: not started")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("session: already started")

	// ErrStopped is returned once Stop has been called.
	ErrStopped = errors.New("session: stopped")
)

// defaultSendTimeout bounds a single delivery to the remote transport.
const defaultSendTimeout = 30 * time.Second

// outboxSize is the number of replies that may queue behind a slow
// transport before new ones are dropped.
const outboxSize = 256

// Remote delivers outbound traffic to the remote party.
type Remote interface {
	Send(ctx context.Context, identity, text string) error
	SendAttachment(ctx context.Context, identity, path string) error
}

// Recorder receives an audit trail of session activity. Direction is
// "in", "out" or "internal".
type Recorder interface {
	Record(identity, direction, kind, body string) error
}

// Config holds the dependencies for a Session.
type Config struct {
	Identity   string
	CanStop    bool   // honor the "stop" IPC command
	SocketPath string // local endpoint for backends
	Machine    *fsm.Machine
	Remote     Remote
	Recorder   Recorder     // optional
	Shutdown   func()       // called on an honored "stop" command
	OnFault    func(error)  // optional; called on unexpected events
	Logger     *slog.Logger // optional

	// SendTimeout bounds each remote delivery (default 30s).
	SendTimeout time.Duration
}

type itemKind int

const (
	itemEvent itemKind = iota
	itemLine
	itemGone
	itemTimer
	itemStop
	itemReply
	itemSync
)

// item is one unit of work for the session goroutine.
type item struct {
	kind  itemKind
	event fsm.Event
	conn  *backend.Conn
	line  string
	gen   uint64
	reply fsm.Reply
	done  chan struct{}
}

// Session is the routing unit for one conversation identity.
type Session struct {
	id          string
	identity    string
	canStop     bool
	machine     *fsm.Machine
	remote      Remote
	recorder    Recorder
	shutdown    func()
	onFault     func(error)
	logger      *slog.Logger
	sendTimeout time.Duration
	server      *backend.Server

	inbox      chan item
	outbox     chan fsm.Reply
	quit       chan struct{}
	exited     chan struct{}
	senderDone chan struct{}

	started atomic.Bool
	stopped atomic.Bool
	faults  atomic.Int64

	// Owned by the session goroutine.
	state fsm.State
	stack backend.Stack[*backend.Conn]
	timer timerSlot

	// Snapshot for readers outside the session goroutine.
	mu       sync.Mutex
	snap     fsm.State
	backends int
}

// New creates a Session in [fsm.StateStart]. Call Start to activate it.
func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	machine := cfg.Machine
	if machine == nil {
		machine = fsm.New(fsm.DefaultTimings(), fsm.DefaultPhrases())
	}
	sendTimeout := cfg.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	s := &Session{
		id:          id.String(),
		identity:    cfg.Identity,
		canStop:     cfg.CanStop,
		machine:     machine,
		remote:      cfg.Remote,
		recorder:    cfg.Recorder,
		shutdown:    cfg.Shutdown,
		onFault:     cfg.OnFault,
		sendTimeout: sendTimeout,
		inbox:       make(chan item, 64),
		outbox:      make(chan fsm.Reply, outboxSize),
		quit:        make(chan struct{}),
		exited:      make(chan struct{}),
		senderDone:  make(chan struct{}),
		state:       fsm.StateStart,
		snap:        fsm.StateStart,
	}
	s.logger = logger.With("identity", cfg.Identity, "session", s.id)
	s.server = backend.NewServer(backend.ServerConfig{
		Path:    cfg.SocketPath,
		Handler: connHandler{s},
		Logger:  s.logger,
	})
	return s
}

// Identity returns the conversation identity this session serves.
func (s *Session) Identity() string { return s.identity }

// ID returns the session's unique instance identifier.
func (s *Session) ID() string { return s.id }

// SocketPath returns the local endpoint backends connect to.
func (s *Session) SocketPath() string { return s.server.Path() }

// CanStop reports whether this session may halt the process.
func (s *Session) CanStop() bool { return s.canStop }

// State returns the most recently committed state.
func (s *Session) State() fsm.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Backends returns the number of registered backends.
func (s *Session) Backends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backends
}

// Faults returns how many unexpected events this session has rejected.
func (s *Session) Faults() int64 { return s.faults.Load() }

// Start launches the session and injects the activation event, which
// must be one of start, owner-start or silent-start. It must be called
// exactly once, before any other method.
func (s *Session) Start(kind fsm.EventKind) error {
	if !kind.IsActivation() {
		return fmt.Errorf("session: %q is not an activation event", kind)
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	go s.run()
	go s.sendLoop()

	s.logger.Info("session starting", "event", kind, "socket", s.server.Path())
	s.post(item{kind: itemEvent, event: fsm.Signal(kind)})
	return nil
}

// Stop injects stop or silent-stop, closes the local socket and every
// backend connection, and waits for queued replies (including any
// goodbye) to be delivered or for ctx to expire. It must be called
// exactly once.
func (s *Session) Stop(ctx context.Context, kind fsm.EventKind) error {
	if !kind.IsTermination() {
		return fmt.Errorf("session: %q is not a termination event", kind)
	}
	if !s.started.Load() {
		return ErrNotStarted
	}
	if !s.stopped.CompareAndSwap(false, true) {
		return ErrStopped
	}

	done := make(chan struct{})
	s.post(item{kind: itemStop, event: fsm.Signal(kind), done: done})
	<-done

	// Backend read loops post their departures before returning, so
	// once they are all gone the inbox holds everything left to do.
	s.server.Wait()
	close(s.quit)
	<-s.exited
	close(s.outbox)

	select {
	case <-s.senderDone:
	case <-ctx.Done():
		s.logger.Warn("session stop timed out waiting for outbound delivery")
		return ctx.Err()
	}

	s.logger.Info("session stopped", "state", s.State())
	return nil
}

// HandleRemoteMessage injects a message event carrying text from the
// remote party.
func (s *Session) HandleRemoteMessage(text string) error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	if s.stopped.Load() {
		return ErrStopped
	}
	s.record("in", "message", text)
	s.post(item{kind: itemEvent, event: fsm.Message(text)})
	return nil
}

// HandleLocalCommand parses one IPC line from c and injects the
// corresponding event. Unparseable lines are dropped.
func (s *Session) HandleLocalCommand(c *backend.Conn, line string) {
	s.post(item{kind: itemLine, conn: c, line: line})
}

// SendMessage queues text for delivery to the remote party. Delivery
// errors are logged, never reported to the caller.
func (s *Session) SendMessage(text string) {
	s.post(item{kind: itemReply, reply: fsm.Reply{Text: text}})
}

// sync blocks until every item posted before it has been processed.
func (s *Session) sync() {
	done := make(chan struct{})
	if s.post(item{kind: itemSync, done: done}) {
		<-done
	}
}

// post hands it to the session goroutine. It reports false if the
// session has already exited.
func (s *Session) post(it item) bool {
	select {
	case s.inbox <- it:
		return true
	case <-s.exited:
		return false
	}
}

func (s *Session) run() {
	defer close(s.exited)
	for {
		select {
		case it := <-s.inbox:
			s.process(it)
		case <-s.quit:
			for {
				select {
				case it := <-s.inbox:
					s.process(it)
				default:
					s.timer.stop()
					return
				}
			}
		}
	}
}

func (s *Session) process(it item) {
	switch it.kind {
	case itemEvent:
		s.dispatch(it.event)
	case itemLine:
		s.handleLine(it.conn, it.line)
	case itemGone:
		s.handleGone(it.conn)
	case itemTimer:
		if !s.timer.consume(it.gen) {
			s.logger.Debug("stale timer expiry discarded")
			return
		}
		s.dispatch(fsm.Signal(fsm.EventDone))
	case itemStop:
		s.dispatch(it.event)
		s.timer.stop()
		if err := s.server.Stop(); err != nil {
			s.logger.Warn("backend socket cleanup failed", "error", err)
		}
		close(it.done)
	case itemReply:
		s.enqueue(it.reply)
	case itemSync:
		close(it.done)
	}
}

// dispatch runs ev through the state machine and applies the resulting
// effects. An unexpected event leaves the state unchanged.
func (s *Session) dispatch(ev fsm.Event) {
	from := s.state
	next, effects, err := s.machine.Transition(from, ev)
	if err != nil {
		s.faults.Add(1)
		s.logger.Error("unexpected session event",
			"state", from,
			"event", ev.Kind,
			"error", err,
		)
		s.record("internal", "fault", err.Error())
		if s.onFault != nil {
			s.onFault(err)
		}
		return
	}

	s.state = next
	for _, e := range effects {
		s.apply(e)
	}

	if next != from {
		s.logger.Debug("session transition", "from", from, "to", next, "event", ev.Kind)
		s.record("internal", "transition", fmt.Sprintf("%s -[%s]-> %s", from, ev.Kind, next))
	}
	s.publish()
}

func (s *Session) apply(e fsm.Effect) {
	switch e := e.(type) {
	case fsm.Send:
		s.enqueue(e.Reply)
	case fsm.StartServer:
		if err := s.server.Start(); err != nil {
			s.logger.Error("backend socket failed to start", "error", err)
		}
	case fsm.StartTimer:
		s.startTimer(e.After)
	case fsm.StopTimer:
		s.stopTimer()
	case fsm.Forward:
		s.sendToBackend(e.Text)
	default:
		s.logger.Error("unknown effect", "effect", fmt.Sprintf("%T", e))
	}
}

func (s *Session) startTimer(d time.Duration) {
	if s.timer.start(d, s.timerFired) {
		s.logger.Debug("timer armed", "after", d)
	}
}

func (s *Session) stopTimer() {
	if s.timer.stop() {
		s.logger.Debug("timer cancelled")
	}
}

// timerFired runs on the timer's goroutine.
func (s *Session) timerFired(gen uint64) {
	s.post(item{kind: itemTimer, gen: gen})
}

// sendToBackend writes text to the current backend. Without one the
// text is dropped.
func (s *Session) sendToBackend(text string) {
	c, ok := s.stack.Current()
	if !ok {
		s.logger.Warn("no backend registered, dropping message", "message_len", len(text))
		return
	}
	select {
	case <-c.Done():
		// Its departure is still queued behind this event.
		s.logger.Warn("current backend already closed, dropping message", "backend", c.ID(), "message_len", len(text))
		return
	default:
	}
	s.logger.Log(context.Background(), config.LevelTrace, "sending to backend", "backend", c.ID(), "message", text)
	if err := c.Send(text); err != nil {
		s.logger.Warn("backend write failed", "backend", c.ID(), "error", err)
	}
}

func (s *Session) handleLine(c *backend.Conn, line string) {
	s.logger.Log(context.Background(), config.LevelTrace, "received from backend", "backend", c.ID(), "line", line)

	cmd, ok := backend.ParseCommand(line)
	if !ok {
		s.logger.Debug("ignoring unrecognized local command", "backend", c.ID())
		return
	}

	switch cmd.Kind {
	case backend.CommandRegister:
		wasEmpty := s.stack.Push(c)
		s.logger.Info("backend registered",
			"backend", c.ID(),
			"backends", s.stack.Len(),
			"connections", s.server.Connections(),
		)
		s.logger.Debug("backend stack", "order", backendIDs(s.stack.Entries()))
		if wasEmpty {
			s.dispatch(fsm.Signal(fsm.EventBackendRegistered))
		} else {
			s.publish()
		}
	case backend.CommandMessage:
		s.dispatch(fsm.Response(fsm.Reply{Text: cmd.Payload}))
	case backend.CommandPicture:
		s.dispatch(fsm.Response(fsm.Reply{Attachment: cmd.Payload}))
	case backend.CommandStop:
		if !s.canStop {
			s.logger.Warn("stop command ignored, session may not halt the process", "backend", c.ID())
			return
		}
		s.logger.Info("stop command received", "backend", c.ID())
		if s.shutdown != nil {
			s.shutdown()
		}
	}
}

func (s *Session) handleGone(c *backend.Conn) {
	wasCurrent := s.stack.IsCurrent(c)
	removed, nowEmpty := s.stack.Remove(c)
	if !removed {
		return
	}
	s.logger.Info("backend removed", "backend", c.ID(), "was_current", wasCurrent, "backends", s.stack.Len())
	if next, ok := s.stack.Current(); ok && wasCurrent {
		s.logger.Info("failing over to previous backend", "backend", next.ID())
	}
	if nowEmpty {
		s.dispatch(fsm.Signal(fsm.EventBackendGone))
	} else {
		s.publish()
	}
}

func backendIDs(conns []*backend.Conn) []string {
	ids := make([]string, len(conns))
	for i, c := range conns {
		ids[i] = c.ID()
	}
	return ids
}

// publish refreshes the snapshot read by State and Backends.
func (s *Session) publish() {
	s.mu.Lock()
	s.snap = s.state
	s.backends = s.stack.Len()
	s.mu.Unlock()
}

// enqueue hands a reply to the sender goroutine without blocking. Only
// the session goroutine calls it, so the outbox is never written after
// Stop closes it.
func (s *Session) enqueue(r fsm.Reply) {
	select {
	case s.outbox <- r:
	default:
		s.logger.Warn("outbound queue full, dropping reply", "message_len", len(r.Text))
	}
}

func (s *Session) sendLoop() {
	defer close(s.senderDone)
	for r := range s.outbox {
		s.deliver(r)
	}
}

func (s *Session) deliver(r fsm.Reply) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	var err error
	if r.Attachment != "" {
		err = s.remote.SendAttachment(ctx, s.identity, r.Attachment)
		s.record("out", "attachment", r.Attachment)
	} else {
		err = s.remote.Send(ctx, s.identity, r.Text)
		s.record("out", "message", r.Text)
	}
	if err != nil {
		s.logger.Error("remote delivery failed", "error", err)
		return
	}
	s.logger.Debug("remote delivery complete", "message_len", len(r.Text))
}

func (s *Session) record(direction, kind, body string) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Record(s.identity, direction, kind, body); err != nil {
		s.logger.Debug("journal write failed", "error", err)
	}
}

// connHandler adapts a Session to [backend.Handler].
type connHandler struct{ s *Session }

func (h connHandler) HandleLine(c *backend.Conn, line string) {
	h.s.HandleLocalCommand(c, line)
}

func (h connHandler) HandleGone(c *backend.Conn) {
	h.s.post(item{kind: itemGone, conn: c})
}
