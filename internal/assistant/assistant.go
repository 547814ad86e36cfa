// Package assistant maps remote conversation identities to sessions.
//
// The [Orchestrator] owns the owner's session from startup, creates a
// session for an allow-listed friend on their first message, tells
// unknown private senders once that it does not know them, and leaves
// unknown group conversations every time they speak.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/parley/internal/backend"
	"github.com/nugget/parley/internal/fsm"
	"github.com/nugget/parley/internal/session"
)

// ErrShutdown is returned by Start after Shutdown.
var ErrShutdown = errors.New("assistant: shut down")

// Notice texts sent to strangers.
const (
	NoticeUnknown    = "we don't know each other"
	NoticeWrongPlace = "I think I'm in the wrong place"
)

// noticeTimeout bounds a single stranger notice or leave call.
const noticeTimeout = 30 * time.Second

// Inbound is one message from the remote transport.
type Inbound struct {
	Identity string
	Text     string
	Private  bool // direct conversation rather than a group
}

// Gateway is the remote messaging transport.
type Gateway interface {
	// Receive blocks until the next inbound message arrives.
	Receive(ctx context.Context) (Inbound, error)
	Send(ctx context.Context, identity, text string) error
	SendAttachment(ctx context.Context, identity, path string) error
	// Leave removes the assistant from a non-private conversation.
	Leave(ctx context.Context, identity string) error
}

// Config holds the dependencies for an Orchestrator.
type Config struct {
	Owner   string
	Friends []string
	Gateway Gateway
	Machine *fsm.Machine

	// SocketBase is the owner's socket path; friend sockets derive
	// from it (see [backend.SocketPath]).
	SocketBase string

	// Greet starts the owner session with owner-start instead of
	// silent-start.
	Greet bool

	Recorder session.Recorder // optional
	Shutdown func()           // owner "stop" command
	Logger   *slog.Logger
}

// SessionStatus is a point-in-time view of one session.
type SessionStatus struct {
	Identity string    `json:"identity"`
	Owner    bool      `json:"owner"`
	State    fsm.State `json:"state"`
	Backends int       `json:"backends"`
	Faults   int64     `json:"faults"`
}

// Orchestrator routes inbound traffic to per-identity sessions.
type Orchestrator struct {
	owner      string
	gateway    Gateway
	machine    *fsm.Machine
	socketBase string
	greet      bool
	recorder   session.Recorder
	shutdown   func()
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session.Session
	friends  map[string]bool
	ignored  map[string]bool
	rejected int
	closed   bool
}

// New creates an Orchestrator. Call Start to bring up the owner session.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	machine := cfg.Machine
	if machine == nil {
		machine = fsm.New(fsm.DefaultTimings(), fsm.DefaultPhrases())
	}

	friends := make(map[string]bool, len(cfg.Friends))
	for _, f := range cfg.Friends {
		if f != cfg.Owner {
			friends[f] = true
		}
	}

	return &Orchestrator{
		owner:      cfg.Owner,
		gateway:    cfg.Gateway,
		machine:    machine,
		socketBase: cfg.SocketBase,
		greet:      cfg.Greet,
		recorder:   cfg.Recorder,
		shutdown:   cfg.Shutdown,
		logger:     logger,
		sessions:   make(map[string]*session.Session),
		friends:    friends,
		ignored:    make(map[string]bool),
	}
}

// Start creates and activates the owner's session. The owner socket is
// bound on the session goroutine, so it may appear shortly after Start
// returns.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrShutdown
	}
	if _, ok := o.sessions[o.owner]; ok {
		return fmt.Errorf("assistant: owner session already started")
	}

	kind := fsm.EventSilentStart
	if o.greet {
		kind = fsm.EventOwnerStart
	}
	s := o.newSession(o.owner, true)
	if err := s.Start(kind); err != nil {
		return fmt.Errorf("start owner session: %w", err)
	}
	o.sessions[o.owner] = s
	o.logger.Info("owner session started", "owner", o.owner, "socket", s.SocketPath())
	return nil
}

func (o *Orchestrator) newSession(identity string, isOwner bool) *session.Session {
	return session.New(session.Config{
		Identity:   identity,
		CanStop:    isOwner,
		SocketPath: backend.SocketPath(o.socketBase, identity, isOwner),
		Machine:    o.machine,
		Remote:     o.gateway,
		Recorder:   o.recorder,
		Shutdown:   o.shutdown,
		Logger:     o.logger,
	})
}

// Run receives from the gateway and routes every message until ctx is
// cancelled or the gateway fails. A cancelled context returns nil.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		in, err := o.gateway.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		o.Handle(ctx, in)
	}
}

// Handle routes one inbound message.
func (o *Orchestrator) Handle(ctx context.Context, in Inbound) {
	log := o.logger.With("identity", in.Identity)

	if in.Text == "" {
		log.Debug("dropping inbound message without text")
		return
	}

	s, action := o.resolve(in)
	switch action {
	case routeSession:
		if err := s.HandleRemoteMessage(in.Text); err != nil {
			log.Warn("session rejected inbound message", "error", err)
		}
	case routeNoticeUnknown:
		log.Info("unknown sender, sending notice and ignoring from now on")
		o.record(in.Identity, "rejected", in.Text)
		o.notify(ctx, log, in.Identity, NoticeUnknown)
	case routeIgnore:
		log.Debug("ignoring message from unknown sender")
	case routeLeave:
		log.Info("unknown group conversation, leaving")
		o.record(in.Identity, "rejected", in.Text)
		o.notify(ctx, log, in.Identity, NoticeWrongPlace)
		lctx, cancel := context.WithTimeout(ctx, noticeTimeout)
		defer cancel()
		if err := o.gateway.Leave(lctx, in.Identity); err != nil {
			log.Warn("failed to leave conversation", "error", err)
		}
	case routeClosed:
		log.Debug("dropping message received during shutdown")
	}
}

type route int

const (
	routeSession route = iota
	routeNoticeUnknown
	routeIgnore
	routeLeave
	routeClosed
)

// resolve finds or creates the session for in, or decides how to treat
// a stranger. Bookkeeping happens under the lock; I/O does not.
func (o *Orchestrator) resolve(in Inbound) (*session.Session, route) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, routeClosed
	}

	if s, ok := o.sessions[in.Identity]; ok {
		return s, routeSession
	}

	if o.friends[in.Identity] {
		s := o.newSession(in.Identity, false)
		if err := s.Start(fsm.EventStart); err != nil {
			o.logger.Error("friend session failed to start", "identity", in.Identity, "error", err)
			return nil, routeIgnore
		}
		o.sessions[in.Identity] = s
		o.logger.Info("friend session started", "identity", in.Identity, "socket", s.SocketPath())
		return s, routeSession
	}

	if !in.Private {
		o.rejected++
		return nil, routeLeave
	}
	if o.ignored[in.Identity] {
		return nil, routeIgnore
	}
	o.ignored[in.Identity] = true
	return nil, routeNoticeUnknown
}

func (o *Orchestrator) notify(ctx context.Context, log *slog.Logger, identity, text string) {
	ctx, cancel := context.WithTimeout(ctx, noticeTimeout)
	defer cancel()
	if err := o.gateway.Send(ctx, identity, text); err != nil {
		log.Warn("failed to send notice", "error", err)
	}
}

func (o *Orchestrator) record(identity, kind, body string) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.Record(identity, "in", kind, body); err != nil {
		o.logger.Debug("journal write failed", "error", err)
	}
}

// Shutdown stops every session with stop, or silent-stop when silent
// is set, and waits for their goodbyes to be delivered or ctx to
// expire. Further inbound messages are dropped.
func (o *Orchestrator) Shutdown(ctx context.Context, silent bool) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	sessions := make([]*session.Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	rejected := o.rejected
	o.mu.Unlock()
	ignored := o.Ignored()

	kind := fsm.EventStop
	if silent {
		kind = fsm.EventSilentStop
	}

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		errs []error
	)
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Stop(ctx, kind); err != nil {
				emu.Lock()
				errs = append(errs, fmt.Errorf("stop %s: %w", s.Identity(), err))
				emu.Unlock()
			}
		}()
	}
	wg.Wait()

	o.logger.Info("sessions stopped",
		"sessions", len(sessions),
		"ignored", ignored,
		"groups_rejected", rejected,
	)
	return errors.Join(errs...)
}

// NotifyOwner queues text for delivery to the owner through the owner
// session.
func (o *Orchestrator) NotifyOwner(text string) error {
	o.mu.Lock()
	s, ok := o.sessions[o.owner]
	closed := o.closed
	o.mu.Unlock()

	switch {
	case closed:
		return ErrShutdown
	case !ok:
		return fmt.Errorf("assistant: owner session not started")
	}
	s.SendMessage(text)
	return nil
}

// ActiveSessions returns the number of live sessions.
func (o *Orchestrator) ActiveSessions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

// Ignored returns the identities that were told they are unknown,
// sorted.
func (o *Orchestrator) Ignored() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return sortedKeys(o.ignored)
}

// Snapshot returns the status of every session, owner first, then by
// identity.
func (o *Orchestrator) Snapshot() []SessionStatus {
	o.mu.Lock()
	sessions := make([]*session.Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	o.mu.Unlock()

	out := make([]SessionStatus, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionStatus{
			Identity: s.Identity(),
			Owner:    s.CanStop(),
			State:    s.State(),
			Backends: s.Backends(),
			Faults:   s.Faults(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Owner != out[j].Owner {
			return out[i].Owner
		}
		return out[i].Identity < out[j].Identity
	})
	return out
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
