package session

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/parley/internal/fsm"
)

// fakeRemote records deliveries on a channel.
type fakeRemote struct {
	sent chan string
	err  error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{sent: make(chan string, 32)}
}

func (f *fakeRemote) Send(_ context.Context, _, text string) error {
	f.sent <- text
	return f.err
}

func (f *fakeRemote) SendAttachment(_ context.Context, _, path string) error {
	f.sent <- "attachment:" + path
	return f.err
}

func (f *fakeRemote) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-f.sent:
		if got != want {
			t.Fatalf("remote received %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for remote to receive %q", want)
	}
}

func (f *fakeRemote) expectNothing(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case got := <-f.sent:
		t.Fatalf("remote unexpectedly received %q", got)
	case <-time.After(within):
	}
}

// recorder collects journal entries.
type recorder struct {
	mu      sync.Mutex
	entries []string
}

func (r *recorder) Record(_, direction, kind, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, direction+"/"+kind+"/"+body)
	return nil
}

func (r *recorder) has(prefix string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if strings.HasPrefix(e, prefix) {
			return true
		}
	}
	return false
}

// testTimings keeps the login window short and the others long enough
// that they only fire when a test waits for them.
var testTimings = fsm.Timings{
	Login:    time.Hour,
	Cooldown: time.Hour,
	Thinking: time.Hour,
}

func newTestSession(t *testing.T, remote Remote, opts ...func(*Config)) *Session {
	t.Helper()
	cfg := Config{
		Identity:   "+15551234567",
		SocketPath: filepath.Join(t.TempDir(), "pa.sock"),
		Machine:    fsm.New(testTimings, fsm.DefaultPhrases()),
		Remote:     remote,
		Logger:     slog.Default(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	return New(cfg)
}

func withTimings(tm fsm.Timings) func(*Config) {
	return func(c *Config) { c.Machine = fsm.New(tm, fsm.DefaultPhrases()) }
}

func startSession(t *testing.T, s *Session, kind fsm.EventKind) {
	t.Helper()
	if err := s.Start(kind); err != nil {
		t.Fatalf("Start(%s) error: %v", kind, err)
	}
	s.sync()
	t.Cleanup(func() {
		if !s.stopped.Load() {
			s.Stop(context.Background(), fsm.EventSilentStop)
		}
	})
}

func waitState(t *testing.T, s *Session, want fsm.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.sync()
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", s.State(), want)
}

// testBackend is a worker process stand-in speaking the IPC protocol.
type testBackend struct {
	nc     net.Conn
	reader *bufio.Reader
}

func connectBackend(t *testing.T, s *Session, register bool) *testBackend {
	t.Helper()
	nc, err := net.Dial("unix", s.SocketPath())
	if err != nil {
		t.Fatalf("dial backend socket: %v", err)
	}
	t.Cleanup(func() { nc.Close() })
	b := &testBackend{nc: nc, reader: bufio.NewReader(nc)}
	if register {
		b.write(t, "register backend")
	}
	return b
}

func (b *testBackend) write(t *testing.T, line string) {
	t.Helper()
	if _, err := io.WriteString(b.nc, line+"\n"); err != nil {
		t.Fatalf("backend write: %v", err)
	}
}

func (b *testBackend) expect(t *testing.T, want string) {
	t.Helper()
	b.nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := b.reader.ReadString('\n')
	if err != nil {
		t.Fatalf("backend read: %v", err)
	}
	if line != want {
		t.Fatalf("backend received %q, want %q", line, want)
	}
}

func TestStart_ActivationEvents(t *testing.T) {
	tests := []struct {
		kind     fsm.EventKind
		greeting string
	}{
		{fsm.EventStart, "Hi there"},
		{fsm.EventOwnerStart, "I'm back"},
		{fsm.EventSilentStart, ""},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			remote := newFakeRemote()
			s := newTestSession(t, remote)
			startSession(t, s, tt.kind)

			if got := s.State(); got != fsm.StateLogin {
				t.Errorf("state = %s, want login", got)
			}
			if !s.timer.live() {
				t.Error("login timer not armed")
			}
			if tt.greeting != "" {
				remote.expect(t, tt.greeting)
			} else {
				remote.expectNothing(t, 50*time.Millisecond)
			}

			info, err := os.Stat(s.SocketPath())
			if err != nil || info.Mode()&os.ModeSocket == 0 {
				t.Errorf("backend socket not listening: %v", err)
			}
		})
	}
}

func TestStart_Errors(t *testing.T) {
	s := newTestSession(t, newFakeRemote())

	if err := s.HandleRemoteMessage("hi"); !errors.Is(err, ErrNotStarted) {
		t.Errorf("HandleRemoteMessage before Start = %v, want ErrNotStarted", err)
	}
	if err := s.Stop(context.Background(), fsm.EventStop); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Stop before Start = %v, want ErrNotStarted", err)
	}
	if err := s.Start(fsm.EventMessage); err == nil {
		t.Error("Start with a non-activation event should fail")
	}

	startSession(t, s, fsm.EventSilentStart)
	if err := s.Start(fsm.EventStart); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
	if err := s.Stop(context.Background(), fsm.EventMessage); err == nil {
		t.Error("Stop with a non-termination event should fail")
	}
}

func TestLogin_TimesOutToDisconnected(t *testing.T) {
	remote := newFakeRemote()
	s := newTestSession(t, remote, withTimings(fsm.Timings{
		Login: 20 * time.Millisecond, Cooldown: time.Hour, Thinking: time.Hour,
	}))
	startSession(t, s, fsm.EventSilentStart)

	waitState(t, s, fsm.StateDisconnected)

	if err := s.HandleRemoteMessage("anyone there?"); err != nil {
		t.Fatal(err)
	}
	remote.expect(t, "I'm swamped right now")
	waitState(t, s, fsm.StateDisconnectedSilent)

	// A second message inside the cool-down stays quiet.
	s.HandleRemoteMessage("hello?")
	remote.expectNothing(t, 50*time.Millisecond)
}

func TestLogin_MessageThenBackendRegisters(t *testing.T) {
	remote := newFakeRemote()
	s := newTestSession(t, remote)
	startSession(t, s, fsm.EventSilentStart)

	s.HandleRemoteMessage("hello")
	remote.expect(t, "hold on, reading now")
	waitState(t, s, fsm.StateDisconnectedSilent)

	connectBackend(t, s, true)
	remote.expect(t, "I'm listening now")
	waitState(t, s, fsm.StateIdle)
	if s.timer.live() {
		t.Error("timer still armed after registration")
	}
}

func TestLogin_MessageWithoutBackendEndsDisconnected(t *testing.T) {
	remote := newFakeRemote()
	s := newTestSession(t, remote, withTimings(fsm.Timings{
		Login: 30 * time.Millisecond, Cooldown: 60 * time.Millisecond, Thinking: time.Hour,
	}))
	startSession(t, s, fsm.EventOwnerStart)
	remote.expect(t, "I'm back")

	s.HandleRemoteMessage("hello")
	remote.expect(t, "hold on, reading now")

	waitState(t, s, fsm.StateDisconnected)

	// Registration from disconnected goes straight to idle without a
	// status message.
	connectBackend(t, s, true)
	waitState(t, s, fsm.StateIdle)
	remote.expectNothing(t, 50*time.Millisecond)
}

func TestIdle_RelaysBetweenRemoteAndBackend(t *testing.T) {
	remote := newFakeRemote()
	s := newTestSession(t, remote, withTimings(fsm.Timings{
		Login: time.Hour, Cooldown: time.Hour, Thinking: 80 * time.Millisecond,
	}))
	startSession(t, s, fsm.EventSilentStart)

	b := connectBackend(t, s, true)
	waitState(t, s, fsm.StateIdle)

	s.HandleRemoteMessage("translate cat")
	b.expect(t, "message:translate cat\n")
	s.sync()
	if !s.timer.live() {
		t.Fatal("thinking timer not armed after forwarding")
	}

	b.write(t, "message:chat")
	remote.expect(t, "chat")
	s.sync()
	if s.timer.live() {
		t.Error("thinking timer still armed after response")
	}

	// The cancelled timer must not produce a late status message.
	remote.expectNothing(t, 200*time.Millisecond)
}

func TestIdle_ThinkingNotice(t *testing.T) {
	remote := newFakeRemote()
	s := newTestSession(t, remote, withTimings(fsm.Timings{
		Login: time.Hour, Cooldown: time.Hour, Thinking: 30 * time.Millisecond,
	}))
	startSession(t, s, fsm.EventSilentStart)

	b := connectBackend(t, s, true)
	waitState(t, s, fsm.StateIdle)

	s.HandleRemoteMessage("hard question")
	b.expect(t, "message:hard question\n")
	remote.expect(t, "thinking now...")

	b.write(t, "message:42")
	remote.expect(t, "42")
	if got := s.State(); got != fsm.StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
}

func TestIdle_MessageDoesNotResetLiveTimer(t *testing.T) {
	s := newTestSession(t, newFakeRemote())
	startSession(t, s, fsm.EventSilentStart)

	b := connectBackend(t, s, true)
	waitState(t, s, fsm.StateIdle)

	s.HandleRemoteMessage("one")
	b.expect(t, "message:one\n")
	s.sync()
	gen := s.timer.gen

	s.HandleRemoteMessage("two")
	b.expect(t, "message:two\n")
	s.sync()
	if s.timer.gen != gen {
		t.Errorf("timer re-armed while live (gen %d -> %d)", gen, s.timer.gen)
	}
}

func TestBackendStack_FailoverIsLIFO(t *testing.T) {
	remote := newFakeRemote()
	s := newTestSession(t, remote)
	startSession(t, s, fsm.EventSilentStart)

	b1 := connectBackend(t, s, true)
	waitState(t, s, fsm.StateIdle)
	b2 := connectBackend(t, s, true)
	waitForBackends(t, s, 2)

	s.HandleRemoteMessage("first")
	b2.expect(t, "message:first\n")

	b2.nc.Close()
	waitForBackends(t, s, 1)
	if got := s.State(); got != fsm.StateIdle {
		t.Fatalf("state after losing b2 = %s, want idle", got)
	}
	remote.expectNothing(t, 50*time.Millisecond)

	s.HandleRemoteMessage("second")
	b1.expect(t, "message:second\n")

	b1.nc.Close()
	remote.expect(t, "going back to other business")
	waitState(t, s, fsm.StateDisconnected)
	remote.expectNothing(t, 50*time.Millisecond)
}

func waitForBackends(t *testing.T, s *Session, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.sync()
		if s.Backends() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("backends = %d, want %d", s.Backends(), want)
}

func TestUnregisteredConnection_MessagesRelayedButNotBackend(t *testing.T) {
	remote := newFakeRemote()
	s := newTestSession(t, remote)
	startSession(t, s, fsm.EventSilentStart)

	connectBackend(t, s, true)
	waitState(t, s, fsm.StateIdle)

	other := connectBackend(t, s, false)
	other.write(t, "message:notice from cron")
	remote.expect(t, "notice from cron")

	other.write(t, "message:")
	other.write(t, "garbage")
	remote.expectNothing(t, 50*time.Millisecond)

	other.nc.Close()
	remote.expectNothing(t, 50*time.Millisecond)
	if got := s.State(); got != fsm.StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
	if got := s.Backends(); got != 1 {
		t.Errorf("backends = %d, want 1", got)
	}
}

func TestPictureCommand(t *testing.T) {
	remote := newFakeRemote()
	s := newTestSession(t, remote)
	startSession(t, s, fsm.EventSilentStart)

	b := connectBackend(t, s, true)
	waitState(t, s, fsm.StateIdle)

	b.write(t, "picture:/tmp/cat.png")
	remote.expect(t, "attachment:/tmp/cat.png")
}

func TestStop_SendsGoodbyeAndCleansUp(t *testing.T) {
	remote := newFakeRemote()
	rec := &recorder{}
	s := newTestSession(t, remote, func(c *Config) { c.Recorder = rec })
	startSession(t, s, fsm.EventSilentStart)

	b := connectBackend(t, s, true)
	waitState(t, s, fsm.StateIdle)

	if err := s.Stop(context.Background(), fsm.EventStop); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	remote.expect(t, "bye")
	remote.expectNothing(t, 50*time.Millisecond)

	if got := s.State(); got != fsm.StateStop {
		t.Errorf("state = %s, want stop", got)
	}
	if _, err := os.Stat(s.SocketPath()); !os.IsNotExist(err) {
		t.Errorf("socket still present after Stop: %v", err)
	}

	b.nc.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := b.reader.ReadString('\n'); err == nil {
		t.Error("backend connection still open after Stop")
	}

	if err := s.Stop(context.Background(), fsm.EventStop); !errors.Is(err, ErrStopped) {
		t.Errorf("second Stop = %v, want ErrStopped", err)
	}
	if err := s.HandleRemoteMessage("late"); !errors.Is(err, ErrStopped) {
		t.Errorf("HandleRemoteMessage after Stop = %v, want ErrStopped", err)
	}
	if !rec.has("out/message/bye") || !rec.has("internal/transition/idle -[stop]-> stop") {
		t.Errorf("journal entries missing: %v", rec.entries)
	}
}

func TestStop_Silent(t *testing.T) {
	remote := newFakeRemote()
	s := newTestSession(t, remote)
	startSession(t, s, fsm.EventSilentStart)

	if err := s.Stop(context.Background(), fsm.EventSilentStop); err != nil {
		t.Fatal(err)
	}
	remote.expectNothing(t, 50*time.Millisecond)
	if got := s.State(); got != fsm.StateStop {
		t.Errorf("state = %s, want stop", got)
	}
}

func TestStopCommand_Privileged(t *testing.T) {
	var calls int
	var mu sync.Mutex
	shutdown := func() {
		mu.Lock()
		calls++
		mu.Unlock()
	}

	owner := newTestSession(t, newFakeRemote(), func(c *Config) {
		c.CanStop = true
		c.Shutdown = shutdown
	})
	startSession(t, owner, fsm.EventSilentStart)
	connectBackend(t, owner, false).write(t, "stop")

	friend := newTestSession(t, newFakeRemote(), func(c *Config) {
		c.Identity = "+15559999999"
		c.Shutdown = shutdown
	})
	startSession(t, friend, fsm.EventSilentStart)
	connectBackend(t, friend, false).write(t, "stop")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		owner.sync()
		friend.sync()
		mu.Lock()
		n := calls
		mu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	friend.sync()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("shutdown called %d times, want 1 (owner only)", calls)
	}
}

func TestUnexpectedEvent_IsolatedFault(t *testing.T) {
	remote := newFakeRemote()
	faults := make(chan error, 1)
	s := newTestSession(t, remote,
		withTimings(fsm.Timings{Login: 60 * time.Millisecond, Cooldown: time.Hour, Thinking: time.Hour}),
		func(c *Config) { c.OnFault = func(err error) { faults <- err } },
	)
	startSession(t, s, fsm.EventSilentStart)

	// A response during login moves to disconnected while the login
	// timer is still live; its expiry then has no table entry.
	connectBackend(t, s, false).write(t, "message:early")
	remote.expect(t, "early")
	waitState(t, s, fsm.StateDisconnected)

	select {
	case err := <-faults:
		var unexpected *fsm.UnexpectedEventError
		if !errors.As(err, &unexpected) {
			t.Fatalf("fault = %T, want *fsm.UnexpectedEventError", err)
		}
		if unexpected.State != fsm.StateDisconnected || unexpected.Event != fsm.EventDone {
			t.Errorf("fault = %+v", unexpected)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no fault reported")
	}

	if got := s.State(); got != fsm.StateDisconnected {
		t.Errorf("state after fault = %s, want disconnected", got)
	}
	if got := s.Faults(); got != 1 {
		t.Errorf("Faults() = %d, want 1", got)
	}

	// The session keeps working after the fault.
	s.HandleRemoteMessage("still there?")
	remote.expect(t, "I'm swamped right now")
}

func TestSendMessage_DeliveryErrorsDoNotChangeState(t *testing.T) {
	remote := newFakeRemote()
	remote.err = errors.New("network down")
	s := newTestSession(t, remote)
	startSession(t, s, fsm.EventSilentStart)

	s.SendMessage("hello")
	remote.expect(t, "hello")
	s.sync()
	if got := s.State(); got != fsm.StateLogin {
		t.Errorf("state = %s, want login", got)
	}
}

func TestTimerSlot(t *testing.T) {
	var ts timerSlot
	fired := make(chan uint64, 2)
	fire := func(gen uint64) { fired <- gen }

	if !ts.start(time.Hour, fire) {
		t.Fatal("first start should arm")
	}
	if ts.start(time.Millisecond, fire) {
		t.Fatal("start while live should be a no-op")
	}
	gen := ts.gen
	if !ts.stop() {
		t.Fatal("stop should cancel the live timer")
	}
	if ts.consume(gen) {
		t.Error("consume after stop should report a stale fire")
	}
	if ts.stop() {
		t.Error("second stop should report no timer")
	}

	ts.start(time.Millisecond, fire)
	select {
	case g := <-fired:
		if !ts.consume(g) {
			t.Error("genuine fire should be consumed")
		}
		if ts.live() {
			t.Error("timer should be cleared after consume")
		}
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

// logBuffer is a concurrency-safe sink for slog text output.
type logBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (l *logBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *logBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

func TestBackendGone_LogsFailover(t *testing.T) {
	logs := &logBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := newTestSession(t, newFakeRemote(), func(c *Config) { c.Logger = logger })
	startSession(t, s, fsm.EventSilentStart)

	b1 := connectBackend(t, s, true)
	waitState(t, s, fsm.StateIdle)
	b2 := connectBackend(t, s, true)
	waitForBackends(t, s, 2)

	if !strings.Contains(logs.String(), "msg=\"backend stack\"") {
		t.Fatalf("missing backend stack debug line in:\n%s", logs.String())
	}

	b2.nc.Close()
	waitForBackends(t, s, 1)
	out := logs.String()
	if !strings.Contains(out, "was_current=true") {
		t.Errorf("departure of top backend not logged as current:\n%s", out)
	}
	if !strings.Contains(out, "failing over to previous backend") {
		t.Errorf("missing failover line:\n%s", out)
	}

	s.HandleRemoteMessage("still here")
	b1.expect(t, "message:still here\n")
}
