// Package fsm implements the conversational state machine behind a
// parley session.
//
// The machine is a pure transition function: given the current [State]
// and an [Event] it returns the next state and an ordered list of
// [Effect] values for the caller to carry out (send a reply to the
// remote party, arm or cancel the session timer, forward text to the
// current backend, start the local IPC server). It performs no I/O and
// holds no per-session data, so one [Machine] can serve every session
// in the process.
//
// Pairs missing from the transition table are programmer errors and are
// reported as [*UnexpectedEventError] rather than silently ignored.
package fsm

import (
	"fmt"
	"time"
)

// State is one of the fixed session states.
type State string

const (
	// StateStart is the pseudo-initial state. An activation event moves
	// the session out of it immediately.
	StateStart State = "start"

	// StateLogin waits briefly for a backend to register after startup.
	StateLogin State = "login"

	// StateDisconnected has no backend and may tell the remote party so.
	StateDisconnected State = "disconnected"

	// StateDisconnectedSilent has no backend and has already told the
	// remote party; it stays quiet until the cool-down timer fires.
	StateDisconnectedSilent State = "disconnected-silent"

	// StateIdle has a registered backend and relays traffic to it.
	StateIdle State = "idle"

	// StateStop is terminal. Every event is accepted and ignored.
	StateStop State = "stop"
)

// EventKind names an input to the state machine.
type EventKind string

const (
	EventStart             EventKind = "start"
	EventOwnerStart        EventKind = "owner-start"
	EventSilentStart       EventKind = "silent-start"
	EventMessage           EventKind = "message"
	EventResponse          EventKind = "response"
	EventBackendRegistered EventKind = "backend-registered"
	EventBackendGone       EventKind = "backend-gone"
	EventDone              EventKind = "done"
	EventStop              EventKind = "stop"
	EventSilentStop        EventKind = "silent-stop"
)

// IsActivation reports whether k is one of the session activation
// events accepted in [StateStart].
func (k EventKind) IsActivation() bool {
	return k == EventStart || k == EventOwnerStart || k == EventSilentStart
}

// IsTermination reports whether k is [EventStop] or [EventSilentStop].
func (k EventKind) IsTermination() bool {
	return k == EventStop || k == EventSilentStop
}

// Reply is text (and optionally a local file to attach) destined for
// the remote party.
type Reply struct {
	Text       string
	Attachment string // local file path; empty for plain text
}

// Event is one input to [Machine.Transition]. Text carries the inbound
// remote message for [EventMessage]; Reply carries the backend output
// for [EventResponse].
type Event struct {
	Kind  EventKind
	Text  string
	Reply Reply
}

// Message builds an [EventMessage] carrying remote text.
func Message(text string) Event {
	return Event{Kind: EventMessage, Text: text}
}

// Response builds an [EventResponse] carrying backend output.
func Response(r Reply) Event {
	return Event{Kind: EventResponse, Reply: r}
}

// Signal builds a payload-free event.
func Signal(kind EventKind) Event {
	return Event{Kind: kind}
}

// UnexpectedEventError reports a (state, event) pair that the
// transition table does not cover.
type UnexpectedEventError struct {
	State State
	Event EventKind
}

func (e *UnexpectedEventError) Error() string {
	return fmt.Sprintf("fsm: unexpected event %q in state %q", e.Event, e.State)
}

// Timings holds the timer durations used by the transition table.
type Timings struct {
	// Login is how long a fresh session waits for a backend before
	// considering itself disconnected.
	Login time.Duration

	// Cooldown is how long a disconnected session stays silent after
	// telling the remote party it is busy.
	Cooldown time.Duration

	// Thinking is how long an idle session waits for a backend reply
	// before telling the remote party it is still working.
	Thinking time.Duration
}

// DefaultTimings returns 3s login, 300s cool-down and 5s thinking.
func DefaultTimings() Timings {
	return Timings{
		Login:    3 * time.Second,
		Cooldown: 300 * time.Second,
		Thinking: 5 * time.Second,
	}
}

// Phrases are the canned status messages the machine sends.
type Phrases struct {
	Greeting      string `yaml:"greeting"`
	OwnerGreeting string `yaml:"owner_greeting"`
	Reading       string `yaml:"reading"`
	Swamped       string `yaml:"swamped"`
	Listening     string `yaml:"listening"`
	Thinking      string `yaml:"thinking"`
	GoingAway     string `yaml:"going_away"`
	Goodbye       string `yaml:"goodbye"`
}

// DefaultPhrases returns the stock English phrases.
func DefaultPhrases() Phrases {
	return Phrases{
		Greeting:      "Hi there",
		OwnerGreeting: "I'm back",
		Reading:       "hold on, reading now",
		Swamped:       "I'm swamped right now",
		Listening:     "I'm listening now",
		Thinking:      "thinking now...",
		GoingAway:     "going back to other business",
		Goodbye:       "bye",
	}
}

// withDefaults fills empty phrases from [DefaultPhrases].
func (p Phrases) withDefaults() Phrases {
	d := DefaultPhrases()
	fill := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	fill(&p.Greeting, d.Greeting)
	fill(&p.OwnerGreeting, d.OwnerGreeting)
	fill(&p.Reading, d.Reading)
	fill(&p.Swamped, d.Swamped)
	fill(&p.Listening, d.Listening)
	fill(&p.Thinking, d.Thinking)
	fill(&p.GoingAway, d.GoingAway)
	fill(&p.Goodbye, d.Goodbye)
	return p
}
