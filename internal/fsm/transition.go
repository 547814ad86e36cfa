package fsm

import "time"

// Effect is a side effect requested by a transition. The concrete types
// are [Send], [StartServer], [StartTimer], [StopTimer] and [Forward].
type Effect interface {
	effect()
}

// Send delivers a reply to the remote party.
type Send struct{ Reply Reply }

// StartServer starts the session's local IPC server.
type StartServer struct{}

// StartTimer arms the session timer unless one is already live.
type StartTimer struct{ After time.Duration }

// StopTimer cancels the live session timer, if any.
type StopTimer struct{}

// Forward writes text to the current backend.
type Forward struct{ Text string }

func (Send) effect()        {}
func (StartServer) effect() {}
func (StartTimer) effect()  {}
func (StopTimer) effect()   {}
func (Forward) effect()     {}

// Machine evaluates the transition table with a fixed set of timings
// and phrases. It is immutable and safe for concurrent use.
type Machine struct {
	timings Timings
	phrases Phrases
}

// New creates a Machine. Zero durations and empty phrases fall back to
// [DefaultTimings] and [DefaultPhrases].
func New(timings Timings, phrases Phrases) *Machine {
	d := DefaultTimings()
	if timings.Login <= 0 {
		timings.Login = d.Login
	}
	if timings.Cooldown <= 0 {
		timings.Cooldown = d.Cooldown
	}
	if timings.Thinking <= 0 {
		timings.Thinking = d.Thinking
	}
	return &Machine{timings: timings, phrases: phrases.withDefaults()}
}

// Timings returns the durations the machine was built with.
func (m *Machine) Timings() Timings { return m.timings }

// Transition computes the next state for ev arriving in state s. On an
// unexpected pair it returns s unchanged, no effects and an
// [*UnexpectedEventError].
func (m *Machine) Transition(s State, ev Event) (State, []Effect, error) {
	switch s {
	case StateStart:
		return m.fromStart(ev)
	case StateLogin:
		return m.fromLogin(ev)
	case StateDisconnected:
		return m.fromDisconnected(ev)
	case StateDisconnectedSilent:
		return m.fromDisconnectedSilent(ev)
	case StateIdle:
		return m.fromIdle(ev)
	case StateStop:
		return StateStop, nil, nil
	}
	return s, nil, &UnexpectedEventError{State: s, Event: ev.Kind}
}

func (m *Machine) fromStart(ev Event) (State, []Effect, error) {
	var effects []Effect
	switch ev.Kind {
	case EventStart:
		effects = append(effects, m.say(m.phrases.Greeting))
	case EventOwnerStart:
		effects = append(effects, m.say(m.phrases.OwnerGreeting))
	case EventSilentStart:
	default:
		return StateStart, nil, &UnexpectedEventError{State: StateStart, Event: ev.Kind}
	}
	effects = append(effects, StartServer{}, StartTimer{After: m.timings.Login})
	return StateLogin, effects, nil
}

func (m *Machine) fromLogin(ev Event) (State, []Effect, error) {
	switch ev.Kind {
	case EventMessage:
		return StateDisconnectedSilent, []Effect{
			m.say(m.phrases.Reading),
			StartTimer{After: m.timings.Cooldown},
		}, nil
	case EventBackendRegistered:
		return StateIdle, []Effect{StopTimer{}}, nil
	case EventDone:
		return StateDisconnected, nil, nil
	case EventResponse:
		return StateDisconnected, []Effect{Send{Reply: ev.Reply}}, nil
	case EventStop, EventSilentStop:
		return StateStop, append(m.goodbye(ev.Kind), StopTimer{}), nil
	}
	return StateLogin, nil, &UnexpectedEventError{State: StateLogin, Event: ev.Kind}
}

func (m *Machine) fromDisconnected(ev Event) (State, []Effect, error) {
	switch ev.Kind {
	case EventMessage:
		return StateDisconnectedSilent, []Effect{
			m.say(m.phrases.Swamped),
			StartTimer{After: m.timings.Cooldown},
		}, nil
	case EventBackendRegistered:
		return StateIdle, nil, nil
	case EventResponse:
		return StateDisconnected, []Effect{Send{Reply: ev.Reply}}, nil
	case EventStop, EventSilentStop:
		return StateStop, m.goodbye(ev.Kind), nil
	}
	return StateDisconnected, nil, &UnexpectedEventError{State: StateDisconnected, Event: ev.Kind}
}

func (m *Machine) fromDisconnectedSilent(ev Event) (State, []Effect, error) {
	switch ev.Kind {
	case EventBackendRegistered:
		return StateIdle, []Effect{m.say(m.phrases.Listening), StopTimer{}}, nil
	case EventDone:
		return StateDisconnected, nil, nil
	case EventMessage:
		return StateDisconnectedSilent, nil, nil
	case EventResponse:
		return StateDisconnectedSilent, []Effect{Send{Reply: ev.Reply}}, nil
	case EventStop, EventSilentStop:
		return StateStop, append(m.goodbye(ev.Kind), StopTimer{}), nil
	}
	return StateDisconnectedSilent, nil, &UnexpectedEventError{State: StateDisconnectedSilent, Event: ev.Kind}
}

func (m *Machine) fromIdle(ev Event) (State, []Effect, error) {
	switch ev.Kind {
	case EventDone:
		return StateIdle, []Effect{m.say(m.phrases.Thinking)}, nil
	case EventMessage:
		return StateIdle, []Effect{
			Forward{Text: ev.Text},
			StartTimer{After: m.timings.Thinking},
		}, nil
	case EventResponse:
		return StateIdle, []Effect{Send{Reply: ev.Reply}, StopTimer{}}, nil
	case EventBackendGone:
		return StateDisconnected, []Effect{m.say(m.phrases.GoingAway), StopTimer{}}, nil
	case EventStop, EventSilentStop:
		return StateStop, append(m.goodbye(ev.Kind), StopTimer{}), nil
	}
	return StateIdle, nil, &UnexpectedEventError{State: StateIdle, Event: ev.Kind}
}

func (m *Machine) say(text string) Effect {
	return Send{Reply: Reply{Text: text}}
}

// goodbye returns the farewell effect for a loud stop, nothing for a
// silent one.
func (m *Machine) goodbye(kind EventKind) []Effect {
	if kind == EventSilentStop {
		return nil
	}
	return []Effect{m.say(m.phrases.Goodbye)}
}
