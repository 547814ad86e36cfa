package session

import "time"

// timerSlot holds the session's single cancellable timer. A fired timer
// posts its generation back to the session; a generation that no longer
// matches was cancelled or superseded and is discarded, so a Stop that
// races an expiry still suppresses the done event. Only the session
// goroutine touches a timerSlot.
type timerSlot struct {
	t   *time.Timer
	gen uint64
}

// start arms the timer unless one is already live. It reports whether a
// new timer was armed.
func (ts *timerSlot) start(d time.Duration, fire func(gen uint64)) bool {
	if ts.t != nil {
		return false
	}
	ts.gen++
	gen := ts.gen
	ts.t = time.AfterFunc(d, func() { fire(gen) })
	return true
}

// stop cancels the live timer. It reports whether there was one.
func (ts *timerSlot) stop() bool {
	if ts.t == nil {
		return false
	}
	ts.t.Stop()
	ts.t = nil
	ts.gen++
	return true
}

// consume clears the timer for a fire with the given generation. It
// reports false for stale fires.
func (ts *timerSlot) consume(gen uint64) bool {
	if ts.t == nil || gen != ts.gen {
		return false
	}
	ts.t = nil
	return true
}

func (ts *timerSlot) live() bool { return ts.t != nil }
