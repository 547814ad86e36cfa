package mqtt

import (
	"sync"
	"time"
)

// DailyTraffic counts relayed messages per direction and resets at
// local midnight. It implements the session recorder interface so it
// can sit next to the journal on the same record path. Safe for
// concurrent use.
type DailyTraffic struct {
	mu       sync.Mutex
	in       int64
	out      int64
	resetDay int // day-of-year of last reset
	loc      *time.Location
	now      func() time.Time
}

// NewDailyTraffic creates a counter using loc for midnight detection.
// A nil loc means [time.Local].
func NewDailyTraffic(loc *time.Location) *DailyTraffic {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTraffic{loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// Record counts inbound and outbound messages and attachments; other
// entries are ignored. It never fails.
func (d *DailyTraffic) Record(_, direction, kind, _ string) error {
	if kind != "message" && kind != "attachment" {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	switch direction {
	case "in":
		d.in++
	case "out":
		d.out++
	}
	return nil
}

// Snapshot returns today's totals.
func (d *DailyTraffic) Snapshot() (in, out int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.in, d.out
}

// maybeReset must be called with d.mu held.
func (d *DailyTraffic) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.in = 0
		d.out = 0
		d.resetDay = today
	}
}
