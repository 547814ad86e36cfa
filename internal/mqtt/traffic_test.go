package mqtt

import (
	"sync"
	"testing"
	"time"
)

func TestDailyTraffic_Record(t *testing.T) {
	d := NewDailyTraffic(time.UTC)
	d.Record("+1", "in", "message", "a")
	d.Record("+1", "out", "message", "b")
	d.Record("+1", "out", "attachment", "/tmp/x.png")
	d.Record("+1", "internal", "transition", "login -[done]-> disconnected")
	d.Record("+1", "in", "rejected", "spam")

	in, out := d.Snapshot()
	if in != 1 || out != 2 {
		t.Errorf("Snapshot() = %d, %d; want 1, 2", in, out)
	}
}

func TestDailyTraffic_Concurrent(t *testing.T) {
	d := NewDailyTraffic(time.UTC)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				d.Record("+1", "in", "message", "x")
			}
		}()
	}
	wg.Wait()

	if in, _ := d.Snapshot(); in != 100 {
		t.Errorf("in = %d, want 100", in)
	}
}

func TestDailyTraffic_MidnightReset(t *testing.T) {
	d := NewDailyTraffic(time.UTC)
	now := time.Date(2026, 5, 1, 23, 59, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	d.resetDay = now.YearDay()

	d.Record("+1", "in", "message", "late night")
	now = now.Add(2 * time.Minute)

	if in, out := d.Snapshot(); in != 0 || out != 0 {
		t.Errorf("after midnight Snapshot() = %d, %d; want 0, 0", in, out)
	}
}

func TestDailyTraffic_NilLocation(t *testing.T) {
	d := NewDailyTraffic(nil)
	if d.loc != time.Local {
		t.Error("nil location should default to time.Local")
	}
}
