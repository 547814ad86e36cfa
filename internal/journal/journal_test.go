package journal

import (
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "journal_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := testStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for _, r := range [][4]string{
		{"+1", DirectionIn, "message", "hello"},
		{"+1", DirectionOut, "message", "hold on, reading now"},
		{"+2", DirectionIn, "message", "hi"},
		{"+1", DirectionInternal, "transition", "login -[message]-> disconnected-silent"},
	} {
		if err := s.Record(r[0], r[1], r[2], r[3]); err != nil {
			t.Fatalf("Record(%v) error: %v", r, err)
		}
	}

	got, err := s.Recent("+1", 2)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent() returned %d entries, want 2", len(got))
	}
	if got[0].Kind != "transition" || got[1].Body != "hold on, reading now" {
		t.Errorf("Recent() = %+v, want newest first", got)
	}
	if !got[0].CreatedAt.Equal(base.Add(4 * time.Second)) {
		t.Errorf("CreatedAt = %v", got[0].CreatedAt)
	}

	all, err := s.Recent("", 10)
	if err != nil {
		t.Fatalf("Recent(all) error: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("Recent(all) returned %d entries, want 4", len(all))
	}
}

func TestCountByKind(t *testing.T) {
	s := testStore(t)
	s.Record("+1", DirectionIn, "message", "a")
	s.Record("+1", DirectionOut, "message", "b")
	s.Record("+1", DirectionInternal, "fault", "fsm: unexpected event")

	counts, err := s.CountByKind()
	if err != nil {
		t.Fatalf("CountByKind() error: %v", err)
	}
	if counts["message"] != 2 || counts["fault"] != 1 {
		t.Errorf("CountByKind() = %v", counts)
	}
}

func TestPrune(t *testing.T) {
	s := testStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s.now = func() time.Time { return now.Add(-48 * time.Hour) }
	s.Record("+1", DirectionIn, "message", "old")
	s.now = func() time.Time { return now }
	s.Record("+1", DirectionIn, "message", "new")

	n, err := s.Prune(24 * time.Hour)
	if err != nil {
		t.Fatalf("Prune() error: %v", err)
	}
	if n != 1 {
		t.Errorf("Prune() removed %d rows, want 1", n)
	}

	left, _ := s.Recent("", 10)
	if len(left) != 1 || left[0].Body != "new" {
		t.Errorf("remaining entries = %+v", left)
	}
}

func TestRecord_Concurrent(t *testing.T) {
	s := testStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if err := s.Record("+1", DirectionOut, "message", "x"); err != nil {
					t.Errorf("Record() error: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	counts, _ := s.CountByKind()
	if counts["message"] != 80 {
		t.Errorf("message count = %d, want 80", counts["message"])
	}
}

func TestReopenKeepsEntries(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "journal.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	s.Record("+1", DirectionIn, "message", "persisted")
	s.Close()

	s, err = NewStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, _ := s.Recent("+1", 1)
	if len(got) != 1 || got[0].Body != "persisted" {
		t.Errorf("after reopen Recent() = %+v", got)
	}
}
