package backend

import (
	"reflect"
	"testing"
)

func TestStack_LIFO(t *testing.T) {
	var s Stack[string]

	if _, ok := s.Current(); ok {
		t.Fatal("empty stack should have no current entry")
	}

	if wasEmpty := s.Push("b1"); !wasEmpty {
		t.Error("first push should report wasEmpty")
	}
	if wasEmpty := s.Push("b2"); wasEmpty {
		t.Error("second push should not report wasEmpty")
	}

	if cur, _ := s.Current(); cur != "b2" {
		t.Errorf("current = %q, want b2", cur)
	}
	if !s.IsCurrent("b2") || s.IsCurrent("b1") {
		t.Error("IsCurrent should only match the top entry")
	}

	removed, nowEmpty := s.Remove("b2")
	if !removed || nowEmpty {
		t.Errorf("Remove(b2) = %v, %v; want true, false", removed, nowEmpty)
	}
	if cur, _ := s.Current(); cur != "b1" {
		t.Errorf("current after removing b2 = %q, want b1", cur)
	}

	removed, nowEmpty = s.Remove("b1")
	if !removed || !nowEmpty {
		t.Errorf("Remove(b1) = %v, %v; want true, true", removed, nowEmpty)
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}

func TestStack_RemoveFromMiddle(t *testing.T) {
	var s Stack[int]
	s.Push(1)
	s.Push(2)
	s.Push(3)

	if removed, nowEmpty := s.Remove(2); !removed || nowEmpty {
		t.Errorf("Remove(2) = %v, %v", removed, nowEmpty)
	}
	if got := s.Entries(); !reflect.DeepEqual(got, []int{3, 1}) {
		t.Errorf("Entries() = %v, want [3 1]", got)
	}
}

func TestStack_RemoveUnknown(t *testing.T) {
	var s Stack[int]
	if removed, nowEmpty := s.Remove(7); removed || nowEmpty {
		t.Errorf("Remove on empty = %v, %v; want false, false", removed, nowEmpty)
	}

	s.Push(1)
	if removed, nowEmpty := s.Remove(7); removed || nowEmpty {
		t.Errorf("Remove unknown = %v, %v; want false, false", removed, nowEmpty)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestStack_RepushMovesToTop(t *testing.T) {
	var s Stack[int]
	s.Push(1)
	s.Push(2)

	if wasEmpty := s.Push(1); wasEmpty {
		t.Error("re-push should not report wasEmpty")
	}
	if got := s.Entries(); !reflect.DeepEqual(got, []int{1, 2}) {
		t.Errorf("Entries() = %v, want [1 2]", got)
	}
}
