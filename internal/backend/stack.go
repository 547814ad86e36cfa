package backend

// Stack is the ordered set of registered backends, most recent
// registration on top. The zero value is an empty stack. It is not safe
// for concurrent use; the owning session serializes access.
type Stack[T comparable] struct {
	entries []T // bottom first; top is entries[len-1]
}

// Push places v on top of the stack. A value that is already present is
// moved to the top. wasEmpty reports whether the stack had no entries
// before the call, which is the only case that should announce a newly
// available backend.
func (s *Stack[T]) Push(v T) (wasEmpty bool) {
	wasEmpty = len(s.entries) == 0
	if i := s.index(v); i >= 0 {
		s.entries = append(s.entries[:i], s.entries[i+1:]...)
	}
	s.entries = append(s.entries, v)
	return wasEmpty
}

// Remove deletes v wherever it sits. removed is false if v was never
// pushed; nowEmpty is true only when this call removed the last entry.
func (s *Stack[T]) Remove(v T) (removed, nowEmpty bool) {
	i := s.index(v)
	if i < 0 {
		return false, false
	}
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	return true, len(s.entries) == 0
}

// Current returns the top entry. ok is false for an empty stack.
func (s *Stack[T]) Current() (v T, ok bool) {
	if len(s.entries) == 0 {
		return v, false
	}
	return s.entries[len(s.entries)-1], true
}

// IsCurrent reports whether v is the top entry.
func (s *Stack[T]) IsCurrent(v T) bool {
	n := len(s.entries)
	return n > 0 && s.entries[n-1] == v
}

// Len returns the number of registered entries.
func (s *Stack[T]) Len() int { return len(s.entries) }

// Entries returns a copy of the stack, top first.
func (s *Stack[T]) Entries() []T {
	out := make([]T, len(s.entries))
	for i, v := range s.entries {
		out[len(s.entries)-1-i] = v
	}
	return out
}

func (s *Stack[T]) index(v T) int {
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i] == v {
			return i
		}
	}
	return -1
}
