package tunnel

import "sync"

// Table is the per-session stream registry. Stream ids are monotonic,
// start at 1 and are never reused while the session lives; id 0 stays
// reserved for session-scoped frames.
type Table struct {
	mu      sync.Mutex
	streams map[uint32]*Stream
	nextID  uint32
}

func NewTable() *Table {
	return &Table{streams: make(map[uint32]*Stream)}
}

// Allocate returns the next stream id for this session.
func (t *Table) Allocate() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	return t.nextID
}

func (t *Table) Add(s *Stream) {
	t.mu.Lock()
	t.streams[s.ID] = s
	t.mu.Unlock()
}

func (t *Table) Get(id uint32) (*Stream, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[id]
	return s, ok
}

// Remove drops the entry and reports whether it existed. The stream itself
// is not closed; callers own that.
func (t *Table) Remove(id uint32) (*Stream, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[id]
	if ok {
		delete(t.streams, id)
	}
	return s, ok
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}

// CloseAll closes every stream and empties the table; used when the session
// dies and its streams must cascade. Returns the number closed.
func (t *Table) CloseAll() int {
	t.mu.Lock()
	streams := make([]*Stream, 0, len(t.streams))
	for id, s := range t.streams {
		streams = append(streams, s)
		delete(t.streams, id)
	}
	t.mu.Unlock()
	for _, s := range streams {
		s.Close()
	}
	return len(streams)
}
