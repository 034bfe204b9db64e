package updates

import "sync"

// SyncState is the shared mutable synchronization cursor for one update
// scope. It is mutated by the normalizer on every accepted update and
// overwritten by the reconciler, possibly from concurrent goroutines, so
// all access goes through the mutex.
type SyncState struct {
	mu  sync.Mutex
	cur State
}

// NewSyncState returns a SyncState seeded from a persisted cursor.
func NewSyncState(st State) *SyncState {
	return &SyncState{cur: st}
}

// Load returns a snapshot of the cursor.
func (s *SyncState) Load() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cur
}

// Store overwrites the cursor, e.g. when the reconciler adopts a new
// authoritative state from the server.
func (s *SyncState) Store(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cur = st
}

// Advance applies a leaf update's cursor fields and reports whether a
// pts gap was detected. A gap is a jump of more than 1 over a non-zero
// previous pts; the new pts is adopted unconditionally either way, and
// date/qts/seq are taken whenever the update carries them.
func (s *SyncState) Advance(u *Update) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	gap := false
	if u.Pts > 0 {
		if s.cur.Pts > 0 && u.Pts-s.cur.Pts > 1 {
			gap = true
		}
		s.cur.Pts = u.Pts
	}
	if u.Qts > 0 {
		s.cur.Qts = u.Qts
	}
	if u.Date > 0 {
		s.cur.Date = u.Date
	}
	if u.Seq > 0 {
		s.cur.Seq = u.Seq
	}

	return gap
}

// Observe applies the trailing date/seq carried by a batch envelope.
// Zero values are ignored.
func (s *SyncState) Observe(date, seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if date > 0 {
		s.cur.Date = date
	}
	if seq > 0 {
		s.cur.Seq = seq
	}
}
