package pool

import "time"

type entry struct {
	session    *Session
	busy       bool
	lastUsedAt time.Time
}

// registry maps session ids to their bookkeeping. It does no locking; every
// method must be called with the pool mutex held.
type registry struct {
	entries map[string]*entry
	// pending counts slots reserved by in-flight session creations.
	pending int
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*entry)}
}

func (r *registry) len() int {
	return len(r.entries)
}

// reserve claims a creation slot when entries plus pending creations stay under limit.
func (r *registry) reserve(limit int) bool {
	if len(r.entries)+r.pending >= limit {
		return false
	}
	r.pending++
	return true
}

func (r *registry) unreserve() {
	if r.pending > 0 {
		r.pending--
	}
}

func (r *registry) add(s *Session, busy bool, now time.Time) {
	r.entries[s.ID] = &entry{session: s, busy: busy, lastUsedAt: now}
}

func (r *registry) get(id string) (*entry, bool) {
	e, ok := r.entries[id]
	return e, ok
}

func (r *registry) remove(id string) (*entry, bool) {
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	return e, ok
}

// claimIdle marks the most recently used idle session busy and returns it.
// Preferring warm sessions lets cold ones age out through the reaper.
func (r *registry) claimIdle() *Session {
	var best *entry
	for _, e := range r.entries {
		if e.busy {
			continue
		}
		if best == nil || e.lastUsedAt.After(best.lastUsedAt) {
			best = e
		}
	}
	if best == nil {
		return nil
	}
	best.busy = true
	return best.session
}

func (r *registry) markIdle(id string, now time.Time) bool {
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	e.busy = false
	e.lastUsedAt = now
	return true
}

// expire removes idle sessions unused for longer than timeout and returns them.
func (r *registry) expire(now time.Time, timeout time.Duration) []*Session {
	var expired []*Session
	for id, e := range r.entries {
		if e.busy || now.Sub(e.lastUsedAt) <= timeout {
			continue
		}
		expired = append(expired, e.session)
		delete(r.entries, id)
	}
	return expired
}

// drain removes every session, busy or idle.
func (r *registry) drain() []*Session {
	sessions := make([]*Session, 0, len(r.entries))
	for id, e := range r.entries {
		sessions = append(sessions, e.session)
		delete(r.entries, id)
	}
	return sessions
}

func (r *registry) counts() (total, busy, idle int) {
	for _, e := range r.entries {
		if e.busy {
			busy++
		} else {
			idle++
		}
	}
	return len(r.entries), busy, idle
}
