// Package ticket keeps chunks resident on behalf of holders. A chunk with any
// ticket at LevelLoaded or above is never unloaded.
package ticket

import (
	"sync"

	"warpline.ai/internal/sim/chunk"
)

type Kind uint8

const (
	KindTeleportHold Kind = iota + 1
	KindPortalDoubleCheck
	KindLoad
)

func (k Kind) String() string {
	switch k {
	case KindTeleportHold:
		return "teleport_hold"
	case KindPortalDoubleCheck:
		return "portal_double_check"
	case KindLoad:
		return "load"
	default:
		return "unknown"
	}
}

// Lifetime is the number of owning-region steps a ticket survives without
// being re-added. Zero means until removed.
func (k Kind) Lifetime() int {
	switch k {
	case KindLoad:
		return 3
	case KindPortalDoubleCheck:
		return 300
	default:
		return 0
	}
}

type Level uint8

const (
	LevelNone Level = iota
	LevelLoaded
	LevelTicking
	LevelMax
)

type Ticket struct {
	Kind   Kind
	Pos    chunk.Pos
	Level  Level
	Holder string
}

type KindStats struct {
	Added        int64 `json:"added"`
	Removed      int64 `json:"removed"`
	Expired      int64 `json:"expired"`
	ForceCleared int64 `json:"force_cleared"`
	Outstanding  int   `json:"outstanding"`
}

type entry struct {
	remaining int
}

type Store struct {
	mu      sync.Mutex
	tickets map[Ticket]*entry
	byChunk map[chunk.Pos]map[Ticket]struct{}
	stats   map[Kind]*KindStats
}

func NewStore() *Store {
	return &Store{
		tickets: map[Ticket]*entry{},
		byChunk: map[chunk.Pos]map[Ticket]struct{}{},
		stats:   map[Kind]*KindStats{},
	}
}

// Add inserts t, or refreshes its lifetime when already present. It reports
// whether t was newly added.
func (s *Store) Add(t Ticket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.tickets[t]; ok {
		e.remaining = t.Kind.Lifetime()
		return false
	}
	s.tickets[t] = &entry{remaining: t.Kind.Lifetime()}
	set := s.byChunk[t.Pos]
	if set == nil {
		set = map[Ticket]struct{}{}
		s.byChunk[t.Pos] = set
	}
	set[t] = struct{}{}
	s.kindLocked(t.Kind).Added++
	return true
}

// Remove is idempotent; removing an absent ticket (already expired or
// force-cleared) is a no-op that returns false.
func (s *Store) Remove(t Ticket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.deleteLocked(t) {
		return false
	}
	s.kindLocked(t.Kind).Removed++
	return true
}

func (s *Store) Has(t Ticket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tickets[t]
	return ok
}

// Level is the highest level held on pos.
func (s *Store) Level(pos chunk.Pos) Level {
	s.mu.Lock()
	defer s.mu.Unlock()
	lvl := LevelNone
	for t := range s.byChunk[pos] {
		if t.Level > lvl {
			lvl = t.Level
		}
	}
	return lvl
}

func (s *Store) Loaded(pos chunk.Pos) bool { return s.Level(pos) >= LevelLoaded }

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tickets)
}

// Age counts one step down for every lifetime ticket on a chunk owns accepts,
// dropping those that run out. It returns the number expired.
func (s *Store) Age(owns func(chunk.Pos) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	expired := 0
	for t, e := range s.tickets {
		if e.remaining <= 0 || (owns != nil && !owns(t.Pos)) {
			continue
		}
		e.remaining--
		if e.remaining == 0 {
			s.deleteLocked(t)
			s.kindLocked(t.Kind).Expired++
			expired++
		}
	}
	return expired
}

// ForceClear removes every ticket on chunks owns accepts. Later Remove calls
// for those tickets are no-ops.
func (s *Store) ForceClear(owns func(chunk.Pos) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for t := range s.tickets {
		if owns != nil && !owns(t.Pos) {
			continue
		}
		s.deleteLocked(t)
		s.kindLocked(t.Kind).ForceCleared++
		n++
	}
	return n
}

func (s *Store) Stats() map[Kind]KindStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Kind]KindStats, len(s.stats))
	for k, st := range s.stats {
		out[k] = *st
	}
	for t := range s.tickets {
		st := out[t.Kind]
		st.Outstanding++
		out[t.Kind] = st
	}
	return out
}

func (s *Store) kindLocked(k Kind) *KindStats {
	st := s.stats[k]
	if st == nil {
		st = &KindStats{}
		s.stats[k] = st
	}
	return st
}

func (s *Store) deleteLocked(t Ticket) bool {
	if _, ok := s.tickets[t]; !ok {
		return false
	}
	delete(s.tickets, t)
	if set := s.byChunk[t.Pos]; set != nil {
		delete(set, t)
		if len(set) == 0 {
			delete(s.byChunk, t.Pos)
		}
	}
	return true
}
