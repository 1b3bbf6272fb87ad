// Package visibility keeps, per region, which observers currently see which
// entities and reports changes to a Sink.
package visibility

import (
	"sync"

	"github.com/google/uuid"

	"warpline.ai/internal/sim/entity"
)

type EventType string

const (
	EventSpawn   EventType = "spawn"
	EventDespawn EventType = "despawn"
)

type Event struct {
	Type     EventType   `json:"type"`
	Observer string      `json:"observer"`
	Entity   entity.View `json:"entity"`
}

type Sink interface {
	Visibility(ev Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Visibility(ev Event) { f(ev) }

type nop struct{}

func (nop) Visibility(Event) {}

// Nop discards events.
var Nop Sink = nop{}

// Tracker is owned by one region. The mutex only guards readers outside the
// region goroutine (metrics, feeds).
type Tracker struct {
	viewDist float64
	sink     Sink

	mu   sync.Mutex
	seen map[uuid.UUID]map[uuid.UUID]entity.View
}

func NewTracker(viewDist float64, sink Sink) *Tracker {
	if sink == nil {
		sink = Nop
	}
	return &Tracker{viewDist: viewDist, sink: sink, seen: map[uuid.UUID]map[uuid.UUID]entity.View{}}
}

// Clear removes e from every observer's view, and empties e's own view when
// it is an observer.
func (t *Tracker) Clear(e *entity.Entity) {
	var events []Event
	t.mu.Lock()
	id := e.UUID()
	for obs, set := range t.seen {
		if v, ok := set[id]; ok && obs != id {
			delete(set, id)
			events = append(events, Event{Type: EventDespawn, Observer: obs.String(), Entity: v})
		}
	}
	if own, ok := t.seen[id]; ok {
		for _, v := range own {
			events = append(events, Event{Type: EventDespawn, Observer: id.String(), Entity: v})
		}
		delete(t.seen, id)
	}
	t.mu.Unlock()
	t.emit(events)
}

// Rebuild makes e visible to the observers among candidates within view
// distance, and, when e is an observer, lets it see those candidates.
func (t *Tracker) Rebuild(e *entity.Entity, candidates []*entity.Entity) {
	var events []Event
	t.mu.Lock()
	id := e.UUID()
	isObserver := e.Kind().Has(entity.CapObserver)
	distSq := t.viewDist * t.viewDist
	for _, c := range candidates {
		if c == nil || c == e || c.Removed() {
			continue
		}
		if c.Pos.Sub(e.Pos).LenSqr() > distSq {
			continue
		}
		if c.Kind().Has(entity.CapObserver) {
			if t.addLocked(c.UUID(), e) {
				events = append(events, Event{Type: EventSpawn, Observer: c.UUID().String(), Entity: e.View()})
			}
		}
		if isObserver {
			if t.addLocked(id, c) {
				events = append(events, Event{Type: EventSpawn, Observer: id.String(), Entity: c.View()})
			}
		}
	}
	t.mu.Unlock()
	t.emit(events)
}

func (t *Tracker) Sees(observer, target uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.seen[observer][target]
	return ok
}

// Pairs is the number of (observer, target) pairs currently visible.
func (t *Tracker) Pairs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, set := range t.seen {
		n += len(set)
	}
	return n
}

func (t *Tracker) addLocked(obs uuid.UUID, target *entity.Entity) bool {
	set := t.seen[obs]
	if set == nil {
		set = map[uuid.UUID]entity.View{}
		t.seen[obs] = set
	}
	_, had := set[target.UUID()]
	set[target.UUID()] = target.View()
	return !had
}

func (t *Tracker) emit(events []Event) {
	for _, ev := range events {
		t.sink.Visibility(ev)
	}
}
