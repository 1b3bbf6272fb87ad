// Package pending tracks relocations that have left their origin region but
// have not yet been placed. Each entry is removed exactly once, either by the
// placement task or by a shutdown sweep of the destination region.
package pending

import (
	"errors"
	"sort"
	"sync"

	"github.com/go-gl/mathgl/mgl64"

	"warpline.ai/internal/sim/chunk"
	"warpline.ai/internal/sim/ownership"
	"warpline.ai/internal/sim/ticket"
)

var ErrDuplicate = errors.New("transfer already registered")

type Transfer struct {
	ID string
	// Dest is the provisional destination chunk; the sweep of the region that
	// owns it is responsible for the entry.
	Dest      chunk.Pos
	DestWorld string

	OriginWorld string
	OriginPos   mgl64.Vec3
	OriginYaw   float64
	OriginPitch float64

	Graph *ownership.Graph
	Hold  ticket.Ticket

	// OnRevert fires after a sweep has put the graph back at its origin.
	OnRevert func()

	seq uint64
}

type Registry struct {
	mu   sync.Mutex
	byID map[string]*Transfer
	seq  uint64
}

func NewRegistry() *Registry {
	return &Registry{byID: map[string]*Transfer{}}
}

func (r *Registry) Register(t *Transfer) error {
	if t == nil || t.ID == "" {
		return errors.New("transfer id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[t.ID]; ok {
		return ErrDuplicate
	}
	r.seq++
	t.seq = r.seq
	r.byID[t.ID] = t
	return nil
}

// RemoveIfPresent removes t only if this exact entry is still registered.
// Exactly one of the placement task and a sweep observes true.
func (r *Registry) RemoveIfPresent(t *Transfer) bool {
	if t == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byID[t.ID]
	if !ok || cur != t {
		return false
	}
	delete(r.byID, t.ID)
	return true
}

// Rekey moves a registered entry to a new destination chunk, so the sweep of
// the region that will actually run the placement owns it. It returns false
// when the entry is no longer registered.
func (r *Registry) Rekey(t *Transfer, dest chunk.Pos) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byID[t.ID]
	if !ok || cur != t {
		return false
	}
	t.Dest = dest
	return true
}

// DrainWithin removes and returns every entry whose destination chunk owns
// accepts, in registration order.
func (r *Registry) DrainWithin(owns func(chunk.Pos) bool) []*Transfer {
	r.mu.Lock()
	var out []*Transfer
	for id, t := range r.byID {
		if owns == nil || owns(t.Dest) {
			out = append(out, t)
			delete(r.byID, id)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
