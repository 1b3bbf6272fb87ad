package world

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"warpline.ai/internal/sim/chunk"
	"warpline.ai/internal/sim/entity"
	"warpline.ai/internal/sim/visibility"
)

type RegionKey struct {
	X int `json:"x"`
	Z int `json:"z"`
}

func (k RegionKey) String() string { return fmt.Sprintf("r.%d.%d", k.X, k.Z) }

// Region owns a square of chunks. Queued tasks and the entities it holds are
// only touched from its own loop (or the caller of Step when not started).
type Region struct {
	key   RegionKey
	id    int64
	world *World
	log   zerolog.Logger

	tick    atomic.Uint64
	panics  atomic.Int64
	tracker *visibility.Tracker

	mu      sync.Mutex
	queue   []func(*Region)
	stopped bool
	running bool
	stopReq chan struct{}
	done    chan struct{}
	once    sync.Once

	entMu    sync.RWMutex
	entities map[uuid.UUID]*entity.Entity
}

func newRegion(w *World, key RegionKey, id int64) *Region {
	return &Region{
		key:      key,
		id:       id,
		world:    w,
		log:      w.log.With().Str("region", key.String()).Logger(),
		tracker:  visibility.NewTracker(w.cfg.ViewDistance, w.sink),
		stopReq:  make(chan struct{}),
		done:     make(chan struct{}),
		entities: map[uuid.UUID]*entity.Entity{},
	}
}

func (r *Region) Key() RegionKey               { return r.key }
func (r *Region) ID() int64                    { return r.id }
func (r *Region) World() *World                { return r.world }
func (r *Region) Tick() uint64                 { return r.tick.Load() }
func (r *Region) Panics() int64                { return r.panics.Load() }
func (r *Region) Tracker() *visibility.Tracker { return r.tracker }
func (r *Region) Owns(p chunk.Pos) bool        { return r.world.KeyOf(p) == r.key }
func (r *Region) OwnsPos(p mgl64.Vec3) bool    { return r.Owns(chunk.FromVec(p)) }

func (r *Region) Enqueue(fn func(*Region)) bool {
	if fn == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.queue = append(r.queue, fn)
	return true
}

func (r *Region) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func (r *Region) QueueDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Run ticks the region at the world tick rate until ctx is done or the region
// is shut down.
func (r *Region) Run(ctx context.Context) {
	r.mu.Lock()
	if r.stopped || r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()
	defer close(r.done)

	interval := time.Second / time.Duration(r.world.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopReq:
			return
		case <-ticker.C:
			r.Step()
		}
	}
}

// Step runs one tick: queued tasks in FIFO order, then ticket aging and
// unloading of chunks nothing keeps resident.
func (r *Region) Step() {
	r.mu.Lock()
	tasks := r.queue
	r.queue = nil
	r.mu.Unlock()

	r.tick.Add(1)
	for _, fn := range tasks {
		r.runTask(fn)
	}
	r.world.Tickets.Age(r.Owns)
	r.unloadIdle()
}

func (r *Region) runTask(fn func(*Region)) {
	defer func() {
		if rec := recover(); rec != nil {
			r.panics.Add(1)
			r.log.Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Uint64("tick", r.Tick()).
				Msg("region task panicked")
		}
	}()
	fn(r)
}

func (r *Region) unloadIdle() {
	occupied := map[chunk.Pos]struct{}{}
	r.entMu.RLock()
	for _, e := range r.entities {
		occupied[chunk.FromVec(e.Pos)] = struct{}{}
	}
	r.entMu.RUnlock()

	tickets := r.world.Tickets
	for _, p := range r.world.Loader.LoadedWhere(r.Owns) {
		if _, ok := occupied[p]; ok {
			continue
		}
		r.world.Loader.UnloadIf(p, tickets.Loaded)
	}
}

// Shutdown stops the loop, drops tasks that never ran, runs the world's
// sweepers on this region and then force-clears the tickets on its chunks.
// Later calls do nothing.
func (r *Region) Shutdown() {
	r.once.Do(func() {
		r.mu.Lock()
		r.stopped = true
		dropped := len(r.queue)
		r.queue = nil
		running := r.running
		r.mu.Unlock()

		if running {
			close(r.stopReq)
			<-r.done
		}
		for _, sweep := range r.world.sweepersSnapshot() {
			r.runTask(func(*Region) { sweep(r) })
		}
		cleared := r.world.Tickets.ForceClear(r.Owns)
		r.log.Info().
			Int("dropped_tasks", dropped).
			Int("cleared_tickets", cleared).
			Msg("region stopped")
	})
}

func (r *Region) markStopped() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
}

func (r *Region) AddEntity(e *entity.Entity) {
	r.entMu.Lock()
	r.entities[e.UUID()] = e
	r.entMu.Unlock()
	e.SetOwner(r)
}

func (r *Region) RemoveEntity(e *entity.Entity) {
	r.entMu.Lock()
	if cur, ok := r.entities[e.UUID()]; ok && cur == e {
		delete(r.entities, e.UUID())
	}
	r.entMu.Unlock()
	if e.Owner() == r {
		e.SetOwner(nil)
	}
}

func (r *Region) Entity(id uuid.UUID) *entity.Entity {
	r.entMu.RLock()
	defer r.entMu.RUnlock()
	return r.entities[id]
}

func (r *Region) Entities() []*entity.Entity {
	r.entMu.RLock()
	defer r.entMu.RUnlock()
	out := make([]*entity.Entity, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, e)
	}
	return out
}

func (r *Region) EntityCount() int {
	r.entMu.RLock()
	defer r.entMu.RUnlock()
	return len(r.entities)
}

// Spawn creates an entity of kind at pos and hands it to this region.
func (r *Region) Spawn(kind *entity.Kind, pos mgl64.Vec3) *entity.Entity {
	e := entity.New(r.world.ids.NextEntityID(), uuid.New(), kind, r.world.cfg.ID, pos)
	r.Adopt(e)
	return e
}

// Adopt makes e owned by this region and visible to nearby observers.
func (r *Region) Adopt(e *entity.Entity) {
	r.AddEntity(e)
	r.tracker.Rebuild(e, r.Entities())
}
