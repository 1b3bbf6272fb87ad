// Package world hosts the spatial partitioning of one world: its regions,
// each with its own task queue and tick loop, plus the per-world shared
// services (chunk loader, tickets, pending transfers, portal index).
package world

import (
	"context"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"warpline.ai/internal/sim/chunk"
	"warpline.ai/internal/sim/entity"
	"warpline.ai/internal/sim/ids"
	"warpline.ai/internal/sim/mathx"
	"warpline.ai/internal/sim/pending"
	"warpline.ai/internal/sim/poi"
	"warpline.ai/internal/sim/ticket"
	"warpline.ai/internal/sim/visibility"
)

const loaderHolder = "loader"

// Sweeper runs on a region while it shuts down, after its task loop stopped
// and before its tickets are force-cleared.
type Sweeper func(r *Region)

type Options struct {
	IDs    *ids.Generator
	Kinds  *entity.Kinds
	Sink   visibility.Sink
	Logger zerolog.Logger

	LoaderBudget   int
	LoaderInterval time.Duration
}

type World struct {
	cfg   Config
	log   zerolog.Logger
	ids   *ids.Generator
	kinds *entity.Kinds
	sink  visibility.Sink

	Tickets *ticket.Store
	Pending *pending.Registry
	POI     *poi.Index
	Loader  *chunk.Loader

	loaderBudget   int
	loaderInterval time.Duration

	mu       sync.Mutex
	regions  map[RegionKey]*Region
	sweepers []Sweeper
	ctx      context.Context
	cancel   context.CancelFunc
	stopped  bool
	wg       sync.WaitGroup
}

func New(cfg Config, opts Options) (*World, error) {
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if opts.IDs == nil {
		opts.IDs = ids.NewGenerator()
	}
	if opts.Kinds == nil {
		opts.Kinds = entity.DefaultKinds()
	}
	if opts.Sink == nil {
		opts.Sink = visibility.Nop
	}
	if opts.LoaderBudget <= 0 {
		opts.LoaderBudget = 64
	}
	w := &World{
		cfg:            cfg,
		log:            opts.Logger.With().Str("world", cfg.ID).Logger(),
		ids:            opts.IDs,
		kinds:          opts.Kinds,
		sink:           opts.Sink,
		Tickets:        ticket.NewStore(),
		Pending:        pending.NewRegistry(),
		POI:            poi.NewIndex(),
		loaderBudget:   opts.LoaderBudget,
		loaderInterval: opts.LoaderInterval,
		regions:        map[RegionKey]*Region{},
	}
	w.Loader = chunk.NewLoader(cfg.Terrain, func(p chunk.Pos) {
		w.Tickets.Add(ticket.Ticket{Kind: ticket.KindLoad, Pos: p, Level: ticket.LevelLoaded, Holder: loaderHolder})
	})
	return w, nil
}

func (w *World) ID() string             { return w.cfg.ID }
func (w *World) Config() Config         { return w.cfg }
func (w *World) IDs() *ids.Generator    { return w.ids }
func (w *World) Kinds() *entity.Kinds   { return w.kinds }
func (w *World) Logger() zerolog.Logger { return w.log }
func (w *World) Sink() visibility.Sink  { return w.sink }
func (w *World) LoaderBudget() int      { return w.loaderBudget }

// AddSweeper registers fn to run on every region that shuts down.
func (w *World) AddSweeper(fn Sweeper) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.sweepers = append(w.sweepers, fn)
	w.mu.Unlock()
}

func (w *World) InBounds(p mgl64.Vec3) bool {
	r := float64(w.cfg.BoundaryR)
	if p.X() < -r || p.X() > r || p.Z() < -r || p.Z() > r {
		return false
	}
	return p.Y() >= float64(w.cfg.MinY) && p.Y() <= float64(w.cfg.MaxY)
}

// Clamp pulls p inside the horizontal bounds and the vertical range, keeping
// a one-block margin from the border.
func (w *World) Clamp(p mgl64.Vec3) mgl64.Vec3 {
	r := float64(w.cfg.BoundaryR - 1)
	return mgl64.Vec3{
		mathx.ClampFloat(p.X(), -r, r),
		mathx.ClampFloat(p.Y(), float64(w.cfg.MinY), float64(w.cfg.MaxY)),
		mathx.ClampFloat(p.Z(), -r, r),
	}
}

// SurfaceY is the Y an entity stands on at the column; the chunk must be
// loaded at full detail.
func (w *World) SurfaceY(x, z int) (int, bool) {
	h, ok := w.Loader.HeightAt(x, z)
	if !ok {
		return 0, false
	}
	return h + 1, true
}

func (w *World) KeyOf(p chunk.Pos) RegionKey {
	n := w.cfg.RegionChunks
	return RegionKey{X: mathx.FloorDiv(p.X, n), Z: mathx.FloorDiv(p.Z, n)}
}

func (w *World) SameRegion(a, b chunk.Pos) bool { return w.KeyOf(a) == w.KeyOf(b) }

// RegionAt returns the region owning p, creating it on first use. Regions
// created after Start begin ticking immediately; those created after
// Shutdown start stopped.
func (w *World) RegionAt(p chunk.Pos) *Region {
	key := w.KeyOf(p)
	w.mu.Lock()
	defer w.mu.Unlock()
	if r, ok := w.regions[key]; ok {
		return r
	}
	r := newRegion(w, key, w.ids.NextRegionID())
	w.regions[key] = r
	switch {
	case w.stopped:
		r.markStopped()
	case w.ctx != nil:
		w.startRegionLocked(r)
	}
	return r
}

func (w *World) RegionOf(p mgl64.Vec3) *Region { return w.RegionAt(chunk.FromVec(p)) }

// Enqueue schedules fn on the region owning p. It returns false when that
// region no longer accepts tasks.
func (w *World) Enqueue(p chunk.Pos, fn func(*Region)) bool {
	return w.RegionAt(p).Enqueue(fn)
}

func (w *World) Regions() []*Region {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*Region, 0, len(w.regions))
	for _, r := range w.regions {
		out = append(out, r)
	}
	return out
}

// FindEntity scans every region for a live entity with the UUID.
func (w *World) FindEntity(id uuid.UUID) (*entity.Entity, *Region) {
	for _, r := range w.Regions() {
		if e := r.Entity(id); e != nil {
			return e, r
		}
	}
	return nil, nil
}

// Start runs the chunk loader and every region loop until ctx is cancelled
// or Shutdown is called.
func (w *World) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx != nil || w.stopped {
		return
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		_ = w.Loader.Run(w.ctx, w.loaderInterval, w.loaderBudget)
	}()
	for _, r := range w.regions {
		w.startRegionLocked(r)
	}
}

func (w *World) startRegionLocked(r *Region) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		r.Run(w.ctx)
	}()
}

// StepAll advances the loader by one budget and every region by one tick on
// the calling goroutine. Intended for tests and replays of a world that was
// never started.
func (w *World) StepAll() {
	w.Loader.Process(w.loaderBudget)
	for _, r := range w.Regions() {
		r.Step()
	}
}

// Shutdown stops every region, running sweepers on each. Safe to call more
// than once.
func (w *World) Shutdown() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	regions := make([]*Region, 0, len(w.regions))
	for _, r := range w.regions {
		regions = append(regions, r)
	}
	w.mu.Unlock()

	for _, r := range regions {
		r.Shutdown()
	}
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *World) sweepersSnapshot() []Sweeper {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Sweeper(nil), w.sweepers...)
}

type Stats struct {
	ID             string                      `json:"id"`
	Regions        int                         `json:"regions"`
	Entities       int                         `json:"entities"`
	PendingTickets map[string]ticket.KindStats `json:"tickets"`
	Pending        int                         `json:"pending_transfers"`
	Portals        int                         `json:"portals"`
	Loader         chunk.LoaderStats           `json:"loader"`
	RegionTicks    map[string]uint64           `json:"region_ticks,omitempty"`
}

func (w *World) Stats() Stats {
	s := Stats{
		ID:             w.cfg.ID,
		PendingTickets: map[string]ticket.KindStats{},
		Pending:        w.Pending.Len(),
		Portals:        w.POI.Len(),
		Loader:         w.Loader.Stats(),
		RegionTicks:    map[string]uint64{},
	}
	for k, st := range w.Tickets.Stats() {
		s.PendingTickets[k.String()] = st
	}
	for _, r := range w.Regions() {
		s.Regions++
		s.Entities += r.EntityCount()
		s.RegionTicks[r.Key().String()] = r.Tick()
	}
	return s
}
