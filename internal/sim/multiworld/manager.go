package multiworld

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"warpline.ai/internal/protocol"
	"warpline.ai/internal/sim/chunk"
	"warpline.ai/internal/sim/entity"
	"warpline.ai/internal/sim/ids"
	"warpline.ai/internal/sim/poi"
	"warpline.ai/internal/sim/portal"
	"warpline.ai/internal/sim/relocate"
	"warpline.ai/internal/sim/visibility"
	"warpline.ai/internal/sim/world"
)

type Runtime struct {
	Spec  WorldSpec
	World *world.World
}

const (
	stateVersion = 1
	// A task that found its entity gone retries against the world it moved to.
	maxAttempts = 3
)

type persistedState struct {
	Version       int                    `json:"version"`
	LastEntityID  int64                  `json:"last_entity_id,omitempty"`
	EntityToWorld map[string]string      `json:"entity_to_world"`
	RouteMetrics  []persistedRouteMetric `json:"route_metrics,omitempty"`
}

type persistedRouteMetric struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Result string `json:"result"`
	Count  uint64 `json:"count"`
}

type Options struct {
	StateFile string
	IDs       *ids.Generator
	Kinds     *entity.Kinds
	Sink      visibility.Sink
	Hook      relocate.Hook
	Recorder  relocate.Recorder
	Logger    zerolog.Logger
}

// Manager owns every configured world and the coordinator that moves entities
// between them. It tracks which world each entity lives in and counts
// outcomes per route.
type Manager struct {
	mu sync.RWMutex

	runtimes  map[string]*Runtime
	entries   map[string]map[string]EntryPointSpec
	routes    map[string]PortalRouteSpec
	manifest  []protocol.WorldRef
	defaultID string
	stateFile string
	timeout   time.Duration
	ids       *ids.Generator
	coord     *relocate.Coordinator
	log       zerolog.Logger

	entityToWorld map[string]string
	routeTotals   map[routeMetricKey]uint64

	persistDebounce time.Duration
	persistCh       chan struct{}
	persistFlush    chan chan struct{}
	persistStop     chan struct{}
	persistWG       sync.WaitGroup
	closeOnce       sync.Once
}

type routeMetricKey struct {
	From   string
	To     string
	Result string
}

type RouteMetric struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Result string `json:"result"`
	Count  uint64 `json:"count"`
}

func NewManager(cfg Config, opts Options) (*Manager, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.IDs == nil {
		opts.IDs = ids.NewGenerator()
	}
	if opts.Kinds == nil {
		opts.Kinds = entity.DefaultKinds()
	}
	m := &Manager{
		runtimes:        map[string]*Runtime{},
		entries:         map[string]map[string]EntryPointSpec{},
		routes:          map[string]PortalRouteSpec{},
		manifest:        cfg.Manifest(),
		defaultID:       cfg.DefaultWorldID,
		stateFile:       opts.StateFile,
		timeout:         cfg.RequestTimeout(),
		log:             opts.Logger,
		entityToWorld:   map[string]string{},
		routeTotals:     map[routeMetricKey]uint64{},
		persistDebounce: 200 * time.Millisecond,
		persistCh:       make(chan struct{}, 1),
		persistFlush:    make(chan chan struct{}, 8),
		persistStop:     make(chan struct{}),
	}
	// Entity ids must not repeat across restarts of the same state file.
	if last := m.loadState(); last > 0 && opts.IDs.LastEntityID() < last {
		opts.IDs = ids.NewSeededGenerator(last, 0)
	}
	m.ids = opts.IDs
	m.coord = relocate.New(relocate.Options{
		IDs:      opts.IDs,
		Hook:     opts.Hook,
		Recorder: opts.Recorder,
		Logger:   opts.Logger,
	})
	for _, spec := range cfg.Worlds {
		w, err := world.New(cfg.WorldConfig(spec, ""), world.Options{
			IDs:            opts.IDs,
			Kinds:          opts.Kinds,
			Sink:           opts.Sink,
			Logger:         opts.Logger,
			LoaderBudget:   cfg.Runtime.LoaderBudget,
			LoaderInterval: time.Duration(cfg.Runtime.LoaderIntervalMs) * time.Millisecond,
		})
		if err != nil {
			return nil, err
		}
		m.coord.AddWorld(w)
		m.runtimes[spec.ID] = &Runtime{Spec: spec, World: w}
		byID := map[string]EntryPointSpec{}
		for _, ep := range spec.EntryPoints {
			byID[ep.ID] = ep
		}
		m.entries[spec.ID] = byID
	}
	for _, r := range cfg.PortalRoutes {
		m.routes[routeKey(r.FromWorld, r.ToWorld)] = r
	}
	m.persistWG.Add(1)
	go m.persistLoop()
	return m, nil
}

func routeKey(from, to string) string {
	return from + "->" + to
}

// Start runs every world's loader and region loops until Close.
func (m *Manager) Start(ctx context.Context) {
	for _, id := range m.WorldIDs() {
		m.runtime(id).World.Start(ctx)
	}
}

func (m *Manager) WorldIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.runtimes))
	for id := range m.runtimes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) Runtime(id string) *Runtime {
	return m.runtime(id)
}

func (m *Manager) Coordinator() *relocate.Coordinator { return m.coord }

func (m *Manager) DefaultWorldID() string { return m.defaultID }

func (m *Manager) Manifest() []protocol.WorldRef {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]protocol.WorldRef, len(m.manifest))
	copy(out, m.manifest)
	return out
}

// EntityWorld returns the world the entity was last seen in, or "".
func (m *Manager) EntityWorld(id uuid.UUID) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entityToWorld[id.String()]
}

// Spawn loads the chunk at pos and creates an entity there. An empty worldID
// means the default world.
func (m *Manager) Spawn(ctx context.Context, worldID, kind string, pos mgl64.Vec3) (uuid.UUID, error) {
	if strings.TrimSpace(worldID) == "" {
		worldID = m.defaultID
	}
	rt := m.runtime(worldID)
	if rt == nil {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrWorldNotFound, worldID)
	}
	k, ok := rt.World.Kinds().Lookup(kind)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if !rt.World.InBounds(pos) {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrOutOfBounds, pos)
	}
	if rt.World.RegionOf(pos).Stopped() {
		return uuid.Nil, fmt.Errorf("%w: %s is shutting down", ErrWorldBusy, worldID)
	}
	reqCtx, cancel := m.requestCtx(ctx)
	defer cancel()

	loaded := make(chan struct{})
	rt.World.Loader.LoadFull(chunk.FromVec(pos), 0, chunk.PriorityHigh).AddWaiter(func(chunk.Set) { close(loaded) })
	select {
	case <-loaded:
	case <-reqCtx.Done():
		return uuid.Nil, fmt.Errorf("%w: %v", ErrWorldBusy, reqCtx.Err())
	}

	spawned := make(chan uuid.UUID, 1)
	if !rt.World.Enqueue(chunk.FromVec(pos), func(r *world.Region) {
		spawned <- r.Spawn(k, pos).UUID()
	}) {
		return uuid.Nil, fmt.Errorf("%w: %s is shutting down", ErrWorldBusy, worldID)
	}
	select {
	case id := <-spawned:
		m.updateResidency(worldID, id)
		return id, nil
	case <-reqCtx.Done():
		return uuid.Nil, fmt.Errorf("%w: %v", ErrWorldBusy, reqCtx.Err())
	}
}

// Mount seats rider on vehicle. Both must be in the same region.
func (m *Manager) Mount(ctx context.Context, rider, vehicle uuid.UUID) error {
	worldID := m.EntityWorld(vehicle)
	if worldID == "" {
		return fmt.Errorf("%w: %s", ErrEntityNotFound, vehicle)
	}
	rt := m.runtime(worldID)
	if rt == nil {
		return fmt.Errorf("%w: %s", ErrWorldNotFound, worldID)
	}
	_, region := rt.World.FindEntity(vehicle)
	if region == nil {
		return fmt.Errorf("%w: %s", ErrEntityNotFound, vehicle)
	}
	reqCtx, cancel := m.requestCtx(ctx)
	defer cancel()
	done := make(chan error, 1)
	if !region.Enqueue(func(r *world.Region) {
		v, p := r.Entity(vehicle), r.Entity(rider)
		if v == nil || p == nil {
			done <- fmt.Errorf("%w: rider and vehicle must share region %s", relocate.ErrRejected, r.Key())
			return
		}
		if err := p.StartRiding(v); err != nil {
			done <- fmt.Errorf("%w: %v", relocate.ErrRejected, err)
			return
		}
		done <- nil
	}) {
		return fmt.Errorf("%w: region %s stopped", ErrWorldBusy, region.Key())
	}
	select {
	case err := <-done:
		return err
	case <-reqCtx.Done():
		return fmt.Errorf("%w: %v", ErrWorldBusy, reqCtx.Err())
	}
}

type TeleportRequest struct {
	Entity uuid.UUID
	// World is the destination world; empty keeps the entity's world.
	World string
	Pos   mgl64.Vec3
	Yaw   float64
	Pitch float64
	Flags relocate.Flags
	Cause string
}

// Teleport moves an entity to an explicit destination and waits for the
// outcome. An accepted move that gets reverted returns ErrReverted with the
// result.
func (m *Manager) Teleport(ctx context.Context, req TeleportRequest) (relocate.Result, error) {
	cause := req.Cause
	if cause == "" {
		cause = "teleport"
	}
	return m.submit(ctx, req.Entity, req.World, func(e *entity.Entity) relocate.Request {
		return relocate.Request{
			Entity: e,
			To:     relocate.Dest{World: req.World, Pos: req.Pos, Yaw: req.Yaw, Pitch: req.Pitch},
			Flags:  req.Flags,
			Cause:  cause,
		}
	})
}

// UsePortal sends an entity, and whatever rides with it, along the configured
// route to toWorld. Routes that name an entry point deliver there; all others
// go through the target world's portal locator.
func (m *Manager) UsePortal(ctx context.Context, id uuid.UUID, toWorld string, axis poi.Axis) (relocate.Result, error) {
	from := m.EntityWorld(id)
	if from == "" {
		return relocate.Result{}, fmt.Errorf("%w: %s", ErrEntityNotFound, id)
	}
	route, ok := m.route(from, toWorld)
	if !ok {
		m.recordRoute(from, toWorld, "no_route")
		return relocate.Result{}, fmt.Errorf("%w: %s -> %s", ErrNoRoute, from, toWorld)
	}
	if route.ToEntryID != "" {
		ep := m.entry(route.ToWorld, route.ToEntryID)
		return m.submit(ctx, id, route.ToWorld, func(e *entity.Entity) relocate.Request {
			return relocate.Request{
				Entity: e,
				To: relocate.Dest{
					World: route.ToWorld,
					Pos:   chunk.BlockPos{X: ep.X, Y: ep.Y, Z: ep.Z}.Center(),
					Yaw:   e.Yaw,
					Pitch: e.Pitch,
				},
				Flags: relocate.FlagLoadChunks | relocate.FlagCarryPassengers,
				Cause: "portal_entry",
			}
		})
	}
	return m.submit(ctx, id, route.ToWorld, func(e *entity.Entity) relocate.Request {
		return relocate.Request{
			Entity: e,
			Portal: &relocate.PortalTravel{TargetWorld: route.ToWorld, Axis: axis},
			Flags:  relocate.FlagCarryPassengers,
			Cause:  "portal",
		}
	})
}

// submit runs the relocation on the region owning the entity and waits for
// its outcome. The relocation keeps going if the caller gives up.
func (m *Manager) submit(ctx context.Context, id uuid.UUID, target string, build func(*entity.Entity) relocate.Request) (relocate.Result, error) {
	reqCtx, cancel := m.requestCtx(ctx)
	defer cancel()

	var from string
	for attempt := 0; attempt < maxAttempts; attempt++ {
		from = m.EntityWorld(id)
		if from == "" {
			return relocate.Result{}, fmt.Errorf("%w: %s", ErrEntityNotFound, id)
		}
		to := target
		if to == "" {
			to = from
		}
		if m.runtime(to) == nil {
			m.recordRoute(from, to, "world_not_found")
			return relocate.Result{}, fmt.Errorf("%w: %s", ErrWorldNotFound, to)
		}
		src := m.runtime(from)
		if src == nil {
			return relocate.Result{}, fmt.Errorf("%w: %s", ErrWorldNotFound, from)
		}
		_, region := src.World.FindEntity(id)
		if region == nil {
			return relocate.Result{}, fmt.Errorf("%w: %s", ErrEntityNotFound, id)
		}

		accepted := make(chan error, 1)
		done := make(chan relocate.Result, 1)
		if !region.Enqueue(func(r *world.Region) {
			e := r.Entity(id)
			if e == nil {
				accepted <- errMoved
				return
			}
			req := build(e)
			req.OnDone = func(res relocate.Result) {
				m.observe(res)
				done <- res
			}
			accepted <- m.coord.Relocate(r, req)
		}) {
			m.recordRoute(from, to, "busy")
			return relocate.Result{}, fmt.Errorf("%w: region %s stopped", ErrWorldBusy, region.Key())
		}

		var err error
		select {
		case err = <-accepted:
		case <-reqCtx.Done():
			m.recordRoute(from, to, "busy")
			return relocate.Result{}, fmt.Errorf("%w: %v", ErrWorldBusy, reqCtx.Err())
		}
		if errors.Is(err, errMoved) {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, relocate.ErrVetoed):
				m.recordRoute(from, to, "vetoed")
			default:
				m.recordRoute(from, to, "rejected")
			}
			return relocate.Result{}, err
		}

		select {
		case res := <-done:
			m.recordRoute(from, to, res.Outcome.String())
			if res.Outcome == relocate.OutcomeReverted {
				return res, fmt.Errorf("%w: %s", ErrReverted, id)
			}
			return res, nil
		case <-reqCtx.Done():
			m.recordRoute(from, to, "busy")
			return relocate.Result{}, fmt.Errorf("%w: %v", ErrWorldBusy, reqCtx.Err())
		}
	}
	return relocate.Result{}, fmt.Errorf("%w: %s kept moving", ErrWorldBusy, id)
}

var errMoved = errors.New("entity left region")

// observe runs on the region that now owns the result's entity, so the
// riding tree can be walked safely.
func (m *Manager) observe(res relocate.Result) {
	if res.Entity == nil {
		return
	}
	var walk func(e *entity.Entity)
	var moved []uuid.UUID
	walk = func(e *entity.Entity) {
		moved = append(moved, e.UUID())
		for _, p := range e.Passengers() {
			walk(p)
		}
	}
	walk(res.Entity)
	m.updateResidency(res.Entity.World(), moved...)
}

func (m *Manager) route(from, to string) (PortalRouteSpec, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routes[routeKey(from, to)]
	return r, ok
}

func (m *Manager) entry(worldID, entryID string) EntryPointSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[worldID][entryID]
}

func (m *Manager) requestCtx(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, m.timeout)
}

func (m *Manager) runtime(id string) *Runtime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runtimes[id]
}

func (m *Manager) RouteMetrics() []RouteMetric {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RouteMetric, 0, len(m.routeTotals))
	for k, n := range m.routeTotals {
		out = append(out, RouteMetric{From: k.From, To: k.To, Result: k.Result, Count: n})
	}
	sortRouteMetrics(out)
	return out
}

type Stats struct {
	Worlds []world.Stats    `json:"worlds"`
	Totals relocate.Metrics `json:"relocations"`
	Routes []RouteMetric    `json:"routes"`
	Portal portal.Stats     `json:"portals"`
}

func (m *Manager) Stats() Stats {
	st := Stats{
		Totals: m.coord.Metrics(),
		Routes: m.RouteMetrics(),
		Portal: m.coord.Locator().Stats(),
	}
	for _, id := range m.WorldIDs() {
		st.Worlds = append(st.Worlds, m.runtime(id).World.Stats())
	}
	return st
}

func (m *Manager) recordRoute(from, to, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if from == "" {
		from = "UNKNOWN"
	}
	if to == "" {
		to = "UNKNOWN"
	}
	if result == "" {
		result = "unknown"
	}
	m.routeTotals[routeMetricKey{From: from, To: to, Result: result}]++
	m.schedulePersistLocked()
}

func (m *Manager) updateResidency(worldID string, uids ...uuid.UUID) {
	if worldID == "" || len(uids) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range uids {
		m.entityToWorld[id.String()] = worldID
	}
	m.schedulePersistLocked()
}

// loadState restores residency and route totals and returns the entity id
// watermark recorded in the file.
func (m *Manager) loadState() int64 {
	if strings.TrimSpace(m.stateFile) == "" {
		return 0
	}
	b, err := os.ReadFile(m.stateFile)
	if err != nil {
		return 0
	}
	var st persistedState
	if err := json.Unmarshal(b, &st); err != nil {
		m.log.Warn().Err(err).Str("path", m.stateFile).Msg("ignoring unreadable state file")
		return 0
	}
	for k, v := range st.EntityToWorld {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		m.entityToWorld[k] = v
	}
	for _, rm := range st.RouteMetrics {
		if rm.From == "" || rm.To == "" || rm.Result == "" || rm.Count == 0 {
			continue
		}
		m.routeTotals[routeMetricKey{From: rm.From, To: rm.To, Result: rm.Result}] = rm.Count
	}
	return st.LastEntityID
}

func (m *Manager) schedulePersistLocked() {
	if m.stateFile == "" || m.persistCh == nil {
		return
	}
	select {
	case m.persistCh <- struct{}{}:
	default:
	}
}

func (m *Manager) persistLoop() {
	defer m.persistWG.Done()
	var timer *time.Timer
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer = nil
	}
	for {
		var timerCh <-chan time.Time
		if timer != nil {
			timerCh = timer.C
		}
		select {
		case <-m.persistStop:
			stopTimer()
			m.persistNow()
			return
		case <-m.persistCh:
			if timer == nil {
				timer = time.NewTimer(m.persistDebounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(m.persistDebounce)
			}
		case ack := <-m.persistFlush:
			stopTimer()
			m.persistNow()
			if ack != nil {
				close(ack)
			}
		case <-timerCh:
			stopTimer()
			m.persistNow()
		}
	}
}

// Close shuts every world down, which sweeps pending transfers back to their
// origin, then writes the state file one last time.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		var wg sync.WaitGroup
		for _, id := range m.WorldIDs() {
			w := m.runtime(id).World
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.Shutdown()
			}()
		}
		wg.Wait()
		if m.persistStop != nil {
			close(m.persistStop)
		}
		m.persistWG.Wait()
	})
}

func (m *Manager) FlushState(ctx context.Context) error {
	if m.stateFile == "" || m.persistFlush == nil {
		return nil
	}
	ack := make(chan struct{})
	select {
	case m.persistFlush <- ack:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) persistNow() {
	st := m.snapshotState()
	if err := m.writeState(st); err != nil {
		m.log.Error().Err(err).Str("path", m.stateFile).Msg("write state file")
	}
}

func (m *Manager) snapshotState() persistedState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := persistedState{
		Version:       stateVersion,
		LastEntityID:  m.ids.LastEntityID(),
		EntityToWorld: map[string]string{},
		RouteMetrics:  []persistedRouteMetric{},
	}
	for k, v := range m.entityToWorld {
		st.EntityToWorld[k] = v
	}
	metrics := make([]RouteMetric, 0, len(m.routeTotals))
	for k, n := range m.routeTotals {
		if n == 0 {
			continue
		}
		metrics = append(metrics, RouteMetric{From: k.From, To: k.To, Result: k.Result, Count: n})
	}
	sortRouteMetrics(metrics)
	for _, rm := range metrics {
		st.RouteMetrics = append(st.RouteMetrics, persistedRouteMetric(rm))
	}
	return st
}

func (m *Manager) writeState(st persistedState) error {
	if m.stateFile == "" {
		return nil
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.stateFile), 0o755); err != nil {
		return err
	}
	tmp := m.stateFile + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.stateFile)
}

func sortRouteMetrics(ms []RouteMetric) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].From != ms[j].From {
			return ms[i].From < ms[j].From
		}
		if ms[i].To != ms[j].To {
			return ms[i].To < ms[j].To
		}
		return ms[i].Result < ms[j].Result
	})
}
