// Package relocate moves entities, together with everything riding them,
// between regions and worlds. Moves inside one region happen synchronously;
// everything else is handed across regions through tickets, the destination
// world's pending registry and tasks on the destination region.
package relocate

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/rs/zerolog"

	"warpline.ai/internal/protocol"
	"warpline.ai/internal/sim/chunk"
	"warpline.ai/internal/sim/entity"
	"warpline.ai/internal/sim/future"
	"warpline.ai/internal/sim/ids"
	"warpline.ai/internal/sim/ownership"
	"warpline.ai/internal/sim/pending"
	"warpline.ai/internal/sim/portal"
	"warpline.ai/internal/sim/ticket"
	"warpline.ai/internal/sim/world"
)

// Options configures a Coordinator. IDs and Locator are created when nil.
type Options struct {
	IDs      *ids.Generator
	Locator  *portal.Locator
	Hook     Hook
	Recorder Recorder
	Logger   zerolog.Logger
}

// Coordinator runs relocations across the worlds added to it.
type Coordinator struct {
	ids     *ids.Generator
	locator *portal.Locator
	hook    Hook
	rec     Recorder
	log     zerolog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	worlds map[string]*world.World

	// homeMu guards reverts waiting for their origin region and the set of
	// regions whose shutdown sweep has finished.
	homeMu      sync.Mutex
	homecomings map[*world.Region]map[*homecoming]struct{}
	sealed      map[*world.Region]bool
	sealedMu    sync.Mutex

	requested, rejected, vetoed, fast    atomic.Int64
	relocated, degraded, reverted, super atomic.Int64
	inFlight                             atomic.Int64
}

// New returns a Coordinator with no worlds.
func New(opts Options) *Coordinator {
	if opts.IDs == nil {
		opts.IDs = ids.NewGenerator()
	}
	if opts.Locator == nil {
		opts.Locator = portal.NewLocator(opts.IDs, opts.Logger)
	}
	return &Coordinator{
		ids:     opts.IDs,
		locator: opts.Locator,
		hook:    opts.Hook,
		rec:     opts.Recorder,
		log:     opts.Logger,
		now:     time.Now,
		worlds:  map[string]*world.World{},

		homecomings: map[*world.Region]map[*homecoming]struct{}{},
		sealed:      map[*world.Region]bool{},
	}
}

// AddWorld makes w a valid origin and destination and installs the shutdown
// sweep on it.
func (c *Coordinator) AddWorld(w *world.World) {
	c.mu.Lock()
	c.worlds[w.ID()] = w
	c.mu.Unlock()
	w.AddSweeper(c.Sweep)
}

// World returns the world registered under id.
func (c *Coordinator) World(id string) (*world.World, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.worlds[id]
	return w, ok
}

// Locator returns the portal locator shared by every world.
func (c *Coordinator) Locator() *portal.Locator { return c.locator }

// Metrics returns a snapshot of the relocation counters.
func (c *Coordinator) Metrics() Metrics {
	return Metrics{
		Requested:  c.requested.Load(),
		Rejected:   c.rejected.Load(),
		Vetoed:     c.vetoed.Load(),
		Fast:       c.fast.Load(),
		Relocated:  c.relocated.Load(),
		Degraded:   c.degraded.Load(),
		Reverted:   c.reverted.Load(),
		Superseded: c.super.Load(),
		InFlight:   c.inFlight.Load(),
	}
}

// op is the bookkeeping of one accepted relocation.
type op struct {
	id      string
	req     Request
	start   time.Time
	state   atomic.Uint32
	done    sync.Once
	fromW   *world.World
	toW     *world.World
	from    mgl64.Vec3
	vel     mgl64.Vec3
	nodes   int
	kind    string
	subject string
}

func (o *op) State() State { return State(o.state.Load()) }

// Relocate must run on the region that owns req.Entity. It returns an error
// wrapping ErrRejected or ErrVetoed when the relocation did not start; in
// every other case req.OnDone fires exactly once, possibly before Relocate
// returns.
func (c *Coordinator) Relocate(r *world.Region, req Request) error {
	c.requested.Add(1)
	o := &op{id: c.ids.NewHolder(), req: req, start: c.now()}

	subject, err := c.check(r, &req)
	if err != nil {
		c.rejected.Add(1)
		c.abandon(o, subject, err)
		return err
	}
	o.fromW = r.World()
	o.from = subject.Pos
	o.kind = subject.Kind().Name
	o.subject = subject.UUID().String()
	if req.Portal != nil {
		o.toW, _ = c.World(req.Portal.TargetWorld)
	} else {
		o.toW, _ = c.World(destWorld(subject, req.To))
	}

	var mount *entity.Entity
	if subject.IsPassenger() && req.Flags.Has(FlagUnmount) {
		mount = subject.Vehicle()
		subject.StopRiding()
	}

	g := ownership.Detach(subject)
	o.nodes = g.Len()
	c.transition(o, StateDetached)

	if c.hook != nil {
		pre := &PreRelocate{
			Entity:    subject,
			FromWorld: o.fromW.ID(),
			From:      subject.Pos,
			To:        req.To,
			Portal:    req.Portal != nil,
		}
		c.hook(pre)
		if pre.Cancelled {
			c.restoreInPlace(g, mount)
			c.vetoed.Add(1)
			err := fmt.Errorf("%w: %s", ErrVetoed, subject.UUID())
			c.abandon(o, subject, err)
			return err
		}
		if req.Portal == nil && pre.To != req.To {
			req.To = pre.To
			if err := c.checkDest(subject, req); err != nil {
				c.restoreInPlace(g, mount)
				c.rejected.Add(1)
				c.abandon(o, subject, err)
				return err
			}
			o.toW, _ = c.World(destWorld(subject, req.To))
		}
	}
	o.req = req

	if req.Portal == nil && o.toW == o.fromW && o.fromW.SameRegion(chunk.FromVec(subject.Pos), chunk.FromVec(req.To.Pos)) {
		c.fastPath(o, r, g)
		return nil
	}
	c.slowPath(o, r, g)
	return nil
}

func destWorld(e *entity.Entity, d Dest) string {
	if d.World == "" {
		return e.World()
	}
	return d.World
}

// check applies the guards before anything in the live world changes. It
// returns the entity that will actually be detached.
func (c *Coordinator) check(r *world.Region, req *Request) (*entity.Entity, error) {
	e := req.Entity
	if e == nil {
		return nil, fmt.Errorf("%w: no entity", ErrRejected)
	}
	if r == nil || e.Owner() != r {
		return e, fmt.Errorf("%w: %s is not owned by the calling region", ErrRejected, e.UUID())
	}
	if e.IsPassenger() {
		switch {
		case req.Flags.Has(FlagUnmount):
		case req.Flags.Has(FlagCarryPassengers):
			e = e.RootVehicle()
		default:
			return e, fmt.Errorf("%w: %s is a passenger", ErrRejected, e.UUID())
		}
	}
	if err := guardEntity(e); err != nil {
		return e, err
	}
	if e.HasPassengers() && !req.Flags.Has(FlagCarryPassengers) {
		return e, fmt.Errorf("%w: %s carries passengers", ErrRejected, e.UUID())
	}
	if req.Portal != nil {
		if _, ok := c.World(req.Portal.TargetWorld); !ok {
			return e, fmt.Errorf("%w: unknown world %q", ErrRejected, req.Portal.TargetWorld)
		}
		if req.Portal.TargetWorld != e.World() {
			if err := guardTravel(e, req.Flags); err != nil {
				return e, err
			}
		}
		return e, nil
	}
	return e, c.checkDest(e, *req)
}

func (c *Coordinator) checkDest(e *entity.Entity, req Request) error {
	id := destWorld(e, req.To)
	w, ok := c.World(id)
	if !ok {
		return fmt.Errorf("%w: unknown world %q", ErrRejected, id)
	}
	if !w.InBounds(req.To.Pos) {
		return fmt.Errorf("%w: %v is outside %s", ErrRejected, req.To.Pos, id)
	}
	if id != e.World() {
		if err := guardTravel(e, req.Flags); err != nil {
			return err
		}
	}
	if !req.Flags.Has(FlagLoadChunks) && w.Loader.DetailAt(chunk.FromVec(req.To.Pos)) == chunk.DetailNone {
		return fmt.Errorf("%w: destination chunk %v is not loaded", ErrRejected, chunk.FromVec(req.To.Pos))
	}
	return nil
}

func guardEntity(e *entity.Entity) error {
	switch {
	case e.Removed():
		return fmt.Errorf("%w: %s is removed (%s)", ErrRejected, e.UUID(), e.RemovalReason())
	case e.Dead():
		return fmt.Errorf("%w: %s is dead", ErrRejected, e.UUID())
	case e.Sleeping:
		return fmt.Errorf("%w: %s is asleep", ErrRejected, e.UUID())
	case e.InteractionLocked:
		return fmt.Errorf("%w: %s is interaction-locked", ErrRejected, e.UUID())
	}
	return nil
}

// guardTravel checks that every entity in the tree may change world.
func guardTravel(root *entity.Entity, flags Flags) error {
	stack := []*entity.Entity{root}
	for len(stack) > 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !e.Kind().Has(entity.CapPortalTravel) {
			return fmt.Errorf("%w: %s (%s) cannot change world", ErrRejected, e.UUID(), e.Kind().Name)
		}
		if flags.Has(FlagCarryPassengers) {
			stack = append(stack, e.Passengers()...)
		}
	}
	return nil
}

// restoreInPlace undoes Detach, and the dismount when mount is set.
func (c *Coordinator) restoreInPlace(g *ownership.Graph, mount *entity.Entity) {
	if err := g.Restore(); err != nil {
		c.log.Error().Err(err).Msg("restore after veto")
	}
	if mount == nil {
		return
	}
	root := g.Root()
	if err := root.StartRiding(mount); err != nil {
		c.log.Error().Err(err).Msg("remount after veto")
		return
	}
	mount.PositionPassenger(root)
}

func (c *Coordinator) fastPath(o *op, r *world.Region, g *ownership.Graph) {
	nodes := g.Entities()
	tr := r.Tracker()
	for _, e := range nodes {
		tr.Clear(e)
	}
	to := o.req.To
	for _, e := range nodes {
		e.Pos = to.Pos
		e.Yaw = to.Yaw
		e.Pitch = to.Pitch
		if to.Vel != nil {
			e.Vel = *to.Vel
		}
	}
	c.transition(o, StateRepositioned)
	if err := g.Restore(); err != nil {
		c.log.Error().Err(err).Str("id", o.id).Msg("restore after fast move")
	}
	around := r.Entities()
	for _, e := range nodes {
		tr.Rebuild(e, around)
	}
	if o.req.Flags.Has(FlagLoadChunks) {
		o.fromW.Loader.LoadFull(chunk.FromVec(to.Pos), 0, chunk.PriorityNormal)
	}
	c.fast.Add(1)
	c.finish(o, StateReattached, Result{
		Outcome: OutcomeRelocated,
		Entity:  g.Root(),
		World:   o.fromW.ID(),
		Fast:    true,
	}, nil)
}

func (c *Coordinator) slowPath(o *op, r *world.Region, g *ownership.Graph) {
	c.inFlight.Add(1)
	from, to := o.fromW, o.toW
	root := g.Root()
	o.vel = root.Vel

	tr := r.Tracker()
	for _, e := range g.Entities() {
		tr.Clear(e)
		r.RemoveEntity(e)
	}

	hold := ticket.Ticket{Kind: ticket.KindTeleportHold, Pos: chunk.FromVec(root.Pos), Level: ticket.LevelMax, Holder: o.id}
	from.Tickets.Add(hold)

	t := &pending.Transfer{
		ID:          o.id,
		Dest:        chunk.FromVec(o.req.To.Pos),
		DestWorld:   to.ID(),
		OriginWorld: from.ID(),
		OriginPos:   root.Pos,
		OriginYaw:   root.Yaw,
		OriginPitch: root.Pitch,
		Graph:       g,
		Hold:        hold,
	}
	t.OnRevert = func() {
		c.finish(o, StateReverted, Result{
			Outcome: OutcomeReverted,
			Entity:  t.Graph.Root(),
			World:   t.OriginWorld,
		}, nil)
	}

	var travel portal.Travel
	if o.req.Portal != nil {
		travel = portal.Travel{
			Origin: from,
			From:   root.Pos,
			Axis:   o.req.Portal.Axis,
			Yaw:    root.Yaw,
			Pitch:  root.Pitch,
			Vel:    root.Vel,
		}
		t.Dest = portal.Provisional(to, travel)
	}

	// The graph is published to the destination registry only after the
	// last mutation made from the origin region.
	if to != from {
		g.MapNodes(func(e *entity.Entity) *entity.Entity {
			return e.Transfer(to.IDs().NextEntityID(), to.ID())
		})
	}
	if err := to.Pending.Register(t); err != nil {
		c.log.Error().Err(err).Str("id", o.id).Msg("pending register")
	}
	c.transition(o, StateHeld)
	if to != from {
		c.transition(o, StateTransformed)
	}
	// A region that already stopped will never sweep this entry.
	if to.RegionAt(t.Dest).Stopped() && to.Pending.RemoveIfPresent(t) {
		c.log.Warn().Str("id", o.id).Stringer("chunk", t.Dest).Msg("destination region stopped, reverting")
		c.revert(t, nil)
		return
	}

	c.transition(o, StateAwaitingDestination)
	c.destinationReady(o, travel).AddWaiter(func(p portal.Placement) {
		c.schedule(o, t, p)
	})
}

// destinationReady yields the final placement once the destination can
// take the entity.
func (c *Coordinator) destinationReady(o *op, travel portal.Travel) *future.Completable[portal.Placement] {
	if o.req.Portal != nil {
		return c.locator.Locate(o.toW, travel)
	}
	to := o.req.To
	p := portal.Placement{Pos: to.Pos, Yaw: to.Yaw, Pitch: to.Pitch, Vel: o.vel}
	if to.Vel != nil {
		p.Vel = *to.Vel
	}
	dst := chunk.FromVec(to.Pos)
	if o.toW.Loader.Ready(dst, chunk.DetailFull) {
		return future.Completed(p)
	}
	return future.Then(o.toW.Loader.LoadFull(dst, 0, chunk.PriorityHigh), func(chunk.Set) portal.Placement {
		return p
	})
}

// schedule runs wherever the placement resolved (inline, loader goroutine or
// a target region) and hands placement to the region owning the final spot.
func (c *Coordinator) schedule(o *op, t *pending.Transfer, p portal.Placement) {
	to := o.toW
	dst := chunk.FromVec(p.Pos)
	if !to.Pending.Rekey(t, dst) {
		c.supersede(o)
		return
	}
	ok := to.Enqueue(dst, func(r *world.Region) { c.place(o, t, p, r) })
	if !ok {
		c.log.Warn().Str("id", o.id).Stringer("chunk", dst).Msg("destination region stopped, reverting")
		if to.Pending.RemoveIfPresent(t) {
			c.revert(t, nil)
		} else {
			c.supersede(o)
		}
		return
	}
	c.transition(o, StateScheduled)
}

// place runs on the destination region.
func (c *Coordinator) place(o *op, t *pending.Transfer, p portal.Placement, r *world.Region) {
	if !o.toW.Pending.RemoveIfPresent(t) {
		c.supersede(o)
		return
	}
	o.fromW.Tickets.Remove(t.Hold)
	c.transition(o, StatePlaced)

	g := t.Graph
	root := g.Root()
	root.Pos = p.Pos
	root.Yaw = p.Yaw
	root.Pitch = p.Pitch
	root.Vel = p.Vel
	nodes := g.Entities()
	for _, e := range nodes {
		if e != root {
			e.Pos = p.Pos
		}
		r.AddEntity(e)
	}
	if err := g.Restore(); err != nil {
		c.log.Error().Err(err).Str("id", o.id).Msg("restore at destination")
	}
	around := r.Entities()
	for _, e := range nodes {
		r.Tracker().Rebuild(e, around)
	}

	res := Result{
		Outcome: OutcomeRelocated,
		Entity:  root,
		World:   o.toW.ID(),
		Portal:  p.Portal,
	}
	if p.Degraded {
		res.Outcome = OutcomeDegraded
		c.degraded.Add(1)
		c.log.Info().Str("id", o.id).Str("world", o.toW.ID()).Msg("relocation completed with fallback placement")
	} else {
		c.relocated.Add(1)
	}
	c.finish(o, StateRestored, res, nil)
}

func (c *Coordinator) supersede(o *op) {
	c.super.Add(1)
	c.transition(o, StateSuperseded)
	c.log.Warn().Str("id", o.id).Msg("pending transfer already resolved by a shutdown sweep")
}

func (c *Coordinator) abandon(o *op, subject *entity.Entity, err error) {
	if subject != nil {
		o.subject = subject.UUID().String()
		if subject.Kind() != nil {
			o.kind = subject.Kind().Name
		}
		o.from = subject.Pos
	}
	o.state.Store(uint32(StateAbandoned))
	c.record(o, StateAbandoned, nil, err)
	c.log.Debug().Str("id", o.id).Err(err).Msg("relocation abandoned")
}

// transition never moves an op out of a terminal state; a late step of an op
// already resolved by a sweep is dropped.
func (c *Coordinator) transition(o *op, s State) {
	for {
		cur := o.state.Load()
		if State(cur).Terminal() && !s.Terminal() {
			return
		}
		if o.state.CompareAndSwap(cur, uint32(s)) {
			break
		}
	}
	c.log.Debug().Str("id", o.id).Stringer("state", s).Msg("relocation")
	c.record(o, s, nil, nil)
}

func (c *Coordinator) finish(o *op, s State, res Result, err error) {
	o.done.Do(func() {
		if s != StateReattached {
			c.inFlight.Add(-1)
		}
		o.state.Store(uint32(s))
		res.ID = o.id
		res.FromWorld = o.fromW.ID()
		res.From = o.from
		res.Nodes = o.nodes
		res.Duration = c.now().Sub(o.start)
		if res.Entity != nil {
			res.View = res.Entity.View()
		}
		c.record(o, s, &res, err)
		c.log.Debug().
			Str("id", o.id).
			Stringer("state", s).
			Stringer("outcome", res.Outcome).
			Dur("took", res.Duration).
			Msg("relocation finished")
		if o.req.OnDone != nil {
			o.req.OnDone(res)
		}
	})
}

func (c *Coordinator) record(o *op, s State, res *Result, err error) {
	if c.rec == nil {
		return
	}
	ev := Event{
		ID:     o.id,
		State:  s.String(),
		Cause:  o.req.Cause,
		Entity: o.subject,
		Kind:   o.kind,
		From:   vec(o.from),
		Nodes:  o.nodes,
		At:     c.now().UTC(),
	}
	if o.fromW != nil {
		ev.FromWorld = o.fromW.ID()
	}
	if o.toW != nil {
		ev.ToWorld = o.toW.ID()
	}
	if o.req.Portal == nil {
		ev.To = vec(o.req.To.Pos)
	}
	if res != nil {
		ev.Outcome = res.Outcome.String()
		ev.Portal = res.Portal
		ev.Fast = res.Fast
		ev.ToWorld = res.World
		if res.Entity != nil {
			ev.To = vec(res.Entity.Pos)
		}
	}
	if err != nil {
		ev.Err = err.Error()
	}
	ev.Code = code(s, err)
	c.rec.Record(ev)
}

func code(s State, err error) string {
	switch {
	case errors.Is(err, ErrVetoed):
		return protocol.ErrWorldDenied
	case errors.Is(err, ErrRejected):
		return protocol.ErrInvalidTarget
	case err != nil:
		return protocol.ErrInternal
	case s == StateReverted:
		return protocol.ErrStale
	}
	return ""
}
