package relocate

import (
	"github.com/go-gl/mathgl/mgl64"

	"warpline.ai/internal/sim/chunk"
	"warpline.ai/internal/sim/entity"
	"warpline.ai/internal/sim/pending"
	"warpline.ai/internal/sim/world"
)

// homecoming puts a reverted graph back into its origin region. Exactly one
// of the origin's queued task or the origin's own shutdown sweep claims it.
type homecoming struct {
	t     *pending.Transfer
	place func(r *world.Region)
}

// Sweep runs while r shuts down, after its loop stopped. Every pending
// transfer headed for a chunk r owns is put back at its recorded origin, then
// every revert still queued for r is applied inline. Once Sweep returns r is
// sealed: later reverts into r are applied under sealedMu, the only path that
// still touches a sealed region. A second sweep of the same region finds
// nothing left to do.
func (c *Coordinator) Sweep(r *world.Region) {
	drained := r.World().Pending.DrainWithin(r.Owns)
	if len(drained) > 0 {
		c.log.Info().
			Str("world", r.World().ID()).
			Stringer("region", r.Key()).
			Int("transfers", len(drained)).
			Msg("reverting pending transfers")
	}
	for _, t := range drained {
		c.revert(t, r)
	}
	for {
		c.homeMu.Lock()
		queued := c.homecomings[r]
		delete(c.homecomings, r)
		if len(queued) == 0 {
			c.sealed[r] = true
			c.homeMu.Unlock()
			return
		}
		c.homeMu.Unlock()
		c.log.Info().
			Stringer("region", r.Key()).
			Int("reverts", len(queued)).
			Msg("applying queued reverts")
		for h := range queued {
			c.comeHome(h, r)
		}
	}
}

// revert restores t's graph at its origin. The caller must have won the
// registry compare-and-remove for t. sweeping is the region being shut down,
// if any.
//
// The graph lands on the origin region by one of three routes: inline when
// the origin is the region being swept, through a queued task while the
// origin still runs (its own sweep takes over if it stops first), or under
// sealedMu once the origin's sweep has finished.
func (c *Coordinator) revert(t *pending.Transfer, sweeping *world.Region) {
	origin, ok := c.World(t.OriginWorld)
	if !ok {
		c.log.Error().Str("id", t.ID).Str("world", t.OriginWorld).Msg("origin world gone, transfer lost")
		return
	}
	g := t.Graph
	if g.Root().World() != origin.ID() {
		g.MapNodes(func(e *entity.Entity) *entity.Entity {
			return e.Transfer(origin.IDs().NextEntityID(), origin.ID())
		})
	}
	root := g.Root()
	for _, e := range g.Entities() {
		e.Pos = t.OriginPos
		e.Vel = mgl64.Vec3{}
	}
	root.Yaw = t.OriginYaw
	root.Pitch = t.OriginPitch

	h := &homecoming{t: t, place: func(r *world.Region) {
		nodes := g.Entities()
		for _, e := range nodes {
			r.AddEntity(e)
		}
		if err := g.Restore(); err != nil {
			c.log.Error().Err(err).Str("id", t.ID).Msg("restore at origin")
		}
		around := r.Entities()
		for _, e := range nodes {
			r.Tracker().Rebuild(e, around)
		}
	}}

	home := origin.RegionAt(chunk.FromVec(t.OriginPos))
	if home == sweeping {
		c.comeHome(h, home)
		return
	}

	c.homeMu.Lock()
	if c.sealed[home] {
		c.homeMu.Unlock()
		c.sealedMu.Lock()
		h.place(home)
		c.sealedMu.Unlock()
		c.settle(h, origin)
		return
	}
	set := c.homecomings[home]
	if set == nil {
		set = map[*homecoming]struct{}{}
		c.homecomings[home] = set
	}
	set[h] = struct{}{}
	c.homeMu.Unlock()

	// A refused task is fine: home has stopped and its sweep drains the set.
	home.Enqueue(func(r *world.Region) {
		c.homeMu.Lock()
		_, mine := c.homecomings[r][h]
		delete(c.homecomings[r], h)
		c.homeMu.Unlock()
		if mine {
			c.comeHome(h, r)
		}
	})
}

func (c *Coordinator) comeHome(h *homecoming, r *world.Region) {
	h.place(r)
	c.settle(h, r.World())
}

func (c *Coordinator) settle(h *homecoming, origin *world.World) {
	origin.Tickets.Remove(h.t.Hold)
	c.reverted.Add(1)
	if h.t.OnRevert != nil {
		h.t.OnRevert()
	}
}
