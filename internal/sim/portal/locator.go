// Package portal finds where an entity arrives in another world: either a
// fixed spawn point or a portal rectangle that is searched for and, when
// missing, created.
package portal

import (
	"math"
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/rs/zerolog"

	"warpline.ai/internal/sim/chunk"
	"warpline.ai/internal/sim/future"
	"warpline.ai/internal/sim/ids"
	"warpline.ai/internal/sim/poi"
	"warpline.ai/internal/sim/ticket"
	"warpline.ai/internal/sim/world"
)

const (
	OpeningWidth  = 2
	OpeningHeight = 3
)

type Found struct {
	Rect    poi.Rect `json:"rect"`
	Created bool     `json:"created"`
}

type Placement struct {
	Pos      mgl64.Vec3
	Yaw      float64
	Pitch    float64
	Vel      mgl64.Vec3
	Portal   *Found
	Degraded bool
}

// Travel describes the entity entering a portal in its origin world.
type Travel struct {
	Origin *world.World
	From   mgl64.Vec3
	Axis   poi.Axis
	Yaw    float64
	Pitch  float64
	Vel    mgl64.Vec3
}

type Stats struct {
	Fixed    int64 `json:"fixed"`
	Found    int64 `json:"found"`
	Created  int64 `json:"created"`
	Degraded int64 `json:"degraded"`
}

type Locator struct {
	ids *ids.Generator
	log zerolog.Logger

	fixed, found, created, degraded atomic.Int64
}

func NewLocator(gen *ids.Generator, log zerolog.Logger) *Locator {
	if gen == nil {
		gen = ids.NewGenerator()
	}
	return &Locator{ids: gen, log: log}
}

func (l *Locator) Stats() Stats {
	return Stats{
		Fixed:    l.fixed.Load(),
		Found:    l.found.Load(),
		Created:  l.created.Load(),
		Degraded: l.degraded.Load(),
	}
}

// Locate resolves the arrival in target. The result may complete on the
// loader goroutine or on a target region; it never blocks the caller.
func (l *Locator) Locate(target *world.World, tr Travel) *future.Completable[Placement] {
	if target.Config().Arrival == world.ArrivalFixed {
		return l.locateFixed(target, tr)
	}
	return l.locateSearched(target, tr)
}

func (l *Locator) locateFixed(target *world.World, tr Travel) *future.Completable[Placement] {
	cfg := target.Config()
	spawn := cfg.Spawn
	loaded := target.Loader.LoadFull(spawn.Chunk(), cfg.FixedLoadRadius, chunk.PriorityHigh)
	return future.Then(loaded, func(chunk.Set) Placement {
		p := Placement{Yaw: tr.Yaw, Pitch: tr.Pitch}
		y, ok := target.SurfaceY(spawn.X, spawn.Z)
		if !ok {
			y = spawn.Y
			p.Degraded = true
			l.degraded.Add(1)
		} else {
			l.fixed.Add(1)
		}
		p.Pos = chunk.BlockPos{X: spawn.X, Y: y, Z: spawn.Z}.Center()
		return p
	})
}

// Provisional is the chunk the arrival is expected near, before loading or
// searching has happened.
func Provisional(target *world.World, tr Travel) chunk.Pos {
	if target.Config().Arrival == world.ArrivalFixed {
		return target.Config().Spawn.Chunk()
	}
	return chunk.FromVec(ScaledTarget(tr.Origin, target, tr.From))
}

// ScaledTarget maps the origin position into target coordinates.
func ScaledTarget(origin, target *world.World, from mgl64.Vec3) mgl64.Vec3 {
	f := 1.0
	if origin != nil {
		f = origin.Config().CoordinateScale / target.Config().CoordinateScale
	}
	return target.Clamp(mgl64.Vec3{from.X() * f, from.Y(), from.Z() * f})
}

func (l *Locator) locateSearched(target *world.World, tr Travel) *future.Completable[Placement] {
	cfg := target.Config()
	center := chunk.BlockOf(ScaledTarget(tr.Origin, target, tr.From))
	out := future.New[Placement]()
	loaded := func(p chunk.Pos) bool { return target.Loader.DetailAt(p) >= chunk.DetailEmpty }

	search := target.Loader.Load(center.Chunk(), cfg.PortalSearchRadius, chunk.DetailEmpty, chunk.PriorityHigh)
	search.AddWaiter(func(chunk.Set) {
		if rect, ok := target.POI.Nearest(center, cfg.PortalSearchRadius, loaded); ok {
			l.found.Add(1)
			_ = out.Complete(arrive(rect, false, tr))
			return
		}

		check := ticket.Ticket{
			Kind:   ticket.KindPortalDoubleCheck,
			Pos:    center.Chunk(),
			Level:  ticket.LevelMax,
			Holder: l.ids.NewHolder(),
		}
		target.Tickets.Add(check)
		create := target.Loader.LoadFull(center.Chunk(), cfg.PortalCreateRadius, chunk.PriorityHigh)
		create.AddWaiter(func(chunk.Set) {
			ok := target.Enqueue(center.Chunk(), func(*world.Region) {
				defer target.Tickets.Remove(check)
				_ = out.Complete(l.findOrCreate(target, center, tr))
			})
			if !ok {
				target.Tickets.Remove(check)
				l.log.Warn().Str("world", target.ID()).Stringer("at", center).Msg("portal region stopped, open-air arrival")
				_ = out.Complete(l.fallback(target, center, tr))
			}
		})
	})
	return out
}

// findOrCreate runs on the region owning center.
func (l *Locator) findOrCreate(target *world.World, center chunk.BlockPos, tr Travel) Placement {
	cfg := target.Config()
	loaded := func(p chunk.Pos) bool { return target.Loader.DetailAt(p) >= chunk.DetailEmpty }
	if rect, ok := target.POI.Nearest(center, cfg.PortalSearchRadius, loaded); ok {
		l.found.Add(1)
		return arrive(rect, false, tr)
	}
	rect, ok := l.site(target, center, tr.Axis)
	if !ok {
		return l.fallback(target, center, tr)
	}
	got, inserted := target.POI.InsertUnlessNear(rect, cfg.PortalSearchRadius)
	if inserted {
		l.created.Add(1)
		l.log.Debug().Str("world", target.ID()).Stringer("min", got.Min).Msg("portal created")
	} else {
		l.found.Add(1)
	}
	return arrive(got, inserted, tr)
}

// site looks for a flat footprint in rings around center, then falls back to
// forcing one at center.
func (l *Locator) site(target *world.World, center chunk.BlockPos, axis poi.Axis) (poi.Rect, bool) {
	cfg := target.Config()
	maxR := (cfg.PortalCreateRadius + 1) * chunk.Size
	for r := 0; r <= maxR; r++ {
		for _, c := range ring(center, r) {
			if y, ok := flatFootprint(target, c, axis); ok && y+OpeningHeight <= cfg.MaxY {
				return poi.Rect{Min: chunk.BlockPos{X: c.X, Y: y, Z: c.Z}, Axis: axis, Width: OpeningWidth, Height: OpeningHeight}, true
			}
		}
	}
	y, ok := target.SurfaceY(center.X, center.Z)
	if !ok || y < cfg.MinY || y+OpeningHeight > cfg.MaxY {
		return poi.Rect{}, false
	}
	return poi.Rect{Min: chunk.BlockPos{X: center.X, Y: y, Z: center.Z}, Axis: axis, Width: OpeningWidth, Height: OpeningHeight}, true
}

// flatFootprint reports the standing Y when the frame columns around an
// opening starting at c all have the same height.
func flatFootprint(target *world.World, c chunk.BlockPos, axis poi.Axis) (int, bool) {
	want := 0
	for i := -1; i <= OpeningWidth; i++ {
		x, z := c.X, c.Z
		if axis == poi.AxisX {
			x += i
		} else {
			z += i
		}
		if !target.InBounds(mgl64.Vec3{float64(x), float64(target.Config().MinY), float64(z)}) {
			return 0, false
		}
		y, ok := target.SurfaceY(x, z)
		if !ok {
			return 0, false
		}
		if i == -1 {
			want = y
		} else if y != want {
			return 0, false
		}
	}
	return want, true
}

func ring(c chunk.BlockPos, r int) []chunk.BlockPos {
	if r == 0 {
		return []chunk.BlockPos{c}
	}
	out := make([]chunk.BlockPos, 0, 8*r)
	for dx := -r; dx <= r; dx++ {
		out = append(out, chunk.BlockPos{X: c.X + dx, Y: c.Y, Z: c.Z - r}, chunk.BlockPos{X: c.X + dx, Y: c.Y, Z: c.Z + r})
	}
	for dz := -r + 1; dz <= r-1; dz++ {
		out = append(out, chunk.BlockPos{X: c.X - r, Y: c.Y, Z: c.Z + dz}, chunk.BlockPos{X: c.X + r, Y: c.Y, Z: c.Z + dz})
	}
	return out
}

func (l *Locator) fallback(target *world.World, center chunk.BlockPos, tr Travel) Placement {
	l.degraded.Add(1)
	y, ok := target.SurfaceY(center.X, center.Z)
	if !ok {
		y = center.Y
	}
	pos := target.Clamp(chunk.BlockPos{X: center.X, Y: y, Z: center.Z}.Center())
	return Placement{Pos: pos, Yaw: tr.Yaw, Pitch: tr.Pitch, Vel: tr.Vel, Degraded: true}
}

func arrive(rect poi.Rect, created bool, tr Travel) Placement {
	p := Placement{
		Pos:    rect.Arrival(),
		Yaw:    tr.Yaw,
		Pitch:  tr.Pitch,
		Vel:    tr.Vel,
		Portal: &Found{Rect: rect, Created: created},
	}
	if rect.Axis != tr.Axis {
		p.Yaw = wrapYaw(p.Yaw + 90)
		p.Vel = mgl64.Rotate3DY(mgl64.DegToRad(90)).Mul3x1(tr.Vel)
	}
	return p
}

func wrapYaw(y float64) float64 {
	y = math.Mod(y, 360)
	if y > 180 {
		y -= 360
	} else if y <= -180 {
		y += 360
	}
	return y
}
