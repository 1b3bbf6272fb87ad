package relocate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"warpline.ai/internal/sim/chunk"
	"warpline.ai/internal/sim/entity"
	"warpline.ai/internal/sim/ids"
	"warpline.ai/internal/sim/poi"
	"warpline.ai/internal/sim/ticket"
	"warpline.ai/internal/sim/world"
)

type harness struct {
	t      *testing.T
	gen    *ids.Generator
	kinds  *entity.Kinds
	over   *world.World
	nether *world.World
	end    *world.World
	c      *Coordinator
	events []Event
	mu     sync.Mutex
}

func newHarness(t *testing.T, hook Hook) *harness {
	t.Helper()
	h := &harness{t: t, gen: ids.NewGenerator(), kinds: entity.DefaultKinds()}
	mk := func(id string, scale float64, arrival world.Arrival) *world.World {
		w, err := world.New(world.Config{
			ID:              id,
			BoundaryR:       30000,
			MinY:            0,
			MaxY:            255,
			Terrain:         chunk.Terrain{Seed: 11, GroundY: 64, Amplitude: 2},
			RegionChunks:    4,
			TickRateHz:      200,
			CoordinateScale: scale,
			Arrival:         arrival,
			Spawn:           chunk.BlockPos{X: 100, Y: 50, Z: 0},
		}, world.Options{IDs: h.gen, Kinds: h.kinds, LoaderBudget: 4096, LoaderInterval: time.Millisecond})
		if err != nil {
			t.Fatalf("world %s: %v", id, err)
		}
		return w
	}
	h.over = mk("OVERWORLD", 1, world.ArrivalSearched)
	h.nether = mk("NETHER", 8, world.ArrivalSearched)
	h.end = mk("THE_END", 1, world.ArrivalFixed)
	h.c = New(Options{
		IDs:    h.gen,
		Hook:   hook,
		Logger: zerolog.Nop(),
		Recorder: RecorderFunc(func(ev Event) {
			h.mu.Lock()
			h.events = append(h.events, ev)
			h.mu.Unlock()
		}),
	})
	for _, w := range []*world.World{h.over, h.nether, h.end} {
		h.c.AddWorld(w)
	}
	return h
}

func (h *harness) kind(name string) *entity.Kind {
	k, ok := h.kinds.Lookup(name)
	if !ok {
		h.t.Fatalf("unknown kind %s", name)
	}
	return k
}

// spawn loads the chunk at pos and creates an entity there.
func (h *harness) spawn(w *world.World, kind string, pos mgl64.Vec3) *entity.Entity {
	h.t.Helper()
	p := chunk.FromVec(pos)
	w.Loader.LoadFull(p, 0, chunk.PriorityNormal)
	w.Loader.Process(16)
	return w.RegionAt(p).Spawn(h.kind(kind), pos)
}

func (h *harness) stepUntil(cond func() bool) {
	h.t.Helper()
	for i := 0; i < 100; i++ {
		if cond() {
			return
		}
		for _, w := range []*world.World{h.over, h.nether, h.end} {
			w.StepAll()
		}
	}
	h.t.Fatalf("condition not reached")
}

func holdStats(w *world.World) ticket.KindStats {
	return w.Tickets.Stats()[ticket.KindTeleportHold]
}

func countUUID(id uuid.UUID, worlds ...*world.World) int {
	n := 0
	for _, w := range worlds {
		for _, r := range w.Regions() {
			if r.Entity(id) != nil {
				n++
			}
		}
	}
	return n
}

func TestSameRegionMoveIsSynchronous(t *testing.T) {
	h := newHarness(t, nil)
	e := h.spawn(h.over, "pig", mgl64.Vec3{0, 70, 0})
	r := e.Owner().(*world.Region)

	var got *Result
	err := h.c.Relocate(r, Request{
		Entity: e,
		To:     Dest{Pos: mgl64.Vec3{10, 70, 0}, Yaw: 90},
		OnDone: func(res Result) { got = &res },
	})
	if err != nil {
		t.Fatalf("relocate: %v", err)
	}
	if got == nil {
		t.Fatalf("fast path must complete before Relocate returns")
	}
	if !got.Fast || got.Outcome != OutcomeRelocated || got.Entity != e {
		t.Fatalf("result: %+v", got)
	}
	if e.Pos != (mgl64.Vec3{10, 70, 0}) || e.Yaw != 90 {
		t.Fatalf("entity not moved: pos=%v yaw=%v", e.Pos, e.Yaw)
	}
	if st := holdStats(h.over); st.Added != 0 {
		t.Fatalf("fast path created a hold ticket: %+v", st)
	}
	if h.over.Pending.Len() != 0 {
		t.Fatalf("fast path registered a pending transfer")
	}
	if e.Owner() != r || r.Entity(e.UUID()) != e {
		t.Fatalf("entity left its region")
	}
}

func TestFastPathKeepsPassengersSeated(t *testing.T) {
	h := newHarness(t, nil)
	boat := h.spawn(h.over, "boat", mgl64.Vec3{2, 65, 2})
	rider := h.spawn(h.over, "player", mgl64.Vec3{2, 65, 2})
	if err := rider.StartRiding(boat); err != nil {
		t.Fatalf("ride: %v", err)
	}
	r := boat.Owner().(*world.Region)

	if err := h.c.Relocate(r, Request{Entity: boat, To: Dest{Pos: mgl64.Vec3{12, 65, 3}}, Flags: FlagCarryPassengers}); err != nil {
		t.Fatalf("relocate: %v", err)
	}
	if rider.Vehicle() != boat {
		t.Fatalf("rider lost its vehicle")
	}
	want := mgl64.Vec3{12, 65 + 0.2 - 0.35, 3}
	if !rider.Pos.ApproxEqual(want) {
		t.Fatalf("rider pos: got %v want %v", rider.Pos, want)
	}
}

func TestCrossWorldFixedArrivalWithPassenger(t *testing.T) {
	h := newHarness(t, nil)
	horse := h.spawn(h.over, "horse", mgl64.Vec3{8, 70, 8})
	rider := h.spawn(h.over, "player", mgl64.Vec3{8, 70, 8})
	if err := rider.StartRiding(horse); err != nil {
		t.Fatalf("ride: %v", err)
	}
	h.end.Loader.LoadFull(h.end.Config().Spawn.Chunk(), 1, chunk.PriorityNormal)
	h.end.Loader.Process(64)
	origin := horse.Owner().(*world.Region)

	var got *Result
	err := h.c.Relocate(origin, Request{
		Entity: horse,
		Portal: &PortalTravel{TargetWorld: "THE_END"},
		Flags:  FlagCarryPassengers,
		OnDone: func(res Result) { got = &res },
	})
	if err != nil {
		t.Fatalf("relocate: %v", err)
	}
	if origin.Entity(horse.UUID()) != nil || origin.Entity(rider.UUID()) != nil {
		t.Fatalf("graph still live in origin region")
	}
	h.stepUntil(func() bool { return got != nil })

	if got.Outcome != OutcomeRelocated || got.World != "THE_END" {
		t.Fatalf("result: %+v", got)
	}
	root := got.Entity
	if root.UUID() != horse.UUID() || root.ID() == horse.ID() || root.World() != "THE_END" {
		t.Fatalf("root not transformed: %+v", root.View())
	}
	if horse.RemovalReason() != entity.ChangedWorld {
		t.Fatalf("old instance removal: %v", horse.RemovalReason())
	}
	ps := root.Passengers()
	if len(ps) != 1 || ps[0].UUID() != rider.UUID() {
		t.Fatalf("passengers: %d", len(ps))
	}
	want := root.Pos.Add(mgl64.Vec3{0, 1.1 - 0.35, 0})
	if !ps[0].Pos.ApproxEqual(want) {
		t.Fatalf("passenger pos: got %v want %v", ps[0].Pos, want)
	}
	spawnY := h.end.Config().Terrain.Height(100, 0) + 1
	if root.Pos != (mgl64.Vec3{100.5, float64(spawnY), 0.5}) {
		t.Fatalf("root pos: %v", root.Pos)
	}
	st := holdStats(h.over)
	if st.Added != 1 || st.Removed != 1 || st.Outstanding != 0 {
		t.Fatalf("hold ticket not balanced: %+v", st)
	}
	if h.end.Pending.Len() != 0 {
		t.Fatalf("pending entry left behind")
	}
	if countUUID(rider.UUID(), h.over, h.end) != 1 || countUUID(horse.UUID(), h.over, h.end) != 1 {
		t.Fatalf("entities duplicated or lost")
	}
}

func TestRacingPortalTravelSharesOneRectangle(t *testing.T) {
	h := newHarness(t, nil)
	a := h.spawn(h.over, "player", mgl64.Vec3{500, 70, 500})
	b := h.spawn(h.over, "player", mgl64.Vec3{520, 70, 500})
	ra, rb := a.Owner().(*world.Region), b.Owner().(*world.Region)
	if ra == rb {
		t.Fatalf("fixture should start in different regions")
	}

	var mu sync.Mutex
	results := map[uuid.UUID]Result{}
	done := func(res Result) {
		mu.Lock()
		results[res.Entity.UUID()] = res
		mu.Unlock()
	}
	for _, p := range []struct {
		e *entity.Entity
		r *world.Region
	}{{a, ra}, {b, rb}} {
		err := h.c.Relocate(p.r, Request{Entity: p.e, Portal: &PortalTravel{TargetWorld: "NETHER", Axis: poi.AxisX}, OnDone: done})
		if err != nil {
			t.Fatalf("relocate: %v", err)
		}
	}
	h.stepUntil(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 2
	})

	pa, pb := results[a.UUID()].Portal, results[b.UUID()].Portal
	if pa == nil || pb == nil {
		t.Fatalf("both relocations should reference a portal")
	}
	if pa.Rect != pb.Rect {
		t.Fatalf("different rectangles: %+v vs %+v", pa.Rect, pb.Rect)
	}
	if pa.Created == pb.Created {
		t.Fatalf("exactly one relocation should have created the portal")
	}
	if h.nether.POI.Len() != 1 {
		t.Fatalf("poi count: got %d want 1", h.nether.POI.Len())
	}
	if st := h.nether.Tickets.Stats()[ticket.KindPortalDoubleCheck]; st.Outstanding != 0 {
		t.Fatalf("double-check tickets leaked: %+v", st)
	}
}

func TestSweepWhileAwaitingDestinationReverts(t *testing.T) {
	h := newHarness(t, nil)
	e := h.spawn(h.over, "player", mgl64.Vec3{8, 70, 8})
	origin := e.Owner().(*world.Region)
	dest := mgl64.Vec3{1000, 70, 0}

	var results []Result
	err := h.c.Relocate(origin, Request{
		Entity: e,
		To:     Dest{Pos: dest},
		Flags:  FlagLoadChunks,
		OnDone: func(res Result) { results = append(results, res) },
	})
	if err != nil {
		t.Fatalf("relocate: %v", err)
	}
	if h.over.Pending.Len() != 1 || holdStats(h.over).Outstanding != 1 {
		t.Fatalf("expected one pending entry and one hold ticket")
	}

	target := h.over.RegionAt(chunk.FromVec(dest))
	target.Shutdown()
	target.Shutdown()
	if h.over.Pending.Len() != 0 {
		t.Fatalf("sweep left the entry registered")
	}
	origin.Step()

	if len(results) != 1 || results[0].Outcome != OutcomeReverted {
		t.Fatalf("results: %+v", results)
	}
	if e.Pos != (mgl64.Vec3{8, 70, 8}) || origin.Entity(e.UUID()) != e {
		t.Fatalf("entity not back at origin: %v", e.Pos)
	}
	st := holdStats(h.over)
	if st.Outstanding != 0 || st.Added != st.Removed+st.ForceCleared {
		t.Fatalf("hold ticket not released: %+v", st)
	}

	// The load the relocation was waiting on finishes late.
	h.over.Loader.Process(64)
	origin.Step()
	if m := h.c.Metrics(); m.Superseded != 1 || m.Reverted != 1 || m.InFlight != 0 {
		t.Fatalf("metrics: %+v", m)
	}
	if len(results) != 1 {
		t.Fatalf("continuation fired %d times", len(results))
	}
	if countUUID(e.UUID(), h.over) != 1 {
		t.Fatalf("entity duplicated")
	}
}

func TestOriginShutdownAfterDestinationSweepStillRestores(t *testing.T) {
	h := newHarness(t, nil)
	e := h.spawn(h.over, "player", mgl64.Vec3{8, 70, 8})
	origin := e.Owner().(*world.Region)
	dest := mgl64.Vec3{1000, 70, 0}

	var results []Result
	if err := h.c.Relocate(origin, Request{
		Entity: e,
		To:     Dest{Pos: dest},
		Flags:  FlagLoadChunks,
		OnDone: func(res Result) { results = append(results, res) },
	}); err != nil {
		t.Fatalf("relocate: %v", err)
	}

	// The revert is queued on origin, which stops before ever running it.
	h.over.RegionAt(chunk.FromVec(dest)).Shutdown()
	origin.Shutdown()

	if len(results) != 1 || results[0].Outcome != OutcomeReverted {
		t.Fatalf("results: %+v", results)
	}
	if origin.Entity(e.UUID()) != e || e.Owner() != origin {
		t.Fatalf("entity not restored into origin: owner=%v", e.Owner())
	}
	if countUUID(e.UUID(), h.over) != 1 {
		t.Fatalf("entity present %d times", countUUID(e.UUID(), h.over))
	}
	if m := h.c.Metrics(); m.Reverted != 1 || m.InFlight != 0 {
		t.Fatalf("metrics: %+v", m)
	}
	if st := holdStats(h.over); st.Outstanding != 0 {
		t.Fatalf("hold ticket outstanding: %+v", st)
	}
}

func TestRevertIntoAlreadyStoppedOrigin(t *testing.T) {
	h := newHarness(t, nil)
	e := h.spawn(h.over, "player", mgl64.Vec3{8, 70, 8})
	origin := e.Owner().(*world.Region)
	dest := mgl64.Vec3{1000, 70, 0}

	var results []Result
	if err := h.c.Relocate(origin, Request{
		Entity: e,
		To:     Dest{Pos: dest},
		Flags:  FlagLoadChunks,
		OnDone: func(res Result) { results = append(results, res) },
	}); err != nil {
		t.Fatalf("relocate: %v", err)
	}
	origin.Shutdown()
	if len(results) != 0 {
		t.Fatalf("origin sweep resolved a transfer it does not own: %+v", results)
	}
	h.over.RegionAt(chunk.FromVec(dest)).Shutdown()

	if len(results) != 1 || results[0].Outcome != OutcomeReverted {
		t.Fatalf("results: %+v", results)
	}
	if origin.Entity(e.UUID()) != e || countUUID(e.UUID(), h.over) != 1 {
		t.Fatalf("entity not restored exactly once")
	}
}

func TestSlowPathKeepsVelocity(t *testing.T) {
	h := newHarness(t, nil)
	cases := []struct {
		name string
		set  *mgl64.Vec3
		want mgl64.Vec3
	}{
		{"kept", nil, mgl64.Vec3{1, 0, 2}},
		{"replaced", &mgl64.Vec3{0, 3, 0}, mgl64.Vec3{0, 3, 0}},
	}
	for i, tc := range cases {
		e := h.spawn(h.over, "pig", mgl64.Vec3{8 + float64(i), 70, 8})
		e.Vel = mgl64.Vec3{1, 0, 2}
		origin := e.Owner().(*world.Region)

		var got *Result
		if err := h.c.Relocate(origin, Request{
			Entity: e,
			To:     Dest{Pos: mgl64.Vec3{800, 70, float64(i)}, Vel: tc.set},
			Flags:  FlagLoadChunks,
			OnDone: func(res Result) { got = &res },
		}); err != nil {
			t.Fatalf("%s: relocate: %v", tc.name, err)
		}
		h.stepUntil(func() bool { return got != nil })
		if got.Fast || got.Outcome != OutcomeRelocated {
			t.Fatalf("%s: result: %+v", tc.name, got)
		}
		if got.Entity.Vel != tc.want {
			t.Fatalf("%s: vel=%v want %v", tc.name, got.Entity.Vel, tc.want)
		}
	}
}

func TestCrossWorldRevertTransformsBack(t *testing.T) {
	h := newHarness(t, nil)
	e := h.spawn(h.over, "player", mgl64.Vec3{-20, 70, 4})
	e.Attrs["name"] = "steve"
	origin := e.Owner().(*world.Region)

	var got *Result
	if err := h.c.Relocate(origin, Request{
		Entity: e,
		To:     Dest{World: "NETHER", Pos: mgl64.Vec3{40, 70, 40}},
		Flags:  FlagLoadChunks,
		OnDone: func(res Result) { got = &res },
	}); err != nil {
		t.Fatalf("relocate: %v", err)
	}
	h.nether.Shutdown()
	origin.Step()

	if got == nil || got.Outcome != OutcomeReverted {
		t.Fatalf("result: %+v", got)
	}
	back := got.Entity
	if back.World() != "OVERWORLD" || back.UUID() != e.UUID() || back.Attrs["name"] != "steve" {
		t.Fatalf("reverted entity: %+v attrs=%v", back.View(), back.Attrs)
	}
	if back.Pos != (mgl64.Vec3{-20, 70, 4}) {
		t.Fatalf("reverted pos: %v", back.Pos)
	}
	if countUUID(e.UUID(), h.over, h.nether) != 1 {
		t.Fatalf("entity duplicated or lost")
	}
}

func TestPlacementTaskDroppedByShutdownIsReverted(t *testing.T) {
	h := newHarness(t, nil)
	e := h.spawn(h.over, "player", mgl64.Vec3{8, 70, 8})
	dest := mgl64.Vec3{800, 70, 0}
	h.over.Loader.LoadFull(chunk.FromVec(dest), 0, chunk.PriorityNormal)
	h.over.Loader.Process(4)
	origin := e.Owner().(*world.Region)

	var got *Result
	if err := h.c.Relocate(origin, Request{Entity: e, To: Dest{Pos: dest}, OnDone: func(res Result) { got = &res }}); err != nil {
		t.Fatalf("relocate: %v", err)
	}
	target := h.over.RegionAt(chunk.FromVec(dest))
	if target.QueueDepth() != 1 {
		t.Fatalf("placement task not queued: depth %d", target.QueueDepth())
	}
	target.Shutdown()
	origin.Step()
	if got == nil || got.Outcome != OutcomeReverted {
		t.Fatalf("result: %+v", got)
	}
	if countUUID(e.UUID(), h.over) != 1 || target.Entity(e.UUID()) != nil {
		t.Fatalf("entity placed by a dropped task")
	}
}

func TestGuardsRejectWithoutSideEffects(t *testing.T) {
	h := newHarness(t, nil)
	cases := []struct {
		name  string
		setup func() (*entity.Entity, Request)
	}{
		{"out of bounds", func() (*entity.Entity, Request) {
			e := h.spawn(h.over, "pig", mgl64.Vec3{1, 70, 1})
			return e, Request{Entity: e, To: Dest{Pos: mgl64.Vec3{40000, 70, 0}}, Flags: FlagLoadChunks}
		}},
		{"dead", func() (*entity.Entity, Request) {
			e := h.spawn(h.over, "pig", mgl64.Vec3{1, 70, 1})
			e.Health = 0
			return e, Request{Entity: e, To: Dest{Pos: mgl64.Vec3{2, 70, 2}}}
		}},
		{"asleep", func() (*entity.Entity, Request) {
			e := h.spawn(h.over, "player", mgl64.Vec3{1, 70, 1})
			e.Sleeping = true
			return e, Request{Entity: e, To: Dest{Pos: mgl64.Vec3{2, 70, 2}}}
		}},
		{"interaction locked", func() (*entity.Entity, Request) {
			e := h.spawn(h.over, "player", mgl64.Vec3{1, 70, 1})
			e.InteractionLocked = true
			return e, Request{Entity: e, To: Dest{Pos: mgl64.Vec3{2, 70, 2}}}
		}},
		{"passengers not carried", func() (*entity.Entity, Request) {
			v := h.spawn(h.over, "boat", mgl64.Vec3{1, 70, 1})
			p := h.spawn(h.over, "player", mgl64.Vec3{1, 70, 1})
			_ = p.StartRiding(v)
			return v, Request{Entity: v, To: Dest{Pos: mgl64.Vec3{2, 70, 2}}}
		}},
		{"passenger without unmount", func() (*entity.Entity, Request) {
			v := h.spawn(h.over, "boat", mgl64.Vec3{1, 70, 1})
			p := h.spawn(h.over, "player", mgl64.Vec3{1, 70, 1})
			_ = p.StartRiding(v)
			return p, Request{Entity: p, To: Dest{Pos: mgl64.Vec3{2, 70, 2}}}
		}},
		{"kind cannot change world", func() (*entity.Entity, Request) {
			e := h.spawn(h.over, "marker", mgl64.Vec3{1, 70, 1})
			return e, Request{Entity: e, Portal: &PortalTravel{TargetWorld: "NETHER"}}
		}},
		{"unknown world", func() (*entity.Entity, Request) {
			e := h.spawn(h.over, "player", mgl64.Vec3{1, 70, 1})
			return e, Request{Entity: e, To: Dest{World: "MOON", Pos: mgl64.Vec3{}}, Flags: FlagLoadChunks}
		}},
		{"destination not loaded", func() (*entity.Entity, Request) {
			e := h.spawn(h.over, "player", mgl64.Vec3{1, 70, 1})
			return e, Request{Entity: e, To: Dest{Pos: mgl64.Vec3{5000, 70, 5000}}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, req := tc.setup()
			before := e.Pos
			fired := false
			req.OnDone = func(Result) { fired = true }
			err := h.c.Relocate(e.Owner().(*world.Region), req)
			if !errors.Is(err, ErrRejected) {
				t.Fatalf("err: got %v want ErrRejected", err)
			}
			if fired {
				t.Fatalf("continuation fired for a rejected request")
			}
			if e.Pos != before || e.Owner() == nil {
				t.Fatalf("rejected request changed the entity")
			}
		})
	}
	if st := holdStats(h.over); st.Added != 0 {
		t.Fatalf("rejections created tickets: %+v", st)
	}
	if h.over.Pending.Len() != 0 || h.nether.Pending.Len() != 0 {
		t.Fatalf("rejections registered pending transfers")
	}
}

func TestRejectsCallerOnWrongRegion(t *testing.T) {
	h := newHarness(t, nil)
	e := h.spawn(h.over, "pig", mgl64.Vec3{1, 70, 1})
	other := h.over.RegionAt(chunk.Pos{X: 100})
	err := h.c.Relocate(other, Request{Entity: e, To: Dest{Pos: mgl64.Vec3{2, 70, 2}}})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err: got %v want ErrRejected", err)
	}
}

func TestInFlightEntityCannotBeRelocatedAgain(t *testing.T) {
	h := newHarness(t, nil)
	e := h.spawn(h.over, "player", mgl64.Vec3{8, 70, 8})
	r := e.Owner().(*world.Region)
	if err := h.c.Relocate(r, Request{Entity: e, To: Dest{Pos: mgl64.Vec3{3000, 70, 0}}, Flags: FlagLoadChunks}); err != nil {
		t.Fatalf("first relocate: %v", err)
	}
	err := h.c.Relocate(r, Request{Entity: e, To: Dest{Pos: mgl64.Vec3{9, 70, 9}}})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("second relocate: got %v want ErrRejected", err)
	}
}

func TestHookVetoRestoresInPlace(t *testing.T) {
	h := newHarness(t, func(p *PreRelocate) { p.Cancelled = true })
	boat := h.spawn(h.over, "boat", mgl64.Vec3{4, 65, 4})
	rider := h.spawn(h.over, "player", mgl64.Vec3{4, 65, 4})
	_ = rider.StartRiding(boat)
	r := boat.Owner().(*world.Region)

	err := h.c.Relocate(r, Request{Entity: boat, To: Dest{Pos: mgl64.Vec3{3000, 65, 0}}, Flags: FlagCarryPassengers | FlagLoadChunks})
	if !errors.Is(err, ErrVetoed) {
		t.Fatalf("err: got %v want ErrVetoed", err)
	}
	if rider.Vehicle() != boat || len(boat.Passengers()) != 1 {
		t.Fatalf("riding links not restored")
	}
	if r.Entity(boat.UUID()) != boat || boat.Pos != (mgl64.Vec3{4, 65, 4}) {
		t.Fatalf("vehicle moved despite veto")
	}
	if st := holdStats(h.over); st.Added != 0 {
		t.Fatalf("veto created a ticket: %+v", st)
	}
	if m := h.c.Metrics(); m.Vetoed != 1 {
		t.Fatalf("metrics: %+v", m)
	}
}

func TestHookRewritesDestination(t *testing.T) {
	h := newHarness(t, func(p *PreRelocate) { p.To.Pos = mgl64.Vec3{6, 70, 6} })
	e := h.spawn(h.over, "pig", mgl64.Vec3{1, 70, 1})
	if err := h.c.Relocate(e.Owner().(*world.Region), Request{Entity: e, To: Dest{Pos: mgl64.Vec3{2, 70, 2}}}); err != nil {
		t.Fatalf("relocate: %v", err)
	}
	if e.Pos != (mgl64.Vec3{6, 70, 6}) {
		t.Fatalf("pos: got %v want hook destination", e.Pos)
	}
}

func TestUnmountMovesPassengerAlone(t *testing.T) {
	h := newHarness(t, nil)
	boat := h.spawn(h.over, "boat", mgl64.Vec3{4, 65, 4})
	rider := h.spawn(h.over, "player", mgl64.Vec3{4, 65, 4})
	_ = rider.StartRiding(boat)

	if err := h.c.Relocate(rider.Owner().(*world.Region), Request{Entity: rider, To: Dest{Pos: mgl64.Vec3{9, 65, 9}}, Flags: FlagUnmount}); err != nil {
		t.Fatalf("relocate: %v", err)
	}
	if rider.IsPassenger() || boat.HasPassengers() {
		t.Fatalf("rider still mounted")
	}
	if rider.Pos != (mgl64.Vec3{9, 65, 9}) || boat.Pos != (mgl64.Vec3{4, 65, 4}) {
		t.Fatalf("positions: rider %v boat %v", rider.Pos, boat.Pos)
	}
}

func TestRecorderSeesSlowPathStates(t *testing.T) {
	h := newHarness(t, nil)
	e := h.spawn(h.over, "player", mgl64.Vec3{8, 70, 8})
	done := false
	if err := h.c.Relocate(e.Owner().(*world.Region), Request{
		Entity: e,
		To:     Dest{Pos: mgl64.Vec3{2000, 70, 0}},
		Flags:  FlagLoadChunks,
		Cause:  "command",
		OnDone: func(Result) { done = true },
	}); err != nil {
		t.Fatalf("relocate: %v", err)
	}
	h.stepUntil(func() bool { return done })

	var states []string
	for _, ev := range h.events {
		states = append(states, ev.State)
	}
	want := []string{"DETACHED", "HELD", "AWAITING_DESTINATION_READY", "SCHEDULED", "PLACED", "RESTORED"}
	if len(states) != len(want) {
		t.Fatalf("states: got %v want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states: got %v want %v", states, want)
		}
	}
	last := h.events[len(h.events)-1]
	if last.Outcome != "relocated" || last.Cause != "command" || last.Entity != e.UUID().String() {
		t.Fatalf("terminal event: %+v", last)
	}
}

func TestConcurrentShutdownNeverLosesOrDuplicates(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.over.Start(ctx)
	h.nether.Start(ctx)

	const n = 24
	spawned := make(chan *entity.Entity, n)
	player := h.kind("player")
	for i := 0; i < n; i++ {
		pos := mgl64.Vec3{float64(i * 40), 70, float64(i%3) * 30}
		h.over.Loader.LoadFull(chunk.FromVec(pos), 0, chunk.PriorityNormal)
		h.over.Enqueue(chunk.FromVec(pos), func(r *world.Region) {
			spawned <- r.Spawn(player, pos)
		})
	}
	ents := make([]*entity.Entity, 0, n)
	for i := 0; i < n; i++ {
		select {
		case e := <-spawned:
			ents = append(ents, e)
		case <-time.After(5 * time.Second):
			t.Fatalf("spawn timed out")
		}
	}

	var wg sync.WaitGroup
	wg.Add(n)
	for _, e := range ents {
		e := e
		h.over.Enqueue(chunk.FromVec(e.Pos), func(r *world.Region) {
			err := h.c.Relocate(r, Request{
				Entity: e,
				Portal: &PortalTravel{TargetWorld: "NETHER"},
				OnDone: func(Result) { wg.Done() },
			})
			if err != nil {
				wg.Done()
			}
		})
	}
	time.Sleep(20 * time.Millisecond)
	h.nether.Shutdown()

	finished := make(chan struct{})
	go func() { wg.Wait(); close(finished) }()
	select {
	case <-finished:
	case <-time.After(10 * time.Second):
		t.Fatalf("relocations did not all resolve: %+v", h.c.Metrics())
	}
	h.over.Shutdown()

	for _, e := range ents {
		if got := countUUID(e.UUID(), h.over, h.nether); got != 1 {
			t.Fatalf("entity %s present %d times", e.UUID(), got)
		}
	}
	st := holdStats(h.over)
	if st.Outstanding != 0 || st.Added != st.Removed+st.ForceCleared {
		t.Fatalf("hold tickets unbalanced: %+v", st)
	}
	if m := h.c.Metrics(); m.InFlight != 0 {
		t.Fatalf("in flight after shutdown: %+v", m)
	}
}

func TestEventCode(t *testing.T) {
	cases := []struct {
		s    State
		err  error
		want string
	}{
		{StateRestored, nil, ""},
		{StateReverted, nil, "E_STALE"},
		{StateAbandoned, fmt.Errorf("%w: x", ErrRejected), "E_INVALID_TARGET"},
		{StateAbandoned, fmt.Errorf("%w: x", ErrVetoed), "E_WORLD_DENIED"},
		{StateAbandoned, errors.New("boom"), "E_INTERNAL"},
	}
	for _, tc := range cases {
		if got := code(tc.s, tc.err); got != tc.want {
			t.Fatalf("code(%s, %v)=%q want %q", tc.s, tc.err, got, tc.want)
		}
	}
}
