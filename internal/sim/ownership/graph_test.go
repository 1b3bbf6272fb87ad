package ownership

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"

	"warpline.ai/internal/sim/entity"
)

type fixture struct {
	boat, pig, rider, rider2 *entity.Entity
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	reg := entity.DefaultKinds()
	kind := func(n string) *entity.Kind {
		k, ok := reg.Lookup(n)
		if !ok {
			t.Fatalf("missing kind %s", n)
		}
		return k
	}
	f := fixture{
		boat:   entity.New(1, uuid.New(), kind("boat"), "w", mgl64.Vec3{0, 64, 0}),
		pig:    entity.New(2, uuid.New(), kind("pig"), "w", mgl64.Vec3{}),
		rider:  entity.New(3, uuid.New(), kind("player"), "w", mgl64.Vec3{}),
		rider2: entity.New(4, uuid.New(), kind("player"), "w", mgl64.Vec3{}),
	}
	// boat carries a pig and a player; the pig carries another player.
	if err := f.pig.StartRiding(f.boat); err != nil {
		t.Fatalf("pig rides boat: %v", err)
	}
	if err := f.rider.StartRiding(f.boat); err != nil {
		t.Fatalf("rider rides boat: %v", err)
	}
	if err := f.rider2.StartRiding(f.pig); err != nil {
		t.Fatalf("rider2 rides pig: %v", err)
	}
	return f
}

func TestDetach_ClearsLiveLinksBreadthFirst(t *testing.T) {
	f := newFixture(t)
	g := Detach(f.boat)
	if g.Len() != 4 {
		t.Fatalf("graph len=%d want=4", g.Len())
	}
	order := g.Entities()
	wantIDs := []int64{1, 2, 3, 4}
	for i, e := range order {
		if e.ID() != wantIDs[i] {
			t.Fatalf("bfs order[%d]=%d want=%d", i, e.ID(), wantIDs[i])
		}
	}
	for _, e := range order {
		if e.IsPassenger() || e.HasPassengers() {
			t.Fatalf("entity %d still linked after detach", e.ID())
		}
	}
}

func TestRestore_TreeConsistency(t *testing.T) {
	f := newFixture(t)
	g := Detach(f.boat)
	f.boat.Pos = mgl64.Vec3{100, 70, 100}
	if err := g.Restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}
	g.Each(func(e, parent *entity.Entity) {
		if e.Vehicle() != parent {
			t.Fatalf("entity %d vehicle mismatch", e.ID())
		}
		if parent == nil {
			return
		}
		found := 0
		for _, p := range parent.Passengers() {
			if p == e {
				found++
			}
		}
		if found != 1 {
			t.Fatalf("entity %d appears %d times in parent passengers", e.ID(), found)
		}
	})
	if ps := f.boat.Passengers(); len(ps) != 2 || ps[0] != f.pig || ps[1] != f.rider {
		t.Fatalf("passenger order not preserved")
	}
	wantPig := mgl64.Vec3{100, 70.2 + 0.15, 100}
	if !f.pig.Pos.ApproxEqual(wantPig) {
		t.Fatalf("pig pos=%v want=%v", f.pig.Pos, wantPig)
	}
	wantRider2 := wantPig.Add(mgl64.Vec3{0, 0.7 - 0.35, 0})
	if !f.rider2.Pos.ApproxEqual(wantRider2) {
		t.Fatalf("rider2 pos=%v want=%v", f.rider2.Pos, wantRider2)
	}
}

func TestMapNodes_PreservesShape(t *testing.T) {
	f := newFixture(t)
	g := Detach(f.boat)
	next := int64(100)
	g.MapNodes(func(e *entity.Entity) *entity.Entity {
		next++
		return e.Transfer(next, "other")
	})
	if err := g.Restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}
	root := g.Root()
	if root.ID() != 101 || root.World() != "other" {
		t.Fatalf("root not replaced: id=%d world=%s", root.ID(), root.World())
	}
	if len(root.Passengers()) != 2 {
		t.Fatalf("root passengers=%d want=2", len(root.Passengers()))
	}
	if !f.boat.Removed() {
		t.Fatalf("original root should be invalidated")
	}
	if f.boat.HasPassengers() {
		t.Fatalf("original root must stay unlinked")
	}
}
