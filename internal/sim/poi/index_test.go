package poi

import (
	"sync"
	"testing"

	"warpline.ai/internal/sim/chunk"
)

func rectAt(x, y, z int) Rect {
	return Rect{Min: chunk.BlockPos{X: x, Y: y, Z: z}, Axis: AxisX, Width: 2, Height: 3}
}

func TestNearestPicksClosestLoaded(t *testing.T) {
	x := NewIndex()
	x.Insert(rectAt(10, 64, 10))
	x.Insert(rectAt(40, 64, 10))

	got, ok := x.Nearest(chunk.BlockPos{X: 38, Y: 64, Z: 10}, 4, nil)
	if !ok || got.Min.X != 40 {
		t.Fatalf("nearest: got %+v,%v", got, ok)
	}

	onlyFirst := func(p chunk.Pos) bool { return p == chunk.FromBlock(11, 10) }
	got, ok = x.Nearest(chunk.BlockPos{X: 38, Y: 64, Z: 10}, 4, onlyFirst)
	if !ok || got.Min.X != 10 {
		t.Fatalf("nearest loaded: got %+v,%v", got, ok)
	}
	if _, ok := x.Nearest(chunk.BlockPos{X: 1000, Z: 1000}, 2, nil); ok {
		t.Fatalf("found portal outside radius")
	}
}

func TestInsertUnlessNearSingleWinner(t *testing.T) {
	x := NewIndex()
	var wg sync.WaitGroup
	results := make([]bool, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = x.InsertUnlessNear(rectAt(100+i, 70, 100), 2)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, ok := range results {
		if ok {
			winners++
		}
	}
	if winners != 1 || x.Len() != 1 {
		t.Fatalf("winners=%d len=%d, want 1/1", winners, x.Len())
	}
}

func TestArrivalCentresEvenWidth(t *testing.T) {
	r := Rect{Min: chunk.BlockPos{X: 0, Y: 65, Z: 0}, Axis: AxisX, Width: 2, Height: 3}
	a := r.Arrival()
	if a.X() != 1.0 || a.Y() != 65 || a.Z() != 0.5 {
		t.Fatalf("arrival: got %v", a)
	}
	r.Axis = AxisZ
	a = r.Arrival()
	if a.X() != 0.5 || a.Z() != 1.0 {
		t.Fatalf("arrival z-axis: got %v", a)
	}
}

func TestParseAxis(t *testing.T) {
	for in, want := range map[string]Axis{"": AxisX, "x": AxisX, "Z": AxisZ} {
		got, ok := ParseAxis(in)
		if !ok || got != want {
			t.Fatalf("ParseAxis(%q)=%v,%v want %v", in, got, ok, want)
		}
	}
	if _, ok := ParseAxis("y"); ok {
		t.Fatalf("y is not a portal axis")
	}
}
