package chunk

import (
	"context"
	"testing"
	"time"
)

func TestLoadCompletesOnlyWhenWholeSquareReady(t *testing.T) {
	var served []Pos
	l := NewLoader(Terrain{Seed: 1, GroundY: 64, Amplitude: 3}, func(p Pos) { served = append(served, p) })

	done := l.LoadFull(Pos{X: 0, Z: 0}, 1, PriorityNormal)
	if done.Done() {
		t.Fatalf("expected pending request")
	}
	if got := l.Process(4); got != 4 {
		t.Fatalf("generated: got %d want 4", got)
	}
	if done.Done() {
		t.Fatalf("request completed with 4 of 9 chunks")
	}
	l.Process(100)
	set, ok := done.Value()
	if !ok {
		t.Fatalf("request not completed after full budget")
	}
	if set.Detail != DetailFull || set.Radius != 1 {
		t.Fatalf("unexpected set: %+v", set)
	}
	if len(served) != 9 {
		t.Fatalf("served: got %d want 9", len(served))
	}
	if l.Pending() != 0 {
		t.Fatalf("pending: got %d want 0", l.Pending())
	}
}

func TestLoadAlreadySatisfiedCompletesInline(t *testing.T) {
	l := NewLoader(Terrain{GroundY: 10}, nil)
	l.Load(Pos{}, 0, DetailFull, PriorityNormal)
	l.Process(10)

	c := l.Load(Pos{}, 0, DetailEmpty, PriorityLow)
	if !c.Done() {
		t.Fatalf("lower detail over full chunk should complete inline")
	}
}

func TestProcessServesHigherPriorityFirst(t *testing.T) {
	l := NewLoader(Terrain{}, nil)
	low := l.Load(Pos{X: 10}, 0, DetailEmpty, PriorityLow)
	high := l.Load(Pos{X: -10}, 0, DetailEmpty, PriorityHigh)

	l.Process(1)
	if !high.Done() {
		t.Fatalf("high priority request not served first")
	}
	if low.Done() {
		t.Fatalf("low priority request served with exhausted budget")
	}
	l.Process(1)
	if !low.Done() {
		t.Fatalf("low priority request not served")
	}
}

func TestUpgradeEmptyToFull(t *testing.T) {
	l := NewLoader(Terrain{GroundY: 40, Amplitude: 0}, nil)
	l.Load(Pos{}, 0, DetailEmpty, PriorityNormal)
	l.Process(1)
	if _, ok := l.HeightAt(3, 3); ok {
		t.Fatalf("empty chunk should not expose terrain")
	}
	l.LoadFull(Pos{}, 0, PriorityNormal)
	l.Process(1)
	h, ok := l.HeightAt(3, 3)
	if !ok || h != 40 {
		t.Fatalf("height: got %d,%v want 40,true", h, ok)
	}
	if s := l.Stats(); s.Generated != 1 || s.Upgraded != 1 {
		t.Fatalf("stats: %+v", s)
	}
}

func TestUnloadIfHonoursKeep(t *testing.T) {
	l := NewLoader(Terrain{}, nil)
	l.Load(Pos{}, 0, DetailEmpty, PriorityNormal)
	l.Process(1)

	if l.UnloadIf(Pos{}, func(Pos) bool { return true }) {
		t.Fatalf("kept chunk was unloaded")
	}
	if !l.UnloadIf(Pos{}, nil) {
		t.Fatalf("chunk not unloaded")
	}
	if l.DetailAt(Pos{}) != DetailNone {
		t.Fatalf("detail after unload: %v", l.DetailAt(Pos{}))
	}
}

func TestTerrainFlatWithinCells(t *testing.T) {
	tr := Terrain{Seed: 99, GroundY: 60, Amplitude: 6}
	for x := 0; x < 4; x++ {
		for z := 0; z < 4; z++ {
			if tr.Height(x, z) != tr.Height(0, 0) {
				t.Fatalf("height varies inside a 4x4 cell at %d,%d", x, z)
			}
		}
	}
	h := tr.Height(123, -77)
	if h < 60 || h > 66 {
		t.Fatalf("height out of range: %d", h)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	l := NewLoader(Terrain{}, nil)
	c := l.Load(Pos{}, 1, DetailEmpty, PriorityNormal)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx, time.Millisecond, 64) }()

	deadline := time.Now().Add(2 * time.Second)
	for !c.Done() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if !c.Done() {
		t.Fatalf("run loop did not serve request")
	}
	if err := <-errCh; err != context.Canceled {
		t.Fatalf("run err: got %v want context.Canceled", err)
	}
}

func TestFromVecNegative(t *testing.T) {
	p := FromBlock(-1, 16)
	if p != (Pos{X: -1, Z: 1}) {
		t.Fatalf("got %v", p)
	}
	if d := (Pos{X: 2, Z: -3}).Distance(Pos{}); d != 3 {
		t.Fatalf("distance: got %d want 3", d)
	}
}
