// Package poi indexes portal rectangles by chunk.
package poi

import (
	"sync"

	"github.com/go-gl/mathgl/mgl64"

	"warpline.ai/internal/sim/chunk"
)

type Axis uint8

const (
	AxisX Axis = iota
	AxisZ
)

func (a Axis) String() string {
	if a == AxisZ {
		return "z"
	}
	return "x"
}

// ParseAxis accepts "x" or "z"; empty means x.
func ParseAxis(s string) (Axis, bool) {
	switch s {
	case "", "x", "X":
		return AxisX, true
	case "z", "Z":
		return AxisZ, true
	}
	return AxisX, false
}

// Rect is an upright portal opening. Min is its lowest corner; the opening
// extends Width blocks along Axis and Height blocks up.
type Rect struct {
	Min    chunk.BlockPos `json:"min"`
	Axis   Axis           `json:"axis"`
	Width  int            `json:"width"`
	Height int            `json:"height"`
}

// Base is the block at the bottom middle of the opening.
func (r Rect) Base() chunk.BlockPos {
	b := r.Min
	if r.Axis == AxisX {
		b.X += r.Width / 2
	} else {
		b.Z += r.Width / 2
	}
	return b
}

// Arrival is where an entity stands after exiting the rectangle.
func (r Rect) Arrival() mgl64.Vec3 {
	c := r.Base().Center()
	if r.Width%2 == 0 {
		if r.Axis == AxisX {
			c[0] -= 0.5
		} else {
			c[2] -= 0.5
		}
	}
	return c
}

type Index struct {
	mu      sync.Mutex
	byChunk map[chunk.Pos][]Rect
	count   int
}

func NewIndex() *Index {
	return &Index{byChunk: map[chunk.Pos][]Rect{}}
}

func (x *Index) Insert(r Rect) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.insertLocked(r)
}

// Nearest returns the rectangle closest to center within radius chunks,
// looking only at chunks loaded accepts.
func (x *Index) Nearest(center chunk.BlockPos, radius int, loaded func(chunk.Pos) bool) (Rect, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.nearestLocked(center, radius, loaded)
}

// InsertUnlessNear inserts r unless a rectangle already exists within radius
// chunks of it; in that case the existing one is returned and inserted is
// false. Racing creators therefore agree on a single rectangle.
func (x *Index) InsertUnlessNear(r Rect, radius int) (got Rect, inserted bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if existing, ok := x.nearestLocked(r.Base(), radius, nil); ok {
		return existing, false
	}
	x.insertLocked(r)
	return r, true
}

func (x *Index) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.count
}

func (x *Index) All() []Rect {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]Rect, 0, x.count)
	for _, rs := range x.byChunk {
		out = append(out, rs...)
	}
	return out
}

func (x *Index) insertLocked(r Rect) {
	p := r.Base().Chunk()
	x.byChunk[p] = append(x.byChunk[p], r)
	x.count++
}

func (x *Index) nearestLocked(center chunk.BlockPos, radius int, loaded func(chunk.Pos) bool) (Rect, bool) {
	var (
		best   Rect
		bestD  int
		found  bool
		origin = center.Chunk()
	)
	for _, p := range chunk.Square(origin, radius) {
		rs := x.byChunk[p]
		if len(rs) == 0 || (loaded != nil && !loaded(p)) {
			continue
		}
		for _, r := range rs {
			d := r.Base().DistSq(center)
			if !found || d < bestD || (d == bestD && less(r.Base(), best.Base())) {
				best, bestD, found = r, d, true
			}
		}
	}
	return best, found
}

func less(a, b chunk.BlockPos) bool {
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	if a.X != b.X {
		return a.X < b.X
	}
	return a.Z < b.Z
}
