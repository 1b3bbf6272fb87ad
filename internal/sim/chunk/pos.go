package chunk

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"warpline.ai/internal/sim/mathx"
)

// Size is the edge length of a chunk column in blocks.
const Size = 16

type Pos struct {
	X int `json:"x"`
	Z int `json:"z"`
}

func (p Pos) String() string { return fmt.Sprintf("[%d,%d]", p.X, p.Z) }

func FromBlock(x, z int) Pos {
	return Pos{X: mathx.FloorDiv(x, Size), Z: mathx.FloorDiv(z, Size)}
}

func FromVec(v mgl64.Vec3) Pos {
	return FromBlock(int(math.Floor(v.X())), int(math.Floor(v.Z())))
}

// Distance is the Chebyshev distance in chunks.
func (p Pos) Distance(o Pos) int {
	dx := mathx.AbsInt(p.X - o.X)
	dz := mathx.AbsInt(p.Z - o.Z)
	if dx > dz {
		return dx
	}
	return dz
}

// Square lists the (2r+1)^2 positions around center, row-major.
func Square(center Pos, radius int) []Pos {
	if radius < 0 {
		radius = 0
	}
	out := make([]Pos, 0, (2*radius+1)*(2*radius+1))
	for dz := -radius; dz <= radius; dz++ {
		for dx := -radius; dx <= radius; dx++ {
			out = append(out, Pos{X: center.X + dx, Z: center.Z + dz})
		}
	}
	return out
}

type BlockPos struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

func BlockOf(v mgl64.Vec3) BlockPos {
	return BlockPos{X: int(math.Floor(v.X())), Y: int(math.Floor(v.Y())), Z: int(math.Floor(v.Z()))}
}

func (b BlockPos) Chunk() Pos { return FromBlock(b.X, b.Z) }

// Center is the bottom centre of the block.
func (b BlockPos) Center() mgl64.Vec3 {
	return mgl64.Vec3{float64(b.X) + 0.5, float64(b.Y), float64(b.Z) + 0.5}
}

func (b BlockPos) DistSq(o BlockPos) int {
	dx, dy, dz := b.X-o.X, b.Y-o.Y, b.Z-o.Z
	return dx*dx + dy*dy + dz*dz
}

func (b BlockPos) String() string { return fmt.Sprintf("(%d,%d,%d)", b.X, b.Y, b.Z) }
